package monitor

import (
	"context"
	"errors"
	"image/color"
	"sync"
	"testing"
	"time"

	"proctord/internal/frame"
	"proctord/internal/violation"
)

// fakeStream serves the same synthetic frame for every grab.
type fakeStream struct {
	mu     sync.Mutex
	frame  *frame.Frame
	grabs  int
	closed bool
}

func (s *fakeStream) Grab(ctx context.Context) (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grabs++
	return s.frame, nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeCamera struct {
	mu       sync.Mutex
	failSpec map[CaptureSpec]error
	denied   bool
	opened   []CaptureSpec
	stream   *fakeStream
}

func (c *fakeCamera) Open(ctx context.Context, spec CaptureSpec) (Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = append(c.opened, spec)
	if c.denied {
		return nil, ErrPermissionDenied
	}
	if err := c.failSpec[spec]; err != nil {
		return nil, err
	}
	if c.stream == nil {
		c.stream = &fakeStream{frame: cleanFrame()}
	}
	return c.stream, nil
}

type fakeUploader struct {
	mu          sync.Mutex
	startErr    error
	screenshots int
	suspicious  []string
	ended       bool
	endResultID string
}

func (u *fakeUploader) StartMonitoring(ctx context.Context, testID string) (string, error) {
	if u.startErr != nil {
		return "", u.startErr
	}
	return "sess-1", nil
}

func (u *fakeUploader) UploadScreenshot(ctx context.Context, sessionID string, jpeg []byte, hash string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.screenshots++
	return nil
}

func (u *fakeUploader) ReportSuspicious(ctx context.Context, sessionID, verdictType, description string, confidence float64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.suspicious = append(u.suspicious, verdictType)
	return nil
}

func (u *fakeUploader) EndMonitoring(ctx context.Context, sessionID, resultID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ended = true
	u.endResultID = resultID
	return nil
}

type fakeRecorder struct {
	mu    sync.Mutex
	types []violation.Type
	sevs  []violation.Severity
}

func (r *fakeRecorder) Record(typ violation.Type, sev violation.Severity, details string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, typ)
	r.sevs = append(r.sevs, sev)
}

// cleanFrame is a single centered face-sized skin blob on gray.
func cleanFrame() *frame.Frame {
	f := frame.New(64, 48)
	f.FillRect(0, 0, 64, 48, color.RGBA{R: 128, G: 128, B: 128, A: 255})
	f.FillRect(24, 16, 40, 32, color.RGBA{R: 200, G: 140, B: 100, A: 255})
	return f
}

func darkFrame() *frame.Frame {
	return frame.New(64, 48)
}

func TestAcquireWalksFallbackLadder(t *testing.T) {
	cam := &fakeCamera{failSpec: map[CaptureSpec]error{
		FallbackLadder[0]: errors.New("1280x720 unsupported"),
		FallbackLadder[1]: errors.New("640x480 unsupported"),
	}}

	_, spec, err := acquire(context.Background(), cam, FallbackLadder)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if spec != FallbackLadder[2] {
		t.Errorf("spec = %+v, want lowest rung", spec)
	}
	if len(cam.opened) != 3 {
		t.Errorf("open attempts = %d, want 3", len(cam.opened))
	}
}

func TestAcquirePermissionDeniedStopsLadder(t *testing.T) {
	cam := &fakeCamera{denied: true}

	_, _, err := acquire(context.Background(), cam, FallbackLadder)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if len(cam.opened) != 1 {
		t.Errorf("open attempts = %d, want 1 (no retry after denial)", len(cam.opened))
	}
}

func TestDeniedCameraDegradesWithoutFailing(t *testing.T) {
	s := NewSession(Config{TestID: "t1"}, &fakeCamera{denied: true}, &fakeRecorder{}, &fakeUploader{}, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start must not fail on camera denial: %v", err)
	}
	if !s.Degraded() {
		t.Error("session not marked degraded")
	}
	s.Stop("")
}

func TestCycleUploadsEveryFrame(t *testing.T) {
	cam := &fakeCamera{}
	up := &fakeUploader{}
	rec := &fakeRecorder{}
	s := NewSession(Config{
		TestID:      "t1",
		MinInterval: 5 * time.Millisecond,
		MaxInterval: 10 * time.Millisecond,
		UploadWidth: 64,
	}, cam, rec, up, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Stats().FramesUploaded >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop("res-1")

	stats := s.Stats()
	if stats.FramesUploaded < 2 {
		t.Fatalf("frames uploaded = %d, want >= 2", stats.FramesUploaded)
	}
	if stats.FramesAnalyzed < stats.FramesUploaded {
		t.Errorf("analyzed %d < uploaded %d", stats.FramesAnalyzed, stats.FramesUploaded)
	}

	// Clean frames: nothing suspicious recorded.
	rec.mu.Lock()
	recorded := len(rec.types)
	rec.mu.Unlock()
	if recorded != 0 {
		t.Errorf("clean frames recorded %d violations", recorded)
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	if !up.ended {
		t.Error("EndMonitoring not called on Stop")
	}
	if up.endResultID != "res-1" {
		t.Errorf("end result id = %q", up.endResultID)
	}
}

func TestSuspiciousFramePromotedToViolation(t *testing.T) {
	cam := &fakeCamera{stream: &fakeStream{frame: darkFrame()}}
	up := &fakeUploader{}
	rec := &fakeRecorder{}
	s := NewSession(Config{
		TestID:      "t1",
		MinInterval: 5 * time.Millisecond,
		MaxInterval: 10 * time.Millisecond,
		UploadWidth: 64,
	}, cam, rec, up, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Stats().SuspiciousFrames >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop("")

	if s.Stats().SuspiciousFrames < 1 {
		t.Fatal("dark frame never flagged")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.types) == 0 {
		t.Fatal("suspicious verdict not promoted to a violation")
	}
	if rec.types[0] != violation.TypeCameraSuspicion {
		t.Errorf("recorded type = %s", rec.types[0])
	}
	// lighting_too_dark maps to the low-severity gate, 0.75 >= 0.55.
	if rec.sevs[0] != violation.SeverityLow {
		t.Errorf("recorded severity = %s", rec.sevs[0])
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.suspicious) == 0 {
		t.Error("suspicious verdict not reported to the server")
	}
}

func TestStopReleasesCameraSynchronously(t *testing.T) {
	cam := &fakeCamera{}
	s := NewSession(Config{
		TestID:      "t1",
		MinInterval: 5 * time.Millisecond,
		MaxInterval: 10 * time.Millisecond,
	}, cam, nil, &fakeUploader{}, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop("")

	cam.mu.Lock()
	stream := cam.stream
	cam.mu.Unlock()
	stream.mu.Lock()
	defer stream.mu.Unlock()
	if !stream.closed {
		t.Error("stream not closed when Stop returned")
	}

	// Second Stop is a no-op.
	s.Stop("")
}

func TestVerdictSeverityMapping(t *testing.T) {
	cases := []struct {
		verdict frame.VerdictType
		want    violation.Severity
	}{
		{frame.VerdictMultipleFaces, violation.SeverityHigh},
		{frame.VerdictForeignObject, violation.SeverityHigh},
		{frame.VerdictFaceAbsent, violation.SeverityMedium},
		{frame.VerdictLookingAway, violation.SeverityMedium},
		{frame.VerdictErraticMotion, violation.SeverityMedium},
		{frame.VerdictTooDark, violation.SeverityLow},
		{frame.VerdictGlare, violation.SeverityLow},
	}
	for _, tc := range cases {
		if got := verdictSeverity(tc.verdict); got != tc.want {
			t.Errorf("verdictSeverity(%s) = %s, want %s", tc.verdict, got, tc.want)
		}
	}
}

func TestEncodeFrameDownscales(t *testing.T) {
	f := frame.New(1280, 720)
	f.FillRect(0, 0, 1280, 720, color.RGBA{R: 128, G: 128, B: 128, A: 255})

	data, hash, err := encodeFrame(f, 640, 70)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty jpeg")
	}
	if len(hash) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(hash))
	}

	// Same input, same hash.
	_, hash2, err := encodeFrame(f, 640, 70)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	if hash != hash2 {
		t.Error("content hash not deterministic")
	}
}
