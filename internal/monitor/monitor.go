package monitor

import (
	"bytes"
	"context"
	"encoding/hex"
	"image"
	"image/jpeg"
	"log/slog"
	mathrand "math/rand"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/image/draw"

	"proctord/internal/frame"
	"proctord/internal/violation"
)

// Uploader is the server side of the monitoring session. Implemented by
// the API client.
type Uploader interface {
	StartMonitoring(ctx context.Context, testID string) (string, error)
	UploadScreenshot(ctx context.Context, sessionID string, jpeg []byte, contentHash string) error
	ReportSuspicious(ctx context.Context, sessionID, verdictType, description string, confidence float64) error
	EndMonitoring(ctx context.Context, sessionID, resultID string) error
}

// Recorder receives promoted camera violations. Implemented by the
// violation ledger.
type Recorder interface {
	Record(typ violation.Type, sev violation.Severity, details string)
}

// Config configures a monitoring session.
type Config struct {
	TestID string

	// MinInterval and MaxInterval bound the randomized sampling
	// interval. Randomized, not fixed, so the capture moment cannot be
	// gamed. Defaults: 30s and 90s.
	MinInterval time.Duration
	MaxInterval time.Duration

	// UploadWidth is the width frames are downscaled to before upload.
	// Defaults to 640.
	UploadWidth int

	// JPEGQuality for uploaded frames. Defaults to 70.
	JPEGQuality int
}

func (c *Config) applyDefaults() {
	if c.MinInterval <= 0 {
		c.MinInterval = 30 * time.Second
	}
	if c.MaxInterval <= c.MinInterval {
		c.MaxInterval = c.MinInterval + time.Minute
	}
	if c.UploadWidth <= 0 {
		c.UploadWidth = 640
	}
	if c.JPEGQuality <= 0 {
		c.JPEGQuality = 70
	}
}

// Confidence gates for promoting a verdict to a counted violation,
// keyed by the severity the verdict type maps to. A verdict below its
// gate is uploaded for audit but not counted.
const (
	gateLow    = 0.55
	gateMedium = 0.65
	gateHigh   = 0.75
)

// verdictSeverity maps analyzer verdict types to violation severities.
func verdictSeverity(t frame.VerdictType) violation.Severity {
	switch t {
	case frame.VerdictMultipleFaces, frame.VerdictForeignObject:
		return violation.SeverityHigh
	case frame.VerdictFaceAbsent, frame.VerdictLookingAway, frame.VerdictErraticMotion:
		return violation.SeverityMedium
	default: // lighting anomalies
		return violation.SeverityLow
	}
}

func gate(sev violation.Severity) float64 {
	switch sev {
	case violation.SeverityHigh:
		return gateHigh
	case violation.SeverityMedium:
		return gateMedium
	default:
		return gateLow
	}
}

// Stats is the monitoring digest included in the submission payload.
type Stats struct {
	SessionID        string
	FramesAnalyzed   int
	FramesUploaded   int
	SuspiciousFrames int
	Degraded         bool
}

// Session runs camera proctoring for one exam.
//
// At most one capture/analyze/upload cycle is in flight at a time; the
// next capture is not scheduled until the previous cycle finishes, which
// bounds memory and CPU. Acquisition failure is never fatal: the session
// enters degraded mode and the exam continues without camera monitoring.
type Session struct {
	cfg      Config
	logger   *slog.Logger
	camera   Camera
	analyzer *frame.Analyzer
	recorder Recorder
	uploader Uploader
	rng      *mathrand.Rand

	mu        sync.Mutex
	stream    Stream
	sessionID string
	stats     Stats
	running   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession creates a monitoring session.
func NewSession(cfg Config, camera Camera, recorder Recorder, uploader Uploader, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	return &Session{
		cfg:      cfg,
		logger:   logger.With("component", "proctoring_session"),
		camera:   camera,
		analyzer: frame.NewAnalyzer(),
		recorder: recorder,
		uploader: uploader,
		rng:      mathrand.New(mathrand.NewSource(time.Now().UnixNano())),
	}
}

// Start acquires the camera and begins the sampling loop. It returns
// nil even when acquisition fails: monitoring degrades rather than
// blocking the exam.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	stream, spec, err := acquire(ctx, s.camera, FallbackLadder)
	if err != nil {
		s.logger.Warn("camera unavailable, monitoring degraded", "error", err)
		s.mu.Lock()
		s.stats.Degraded = true
		s.mu.Unlock()
		return nil
	}

	sessionID := ""
	if s.uploader != nil {
		startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		sessionID, err = s.uploader.StartMonitoring(startCtx, s.cfg.TestID)
		cancel()
		if err != nil {
			// Keep analyzing locally; uploads resume if a later
			// screenshot call succeeds on a reconnect-started session.
			s.logger.Warn("monitoring session start failed", "error", err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.stream = stream
	s.sessionID = sessionID
	s.cancel = cancel
	s.mu.Unlock()

	s.analyzer.Reset()

	s.wg.Add(1)
	go s.sampleLoop(loopCtx)

	s.logger.Info("camera monitoring started",
		"width", spec.Width, "height", spec.Height, "session_id", sessionID)
	return nil
}

// Stop synchronously halts the stream and releases the camera. Safe to
// call more than once.
func (s *Session) Stop(resultID string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	stream := s.stream
	sessionID := s.sessionID
	s.stream = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	// The device must be released before the exam ends; a live camera
	// past submission is a privacy failure.
	if stream != nil {
		if err := stream.Close(); err != nil {
			s.logger.Warn("camera release failed", "error", err)
		}
	}

	if s.uploader != nil && sessionID != "" {
		ctx, cancelEnd := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelEnd()
		if err := s.uploader.EndMonitoring(ctx, sessionID, resultID); err != nil {
			s.logger.Debug("monitoring end failed", "error", err)
		}
	}

	s.logger.Info("camera monitoring stopped")
}

// Stats returns a copy of the current monitoring digest.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Degraded reports whether monitoring is running without a camera.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.Degraded
}

// sampleLoop captures one frame per randomized interval. The next
// capture is scheduled only after the previous cycle (analysis and any
// upload) completes, so exactly one cycle is ever in flight.
func (s *Session) sampleLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		delay := s.nextDelay()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		s.cycle(ctx)
	}
}

// nextDelay draws a uniformly random interval within the configured
// bounds.
func (s *Session) nextDelay() time.Duration {
	span := s.cfg.MaxInterval - s.cfg.MinInterval
	return s.cfg.MinInterval + time.Duration(s.rng.Int63n(int64(span)))
}

// cycle runs one capture → analyze → upload pass.
func (s *Session) cycle(ctx context.Context) {
	s.mu.Lock()
	stream := s.stream
	sessionID := s.sessionID
	s.mu.Unlock()
	if stream == nil {
		return
	}

	grabCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	f, err := stream.Grab(grabCtx)
	cancel()
	if err != nil {
		s.logger.Debug("frame grab failed", "error", err)
		return
	}

	verdict := s.analyzer.Analyze(f)

	s.mu.Lock()
	s.stats.FramesAnalyzed++
	if verdict.Suspicious() {
		s.stats.SuspiciousFrames++
	}
	s.mu.Unlock()

	if verdict.Suspicious() {
		sev := verdictSeverity(verdict.Type)
		if verdict.Confidence >= gate(sev) && s.recorder != nil {
			s.recorder.Record(violation.TypeCameraSuspicion, sev,
				string(verdict.Type)+": "+verdict.Description)
		}
		if s.uploader != nil && sessionID != "" {
			reportCtx, cancelReport := context.WithTimeout(ctx, 10*time.Second)
			err := s.uploader.ReportSuspicious(reportCtx, sessionID,
				string(verdict.Type), verdict.Description, verdict.Confidence)
			cancelReport()
			if err != nil {
				s.logger.Debug("suspicious report failed", "error", err)
			}
		}
	}

	// Every sampled frame goes to the server for human audit,
	// suspicious or not.
	s.upload(ctx, sessionID, f)
}

// upload downscales, encodes, hashes, and posts one frame.
func (s *Session) upload(ctx context.Context, sessionID string, f *frame.Frame) {
	if s.uploader == nil || sessionID == "" {
		return
	}

	encoded, hash, err := encodeFrame(f, s.cfg.UploadWidth, s.cfg.JPEGQuality)
	if err != nil {
		s.logger.Debug("frame encode failed", "error", err)
		return
	}

	upCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	if err := s.uploader.UploadScreenshot(upCtx, sessionID, encoded, hash); err != nil {
		// Best-effort telemetry; the next cycle uploads the next frame.
		s.logger.Debug("screenshot upload failed", "error", err)
		return
	}

	s.mu.Lock()
	s.stats.FramesUploaded++
	s.mu.Unlock()
}

// encodeFrame downscales the frame to uploadWidth, JPEG-encodes it, and
// returns the bytes with their blake2b content hash (the server uses
// the hash to de-duplicate and reference frames in audit findings).
func encodeFrame(f *frame.Frame, uploadWidth, quality int) ([]byte, string, error) {
	src := f.Image()

	dst := src
	if f.Width > uploadWidth {
		h := f.Height * uploadWidth / f.Width
		dst = image.NewRGBA(image.Rect(0, 0, uploadWidth, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, "", err
	}

	sum := blake2b.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}
