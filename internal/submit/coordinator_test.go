package submit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/client"
	"proctord/internal/violation"
)

type fakeBuilder struct {
	err error
}

func (b *fakeBuilder) BuildSubmitPayload(ctx context.Context, trig Trigger) (client.SubmitPayload, error) {
	if b.err != nil {
		return client.SubmitPayload{}, b.err
	}
	return client.SubmitPayload{TestID: "t1", Reason: string(trig)}, nil
}

type fakeSubmitter struct {
	calls    atomic.Int32
	failures atomic.Int32 // fail this many calls before succeeding
}

func (s *fakeSubmitter) SubmitTest(ctx context.Context, p client.SubmitPayload) (string, error) {
	n := s.calls.Add(1)
	if int32(n) <= s.failures.Load() {
		return "", errors.New("server unavailable")
	}
	return "res-1", nil
}

func awaitResult(t *testing.T, c *Coordinator) Result {
	t.Helper()
	select {
	case res := <-c.Results():
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no submission result")
		return Result{}
	}
}

func TestTimerExpiryTriggersSubmission(t *testing.T) {
	sub := &fakeSubmitter{}
	c := NewCoordinator(Config{}, &fakeBuilder{}, sub, nil)

	finished := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, Sources{TimerFinished: finished})

	close(finished)

	res := awaitResult(t, c)
	require.NoError(t, res.Err)
	assert.Equal(t, TriggerTimerExpired, res.Trigger)
	assert.Equal(t, "res-1", res.ResultID)
	assert.True(t, c.Submitted())
}

func TestEscalationTriggersSubmission(t *testing.T) {
	sub := &fakeSubmitter{}
	c := NewCoordinator(Config{}, &fakeBuilder{}, sub, nil)

	escalated := make(chan violation.Tally, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, Sources{Escalated: escalated})

	escalated <- violation.Tally{violation.TypeTabSwitch: 5}

	res := awaitResult(t, c)
	require.NoError(t, res.Err)
	assert.Equal(t, TriggerEscalation, res.Trigger)
}

func TestConcurrentTriggersSubmitOnce(t *testing.T) {
	sub := &fakeSubmitter{}
	c := NewCoordinator(Config{}, &fakeBuilder{}, sub, nil)

	finished := make(chan struct{})
	escalated := make(chan violation.Tally, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, Sources{TimerFinished: finished, Escalated: escalated})

	close(finished)
	escalated <- violation.Tally{violation.TypeFocusLoss: 5}

	awaitResult(t, c)
	// Give the second trigger a chance to misbehave.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), sub.calls.Load(), "lock must collapse concurrent triggers into one submission")
}

func TestFailedSubmissionReleasesLockForRetry(t *testing.T) {
	sub := &fakeSubmitter{}
	sub.failures.Store(1)
	c := NewCoordinator(Config{}, &fakeBuilder{}, sub, nil)

	ctx := context.Background()
	require.NoError(t, c.TriggerNow(ctx))
	res := awaitResult(t, c)
	require.Error(t, res.Err)
	assert.False(t, c.Submitted())

	// The lock was released; a manual retry goes through.
	require.NoError(t, c.TriggerNow(ctx))
	res = awaitResult(t, c)
	require.NoError(t, res.Err)
	assert.True(t, c.Submitted())

	// And after success, further triggers are rejected.
	assert.ErrorIs(t, c.TriggerNow(ctx), ErrAlreadySubmitted)
	assert.Equal(t, int32(2), sub.calls.Load())
}

func TestBuilderFailureSurfacesAndReleases(t *testing.T) {
	c := NewCoordinator(Config{}, &fakeBuilder{err: errors.New("corrupt store")}, &fakeSubmitter{}, nil)

	require.NoError(t, c.TriggerNow(context.Background()))
	res := awaitResult(t, c)
	require.Error(t, res.Err)
	assert.False(t, c.Submitted())
}

func TestGraceWindowWaitsForPaper(t *testing.T) {
	sub := &fakeSubmitter{}
	c := NewCoordinator(Config{RequirePaper: true, GraceWindow: time.Minute}, &fakeBuilder{}, sub, nil)

	finished := make(chan struct{})
	paper := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, Sources{TimerFinished: finished, PaperReady: paper})

	close(finished)

	// Submission must be held while the paper is outstanding.
	select {
	case res := <-c.Results():
		t.Fatalf("submitted before paper arrived: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}

	paper <- "/uploads/answers.pdf"

	res := awaitResult(t, c)
	require.NoError(t, res.Err)
	assert.Equal(t, TriggerTimerExpired, res.Trigger, "paper arrival keeps the original trigger")
}

func TestGraceWindowExpiryForcesSubmission(t *testing.T) {
	sub := &fakeSubmitter{}
	c := NewCoordinator(Config{RequirePaper: true, GraceWindow: 30 * time.Millisecond}, &fakeBuilder{}, sub, nil)

	finished := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, Sources{TimerFinished: finished})

	close(finished)

	res := awaitResult(t, c)
	require.NoError(t, res.Err)
	assert.Equal(t, TriggerPaperTimeout, res.Trigger)
}

func TestPaperBeforeTriggerSkipsGraceWindow(t *testing.T) {
	sub := &fakeSubmitter{}
	c := NewCoordinator(Config{RequirePaper: true, GraceWindow: time.Hour}, &fakeBuilder{}, sub, nil)

	finished := make(chan struct{})
	paper := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, Sources{TimerFinished: finished, PaperReady: paper})

	paper <- "/uploads/answers.pdf"
	// Let the coordinator observe the paper before the trigger fires.
	time.Sleep(20 * time.Millisecond)
	close(finished)

	res := awaitResult(t, c)
	require.NoError(t, res.Err)
	assert.Equal(t, TriggerTimerExpired, res.Trigger)
}
