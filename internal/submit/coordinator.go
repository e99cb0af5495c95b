// Package submit implements the terminal submission sequence.
//
// The coordinator subscribes to timer expiry, violation escalation, and
// the optional paper-upload signals, and drives exactly one submission.
// The one-shot lock makes concurrent triggers idempotent; it is
// released on a failed submission so the student can retry manually,
// and never released twice.
package submit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"proctord/internal/client"
	"proctord/internal/violation"
)

// Trigger identifies what started the submission sequence.
type Trigger string

const (
	TriggerTimerExpired Trigger = "timer_expired"
	TriggerEscalation   Trigger = "violation_escalation"
	TriggerPaperTimeout Trigger = "paper_timeout"
	TriggerManual       Trigger = "manual"
)

// Sources are the event channels the coordinator subscribes to. Any nil
// channel is simply not selected on.
type Sources struct {
	// TimerFinished is closed when the countdown expires.
	TimerFinished <-chan struct{}

	// Escalated receives the final tally when the ledger crosses the
	// violation threshold.
	Escalated <-chan violation.Tally

	// PaperReady receives the uploaded paper path during the grace
	// window.
	PaperReady <-chan string
}

// PayloadBuilder assembles the submission body: merged answers (staged
// offline answers win), the full violation log, and the monitoring
// summary. Implemented by the exam session.
type PayloadBuilder interface {
	BuildSubmitPayload(ctx context.Context, trigger Trigger) (client.SubmitPayload, error)
}

// Submitter performs the final, awaited submission call. Implemented by
// the API client, which owns the bounded retry.
type Submitter interface {
	SubmitTest(ctx context.Context, p client.SubmitPayload) (resultID string, err error)
}

// Result is the submission outcome delivered to the session.
type Result struct {
	Trigger  Trigger
	ResultID string
	Err      error
}

// Config configures the coordinator.
type Config struct {
	// RequirePaper inserts a grace window before submission when the
	// answer paper has not been uploaded yet.
	RequirePaper bool

	// GraceWindow bounds how long submission waits for the paper.
	// Defaults to 3m when RequirePaper is set.
	GraceWindow time.Duration
}

// ErrAlreadySubmitted is returned by TriggerNow after a successful
// submission or while one is in flight.
var ErrAlreadySubmitted = errors.New("submit: submission already completed or in flight")

// Coordinator drives the terminal submission sequence.
type Coordinator struct {
	cfg       Config
	logger    *slog.Logger
	builder   PayloadBuilder
	submitter Submitter

	mu         sync.Mutex
	inFlight   bool
	done       bool
	paperReady bool

	results chan Result
	wg      sync.WaitGroup
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config, builder PayloadBuilder, submitter Submitter, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequirePaper && cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 3 * time.Minute
	}

	return &Coordinator{
		cfg:       cfg,
		logger:    logger.With("component", "submit_coordinator"),
		builder:   builder,
		submitter: submitter,
		results:   make(chan Result, 1),
	}
}

// Results returns the channel of submission outcomes. A failed attempt
// produces a Result with Err set; the session surfaces it and may call
// TriggerNow again for a manual retry.
func (c *Coordinator) Results() <-chan Result {
	return c.results
}

// Run subscribes to the trigger sources until ctx is cancelled. Call in
// its own goroutine.
func (c *Coordinator) Run(ctx context.Context, src Sources) {
	c.wg.Add(1)
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case <-src.TimerFinished:
			// A closed channel would spin this select; nil it out
			// after the first receive.
			src.TimerFinished = nil
			c.trigger(ctx, TriggerTimerExpired, src.PaperReady)

		case tally, ok := <-src.Escalated:
			if !ok {
				src.Escalated = nil
				continue
			}
			c.logger.Warn("escalation received", "counted_total", tally.Total())
			c.trigger(ctx, TriggerEscalation, src.PaperReady)

		case path, ok := <-src.PaperReady:
			if !ok {
				src.PaperReady = nil
				continue
			}
			c.markPaperReady(path)
		}
	}
}

// TriggerNow starts a submission outside the subscribed sources (the
// student's own submit button, or a manual retry after failure).
func (c *Coordinator) TriggerNow(ctx context.Context) error {
	if !c.acquire() {
		return ErrAlreadySubmitted
	}
	c.submit(ctx, TriggerManual)
	return nil
}

// Submitted reports whether a submission has completed successfully.
func (c *Coordinator) Submitted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// markPaperReady records that the answer paper arrived. The grace
// window, if one is pending, observes this through paperReady.
func (c *Coordinator) markPaperReady(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paperReady {
		c.paperReady = true
		c.logger.Info("answer paper ready", "path", path)
	}
}

// trigger runs the full sequence for one source event: acquire the
// one-shot lock, wait out the grace window if a paper is still
// required, then submit.
func (c *Coordinator) trigger(ctx context.Context, trig Trigger, paperReady <-chan string) {
	if !c.acquire() {
		c.logger.Debug("submission trigger ignored, lock held", "trigger", trig)
		return
	}

	c.mu.Lock()
	needPaper := c.cfg.RequirePaper && !c.paperReady
	c.mu.Unlock()

	if needPaper {
		trig = c.graceWait(ctx, trig, paperReady)
	}

	c.submit(ctx, trig)
}

// graceWait blocks for the bounded grace window, returning early when
// the paper arrives. Expiry forces submission without the paper.
func (c *Coordinator) graceWait(ctx context.Context, trig Trigger, paperReady <-chan string) Trigger {
	c.logger.Info("waiting for answer paper", "grace_window", c.cfg.GraceWindow)

	graceTimer := time.NewTimer(c.cfg.GraceWindow)
	defer graceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return trig

		case path, ok := <-paperReady:
			if !ok {
				paperReady = nil
				continue
			}
			c.markPaperReady(path)
			return trig

		case <-graceTimer.C:
			c.logger.Warn("grace window expired, submitting without paper")
			return TriggerPaperTimeout
		}
	}
}

// acquire takes the one-shot submission lock. Returns false when a
// submission already succeeded or is in flight.
func (c *Coordinator) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done || c.inFlight {
		return false
	}
	c.inFlight = true
	return true
}

// release drops the in-flight flag, marking the submission done on
// success. The flag is only ever cleared here, under the same mutex
// acquire uses, so a double release cannot occur.
func (c *Coordinator) release(succeeded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	if succeeded {
		c.done = true
	}
}

// submit builds the payload and performs the awaited submission call.
// Caller must hold the lock via acquire.
func (c *Coordinator) submit(ctx context.Context, trig Trigger) {
	c.logger.Info("starting final submission", "trigger", trig)

	payload, err := c.builder.BuildSubmitPayload(ctx, trig)
	if err != nil {
		// Building from local state should not fail; treat it like a
		// failed network call so a manual retry stays possible.
		c.logger.Error("payload build failed", "error", err)
		c.release(false)
		c.results <- Result{Trigger: trig, Err: err}
		return
	}

	resultID, err := c.submitter.SubmitTest(ctx, payload)
	if err != nil {
		c.logger.Error("submission failed", "trigger", trig, "error", err)
		c.release(false)
		c.results <- Result{Trigger: trig, Err: err}
		return
	}

	c.release(true)
	c.logger.Info("submission complete", "result_id", resultID, "trigger", trig)
	c.results <- Result{Trigger: trig, ResultID: resultID}
}
