// Package timer implements the authoritative exam countdown.
//
// The engine owns the remaining-time value. The deadline (endAt) is the
// single source of truth: remaining time is always recomputed from the
// wall clock on every tick, never decremented by a counter, so tick
// scheduling jitter cannot accumulate into drift. The tick loop runs in
// its own goroutine so a stalled caller never causes a missed expiry.
//
// The server clock always wins: Sync recomputes the deadline from the
// server-reported remaining time unconditionally and records the drift
// the correction implied.
package timer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the engine lifecycle state.
type State int

const (
	// StateIdle means Start has not been called.
	StateIdle State = iota

	// StateRunning means the countdown is active.
	StateRunning

	// StatePaused means the countdown is suspended; remaining time is
	// frozen until Resume.
	StatePaused

	// StateStopped means the engine was stopped before expiry. Terminal.
	StateStopped

	// StateExpired means the countdown reached zero. Terminal.
	StateExpired
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Tick is a periodic countdown update pushed to subscribers.
type Tick struct {
	Remaining time.Duration
	Elapsed   time.Duration
}

// DriftNotice is surfaced when a server sync corrected the deadline by
// more than the configured tolerance. Informational only.
type DriftNotice struct {
	Drift    time.Duration // old deadline minus new deadline
	SyncedAt time.Time
}

// TimeSource reports the server-authoritative remaining time. Implemented
// by the API client's GET /test/time call.
type TimeSource interface {
	RemainingTime(ctx context.Context) (remaining time.Duration, serverNow time.Time, err error)
}

// Config configures an Engine.
type Config struct {
	// TickInterval is how often ticks are pushed. Defaults to 1s.
	TickInterval time.Duration

	// ResyncInterval is how often the engine polls the TimeSource.
	// Zero disables periodic resync. Defaults to 2m when a TimeSource
	// is provided.
	ResyncInterval time.Duration

	// DriftTolerance is the correction magnitude above which a
	// DriftNotice is emitted. Defaults to 2s.
	DriftTolerance time.Duration
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.DriftTolerance <= 0 {
		c.DriftTolerance = 2 * time.Second
	}
}

var (
	// ErrAlreadyStarted is returned by Start on a non-idle engine.
	ErrAlreadyStarted = errors.New("timer: already started")

	// ErrNotRunning is returned by Pause/Resume in the wrong state.
	ErrNotRunning = errors.New("timer: not running")
)

// Engine runs the countdown.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	source TimeSource

	mu        sync.Mutex
	state     State
	total     time.Duration
	startedAt time.Time
	endAt     time.Time
	pausedAt  time.Time
	stoppedAt time.Time
	lastDrift time.Duration
	finished  bool

	ticks    chan Tick
	done     chan struct{}
	notices  chan DriftNotice
	stopLoop context.CancelFunc
	wg       sync.WaitGroup
}

// NewEngine creates an idle engine. source may be nil to disable the
// periodic server resync (sync can still be driven manually).
func NewEngine(cfg Config, source TimeSource, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	if source != nil && cfg.ResyncInterval == 0 {
		cfg.ResyncInterval = 2 * time.Minute
	}

	return &Engine{
		cfg:     cfg,
		logger:  logger.With("component", "timer_engine"),
		source:  source,
		ticks:   make(chan Tick, 8),
		done:    make(chan struct{}),
		notices: make(chan DriftNotice, 4),
	}
}

// Ticks returns the channel of periodic countdown updates. Ticks are
// dropped, not queued, when the subscriber falls behind.
func (e *Engine) Ticks() <-chan Tick {
	return e.ticks
}

// Finished returns a channel closed exactly once when the countdown
// expires. It is never closed on Stop.
func (e *Engine) Finished() <-chan struct{} {
	return e.done
}

// Notices returns the channel of drift-correction notices.
func (e *Engine) Notices() <-chan DriftNotice {
	return e.notices
}

// Start begins the countdown with the server-reported duration. The
// deadline is computed once from the local clock; subsequent Sync calls
// correct it against the server.
func (e *Engine) Start(ctx context.Context, duration time.Duration) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}

	now := time.Now()
	e.state = StateRunning
	e.total = duration
	e.startedAt = now
	e.endAt = now.Add(duration)

	loopCtx, cancel := context.WithCancel(ctx)
	e.stopLoop = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.tickLoop(loopCtx)

	if e.source != nil && e.cfg.ResyncInterval > 0 {
		e.wg.Add(1)
		go e.resyncLoop(loopCtx)
	}

	e.logger.Info("countdown started",
		"duration", duration, "deadline", e.endAt)
	return nil
}

// Pause freezes the countdown. Remaining time stops decreasing until
// Resume.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRunning {
		return ErrNotRunning
	}
	e.state = StatePaused
	e.pausedAt = time.Now()
	return nil
}

// Resume continues a paused countdown, pushing the deadline forward by
// the paused duration.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StatePaused {
		return ErrNotRunning
	}
	e.endAt = e.endAt.Add(time.Since(e.pausedAt))
	e.state = StateRunning
	return nil
}

// Stop halts the engine before expiry. No finished event is emitted.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state == StateStopped || e.state == StateExpired {
		e.mu.Unlock()
		return
	}
	// Remaining freezes at the stop instant, or at the pause instant if
	// the countdown was already frozen.
	if e.state == StatePaused {
		e.stoppedAt = e.pausedAt
	} else {
		e.stoppedAt = time.Now()
	}
	e.state = StateStopped
	cancel := e.stopLoop
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.logger.Info("countdown stopped")
}

// Sync corrects the deadline against the server-authoritative remaining
// time. The server value is trusted unconditionally; the implied
// correction is recorded as drift and surfaced as a notice when it
// exceeds the tolerance. A sync after expiry never resurrects the
// countdown.
func (e *Engine) Sync(serverRemaining time.Duration, serverNow time.Time) {
	e.mu.Lock()

	if e.state == StateExpired || e.state == StateStopped {
		e.mu.Unlock()
		return
	}

	// Project the server deadline onto the local clock so a skewed
	// local clock does not corrupt the correction.
	localNow := time.Now()
	newEnd := localNow.Add(serverRemaining)
	drift := e.endAt.Sub(newEnd)
	e.endAt = newEnd
	if e.state == StatePaused {
		// The new deadline already reflects the pause span up to now;
		// Resume must only credit pause time accrued after the sync.
		e.pausedAt = localNow
	}
	e.lastDrift = drift
	tolerance := e.cfg.DriftTolerance
	e.mu.Unlock()

	if drift < -tolerance || drift > tolerance {
		e.logger.Info("timer drift corrected",
			"drift", drift, "server_now", serverNow)
		select {
		case e.notices <- DriftNotice{Drift: drift, SyncedAt: localNow}:
		default:
		}
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Remaining returns the current remaining time, recomputed from the
// wall clock.
func (e *Engine) Remaining() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remainingLocked(time.Now())
}

// Elapsed returns time spent in the countdown so far.
func (e *Engine) Elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startedAt.IsZero() {
		return 0
	}
	return time.Since(e.startedAt)
}

// LastDrift returns the correction applied by the most recent Sync.
func (e *Engine) LastDrift() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastDrift
}

func (e *Engine) remainingLocked(now time.Time) time.Duration {
	switch e.state {
	case StateIdle:
		return e.total
	case StatePaused:
		return max(0, e.endAt.Sub(e.pausedAt))
	case StateStopped:
		return max(0, e.endAt.Sub(e.stoppedAt))
	case StateExpired:
		return 0
	}
	return max(0, e.endAt.Sub(now))
}

// tickLoop pushes periodic ticks and detects expiry. It runs in its own
// goroutine so UI or caller stalls never delay expiry detection.
func (e *Engine) tickLoop(ctx context.Context) {
	defer e.wg.Done()

	sched := newScheduler(e.cfg.TickInterval, e.logger)
	defer sched.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case now := <-sched.C():
			e.mu.Lock()
			if e.state == StatePaused {
				e.mu.Unlock()
				continue
			}
			if e.state != StateRunning {
				e.mu.Unlock()
				return
			}

			remaining := e.remainingLocked(now)
			elapsed := now.Sub(e.startedAt)

			expired := false
			if remaining <= 0 && !e.finished {
				e.finished = true
				e.state = StateExpired
				expired = true
			}
			e.mu.Unlock()

			select {
			case e.ticks <- Tick{Remaining: remaining, Elapsed: elapsed}:
			default:
			}

			if expired {
				e.logger.Info("countdown expired", "elapsed", elapsed)
				close(e.done)
				return
			}
		}
	}
}

// resyncLoop periodically polls the server for the authoritative
// remaining time. Poll failures are transient telemetry noise and are
// retried on the next interval.
func (e *Engine) resyncLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			remaining, serverNow, err := e.source.RemainingTime(pollCtx)
			cancel()
			if err != nil {
				e.logger.Debug("time resync failed", "error", err)
				continue
			}
			e.Sync(remaining, serverNow)
		}
	}
}
