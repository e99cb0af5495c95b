package timer

import (
	"log/slog"
	"time"
)

// scheduler abstracts the tick source so the engine's external contract
// is identical regardless of how ticks are produced. The primary
// implementation uses a runtime ticker; the fallback is a plain sleep
// loop for hosts where ticker creation fails (invalid interval after a
// config mangle, or a runtime without timer support).
type scheduler interface {
	C() <-chan time.Time
	Stop()
}

// newScheduler returns the runtime-ticker scheduler, degrading to the
// sleep-loop scheduler when the ticker cannot be created.
func newScheduler(interval time.Duration, logger *slog.Logger) scheduler {
	s, err := newTickerScheduler(interval)
	if err != nil {
		logger.Warn("ticker unavailable, using sleep-loop scheduler", "error", err)
		return newSleepScheduler(interval)
	}
	return s
}

type tickerScheduler struct {
	t *time.Ticker
}

func newTickerScheduler(interval time.Duration) (s *tickerScheduler, err error) {
	// time.NewTicker panics rather than erroring on a bad interval.
	defer func() {
		if r := recover(); r != nil {
			err = &schedulerError{detail: "ticker creation failed"}
		}
	}()
	return &tickerScheduler{t: time.NewTicker(interval)}, nil
}

func (s *tickerScheduler) C() <-chan time.Time { return s.t.C }
func (s *tickerScheduler) Stop()               { s.t.Stop() }

type sleepScheduler struct {
	c    chan time.Time
	stop chan struct{}
}

func newSleepScheduler(interval time.Duration) *sleepScheduler {
	if interval <= 0 {
		interval = time.Second
	}
	s := &sleepScheduler{
		c:    make(chan time.Time, 1),
		stop: make(chan struct{}),
	}
	go func() {
		for {
			time.Sleep(interval)
			select {
			case <-s.stop:
				return
			case s.c <- time.Now():
			default:
				// Receiver busy; skip this tick. The engine recomputes
				// remaining time from the clock, so skipped ticks never
				// cause drift.
			}
		}
	}()
	return s
}

func (s *sleepScheduler) C() <-chan time.Time { return s.c }
func (s *sleepScheduler) Stop()               { close(s.stop) }

type schedulerError struct {
	detail string
}

func (e *schedulerError) Error() string { return "timer: " + e.detail }
