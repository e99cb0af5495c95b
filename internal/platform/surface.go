package platform

import (
	"context"
	"sync"
	"time"
)

// SurfaceSource is the adapter for the exam surface itself: the
// embedding UI pushes its input events (key combos, clicks, clipboard,
// focus) here, and the session consumes them like any other Source.
// Tests use it to script event sequences.
type SurfaceSource struct {
	mu      sync.Mutex
	events  chan Event
	started bool
	stopped bool
}

// NewSurfaceSource creates a surface-event source.
func NewSurfaceSource() *SurfaceSource {
	return &SurfaceSource{events: make(chan Event, 64)}
}

// Start marks the source active.
func (s *SurfaceSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

// Stop closes the event channel. Emit calls after Stop are dropped.
func (s *SurfaceSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.events)
	}
	return nil
}

// Events returns the event channel.
func (s *SurfaceSource) Events() <-chan Event {
	return s.events
}

// Emit pushes one event from the surface. Non-blocking; events are
// dropped when the consumer is gone or the buffer is full.
func (s *SurfaceSource) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case s.events <- ev:
	default:
	}
}

// EmitKey is a convenience for keyboard events.
func (s *SurfaceSource) EmitKey(combo KeyCombo) {
	s.Emit(Event{Kind: KindKeyCombo, Combo: combo, At: time.Now(), Detail: combo.String()})
}
