//go:build !linux

package platform

import (
	"context"
	"log/slog"
)

// stubSource is used on hosts without an event adapter. Start reports
// ErrUnsupported; callers degrade to running without host-level window
// detection.
type stubSource struct {
	events chan Event
}

// NewHostSource returns the best adapter for this host.
func NewHostSource(logger *slog.Logger) Source {
	return &stubSource{events: make(chan Event)}
}

func (s *stubSource) Start(ctx context.Context) error { return ErrUnsupported }
func (s *stubSource) Stop() error {
	close(s.events)
	return nil
}
func (s *stubSource) Events() <-chan Event { return s.events }
