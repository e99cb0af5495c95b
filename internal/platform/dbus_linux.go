//go:build linux

package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// DBus names for the screensaver interfaces we listen on. GNOME and the
// freedesktop spec disagree on the path, so both are subscribed.
const (
	fdoScreenSaverIface   = "org.freedesktop.ScreenSaver"
	gnomeScreenSaverIface = "org.gnome.ScreenSaver"
	activeChangedMember   = "ActiveChanged"
)

// DBusSource emits visibility events from session-bus screensaver
// signals: a lock or blank screen means the exam surface cannot be
// visible. Focus and keyboard events come from the exam surface itself;
// this adapter covers what the desktop alone can tell us.
type DBusSource struct {
	logger *slog.Logger

	mu     sync.Mutex
	conn   *dbus.Conn
	events chan Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDBusSource creates the Linux adapter.
func NewDBusSource(logger *slog.Logger) *DBusSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBusSource{
		logger: logger.With("component", "platform_dbus"),
		events: make(chan Event, 32),
	}
}

// Start connects to the session bus and subscribes to screensaver
// activation signals.
func (s *DBusSource) Start(ctx context.Context) error {
	conn, err := dbus.SessionBus()
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}

	for _, iface := range []string{fdoScreenSaverIface, gnomeScreenSaverIface} {
		err := conn.AddMatchSignal(
			dbus.WithMatchInterface(iface),
			dbus.WithMatchMember(activeChangedMember),
		)
		if err != nil {
			s.logger.Debug("screensaver match unavailable", "interface", iface, "error", err)
		}
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)

	loopCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.signalLoop(loopCtx, signals)

	s.logger.Info("dbus event source started")
	return nil
}

// Stop disconnects from the bus and closes the event channel.
func (s *DBusSource) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	close(s.events)
	return nil
}

// Events returns the host event channel.
func (s *DBusSource) Events() <-chan Event {
	return s.events
}

func (s *DBusSource) signalLoop(ctx context.Context, signals <-chan *dbus.Signal) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case sig, ok := <-signals:
			if !ok {
				return
			}
			if !isActiveChanged(sig) {
				continue
			}
			active, ok := sig.Body[0].(bool)
			if !ok || !active {
				continue
			}

			ev := Event{
				Kind:   KindVisibilityHidden,
				At:     time.Now(),
				Detail: "screen locked or blanked",
			}
			select {
			case s.events <- ev:
			default:
				s.logger.Warn("event channel full, dropping host event")
			}
		}
	}
}

func isActiveChanged(sig *dbus.Signal) bool {
	if len(sig.Body) == 0 {
		return false
	}
	return sig.Name == fdoScreenSaverIface+"."+activeChangedMember ||
		sig.Name == gnomeScreenSaverIface+"."+activeChangedMember
}

// NewHostSource returns the best adapter for this host.
func NewHostSource(logger *slog.Logger) Source {
	return NewDBusSource(logger)
}
