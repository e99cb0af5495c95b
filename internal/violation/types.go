// Package violation implements the central violation ledger.
//
// Every integrity detector (window events, keyboard hooks, the camera
// analyzer) feeds events into one ledger. The ledger classifies them,
// accumulates the counted tally, reports each event to the server on a
// best-effort basis, and fires the escalation exactly once when the
// configured maximum is crossed. Devtools-class key combinations bypass
// the tally entirely and terminate the session on first occurrence.
package violation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity classifies how serious a violation is.
type Severity int

const (
	// SeverityLow covers nuisance behavior such as right-clicks.
	SeverityLow Severity = iota

	// SeverityMedium covers behavior that suggests divided attention,
	// such as focus loss or leaving fullscreen.
	SeverityMedium

	// SeverityHigh covers behavior that strongly suggests cheating,
	// such as suspicious camera content or devtools access.
	SeverityHigh
)

// String returns a human-readable name for the severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so severities serialize
// as their names in JSON payloads.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText maps a severity name back to its value, so events staged
// as JSON round-trip.
func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "low":
		*s = SeverityLow
	case "medium":
		*s = SeverityMedium
	case "high":
		*s = SeverityHigh
	default:
		return fmt.Errorf("unknown severity %q", b)
	}
	return nil
}

// Type identifies what kind of violation occurred.
type Type string

// Counted violation types. Each occurrence increments the tally.
const (
	TypeTabSwitch       Type = "tab_switch"
	TypeVisibilityLost  Type = "visibility_lost"
	TypeFocusLoss       Type = "focus_loss"
	TypeFullscreenExit  Type = "fullscreen_exit"
	TypeRightClick      Type = "right_click"
	TypeCopyPaste       Type = "copy_paste"
	TypeMouseLeft       Type = "mouse_left_window"
	TypeCameraSuspicion Type = "camera_suspicion"
)

// Critical violation types. First occurrence terminates the session
// without counting toward the tally.
const (
	TypeDevtoolsCombo Type = "devtools_combo"
	TypeViewSource    Type = "view_source_combo"
)

// Event is a single recorded violation. Immutable once created.
type Event struct {
	ID             string
	Type           Type
	Severity       Severity
	Timestamp      time.Time
	SessionElapsed time.Duration
	Details        string
}

// eventWire is the serialized form of Event. Elapsed time travels as
// whole milliseconds, not Duration nanoseconds.
type eventWire struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	ElapsedMs int64     `json:"session_elapsed_ms"`
	Details   string    `json:"details,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventWire{
		ID:        e.ID,
		Type:      e.Type,
		Severity:  e.Severity,
		Timestamp: e.Timestamp,
		ElapsedMs: e.SessionElapsed.Milliseconds(),
		Details:   e.Details,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w eventWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = Event{
		ID:             w.ID,
		Type:           w.Type,
		Severity:       w.Severity,
		Timestamp:      w.Timestamp,
		SessionElapsed: time.Duration(w.ElapsedMs) * time.Millisecond,
		Details:        w.Details,
	}
	return nil
}

// newEvent creates an event with a fresh ID.
func newEvent(typ Type, sev Severity, elapsed time.Duration, details string) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           typ,
		Severity:       sev,
		Timestamp:      time.Now(),
		SessionElapsed: elapsed,
		Details:        details,
	}
}

// Tally maps violation types to occurrence counts. It is derived from
// the event log, never stored.
type Tally map[Type]int

// Total returns the sum of all counted occurrences.
func (t Tally) Total() int {
	n := 0
	for _, c := range t {
		n += c
	}
	return n
}

// Warning is emitted for each user-visible violation notice. Duplicate
// events inside the dedup window are counted but produce no Warning.
type Warning struct {
	Event     Event
	Count     int // counted tally total after this event
	Remaining int // counted violations left before escalation
}
