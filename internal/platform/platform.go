// Package platform abstracts host window and input events behind a
// capability interface, keeping the violation ledger platform-agnostic
// and unit-testable without a desktop environment.
//
// Adapters exist for Linux (D-Bus screensaver and idle signals); other
// hosts get the unsupported stub and the exam proceeds without window
// detection, the same degraded mode as a denied camera.
package platform

import (
	"context"
	"errors"
	"strings"
	"time"
)

// EventKind identifies a host-level integrity event.
type EventKind int

const (
	// KindVisibilityHidden fires when the exam surface is hidden
	// (tab/window switched away, screen locked).
	KindVisibilityHidden EventKind = iota

	// KindFocusLost fires when the exam surface loses input focus.
	KindFocusLost

	// KindFullscreenExited fires when fullscreen mode is left.
	KindFullscreenExited

	// KindKeyCombo fires on monitored keyboard shortcuts.
	KindKeyCombo

	// KindRightClick fires on a context-menu attempt.
	KindRightClick

	// KindCopyPaste fires on a clipboard operation.
	KindCopyPaste

	// KindMouseLeft fires when the pointer leaves the exam window.
	KindMouseLeft
)

// String returns a human-readable name for the event kind.
func (k EventKind) String() string {
	switch k {
	case KindVisibilityHidden:
		return "visibility_hidden"
	case KindFocusLost:
		return "focus_lost"
	case KindFullscreenExited:
		return "fullscreen_exited"
	case KindKeyCombo:
		return "key_combo"
	case KindRightClick:
		return "right_click"
	case KindCopyPaste:
		return "copy_paste"
	case KindMouseLeft:
		return "mouse_left"
	default:
		return "unknown"
	}
}

// KeyCombo is a pressed key plus modifier state.
type KeyCombo struct {
	Key   string // "F12", "I", "U", ...
	Ctrl  bool
	Shift bool
	Alt   bool
	Meta  bool
}

// String renders the combo in the conventional "Ctrl+Shift+I" form.
func (c KeyCombo) String() string {
	var parts []string
	if c.Ctrl {
		parts = append(parts, "Ctrl")
	}
	if c.Shift {
		parts = append(parts, "Shift")
	}
	if c.Alt {
		parts = append(parts, "Alt")
	}
	if c.Meta {
		parts = append(parts, "Meta")
	}
	parts = append(parts, strings.ToUpper(c.Key))
	return strings.Join(parts, "+")
}

// Event is one host-level occurrence.
type Event struct {
	Kind   EventKind
	Combo  KeyCombo // set for KindKeyCombo
	At     time.Time
	Detail string
}

// Source emits host events. Implementations own their platform hooks
// and must stop emitting after Stop returns.
type Source interface {
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan Event
}

// ErrUnsupported is returned by Start on hosts with no adapter.
var ErrUnsupported = errors.New("platform: no event adapter for this host")

// IsDevtoolsCombo reports whether the combo belongs to the critical
// devtools allow-list: these terminate the session on first occurrence
// rather than counting toward the violation tally.
func IsDevtoolsCombo(c KeyCombo) bool {
	key := strings.ToUpper(c.Key)

	if key == "F12" && !c.Ctrl && !c.Alt && !c.Meta {
		return true
	}
	if c.Ctrl && c.Shift && (key == "I" || key == "J" || key == "C") {
		return true
	}
	// macOS devtools.
	if c.Meta && c.Alt && (key == "I" || key == "J" || key == "C") {
		return true
	}
	return false
}

// IsViewSourceCombo reports whether the combo opens the page source,
// also on the critical list.
func IsViewSourceCombo(c KeyCombo) bool {
	key := strings.ToUpper(c.Key)
	return (c.Ctrl || c.Meta) && !c.Shift && !c.Alt && key == "U"
}
