package platform

import (
	"context"
	"testing"
	"time"
)

func TestIsDevtoolsCombo(t *testing.T) {
	cases := []struct {
		combo KeyCombo
		want  bool
	}{
		{KeyCombo{Key: "F12"}, true},
		{KeyCombo{Key: "f12"}, true},
		{KeyCombo{Key: "F12", Ctrl: true}, false},
		{KeyCombo{Key: "I", Ctrl: true, Shift: true}, true},
		{KeyCombo{Key: "J", Ctrl: true, Shift: true}, true},
		{KeyCombo{Key: "C", Ctrl: true, Shift: true}, true},
		{KeyCombo{Key: "I", Ctrl: true}, false}, // plain Ctrl+I is italics
		{KeyCombo{Key: "I", Meta: true, Alt: true}, true},
		{KeyCombo{Key: "C", Ctrl: true}, false}, // copy, not devtools
		{KeyCombo{Key: "U", Ctrl: true}, false}, // view-source, separate check
	}
	for _, tc := range cases {
		if got := IsDevtoolsCombo(tc.combo); got != tc.want {
			t.Errorf("IsDevtoolsCombo(%s) = %v, want %v", tc.combo, got, tc.want)
		}
	}
}

func TestIsViewSourceCombo(t *testing.T) {
	cases := []struct {
		combo KeyCombo
		want  bool
	}{
		{KeyCombo{Key: "U", Ctrl: true}, true},
		{KeyCombo{Key: "u", Meta: true}, true},
		{KeyCombo{Key: "U", Ctrl: true, Shift: true}, false},
		{KeyCombo{Key: "U", Ctrl: true, Alt: true}, false},
		{KeyCombo{Key: "U"}, false},
	}
	for _, tc := range cases {
		if got := IsViewSourceCombo(tc.combo); got != tc.want {
			t.Errorf("IsViewSourceCombo(%s) = %v, want %v", tc.combo, got, tc.want)
		}
	}
}

func TestKeyComboString(t *testing.T) {
	c := KeyCombo{Key: "i", Ctrl: true, Shift: true}
	if got := c.String(); got != "Ctrl+Shift+I" {
		t.Errorf("String() = %q", got)
	}
}

func TestSurfaceSourceDeliversEvents(t *testing.T) {
	s := NewSurfaceSource()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	s.Emit(Event{Kind: KindFocusLost, Detail: "blur"})
	s.EmitKey(KeyCombo{Key: "F12"})

	for _, wantKind := range []EventKind{KindFocusLost, KindKeyCombo} {
		select {
		case ev := <-s.Events():
			if ev.Kind != wantKind {
				t.Errorf("kind = %v, want %v", ev.Kind, wantKind)
			}
		case <-time.After(time.Second):
			t.Fatalf("no %v event delivered", wantKind)
		}
	}
}

func TestSurfaceSourceDropsAfterStop(t *testing.T) {
	s := NewSurfaceSource()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()

	// Must not panic or block.
	s.Emit(Event{Kind: KindRightClick})
}
