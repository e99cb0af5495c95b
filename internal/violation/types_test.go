package violation

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEventJSONRoundTrip(t *testing.T) {
	ev := Event{
		ID:             "ev-1",
		Type:           TypeFocusLoss,
		Severity:       SeverityMedium,
		Timestamp:      time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC),
		SessionElapsed: 1500 * time.Millisecond,
		Details:        "window blurred",
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"severity":"medium"`) {
		t.Errorf("severity not serialized by name: %s", data)
	}
	if !strings.Contains(string(data), `"session_elapsed_ms":1500`) {
		t.Errorf("elapsed not serialized as milliseconds: %s", data)
	}

	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != ev {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", back, ev)
	}
}

func TestSeverityUnmarshalText(t *testing.T) {
	cases := map[string]Severity{
		"low":    SeverityLow,
		"medium": SeverityMedium,
		"high":   SeverityHigh,
	}
	for name, want := range cases {
		var s Severity
		if err := s.UnmarshalText([]byte(name)); err != nil {
			t.Errorf("UnmarshalText(%q): %v", name, err)
		}
		if s != want {
			t.Errorf("UnmarshalText(%q) = %v, want %v", name, s, want)
		}
	}

	var s Severity
	if err := s.UnmarshalText([]byte("catastrophic")); err == nil {
		t.Error("expected error for unknown severity name")
	}
}
