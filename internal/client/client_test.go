package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"proctord/internal/violation"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:          srv.URL,
		Token:            "tok-123",
		TestID:           "t1",
		SubmitRetries:    3,
		SubmitRetryDelay: 5 * time.Millisecond,
	})
}

func TestReportViolationSendsBearerToken(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/violation" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))

	ev := violation.Event{
		ID:             "ev-42",
		Type:           violation.TypeTabSwitch,
		Severity:       violation.SeverityMedium,
		Timestamp:      time.Now(),
		SessionElapsed: 90 * time.Second,
	}
	if err := c.ReportViolation(context.Background(), ev); err != nil {
		t.Fatalf("ReportViolation: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotBody["type"] != "tab_switch" || gotBody["severity"] != "medium" {
		t.Errorf("body = %v", gotBody)
	}
	if gotBody["id"] != "ev-42" || gotBody["testId"] != "t1" {
		t.Errorf("body missing identifiers: %v", gotBody)
	}
	if gotBody["elapsedMs"] != float64(90000) {
		t.Errorf("elapsedMs = %v, want 90000", gotBody["elapsedMs"])
	}
}

func TestForwardViolationMatchesLiveReportShape(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/violation" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))

	ev := violation.Event{
		ID:             "ev-7",
		Type:           violation.TypeFocusLoss,
		Severity:       violation.SeverityMedium,
		Timestamp:      time.Now(),
		SessionElapsed: 12 * time.Second,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	if err := c.ForwardViolation(context.Background(), "t9", string(payload)); err != nil {
		t.Fatalf("ForwardViolation: %v", err)
	}
	if got["id"] != "ev-7" || got["testId"] != "t9" {
		t.Errorf("body missing identifiers: %v", got)
	}
	if got["type"] != "focus_loss" || got["severity"] != "medium" {
		t.Errorf("body = %v", got)
	}
	if got["elapsedMs"] != float64(12000) {
		t.Errorf("elapsedMs = %v, want 12000", got["elapsedMs"])
	}
}

func TestClearTokenStopsAuthorizing(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))

	c.ClearToken()
	c.ReportViolation(context.Background(), violation.Event{})
	if gotAuth != "" {
		t.Errorf("authorization after ClearToken = %q", gotAuth)
	}
}

func TestRemainingTimeParsesServerClock(t *testing.T) {
	epoch := time.Now().UnixMilli()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/test/time" || r.Method != http.MethodGet {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"remainingSeconds": 90.5,
			"serverEpoch":      epoch,
		})
	}))

	remaining, serverNow, err := c.RemainingTime(context.Background())
	if err != nil {
		t.Fatalf("RemainingTime: %v", err)
	}
	if remaining != 90500*time.Millisecond {
		t.Errorf("remaining = %v, want 90.5s", remaining)
	}
	if serverNow.UnixMilli() != epoch {
		t.Errorf("serverNow = %v", serverNow)
	}
}

func TestStartMonitoringRejectsEmptySessionID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"sessionId": ""})
	}))

	if _, err := c.StartMonitoring(context.Background(), "t1"); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func TestSubmitRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"resultId": "res-9"})
	}))

	resultID, err := c.SubmitTest(context.Background(), SubmitPayload{TestID: "t1"})
	if err != nil {
		t.Fatalf("SubmitTest: %v", err)
	}
	if resultID != "res-9" {
		t.Errorf("resultID = %q", resultID)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestSubmitExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))

	if _, err := c.SubmitTest(context.Background(), SubmitPayload{TestID: "t1"}); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestForwardAnswerWrapsNonJSONPayload(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))

	if err := c.ForwardAnswer(context.Background(), "t1", "q1", "plain text"); err != nil {
		t.Fatalf("ForwardAnswer: %v", err)
	}
	if got["value"] != "plain text" {
		t.Errorf("value = %v", got["value"])
	}

	if err := c.ForwardAnswer(context.Background(), "t1", "q2", `{"a":1}`); err != nil {
		t.Fatalf("ForwardAnswer json: %v", err)
	}
	obj, ok := got["value"].(map[string]any)
	if !ok || obj["a"] != float64(1) {
		t.Errorf("json value not preserved: %v", got["value"])
	}
}

func TestErrorIncludesStatusAndSnippet(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token expired", http.StatusUnauthorized)
	}))

	err := c.EndMonitoring(context.Background(), "s1", "r1")
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"401", "token expired"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}
