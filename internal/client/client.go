// Package client implements the HTTP client for the exam server
// boundary: violation reporting, monitoring session lifecycle, timer
// resync, answer sync, and final submission.
//
// Everything except final submission is best-effort telemetry from the
// caller's perspective. Submission is the one call with a bounded
// automatic retry, since an exam cannot end in limbo.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"proctord/internal/violation"
)

// Config configures the API client.
type Config struct {
	// BaseURL is the exam server root, e.g. "https://exams.example.edu/api".
	BaseURL string

	// Token is the bearer token issued at exam login.
	Token string

	// TestID identifies the exam attempt on violation reports.
	TestID string

	// Timeout applies to individual requests. Defaults to 15s.
	Timeout time.Duration

	// SubmitRetries is how many times the final submission is retried
	// automatically before surfacing the error. Defaults to 3.
	SubmitRetries int

	// SubmitRetryDelay is the pause between submission retries.
	// Defaults to 2s.
	SubmitRetryDelay time.Duration
}

// Client talks to the exam server.
type Client struct {
	mu   sync.Mutex
	cfg  Config
	http *http.Client
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.SubmitRetries <= 0 {
		cfg.SubmitRetries = 3
	}
	if cfg.SubmitRetryDelay <= 0 {
		cfg.SubmitRetryDelay = 2 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// ClearToken wipes the bearer token. After this every authorized call
// fails; used on critical-violation termination.
func (c *Client) ClearToken() {
	c.mu.Lock()
	c.cfg.Token = ""
	c.mu.Unlock()
}

// ReportViolation posts one violation event. Fire-and-forget contract:
// callers log failures and move on. The event id lets the server
// de-duplicate against staged copies replayed after a reconnect.
func (c *Client) ReportViolation(ctx context.Context, ev violation.Event) error {
	return c.post(ctx, "/violation", violationBody(c.cfg.TestID, ev), nil)
}

// violationBody is the one wire shape for /violation, shared by live
// reports and staged replays.
func violationBody(testID string, ev violation.Event) map[string]any {
	return map[string]any{
		"id":        ev.ID,
		"testId":    testID,
		"type":      ev.Type,
		"severity":  ev.Severity.String(),
		"details":   ev.Details,
		"elapsedMs": ev.SessionElapsed.Milliseconds(),
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// StartMonitoring opens a proctoring session and returns its server-side
// identifier, used on all subsequent monitoring calls.
func (c *Client) StartMonitoring(ctx context.Context, testID string) (string, error) {
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	err := c.post(ctx, "/monitoring/start", map[string]any{"testId": testID}, &resp)
	if err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("monitoring start: empty session id")
	}
	return resp.SessionID, nil
}

// UploadScreenshot uploads one sampled camera frame for human audit.
func (c *Client) UploadScreenshot(ctx context.Context, sessionID string, jpeg []byte, contentHash string) error {
	body := map[string]any{
		"sessionId":   sessionID,
		"image":       jpeg, // base64 via encoding/json
		"contentHash": contentHash,
		"capturedAt":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	return c.post(ctx, "/monitoring/screenshot", body, nil)
}

// ReportSuspicious uploads a frame verdict that crossed the confidence
// gate.
func (c *Client) ReportSuspicious(ctx context.Context, sessionID, verdictType, description string, confidence float64) error {
	body := map[string]any{
		"sessionId":   sessionID,
		"type":        verdictType,
		"confidence":  confidence,
		"description": description,
	}
	return c.post(ctx, "/monitoring/suspicious", body, nil)
}

// EndMonitoring closes the proctoring session, referencing the exam
// result when one exists.
func (c *Client) EndMonitoring(ctx context.Context, sessionID, resultID string) error {
	body := map[string]any{
		"sessionId": sessionID,
		"resultId":  resultID,
	}
	return c.post(ctx, "/monitoring/end", body, nil)
}

// RemainingTime implements the timer engine's TimeSource with the
// server's authoritative clock.
func (c *Client) RemainingTime(ctx context.Context) (time.Duration, time.Time, error) {
	var resp struct {
		RemainingSeconds float64 `json:"remainingSeconds"`
		ServerEpochMs    int64   `json:"serverEpoch"`
	}
	if err := c.get(ctx, "/test/time", &resp); err != nil {
		return 0, time.Time{}, err
	}
	return time.Duration(resp.RemainingSeconds * float64(time.Second)),
		time.UnixMilli(resp.ServerEpochMs), nil
}

// ForwardAnswer syncs one answer value to the server. Implements the
// offline store's Forwarder.
func (c *Client) ForwardAnswer(ctx context.Context, testID, key, payload string) error {
	body := map[string]any{
		"testId": testID,
		"key":    key,
		"value":  json.RawMessage(mustRaw(payload)),
	}
	return c.post(ctx, "/test/answer", body, nil)
}

// ForwardViolation delivers a violation report that was staged offline,
// in the same body shape as a live report so the server can correlate
// the two by event id.
func (c *Client) ForwardViolation(ctx context.Context, testID, payload string) error {
	var ev violation.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return fmt.Errorf("decode staged violation: %w", err)
	}
	return c.post(ctx, "/violation", violationBody(testID, ev), nil)
}

// SubmitPayload is the final submission body.
type SubmitPayload struct {
	TestID     string             `json:"testId"`
	Answers    map[string]string  `json:"answers"`
	Violations []violation.Event  `json:"violations"`
	Monitoring MonitoringSummary  `json:"monitoring"`
	ElapsedMs  int64              `json:"elapsedMs"`
	Forced     bool               `json:"forced"`
	Reason     string             `json:"reason,omitempty"`
}

// MonitoringSummary is the audit digest included with submission.
type MonitoringSummary struct {
	SessionID        string `json:"sessionId,omitempty"`
	FramesAnalyzed   int    `json:"framesAnalyzed"`
	FramesUploaded   int    `json:"framesUploaded"`
	SuspiciousFrames int    `json:"suspiciousFrames"`
	Degraded         bool   `json:"degraded"`
}

// SubmitTest performs the final submission with the bounded retry
// policy. It returns the server's result identifier.
func (c *Client) SubmitTest(ctx context.Context, p SubmitPayload) (string, error) {
	var resp struct {
		ResultID string `json:"resultId"`
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.SubmitRetries; attempt++ {
		lastErr = c.post(ctx, "/test/submit", p, &resp)
		if lastErr == nil {
			return resp.ResultID, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attempt < c.cfg.SubmitRetries {
			select {
			case <-time.After(c.cfg.SubmitRetryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", fmt.Errorf("submit after %d attempts: %w", c.cfg.SubmitRetries, lastErr)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	c.authorize(req)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Cap the error body read; server errors can be HTML pages.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	c.mu.Lock()
	token := c.cfg.Token
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// mustRaw wraps a payload string as JSON, quoting it when it is not
// already valid JSON.
func mustRaw(payload string) []byte {
	if json.Valid([]byte(payload)) {
		return []byte(payload)
	}
	quoted, _ := json.Marshal(payload)
	return quoted
}
