package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validManifest = `{
  "testId": "midterm-2026",
  "title": "Algorithms Midterm",
  "durationSeconds": 5400,
  "maxViolations": 3,
  "requirePaper": true,
  "monitoring": true,
  "questions": [
    {"id": "q1", "kind": "choice", "points": 10},
    {"id": "q2", "kind": "code", "points": 40},
    {"id": "q3", "kind": "paper", "points": 50}
  ]
}`

func TestParseValidManifest(t *testing.T) {
	m, err := Parse([]byte(validManifest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.TestID != "midterm-2026" {
		t.Errorf("TestID = %q", m.TestID)
	}
	if m.Duration() != 90*time.Minute {
		t.Errorf("Duration = %v, want 90m", m.Duration())
	}
	if m.MaxViolations != 3 || !m.RequirePaper || !m.Monitoring {
		t.Errorf("policy fields = %+v", m)
	}
	if len(m.Questions) != 3 || m.Questions[1].Kind != "code" {
		t.Errorf("questions = %+v", m.Questions)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"testId":`,
		"missing testId":    `{"title": "T", "durationSeconds": 3600}`,
		"empty testId":      `{"testId": "", "title": "T", "durationSeconds": 3600}`,
		"too short":         `{"testId": "t", "title": "T", "durationSeconds": 30}`,
		"bad question kind": `{"testId": "t", "title": "T", "durationSeconds": 3600, "questions": [{"id": "q1", "kind": "essay"}]}`,
		"duration string":   `{"testId": "t", "title": "T", "durationSeconds": "3600"}`,
	}
	for name, data := range cases {
		if _, err := Parse([]byte(data)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestParseAllowsMinimalManifest(t *testing.T) {
	m, err := Parse([]byte(`{"testId": "quiz-1", "title": "Quiz", "durationSeconds": 600}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.MaxViolations != 0 {
		t.Errorf("MaxViolations = %d, want 0 (client default applies)", m.MaxViolations)
	}
	if m.RequirePaper || m.Monitoring {
		t.Error("optional policy flags must default to false")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte(validManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Title != "Algorithms Midterm" {
		t.Errorf("Title = %q", m.Title)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	} else if !strings.Contains(err.Error(), "read manifest") {
		t.Errorf("error = %v", err)
	}
}
