// Package manifest loads and validates the exam manifest.
//
// The manifest is the server-issued test definition the client runs
// against: identity, duration, and the integrity-policy knobs. It is
// validated against an embedded JSON schema before the session starts,
// so a truncated download or server regression fails fast instead of
// seeding a session with a zero-minute countdown.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema for exam manifests, version 1.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["testId", "title", "durationSeconds"],
  "properties": {
    "testId":          {"type": "string", "minLength": 1},
    "title":           {"type": "string", "minLength": 1},
    "durationSeconds": {"type": "integer", "minimum": 60},
    "maxViolations":   {"type": "integer", "minimum": 1},
    "requirePaper":    {"type": "boolean"},
    "monitoring":      {"type": "boolean"},
    "questions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "kind"],
        "properties": {
          "id":     {"type": "string", "minLength": 1},
          "kind":   {"type": "string", "enum": ["choice", "text", "code", "paper"]},
          "points": {"type": "number", "minimum": 0}
        }
      }
    }
  }
}`

const schemaName = "exam-manifest-v1.schema.json"

// Question is one item in the exam.
type Question struct {
	ID     string  `json:"id"`
	Kind   string  `json:"kind"`
	Points float64 `json:"points,omitempty"`
}

// Manifest is the test definition.
type Manifest struct {
	TestID          string     `json:"testId"`
	Title           string     `json:"title"`
	DurationSeconds int        `json:"durationSeconds"`
	MaxViolations   int        `json:"maxViolations,omitempty"`
	RequirePaper    bool       `json:"requirePaper,omitempty"`
	Monitoring      bool       `json:"monitoring"`
	Questions       []Question `json:"questions,omitempty"`
}

// Duration returns the exam duration.
func (m *Manifest) Duration() time.Duration {
	return time.Duration(m.DurationSeconds) * time.Second
}

// Parse validates raw manifest JSON against the schema and decodes it.
func Parse(data []byte) (*Manifest, error) {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("manifest is not valid JSON: %w", err)
	}

	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("manifest failed validation: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

func compiledSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaName, bytes.NewReader([]byte(schemaJSON))); err != nil {
		return nil, fmt.Errorf("add manifest schema: %w", err)
	}
	schema, err := compiler.Compile(schemaName)
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	return schema, nil
}
