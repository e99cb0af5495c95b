// Package config handles configuration loading and validation for the
// proctord exam client.
//
// TOML is the primary format; YAML and JSON files are accepted by
// extension. A small set of environment variables override file values
// so a lab image can point every machine at the same server without
// editing files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"proctord/internal/logging"
)

// Config holds the complete exam client configuration.
type Config struct {
	// Server configuration for the exam API.
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Exam ties the client to one test.
	Exam ExamConfig `toml:"exam" json:"exam" yaml:"exam"`

	// Integrity tunes the violation ledger. Fixed at session start;
	// hot reload never touches these.
	Integrity IntegrityConfig `toml:"integrity" json:"integrity" yaml:"integrity"`

	// Timer tunes the countdown engine.
	Timer TimerConfig `toml:"timer" json:"timer" yaml:"timer"`

	// Monitoring tunes camera proctoring.
	Monitoring MonitoringConfig `toml:"monitoring" json:"monitoring" yaml:"monitoring"`

	// Storage locates the local staging database.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Paper configures the answer-paper drop directory.
	Paper PaperConfig `toml:"paper" json:"paper" yaml:"paper"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// ServerConfig holds exam API settings.
type ServerConfig struct {
	// BaseURL is the exam server API root.
	BaseURL string `toml:"base_url" json:"base_url" yaml:"base_url"`

	// Token is the bearer token issued at exam login. Usually supplied
	// via PROCTORD_TOKEN rather than the file.
	Token string `toml:"token" json:"token" yaml:"token"`

	// TimeoutSec is the per-request timeout in seconds.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// ExamConfig identifies the test being taken.
type ExamConfig struct {
	// TestID is the server-side test identifier.
	TestID string `toml:"test_id" json:"test_id" yaml:"test_id"`

	// ManifestPath is a local manifest file; empty fetches from the
	// server at session start.
	ManifestPath string `toml:"manifest_path" json:"manifest_path" yaml:"manifest_path"`
}

// IntegrityConfig tunes the violation ledger.
type IntegrityConfig struct {
	// MaxViolations is the counted tally that locks the session.
	MaxViolations int `toml:"max_violations" json:"max_violations" yaml:"max_violations"`

	// DedupWindowMs suppresses repeated identical warnings inside this
	// window. Events are still counted.
	DedupWindowMs int `toml:"dedup_window_ms" json:"dedup_window_ms" yaml:"dedup_window_ms"`
}

// TimerConfig tunes the countdown engine.
type TimerConfig struct {
	// TickMs is the tick push interval in milliseconds.
	TickMs int `toml:"tick_ms" json:"tick_ms" yaml:"tick_ms"`

	// ResyncSec is the server resync interval in seconds.
	ResyncSec int `toml:"resync_sec" json:"resync_sec" yaml:"resync_sec"`

	// DriftToleranceMs is the correction magnitude that surfaces a
	// notice.
	DriftToleranceMs int `toml:"drift_tolerance_ms" json:"drift_tolerance_ms" yaml:"drift_tolerance_ms"`

	// SnapshotSec is how often the remaining time is checkpointed to
	// local storage for crash recovery.
	SnapshotSec int `toml:"snapshot_sec" json:"snapshot_sec" yaml:"snapshot_sec"`
}

// MonitoringConfig tunes camera proctoring.
type MonitoringConfig struct {
	// Enabled turns camera monitoring on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// MinIntervalSec and MaxIntervalSec bound the randomized frame
	// sampling interval.
	MinIntervalSec int `toml:"min_interval_sec" json:"min_interval_sec" yaml:"min_interval_sec"`
	MaxIntervalSec int `toml:"max_interval_sec" json:"max_interval_sec" yaml:"max_interval_sec"`

	// UploadWidth is the downscale width for uploaded frames.
	UploadWidth int `toml:"upload_width" json:"upload_width" yaml:"upload_width"`
}

// StorageConfig locates local durable state.
type StorageConfig struct {
	// Path is the staging database file. Empty uses the platform
	// default data directory.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// PaperConfig configures the answer-paper requirement.
type PaperConfig struct {
	// Dir is watched for the scanned answer paper.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// GraceSec bounds the wait for the paper after a submission
	// trigger.
	GraceSec int `toml:"grace_sec" json:"grace_sec" yaml:"grace_sec"`
}

// LoggingConfig mirrors logging.Config in file-friendly form.
type LoggingConfig struct {
	Level    string `toml:"level" json:"level" yaml:"level"`
	Format   string `toml:"format" json:"format" yaml:"format"`
	Output   string `toml:"output" json:"output" yaml:"output"`
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// ToConfig converts to the logging package's form.
func (c *LoggingConfig) ToConfig() logging.Config {
	out := logging.DefaultConfig()
	if c.Level != "" {
		out.Level = c.Level
	}
	if c.Format != "" {
		out.Format = c.Format
	}
	if c.Output != "" {
		out.Output = c.Output
	}
	if c.FilePath != "" {
		out.FilePath = c.FilePath
	}
	return out
}

// Default returns the default configuration.
func Default() *Config {
	logDefaults := logging.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			TimeoutSec: 15,
		},
		Integrity: IntegrityConfig{
			MaxViolations: 5,
			DedupWindowMs: 5000,
		},
		Timer: TimerConfig{
			TickMs:           1000,
			ResyncSec:        120,
			DriftToleranceMs: 2000,
			SnapshotSec:      10,
		},
		Monitoring: MonitoringConfig{
			Enabled:        true,
			MinIntervalSec: 30,
			MaxIntervalSec: 90,
			UploadWidth:    640,
		},
		Storage: StorageConfig{
			Path: defaultStorePath(),
		},
		Paper: PaperConfig{
			GraceSec: 180,
		},
		Logging: LoggingConfig{
			Level:  logDefaults.Level,
			Format: logDefaults.Format,
			Output: logDefaults.Output,
		},
	}
}

// defaultStorePath returns the platform default staging database path.
func defaultStorePath() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "proctord", "staging.db")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "proctord", "staging.db")
	default:
		dataHome := os.Getenv("XDG_DATA_HOME")
		if dataHome == "" {
			home, _ := os.UserHomeDir()
			dataHome = filepath.Join(home, ".local", "share")
		}
		return filepath.Join(dataHome, "proctord", "staging.db")
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.BaseURL == "" {
		errs = append(errs, errors.New("server.base_url is required"))
	}
	if c.Exam.TestID == "" {
		errs = append(errs, errors.New("exam.test_id is required"))
	}
	if c.Integrity.MaxViolations < 1 {
		errs = append(errs, fmt.Errorf("integrity.max_violations must be >= 1, got %d", c.Integrity.MaxViolations))
	}
	if c.Timer.TickMs < 100 {
		errs = append(errs, fmt.Errorf("timer.tick_ms must be >= 100, got %d", c.Timer.TickMs))
	}
	if c.Monitoring.Enabled {
		if c.Monitoring.MinIntervalSec < 5 {
			errs = append(errs, fmt.Errorf("monitoring.min_interval_sec must be >= 5, got %d", c.Monitoring.MinIntervalSec))
		}
		if c.Monitoring.MaxIntervalSec <= c.Monitoring.MinIntervalSec {
			errs = append(errs, fmt.Errorf("monitoring.max_interval_sec must exceed min_interval_sec"))
		}
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}

	return errors.Join(errs...)
}

// ApplyEnvOverrides overlays environment variables on the config.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PROCTORD_SERVER_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("PROCTORD_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv("PROCTORD_TEST_ID"); v != "" {
		c.Exam.TestID = v
	}
	if v := os.Getenv("PROCTORD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Durations derived from the integer file fields.

func (c *IntegrityConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMs) * time.Millisecond
}

func (c *TimerConfig) Tick() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

func (c *TimerConfig) Resync() time.Duration {
	return time.Duration(c.ResyncSec) * time.Second
}

func (c *TimerConfig) DriftTolerance() time.Duration {
	return time.Duration(c.DriftToleranceMs) * time.Millisecond
}

func (c *TimerConfig) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotSec) * time.Second
}

func (c *MonitoringConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSec) * time.Second
}

func (c *MonitoringConfig) MaxInterval() time.Duration {
	return time.Duration(c.MaxIntervalSec) * time.Second
}

func (c *PaperConfig) Grace() time.Duration {
	return time.Duration(c.GraceSec) * time.Second
}
