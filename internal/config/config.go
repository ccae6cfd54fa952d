// Package config provides configuration types and defaults for taskrelay.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/taskrelay/taskrelay/internal/tracing"
)

// StoreConfig selects the task store backend.
// Path points at a local SQLite database; URL/Key address a remote store
// speaking the same contract. Path wins when both are set.
type StoreConfig struct {
	Path string `mapstructure:"path"`
	URL  string `mapstructure:"url"`
	Key  string `mapstructure:"key"`
}

// WorkerConfig holds the polling loop configuration.
type WorkerConfig struct {
	// AgentOrch selects which worker pool this process claims tasks for.
	AgentOrch string `mapstructure:"agent_orch"`

	// ConsumerID overrides the worker identity stamped on claimed tasks.
	// Default: CONSUMER_ID env, else hostname:pid.
	ConsumerID string `mapstructure:"consumer_id"`

	// Env is passed to the claim RPC. Anything other than "dev"
	// normalizes to "prod".
	Env string `mapstructure:"env"`

	// PollIntervalSec is the idle sleep between empty polls, in seconds.
	PollIntervalSec float64 `mapstructure:"poll_interval_sec"`

	// CancelPollIntervalSec is the cancellation watcher poll period, in seconds.
	CancelPollIntervalSec float64 `mapstructure:"cancel_poll_interval_sec"`
}

// PollInterval returns the idle poll interval as a duration.
func (w WorkerConfig) PollInterval() time.Duration {
	return secondsToDuration(w.PollIntervalSec, 10*time.Second)
}

// CancelPollInterval returns the watcher poll period as a duration.
func (w WorkerConfig) CancelPollInterval() time.Duration {
	return secondsToDuration(w.CancelPollIntervalSec, 500*time.Millisecond)
}

// NormalizedEnv returns the env value for the claim RPC.
func (w WorkerConfig) NormalizedEnv() string {
	if w.Env == "dev" {
		return "dev"
	}
	return "prod"
}

// EventsConfig tunes the event coalescer.
type EventsConfig struct {
	// CoalesceBatch is the buffer size that triggers an immediate flush.
	CoalesceBatch int `mapstructure:"coalesce_batch"`

	// CoalesceDelaySec is the flush timer delay, in seconds.
	CoalesceDelaySec float64 `mapstructure:"coalesce_delay_sec"`
}

// Batch returns the effective batch size.
func (e EventsConfig) Batch() int {
	if e.CoalesceBatch <= 0 {
		return 3
	}
	return e.CoalesceBatch
}

// Delay returns the effective flush delay.
func (e EventsConfig) Delay() time.Duration {
	return secondsToDuration(e.CoalesceDelaySec, time.Second)
}

// LogConfig holds logging options.
type LogConfig struct {
	Path  string `mapstructure:"path"`
	Level string `mapstructure:"level"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for "file" exporter.
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// 1.0 = all traces, 0.1 = 10% of traces
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// ToTracing converts to the tracing subsystem's config shape.
func (t TracingConfig) ToTracing() tracing.Config {
	return tracing.Config{
		Enabled:      t.Enabled,
		Exporter:     t.Exporter,
		FilePath:     t.FilePath,
		OTLPEndpoint: t.OTLPEndpoint,
		SampleRate:   t.SampleRate,
		ServiceName:  "taskrelay-worker",
	}
}

// Config holds all configuration options for taskrelay.
type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Events  EventsConfig  `mapstructure:"events"`
	Log     LogConfig     `mapstructure:"log"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Worker: WorkerConfig{
			Env:                   "prod",
			PollIntervalSec:       10,
			CancelPollIntervalSec: 0.5,
		},
		Events: EventsConfig{
			CoalesceBatch:    3,
			CoalesceDelaySec: 1.0,
		},
		Log: LogConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.Store.Path == "" && c.Store.URL == "" {
		return fmt.Errorf("store.path or store.url is required")
	}
	if c.Store.Path == "" && c.Store.URL != "" && c.Store.Key == "" {
		return fmt.Errorf("store.key is required when store.url is set")
	}
	if c.Events.CoalesceBatch < 0 {
		return fmt.Errorf("events.coalesce_batch must not be negative, got %d", c.Events.CoalesceBatch)
	}
	if c.Events.CoalesceDelaySec < 0 {
		return fmt.Errorf("events.coalesce_delay_sec must not be negative, got %v", c.Events.CoalesceDelaySec)
	}
	if err := ValidateTracing(c.Tracing); err != nil {
		return err
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(t TracingConfig) error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}

	if t.Exporter != "" {
		switch t.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", t.Exporter)
		}
	}

	if t.Enabled {
		if t.Exporter == "file" && t.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if t.Exporter == "otlp" && t.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# taskrelay Configuration

# Task store backend
store:
  # Local SQLite store (used when set)
  path: taskrelay.db
  # Remote store pair (used when path is empty)
  # url: https://store.internal
  # key: secret

# Polling loop settings
worker:
  # Worker pool this process claims tasks for
  agent_orch: ""
  # Worker identity stamped on claimed tasks (default: CONSUMER_ID env, else hostname:pid)
  # consumer_id: worker-1
  # Claim environment: "dev" or "prod" (anything else normalizes to "prod")
  env: prod
  # Idle sleep between empty polls, seconds
  poll_interval_sec: 10
  # Cancellation watcher poll period, seconds
  cancel_poll_interval_sec: 0.5

# Event coalescer tuning (also EVENT_COALESCE_BATCH / EVENT_COALESCE_DELAY_SEC env)
events:
  coalesce_batch: 3
  coalesce_delay_sec: 1.0

# Logging
log:
  # path: taskrelay.log   # stderr when unset
  level: info             # debug, info, warn, error

# Distributed tracing
# tracing:
#   enabled: true
#   exporter: file          # none, file, stdout, otlp
#   file_path: traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

func secondsToDuration(sec float64, def time.Duration) time.Duration {
	if sec <= 0 {
		return def
	}
	return time.Duration(sec * float64(time.Second))
}
