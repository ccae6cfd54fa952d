package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, "prod", cfg.Worker.Env)
	assert.Equal(t, 10*time.Second, cfg.Worker.PollInterval())
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.CancelPollInterval())
	assert.Equal(t, 3, cfg.Events.Batch())
	assert.Equal(t, time.Second, cfg.Events.Delay())
}

func TestWorkerConfig_NormalizedEnv(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"dev", "dev"},
		{"prod", "prod"},
		{"production", "prod"},
		{"staging", "prod"},
		{"", "prod"},
	}
	for _, tt := range tests {
		w := WorkerConfig{Env: tt.env}
		assert.Equal(t, tt.want, w.NormalizedEnv(), "env=%q", tt.env)
	}
}

func TestEventsConfig_ZeroValuesUseDefaults(t *testing.T) {
	e := EventsConfig{}
	assert.Equal(t, 3, e.Batch())
	assert.Equal(t, time.Second, e.Delay())

	e = EventsConfig{CoalesceBatch: 5, CoalesceDelaySec: 0.25}
	assert.Equal(t, 5, e.Batch())
	assert.Equal(t, 250*time.Millisecond, e.Delay())
}

func TestConfig_Validate(t *testing.T) {
	cfg := Defaults()
	require.Error(t, cfg.Validate(), "missing store target must fail")

	cfg.Store.Path = "taskrelay.db"
	require.NoError(t, cfg.Validate())

	cfg.Store.Path = ""
	cfg.Store.URL = "https://store.internal"
	require.Error(t, cfg.Validate(), "url without key must fail")

	cfg.Store.Key = "secret"
	require.NoError(t, cfg.Validate())
}

func TestValidateTracing(t *testing.T) {
	require.NoError(t, ValidateTracing(TracingConfig{SampleRate: 1.0}))

	err := ValidateTracing(TracingConfig{SampleRate: 1.5})
	require.Error(t, err)

	err = ValidateTracing(TracingConfig{Exporter: "jaeger"})
	require.Error(t, err)

	err = ValidateTracing(TracingConfig{Enabled: true, Exporter: "file"})
	require.Error(t, err, "file exporter requires a path when enabled")

	require.NoError(t, ValidateTracing(TracingConfig{Enabled: true, Exporter: "file", FilePath: "t.jsonl", SampleRate: 1.0}))
}

func TestWriteDefaultConfig(t *testing.T) {
	path := t.TempDir() + "/nested/config.yaml"
	require.NoError(t, WriteDefaultConfig(path))
	require.FileExists(t, path)
}
