package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goliatone/go-ossa"
	"github.com/goliatone/go-ossa/broker"
	"github.com/goliatone/go-ossa/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, time.Second, cfg.Broker.SweepInterval)
	assert.Equal(t, time.Hour, cfg.Broker.DefaultTTL)
	assert.Equal(t, 30*time.Second, cfg.Broker.AckTimeout)
	assert.Equal(t, 10, cfg.Broker.MaxConcurrency)
	assert.Equal(t, 3, cfg.Broker.Retry.MaxAttempts)
	assert.Equal(t, 100, cfg.Engine.LoopMaxIterations)
	assert.Equal(t, "ossa", cfg.Messaging.Source)
	assert.InDelta(t, 0.1, cfg.Messaging.EMAAlpha, 1e-9)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ossa.yaml")
	doc := `
log:
  level: debug
  format: json
broker:
  sweep_interval: 250ms
  retry:
    max_attempts: 5
    initial_delay: 2s
messaging:
  source: billing
engine:
  loop_max_iterations: 7
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	t.Setenv("OSSA_BROKER_RETRY_MAX_ATTEMPTS", "9")
	t.Setenv("OSSA_MESSAGING_COMMAND_TIMEOUT", "5s")
	t.Setenv("OSSA_BROKER_MAX_CONCURRENCY", "4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 250*time.Millisecond, cfg.Broker.SweepInterval)
	assert.Equal(t, 9, cfg.Broker.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Broker.Retry.InitialDelay)
	assert.Equal(t, 4, cfg.Broker.MaxConcurrency)
	assert.Equal(t, 5*time.Second, cfg.Messaging.CommandTimeout)
	assert.Equal(t, "billing", cfg.Messaging.Source)
	assert.Equal(t, 7, cfg.Engine.LoopMaxIterations)
}

func TestEnvKey(t *testing.T) {
	cases := map[string]string{
		"OSSA_BROKER_SWEEP_INTERVAL":      "broker.sweep_interval",
		"OSSA_BROKER_RETRY_MAX_ATTEMPTS":  "broker.retry.max_attempts",
		"OSSA_LOG_LEVEL":                  "log.level",
		"OSSA_TELEMETRY_OTLP_ENDPOINT":    "telemetry.otlp_endpoint",
		"OSSA_ENGINE_LOOP_MAX_ITERATIONS": "engine.loop_max_iterations",
		"OSSA_DEBUG":                      "debug",
	}
	for in, want := range cases {
		assert.Equal(t, want, EnvKey(in), in)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"log level":     "log:\n  level: loud\n",
		"concurrency":   "broker:\n  max_concurrency: -1\n",
		"retry delays":  "broker:\n  retry:\n    initial_delay: 10s\n    max_delay: 1s\n",
		"ema alpha":     "messaging:\n  ema_alpha: 1.5\n",
		"otlp endpoint": "telemetry:\n  enabled: true\n  exporter: otlp\n",
		"exporter":      "telemetry:\n  exporter: carrier-pigeon\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "ossa.yaml")
			require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
			_, err := Load(path)
			require.Error(t, err)
			assert.True(t, ossa.HasCode(err, ossa.ErrCodeConfiguration), "got %v", err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeConfiguration))
}

func TestComponentOptions(t *testing.T) {
	cfg := Default()
	cfg.Broker.SweepInterval = 0
	cfg.Broker.MaxConcurrency = 2
	cfg.Telemetry.Enabled = false
	logger := ossa.NewFmtLogger(io.Discard)

	b := broker.NewMemoryBroker(cfg.BrokerOptions(logger)...)
	require.NotNil(t, b)
	assert.NotEmpty(t, cfg.EngineOptions(logger))
	assert.NotEmpty(t, cfg.ServiceOptions(logger))

	policy := cfg.Broker.Retry.Policy()
	assert.Equal(t, runner.BackoffExponential, policy.Backoff)
	assert.Equal(t, time.Second, policy.Delay(1))
	assert.Equal(t, 2*time.Second, policy.Delay(2))
}
