package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/iota/observe"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, int64(256<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, 30*time.Second, cfg.Executor.Timeout)
	assert.False(t, cfg.Executor.TrimTrailer)
	assert.Equal(t, 256, cfg.Sandbox.MemoryLimitMB)
	assert.Equal(t, uint32(4096), cfg.Sandbox.MemoryLimitPages())
	assert.Equal(t, time.Second, cfg.Trace.EmitInterval)
	assert.Equal(t, 100, cfg.Trace.BatchMax)
	assert.Equal(t, observe.ExporterNone, cfg.Trace.Observe().Exporter)
	assert.Equal(t, []string{"stderr"}, cfg.Log.OutputPaths)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iota.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
executor:
  workers: 2
  timeout: 5s
trace:
  exporter: otlp-http
  endpoint: collector:4318
  emit_interval: 250ms
  headers:
    x-team: wasm
`), 0o600))
	t.Setenv("IOTA_EXECUTOR_WORKERS", "7")
	t.Setenv("IOTA_LOG_LEVEL", "debug")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 7, cfg.Executor.Workers)
	assert.Equal(t, 5*time.Second, cfg.Executor.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "otlp-http", cfg.Trace.Exporter)
	assert.Equal(t, 250*time.Millisecond, cfg.Trace.EmitInterval)
	assert.Equal(t, map[string]string{"x-team": "wasm"}, cfg.Trace.Headers)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load(viper.New(), "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"zero body limit", func(c *Config) { c.Server.MaxBodyBytes = 0 }},
		{"no store dir", func(c *Config) { c.Store.Dir = "" }},
		{"huge memory", func(c *Config) { c.Sandbox.MemoryLimitMB = 8192 }},
		{"no workers", func(c *Config) { c.Executor.Workers = 0 }},
		{"negative queue", func(c *Config) { c.Executor.QueueSize = -1 }},
		{"negative timeout", func(c *Config) { c.Executor.Timeout = -time.Second }},
		{"no scratch dir", func(c *Config) { c.Executor.ScratchDir = "" }},
		{"otlp without endpoint", func(c *Config) { c.Trace.Exporter = "otlp-grpc" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
