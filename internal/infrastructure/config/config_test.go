package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/GriffinCanCode/runtrace/internal/shared/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "http://localhost:1984", cfg.API.Endpoint)
	assert.Equal(t, "default", cfg.API.Project)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)

	assert.Equal(t, 100, cfg.Batch.Size)
	assert.Equal(t, 250*time.Millisecond, cfg.Batch.FlushInterval)
	assert.Zero(t, cfg.Batch.MaxQueueBytes)

	assert.Equal(t, 6, cfg.Retry.MaxRetries)
	assert.Equal(t, []int{429, 500, 502, 503, 504}, cfg.Retry.Statuses)

	assert.NoError(t, cfg.Validate())
}

func TestLoadMatchesDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"RUNTRACE_ENDPOINT":        "https://api.example.test",
		"RUNTRACE_API_KEY":         "secret",
		"RUNTRACE_BATCH_SIZE":      "10",
		"RUNTRACE_FLUSH_INTERVAL":  "1s",
		"RUNTRACE_MAX_QUEUE_BYTES": "1048576",
		"RUNTRACE_RETRY_STATUSES":  "408,429,503",
		"RUNTRACE_MAX_CONCURRENCY": "8",
		"RUNTRACE_HIDE_INPUTS":     "true",
		"LOG_LEVEL":                "debug",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.test", cfg.API.Endpoint)
	assert.Equal(t, "secret", cfg.API.APIKey)
	assert.Equal(t, 10, cfg.Batch.Size)
	assert.Equal(t, time.Second, cfg.Batch.FlushInterval)
	assert.Equal(t, int64(1<<20), cfg.Batch.MaxQueueBytes)
	assert.Equal(t, []int{408, 429, 503}, cfg.Retry.Statuses)
	assert.Equal(t, 8, cfg.Retry.MaxConcurrency)
	assert.True(t, cfg.Batch.HideInputs)
	assert.False(t, cfg.Batch.HideOutputs)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"relative endpoint", func(c *Config) { c.API.Endpoint = "localhost" }, "api.endpoint"},
		{"negative concurrency", func(c *Config) { c.Retry.MaxConcurrency = -1 }, "retry.max_concurrency"},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -2 }, "retry.max_retries"},
		{"bad status", func(c *Config) { c.Retry.Statuses = []int{429, 42} }, "retry.statuses"},
		{"zero batch", func(c *Config) { c.Batch.Size = 0 }, "batch.size"},
		{"negative queue", func(c *Config) { c.Batch.MaxQueueBytes = -1 }, "batch.max_queue_bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var ve *errs.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestLoadInvalidEnvironment(t *testing.T) {
	t.Setenv("RUNTRACE_MAX_CONCURRENCY", "-3")

	_, err := Load()
	assert.Error(t, err)
	assert.Equal(t, Default(), LoadOrDefault())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("yaml", func(t *testing.T) {
		path := filepath.Join(dir, "runtrace.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
api:
  endpoint: https://yaml.example.test
batch:
  size: 7
  flush_interval: 2s
retry:
  statuses: [429, 503]
`), 0o600))

		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "https://yaml.example.test", cfg.API.Endpoint)
		assert.Equal(t, 7, cfg.Batch.Size)
		assert.Equal(t, 2*time.Second, cfg.Batch.FlushInterval)
		assert.Equal(t, []int{429, 503}, cfg.Retry.Statuses)
		assert.Equal(t, "default", cfg.API.Project)
	})

	t.Run("toml", func(t *testing.T) {
		path := filepath.Join(dir, "runtrace.toml")
		require.NoError(t, os.WriteFile(path, []byte(`
[api]
project = "nightly"

[batch]
multipart = true
flush_interval = "500ms"
`), 0o600))

		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "nightly", cfg.API.Project)
		assert.True(t, cfg.Batch.Multipart)
		assert.Equal(t, 500*time.Millisecond, cfg.Batch.FlushInterval)
	})

	t.Run("unsupported", func(t *testing.T) {
		path := filepath.Join(dir, "runtrace.ini")
		require.NoError(t, os.WriteFile(path, []byte("x=1"), 0o600))

		_, err := LoadFile(path)
		assert.Error(t, err)
	})

	t.Run("unknown key", func(t *testing.T) {
		path := filepath.Join(dir, "typo.yaml")
		require.NoError(t, os.WriteFile(path, []byte("batch:\n  sise: 3\n"), 0o600))

		_, err := LoadFile(path)
		assert.ErrorContains(t, err, "typo.yaml")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(dir, "absent.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("invalid after overlay", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_concurrency: -1\n"), 0o600))

		_, err := LoadFile(path)
		var ve *errs.ValidationError
		assert.ErrorAs(t, err, &ve)
	})
}
