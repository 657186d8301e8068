package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "fail-open", cfg.Pipeline.OnInternalError)
	assert.Equal(t, 3, cfg.Delivery.MaxRetries)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}, cfg.Delivery.RetryDelays)
	assert.Equal(t, 10*time.Second, cfg.Delivery.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Batch.Delay)
	assert.Equal(t, 10, cfg.Batch.MaxSize)
	assert.Equal(t, 2*time.Hour, cfg.Dedup.Retention)
	assert.Equal(t, 30*time.Minute, cfg.RateLimit.DefaultCooldown)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: "9090"
store:
  driver: sqlite
  dsn: /tmp/notifications.db
delivery:
  max_retries: 5
  retry_delays: ["2s", "4s"]
pipeline:
  on_internal_error: fail-closed
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset keys keep their defaults")
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Delivery.MaxRetries)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, cfg.Delivery.RetryDelays)
	assert.Equal(t, "fail-closed", cfg.Pipeline.OnInternalError)
	assert.Equal(t, 10*time.Second, cfg.Delivery.Timeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
