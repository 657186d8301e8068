package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-pipeline/internal/logging"
	"notification-pipeline/internal/pipeline"
	"notification-pipeline/pkg/config"
)

func TestNewWithLocalBackends(t *testing.T) {
	ctx := context.Background()
	cfg := config.GetDefaultConfig()
	cfg.Health.Enabled = false
	cfg.Delivery.JournalPath = filepath.Join(t.TempDir(), "journal.db")

	a, err := New(ctx, cfg, logging.Discard(), nil)
	require.NoError(t, err)
	assert.Nil(t, a.Redis)
	assert.Nil(t, a.Producer)
	require.NotNil(t, a.Journal)
	require.Len(t, a.Providers.Providers(), 1)
	assert.Equal(t, "local", a.Providers.Providers()[0].Name())
	assert.Empty(t, a.ServiceOptions())

	var names []string
	for _, e := range a.Scheduler.Entries() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"alert_cleanup", "batch_flush", "dedup_sweep", "delivery_cleanup", "delivery_retry", "rate_limit_sweep"}, names)

	a.Start(ctx)
	res, err := a.Pipeline.Create(ctx, pipeline.Welcome("u1", "ann", "Orbit", true, time.Now()))
	require.NoError(t, err)
	assert.NotEmpty(t, res.NotificationID)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(shutdownCtx))
}

func TestNewRejectsBadConfig(t *testing.T) {
	ctx := context.Background()

	cfg := config.GetDefaultConfig()
	cfg.Pipeline.OnInternalError = "fail-sometimes"
	_, err := New(ctx, cfg, logging.Discard(), nil)
	assert.ErrorContains(t, err, "invalid pipeline config")

	cfg = config.GetDefaultConfig()
	cfg.Store.Driver = "cassandra"
	_, err = New(ctx, cfg, logging.Discard(), nil)
	assert.ErrorContains(t, err, "failed to open store")
}

func TestNewClosesOpenedBackendsOnFailure(t *testing.T) {
	ctx := context.Background()

	cfg := config.GetDefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Host = "127.0.0.1"
	cfg.Redis.Port = "1"
	var (
		a   *App
		err error
	)
	require.NotPanics(t, func() { a, err = New(ctx, cfg, logging.Discard(), nil) })
	assert.Nil(t, a)
	assert.ErrorContains(t, err, "failed to connect to redis")

	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	cfg = config.GetDefaultConfig()
	cfg.Store.Driver = "sqlite"
	cfg.Store.DSN = filepath.Join(dir, "notifications.db")
	cfg.Delivery.JournalPath = filepath.Join(blocker, "journal.db")
	require.NotPanics(t, func() { a, err = New(ctx, cfg, logging.Discard(), nil) })
	assert.Nil(t, a)
	assert.ErrorContains(t, err, "failed to open delivery journal")
}
