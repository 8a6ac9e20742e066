package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 30*time.Second, cfg.VisibilityTimeout)
	assert.Equal(t, []string{"default"}, cfg.Queues)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.CronTick)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("QUEUES", "email:5,default")
	t.Setenv("CRON_TICK", "100ms")
	t.Setenv("WORKER_CONCURRENCY", "0")
	t.Setenv("BACKOFF_SEED", "42")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"email:5", "default"}, cfg.Queues)
	assert.Equal(t, time.Second, cfg.CronTick, "cron tick is clamped to one second")
	assert.Equal(t, 1, cfg.WorkerConcurrency)
	assert.Equal(t, int64(42), cfg.BackoffSeed)
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("VISIBILITY_TIMEOUT", "soon")

	_, err := Load()
	assert.Error(t, err)
}
