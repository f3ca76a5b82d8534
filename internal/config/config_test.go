package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "data/mailsync.db", cfg.DBPath)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATSURL)

	assert.Equal(t, 100, cfg.Sync.PageSize)
	assert.Equal(t, 10, cfg.Sync.MaxPagesPerRun)
	assert.Equal(t, 45*time.Second, cfg.Sync.RunBudget)
	assert.Equal(t, 100, cfg.Sync.ContinuationLimit)

	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 2*time.Minute, cfg.Retry.MaxDelay)

	assert.Equal(t, 10*time.Minute, cfg.Diag.StallThreshold)
	assert.Equal(t, 15*time.Second, cfg.Diag.MetricsTTL)
}

func TestLoadYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
http_addr: ":9090"
sync:
  page_size: 25
  run_budget: 20s
retry:
  max_attempts: 2
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mailsync.yaml"), yaml, 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 25, cfg.Sync.PageSize)
	assert.Equal(t, 20*time.Second, cfg.Sync.RunBudget)
	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
	// Untouched keys keep their defaults.
	assert.Equal(t, 10, cfg.Sync.MaxPagesPerRun)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MAILSYNC_NATS_URL", "nats://queue:4222")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "nats://queue:4222", cfg.NATSURL)
}
