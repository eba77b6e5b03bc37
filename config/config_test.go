package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "database:\n  dsn: \"file:test.db\"\n  driver: sqlite\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Queue.DefaultClaimLimit)
	assert.Equal(t, 50, cfg.Queue.MaxClaimLimit)
	assert.Equal(t, 60, cfg.Queue.LockTimeoutSeconds)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 50, cfg.Queue.DefaultPriority)
	assert.True(t, cfg.Queue.LazySweep)
	assert.True(t, cfg.Recovery.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Recovery.Interval)
	assert.Equal(t, 1, cfg.WorkerPool.Size)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, time.Minute, cfg.Queue.LockTimeout())
}

func TestLoad_RespectsExplicitValues(t *testing.T) {
	path := writeConfig(t, `
queue:
  default_claim_limit: 80
  max_claim_limit: 20
  max_attempts: 7
  lazy_sweep: false
recovery:
  enabled: false
  interval_seconds: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Queue.DefaultClaimLimit, "default limit is capped by the max")
	assert.Equal(t, 7, cfg.Queue.MaxAttempts)
	assert.False(t, cfg.Queue.LazySweep)
	assert.False(t, cfg.Recovery.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Recovery.Interval)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
