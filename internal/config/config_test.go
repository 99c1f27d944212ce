package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, env, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config."+env+".yaml"), []byte(body), 0o644))
	t.Setenv("APP_ENV", env)
	return dir
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("APP_ENV", "nowhere")
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "nowhere", cfg.Env)
	assert.Equal(t, "jwt", cfg.Namespace)
	assert.Equal(t, "badger", cfg.Durable.Driver)
	assert.Equal(t, 30*time.Second, cfg.Health.CheckInterval)
	assert.Equal(t, 5, cfg.Health.FailureThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Health.RecoveryWindow)
	assert.Equal(t, 30*time.Minute, cfg.Sync.LockTTL)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, "0 0 2 * * *", cfg.Cleanup.Schedule)
	assert.Equal(t, 3, cfg.Cleanup.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Cleanup.InitialBackoff)
	assert.Equal(t, 24*time.Hour, cfg.Blacklist.DefaultTTL)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, "authstate", cfg.Log.Service)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := writeConfig(t, "test", `
namespace: auth
durable:
  driver: sqlite
  dsn: "file:authstate?mode=memory"
sync:
  batch_size: 10
  lock_ttl: 10m
kafka:
  enabled: true
  brokers: ["localhost:9092"]
log:
  level: debug
`)
	t.Setenv("AUTHSTATE_SYNC_BATCH_SIZE", "50")
	t.Setenv("AUTHSTATE_CLEANUP_SCHEDULE", "0 30 3 * * *")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "auth", cfg.Namespace)
	assert.Equal(t, "sqlite", cfg.Durable.Driver)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, 10*time.Minute, cfg.Sync.LockTTL)
	assert.Equal(t, "0 30 3 * * *", cfg.Cleanup.Schedule)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"unknown driver":       "durable:\n  driver: postgres\n",
		"sql without dsn":      "durable:\n  driver: mysql\n",
		"kafka without broker": "kafka:\n  enabled: true\n",
		"bad namespace":        "namespace: \"a:b\"\n",
		"bad log level":        "log:\n  level: loud\n",
		"zero threshold":       "health:\n  failure_threshold: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			dir := writeConfig(t, "bad", body)
			_, err := Load(dir)
			assert.Error(t, err)
		})
	}
}
