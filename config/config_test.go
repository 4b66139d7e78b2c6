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

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9000\n"))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 30, cfg.Hub.SlotCount)
	assert.Equal(t, 15*time.Second, cfg.Hub.ReconcileInterval)
	assert.Equal(t, time.Hour, cfg.Hub.DelayRetention)
	assert.Equal(t, 100, cfg.Feed.Request.PageSize)
	assert.Equal(t, time.Minute, cfg.Feed.Interval)
	assert.Equal(t, 3600, cfg.Push.TTL)
	assert.Equal(t, 1, cfg.WorkerPool.Size)
	assert.Equal(t, "hub:changes", cfg.Redis.ChannelPrefix)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
database:
  driver: sqlite
  dsn: file:hub.db
redis:
  enabled: true
  addr: localhost:6379
hub:
  slot_count: 12
  reconcile_interval_seconds: 5
  delay_retention_minutes: 10
feed:
  enabled: true
  interval_seconds: 30
  request:
    url: http://manifest.local/api
    pageSize: 50
    headers:
      Authorization: Bearer x
log:
  level: debug
  format: console
`))
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 12, cfg.Hub.SlotCount)
	assert.Equal(t, 5*time.Second, cfg.Hub.ReconcileInterval)
	assert.Equal(t, 10*time.Minute, cfg.Hub.DelayRetention)
	assert.Equal(t, 30*time.Second, cfg.Feed.Interval)
	assert.Equal(t, 50, cfg.Feed.Request.PageSize)
	assert.Equal(t, "Bearer x", cfg.Feed.Request.Headers["Authorization"])
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "database:\n  driver: oracle\n"))
	assert.ErrorContains(t, err, "unknown database driver")

	_, err = Load(writeConfig(t, "feed:\n  enabled: true\n"))
	assert.ErrorContains(t, err, "feed.request.url")

	_, err = Load(writeConfig(t, "server: [not a map"))
	assert.Error(t, err)
}
