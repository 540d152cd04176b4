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
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  dsn: postgres://localhost/world
sync_groups:
  public.NORMAL: {}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3020, cfg.Server.Port)
	assert.Equal(t, int64(30000), cfg.Session.HeartbeatInactivityMs)
	assert.Equal(t, int64(1000), cfg.Session.ReaperIntervalMs)
	assert.Equal(t, int64(5000), cfg.Session.QueryTimeoutMs)
	assert.Equal(t, 256, cfg.Session.OutboundQueueCapacity)
	assert.Equal(t, 4<<20, cfg.Session.MaxQueryResultBytes)

	sg := cfg.SyncGroups["public.NORMAL"]
	assert.Equal(t, int64(50), sg.TickRateMs)
	assert.Equal(t, 50, sg.MaxBufferedTicks)
	assert.Equal(t, 50*time.Millisecond, sg.TickRate())
}

func TestLoadExplicitValuesSurviveDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
  env: production
  allowed_origins: ["https://world.example.com"]
store:
  dsn: postgres://localhost/world
scheduler:
  enabled: true
session:
  heartbeat_inactivity_ms: 15000
  outbound_queue_capacity: 64
sync_groups:
  public.FAST:
    tick_rate_ms: 16
    max_buffered_ticks: 120
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "production", cfg.Server.Env)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, int64(15000), cfg.Session.HeartbeatInactivityMs)
	assert.Equal(t, 64, cfg.Session.OutboundQueueCapacity)
	assert.Equal(t, 16*time.Millisecond, cfg.SyncGroups["public.FAST"].TickRate())
	assert.Equal(t, 120, cfg.SyncGroups["public.FAST"].MaxBufferedTicks)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WORLD_DATABASE_URL", "postgres://env-host/world")
	t.Setenv("WORLD_SERVER_PORT", "9000")
	t.Setenv("WORLD_REDIS_ADDR", "redis-host:6379")

	path := writeConfig(t, `
store:
  dsn: postgres://yaml-host/world
sync_groups:
  public.NORMAL: {}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env-host/world", cfg.Store.DSN)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis-host:6379", cfg.Redis.Addr)
}

func TestLoadRequiresDSN(t *testing.T) {
	path := writeConfig(t, `
sync_groups:
  public.NORMAL: {}
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.dsn")
}

func TestLoadRequiresSyncGroup(t *testing.T) {
	path := writeConfig(t, `
store:
  dsn: postgres://localhost/world
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync group")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
