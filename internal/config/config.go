// Package config loads the process-wide configuration tree from YAML, with
// environment overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig               `yaml:"server"`
	Store      StoreConfig                `yaml:"store"`
	Redis      RedisConfig                `yaml:"redis"`
	Scheduler  SchedulerConfig            `yaml:"scheduler"`
	Session    SessionConfig              `yaml:"session"`
	SyncGroups map[string]SyncGroupConfig `yaml:"sync_groups"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Env            string   `yaml:"env"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type StoreConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SchedulerConfig struct {
	// Enabled selects leader mode: this node runs the capture loops. When
	// false the node follows tick notifications instead.
	Enabled bool `yaml:"enabled"`
}

type SessionConfig struct {
	HeartbeatInactivityMs int64 `yaml:"heartbeat_inactivity_ms"`
	ReaperIntervalMs      int64 `yaml:"reaper_interval_ms"`
	QueryTimeoutMs        int64 `yaml:"query_timeout_ms"`
	WriteTimeoutMs        int64 `yaml:"write_timeout_ms"`
	OutboundQueueCapacity int   `yaml:"outbound_queue_capacity"`
	MaxQueryResultBytes   int   `yaml:"max_query_result_bytes"`
	SessionDurationMs     int64 `yaml:"session_duration_ms"`
}

type SyncGroupConfig struct {
	TickRateMs       int64 `yaml:"tick_rate_ms"`
	MaxBufferedTicks int   `yaml:"max_buffered_ticks"`
}

// Defaults applied to zero-valued fields after decode.
const (
	defaultPort                  = 3020
	defaultHeartbeatInactivityMs = 30000
	defaultReaperIntervalMs      = 1000
	defaultQueryTimeoutMs        = 5000
	defaultWriteTimeoutMs        = 10000
	defaultQueueCapacity         = 256
	defaultMaxQueryResultBytes   = 4 << 20
	defaultSessionDurationMs     = 24 * 60 * 60 * 1000
	defaultTickRateMs            = 50
	defaultMaxBufferedTicks      = 50
)

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets deployment secrets override the YAML tree.
func (c *Config) applyEnv() {
	if v := os.Getenv("WORLD_DATABASE_URL"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("WORLD_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("WORLD_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("WORLD_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Session.HeartbeatInactivityMs == 0 {
		c.Session.HeartbeatInactivityMs = defaultHeartbeatInactivityMs
	}
	if c.Session.ReaperIntervalMs == 0 {
		c.Session.ReaperIntervalMs = defaultReaperIntervalMs
	}
	if c.Session.QueryTimeoutMs == 0 {
		c.Session.QueryTimeoutMs = defaultQueryTimeoutMs
	}
	if c.Session.WriteTimeoutMs == 0 {
		c.Session.WriteTimeoutMs = defaultWriteTimeoutMs
	}
	if c.Session.OutboundQueueCapacity == 0 {
		c.Session.OutboundQueueCapacity = defaultQueueCapacity
	}
	if c.Session.MaxQueryResultBytes == 0 {
		c.Session.MaxQueryResultBytes = defaultMaxQueryResultBytes
	}
	if c.Session.SessionDurationMs == 0 {
		c.Session.SessionDurationMs = defaultSessionDurationMs
	}
	for name, sg := range c.SyncGroups {
		if sg.TickRateMs == 0 {
			sg.TickRateMs = defaultTickRateMs
		}
		if sg.MaxBufferedTicks == 0 {
			sg.MaxBufferedTicks = defaultMaxBufferedTicks
		}
		c.SyncGroups[name] = sg
	}
}

func (c *Config) validate() error {
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required (or WORLD_DATABASE_URL)")
	}
	if len(c.SyncGroups) == 0 {
		return fmt.Errorf("at least one sync group must be configured")
	}
	for name, sg := range c.SyncGroups {
		if sg.TickRateMs < 0 || sg.MaxBufferedTicks < 0 {
			return fmt.Errorf("sync group %q: negative tick settings", name)
		}
	}
	return nil
}

// Durations for call sites that think in time.Duration.

func (s SessionConfig) HeartbeatInactivity() time.Duration {
	return time.Duration(s.HeartbeatInactivityMs) * time.Millisecond
}

func (s SessionConfig) ReaperInterval() time.Duration {
	return time.Duration(s.ReaperIntervalMs) * time.Millisecond
}

func (s SessionConfig) QueryTimeout() time.Duration {
	return time.Duration(s.QueryTimeoutMs) * time.Millisecond
}

func (s SessionConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMs) * time.Millisecond
}

func (s SessionConfig) SessionDuration() time.Duration {
	return time.Duration(s.SessionDurationMs) * time.Millisecond
}

func (g SyncGroupConfig) TickRate() time.Duration {
	return time.Duration(g.TickRateMs) * time.Millisecond
}
