// Package config loads process configuration for schoold: CLI flags and
// environment variables bound through viper (grounded on the teacher's
// cmd/bd/config.go), plus an optional ops-managed static TOML file for
// defaults that should survive redeploys (schoold.toml), read before any
// store connects — mirroring the teacher's internal/config/yaml_config.go
// "YAML-only keys must be read before the database opens" convention.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// StaticOnlyKeys are settings that must come from schoold.toml (read at
// process boot) rather than from viper/env, because they gate how the
// process bootstraps before any flag binding has happened — e.g. which
// log format to use while parsing the rest of the config. Mirrors the
// teacher's YamlOnlyKeys table (internal/config/yaml_config.go).
var StaticOnlyKeys = map[string]bool{
	"log.format": true,
	"log.level":  true,
}

// IsStaticOnlyKey reports whether key must be sourced from the static TOML
// file instead of viper/env/flags.
func IsStaticOnlyKey(key string) bool { return StaticOnlyKeys[key] }

// StaticConfig holds ops-managed defaults loaded once at boot from an
// optional schoold.toml. Values here are overridden by flags/env at
// runtime except for the StaticOnlyKeys above.
type StaticConfig struct {
	Log struct {
		Format string `toml:"format"`
		Level  string `toml:"level"`
	} `toml:"log"`
	Cache struct {
		// EdgeMaxAgeSeconds is the CDN s-maxage advertised on fresh
		// snapshot responses (spec.md §4.3 "Edge cache").
		EdgeMaxAgeSeconds int `toml:"edge_max_age_seconds"`
		// InternalTTLSeconds bounds the snapshot cache entry lifetime.
		// Per spec.md §9 Open Questions, this must stay <= the edge
		// max-age so the CDN never serves past the internal cache's
		// authoritative lifetime; LoadStaticTOML enforces that here.
		InternalTTLSeconds int `toml:"internal_ttl_seconds"`
	} `toml:"cache"`
	RateLimit struct {
		PerSecond int `toml:"per_second"`
		Burst     int `toml:"burst"`
	} `toml:"rate_limit"`
}

// LoadStaticTOML reads a schoold.toml file. A missing file is not an
// error: DefaultStaticConfig is returned instead, matching an
// ops-optional configuration file.
func LoadStaticTOML(path string) (StaticConfig, error) {
	cfg := DefaultStaticConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultStaticConfig(), nil
		}
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if cfg.Cache.InternalTTLSeconds > cfg.Cache.EdgeMaxAgeSeconds {
		return cfg, fmt.Errorf(
			"config: cache.internal_ttl_seconds (%d) must not exceed cache.edge_max_age_seconds (%d)",
			cfg.Cache.InternalTTLSeconds, cfg.Cache.EdgeMaxAgeSeconds)
	}
	return cfg, nil
}

// DefaultStaticConfig returns the built-in defaults used when no
// schoold.toml is present.
func DefaultStaticConfig() StaticConfig {
	var cfg StaticConfig
	cfg.Log.Format = "json"
	cfg.Log.Level = "info"
	cfg.Cache.EdgeMaxAgeSeconds = 10
	cfg.Cache.InternalTTLSeconds = 10
	cfg.RateLimit.PerSecond = 1
	cfg.RateLimit.Burst = 3
	return cfg
}

// Config is the fully resolved runtime configuration, combining the
// static TOML defaults with flag/env overrides bound through viper.
type Config struct {
	HTTPAddr string
	WSAddr   string
	RedisURL string

	WSEnabled             bool
	AllowMultiDevice      bool
	SnapshotEdgeMaxAge    time.Duration
	SnapshotInternalTTL   time.Duration
	WSChannelCapacity     int
	WSPingIntervalSeconds int
	WSMetricsLogInterval  time.Duration

	NATSPort     int
	NATSStoreDir string

	RateLimitPerSecond float64
	RateLimitBurst     int

	BumpLockTTL   time.Duration
	BuildLockTTL  time.Duration

	Debug bool

	LogFormat string
	LogLevel  string
}

// BindFlags registers the process's persistent flags on cmd and binds
// them into v, the way the teacher's cmd/bd/config.go binds cobra flags
// to viper keys.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()
	flags.String("http-addr", ":8080", "address for the status/snapshot HTTP API")
	flags.String("ws-addr", ":8081", "address for the push invalidation WebSocket")
	flags.String("redis-url", "", "Redis URL backing the kv-store (e.g. redis://localhost:6379/0); empty uses an in-memory store")
	flags.Bool("ws-enabled", true, "enable the WebSocket push invalidation plane (WS_ENABLED)")
	flags.Bool("allow-multi-device", false, "allow a screen token to be bound by more than one device (ALLOW_MULTI_DEVICE)")
	flags.Int("snapshot-edge-max-age", 10, "CDN s-maxage in seconds for fresh snapshot responses (SNAPSHOT_EDGE_MAX_AGE)")
	flags.Int("ws-channel-capacity", 2000, "max WS connections per school per instance (WS_CHANNEL_CAPACITY); loaded into Config, not enforced by the WS consumer")
	flags.Int("ws-ping-interval-seconds", 30, "expected client ping cadence (WS_PING_INTERVAL_SECONDS)")
	flags.Int("ws-metrics-log-interval", 60, "seconds between periodic metrics log lines (WS_METRICS_LOG_INTERVAL); loaded into Config, no command emits such log lines")
	flags.Int("nats-port", 4222, "TCP port for the embedded NATS invalidation-replay mirror")
	flags.String("nats-store-dir", "", "JetStream file storage directory for the invalidation-replay mirror")
	flags.Float64("rate-limit-per-second", 1.0, "steady-state requests/sec allowed per (token, device)")
	flags.Int("rate-limit-burst", 3, "burst allowance above the steady rate")
	flags.Duration("bump-lock-ttl", 2*time.Second, "TTL of the per-school debounce lock")
	flags.Duration("build-lock-ttl", 10*time.Second, "TTL of the per-school single-flight build lock")
	flags.String("config", "", "path to an optional schoold.toml with ops-managed defaults")
	flags.Bool("debug", false, "enable debug-only request affordances (e.g. nocache=1) and text-format logging (DEBUG)")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("SCHOOLD")
	v.AutomaticEnv()
	for key, env := range map[string]string{
		"ws-enabled":               "WS_ENABLED",
		"allow-multi-device":       "ALLOW_MULTI_DEVICE",
		"snapshot-edge-max-age":    "SNAPSHOT_EDGE_MAX_AGE",
		"ws-channel-capacity":      "WS_CHANNEL_CAPACITY",
		"ws-ping-interval-seconds": "WS_PING_INTERVAL_SECONDS",
		"ws-metrics-log-interval":  "WS_METRICS_LOG_INTERVAL",
		"debug":                    "DEBUG",
	} {
		_ = v.BindEnv(key, env)
	}
}

// Load resolves a Config from static TOML defaults overridden by viper
// (flags/env). static is produced by LoadStaticTOML.
func Load(v *viper.Viper, static StaticConfig) *Config {
	v.SetDefault("snapshot-edge-max-age", static.Cache.EdgeMaxAgeSeconds)
	v.SetDefault("rate-limit-per-second", float64(static.RateLimit.PerSecond))
	v.SetDefault("rate-limit-burst", static.RateLimit.Burst)
	cfg := &Config{
		HTTPAddr:              v.GetString("http-addr"),
		WSAddr:                v.GetString("ws-addr"),
		RedisURL:              v.GetString("redis-url"),
		WSEnabled:             v.GetBool("ws-enabled"),
		AllowMultiDevice:      v.GetBool("allow-multi-device"),
		SnapshotEdgeMaxAge:    time.Duration(v.GetInt("snapshot-edge-max-age")) * time.Second,
		SnapshotInternalTTL:   time.Duration(static.Cache.InternalTTLSeconds) * time.Second,
		WSChannelCapacity:     v.GetInt("ws-channel-capacity"),
		WSPingIntervalSeconds: v.GetInt("ws-ping-interval-seconds"),
		WSMetricsLogInterval:  time.Duration(v.GetInt("ws-metrics-log-interval")) * time.Second,
		NATSPort:              v.GetInt("nats-port"),
		NATSStoreDir:          v.GetString("nats-store-dir"),
		RateLimitPerSecond:    v.GetFloat64("rate-limit-per-second"),
		RateLimitBurst:        v.GetInt("rate-limit-burst"),
		BumpLockTTL:           v.GetDuration("bump-lock-ttl"),
		BuildLockTTL:          v.GetDuration("build-lock-ttl"),
		Debug:                 v.GetBool("debug"),
		LogFormat:             static.Log.Format,
		LogLevel:              static.Log.Level,
	}
	if cfg.Debug {
		cfg.LogFormat = "text"
	}
	if cfg.SnapshotInternalTTL > cfg.SnapshotEdgeMaxAge {
		cfg.SnapshotInternalTTL = cfg.SnapshotEdgeMaxAge
	}
	return cfg
}
