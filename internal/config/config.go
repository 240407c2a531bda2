package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig carries everything the visitid service needs at startup.
type ServerConfig struct {
	Listen        string
	DBPath        string
	LogLevel      string
	MaxMindDBPath string

	GeoCacheMaxEntries    int
	GeoCacheSweepInterval time.Duration
	ProviderTimeout       time.Duration

	SessionWindow   time.Duration
	MatchWindow     time.Duration
	RetentionPeriod time.Duration
	CleanupInterval time.Duration

	DBMaxOpenConns int
	DBMaxIdleConns int
}

const defaultListen = ":8470"
const defaultDBPath = "./visitid.db"
const defaultGeoCacheMaxEntries = 10000
const defaultGeoCacheSweepInterval = time.Hour
const defaultProviderTimeout = 3 * time.Second
const defaultSessionWindow = 6 * time.Hour
const defaultMatchWindow = 24 * time.Hour
const defaultRetentionPeriod = 90 * 24 * time.Hour
const defaultCleanupInterval = 6 * time.Hour

// ParseServerFlags builds a ServerConfig from VISITID_* env vars and flags,
// flags taking precedence.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Listen:                envOrDefault("VISITID_LISTEN", defaultListen),
		DBPath:                envOrDefault("VISITID_DB_PATH", defaultDBPath),
		LogLevel:              envOrDefault("VISITID_LOG_LEVEL", "info"),
		MaxMindDBPath:         envOrDefault("VISITID_MAXMIND_DB", ""),
		GeoCacheMaxEntries:    envIntOrDefault("VISITID_GEO_CACHE_MAX", defaultGeoCacheMaxEntries),
		GeoCacheSweepInterval: envDurationOrDefault("VISITID_GEO_CACHE_SWEEP", defaultGeoCacheSweepInterval),
		ProviderTimeout:       envDurationOrDefault("VISITID_PROVIDER_TIMEOUT", defaultProviderTimeout),
		SessionWindow:         envDurationOrDefault("VISITID_SESSION_WINDOW", defaultSessionWindow),
		MatchWindow:           envDurationOrDefault("VISITID_MATCH_WINDOW", defaultMatchWindow),
		RetentionPeriod:       envDurationOrDefault("VISITID_RETENTION", defaultRetentionPeriod),
		CleanupInterval:       envDurationOrDefault("VISITID_CLEANUP_INTERVAL", defaultCleanupInterval),
		DBMaxOpenConns:        envIntOrDefault("VISITID_DB_MAX_OPEN_CONNS", 0),
		DBMaxIdleConns:        envIntOrDefault("VISITID_DB_MAX_IDLE_CONNS", 0),
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.MaxMindDBPath, "maxmind-db", cfg.MaxMindDBPath, "MaxMind City .mmdb path (optional local geo provider)")
	fs.IntVar(&cfg.GeoCacheMaxEntries, "geo-cache-max", cfg.GeoCacheMaxEntries, "Max geo cache entries")
	fs.DurationVar(&cfg.ProviderTimeout, "provider-timeout", cfg.ProviderTimeout, "Per-call geo provider timeout")
	fs.DurationVar(&cfg.SessionWindow, "session-window", cfg.SessionWindow, "Session hash rotation window")
	fs.DurationVar(&cfg.MatchWindow, "match-window", cfg.MatchWindow, "Permissive environment-correlation window")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if strings.TrimSpace(cfg.Listen) == "" {
		return cfg, errors.New("missing --listen or VISITID_LISTEN")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("missing --db or VISITID_DB_PATH")
	}
	if cfg.GeoCacheMaxEntries <= 0 {
		return cfg, errors.New("geo cache max entries must be > 0")
	}
	if cfg.GeoCacheSweepInterval <= 0 {
		return cfg, errors.New("geo cache sweep interval must be > 0")
	}
	if cfg.ProviderTimeout <= 0 {
		return cfg, errors.New("provider timeout must be > 0")
	}
	if cfg.SessionWindow <= 0 {
		return cfg, errors.New("session window must be > 0")
	}
	if cfg.MatchWindow <= 0 {
		return cfg, errors.New("match window must be > 0")
	}
	if cfg.RetentionPeriod <= 0 {
		return cfg, errors.New("retention period must be > 0")
	}
	if cfg.CleanupInterval <= 0 {
		return cfg, errors.New("cleanup interval must be > 0")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
