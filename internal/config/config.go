// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the relay worker configuration.
type Config struct {
	DatabasePath string
	LogLevel     string

	// NATS carries the out-of-band command channel and the durable
	// ingestion queue.
	NATSURL string

	// DedupPath is the badger directory for the ingestion dedup keys.
	// Empty means in-memory (useful for development).
	DedupPath string

	// SessionsDir holds one browser profile directory per connection so
	// re-authentication is not required across restarts.
	SessionsDir string
	BrowserBin  string

	MetricsAddr string

	LoginInterval   time.Duration
	MonitorInterval time.Duration
	SendInterval    time.Duration

	// DedupTTL is the ingestion dedup window; RepostWindow is the
	// per-destination quality-gate window. Two independent controls.
	DedupTTL     time.Duration
	RepostWindow time.Duration

	// QueueMaxAge is how long a queued job may wait before stale cleanup
	// discards it.
	QueueMaxAge time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DatabasePath:    getEnv("DATABASE_PATH", "./data/autopromo.db"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		NATSURL:         getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		DedupPath:       getEnv("DEDUP_PATH", "./data/dedup"),
		SessionsDir:     getEnv("SESSIONS_DIR", "./data/sessions"),
		BrowserBin:      getEnv("BROWSER_BIN", "chromium"),
		MetricsAddr:     getEnv("METRICS_ADDR", ""),
		LoginInterval:   5 * time.Second,
		MonitorInterval: 30 * time.Second,
		SendInterval:    5 * time.Second,
		DedupTTL:        10 * time.Minute,
		RepostWindow:    24 * time.Hour,
		QueueMaxAge:     24 * time.Hour,
	}

	var err error
	if cfg.LoginInterval, err = getDuration("LOGIN_INTERVAL", cfg.LoginInterval); err != nil {
		return nil, err
	}
	if cfg.MonitorInterval, err = getDuration("MONITOR_INTERVAL", cfg.MonitorInterval); err != nil {
		return nil, err
	}
	if cfg.SendInterval, err = getDuration("SEND_INTERVAL", cfg.SendInterval); err != nil {
		return nil, err
	}
	if cfg.DedupTTL, err = getDuration("DEDUP_TTL", cfg.DedupTTL); err != nil {
		return nil, err
	}
	if cfg.RepostWindow, err = getDuration("REPOST_WINDOW", cfg.RepostWindow); err != nil {
		return nil, err
	}
	if cfg.QueueMaxAge, err = getDuration("QUEUE_MAX_AGE", cfg.QueueMaxAge); err != nil {
		return nil, err
	}

	if cfg.DedupTTL <= 0 {
		return nil, fmt.Errorf("DEDUP_TTL must be positive")
	}
	if cfg.RepostWindow <= 0 {
		return nil, fmt.Errorf("REPOST_WINDOW must be positive")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// getDuration parses an env var as either a Go duration ("90s", "10m")
// or a bare number of seconds.
func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q in %s: %w", raw, key, err)
	}
	return d, nil
}
