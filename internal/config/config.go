// Package config loads the validator node's own tunables from the
// environment. Configuration of the external execution client, CLI
// flag parsing for that client, and transaction/block-content policy
// are the execution engine's concern, not this package's.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every environment-driven setting this repo's components
// need.
type Config struct {
	NodeID   string
	Timeouts TimeoutConfig
	GC       GCConfig
	Retry    RetryConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Admin    AdminConfig
	Logging  LoggingConfig
	RateLimit RateLimitConfig
}

// TimeoutConfig holds the durations for the three Timeouts (§4.1).
type TimeoutConfig struct {
	Idle                  time.Duration
	Commit                time.Duration
	ViewChangeBase        time.Duration
	ViewChangeMinInterval time.Duration
}

// GCConfig holds the message-log / block garbage-collection window and
// the forced view-change cadence (§4.2, §4.6).
type GCConfig struct {
	Window                 uint64 // K in spec.md §3 Lifecycle
	ForcedViewChangePeriod uint64
	AnnounceCacheSize      int // fixed at 10 per design notes; not read from env
}

// RetryConfig holds the exponential-backoff parameters for
// query_validators (§4.5).
type RetryConfig struct {
	Base time.Duration
	Max  time.Duration
}

// DatabaseConfig configures the Postgres-backed seal store.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig configures the seal-store read-through cache.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NATSConfig configures the NATS Transport adapter.
type NATSConfig struct {
	URL string
}

// AdminConfig configures the gin admin/status HTTP surface.
type AdminConfig struct {
	Port      int
	JWTSecret string
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string
}

// RateLimitConfig configures the admin API's per-client token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// Load reads Config from the environment, falling back to sane
// single-node-demo defaults exactly as the teacher's config.Load does.
func Load() *Config {
	return &Config{
		NodeID: getEnv("NODE_ID", ""),
		Timeouts: TimeoutConfig{
			Idle:                  getEnvDuration("IDLE_TIMEOUT_MS", 4000) * time.Millisecond,
			Commit:                getEnvDuration("COMMIT_TIMEOUT_MS", 8000) * time.Millisecond,
			ViewChangeBase:        getEnvDuration("VIEW_CHANGE_TIMEOUT_BASE_MS", 6000) * time.Millisecond,
			ViewChangeMinInterval: getEnvDuration("VIEW_CHANGE_MIN_INTERVAL_MS", 500) * time.Millisecond,
		},
		GC: GCConfig{
			Window:                 uint64(getEnvInt("GC_WINDOW", 3)),
			ForcedViewChangePeriod: uint64(getEnvInt("FORCED_VIEW_CHANGE_PERIOD", 0)),
			AnnounceCacheSize:      10,
		},
		Retry: RetryConfig{
			Base: getEnvDuration("QUERY_VALIDATORS_RETRY_BASE_MS", 200) * time.Millisecond,
			Max:  getEnvDuration("QUERY_VALIDATORS_RETRY_MAX_MS", 10000) * time.Millisecond,
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "pbft_seals"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", "nats://localhost:4222"),
		},
		Admin: AdminConfig{
			Port:      getEnvInt("ADMIN_PORT", 8090),
			JWTSecret: getEnv("ADMIN_JWT_SECRET", "change-me"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvInt("ADMIN_RATE_LIMIT_RPM", 120),
			Burst:             getEnvInt("ADMIN_RATE_LIMIT_BURST", 20),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultMillis int64) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(intValue)
		}
	}
	return time.Duration(defaultMillis)
}
