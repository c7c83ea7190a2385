// Package config loads fetcherd's runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable named in the fetcher's external contract.
type Config struct {
	DatabaseURL string // required; resolved to a sqlite file path, see ResolveDatabasePath

	UpdateInterval         time.Duration // update_interval_minutes, floor 1 minute
	LogRetentionDays       int           // log_retention_days
	StatsPersistInterval   time.Duration // stats_persist_interval_seconds
	PriceSourceMinInterval time.Duration // price_source_min_interval_ms
	PriceSourceHourlyCap   int           // price_source_hourly_cap
	BackfillMaxAttempts    int           // backfill_max_attempts
	BackfillWorkerCount    int           // backfill_worker_count, clamped 1-4
	ShutdownGrace          time.Duration // shutdown_grace_seconds

	LogLevel    string
	HTTPPort    int
	ProviderURL string
	UserAgent   string
}

// Load reads configuration from environment variables, loading an optional
// .env file first.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL: getEnv("FETCHERD_DATABASE_URL", ""),

		UpdateInterval:         time.Duration(getEnvAsInt("FETCHERD_UPDATE_INTERVAL_MINUTES", 10)) * time.Minute,
		LogRetentionDays:       getEnvAsInt("FETCHERD_LOG_RETENTION_DAYS", 30),
		StatsPersistInterval:   time.Duration(getEnvAsInt("FETCHERD_STATS_PERSIST_INTERVAL_SECONDS", 300)) * time.Second,
		PriceSourceMinInterval: time.Duration(getEnvAsInt("FETCHERD_PRICE_SOURCE_MIN_INTERVAL_MS", 1000)) * time.Millisecond,
		PriceSourceHourlyCap:   getEnvAsInt("FETCHERD_PRICE_SOURCE_HOURLY_CAP", 1800),
		BackfillMaxAttempts:    getEnvAsInt("FETCHERD_BACKFILL_MAX_ATTEMPTS", 5),
		BackfillWorkerCount:    getEnvAsInt("FETCHERD_BACKFILL_WORKER_COUNT", 1),
		ShutdownGrace:          time.Duration(getEnvAsInt("FETCHERD_SHUTDOWN_GRACE_SECONDS", 30)) * time.Second,

		LogLevel:    getEnv("FETCHERD_LOG_LEVEL", "info"),
		HTTPPort:    getEnvAsInt("FETCHERD_HTTP_PORT", 8090),
		ProviderURL: getEnv("FETCHERD_PRICE_PROVIDER_URL", "https://example-price-provider.invalid/v1/quotes"),
		UserAgent:   getEnv("FETCHERD_PRICE_PROVIDER_USER_AGENT", "fetcherd/1.0"),
	}

	if cfg.UpdateInterval < time.Minute {
		cfg.UpdateInterval = time.Minute
	}
	if cfg.BackfillWorkerCount < 1 {
		cfg.BackfillWorkerCount = 1
	}
	if cfg.BackfillWorkerCount > 4 {
		cfg.BackfillWorkerCount = 4
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("FETCHERD_DATABASE_URL is required")
	}
	return nil
}

// ResolveDatabasePath strips an optional sqlite:// prefix from DatabaseURL,
// resolving it to a bare filesystem path.
func (c *Config) ResolveDatabasePath() string {
	return strings.TrimPrefix(c.DatabaseURL, "sqlite://")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
