// Package config loads the process-wide typed configuration value once at
// startup. It replaces the source's runtime-reflective settings object
// (spec.md §9) with an immutable struct injected at boundary construction.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full set of environment-driven options from spec.md §6,
// plus the ambient logging/environment fields every component in the
// pack's services carries.
type Config struct {
	DataDir string
	DBPath  string

	MaxUploadSize int64

	MaxConcurrentTasks int

	MaxConcurrentDescriptions int
	DescriptionMaxRetries     int
	DescriptionRetryDelay     time.Duration
	DescriptionCallsPerSecond float64

	WebhookTimeout    time.Duration
	WebhookMaxRetries int
	WebhookRetryDelay time.Duration

	CleanupInterval time.Duration
	RetentionHours  int

	Host string
	Port int

	// VisionAPIKey enables the Vision Describer when non-empty. Read from
	// OPENAI_API_KEY first, falling back to OPENAI_API_TOKEN (spec.md §9
	// design note: two divergent env vars in the source, the richer
	// variant treated as canonical).
	VisionAPIKey string

	LogLevel string
	Env      string
}

// Load reads an optional .env file (soft failure if absent, same as
// aljapah-afftok-backend-prod/cmd/api/main.go) and then builds a Config
// from the process environment, applying the defaults from spec.md §6.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file found, using environment variables")
	}

	cfg := &Config{
		DataDir:  getString("DATA_DIR", "/data"),
		Host:     getString("HOST", "0.0.0.0"),
		LogLevel: getString("LOG_LEVEL", "info"),
		Env:      getString("ENV", "development"),
	}
	cfg.DBPath = getString("DB_PATH", filepath.Join(cfg.DataDir, "task_db.sqlite"))

	var err error
	if cfg.MaxUploadSize, err = getInt64("MAX_UPLOAD_SIZE", 500*1024*1024); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentTasks, err = getInt("MAX_CONCURRENT_TASKS", 2); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentDescriptions, err = getInt("MAX_CONCURRENT_DESCRIPTIONS", 5); err != nil {
		return nil, err
	}
	if cfg.DescriptionMaxRetries, err = getInt("DESCRIPTION_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	retryDelay, err := getFloat("DESCRIPTION_RETRY_DELAY", 1.0)
	if err != nil {
		return nil, err
	}
	cfg.DescriptionRetryDelay = time.Duration(retryDelay * float64(time.Second))

	// DescriptionCallsPerSecond throttles the vision provider call rate
	// independent of MaxConcurrentDescriptions, since the provider's rate
	// limit is per-key, not per-task. 0 (the default) means unlimited.
	if cfg.DescriptionCallsPerSecond, err = getFloat("DESCRIPTION_CALLS_PER_SECOND", 0); err != nil {
		return nil, err
	}

	webhookTimeout, err := getFloat("WEBHOOK_TIMEOUT", 10.0)
	if err != nil {
		return nil, err
	}
	cfg.WebhookTimeout = time.Duration(webhookTimeout * float64(time.Second))
	if cfg.WebhookMaxRetries, err = getInt("WEBHOOK_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	webhookDelay, err := getFloat("WEBHOOK_RETRY_DELAY", 5.0)
	if err != nil {
		return nil, err
	}
	cfg.WebhookRetryDelay = time.Duration(webhookDelay * float64(time.Second))

	cleanupMinutes, err := getFloat("CLEANUP_INTERVAL_MINUTES", 15.0)
	if err != nil {
		return nil, err
	}
	cfg.CleanupInterval = time.Duration(cleanupMinutes * float64(time.Minute))

	if cfg.RetentionHours, err = getInt("RETENTION_HOURS", 24); err != nil {
		return nil, err
	}
	if cfg.Port, err = getInt("PORT", 8000); err != nil {
		return nil, err
	}

	cfg.VisionAPIKey = os.Getenv("OPENAI_API_KEY")
	if cfg.VisionAPIKey == "" {
		cfg.VisionAPIKey = os.Getenv("OPENAI_API_TOKEN")
	}

	return cfg, nil
}

// RetentionWindow returns the retention_hours field as a time.Duration.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// Addr is the listener address, "host:port".
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
