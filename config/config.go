// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	LockBackendLocal = "local"
	LockBackendRedis = "redis"
)

type Config struct {
	HTTPAddr string
	DBPath   string
	AppEnv   string // "production" hides stack traces in error responses

	Lock LockConfig

	SyncConcurrency int

	ActivationScheduler bool
	ActivationInterval  time.Duration
}

type LockConfig struct {
	Backend   string // "local", "redis"
	RedisAddr string
	RedisPass string
	TTL       time.Duration
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// Load reads the environment. Call godotenv.Load() first to pick up a .env file.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		DBPath:   getEnv("DB_PATH", "./data/rebate.db"),
		AppEnv:   getEnv("APP_ENV", "development"),
		Lock: LockConfig{
			Backend:   strings.ToLower(getEnv("LOCK_BACKEND", LockBackendLocal)),
			RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPass: getEnv("REDIS_PASS", ""),
			TTL:       getEnvAsDuration("LOCK_TTL", 10*time.Second),
		},
		SyncConcurrency:     getEnvAsInt("SYNC_CONCURRENCY", 4),
		ActivationScheduler: getEnvAsBool("ACTIVATION_SCHEDULER", false),
		ActivationInterval:  getEnvAsDuration("ACTIVATION_INTERVAL", time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Lock.Backend {
	case LockBackendLocal, LockBackendRedis:
	default:
		return fmt.Errorf("LOCK_BACKEND must be %q or %q, got %q", LockBackendLocal, LockBackendRedis, c.Lock.Backend)
	}
	if c.SyncConcurrency < 1 {
		return fmt.Errorf("SYNC_CONCURRENCY must be >= 1, got %d", c.SyncConcurrency)
	}
	if c.ActivationScheduler && c.ActivationInterval <= 0 {
		return fmt.Errorf("ACTIVATION_INTERVAL must be positive, got %s", c.ActivationInterval)
	}
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
