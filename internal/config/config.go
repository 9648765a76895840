// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/keyshield/internal/logging"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string // OTLP gRPC collector, tracing disabled when empty

	// Shields and signing
	DefaultDaysUntilAutoConfirm int
	SigningRoundTimeout         time.Duration // 0 = no bound on a host round

	// Security
	RateLimitRPS int
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultDaysUntilAutoConfirm = 14
	DefaultRateLimit            = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	timeout, err := getEnvDuration("SIGNING_ROUND_TIMEOUT", 0)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                        getEnv("PORT", DefaultPort),
		Env:                         getEnv("ENV", DefaultEnv),
		LogLevel:                    getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                   getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:                 os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint:                os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		DefaultDaysUntilAutoConfirm: int(getEnvInt64("DEFAULT_DAYS_UNTIL_AUTO_CONFIRM", DefaultDaysUntilAutoConfirm)),
		SigningRoundTimeout:         timeout,
		RateLimitRPS:                int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.DefaultDaysUntilAutoConfirm <= 0 || c.DefaultDaysUntilAutoConfirm > 65535 {
		return fmt.Errorf("DEFAULT_DAYS_UNTIL_AUTO_CONFIRM must be between 1 and 65535")
	}
	if c.SigningRoundTimeout < 0 {
		return fmt.Errorf("SIGNING_ROUND_TIMEOUT must not be negative")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative")
	}
	return nil
}

// DaysUntilAutoConfirm is the default shield confirmation delay.
func (c *Config) DaysUntilAutoConfirm() uint16 {
	return uint16(c.DefaultDaysUntilAutoConfirm) // #nosec G115 -- bounded by Validate
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
