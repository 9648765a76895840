package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "ENV", "LOG_LEVEL", "LOG_FORMAT", "DATABASE_URL",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "DEFAULT_DAYS_UNTIL_AUTO_CONFIRM", "SIGNING_ROUND_TIMEOUT", "RATE_LIMIT_RPS"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultLogFormat, cfg.LogFormat)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, uint16(14), cfg.DaysUntilAutoConfirm())
	assert.Zero(t, cfg.SigningRoundTimeout)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPS)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("DEFAULT_DAYS_UNTIL_AUTO_CONFIRM", "30")
	t.Setenv("SIGNING_ROUND_TIMEOUT", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, uint16(30), cfg.DaysUntilAutoConfirm())
	assert.Equal(t, 90*time.Second, cfg.SigningRoundTimeout)
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("SIGNING_ROUND_TIMEOUT", "soon")

	_, err := Load()
	assert.ErrorContains(t, err, "SIGNING_ROUND_TIMEOUT")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{LogLevel: "info", LogFormat: "json", DefaultDaysUntilAutoConfirm: 14}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"unknown level", func(c *Config) { c.LogLevel = "chatty" }, "LOG_LEVEL"},
		{"unknown format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"zero days", func(c *Config) { c.DefaultDaysUntilAutoConfirm = 0 }, "DEFAULT_DAYS_UNTIL_AUTO_CONFIRM"},
		{"days overflow", func(c *Config) { c.DefaultDaysUntilAutoConfirm = 70000 }, "DEFAULT_DAYS_UNTIL_AUTO_CONFIRM"},
		{"negative timeout", func(c *Config) { c.SigningRoundTimeout = -time.Second }, "SIGNING_ROUND_TIMEOUT"},
		{"negative rate", func(c *Config) { c.RateLimitRPS = -1 }, "RATE_LIMIT_RPS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
