package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	Port          string
	DatabaseURL   string
	RedisURL      string
	MigrationsDir string
	LogLevel      slog.Level

	ProviderBaseURL  string
	ProviderClientID string
	// ProviderRateLimit is the per-channel request allowance per second; 0
	// disables local limiting.
	ProviderRateLimit int

	// TokenEncryptionKey is the 32-byte AES key channel tokens are sealed with.
	TokenEncryptionKey []byte

	PollInterval     time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Load reads configuration from environment variables. Only DATABASE_URL
// is required here; ValidateServe checks what the server needs on top.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		RedisURL:          getEnv("REDIS_URL", ""),
		MigrationsDir:     getEnv("MIGRATIONS_DIR", "migrations"),
		ProviderBaseURL:   getEnv("PROVIDER_BASE_URL", "https://api.twitch.tv/helix"),
		ProviderClientID:  getEnv("PROVIDER_CLIENT_ID", ""),
		ProviderRateLimit: getEnvInt("PROVIDER_RATE_LIMIT", 10),
		PollInterval:      getEnvDuration("POLL_INTERVAL", 3*time.Second),
		BreakerThreshold:  getEnvInt("BREAKER_THRESHOLD", 5),
		BreakerCooldown:   getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("parsing LOG_LEVEL: %w", err)
	}

	if raw := getEnv("TOKEN_ENCRYPTION_KEY", ""); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decoding TOKEN_ENCRYPTION_KEY: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY must be 32 bytes, got %d", len(key))
		}
		cfg.TokenEncryptionKey = key
	}

	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if cfg.BreakerThreshold < 1 {
		return nil, fmt.Errorf("BREAKER_THRESHOLD must be at least 1")
	}

	return cfg, nil
}

// ValidateServe checks the settings only the server needs.
func (c *Config) ValidateServe() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.TokenEncryptionKey == nil {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY is required")
	}
	if c.ProviderClientID == "" {
		return fmt.Errorf("PROVIDER_CLIENT_ID is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}
