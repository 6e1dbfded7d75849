package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// service config, read once at startup
type Config struct {
	Port           string
	RedisAddr      string // empty disables snapshot persistence
	AllowedOrigins []string
	JWTSecret      string
	RequireAuth    bool
	SandboxURL     string
	LockTimeout    time.Duration
	SendQueueSize  int
	FlushInterval  time.Duration
	SnapshotTTL    time.Duration
}

// loads configuration from environment variables
func LoadConfig() (*Config, error) {
	var err error
	cfg := &Config{
		Port:           getEnvOrDefault("PORT", "8080"),
		RedisAddr:      strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		AllowedOrigins: splitOrigins(getEnvOrDefault("ALLOWED_ORIGINS", "*")),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		SandboxURL:     strings.TrimRight(strings.TrimSpace(getEnvOrDefault("SANDBOX_URL", "http://localhost:8090")), "/"),
	}

	if cfg.RequireAuth, err = strconv.ParseBool(getEnvOrDefault("REQUIRE_AUTH", "false")); err != nil {
		return nil, fmt.Errorf("invalid REQUIRE_AUTH: %w", err)
	}
	if cfg.LockTimeout, err = parseDuration("LOCK_TIMEOUT", "2s"); err != nil {
		return nil, err
	}
	if cfg.FlushInterval, err = parseDuration("FLUSH_INTERVAL", "5s"); err != nil {
		return nil, err
	}
	if cfg.SnapshotTTL, err = parseDuration("SNAPSHOT_TTL", "24h"); err != nil {
		return nil, err
	}
	if cfg.SendQueueSize, err = strconv.Atoi(getEnvOrDefault("SEND_QUEUE_SIZE", "64")); err != nil {
		return nil, fmt.Errorf("invalid SEND_QUEUE_SIZE: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Port == "" {
		return fmt.Errorf("PORT must not be empty")
	}
	if cfg.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive, got %s", cfg.LockTimeout)
	}
	if cfg.FlushInterval <= 0 {
		return fmt.Errorf("FLUSH_INTERVAL must be positive, got %s", cfg.FlushInterval)
	}
	if cfg.SendQueueSize <= 0 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be positive, got %d", cfg.SendQueueSize)
	}
	return nil
}

func parseDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnvOrDefault(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
