// Package config loads relay configuration from the environment, applying
// defaults and validation so the rest of the system only ever sees a sane
// Config value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimit defines the per-connection token bucket parameters.
type RateLimit struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds all runtime settings for the relay server.
type Config struct {
	Env             string
	Addr            string
	AllowedOrigins  []string
	MaxMessageSize  int64
	RateLimit       RateLimit
	JWTSecret       string
	ShutdownTimeout time.Duration
}

// Load parses environment variables into a Config, falling back to defaults
// for anything unset.
func Load() (Config, error) {
	cfg := Config{
		Env:            getEnv("APP_ENV", "dev"),
		Addr:           getEnv("SERVER_ADDR", ":8080"),
		AllowedOrigins: splitAndTrim(getEnv("ALLOWED_ORIGINS", "http://localhost:8080")),
		MaxMessageSize: 4096,
		RateLimit: RateLimit{
			Burst:          10,
			RefillInterval: time.Second,
		},
		JWTSecret: strings.TrimSpace(os.Getenv("JWT_SECRET")),
	}

	if raw := os.Getenv("MAX_MESSAGE_SIZE"); raw != "" {
		size, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || size <= 0 {
			return Config{}, fmt.Errorf("invalid MAX_MESSAGE_SIZE: %q", raw)
		}
		cfg.MaxMessageSize = size
	}

	if raw := os.Getenv("RATE_LIMIT_BURST"); raw != "" {
		burst, err := strconv.Atoi(raw)
		if err != nil || burst <= 0 {
			return Config{}, fmt.Errorf("invalid RATE_LIMIT_BURST: %q", raw)
		}
		cfg.RateLimit.Burst = burst
	}

	interval, err := parseDuration("RATE_LIMIT_REFILL_INTERVAL", "1s")
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimit.RefillInterval = interval

	timeout, err := parseDuration("SHUTDOWN_TIMEOUT", "10s")
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout = timeout

	if len(cfg.AllowedOrigins) == 0 {
		return Config{}, fmt.Errorf("ALLOWED_ORIGINS must name at least one origin or *")
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func parseDuration(key, def string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return dur, nil
}
