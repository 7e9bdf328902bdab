// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Scoring policy
	FlagWeights map[string]float64 // flag type → severity weight in (0, 1]

	// Session lifecycle
	HeartbeatInterval time.Duration // observer liveness ping interval
	ReconnectDelay    time.Duration // delay between feed reconnect attempts
	EndGracePeriod    time.Duration // Ending → Completed flush window
	SessionTimeout    time.Duration // connection-loss timeout before force-ending a session

	// Activity log
	ActivityCapacity int // ring buffer size for the per-session activity feed

	// Security
	RateLimitRPS int
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectDelay    = 3 * time.Second
	DefaultEndGracePeriod    = 5 * time.Second
	DefaultSessionTimeout    = 10 * time.Minute
	DefaultActivityCapacity  = 50
	DefaultRateLimit         = 100
)

// DefaultFlagWeights is the reference scoring policy. Deployments override it
// with FLAG_WEIGHTS ("type:weight,type:weight,...").
func DefaultFlagWeights() map[string]float64 {
	return map[string]float64{
		"looking_away":   0.10,
		"no_face":        0.15,
		"multi_face":     0.20,
		"gaze_violation": 0.10,
		"no_blink":       0.05,
		"multi_voice":    0.12,
		"no_audio":       0.08,
	}
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	weights, err := parseFlagWeights(os.Getenv("FLAG_WEIGHTS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		FlagWeights:       weights,
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", DefaultHeartbeatInterval),
		ReconnectDelay:    getEnvDuration("RECONNECT_DELAY", DefaultReconnectDelay),
		EndGracePeriod:    getEnvDuration("END_GRACE_PERIOD", DefaultEndGracePeriod),
		SessionTimeout:    getEnvDuration("SESSION_TIMEOUT", DefaultSessionTimeout),
		ActivityCapacity:  int(getEnvInt64("ACTIVITY_CAPACITY", DefaultActivityCapacity)),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseFlagWeights parses a "type:weight,type:weight" string. An empty input
// falls back to the reference defaults; a malformed input is a fatal error —
// a session cannot run with an undefined scoring policy.
func parseFlagWeights(s string) (map[string]float64, error) {
	if strings.TrimSpace(s) == "" {
		return DefaultFlagWeights(), nil
	}

	weights := make(map[string]float64)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("FLAG_WEIGHTS entry %q must be type:weight", pair)
		}
		flagType := strings.TrimSpace(parts[0])
		if flagType == "" {
			return nil, fmt.Errorf("FLAG_WEIGHTS entry %q has an empty flag type", pair)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("FLAG_WEIGHTS entry %q has a non-numeric weight", pair)
		}
		weights[flagType] = w
	}

	if len(weights) == 0 {
		return nil, fmt.Errorf("FLAG_WEIGHTS is set but contains no entries")
	}

	return weights, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.FlagWeights) == 0 {
		return fmt.Errorf("flag weight table is required")
	}
	for flagType, w := range c.FlagWeights {
		if w <= 0 || w > 1 {
			return fmt.Errorf("weight for %q must be in (0, 1], got %v", flagType, w)
		}
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be positive")
	}
	if c.EndGracePeriod <= 0 {
		return fmt.Errorf("END_GRACE_PERIOD must be positive")
	}
	if c.ActivityCapacity <= 0 {
		return fmt.Errorf("ACTIVITY_CAPACITY must be positive")
	}

	return nil
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
