// Package config loads the rail's process configuration from the
// environment and its governance policy from a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string // empty selects lite mode (SQLite under DataDir)
	DataDir     string
	RedisURL    string
	PolicyFile  string

	ApprovalTTL   time.Duration
	LookupTimeout time.Duration
	SweepInterval time.Duration

	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int

	// InsecureApprovals lets /resolve trust approver_id from the body when
	// JWTSecret is unset. Only for local development.
	InsecureApprovals bool

	ApprovalWebhookURL string
	OTLPEndpoint       string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getenv("PORT", "8080"),
		LogLevel:           getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		DataDir:            getenv("RAIL_DATA_DIR", "data"),
		RedisURL:           os.Getenv("REDIS_URL"),
		PolicyFile:         os.Getenv("RAIL_POLICY_FILE"),
		JWTSecret:          os.Getenv("RAIL_JWT_SECRET"),
		ApprovalWebhookURL: os.Getenv("RAIL_APPROVAL_WEBHOOK_URL"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.ApprovalTTL, err = durationEnv("RAIL_APPROVAL_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.LookupTimeout, err = durationEnv("RAIL_LOOKUP_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = durationEnv("RAIL_SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}

	if v := os.Getenv("RAIL_INSECURE_APPROVALS"); v != "" {
		if cfg.InsecureApprovals, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("config: RAIL_INSECURE_APPROVALS must be a boolean, got %q", v)
		}
	}

	cfg.RateLimitRPS = 50
	if v := os.Getenv("RAIL_RATE_LIMIT_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil || rps <= 0 {
			return nil, fmt.Errorf("config: RAIL_RATE_LIMIT_RPS must be a positive number, got %q", v)
		}
		cfg.RateLimitRPS = rps
	}
	cfg.RateLimitBurst = int(cfg.RateLimitRPS * 2)
	if cfg.RateLimitBurst < 1 {
		cfg.RateLimitBurst = 1
	}

	return cfg, nil
}

// LiteMode reports whether the rail runs on embedded SQLite.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive duration, got %q", key, v)
	}
	return d, nil
}
