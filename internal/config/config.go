package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Angle Studio tracker server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Engine   EngineConfig
	Tracker  TrackerConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	CORSAllowedOrigins []string
	RateLimitPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL       string
	IntentTTL time.Duration
}

type EngineConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// TrackerConfig tunes the generation lifecycle. Defaults follow the reference
// behavior: 3s polling, 10m floor, 2.5m per angle, two retries per angle.
type TrackerConfig struct {
	PollInterval   time.Duration
	TimeoutFloor   time.Duration
	PerUnitBudget  time.Duration
	RetryCap       int
	LateSweepDelay time.Duration
	MaxUnits       int
	MaxParamsBytes int
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("ANGLESTUDIO_PORT", 8080),
			Env:                envString("ANGLESTUDIO_ENV", "development"),
			CORSAllowedOrigins: envList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 120),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:       os.Getenv("REDIS_URL"),
			IntentTTL: envDuration("INTENT_TTL", time.Hour),
		},
		Engine: EngineConfig{
			BaseURL: os.Getenv("ENGINE_BASE_URL"),
			APIKey:  os.Getenv("ENGINE_API_KEY"),
			Timeout: envDuration("ENGINE_TIMEOUT", 30*time.Second),
		},
		Tracker: TrackerConfig{
			PollInterval:   envDuration("POLL_INTERVAL", 3*time.Second),
			TimeoutFloor:   envDuration("TIMEOUT_FLOOR", 10*time.Minute),
			PerUnitBudget:  envDuration("PER_UNIT_BUDGET", 150*time.Second),
			RetryCap:       envInt("RETRY_CAP", 2),
			LateSweepDelay: envDuration("LATE_SWEEP_DELAY", 5*time.Second),
			MaxUnits:       envInt("MAX_UNITS", 11),
			MaxParamsBytes: envInt("MAX_PARAMS_BYTES", 16*1024),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Engine.BaseURL == "" {
		return fmt.Errorf("ENGINE_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Engine.BaseURL, "http://") && !strings.HasPrefix(c.Engine.BaseURL, "https://") {
		return fmt.Errorf("ENGINE_BASE_URL must start with http:// or https://, got %q", c.Engine.BaseURL)
	}

	if c.Tracker.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.Tracker.PollInterval)
	}
	if c.Tracker.TimeoutFloor <= 0 || c.Tracker.PerUnitBudget <= 0 {
		return fmt.Errorf("TIMEOUT_FLOOR and PER_UNIT_BUDGET must be positive")
	}
	if c.Tracker.RetryCap < 0 {
		return fmt.Errorf("RETRY_CAP must not be negative, got %d", c.Tracker.RetryCap)
	}
	if c.Tracker.MaxUnits < 1 {
		return fmt.Errorf("MAX_UNITS must be at least 1, got %d", c.Tracker.MaxUnits)
	}

	// The intent slot must outlive the longest possible job, otherwise Redis
	// would drop a still-running job's intent before its deadline.
	maxDeadline := c.Tracker.PerUnitBudget * time.Duration(c.Tracker.MaxUnits)
	if maxDeadline < c.Tracker.TimeoutFloor {
		maxDeadline = c.Tracker.TimeoutFloor
	}
	if c.Redis.IntentTTL <= maxDeadline {
		return fmt.Errorf("INTENT_TTL must exceed the longest job deadline (%s), got %s", maxDeadline, c.Redis.IntentTTL)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
