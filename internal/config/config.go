package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the errand service
type Config struct {
	// Server configuration
	HTTPPort int    `env:"ERRAND_HTTP_PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Storage configuration
	Storage StorageConfig

	// Event bus configuration
	Events EventsConfig

	// LLM configuration
	LLM LLMConfig

	// Planner configuration
	Planner PlannerConfig

	// Worker configuration
	Workers WorkerConfig

	// Timeouts
	Timeouts TimeoutConfig

	// Progress streaming
	StreamBuffer int `env:"STREAM_BUFFER" envDefault:"64"`

	// Revisions attempted when validation rejects a result
	RevisionBudget int `env:"REVISION_BUDGET" envDefault:"2"`
}

// StorageConfig selects and tunes the request store backend
type StorageConfig struct {
	// Backend is "sqlite" or "memory"
	Backend    string `env:"STORAGE_BACKEND" envDefault:"sqlite"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"errand.db"`
}

// EventsConfig selects the event bus backend
type EventsConfig struct {
	// Backend is "memory" or "redis"
	Backend string `env:"EVENTS_BACKEND" envDefault:"memory"`
	Redis   RedisConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	ConsumerGroup string `env:"REDIS_CONSUMER_GROUP" envDefault:"errand"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// LLMConfig holds LLM provider configuration
type LLMConfig struct {
	// Provider is "anthropic" or "mock"
	Provider string `env:"LLM_PROVIDER" envDefault:"anthropic"`
	APIKey   string `env:"LLM_API_KEY"`

	// Default model settings
	DefaultModel     string `env:"LLM_DEFAULT_MODEL" envDefault:"claude-3-5-sonnet-20241022"`
	DefaultMaxTokens int    `env:"LLM_DEFAULT_MAX_TOKENS" envDefault:"4096"`
}

// PlannerConfig selects how queries are decomposed into plans
type PlannerConfig struct {
	// Mode is "keyword" or "llm"
	Mode string `env:"PLANNER_MODE" envDefault:"keyword"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"5"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	RequestTimeout  time.Duration `env:"TIMEOUT_REQUEST" envDefault:"300s"`
	StepTimeout     time.Duration `env:"TIMEOUT_STEP" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}

	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported storage backend: %s (must be sqlite or memory)", c.Storage.Backend)
	}

	switch c.Events.Backend {
	case "redis":
		if c.Events.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported events backend: %s (must be memory or redis)", c.Events.Backend)
	}

	switch c.LLM.Provider {
	case "anthropic":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("LLM API key is required")
		}
	case "mock":
	default:
		return fmt.Errorf("unsupported LLM provider: %s (must be anthropic or mock)", c.LLM.Provider)
	}

	if c.Planner.Mode != "keyword" && c.Planner.Mode != "llm" {
		return fmt.Errorf("unsupported planner mode: %s (must be keyword or llm)", c.Planner.Mode)
	}

	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}
	if c.RevisionBudget < 0 {
		return fmt.Errorf("revision budget must not be negative")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
