package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Injector names accepted by INJECTOR
const (
	InjectorClipboard = "clipboard"
	InjectorLog       = "log"
	InjectorNone      = "none"
)

// Config holds all configuration for the dictation gateway
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"9876"`
	Host string `envconfig:"HOST" default:""` // Empty binds all interfaces

	// Connection liveness
	HeartbeatTimeout int `envconfig:"HEARTBEAT_TIMEOUT" default:"15"` // Seconds without a heartbeat before eviction
	SweepInterval    int `envconfig:"SWEEP_INTERVAL" default:"5"`     // Seconds between liveness sweeps

	// WebSocket transport
	WriteTimeout   int   `envconfig:"WRITE_TIMEOUT" default:"10"`       // Seconds allowed for one reply write
	MaxMessageSize int64 `envconfig:"MAX_MESSAGE_SIZE" default:"65536"` // Largest accepted frame in bytes

	// Text injection
	Injector                   string `envconfig:"INJECTOR" default:"clipboard"`               // clipboard, log, none
	InjectRetryAttempts        int    `envconfig:"INJECT_RETRY_ATTEMPTS" default:"3"`          // Attempts per injection
	InjectRetryBackoff         int    `envconfig:"INJECT_RETRY_BACKOFF" default:"50"`          // Initial backoff in milliseconds
	CircuitBreakerMaxFailures  int    `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int    `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Text rules
	RulesFile          string `envconfig:"RULES_FILE" default:""`                 // YAML rules file; empty disables rule sync
	RulesApplyOnInject bool   `envconfig:"RULES_APPLY_ON_INJECT" default:"false"` // Rewrite final text before injecting

	// gRPC health service port; empty disables it
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:""`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file (or ENV_FILE) if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load(GetEnv("ENV_FILE", ".env"))

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("HEARTBEAT_TIMEOUT must be positive, got %d", c.HeartbeatTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %d", c.SweepInterval)
	}
	if c.SweepInterval > c.HeartbeatTimeout {
		return fmt.Errorf("SWEEP_INTERVAL (%d) must not exceed HEARTBEAT_TIMEOUT (%d)", c.SweepInterval, c.HeartbeatTimeout)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("WRITE_TIMEOUT must be positive, got %d", c.WriteTimeout)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("MAX_MESSAGE_SIZE must be positive, got %d", c.MaxMessageSize)
	}
	switch c.Injector {
	case InjectorClipboard, InjectorLog, InjectorNone:
	default:
		return fmt.Errorf("INJECTOR must be one of clipboard, log, none; got %q", c.Injector)
	}
	if c.InjectRetryAttempts < 1 {
		return fmt.Errorf("INJECT_RETRY_ATTEMPTS must be at least 1, got %d", c.InjectRetryAttempts)
	}
	return nil
}

// Addr is the listen address for the HTTP server
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// HeartbeatTimeoutDuration returns HeartbeatTimeout as a time.Duration
func (c *Config) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(c.HeartbeatTimeout) * time.Second
}

// SweepIntervalDuration returns SweepInterval as a time.Duration
func (c *Config) SweepIntervalDuration() time.Duration {
	return time.Duration(c.SweepInterval) * time.Second
}

// WriteTimeoutDuration returns WriteTimeout as a time.Duration
func (c *Config) WriteTimeoutDuration() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Second
}

// InjectRetryBackoffDuration returns InjectRetryBackoff as a time.Duration
func (c *Config) InjectRetryBackoffDuration() time.Duration {
	return time.Duration(c.InjectRetryBackoff) * time.Millisecond
}

// CircuitBreakerResetDuration returns CircuitBreakerResetTimeout as a time.Duration
func (c *Config) CircuitBreakerResetDuration() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
