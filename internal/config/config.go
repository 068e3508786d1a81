package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/therealutkarshpriyadarshi/authtrail/internal/reliability"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/store"
	"github.com/therealutkarshpriyadarshi/authtrail/internal/tailer"
)

// ErrNoInput is returned by Validate when no file to watch is configured
var ErrNoInput = errors.New("input path is required")

// Config represents the main configuration
type Config struct {
	Input           InputConfig   `yaml:"input"`
	Store           StoreConfig   `yaml:"store"`
	Retry           RetryConfig   `yaml:"retry"`
	Logging         LoggingConfig `yaml:"logging"`
	Metrics         MetricsConfig `yaml:"metrics"`
	Health          HealthConfig  `yaml:"health"`
	Gateway         GatewayConfig `yaml:"gateway"`
	Tracing         TracingConfig `yaml:"tracing"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// InputConfig defines the watched hostapd log
type InputConfig struct {
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	BufferSize   int           `yaml:"buffer_size,omitempty"`
}

// StoreConfig defines where events are persisted
type StoreConfig struct {
	DBPath      string        `yaml:"db_path"`
	AuditPath   string        `yaml:"audit_path"`
	BusyTimeout time.Duration `yaml:"busy_timeout,omitempty"`
}

// RetryConfig holds retry configuration for persisting events
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	Multiplier     float64       `yaml:"multiplier,omitempty"`
	Jitter         bool          `yaml:"jitter,omitempty"`
}

// Reliability converts to the retry policy used by the ingestion service
func (r RetryConfig) Reliability() reliability.RetryConfig {
	return reliability.RetryConfig{
		MaxRetries:     r.MaxRetries,
		InitialBackoff: r.InitialBackoff,
		MaxBackoff:     r.MaxBackoff,
		Multiplier:     r.Multiplier,
		Jitter:         r.Jitter,
	}
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Path      string `yaml:"path,omitempty"`
	Profiling bool   `yaml:"profiling,omitempty"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	LivenessPath  string        `yaml:"liveness_path,omitempty"`
	ReadinessPath string        `yaml:"readiness_path,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
}

// GatewayConfig holds the read-only query surface configuration
type GatewayConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	RateLimit int    `yaml:"rate_limit,omitempty"` // requests per second per client
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// Default values
const (
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultMetricsAddress  = ":9090"
	DefaultMetricsPath     = "/metrics"
	DefaultHealthAddress   = ":8081"
	DefaultHealthTimeout   = 5 * time.Second
	DefaultGatewayAddress  = ":5000"
	DefaultGatewayRate     = 20
	DefaultShutdownTimeout = 10 * time.Second
)

// Load loads configuration from a YAML file with environment variable
// expansion. The input path may be left empty for a flag to fill in, so
// Validate is not called here.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(expandedData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration
func (c *Config) applyDefaults() {
	if c.Input.PollInterval == 0 {
		c.Input.PollInterval = tailer.DefaultPollInterval
	}
	if c.Input.BufferSize == 0 {
		c.Input.BufferSize = tailer.DefaultBufferSize
	}

	if c.Store.DBPath == "" {
		c.Store.DBPath = store.DefaultDBPath
	}
	if c.Store.AuditPath == "" {
		c.Store.AuditPath = store.DefaultAuditPath
	}
	if c.Store.BusyTimeout == 0 {
		c.Store.BusyTimeout = store.DefaultBusyTimeout
	}

	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = reliability.DefaultMaxRetries
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = reliability.DefaultInitialBackoff
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = reliability.DefaultMaxBackoff
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = reliability.DefaultMultiplier
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = DefaultMetricsAddress
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Health.Address == "" {
		c.Health.Address = DefaultHealthAddress
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = DefaultHealthTimeout
	}

	if c.Gateway.Address == "" {
		c.Gateway.Address = DefaultGatewayAddress
	}
	if c.Gateway.RateLimit == 0 {
		c.Gateway.RateLimit = DefaultGatewayRate
	}

	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Validate validates the configuration for the watch command
func (c *Config) Validate() error {
	if c.Input.Path == "" {
		return ErrNoInput
	}
	if c.Input.PollInterval < 0 {
		return fmt.Errorf("invalid poll interval: %s", c.Input.PollInterval)
	}

	if err := c.ValidateStore(); err != nil {
		return err
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("invalid max retries: %d", c.Retry.MaxRetries)
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return fmt.Errorf("max backoff %s is below initial backoff %s", c.Retry.MaxBackoff, c.Retry.InitialBackoff)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("invalid retry multiplier: %v", c.Retry.Multiplier)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Gateway.RateLimit < 0 {
		return fmt.Errorf("invalid gateway rate limit: %d", c.Gateway.RateLimit)
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("invalid tracing sample rate: %v", c.Tracing.SampleRate)
	}

	return nil
}

// ValidateStore validates the store section alone, for commands that only
// read the database
func (c *Config) ValidateStore() error {
	if c.Store.DBPath == "" {
		return fmt.Errorf("store db_path is required")
	}
	if c.Store.AuditPath == "" {
		return fmt.Errorf("store audit_path is required")
	}
	if c.Store.BusyTimeout < 0 {
		return fmt.Errorf("invalid busy timeout: %s", c.Store.BusyTimeout)
	}
	return nil
}

// LoadOrDefault loads configuration from path, or returns the default
// configuration when path is empty
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
