// ABOUTME: Configuration loading and parsing for parley
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parley configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Limits   LimitsConfig   `yaml:"limits"`
	Agents   AgentsConfig   `yaml:"agents"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds event store configuration. Driver is "sqlite" or
// "memory"; the memory driver is for tests and local experimentation only.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	AuthTimeout   time.Duration `yaml:"-"`
	ShareTokenTTL time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	AuthTimeoutRaw   string `yaml:"auth_timeout"`
	ShareTokenTTLRaw string `yaml:"share_token_ttl"`
}

// LimitsConfig bounds per-sender rates, queue depths and payload sizes
type LimitsConfig struct {
	RateCapacity     int     `yaml:"rate_capacity"`
	RateRefillPerSec float64 `yaml:"rate_refill_per_sec"`
	QueueBound       int     `yaml:"queue_bound"`
	MaxPayloadBytes  int     `yaml:"max_payload_bytes"`
	SessionBuffer    int     `yaml:"session_buffer"`

	IdleTimeout time.Duration `yaml:"-"`

	IdleTimeoutRaw string `yaml:"idle_timeout"`
}

// AgentsConfig holds agent participant configuration
type AgentsConfig struct {
	EchoEnabled bool `yaml:"echo_enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "localhost:8585"},
		Database: DatabaseConfig{Driver: "sqlite", Path: "parley.db"},
		Auth: AuthConfig{
			AuthTimeout:   10 * time.Second,
			ShareTokenTTL: 24 * time.Hour,
		},
		Limits: LimitsConfig{
			RateCapacity:     10,
			RateRefillPerSec: 1,
			QueueBound:       128,
			MaxPayloadBytes:  64 * 1024,
			SessionBuffer:    64,
			IdleTimeout:      5 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", "sqlite", "memory", c.Database.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Limits.RateCapacity <= 0 {
		return fmt.Errorf("limits.rate_capacity must be positive")
	}
	if c.Limits.RateRefillPerSec <= 0 {
		return fmt.Errorf("limits.rate_refill_per_sec must be positive")
	}
	if c.Limits.QueueBound <= 0 {
		return fmt.Errorf("limits.queue_bound must be positive")
	}
	if c.Limits.MaxPayloadBytes <= 0 {
		return fmt.Errorf("limits.max_payload_bytes must be positive")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.AuthTimeoutRaw != "" {
		cfg.Auth.AuthTimeout, err = time.ParseDuration(cfg.Auth.AuthTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing auth_timeout %q: %w", cfg.Auth.AuthTimeoutRaw, err)
		}
	}

	if cfg.Auth.ShareTokenTTLRaw != "" {
		cfg.Auth.ShareTokenTTL, err = time.ParseDuration(cfg.Auth.ShareTokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing share_token_ttl %q: %w", cfg.Auth.ShareTokenTTLRaw, err)
		}
	}

	if cfg.Limits.IdleTimeoutRaw != "" {
		cfg.Limits.IdleTimeout, err = time.ParseDuration(cfg.Limits.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Limits.IdleTimeoutRaw, err)
		}
	}

	return nil
}
