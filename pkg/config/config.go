// Package config loads server configuration and backend profiles. The
// configuration comes from an optional YAML file with environment
// variable overrides; backend profiles are JSON documents resolved into
// adapter contexts at execution time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openconduct/openconduct/pkg/telemetry"
)

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig            `yaml:"server"`
	Store   StoreConfig             `yaml:"store"`
	Policy  PolicyConfig            `yaml:"policy"`
	Runner  RunnerConfig            `yaml:"runner"`
	Logging telemetry.LoggingConfig `yaml:"logging"`
	Tracing telemetry.TracingConfig `yaml:"tracing"`

	// BackendsPath points at the backend profile document.
	BackendsPath string `yaml:"backends_path"`

	// SecretsPath points at the backend secrets document.
	SecretsPath string `yaml:"secrets_path"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Port is the listen port.
	Port int `yaml:"port" validate:"required,min=1,max=65535"`

	// APIKey guards the API when set; empty disables authentication.
	APIKey string `yaml:"api_key"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects and configures the request store.
type StoreConfig struct {
	// Driver is "memory" or "durable". The durable driver is SQLite.
	Driver string `yaml:"driver" validate:"required,oneof=memory durable"`

	// Path is the SQLite database path; required for the durable driver.
	Path string `yaml:"path" validate:"required_if=Driver durable"`
}

// PolicyConfig configures the gate.
type PolicyConfig struct {
	// Mode is "enforce", "warn", or "disabled".
	Mode string `yaml:"mode" validate:"required,oneof=enforce warn disabled"`

	// Paths lists extra rule files or directories loaded on top of the
	// built-in rules.
	Paths []string `yaml:"paths"`

	// Watch reloads rules when a path changes.
	Watch bool `yaml:"watch"`
}

// RunnerConfig tunes the background runner.
type RunnerConfig struct {
	TickInterval  time.Duration `yaml:"tick_interval"`
	DrainBatch    int           `yaml:"drain_batch"`
	ConvergeBatch int           `yaml:"converge_batch"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8420,
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Policy: PolicyConfig{
			Mode:  "enforce",
			Paths: []string{"config/policy.json"},
		},
		BackendsPath: "config/backends.json",
		SecretsPath:  "config/secrets.json",
		Logging: telemetry.LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Tracing: telemetry.TracingConfig{
			Exporter: "none",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration's structural constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyEnv layers environment overrides onto the configuration.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("STORE"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("POLICY_MODE"); v != "" {
		cfg.Policy.Mode = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("BACKENDS_PATH"); v != "" {
		cfg.BackendsPath = v
	}
	if v := os.Getenv("SECRETS_PATH"); v != "" {
		cfg.SecretsPath = v
	}
}
