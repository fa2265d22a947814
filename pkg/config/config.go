// Package config loads and validates the service configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/netward/netward/pkg/telemetry"
)

// Config is the full service configuration.
type Config struct {
	// Inventory is the path to the device inventory file.
	Inventory string `yaml:"inventory" validate:"required"`

	// Store configures plan and audit persistence.
	Store StoreConfig `yaml:"store"`

	// Approval configures the approval gate.
	Approval ApprovalConfig `yaml:"approval"`

	// Orchestrator configures batching and health verification.
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// Adapter configures device transport limits.
	Adapter AdapterConfig `yaml:"adapter"`

	// PolicyDirs are directories of external .rego policies, watched for
	// changes at runtime.
	PolicyDirs []string `yaml:"policy_dirs"`

	// PlanDeviceCeiling bounds a plan's target device set.
	PlanDeviceCeiling int `yaml:"plan_device_ceiling" validate:"min=1,max=500"`

	// Telemetry configures logging, metrics, and tracing.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	// Path is the database file. ":memory:" runs fully in memory.
	Path string `yaml:"path" validate:"required"`
}

// ApprovalConfig configures token issuance.
type ApprovalConfig struct {
	// SecretFile holds the token signing secret. Read at startup, never
	// logged.
	SecretFile string `yaml:"secret_file"`

	// SecretEnv names an environment variable holding the secret,
	// consulted when SecretFile is empty.
	SecretEnv string `yaml:"secret_env"`

	// TokenTTL is the default token lifetime.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// SelfApproval permits approving plans without a token.
	SelfApproval bool `yaml:"self_approval"`
}

// OrchestratorConfig configures plan execution.
type OrchestratorConfig struct {
	BatchSize      int           `yaml:"batch_size" validate:"min=0,max=100"`
	Concurrency    int           `yaml:"concurrency" validate:"min=0,max=64"`
	HealthTimeout  time.Duration `yaml:"health_timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// AdapterConfig configures the device adapter.
type AdapterConfig struct {
	MaxInFlightPerDevice int           `yaml:"max_in_flight_per_device" validate:"min=0,max=16"`
	ReadRetries          int           `yaml:"read_retries" validate:"min=0,max=10"`
	RetryBaseDelay       time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay        time.Duration `yaml:"retry_max_delay"`
	BreakerThreshold     int           `yaml:"breaker_threshold" validate:"min=0,max=100"`
	BreakerCooldown      time.Duration `yaml:"breaker_cooldown"`
}

// Default returns the configuration defaults applied before load.
func Default() *Config {
	return &Config{
		Store:             StoreConfig{Path: "netward.db"},
		Approval:          ApprovalConfig{SecretEnv: "NETWARD_APPROVAL_SECRET", TokenTTL: 15 * time.Minute},
		Orchestrator:      OrchestratorConfig{BatchSize: 3, Concurrency: 4, HealthTimeout: 30 * time.Second, HealthInterval: 2 * time.Second},
		Adapter:           AdapterConfig{MaxInFlightPerDevice: 2, ReadRetries: 3, RetryBaseDelay: 500 * time.Millisecond, RetryMaxDelay: 10 * time.Second, BreakerThreshold: 5, BreakerCooldown: 30 * time.Second},
		PlanDeviceCeiling: 50,
		Telemetry:         *telemetry.DefaultConfig(),
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the telemetry section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// ApprovalSecret resolves the token signing secret from the configured file
// or environment variable. Returns nil when neither is set, which is only
// acceptable in self-approval mode.
func (c *Config) ApprovalSecret() ([]byte, error) {
	if c.Approval.SecretFile != "" {
		data, err := os.ReadFile(c.Approval.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("read approval secret: %w", err)
		}
		return data, nil
	}
	if c.Approval.SecretEnv != "" {
		if v := os.Getenv(c.Approval.SecretEnv); v != "" {
			return []byte(v), nil
		}
	}
	return nil, nil
}
