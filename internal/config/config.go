// Package config provides configuration management for the shell executor.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete executor configuration: the operator
// tunables spec.md names as constants (DEFAULT_MAX_BYTES, ABORT_GRACE,
// MARKER_TAIL, the output byte-budget multiplier) plus per-shell-family
// launch defaults and logging.
type Config struct {
	Output  OutputConfig  `yaml:"output"`
	Abort   AbortConfig   `yaml:"abort"`
	Shell   ShellConfig   `yaml:"shell"`
	Logging LoggingConfig `yaml:"logging"`
}

// OutputConfig holds Output Sink tunables.
type OutputConfig struct {
	// MaxBytes is DEFAULT_MAX_BYTES, the standard per-tool cap. The Sink's
	// rolling budget is MaxBytes*BudgetMultiplier (2*MaxBytes by default,
	// per spec.md 4.1).
	MaxBytes int `yaml:"max_bytes"`

	// BudgetMultiplier scales MaxBytes into the Sink's rolling byte budget.
	BudgetMultiplier int `yaml:"budget_multiplier"`

	// MarkerTail is the safety-tail lookback in bytes (MARKER_TAIL, 128 in
	// spec.md; must stay comfortably larger than the marker sentinel plus
	// its exit-code digits or the tail rule in 4.4 stops holding).
	MarkerTail int `yaml:"marker_tail"`
}

// AbortConfig holds cancellation/timeout escalation tunables.
type AbortConfig struct {
	// Grace is ABORT_GRACE: how long the session waits for a SIGINT'd
	// command to clean up and emit its marker before the shell is killed.
	Grace string `yaml:"grace"`

	// DefaultTimeout is applied when execute() options carry none.
	DefaultTimeout string `yaml:"default_timeout"`
}

// ShellConfig holds shell-family launch defaults.
type ShellConfig struct {
	// DefaultInterpreter is used when the caller doesn't resolve one from
	// the environment (e.g. $SHELL).
	DefaultInterpreter string `yaml:"default_interpreter"`

	// NoLogin suppresses the "-l" login flag, mirroring OMP_BASH_NO_LOGIN.
	NoLogin bool `yaml:"no_login"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration with the literal defaults spec.md
// names: 2x DEFAULT_MAX_BYTES, a 1500ms abort grace window, and a 128-byte
// marker lookback tail.
func DefaultConfig() *Config {
	return &Config{
		Output: OutputConfig{
			MaxBytes:         30_000,
			BudgetMultiplier: 2,
			MarkerTail:       128,
		},
		Abort: AbortConfig{
			Grace:          "1500ms",
			DefaultTimeout: "2m",
		},
		Shell: ShellConfig{
			DefaultInterpreter: "/bin/bash",
			NoLogin:            false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads configuration from a file, or returns default if the
// file doesn't exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// BudgetBytes returns the Output Sink's rolling byte budget (B in spec.md).
func (c *OutputConfig) BudgetBytes() int {
	mult := c.BudgetMultiplier
	if mult <= 0 {
		mult = 2
	}
	return c.MaxBytes * mult
}

// GetGrace returns the abort grace period as a time.Duration.
func (c *AbortConfig) GetGrace() time.Duration {
	d, err := time.ParseDuration(c.Grace)
	if err != nil {
		return 1500 * time.Millisecond
	}
	return d
}

// GetDefaultTimeout returns the default command timeout as a time.Duration.
// A zero duration means "no timeout".
func (c *AbortConfig) GetDefaultTimeout() time.Duration {
	if c.DefaultTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.DefaultTimeout)
	if err != nil {
		return 2 * time.Minute
	}
	return d
}
