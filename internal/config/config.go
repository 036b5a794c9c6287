// Package config provides configuration management for ssh-fleet.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration structure
type Config struct {
	Hosts          string        `mapstructure:"hosts"`           // Comma-separated host specifications
	HostFile       string        `mapstructure:"hostfile"`        // Path to file containing host specifications
	Inventory      string        `mapstructure:"inventory"`       // Path to Ansible inventory file
	Filter         string        `mapstructure:"filter"`          // Host filter expression
	Concurrency    string        `mapstructure:"concurrency"`     // Concurrency bound ("auto" or number)
	ConnectTimeout time.Duration `mapstructure:"connect-timeout"` // Per-attempt connect timeout
	CmdTimeout     time.Duration `mapstructure:"cmd-timeout"`     // Per-attempt command timeout
	Transport      string        `mapstructure:"transport"`       // Transport (exec, native)
	SSHPath        string        `mapstructure:"ssh-path"`        // Transport binary for the exec transport
	Output         string        `mapstructure:"output"`          // Output format (text, json)
	Status         bool          `mapstructure:"status"`          // Emit heartbeat status snapshots
	StatusInterval time.Duration `mapstructure:"status-interval"` // Heartbeat interval
	ShowProgress   bool          `mapstructure:"progress"`        // Show progress bar
	ShowStats      bool          `mapstructure:"stats"`           // Show end-of-run statistics
	Template       string        `mapstructure:"template"`        // Command template name or inline template
	Quiet          bool          `mapstructure:"quiet"`           // Suppress non-error output
	DryRun         bool          `mapstructure:"dry-run"`         // Show dispatch plan without connecting
	LogLevel       string        `mapstructure:"log-level"`       // Log level (info, error)
	LogFormat      string        `mapstructure:"log-format"`      // Log format (json, text)
}

// Manager defines the interface for configuration management
type Manager interface {
	// Load reads configuration from all sources (files, env vars)
	Load() (*Config, error)

	// SetDefaults establishes default configuration values
	SetDefaults()

	// Validate ensures configuration values are valid and consistent
	Validate(config *Config) error
}

// ViperManager implements the Manager interface using Viper
type ViperManager struct {
	v *viper.Viper
}

// NewManager creates a new configuration manager
func NewManager() Manager {
	return &ViperManager{
		v: viper.New(),
	}
}

// SetDefaults establishes default configuration values
func (m *ViperManager) SetDefaults() {
	m.v.SetDefault("concurrency", "10")
	m.v.SetDefault("connect-timeout", 10*time.Second)
	m.v.SetDefault("cmd-timeout", 60*time.Second)
	m.v.SetDefault("transport", "exec")
	m.v.SetDefault("ssh-path", "ssh")
	m.v.SetDefault("output", "text")
	m.v.SetDefault("status", false)
	m.v.SetDefault("status-interval", time.Second)
	m.v.SetDefault("progress", false)
	m.v.SetDefault("stats", false)
	m.v.SetDefault("quiet", false)
	m.v.SetDefault("dry-run", false)
	m.v.SetDefault("log-level", "info")
	m.v.SetDefault("log-format", "text")
}

// Load reads configuration from all sources with proper precedence
func (m *ViperManager) Load() (*Config, error) {
	m.SetDefaults()

	m.v.SetConfigName("config")

	// Config paths in precedence order (current dir highest, system lowest)
	m.v.AddConfigPath(".")
	if homeDir, err := os.UserHomeDir(); err == nil {
		m.v.AddConfigPath(filepath.Join(homeDir, ".config", "ssh-fleet"))
	}
	m.v.AddConfigPath("/etc/ssh-fleet/")

	m.v.SetEnvPrefix("SSH_FLEET")
	m.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	m.v.AutomaticEnv()

	// Try to read config file with multiple formats
	formats := []string{"yaml", "yml", "json", "toml"}
	for _, format := range formats {
		m.v.SetConfigType(format)
		if err := m.v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading %s config file: %w", format, err)
			}
		} else {
			break
		}
	}

	var config Config
	if err := m.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := m.Validate(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Validate ensures configuration values are valid and consistent
func (m *ViperManager) Validate(config *Config) error {
	if config.Concurrency != "auto" {
		if concurrency, err := strconv.Atoi(config.Concurrency); err != nil {
			return fmt.Errorf("invalid concurrency value '%s': must be 'auto' or a positive integer", config.Concurrency)
		} else if concurrency <= 0 {
			return fmt.Errorf("concurrency must be positive, got %d", concurrency)
		}
	}

	if config.ConnectTimeout <= 0 {
		return fmt.Errorf("connect-timeout must be positive, got %v", config.ConnectTimeout)
	}
	if config.CmdTimeout <= 0 {
		return fmt.Errorf("cmd-timeout must be positive, got %v", config.CmdTimeout)
	}
	if config.StatusInterval <= 0 {
		return fmt.Errorf("status-interval must be positive, got %v", config.StatusInterval)
	}

	validTransports := map[string]bool{
		"exec":   true,
		"native": true,
	}
	if !validTransports[config.Transport] {
		return fmt.Errorf("invalid transport '%s': must be 'exec' or 'native'", config.Transport)
	}

	validOutputs := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validOutputs[config.Output] {
		return fmt.Errorf("invalid output format '%s': must be 'text' or 'json'", config.Output)
	}

	validLogLevels := map[string]bool{
		"info":  true,
		"error": true,
	}
	if !validLogLevels[config.LogLevel] {
		return fmt.Errorf("invalid log level '%s': must be one of 'info' or 'error'", config.LogLevel)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[config.LogFormat] {
		return fmt.Errorf("invalid log format '%s': must be one of 'json' or 'text'", config.LogFormat)
	}

	return nil
}

// ResolveConcurrency turns the configured concurrency value into the
// dispatch bound for a run over the given number of targets. "auto" maps
// to min(32, targets); explicit values are capped at the target count.
func ResolveConcurrency(concurrency string, targetCount int) (int, error) {
	if concurrency == "" || concurrency == "auto" {
		if targetCount < 1 {
			return 1, nil
		}
		if targetCount <= 32 {
			return targetCount, nil
		}
		return 32, nil
	}

	bound, err := strconv.Atoi(concurrency)
	if err != nil {
		return 0, fmt.Errorf("invalid concurrency value '%s': must be 'auto' or a positive integer", concurrency)
	}
	if bound <= 0 {
		return 0, fmt.Errorf("concurrency must be positive, got %d", bound)
	}
	if bound > 1000 {
		return 0, fmt.Errorf("concurrency too high: %d (maximum 1000)", bound)
	}

	if targetCount > 0 && bound > targetCount {
		return targetCount, nil
	}
	return bound, nil
}

// GetEnvVarNames returns a list of all supported environment variable names
func GetEnvVarNames() []string {
	return []string{
		"SSH_FLEET_HOSTS",
		"SSH_FLEET_HOSTFILE",
		"SSH_FLEET_INVENTORY",
		"SSH_FLEET_FILTER",
		"SSH_FLEET_CONCURRENCY",
		"SSH_FLEET_CONNECT_TIMEOUT",
		"SSH_FLEET_CMD_TIMEOUT",
		"SSH_FLEET_TRANSPORT",
		"SSH_FLEET_SSH_PATH",
		"SSH_FLEET_OUTPUT",
		"SSH_FLEET_STATUS",
		"SSH_FLEET_STATUS_INTERVAL",
		"SSH_FLEET_PROGRESS",
		"SSH_FLEET_STATS",
		"SSH_FLEET_TEMPLATE",
		"SSH_FLEET_QUIET",
		"SSH_FLEET_DRY_RUN",
		"SSH_FLEET_LOG_LEVEL",
		"SSH_FLEET_LOG_FORMAT",
	}
}
