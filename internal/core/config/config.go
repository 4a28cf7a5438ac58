// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Constants for default paths.
const (
	DefaultConfigDir      = ".runbook"
	DefaultConfigFileName = "config.yaml"
	DefaultStoreFileName  = "executions.db"
)

// Config holds the engine configuration. Values unset in the file keep
// their defaults.
type Config struct {
	// StorePath is the SQLite execution history database. Empty disables
	// persistence; the engine then keeps history in memory only.
	StorePath string `yaml:"store_path"`

	// MaxParallelSteps bounds concurrent steps within one execution.
	MaxParallelSteps int `yaml:"max_parallel_steps"`

	// DefaultStepTimeoutSeconds applies to steps that declare no timeout.
	DefaultStepTimeoutSeconds int `yaml:"default_step_timeout_seconds"`

	// DefaultApprovalTimeoutMinutes applies to approval gates whose trigger
	// declares no timeout.
	DefaultApprovalTimeoutMinutes float64 `yaml:"default_approval_timeout_minutes"`

	LogLevel string `yaml:"log_level"`
}

// NewDefaultConfig returns the built-in defaults.
func NewDefaultConfig() *Config {
	return &Config{
		StorePath:                     filepath.Join(ExpandPathWithTilde("~/"+DefaultConfigDir), DefaultStoreFileName),
		MaxParallelSteps:              10,
		DefaultStepTimeoutSeconds:     300,
		DefaultApprovalTimeoutMinutes: 60,
		LogLevel:                      "info",
	}
}

// Load reads configuration from path, merged over the defaults. A missing
// file is not an error; the defaults are returned. An empty path uses the
// global config location.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	if path == "" {
		var err error
		path, err = GlobalConfigFilePath()
		if err != nil {
			return cfg, nil
		}
	} else {
		path = ExpandPathWithTilde(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("error reading config file %q: %w", path, err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("error parsing config file %q: %w", path, err)
	}
	merge(cfg, &file)
	return cfg, nil
}

// merge copies non-zero values from source over target.
func merge(target, source *Config) {
	if source.StorePath != "" {
		target.StorePath = ExpandPathWithTilde(source.StorePath)
	}
	if source.MaxParallelSteps > 0 {
		target.MaxParallelSteps = source.MaxParallelSteps
	}
	if source.DefaultStepTimeoutSeconds > 0 {
		target.DefaultStepTimeoutSeconds = source.DefaultStepTimeoutSeconds
	}
	if source.DefaultApprovalTimeoutMinutes > 0 {
		target.DefaultApprovalTimeoutMinutes = source.DefaultApprovalTimeoutMinutes
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
}

// Save writes the configuration to the global config location, creating
// the directory if needed.
func Save(cfg *Config) error {
	path, err := GlobalConfigFilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing config file %q: %w", path, err)
	}
	return nil
}

// GlobalConfigFilePath returns the absolute path of the global config file.
// It respects the RUNBOOK_HOME environment variable for testing purposes.
func GlobalConfigFilePath() (string, error) {
	home := getHomeDir()
	if home == "" {
		return "", fmt.Errorf("could not determine user home directory")
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFileName), nil
}

// ExpandPathWithTilde expands ~ to the user home directory.
func ExpandPathWithTilde(path string) string {
	if path == "~" {
		if home := getHomeDir(); home != "" {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home := getHomeDir(); home != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func getHomeDir() string {
	if h := os.Getenv("RUNBOOK_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}
