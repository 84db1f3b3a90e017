package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	Agent     AgentConfig     `yaml:"agent"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type SchedulerConfig struct {
	MaxParallel    int `yaml:"max_parallel"`
	MaxRetries     int `yaml:"max_retries"`
	ItemTimeoutSec int `yaml:"item_timeout_sec"`
}

type BackoffConfig struct {
	BaseSec int `yaml:"base_sec"`
	MaxSec  int `yaml:"max_sec"`
}

// AgentConfig describes how the unit-of-work collaborator is invoked.
// Command is a shell command template; every occurrence of {{item}} is
// replaced with the work item identifier before execution.
type AgentConfig struct {
	Command     string `yaml:"command"`
	ArtifactDir string `yaml:"artifact_dir,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the built-in defaults used when no config file
// is present.
func DefaultConfig() Config {
	return ApplyDefaults(Config{})
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg Config) Config {
	if cfg.Scheduler.MaxParallel == 0 {
		cfg.Scheduler.MaxParallel = 3
	}
	if cfg.Scheduler.MaxRetries <= 0 {
		cfg.Scheduler.MaxRetries = 2
	}
	if cfg.Scheduler.ItemTimeoutSec < 0 {
		cfg.Scheduler.ItemTimeoutSec = 0
	}
	if cfg.Backoff.BaseSec <= 0 {
		cfg.Backoff.BaseSec = 5
	}
	if cfg.Backoff.MaxSec <= 0 {
		cfg.Backoff.MaxSec = 300
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return cfg
}

// LoadConfig reads a config file, applying defaults. A missing file is
// not an error: defaults are returned.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return ApplyDefaults(cfg), nil
}
