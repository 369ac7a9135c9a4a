package model

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Project ProjectConfig        `yaml:"project"`
	Logging LoggingConfig        `yaml:"logging"`
	Swarm   SwarmExecutionConfig `yaml:"swarm"`
	LLM     LlmConfig            `yaml:"llm"`
	Watcher WatcherConfig        `yaml:"watcher"`
	Daemon  DaemonConfig         `yaml:"daemon"`
	History HistoryConfig        `yaml:"history"`
	Notify  NotifyConfig         `yaml:"notify"`
}

type ProjectConfig struct {
	Name string `yaml:"name"`
	// Root is the artifact tree the pipeline operates on. Relative paths are
	// resolved against the directory holding .devswarm/.
	Root string `yaml:"root"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LlmConfig is handed to the agent executor without interpretation.
type LlmConfig struct {
	Provider   string `yaml:"provider" json:"provider"`
	Model      string `yaml:"model" json:"model"`
	BaseURL    string `yaml:"base_url" json:"base_url"`
	APIKey     string `yaml:"api_key" json:"-"`
	CLICommand string `yaml:"cli_command" json:"cli_command"`
}

type WatcherConfig struct {
	ScanIntervalSec int  `yaml:"scan_interval_sec"`
	AutoSwarm       bool `yaml:"auto_swarm"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
	MetricsAddr        string `yaml:"metrics_addr"`
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type NotifyConfig struct {
	Desktop bool `yaml:"desktop"`
}

// LoadConfig reads and parses a yaml config file, then applies defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Project.Root == "" {
		c.Project.Root = "."
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Swarm = c.Swarm.WithDefaults()
	if c.Watcher.ScanIntervalSec <= 0 {
		c.Watcher.ScanIntervalSec = 5
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.History.Path == "" {
		c.History.Path = "history.db"
	}
}

func (c Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Swarm.MaxConcurrency < 1 {
		return fmt.Errorf("swarm.max_concurrency must be >= 1, got %d", c.Swarm.MaxConcurrency)
	}
	if c.Swarm.RetryAttempts < 0 {
		return fmt.Errorf("swarm.retry_attempts must be >= 0, got %d", c.Swarm.RetryAttempts)
	}
	if c.Swarm.TimeoutMs < 1 {
		return fmt.Errorf("swarm.timeout_ms must be >= 1, got %d", c.Swarm.TimeoutMs)
	}
	return nil
}
