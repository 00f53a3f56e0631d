// Package config holds the explicit configuration record for qaNERD.
// Every recognized option is a struct field; there is no reflection-
// driven discovery. Config is loaded from .qanerd/config.yaml with
// QANERD_* environment overrides applied on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"qanerd/internal/logging"
)

// Config holds all qaNERD configuration.
type Config struct {
	// Core settings
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"` // environment tag stamped on runs

	// Persistence
	DatabasePath string `yaml:"database_path"`

	// Subsystems
	Execution ExecutionConfig `yaml:"execution"`
	Retry     RetryConfig     `yaml:"retry"`
	Artifact  ArtifactConfig  `yaml:"artifact"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Agent     AgentConfig     `yaml:"agent"`
	Browser   BrowserConfig   `yaml:"browser"`

	// Logging
	Logging logging.Settings `yaml:"logging"`
}

// Default returns the configuration defaults for a workspace.
func Default(workspace string) Config {
	return Config{
		Name:         "qanerd",
		Version:      "1.0.0",
		Environment:  "local",
		DatabasePath: filepath.Join(workspace, ".qanerd", "qanerd.db"),
		Execution:    DefaultExecution(),
		Retry:        DefaultRetry(),
		Artifact:     DefaultArtifact(workspace),
		Scheduler:    DefaultScheduler(),
		Agent:        DefaultAgent(),
		Browser:      DefaultBrowser(),
		Logging: logging.Settings{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Path returns the canonical config path for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, ".qanerd", "config.yaml")
}

// Load reads the config file for a workspace, falling back to defaults
// when the file does not exist, then applies environment overrides and
// validates the result.
func Load(workspace string) (Config, error) {
	cfg := Default(workspace)

	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the config back to disk.
func (c Config) Save(workspace string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	path := Path(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if err := c.Execution.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if err := c.Artifact.Validate(); err != nil {
		return err
	}
	if err := c.Scheduler.Validate(); err != nil {
		return err
	}
	return c.Agent.Validate()
}

// applyEnvOverrides applies QANERD_* environment variables on top of
// the file values. Only the operationally useful knobs are exposed.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QANERD_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("QANERD_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v, ok := envInt("QANERD_WORKERS"); ok {
		cfg.Execution.Workers = v
	}
	if v, ok := envInt("QANERD_QUEUE_CAPACITY"); ok {
		cfg.Execution.QueueCapacity = v
	}
	if v, ok := envInt("QANERD_RUN_TIMEOUT_MS"); ok {
		cfg.Execution.RunTimeoutMs = v
	}
	if v := os.Getenv("QANERD_ARTIFACT_ROOT"); v != "" {
		cfg.Artifact.Root = v
	}
	if v, ok := envBool("QANERD_HEADLESS"); ok {
		cfg.Browser.Headless = v
	}
	if v, ok := envBool("QANERD_DEBUG"); ok {
		cfg.Logging.DebugMode = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
