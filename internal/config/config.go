// Package config holds the validated configuration for the mopkit
// orchestration engine. Configuration is loaded once at process start from
// .mopkit/config.yaml; a malformed config is a fatal startup error, never a
// runtime decision.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all mopkit configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Model execution layer
	LLM LLMConfig `yaml:"llm"`

	// Per-task budget defaults
	Budget BudgetConfig `yaml:"budget"`

	// Chunked processing and context thresholds
	Chunking ChunkingConfig `yaml:"chunking"`

	// Quality gate rubric
	Rubric RubricConfig `yaml:"rubric"`

	// Memory store promotion/decay parameters
	Memory MemoryConfig `yaml:"memory"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "mopkit",
		Version: "0.4.0",

		LLM:      DefaultLLMConfig(),
		Budget:   DefaultBudgetConfig(),
		Chunking: DefaultChunkingConfig(),
		Rubric:   DefaultRubricConfig(),
		Memory:   DefaultMemoryConfig(),

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load loads configuration from a YAML file, applies environment overrides
// and validates the result. Validation failure is returned as an error the
// caller must treat as fatal.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Defaults are valid; missing config is not an error.
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromWorkspace loads the config from <workspace>/.mopkit/config.yaml.
func LoadFromWorkspace(workspace string) (*Config, error) {
	return Load(filepath.Join(workspace, ".mopkit", "config.yaml"))
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Validate checks every section. The first violation is returned; all
// violations here are configuration faults that must halt startup.
func (c *Config) Validate() error {
	if err := c.Budget.Validate(); err != nil {
		return err
	}
	if err := c.Chunking.Validate(); err != nil {
		return err
	}
	if err := c.Rubric.Validate(); err != nil {
		return err
	}
	if err := c.Memory.Validate(); err != nil {
		return err
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("MOPKIT_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "anthropic"
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "openai"
	}
	if url := os.Getenv("MOPKIT_BASE_URL"); url != "" {
		c.LLM.BaseURL = url
	}
	if path := os.Getenv("MOPKIT_DB"); path != "" {
		c.Memory.DatabasePath = path
	}
}

// FindWorkspaceRoot walks upward from the working directory looking for a
// .mopkit marker directory, falling back to the starting directory.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	originalDir := dir
	for {
		if _, err := os.Stat(filepath.Join(dir, ".mopkit")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return originalDir, nil
}
