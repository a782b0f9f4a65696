package config

import (
	"fmt"
	"time"
)

// LLMConfig configures the model execution layer. The engine distinguishes
// exactly two model tiers: a cheap tier for chunk-level sub-tasks and a
// capable tier for aggregation/synthesis.
type LLMConfig struct {
	Provider string `yaml:"provider"` // anthropic, openai
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`

	// CheapModel handles chunk_processing/filtering/extraction/verification.
	CheapModel string `yaml:"cheap_model"`

	// CapableModel handles aggregation and synthesis only.
	CapableModel string `yaml:"capable_model"`

	Timeout string `yaml:"timeout"`

	// MaxConcurrent caps in-flight API requests.
	MaxConcurrent int `yaml:"max_concurrent"`

	// Per-1K-token pricing used for conservative cost estimation.
	CheapCostPer1K   float64 `yaml:"cheap_cost_per_1k"`
	CapableCostPer1K float64 `yaml:"capable_cost_per_1k"`
}

// DefaultLLMConfig returns sensible defaults.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:         "anthropic",
		BaseURL:          "https://api.anthropic.com/v1",
		CheapModel:       "claude-haiku",
		CapableModel:     "claude-sonnet",
		Timeout:          "120s",
		MaxConcurrent:    5,
		CheapCostPer1K:   0.001,
		CapableCostPer1K: 0.015,
	}
}

// Validate rejects malformed model configuration at load time.
func (l *LLMConfig) Validate() error {
	if l.CheapModel == "" || l.CapableModel == "" {
		return fmt.Errorf("llm.cheap_model and llm.capable_model must both be set")
	}
	if l.MaxConcurrent <= 0 {
		return fmt.Errorf("llm.max_concurrent must be positive, got %d", l.MaxConcurrent)
	}
	if l.CheapCostPer1K < 0 || l.CapableCostPer1K < 0 {
		return fmt.Errorf("llm per-token costs must not be negative")
	}
	if _, err := time.ParseDuration(l.Timeout); err != nil {
		return fmt.Errorf("llm.timeout is not a valid duration: %w", err)
	}
	return nil
}

// GetTimeout returns the request timeout as a duration.
func (l *LLMConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(l.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}
