package config

import (
	"fmt"
	"time"
)

// BudgetConfig holds default per-task budget ceilings. A skill's declared
// metadata overrides these per step; the defaults apply when a plan step
// omits its own ceilings.
type BudgetConfig struct {
	// MaxTokens is the default token ceiling per task.
	MaxTokens int `yaml:"max_tokens"`

	// MaxCostUSD is the default cost ceiling per task.
	MaxCostUSD float64 `yaml:"max_cost_usd"`

	// MaxRuntime is the default wall-clock ceiling per task (duration string).
	MaxRuntime string `yaml:"max_runtime"`
}

// DefaultBudgetConfig returns sensible per-task defaults.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		MaxTokens:  64000,
		MaxCostUSD: 2.50,
		MaxRuntime: "10m",
	}
}

// Validate rejects non-positive ceilings at load time.
func (b *BudgetConfig) Validate() error {
	if b.MaxTokens <= 0 {
		return fmt.Errorf("budget.max_tokens must be positive, got %d", b.MaxTokens)
	}
	if b.MaxCostUSD <= 0 {
		return fmt.Errorf("budget.max_cost_usd must be positive, got %.4f", b.MaxCostUSD)
	}
	if _, err := time.ParseDuration(b.MaxRuntime); err != nil {
		return fmt.Errorf("budget.max_runtime is not a valid duration: %w", err)
	}
	return nil
}

// GetMaxRuntime returns the runtime ceiling as a duration.
func (b *BudgetConfig) GetMaxRuntime() time.Duration {
	d, err := time.ParseDuration(b.MaxRuntime)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}
