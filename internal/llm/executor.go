// Package llm provides the narrow model-execution interface the orchestrator
// calls, with one production HTTP adapter and one deterministic stub for
// tests. Scheduling and budget logic never depend on a live model.
package llm

import "context"

// Tier selects which model class handles a call. The engine keeps aggregate
// cost bounded by routing chunk-level sub-tasks to the cheap tier only.
type Tier string

const (
	TierCheap   Tier = "cheap"
	TierCapable Tier = "capable"
)

// Valid reports whether the tier is a known model tier.
func (t Tier) Valid() bool {
	return t == TierCheap || t == TierCapable
}

// Result is one model response with token accounting.
type Result struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Executor runs one prompt on the selected model tier.
type Executor interface {
	Execute(ctx context.Context, prompt string, tier Tier) (Result, error)
}
