package llm

import (
	"context"
	"fmt"
	"sync"

	"mopkit/internal/budget"
)

// StubCall records one Execute invocation on the stub.
type StubCall struct {
	Prompt string
	Tier   Tier
}

// StubExecutor is a deterministic Executor for tests. With no ResponseFn it
// echoes a fixed acknowledgement; token counts come from the estimator so
// budget math stays realistic.
type StubExecutor struct {
	mu    sync.Mutex
	calls []StubCall

	// ResponseFn, when set, computes the response text per call.
	ResponseFn func(prompt string, tier Tier) (string, error)

	// FailFirst makes the first N calls per unique prompt fail, for retry
	// tests.
	FailFirst int
	failures  map[string]int
}

// NewStubExecutor creates an empty stub.
func NewStubExecutor() *StubExecutor {
	return &StubExecutor{failures: make(map[string]int)}
}

// Execute returns a deterministic result and records the call.
func (s *StubExecutor) Execute(_ context.Context, prompt string, tier Tier) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, StubCall{Prompt: prompt, Tier: tier})

	if s.FailFirst > 0 {
		if s.failures == nil {
			s.failures = make(map[string]int)
		}
		if s.failures[prompt] < s.FailFirst {
			s.failures[prompt]++
			return Result{}, fmt.Errorf("stub failure %d for prompt", s.failures[prompt])
		}
	}

	text := fmt.Sprintf("stub(%s): ok", tier)
	if s.ResponseFn != nil {
		var err error
		text, err = s.ResponseFn(prompt, tier)
		if err != nil {
			return Result{}, err
		}
	}

	return Result{
		Text:         text,
		Model:        "stub-" + string(tier),
		InputTokens:  budget.EstimateTokens(prompt),
		OutputTokens: budget.EstimateTokens(text),
	}, nil
}

// Calls returns a copy of the recorded calls.
func (s *StubExecutor) Calls() []StubCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StubCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// TierCounts returns how many calls hit each tier.
func (s *StubExecutor) TierCounts() map[Tier]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[Tier]int)
	for _, c := range s.calls {
		counts[c.Tier]++
	}
	return counts
}
