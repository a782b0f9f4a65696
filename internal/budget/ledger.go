// Package budget implements the per-task budget ledger: immutable ceilings
// for tokens, cost and wall-clock, plus mutable consumed counters. Every
// token-consuming operation must reserve before it runs; a denied reservation
// leaves the ledger untouched. The ledger is pure bookkeeping and never
// touches the network.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"mopkit/internal/logging"
)

// ErrReservationDenied is returned by Reserve when the request would exceed a
// ceiling. The caller must shrink the request or fail the task; it must never
// proceed over budget.
var ErrReservationDenied = errors.New("budget reservation denied")

// ErrBudgetExceeded marks a task that could not proceed within its budget.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Limits are the immutable ceilings for one task.
type Limits struct {
	MaxTokens  int           `json:"max_tokens"`
	MaxCostUSD float64       `json:"max_cost_usd"`
	MaxRuntime time.Duration `json:"max_runtime"`
}

// Ledger tracks a single task's remaining allowance. A Ledger is owned by one
// task; the mutex only guards the task's own chunk workers, there is no
// cross-task sharing.
type Ledger struct {
	mu     sync.Mutex
	limits Limits
	start  time.Time

	consumedTokens int
	consumedCost   float64

	reservedTokens int
	reservedCost   float64
}

// NewLedger creates a ledger with the given ceilings, starting the runtime
// clock immediately.
func NewLedger(limits Limits) *Ledger {
	return &Ledger{
		limits: limits,
		start:  time.Now(),
	}
}

// Reserve requests an allowance of tokens and cost ahead of a consuming
// operation. On denial the counters are unchanged; there is no partial
// consumption.
func (l *Ledger) Reserve(tokens int, costUSD float64) error {
	if tokens < 0 || costUSD < 0 {
		return fmt.Errorf("negative reservation (tokens=%d cost=%.4f): %w", tokens, costUSD, ErrReservationDenied)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limits.MaxRuntime > 0 && time.Since(l.start) > l.limits.MaxRuntime {
		return fmt.Errorf("runtime ceiling %v elapsed: %w", l.limits.MaxRuntime, ErrReservationDenied)
	}

	projectedTokens := l.consumedTokens + l.reservedTokens + tokens
	if l.limits.MaxTokens > 0 && projectedTokens > l.limits.MaxTokens {
		logging.BudgetDebug("Reserve DENIED: %d tokens would project %d > ceiling %d",
			tokens, projectedTokens, l.limits.MaxTokens)
		return fmt.Errorf("projected %d tokens exceeds ceiling %d (consumed=%d reserved=%d): %w",
			projectedTokens, l.limits.MaxTokens, l.consumedTokens, l.reservedTokens, ErrReservationDenied)
	}

	projectedCost := l.consumedCost + l.reservedCost + costUSD
	if l.limits.MaxCostUSD > 0 && projectedCost > l.limits.MaxCostUSD {
		logging.BudgetDebug("Reserve DENIED: $%.4f would project $%.4f > ceiling $%.4f",
			costUSD, projectedCost, l.limits.MaxCostUSD)
		return fmt.Errorf("projected cost %.4f exceeds ceiling %.4f (consumed=%.4f reserved=%.4f): %w",
			projectedCost, l.limits.MaxCostUSD, l.consumedCost, l.reservedCost, ErrReservationDenied)
	}

	l.reservedTokens += tokens
	l.reservedCost += costUSD
	logging.BudgetDebug("Reserved %d tokens / $%.4f (reserved now %d / $%.4f)",
		tokens, costUSD, l.reservedTokens, l.reservedCost)
	return nil
}

// Commit records actual consumption against an earlier reservation. Actuals
// above the reservation are still recorded in full so the ledger never
// under-reports; the overshoot is logged for estimator calibration.
func (l *Ledger) Commit(tokens int, costUSD float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tokens > l.reservedTokens || costUSD > l.reservedCost {
		logging.Get(logging.CategoryBudget).Warn(
			"Commit above reservation: tokens %d>%d or cost %.4f>%.4f",
			tokens, l.reservedTokens, costUSD, l.reservedCost)
	}

	l.reservedTokens -= min(tokens, l.reservedTokens)
	l.reservedCost -= minFloat(costUSD, l.reservedCost)
	l.consumedTokens += tokens
	l.consumedCost += costUSD
}

// Release returns an unused reservation to the pool, e.g. after a denied or
// cancelled sub-operation.
func (l *Ledger) Release(tokens int, costUSD float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reservedTokens = max(0, l.reservedTokens-tokens)
	l.reservedCost = maxFloat(0, l.reservedCost-costUSD)
}

// RemainingTokens returns the token allowance not yet consumed or reserved.
func (l *Ledger) RemainingTokens() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limits.MaxTokens <= 0 {
		return 0
	}
	return max(0, l.limits.MaxTokens-l.consumedTokens-l.reservedTokens)
}

// RemainingCost returns the cost allowance not yet consumed or reserved.
func (l *Ledger) RemainingCost() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limits.MaxCostUSD <= 0 {
		return 0
	}
	return maxFloat(0, l.limits.MaxCostUSD-l.consumedCost-l.reservedCost)
}

// RemainingRuntime returns the wall-clock allowance left, zero when elapsed.
func (l *Ledger) RemainingRuntime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limits.MaxRuntime <= 0 {
		return 0
	}
	remaining := l.limits.MaxRuntime - time.Since(l.start)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Exhausted reports whether any ceiling has been reached.
func (l *Ledger) Exhausted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limits.MaxTokens > 0 && l.consumedTokens >= l.limits.MaxTokens {
		return true
	}
	if l.limits.MaxCostUSD > 0 && l.consumedCost >= l.limits.MaxCostUSD {
		return true
	}
	if l.limits.MaxRuntime > 0 && time.Since(l.start) >= l.limits.MaxRuntime {
		return true
	}
	return false
}

// Limits returns the immutable ceilings.
func (l *Ledger) Limits() Limits {
	return l.limits
}

// Snapshot captures consumption for telemetry.
type Snapshot struct {
	ConsumedTokens int           `json:"consumed_tokens"`
	ConsumedCost   float64       `json:"consumed_cost_usd"`
	Elapsed        time.Duration `json:"elapsed"`
	Limits         Limits        `json:"limits"`
}

// Snapshot returns a point-in-time copy of consumption.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		ConsumedTokens: l.consumedTokens,
		ConsumedCost:   l.consumedCost,
		Elapsed:        time.Since(l.start),
		Limits:         l.limits,
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
