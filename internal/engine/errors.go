package engine

import (
	"context"
	"database/sql"
	"errors"

	"mopkit/internal/assembler"
	"mopkit/internal/budget"
	"mopkit/internal/chunk"
	"mopkit/internal/config"
	"mopkit/internal/workflow"
)

// Category buckets a failure by what the caller can do about it. Budget and
// overflow failures need a smaller request, workflow failures need a
// different run state, model failures may be retried, configuration failures
// stop the process.
type Category string

const (
	CategoryBudget        Category = "budget_exhausted"
	CategoryContext       Category = "context_overflow"
	CategoryWorkflow      Category = "workflow_violation"
	CategoryRouting       Category = "routing_violation"
	CategoryConfiguration Category = "configuration"
	CategoryCancelled     Category = "cancelled"
	CategoryStorage       Category = "storage"
	CategoryModel         Category = "model_failure"
	CategoryUnknown       Category = "unknown"
)

// Classify maps an error to its taxonomy category.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryUnknown
	case errors.Is(err, budget.ErrReservationDenied), errors.Is(err, budget.ErrBudgetExceeded):
		return CategoryBudget
	case errors.Is(err, assembler.ErrContextOverflow):
		return CategoryContext
	case errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, workflow.ErrNotApproved),
		errors.Is(err, workflow.ErrParked):
		return CategoryWorkflow
	case errors.Is(err, chunk.ErrTierViolation), errors.Is(err, chunk.ErrBadChunkSize):
		return CategoryRouting
	case errors.Is(err, config.ErrRubricMisconfigured):
		return CategoryConfiguration
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CategoryCancelled
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, sql.ErrConnDone), errors.Is(err, sql.ErrTxDone):
		return CategoryStorage
	default:
		return CategoryModel
	}
}

// Retryable reports whether a failure in the category may succeed on a plain
// retry. Budget, workflow and configuration failures never do; retrying them
// without changing the request just burns time.
func (c Category) Retryable() bool {
	return c == CategoryModel
}
