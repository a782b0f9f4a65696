package chunk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mopkit/internal/budget"
	"mopkit/internal/config"
	"mopkit/internal/llm"
	"mopkit/internal/logging"
)

// Scheduler fans chunk work out to a worker pool over the cheap tier and
// gathers results into a Buffer for aggregation.
type Scheduler struct {
	executor  llm.Executor
	router    *Router
	workers   int
	timeout   time.Duration
	costPer1K float64
}

// NewScheduler creates a scheduler with the configured pool size and
// aggregation timeout. costPer1K is the cheap-tier price used for budget
// reservations.
func NewScheduler(executor llm.Executor, cfg config.ChunkingConfig, costPer1K float64) *Scheduler {
	return &Scheduler{
		executor:  executor,
		router:    NewRouter(),
		workers:   cfg.WorkerPoolSize,
		timeout:   cfg.GetAggregationTimeout(),
		costPer1K: costPer1K,
	}
}

// Process runs every chunk through the executor on the routed tier, reserving
// budget per dispatch. A chunk call that fails is retried once on the same
// tier; a second failure fills the chunk's slot with a partial failure rather
// than aborting the batch. Budget denial stops new dispatches but lets
// in-flight work drain. The returned buffer is ready or timed out.
func (s *Scheduler) Process(ctx context.Context, chunks []Chunk, instruction string, ledger *budget.Ledger) (*Buffer, error) {
	if len(chunks) == 0 {
		return nil, errors.New("no chunks to process")
	}
	taskID := chunks[0].ParentTaskID
	buf := NewBuffer(taskID, len(chunks))

	tier, err := s.router.Route(chunks[0].Kind)
	if err != nil {
		return nil, err
	}
	if err := s.router.Check(chunks[0].Kind, tier); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	logging.Chunks("task %s: dispatching %d chunks on %s tier (%d workers)",
		taskID, len(chunks), tier, s.workers)
	timer := logging.StartTimer(logging.CategoryChunks, "chunk batch")

	var denied sync.Once
	var budgetStopped bool

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(s.workers)
	for _, c := range chunks {
		c := c
		prompt := c.Prompt(instruction)
		tokens := budget.EstimateTokens(prompt)
		if err := ledger.Reserve(tokens, budget.EstimateCost(tokens, s.costPer1K)); err != nil {
			denied.Do(func() {
				budgetStopped = true
				logging.ChunksWarn("task %s: budget denied at chunk %d, halting new dispatch: %v",
					taskID, c.Ordinal, err)
			})
			break
		}
		g.Go(func() error {
			buf.Put(s.runChunk(gctx, prompt, c, tier, ledger))
			return nil
		})
	}

	waitErr := g.Wait()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		buf.MarkTimedOut()
		logging.ChunksWarn("task %s: aggregation timeout after %s, proceeding with %d/%d results",
			taskID, s.timeout, len(buf.Results()), len(chunks))
	}
	logging.Chunks("task %s: %d/%d results", taskID, len(buf.Results()), len(chunks))
	timer.StopWithInfo()

	if budgetStopped {
		return buf, budget.ErrReservationDenied
	}
	if waitErr != nil && !errors.Is(waitErr, context.DeadlineExceeded) {
		return buf, waitErr
	}
	return buf, nil
}

// runChunk executes one chunk call with a single same-tier retry. The
// reservation made by Process is settled here: committed on success,
// released on terminal failure.
func (s *Scheduler) runChunk(ctx context.Context, prompt string, c Chunk, tier llm.Tier, ledger *budget.Ledger) Result {
	reservedTokens := budget.EstimateTokens(prompt)
	reservedCost := budget.EstimateCost(reservedTokens, s.costPer1K)

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		res, err := s.executor.Execute(ctx, prompt, tier)
		if err == nil {
			used := res.InputTokens + res.OutputTokens
			usedCost := budget.EstimateCost(used, s.costPer1K)
			ledger.Commit(used, usedCost)
			if used < reservedTokens || usedCost < reservedCost {
				releaseCost := reservedCost - usedCost
				if releaseCost < 0 {
					releaseCost = 0
				}
				ledger.Release(max(0, reservedTokens-used), releaseCost)
			}
			return Result{
				Ordinal:      c.Ordinal,
				Status:       StatusOK,
				Output:       res.Text,
				Attempts:     attempt,
				InputTokens:  res.InputTokens,
				OutputTokens: res.OutputTokens,
			}
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		logging.ChunksWarn("task %s: chunk %d attempt %d failed: %v",
			c.ParentTaskID, c.Ordinal, attempt, err)
	}

	ledger.Release(reservedTokens, reservedCost)
	return Result{
		Ordinal:  c.Ordinal,
		Status:   StatusPartialFailure,
		Attempts: 2,
		Err:      lastErr.Error(),
	}
}

// SynthesisPrompt renders the buffer's results for the capable-tier
// aggregation call. Missing or failed chunks are named so the synthesis can
// flag its own incompleteness instead of papering over gaps.
func SynthesisPrompt(buf *Buffer, instruction string) string {
	var sb strings.Builder
	results := buf.Results()
	fmt.Fprintf(&sb, "Synthesize the following %d chunk results for task %s.\n", len(results), buf.TaskID())
	fmt.Fprintf(&sb, "Instruction: %s\n", instruction)

	missing := buf.Missing()
	var failed []int
	for _, r := range results {
		if r.Status != StatusOK {
			failed = append(failed, r.Ordinal)
		}
	}
	if len(missing) > 0 || len(failed) > 0 || buf.TimedOut() {
		sb.WriteString("\nWARNING: input is incomplete.")
		if len(missing) > 0 {
			fmt.Fprintf(&sb, " Missing chunks: %v.", missing)
		}
		if len(failed) > 0 {
			fmt.Fprintf(&sb, " Failed chunks: %v.", failed)
		}
		if buf.TimedOut() {
			sb.WriteString(" Collection stopped at the aggregation deadline.")
		}
		sb.WriteString(" State clearly in the result that it is based on partial data.\n")
	}

	sb.WriteString("\nChunk results:\n")
	for _, r := range results {
		if r.Status != StatusOK {
			fmt.Fprintf(&sb, "--- chunk %d: FAILED (%s)\n", r.Ordinal, r.Err)
			continue
		}
		fmt.Fprintf(&sb, "--- chunk %d:\n%s\n", r.Ordinal, r.Output)
	}
	return sb.String()
}
