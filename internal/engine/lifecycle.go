package engine

import (
	"context"
	"fmt"
	"time"

	"mopkit/internal/budget"
	"mopkit/internal/chunk"
	"mopkit/internal/llm"
	"mopkit/internal/logging"
	"mopkit/internal/telemetry"
	"mopkit/internal/workflow"
)

// Understand restates the request on the capable tier and moves the run to
// planning. The restatement is kept on the run's history so the approval
// screen can show what the system thinks it was asked.
func (e *Engine) Understand(ctx context.Context, run *workflow.Run, ledger *budget.Ledger) error {
	prompt := "Restate this marketing-ops request as one sentence naming the deliverable, " +
		"the data involved and the audience. Request: " + run.Request
	res, err := e.call(ctx, run, run.ID, telemetry.PhaseUnderstand, prompt, llm.TierCapable, ledger)
	if err != nil {
		return err
	}
	if err := run.Advance(workflow.PhasePlan, res.Text); err != nil {
		return err
	}
	return e.runs.Save(run)
}

// BuildPlan drafts a step plan for the run, attaches it and moves the run to
// approval. The summary comes from the capable tier; the step skeleton is
// deterministic so estimates stay conservative.
func (e *Engine) BuildPlan(ctx context.Context, run *workflow.Run, ledger *budget.Ledger, recordCount int) error {
	prompt := "Summarize in two sentences how you would fulfill this request, " +
		"naming the data pulls and the final artifact. Request: " + run.Request
	res, err := e.call(ctx, run, run.ID, telemetry.PhasePlan, prompt, llm.TierCapable, ledger)
	if err != nil {
		return err
	}

	plan := DefaultPlan(res.Text, recordCount, e.cfg.LLM.CheapCostPer1K, e.cfg.LLM.CapableCostPer1K)
	if err := run.SetPlan(plan); err != nil {
		return err
	}
	if err := run.Advance(workflow.PhaseApprove, "plan drafted"); err != nil {
		return err
	}
	return e.runs.Save(run)
}

// DefaultPlan builds the standard extract-then-synthesize plan. Estimates
// round up: record extraction is priced per expected chunk on the cheap
// tier, synthesis on the capable tier.
func DefaultPlan(summary string, recordCount int, cheapPer1K, capablePer1K float64) *workflow.Plan {
	extractTokens := recordCount * 15
	if extractTokens < 2000 {
		extractTokens = 2000
	}
	synthesisTokens := 12000
	return &workflow.Plan{
		Summary: summary,
		Steps: []workflow.Step{
			{
				ID:          "extract",
				Description: "pull and normalize the campaign records",
				Kind:        string(chunk.KindExtraction),
				EstTokens:   extractTokens,
				EstCostUSD:  budget.EstimateCost(extractTokens, cheapPer1K),
			},
			{
				ID:          "synthesize",
				Description: "draft the deliverable from the extracted data",
				Kind:        string(chunk.KindSynthesis),
				EstTokens:   synthesisTokens,
				EstCostUSD:  budget.EstimateCost(synthesisTokens, capablePer1K),
			},
		},
	}
}

// Approve records the human acknowledgment and persists the run in Execute.
func (e *Engine) Approve(run *workflow.Run, approver string) error {
	if err := run.Approve(approver); err != nil {
		return err
	}
	return e.runs.Save(run)
}

// Deliver moves a run whose steps are all complete or skipped with an
// override through Deliver to Completed, archives it and folds its
// predictions into memory.
func (e *Engine) Deliver(ctx context.Context, run *workflow.Run, ledger *budget.Ledger) error {
	if run.Plan != nil && run.Plan.NextStep() != nil {
		return fmt.Errorf("run %s still has incomplete steps", run.ID)
	}

	start := time.Now()
	if err := run.Advance(workflow.PhaseDeliver, "all steps complete or waived"); err != nil {
		return err
	}
	if err := run.Advance(workflow.PhaseCompleted, "delivered"); err != nil {
		return err
	}
	if err := e.runs.Archive(run); err != nil {
		return err
	}

	snap := ledger.Snapshot()
	e.telemetry.Record(telemetry.Event{
		TaskID:       run.ID,
		RunID:        run.ID,
		Phase:        telemetry.PhaseDeliver,
		InputTokens:  snap.ConsumedTokens,
		CostUSD:      snap.ConsumedCost,
		Duration:     time.Since(start).Milliseconds(),
	})

	report, err := e.memory.Consolidate(ctx)
	if err != nil {
		logging.WorkflowWarn("consolidation after run %s failed: %v", run.ID, err)
		return nil
	}
	logging.Workflow("Run %s delivered: consolidated %d predictions, %d memories updated",
		run.ID, report.PredictionsFolded, report.MemoriesUpdated)
	return nil
}
