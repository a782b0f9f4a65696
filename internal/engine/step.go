package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mopkit/internal/assembler"
	"mopkit/internal/budget"
	"mopkit/internal/chunk"
	"mopkit/internal/config"
	"mopkit/internal/gate"
	"mopkit/internal/llm"
	"mopkit/internal/logging"
	"mopkit/internal/telemetry"
	"mopkit/internal/workflow"
)

// responseAllowanceTokens pads every reservation for the model's reply.
const responseAllowanceTokens = 2048

// StepInput carries everything one plan step needs to execute.
type StepInput struct {
	Step             *workflow.Step
	Sources          []assembler.Source
	Records          []chunk.Record
	Format           string
	RequiredSections []string
}

// StepResult is the outcome of one executed step.
type StepResult struct {
	Output     string          `json:"output"`
	Evaluation gate.Evaluation `json:"evaluation"`
	Chunked    bool            `json:"chunked"`
	Incomplete bool            `json:"incomplete"`
	Parked     bool            `json:"parked"`
	Revised    bool            `json:"revised"`
}

// ExecuteStep runs one plan step end to end: assemble context, execute the
// model work inline or chunked, evaluate the draft, act on the verdict. The
// run must be in the Execute phase with an approval on record.
func (e *Engine) ExecuteStep(ctx context.Context, run *workflow.Run, ledger *budget.Ledger, in StepInput) (*StepResult, error) {
	if run.Parked {
		return nil, fmt.Errorf("%w: run %s", workflow.ErrParked, run.ID)
	}
	if run.Phase != workflow.PhaseExecute {
		return nil, fmt.Errorf("%w: execute step in %s", workflow.ErrInvalidTransition, run.Phase)
	}
	if in.Step == nil {
		return nil, fmt.Errorf("no step to execute")
	}
	taskID := run.ID + "/" + in.Step.ID
	before := ledger.Snapshot()

	predID, err := e.memory.StartTracking(taskID, run.Fingerprint,
		"step delivers without revision")
	if err != nil {
		logging.WorkflowWarn("prediction tracking unavailable for %s: %v", taskID, err)
	}

	// Context assembly at the execution tier pulls in stored guidance.
	assembleStart := time.Now()
	bundle, err := e.asm.Assemble(ctx, assembler.Request{
		TaskID:      taskID,
		Tier:        assembler.Tier3Execution,
		Fingerprint: run.Fingerprint,
		Sources:     in.Sources,
	}, ledger)
	if err != nil {
		return nil, fmt.Errorf("context assembly for %s: %w", taskID, err)
	}
	e.telemetry.Record(telemetry.Event{
		TaskID:      taskID,
		RunID:       run.ID,
		Phase:       telemetry.PhaseExecuteAssemble,
		InputTokens: bundle.TotalTokens,
		Duration:    time.Since(assembleStart).Milliseconds(),
	})

	result := &StepResult{}
	var output string
	recordTokens := recordsTokens(in.Records)
	switch {
	case recordTokens > config.InlineTokenLimit:
		result.Chunked = true
		output, result.Incomplete, err = e.executeChunked(ctx, run, taskID, ledger, in, bundle)
	default:
		output, err = e.executeInline(ctx, run, taskID, ledger, in, bundle)
	}
	if err != nil {
		e.completeTracking(predID, "step failed: "+err.Error(), false)
		return nil, err
	}
	result.Output = output

	// Gate evaluation and verdict handling.
	draft := e.draftFor(taskID, output, in)
	evalStart := time.Now()
	eval, err := e.gate.Evaluate(ctx, draft)
	if err != nil {
		return nil, fmt.Errorf("gate evaluation for %s: %w", taskID, err)
	}
	e.telemetry.Record(telemetry.Event{
		TaskID:   taskID,
		RunID:    run.ID,
		Phase:    telemetry.PhaseExecuteEvaluate,
		Duration: time.Since(evalStart).Milliseconds(),
	})

	if eval.Verdict == gate.VerdictNeedsRevision {
		output, eval, err = e.reviseOnce(ctx, run, taskID, ledger, in, output, eval)
		if err != nil {
			e.completeTracking(predID, "revision failed: "+err.Error(), false)
			return nil, err
		}
		result.Output = output
		result.Revised = true
	}
	result.Evaluation = eval

	// Fold this step's actuals onto the plan so the persisted run carries
	// its metrics whether it delivers or parks.
	after := ledger.Snapshot()
	in.Step.ActualTokens = after.ConsumedTokens - before.ConsumedTokens
	in.Step.ActualCostUSD = after.ConsumedCost - before.ConsumedCost
	in.Step.GateScore = eval.Weighted

	switch eval.Verdict {
	case gate.VerdictAutoDeliver:
		if err := e.deliverStep(run, in.Step, taskID, result); err != nil {
			return nil, err
		}
		e.completeTracking(predID, "delivered", !result.Revised)
	default:
		reason := fmt.Sprintf("gate verdict %s on step %s (score %.2f)",
			eval.Verdict, in.Step.ID, eval.Weighted)
		if err := run.Park(reason); err != nil {
			return nil, err
		}
		if err := e.runs.Save(run); err != nil {
			return nil, err
		}
		result.Parked = true
		e.completeTracking(predID, reason, false)
	}
	return result, nil
}

// executeInline performs a single model call with the rendered context and
// any small record set folded into the prompt.
func (e *Engine) executeInline(ctx context.Context, run *workflow.Run, taskID string, ledger *budget.Ledger, in StepInput, bundle *assembler.Bundle) (string, error) {
	kind, err := stepKind(in.Step.Kind)
	if err != nil {
		return "", err
	}
	tier, err := e.router.Route(kind)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(bundle.Render())
	if len(in.Records) > 0 {
		sb.WriteString("\nRecords:\n")
		for _, r := range in.Records {
			fmt.Fprintf(&sb, "[%s] %s\n", r.ID, r.Content)
		}
	}
	sb.WriteString("\nTask: ")
	sb.WriteString(in.Step.Description)

	res, err := e.call(ctx, run, taskID, telemetry.PhaseExecuteCall, sb.String(), tier, ledger)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// executeChunked splits the records, fans them across the worker pool on the
// cheap tier and synthesizes the results on the capable tier. Partial chunk
// results flow through with the incompleteness flag set rather than failing
// the step.
func (e *Engine) executeChunked(ctx context.Context, run *workflow.Run, taskID string, ledger *budget.Ledger, in StepInput, bundle *assembler.Bundle) (string, bool, error) {
	chunks, err := chunk.Split(taskID, chunk.KindChunkProcessing, in.Records, e.cfg.Chunking.DefaultChunkRecords)
	if err != nil {
		return "", false, err
	}
	logging.Workflow("task %s: %d records over the inline limit, processing %d chunks",
		taskID, len(in.Records), len(chunks))

	buf, err := e.scheduler.Process(ctx, chunks, in.Step.Description, ledger)
	if err != nil && buf == nil {
		return "", false, err
	}
	schedErr := err
	for _, r := range buf.Results() {
		e.telemetry.Record(telemetry.Event{
			TaskID:       taskID,
			RunID:        run.ID,
			Phase:        telemetry.PhaseExecuteCall,
			Tier:         string(llm.TierCheap),
			Model:        e.cfg.LLM.CheapModel,
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			CostUSD:      budget.EstimateCost(r.InputTokens+r.OutputTokens, e.cfg.LLM.CheapCostPer1K),
			ChunkOrdinal: r.Ordinal,
			Error:        r.Err,
		})
	}
	if schedErr != nil && len(buf.Results()) == 0 {
		return "", false, schedErr
	}

	tier, err := e.router.Route(chunk.KindSynthesis)
	if err != nil {
		return "", false, err
	}
	prompt := bundle.Render() + "\n" + chunk.SynthesisPrompt(buf, in.Step.Description)
	res, err := e.call(ctx, run, taskID, telemetry.PhaseExecuteCall, prompt, tier, ledger)
	if err != nil {
		return "", false, err
	}

	incomplete := !buf.Complete() || buf.TimedOut()
	return res.Text, incomplete, nil
}

// reviseOnce gives a needs_revision draft one corrective pass on the capable
// tier, then re-evaluates. The gate sees the revision like any other draft.
func (e *Engine) reviseOnce(ctx context.Context, run *workflow.Run, taskID string, ledger *budget.Ledger, in StepInput, output string, eval gate.Evaluation) (string, gate.Evaluation, error) {
	var sb strings.Builder
	sb.WriteString("Revise the draft below to fix the listed problems. Keep everything that scored well.\n")
	fmt.Fprintf(&sb, "Weighted score %.2f. Dimension scores: %v.\n", eval.Weighted, eval.Dimensions)
	for _, note := range eval.Notes {
		sb.WriteString("- " + note + "\n")
	}
	sb.WriteString("\nTask: " + in.Step.Description + "\n\nDraft:\n" + output)

	res, err := e.call(ctx, run, taskID, telemetry.PhaseExecuteCall, sb.String(), llm.TierCapable, ledger)
	if err != nil {
		return "", eval, err
	}

	revisedEval, err := e.gate.Evaluate(ctx, e.draftFor(taskID, res.Text, in))
	if err != nil {
		return "", eval, err
	}
	return res.Text, revisedEval, nil
}

// call reserves, executes and settles one model call, recording telemetry
// either way. Prompts above the offload ceiling are refused outright; that
// much text must go through the chunk pipeline.
func (e *Engine) call(ctx context.Context, run *workflow.Run, taskID, phase, prompt string, tier llm.Tier, ledger *budget.Ledger) (llm.Result, error) {
	promptTokens := budget.EstimateTokens(prompt)
	if promptTokens > config.OffloadTokenLimit {
		return llm.Result{}, fmt.Errorf("prompt of %d tokens exceeds the %d offload ceiling: %w",
			promptTokens, config.OffloadTokenLimit, assembler.ErrContextOverflow)
	}

	costPer1K := e.costPer1K(tier)
	reserveTokens := promptTokens + responseAllowanceTokens
	reserveCost := budget.EstimateCost(reserveTokens, costPer1K)
	if err := ledger.Reserve(reserveTokens, reserveCost); err != nil {
		return llm.Result{}, err
	}

	start := time.Now()
	res, err := e.executor.Execute(ctx, prompt, tier)
	event := telemetry.Event{
		TaskID:   taskID,
		RunID:    run.ID,
		Phase:    phase,
		Tier:     string(tier),
		Duration: time.Since(start).Milliseconds(),
	}
	if err != nil {
		ledger.Release(reserveTokens, reserveCost)
		event.Error = err.Error()
		e.telemetry.Record(event)
		return llm.Result{}, fmt.Errorf("model call on %s tier: %w", tier, err)
	}

	used := res.InputTokens + res.OutputTokens
	usedCost := budget.EstimateCost(used, costPer1K)
	ledger.Commit(used, usedCost)
	if used < reserveTokens {
		releaseCost := reserveCost - usedCost
		if releaseCost < 0 {
			releaseCost = 0
		}
		ledger.Release(reserveTokens-used, releaseCost)
	}

	event.Model = res.Model
	event.InputTokens = res.InputTokens
	event.OutputTokens = res.OutputTokens
	event.CostUSD = usedCost
	e.telemetry.Record(event)
	return res, nil
}

// deliverStep persists the approved output and marks the plan step done.
func (e *Engine) deliverStep(run *workflow.Run, step *workflow.Step, taskID string, result *StepResult) error {
	if err := e.docs.Set(deliverableCollection, taskID, result); err != nil {
		return fmt.Errorf("failed to persist deliverable %s: %w", taskID, err)
	}
	if run.Plan != nil {
		if err := run.Plan.MarkCompleted(step.ID); err != nil {
			return err
		}
	}
	run.Deliverable = taskID
	return e.runs.Save(run)
}

func (e *Engine) draftFor(taskID, output string, in StepInput) gate.Draft {
	sourceIDs := make([]string, 0, len(in.Sources)+len(in.Records))
	for _, s := range in.Sources {
		sourceIDs = append(sourceIDs, s.ID)
	}
	for _, r := range in.Records {
		sourceIDs = append(sourceIDs, r.ID)
	}
	return gate.Draft{
		TaskID:           taskID,
		Content:          output,
		Format:           in.Format,
		RequiredSections: in.RequiredSections,
		SourceIDs:        sourceIDs,
	}
}

func (e *Engine) completeTracking(predID int64, actual string, correct bool) {
	if predID == 0 {
		return
	}
	if err := e.memory.CompleteTracking(predID, actual, correct); err != nil {
		logging.MemoryDebug("failed to complete prediction %d: %v", predID, err)
	}
}

// stepKind validates a plan step's declared work kind.
func stepKind(kind string) (chunk.Kind, error) {
	k := chunk.Kind(kind)
	if !k.Valid() {
		return "", fmt.Errorf("plan step has unknown work kind %q", kind)
	}
	return k, nil
}

func recordsTokens(records []chunk.Record) int {
	total := 0
	for _, r := range records {
		total += budget.EstimateTokens(r.Content)
	}
	return total
}
