package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mopkit/internal/assembler"
	"mopkit/internal/budget"
	"mopkit/internal/chunk"
	"mopkit/internal/config"
	"mopkit/internal/gate"
	"mopkit/internal/llm"
	"mopkit/internal/memory"
	"mopkit/internal/store"
	"mopkit/internal/telemetry"
	"mopkit/internal/workflow"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Memory.DatabasePath = filepath.Join(t.TempDir(), "memory.db")
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, stub *llm.StubExecutor) *Engine {
	t.Helper()
	mem, err := memory.Open(cfg.Memory)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	tel, err := telemetry.NewTracker(t.TempDir())
	require.NoError(t, err)

	docs, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	e, err := New(cfg, stub, mem, tel, docs)
	require.NoError(t, err)
	return e
}

// executingRun walks a run to the Execute phase using stub model calls.
func executingRun(t *testing.T, e *Engine, ledger *budget.Ledger) *workflow.Run {
	t.Helper()
	run, err := e.StartRun("report on Q3 paid social performance")
	require.NoError(t, err)
	require.NoError(t, e.Understand(context.Background(), run, ledger))
	require.NoError(t, e.BuildPlan(context.Background(), run, ledger, 100))
	require.NoError(t, e.Approve(run, "sam"))
	return run
}

// goodDraft satisfies every default gate dimension for the given input.
func goodDraft(in StepInput) string {
	var sb strings.Builder
	for _, section := range in.RequiredSections {
		sb.WriteString("## " + section + "\n")
	}
	sb.WriteString("Spend held steady")
	for _, s := range in.Sources {
		sb.WriteString(" [" + s.ID + "]")
	}
	for _, r := range in.Records {
		sb.WriteString(" [" + r.ID + "]")
	}
	sb.WriteString(".")
	return sb.String()
}

func TestNewRejectsMisconfiguredRubric(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rubric.Weights.VoiceTone = 0.5 // sum now over 1.0

	_, err := New(cfg, llm.NewStubExecutor(), nil, nil, nil)
	require.Error(t, err)
	assert.Equal(t, CategoryConfiguration, Classify(err))
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, "report:q3:paid:social", Fingerprint("Report on Q3 paid social, please"))
	assert.Equal(t, Fingerprint("report on Q3 paid social"), Fingerprint("REPORT Q3 paid social!"))
	assert.Equal(t, "misc", Fingerprint("  "))
}

func TestClassify(t *testing.T) {
	cases := map[Category]error{
		CategoryBudget:        fmt.Errorf("denied: %w", budget.ErrReservationDenied),
		CategoryContext:       assembler.ErrContextOverflow,
		CategoryWorkflow:      workflow.ErrInvalidTransition,
		CategoryRouting:       chunk.ErrTierViolation,
		CategoryConfiguration: config.ErrRubricMisconfigured,
		CategoryCancelled:     context.Canceled,
		CategoryModel:         errors.New("upstream 500"),
	}
	for want, err := range cases {
		assert.Equal(t, want, Classify(err), "error %v", err)
	}
	assert.True(t, CategoryModel.Retryable())
	assert.False(t, CategoryBudget.Retryable())
}

func TestInlineStepDelivers(t *testing.T) {
	cfg := testConfig(t)
	stub := llm.NewStubExecutor()
	e := newTestEngine(t, cfg, stub)
	ledger := e.NewLedger()
	run := executingRun(t, e, ledger)

	in := StepInput{
		Step:             run.Plan.NextStep(),
		Sources:          []assembler.Source{{ID: "brief", Content: "Q3 brief text", Mandatory: true}},
		Records:          []chunk.Record{{ID: "row-1", Content: "campaign A spend 1200"}},
		Format:           "markdown",
		RequiredSections: []string{"Summary"},
	}
	stub.ResponseFn = func(prompt string, tier llm.Tier) (string, error) {
		return goodDraft(in), nil
	}

	res, err := e.ExecuteStep(context.Background(), run, ledger, in)
	require.NoError(t, err)
	assert.False(t, res.Chunked)
	assert.False(t, res.Parked)
	assert.Equal(t, gate.VerdictAutoDeliver, res.Evaluation.Verdict)
	assert.True(t, run.Plan.Steps[0].Completed)

	// Small record sets never touch the chunk pipeline; extraction runs cheap.
	counts := stub.TierCounts()
	assert.Equal(t, 1, counts[llm.TierCheap])

	snap := ledger.Snapshot()
	assert.Greater(t, snap.ConsumedTokens, 0)
	assert.Greater(t, snap.ConsumedCost, 0.0)

	// Every reservation settled: what the ledger has left is the ceiling
	// minus what the calls actually consumed.
	assert.Equal(t, cfg.Budget.MaxTokens-snap.ConsumedTokens, ledger.RemainingTokens())

	// The persisted run carries the step's actuals, not just its phase.
	loaded, err := e.Runs().Load(run.ID)
	require.NoError(t, err)
	persisted := loaded.Plan.Steps[0]
	assert.Greater(t, persisted.ActualTokens, 0)
	assert.Greater(t, persisted.ActualCostUSD, 0.0)
	assert.InDelta(t, 1.0, persisted.GateScore, 1e-9)
}

func TestBulkRecordsGoThroughChunkPipeline(t *testing.T) {
	cfg := testConfig(t)
	cfg.Budget.MaxTokens = 2_000_000
	cfg.Budget.MaxCostUSD = 50
	stub := llm.NewStubExecutor()
	e := newTestEngine(t, cfg, stub)
	ledger := e.NewLedger()
	run := executingRun(t, e, ledger)

	// 3000 records at ~20 tokens each is far past the inline limit.
	records := make([]chunk.Record, 3000)
	for i := range records {
		records[i] = chunk.Record{
			ID:      fmt.Sprintf("row-%d", i),
			Content: fmt.Sprintf("campaign_id=%d,impressions=%d,clicks=%d,spend=%d", i, i*100, i*3, i*7),
		}
	}
	in := StepInput{
		Step:    run.Plan.NextStep(),
		Format:  "markdown",
		Records: records,
	}
	stub.ResponseFn = func(prompt string, tier llm.Tier) (string, error) {
		if tier == llm.TierCheap {
			return "chunk totals computed", nil
		}
		return "## Totals\nAll chunks reconciled [row-0].", nil
	}

	res, err := e.ExecuteStep(context.Background(), run, ledger, in)
	require.NoError(t, err)
	assert.True(t, res.Chunked)
	assert.False(t, res.Incomplete)

	counts := stub.TierCounts()
	assert.Equal(t, 4, counts[llm.TierCheap], "one call per 750-record chunk")
	assert.Equal(t, 1, counts[llm.TierCapable], "one synthesis call")
}

func TestLowQualityOutputParksRun(t *testing.T) {
	cfg := testConfig(t)
	stub := llm.NewStubExecutor()
	e := newTestEngine(t, cfg, stub)
	ledger := e.NewLedger()
	run := executingRun(t, e, ledger)

	in := StepInput{
		Step:             run.Plan.NextStep(),
		Sources:          []assembler.Source{{ID: "brief", Content: "brief", Mandatory: true}},
		Format:           "markdown",
		RequiredSections: []string{"Summary", "Recommendations"},
	}
	// No citations, no sections: grounding and completeness both score zero,
	// and the revision pass returns the same junk.
	stub.ResponseFn = func(prompt string, tier llm.Tier) (string, error) {
		return "everything is fine", nil
	}

	res, err := e.ExecuteStep(context.Background(), run, ledger, in)
	require.NoError(t, err)
	assert.True(t, res.Parked)
	assert.Equal(t, gate.VerdictHumanReview, res.Evaluation.Verdict)
	assert.True(t, run.Parked)

	// Parked runs refuse further steps until resumed.
	_, err = e.ExecuteStep(context.Background(), run, ledger, in)
	assert.ErrorIs(t, err, workflow.ErrParked)
	assert.Equal(t, CategoryWorkflow, Classify(err))
}

func TestNeedsRevisionGetsOneCorrectivePass(t *testing.T) {
	cfg := testConfig(t)
	stub := llm.NewStubExecutor()
	e := newTestEngine(t, cfg, stub)
	ledger := e.NewLedger()
	run := executingRun(t, e, ledger)

	in := StepInput{
		Step:             run.Plan.NextStep(),
		Sources:          []assembler.Source{{ID: "brief", Content: "brief", Mandatory: true}},
		Format:           "markdown",
		RequiredSections: []string{"Summary"},
	}
	// First draft cites its source but misses the section, landing in the
	// revision band. The corrective pass fixes it.
	stub.ResponseFn = func(prompt string, tier llm.Tier) (string, error) {
		if strings.Contains(prompt, "Revise the draft") {
			return goodDraft(in), nil
		}
		return "Numbers look flat [brief].", nil
	}

	res, err := e.ExecuteStep(context.Background(), run, ledger, in)
	require.NoError(t, err)
	assert.True(t, res.Revised)
	assert.False(t, res.Parked)
	assert.Equal(t, gate.VerdictAutoDeliver, res.Evaluation.Verdict)
}

func TestExecuteStepRequiresExecutePhase(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, llm.NewStubExecutor())
	ledger := e.NewLedger()

	run, err := e.StartRun("report request")
	require.NoError(t, err)

	_, err = e.ExecuteStep(context.Background(), run, ledger, StepInput{Step: &workflow.Step{ID: "x", Kind: "extraction"}})
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
}

func TestOversizedPromptRefused(t *testing.T) {
	cfg := testConfig(t)
	cfg.Budget.MaxTokens = 500_000
	e := newTestEngine(t, cfg, llm.NewStubExecutor())
	ledger := e.NewLedger()
	run := executingRun(t, e, ledger)

	// A single giant prompt must not go inline past the offload ceiling.
	_, err := e.call(context.Background(), run, run.ID, telemetry.PhaseExecuteCall,
		strings.Repeat("spend data ", 30_000), llm.TierCapable, ledger)
	require.Error(t, err)
	assert.Equal(t, CategoryContext, Classify(err))
}

func TestFullRunLifecycle(t *testing.T) {
	cfg := testConfig(t)
	stub := llm.NewStubExecutor()
	e := newTestEngine(t, cfg, stub)
	ledger := e.NewLedger()
	run := executingRun(t, e, ledger)

	for run.Plan.NextStep() != nil {
		step := run.Plan.NextStep()
		in := StepInput{
			Step:    step,
			Sources: []assembler.Source{{ID: "brief", Content: "Q3 brief", Mandatory: true}},
			Format:  "markdown",
		}
		stub.ResponseFn = func(prompt string, tier llm.Tier) (string, error) {
			return goodDraft(in), nil
		}
		res, err := e.ExecuteStep(context.Background(), run, ledger, in)
		require.NoError(t, err)
		require.False(t, res.Parked)
	}

	require.NoError(t, e.Deliver(context.Background(), run, ledger))
	assert.Equal(t, workflow.PhaseCompleted, run.Phase)

	// Delivery consolidates this run's predictions into memory.
	loaded, err := e.Runs().Load(run.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseCompleted, loaded.Phase)

	stats := e.Telemetry().Stats()
	assert.Greater(t, stats.Total.Calls, int64(0))
	assert.NotEmpty(t, stats.ByPhase)
}

func TestDeliverRefusesIncompletePlan(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, llm.NewStubExecutor())
	ledger := e.NewLedger()
	run := executingRun(t, e, ledger)

	err := e.Deliver(context.Background(), run, ledger)
	assert.Error(t, err)
}
