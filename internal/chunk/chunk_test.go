package chunk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mopkit/internal/budget"
	"mopkit/internal/config"
	"mopkit/internal/llm"
)

func makeRecords(n int) []Record {
	records := make([]Record, n)
	for i := range records {
		records[i] = Record{
			ID:      fmt.Sprintf("row-%d", i),
			Content: fmt.Sprintf("campaign_id=%d,impressions=%d,clicks=%d", i, i*100, i*3),
		}
	}
	return records
}

func TestSplitDisjointAndExhaustive(t *testing.T) {
	records := makeRecords(12000)

	chunks, err := Split("task-1", KindChunkProcessing, records, 750)
	require.NoError(t, err)
	require.Len(t, chunks, 16)

	seen := make(map[string]int)
	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
		assert.Equal(t, 16, c.Total)
		assert.Equal(t, "task-1", c.ParentTaskID)
		for _, r := range c.Records {
			seen[r.ID]++
		}
	}
	assert.Len(t, seen, 12000, "every record assigned")
	for id, count := range seen {
		require.Equal(t, 1, count, "record %s assigned more than once", id)
	}
}

func TestSplitShortFinalChunk(t *testing.T) {
	chunks, err := Split("task-1", KindFiltering, makeRecords(1300), 500)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].Records, 500)
	assert.Len(t, chunks[1].Records, 500)
	assert.Len(t, chunks[2].Records, 300)
}

func TestSplitRejectsSizeOutOfRange(t *testing.T) {
	_, err := Split("task-1", KindChunkProcessing, makeRecords(10), 499)
	assert.ErrorIs(t, err, ErrBadChunkSize)

	_, err = Split("task-1", KindChunkProcessing, makeRecords(10), 1001)
	assert.ErrorIs(t, err, ErrBadChunkSize)
}

func TestSplitEmptyInput(t *testing.T) {
	chunks, err := Split("task-1", KindChunkProcessing, nil, 750)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestRouterMechanicalKindsGetCheapTier(t *testing.T) {
	r := NewRouter()
	for _, kind := range []Kind{KindChunkProcessing, KindFiltering, KindExtraction, KindVerification} {
		tier, err := r.Route(kind)
		require.NoError(t, err)
		assert.Equal(t, llm.TierCheap, tier, "kind %s", kind)
	}
}

func TestRouterSynthesisGetsCapableTier(t *testing.T) {
	r := NewRouter()
	for _, kind := range []Kind{KindAggregation, KindSynthesis} {
		tier, err := r.Route(kind)
		require.NoError(t, err)
		assert.Equal(t, llm.TierCapable, tier, "kind %s", kind)
	}
}

func TestRouterRejectsCapableTierForChunkWork(t *testing.T) {
	r := NewRouter()
	err := r.Check(KindChunkProcessing, llm.TierCapable)
	assert.ErrorIs(t, err, ErrTierViolation)

	// The rule holds even when a caller asks explicitly.
	err = r.Check(KindFiltering, llm.TierCapable)
	assert.ErrorIs(t, err, ErrTierViolation)

	assert.NoError(t, r.Check(KindChunkProcessing, llm.TierCheap))
	assert.NoError(t, r.Check(KindSynthesis, llm.TierCapable))
}

func TestRouterUnknownKind(t *testing.T) {
	r := NewRouter()
	_, err := r.Route(Kind("sorcery"))
	assert.Error(t, err)
}

func TestBufferReadyAndOrdering(t *testing.T) {
	buf := NewBuffer("task-1", 3)
	assert.False(t, buf.Ready())

	buf.Put(Result{Ordinal: 2, Status: StatusOK, Output: "c"})
	buf.Put(Result{Ordinal: 0, Status: StatusOK, Output: "a"})
	assert.False(t, buf.Ready())
	assert.Equal(t, []int{1}, buf.Missing())

	buf.Put(Result{Ordinal: 1, Status: StatusOK, Output: "b"})
	assert.True(t, buf.Ready())
	assert.True(t, buf.Complete())

	results := buf.Results()
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].Output)
	assert.Equal(t, "b", results[1].Output)
	assert.Equal(t, "c", results[2].Output)
}

func TestBufferPartialFailureNotComplete(t *testing.T) {
	buf := NewBuffer("task-1", 2)
	buf.Put(Result{Ordinal: 0, Status: StatusOK})
	buf.Put(Result{Ordinal: 1, Status: StatusPartialFailure, Err: "boom"})
	assert.True(t, buf.Ready())
	assert.False(t, buf.Complete())
}

func testChunkingConfig() config.ChunkingConfig {
	return config.ChunkingConfig{
		DefaultChunkRecords: 750,
		WorkerPoolSize:      4,
		AggregationTimeout:  "30s",
	}
}

func TestSchedulerProcessesAllChunks(t *testing.T) {
	defer goleak.VerifyNone(t)

	stub := llm.NewStubExecutor()
	stub.ResponseFn = func(prompt string, tier llm.Tier) (string, error) {
		return "summary", nil
	}
	s := NewScheduler(stub, testChunkingConfig(), 0.001)
	ledger := budget.NewLedger(budget.Limits{MaxTokens: 10_000_000, MaxCostUSD: 100, MaxRuntime: time.Minute})

	chunks, err := Split("task-1", KindChunkProcessing, makeRecords(2000), 500)
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	buf, err := s.Process(context.Background(), chunks, "summarize spend", ledger)
	require.NoError(t, err)
	assert.True(t, buf.Ready())
	assert.True(t, buf.Complete())

	counts := stub.TierCounts()
	assert.Equal(t, 4, counts[llm.TierCheap])
	assert.Zero(t, counts[llm.TierCapable])

	snap := ledger.Snapshot()
	assert.Greater(t, snap.ConsumedTokens, 0)
}

func TestSchedulerRetriesOnceThenSucceeds(t *testing.T) {
	stub := llm.NewStubExecutor()
	stub.FailFirst = 1
	s := NewScheduler(stub, testChunkingConfig(), 0.001)
	ledger := budget.NewLedger(budget.Limits{MaxTokens: 10_000_000, MaxCostUSD: 100, MaxRuntime: time.Minute})

	chunks, err := Split("task-1", KindExtraction, makeRecords(500), 500)
	require.NoError(t, err)

	buf, err := s.Process(context.Background(), chunks, "extract ids", ledger)
	require.NoError(t, err)
	results := buf.Results()
	require.Len(t, results, 1)
	assert.Equal(t, StatusOK, results[0].Status)
	assert.Equal(t, 2, results[0].Attempts)
}

func TestSchedulerSecondFailureFillsPartialSlot(t *testing.T) {
	stub := llm.NewStubExecutor()
	stub.FailFirst = 2
	s := NewScheduler(stub, testChunkingConfig(), 0.001)
	ledger := budget.NewLedger(budget.Limits{MaxTokens: 10_000_000, MaxCostUSD: 100, MaxRuntime: time.Minute})

	chunks, err := Split("task-1", KindVerification, makeRecords(500), 500)
	require.NoError(t, err)

	buf, err := s.Process(context.Background(), chunks, "verify totals", ledger)
	require.NoError(t, err, "one failed chunk does not abort the batch")
	results := buf.Results()
	require.Len(t, results, 1)
	assert.Equal(t, StatusPartialFailure, results[0].Status)
	assert.Equal(t, 2, results[0].Attempts)
	assert.NotEmpty(t, results[0].Err)

	// Failed chunk's reservation is returned.
	snap := ledger.Snapshot()
	assert.Zero(t, snap.ConsumedTokens)
}

func TestSchedulerStopsDispatchOnBudgetDenial(t *testing.T) {
	stub := llm.NewStubExecutor()
	s := NewScheduler(stub, testChunkingConfig(), 0.001)
	// Room for roughly one chunk prompt and nothing more.
	ledger := budget.NewLedger(budget.Limits{MaxTokens: 12_000, MaxCostUSD: 100, MaxRuntime: time.Minute})

	chunks, err := Split("task-1", KindChunkProcessing, makeRecords(4000), 500)
	require.NoError(t, err)
	require.Len(t, chunks, 8)

	buf, err := s.Process(context.Background(), chunks, "summarize", ledger)
	require.ErrorIs(t, err, budget.ErrReservationDenied)
	assert.Less(t, len(buf.Results()), 8, "dispatch halted before the full batch")
	assert.False(t, buf.Ready())
}

func TestSchedulerRejectsMisroutedBatch(t *testing.T) {
	stub := llm.NewStubExecutor()
	s := NewScheduler(stub, testChunkingConfig(), 0.001)
	ledger := budget.NewLedger(budget.Limits{MaxTokens: 1_000_000, MaxCostUSD: 100, MaxRuntime: time.Minute})

	_, err := s.Process(context.Background(), []Chunk{{ParentTaskID: "t", Kind: Kind("sorcery")}}, "x", ledger)
	assert.Error(t, err)
}

func TestSynthesisPromptFlagsIncompleteness(t *testing.T) {
	buf := NewBuffer("task-1", 3)
	buf.Put(Result{Ordinal: 0, Status: StatusOK, Output: "first"})
	buf.Put(Result{Ordinal: 2, Status: StatusPartialFailure, Err: "timeout"})
	buf.MarkTimedOut()

	prompt := SynthesisPrompt(buf, "roll up totals")
	assert.Contains(t, prompt, "WARNING: input is incomplete")
	assert.Contains(t, prompt, "Missing chunks: [1]")
	assert.Contains(t, prompt, "Failed chunks: [2]")
	assert.Contains(t, prompt, "aggregation deadline")
	assert.Contains(t, prompt, "partial data")
	assert.Contains(t, prompt, "first")
}

func TestSynthesisPromptCompleteHasNoWarning(t *testing.T) {
	buf := NewBuffer("task-1", 2)
	buf.Put(Result{Ordinal: 0, Status: StatusOK, Output: "a"})
	buf.Put(Result{Ordinal: 1, Status: StatusOK, Output: "b"})

	prompt := SynthesisPrompt(buf, "roll up totals")
	assert.False(t, strings.Contains(prompt, "WARNING"))
}

func TestSchedulerContextCancellation(t *testing.T) {
	stub := llm.NewStubExecutor()
	stub.ResponseFn = func(prompt string, tier llm.Tier) (string, error) {
		return "", errors.New("should not be reached after cancel")
	}
	s := NewScheduler(stub, testChunkingConfig(), 0.001)
	ledger := budget.NewLedger(budget.Limits{MaxTokens: 10_000_000, MaxCostUSD: 100, MaxRuntime: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chunks, err := Split("task-1", KindChunkProcessing, makeRecords(1000), 500)
	require.NoError(t, err)

	buf, err := s.Process(ctx, chunks, "summarize", ledger)
	require.NotNil(t, buf)
	for _, r := range buf.Results() {
		assert.Equal(t, StatusPartialFailure, r.Status)
	}
}
