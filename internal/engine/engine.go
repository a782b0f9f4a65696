// Package engine wires the budget ledger, context assembler, chunk
// scheduler, workflow state machine, memory store and quality gate into the
// task execution loop. A run enters as a request and leaves as a delivered,
// gate-approved artifact or an explicit failure.
package engine

import (
	"fmt"
	"strings"

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

// deliverableCollection holds gate-approved step outputs.
const deliverableCollection = "deliverables"

// Engine owns one process's orchestration state.
type Engine struct {
	cfg       *config.Config
	executor  llm.Executor
	scheduler *chunk.Scheduler
	router    *chunk.Router
	asm       *assembler.Assembler
	gate      *gate.Gate
	memory    *memory.Store
	telemetry *telemetry.Tracker
	runs      *workflow.Manager
	docs      *store.DocumentStore
}

// New validates the configuration and assembles the engine. A misconfigured
// rubric fails construction; the process must not start with a gate that
// cannot score.
func New(cfg *config.Config, executor llm.Executor, mem *memory.Store, tel *telemetry.Tracker, docs *store.DocumentStore) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine refused to start: %w", err)
	}

	qualityGate, err := gate.New(cfg.Rubric, gate.DefaultCheckers(cfg.Rubric.BannedPhrases)...)
	if err != nil {
		return nil, fmt.Errorf("engine refused to start: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		executor:  executor,
		router:    chunk.NewRouter(),
		gate:      qualityGate,
		memory:    mem,
		telemetry: tel,
		runs:      workflow.NewManager(docs),
		docs:      docs,
	}
	e.scheduler = chunk.NewScheduler(executor, cfg.Chunking, cfg.LLM.CheapCostPer1K)
	e.asm = assembler.New(&storeOffloader{docs: docs}, mem)
	return e, nil
}

// Runs exposes the workflow manager for status and approval commands.
func (e *Engine) Runs() *workflow.Manager { return e.runs }

// Telemetry exposes the tracker for the usage report.
func (e *Engine) Telemetry() *telemetry.Tracker { return e.telemetry }

// NewLedger builds a per-run ledger from the configured ceilings.
func (e *Engine) NewLedger() *budget.Ledger {
	return budget.NewLedger(budget.Limits{
		MaxTokens:  e.cfg.Budget.MaxTokens,
		MaxCostUSD: e.cfg.Budget.MaxCostUSD,
		MaxRuntime: e.cfg.Budget.GetMaxRuntime(),
	})
}

// StartRun creates a run for a request. The fingerprint is a normalized
// request signature used for memory lookups.
func (e *Engine) StartRun(request string) (*workflow.Run, error) {
	return e.runs.Create(request, Fingerprint(request))
}

// Fingerprint derives a stable, coarse signature for a request so runs of
// the same shape share memories. The first few normalized words are enough
// to bucket "report on Q3 paid social" with "report on Q2 paid social".
func Fingerprint(request string) string {
	fields := strings.Fields(strings.ToLower(request))
	keep := make([]string, 0, 4)
	for _, f := range fields {
		f = strings.Trim(f, ".,!?:;\"'")
		if f == "" || isStopWord(f) {
			continue
		}
		keep = append(keep, f)
		if len(keep) == 4 {
			break
		}
	}
	if len(keep) == 0 {
		return "misc"
	}
	return strings.Join(keep, ":")
}

func isStopWord(w string) bool {
	switch w {
	case "a", "an", "the", "on", "for", "of", "to", "in", "and", "with", "about", "please", "me":
		return true
	}
	return false
}

// costPer1K returns the configured price for a tier.
func (e *Engine) costPer1K(tier llm.Tier) float64 {
	if tier == llm.TierCapable {
		return e.cfg.LLM.CapableCostPer1K
	}
	return e.cfg.LLM.CheapCostPer1K
}
