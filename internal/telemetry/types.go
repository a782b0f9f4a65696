package telemetry

import "time"

// Phase labels for recorded events. The execute phase splits into its three
// sub-steps so assembly overhead, model time and gate time stay separable.
const (
	PhaseUnderstand      = "understand"
	PhasePlan            = "plan"
	PhaseApprove         = "approve"
	PhaseExecuteAssemble = "execute_assemble"
	PhaseExecuteCall     = "execute_call"
	PhaseExecuteEvaluate = "execute_evaluate"
	PhaseDeliver         = "deliver"
)

// Event is a single recorded model call or phase measurement.
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	TaskID       string    `json:"task_id"`
	RunID        string    `json:"run_id"`
	Phase        string    `json:"phase"`
	Model        string    `json:"model,omitempty"`
	Tier         string    `json:"tier,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Duration     int64     `json:"duration_ms"`
	ChunkOrdinal int       `json:"chunk_ordinal,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Counts holds input/output/cost sums for one aggregation key.
type Counts struct {
	Input    int64   `json:"input"`
	Output   int64   `json:"output"`
	Total    int64   `json:"total"`
	CostUSD  float64 `json:"cost_usd"`
	Calls    int64   `json:"calls"`
	Failures int64   `json:"failures"`
}

func (c *Counts) add(e Event) {
	c.Input += int64(e.InputTokens)
	c.Output += int64(e.OutputTokens)
	c.Total += int64(e.InputTokens + e.OutputTokens)
	c.CostUSD += e.CostUSD
	c.Calls++
	if e.Error != "" {
		c.Failures++
	}
}

// Aggregates holds counters broken down by the dimensions the usage report
// surfaces.
type Aggregates struct {
	Total   Counts            `json:"total"`
	ByModel map[string]Counts `json:"by_model"`
	ByTier  map[string]Counts `json:"by_tier"`
	ByPhase map[string]Counts `json:"by_phase"`
	ByTask  map[string]Counts `json:"by_task"`
}

// telemetryData is the persisted root document.
type telemetryData struct {
	Version   string     `json:"version"`
	Events    []Event    `json:"events,omitempty"`
	Aggregate Aggregates `json:"aggregate"`
}
