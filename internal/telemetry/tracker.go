// Package telemetry records per-task token, cost and duration measurements
// and keeps aggregates by model, tier, phase and task. Data persists as JSON
// under .mopkit so the usage report spans sessions.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mopkit/internal/logging"
)

// maxRetainedEvents caps the raw event log; aggregates are unaffected.
const maxRetainedEvents = 5000

// Tracker records telemetry events and persists them with a debounced save.
type Tracker struct {
	mu            sync.Mutex
	data          telemetryData
	filePath      string
	dirty         bool
	autoSaveDelay time.Duration
}

// NewTracker creates a tracker persisting under workspacePath/.mopkit.
func NewTracker(workspacePath string) (*Tracker, error) {
	dir := filepath.Join(workspacePath, ".mopkit")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create .mopkit dir: %w", err)
	}

	t := &Tracker{
		filePath:      filepath.Join(dir, "telemetry.json"),
		autoSaveDelay: 5 * time.Second,
		data: telemetryData{
			Version: "1.0",
			Aggregate: Aggregates{
				ByModel: make(map[string]Counts),
				ByTier:  make(map[string]Counts),
				ByPhase: make(map[string]Counts),
				ByTask:  make(map[string]Counts),
			},
		},
	}

	if err := t.Load(); err != nil {
		logging.Get(logging.CategoryTelemetry).Warn("telemetry load failed, starting fresh: %v", err)
	}
	return t, nil
}

// Load reads persisted telemetry from disk. A missing file is not an error.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	raw, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &t.data); err != nil {
		return err
	}

	if t.data.Aggregate.ByModel == nil {
		t.data.Aggregate.ByModel = make(map[string]Counts)
	}
	if t.data.Aggregate.ByTier == nil {
		t.data.Aggregate.ByTier = make(map[string]Counts)
	}
	if t.data.Aggregate.ByPhase == nil {
		t.data.Aggregate.ByPhase = make(map[string]Counts)
	}
	if t.data.Aggregate.ByTask == nil {
		t.data.Aggregate.ByTask = make(map[string]Counts)
	}
	return nil
}

// Save writes telemetry to disk immediately.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	raw, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.filePath, raw, 0644)
}

// Record stores an event and updates every aggregate dimension. Persistence
// is debounced so bursts of chunk events cause one write.
func (t *Tracker) Record(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Events = append(t.data.Events, e)
	if len(t.data.Events) > maxRetainedEvents {
		t.data.Events = t.data.Events[len(t.data.Events)-maxRetainedEvents:]
	}

	t.data.Aggregate.Total.add(e)
	if e.Model != "" {
		addCounts(t.data.Aggregate.ByModel, e.Model, e)
	}
	if e.Tier != "" {
		addCounts(t.data.Aggregate.ByTier, e.Tier, e)
	}
	if e.Phase != "" {
		addCounts(t.data.Aggregate.ByPhase, e.Phase, e)
	}
	if e.TaskID != "" {
		addCounts(t.data.Aggregate.ByTask, e.TaskID, e)
	}

	logging.TelemetryDebug("event task=%s phase=%s tier=%s tokens=%d/%d cost=$%.4f",
		e.TaskID, e.Phase, e.Tier, e.InputTokens, e.OutputTokens, e.CostUSD)

	if !t.dirty {
		t.dirty = true
		time.AfterFunc(t.autoSaveDelay, func() {
			if err := t.Save(); err != nil {
				logging.Get(logging.CategoryTelemetry).Error("telemetry save failed: %v", err)
			}
			t.mu.Lock()
			t.dirty = false
			t.mu.Unlock()
		})
	}
}

// Stats returns a copy of the aggregates.
func (t *Tracker) Stats() Aggregates {
	t.mu.Lock()
	defer t.mu.Unlock()
	agg := t.data.Aggregate
	agg.ByModel = copyCounts(agg.ByModel)
	agg.ByTier = copyCounts(agg.ByTier)
	agg.ByPhase = copyCounts(agg.ByPhase)
	agg.ByTask = copyCounts(agg.ByTask)
	return agg
}

// TaskEvents returns the retained events for one task in record order.
func (t *Tracker) TaskEvents(taskID string) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Event
	for _, e := range t.data.Events {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

func copyCounts(src map[string]Counts) map[string]Counts {
	dst := make(map[string]Counts, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func addCounts(m map[string]Counts, key string, e Event) {
	entry := m[key]
	entry.add(e)
	m[key] = entry
}
