package workflow

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Step is one unit of planned work. Kind matches the tier-routing work
// kinds; the estimates feed budget reservations before anything runs.
type Step struct {
	ID          string   `json:"id" yaml:"id"`
	Description string   `json:"description" yaml:"description"`
	Kind        string   `json:"kind" yaml:"kind"`
	Inputs      []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	EstTokens   int      `json:"est_tokens" yaml:"est_tokens"`
	EstCostUSD  float64  `json:"est_cost_usd" yaml:"est_cost_usd"`
	Completed   bool     `json:"completed" yaml:"completed"`
	Skipped     bool     `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	SkipNote    string   `json:"skip_note,omitempty" yaml:"skip_note,omitempty"`

	// Actuals are recorded after execution so the persisted run carries
	// its metrics, not just its phase.
	ActualTokens  int     `json:"actual_tokens,omitempty" yaml:"actual_tokens,omitempty"`
	ActualCostUSD float64 `json:"actual_cost_usd,omitempty" yaml:"actual_cost_usd,omitempty"`
	GateScore     float64 `json:"gate_score,omitempty" yaml:"gate_score,omitempty"`
}

// done reports whether the step no longer needs execution.
func (s *Step) done() bool {
	return s.Completed || s.Skipped
}

// Plan is the ordered step list shown for approval.
type Plan struct {
	Summary string `json:"summary" yaml:"summary"`
	Steps   []Step `json:"steps" yaml:"steps"`
}

// Validate checks the plan is non-empty with unique step IDs and
// non-negative estimates.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return errors.New("plan has no steps")
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("step %d has no id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
		if s.EstTokens < 0 || s.EstCostUSD < 0 {
			return fmt.Errorf("step %q has negative estimates", s.ID)
		}
	}
	return nil
}

// EstTokens returns the summed token estimate across steps.
func (p *Plan) EstTokens() int {
	total := 0
	for _, s := range p.Steps {
		total += s.EstTokens
	}
	return total
}

// EstCostUSD returns the summed cost estimate across steps.
func (p *Plan) EstCostUSD() float64 {
	total := 0.0
	for _, s := range p.Steps {
		total += s.EstCostUSD
	}
	return total
}

// NextStep returns the first step that is neither completed nor skipped,
// or nil when all are done.
func (p *Plan) NextStep() *Step {
	for i := range p.Steps {
		if !p.Steps[i].done() {
			return &p.Steps[i]
		}
	}
	return nil
}

// MarkCompleted flags a step done by ID.
func (p *Plan) MarkCompleted(stepID string) error {
	for i := range p.Steps {
		if p.Steps[i].ID == stepID {
			p.Steps[i].Completed = true
			return nil
		}
	}
	return fmt.Errorf("step %q not in plan", stepID)
}

// MarkSkipped records an operator override that excuses a step from
// execution. The note is mandatory so delivery can show who waived what.
func (p *Plan) MarkSkipped(stepID, note string) error {
	if note == "" {
		return fmt.Errorf("skipping step %q requires an override note", stepID)
	}
	for i := range p.Steps {
		if p.Steps[i].ID == stepID {
			if p.Steps[i].Completed {
				return fmt.Errorf("step %q already completed", stepID)
			}
			p.Steps[i].Skipped = true
			p.Steps[i].SkipNote = note
			return nil
		}
	}
	return fmt.Errorf("step %q not in plan", stepID)
}

// LoadPlan reads and validates a YAML plan file.
func LoadPlan(path string) (*Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	var p Plan
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return &p, nil
}

// SetPlan attaches a validated plan to a run in the Plan phase.
func (r *Run) SetPlan(p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if r.Phase != PhasePlan {
		return fmt.Errorf("%w: set plan in %s", ErrInvalidTransition, r.Phase)
	}
	r.Plan = p
	return nil
}
