// Package gate implements the quality gate. Every deliverable draft is
// scored on the four rubric dimensions, the weighted total maps to a ternary
// verdict, and nothing reaches the user without passing through here.
package gate

import (
	"context"
	"fmt"

	"mopkit/internal/config"
	"mopkit/internal/logging"
)

// Verdict is the gate's ternary decision.
type Verdict string

const (
	VerdictAutoDeliver   Verdict = "auto_deliver"
	VerdictNeedsRevision Verdict = "needs_revision"
	VerdictHumanReview   Verdict = "human_review"
)

// Rubric dimension names. Weights for these four must sum to one.
const (
	DimSchemaValidity   = "schema_validity"
	DimFactualGrounding = "factual_grounding"
	DimVoiceTone        = "voice_tone"
	DimCompleteness     = "completeness"
)

// Draft is a deliverable candidate handed to the gate.
type Draft struct {
	TaskID           string   `json:"task_id"`
	Content          string   `json:"content"`
	Format           string   `json:"format"`
	RequiredSections []string `json:"required_sections,omitempty"`
	SourceIDs        []string `json:"source_ids,omitempty"`
}

// Checker scores one rubric dimension in [0, 1].
type Checker interface {
	Name() string
	Score(ctx context.Context, d Draft) (float64, error)
}

// Evaluation is the gate's full output for one draft.
type Evaluation struct {
	TaskID     string             `json:"task_id"`
	Dimensions map[string]float64 `json:"dimensions"`
	Weighted   float64            `json:"weighted"`
	Verdict    Verdict            `json:"verdict"`
	Notes      []string           `json:"notes,omitempty"`
}

// Gate applies the rubric to drafts. Construction fails on a misconfigured
// rubric so a bad weight table can never score anything.
type Gate struct {
	cfg      config.RubricConfig
	checkers []Checker
}

// New validates the rubric and builds a gate with the given dimension
// checkers. Every rubric dimension must have exactly one checker.
func New(cfg config.RubricConfig, checkers ...Checker) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	need := map[string]bool{
		DimSchemaValidity:   false,
		DimFactualGrounding: false,
		DimVoiceTone:        false,
		DimCompleteness:     false,
	}
	for _, c := range checkers {
		seen, known := need[c.Name()]
		if !known {
			return nil, fmt.Errorf("%w: unknown dimension checker %q", config.ErrRubricMisconfigured, c.Name())
		}
		if seen {
			return nil, fmt.Errorf("%w: duplicate checker for %q", config.ErrRubricMisconfigured, c.Name())
		}
		need[c.Name()] = true
	}
	for name, seen := range need {
		if !seen {
			return nil, fmt.Errorf("%w: no checker for dimension %q", config.ErrRubricMisconfigured, name)
		}
	}

	return &Gate{cfg: cfg, checkers: checkers}, nil
}

// Evaluate scores a draft on every dimension and decides the verdict. A
// checker error does not skip the dimension; it scores zero and is noted, so
// a broken check can only make the gate stricter.
func (g *Gate) Evaluate(ctx context.Context, d Draft) (Evaluation, error) {
	timer := logging.StartTimer(logging.CategoryGate, "evaluate")
	defer timer.Stop()

	eval := Evaluation{
		TaskID:     d.TaskID,
		Dimensions: make(map[string]float64, len(g.checkers)),
	}

	for _, c := range g.checkers {
		score, err := c.Score(ctx, d)
		if err != nil {
			eval.Notes = append(eval.Notes, fmt.Sprintf("%s check failed: %v", c.Name(), err))
			score = 0
		}
		score = clamp01(score)
		eval.Dimensions[c.Name()] = score
	}

	eval.Weighted = clamp01(
		g.cfg.Weights.SchemaValidity*eval.Dimensions[DimSchemaValidity] +
			g.cfg.Weights.FactualGrounding*eval.Dimensions[DimFactualGrounding] +
			g.cfg.Weights.VoiceTone*eval.Dimensions[DimVoiceTone] +
			g.cfg.Weights.Completeness*eval.Dimensions[DimCompleteness])

	eval.Verdict = Decide(eval.Weighted, g.cfg.AutoDeliverThreshold, g.cfg.RevisionThreshold)

	logging.Gate("task %s scored %.3f -> %s (schema=%.2f grounding=%.2f voice=%.2f complete=%.2f)",
		d.TaskID, eval.Weighted, eval.Verdict,
		eval.Dimensions[DimSchemaValidity], eval.Dimensions[DimFactualGrounding],
		eval.Dimensions[DimVoiceTone], eval.Dimensions[DimCompleteness])
	return eval, nil
}

// Decide maps a weighted score to a verdict. Pure function of its inputs:
// at or above the auto threshold delivers, at or above the revision
// threshold retries, below that a human looks.
func Decide(score, autoThreshold, revisionThreshold float64) Verdict {
	switch {
	case score >= autoThreshold:
		return VerdictAutoDeliver
	case score >= revisionThreshold:
		return VerdictNeedsRevision
	default:
		return VerdictHumanReview
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
