package config

import (
	"errors"
	"fmt"
	"math"
)

// ErrRubricMisconfigured indicates the rubric weights do not sum to 1.0 or
// the verdict thresholds are inconsistent. This is fatal at startup.
var ErrRubricMisconfigured = errors.New("rubric misconfigured")

// weightSumTolerance absorbs float decoding noise when checking the sum.
const weightSumTolerance = 1e-6

// RubricWeights are the fixed scoring dimensions for the quality gate.
// Weights must sum to 1.0.
type RubricWeights struct {
	SchemaValidity   float64 `yaml:"schema_validity"`
	FactualGrounding float64 `yaml:"factual_grounding"`
	VoiceTone        float64 `yaml:"voice_tone"`
	Completeness     float64 `yaml:"completeness"`
}

// Sum returns the total of all dimension weights.
func (w RubricWeights) Sum() float64 {
	return w.SchemaValidity + w.FactualGrounding + w.VoiceTone + w.Completeness
}

// RubricConfig configures the quality gate's weighting and verdict routing.
type RubricConfig struct {
	Weights RubricWeights `yaml:"weights"`

	// AutoDeliverThreshold: weighted score at or above this auto-delivers.
	AutoDeliverThreshold float64 `yaml:"auto_deliver_threshold"`

	// RevisionThreshold: scores in [RevisionThreshold, AutoDeliverThreshold)
	// are routed to revision; below goes to human review.
	RevisionThreshold float64 `yaml:"revision_threshold"`

	// BannedPhrases feed the voice and tone check; each occurrence lowers
	// the dimension score.
	BannedPhrases []string `yaml:"banned_phrases,omitempty"`
}

// DefaultRubricConfig returns the default rubric.
func DefaultRubricConfig() RubricConfig {
	return RubricConfig{
		Weights: RubricWeights{
			SchemaValidity:   0.25,
			FactualGrounding: 0.35,
			VoiceTone:        0.15,
			Completeness:     0.25,
		},
		AutoDeliverThreshold: 0.85,
		RevisionThreshold:    0.60,
		BannedPhrases:        []string{"synergy", "game-changer", "revolutionize"},
	}
}

// Validate enforces the weight-sum and threshold invariants. Violations are
// fatal configuration errors.
func (r *RubricConfig) Validate() error {
	for name, w := range map[string]float64{
		"schema_validity":   r.Weights.SchemaValidity,
		"factual_grounding": r.Weights.FactualGrounding,
		"voice_tone":        r.Weights.VoiceTone,
		"completeness":      r.Weights.Completeness,
	} {
		if w < 0 || w > 1 {
			return fmt.Errorf("%w: weight %s=%.4f outside [0,1]", ErrRubricMisconfigured, name, w)
		}
	}

	if sum := r.Weights.Sum(); math.Abs(sum-1.0) > weightSumTolerance {
		return fmt.Errorf("%w: weights sum to %.4f, want 1.0", ErrRubricMisconfigured, sum)
	}

	if r.AutoDeliverThreshold <= 0 || r.AutoDeliverThreshold > 1 {
		return fmt.Errorf("%w: auto_deliver_threshold %.4f outside (0,1]",
			ErrRubricMisconfigured, r.AutoDeliverThreshold)
	}
	if r.RevisionThreshold < 0 || r.RevisionThreshold >= r.AutoDeliverThreshold {
		return fmt.Errorf("%w: revision_threshold %.4f must be in [0, %.4f)",
			ErrRubricMisconfigured, r.RevisionThreshold, r.AutoDeliverThreshold)
	}

	return nil
}
