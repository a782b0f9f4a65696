package chunk

import (
	"fmt"

	"mopkit/internal/llm"
)

// Kind classifies a unit of model work for tier routing.
type Kind string

const (
	KindChunkProcessing Kind = "chunk_processing"
	KindFiltering       Kind = "filtering"
	KindExtraction      Kind = "extraction"
	KindVerification    Kind = "verification"
	KindAggregation     Kind = "aggregation"
	KindSynthesis       Kind = "synthesis"
)

// Valid reports whether the kind is one of the known work kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindChunkProcessing, KindFiltering, KindExtraction,
		KindVerification, KindAggregation, KindSynthesis:
		return true
	}
	return false
}

// mechanical reports whether the kind is per-chunk mechanical work. Mechanical
// work never runs on the capable tier regardless of budget headroom.
func (k Kind) mechanical() bool {
	switch k {
	case KindChunkProcessing, KindFiltering, KindExtraction, KindVerification:
		return true
	}
	return false
}

// Router maps work kinds to model tiers.
type Router struct{}

// NewRouter creates a Router.
func NewRouter() *Router { return &Router{} }

// Route returns the tier for a kind. Mechanical per-chunk kinds always get
// the cheap tier; aggregation and synthesis get the capable tier.
func (r *Router) Route(kind Kind) (llm.Tier, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown work kind %q", kind)
	}
	if kind.mechanical() {
		return llm.TierCheap, nil
	}
	return llm.TierCapable, nil
}

// Check rejects tier assignments that break the routing rule. Explicit
// requests for the capable tier on mechanical work fail even when the
// budget could absorb it.
func (r *Router) Check(kind Kind, tier llm.Tier) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown work kind %q", kind)
	}
	if kind.mechanical() && tier == llm.TierCapable {
		return fmt.Errorf("%w: kind %s", ErrTierViolation, kind)
	}
	return nil
}
