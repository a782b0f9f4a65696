package gate

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

// citationPattern matches [id] style references in draft content.
var citationPattern = regexp.MustCompile(`\[([A-Za-z0-9_.:-]+)\]`)

// SchemaChecker validates the draft against its declared format. JSON drafts
// must parse; other formats just need non-empty content.
type SchemaChecker struct{}

func (SchemaChecker) Name() string { return DimSchemaValidity }

func (SchemaChecker) Score(_ context.Context, d Draft) (float64, error) {
	content := strings.TrimSpace(d.Content)
	if content == "" {
		return 0, nil
	}
	if strings.EqualFold(d.Format, "json") {
		if !json.Valid([]byte(content)) {
			return 0, nil
		}
	}
	return 1, nil
}

// GroundingChecker scores the fraction of the draft's citations that resolve
// to a known source. A draft that cites nothing while sources exist scores
// zero; ungrounded claims are the failure mode the dimension exists for.
type GroundingChecker struct{}

func (GroundingChecker) Name() string { return DimFactualGrounding }

func (GroundingChecker) Score(_ context.Context, d Draft) (float64, error) {
	if len(d.SourceIDs) == 0 {
		return 1, nil
	}
	known := make(map[string]bool, len(d.SourceIDs))
	for _, id := range d.SourceIDs {
		known[id] = true
	}

	matches := citationPattern.FindAllStringSubmatch(d.Content, -1)
	if len(matches) == 0 {
		return 0, nil
	}
	resolved := 0
	for _, m := range matches {
		if known[m[1]] {
			resolved++
		}
	}
	return float64(resolved) / float64(len(matches)), nil
}

// VoiceToneChecker penalizes phrases the brand voice rules out. Each hit
// costs a fixed penalty, floored at zero.
type VoiceToneChecker struct {
	BannedPhrases []string
	Penalty       float64
}

// NewVoiceToneChecker builds a checker with the default penalty per hit.
func NewVoiceToneChecker(banned []string) VoiceToneChecker {
	return VoiceToneChecker{BannedPhrases: banned, Penalty: 0.25}
}

func (VoiceToneChecker) Name() string { return DimVoiceTone }

func (v VoiceToneChecker) Score(_ context.Context, d Draft) (float64, error) {
	lower := strings.ToLower(d.Content)
	score := 1.0
	for _, phrase := range v.BannedPhrases {
		if phrase == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(phrase)) {
			score -= v.Penalty
		}
	}
	if score < 0 {
		score = 0
	}
	return score, nil
}

// CompletenessChecker scores the fraction of required sections present in
// the draft. Drafts with no declared sections score full.
type CompletenessChecker struct{}

func (CompletenessChecker) Name() string { return DimCompleteness }

func (CompletenessChecker) Score(_ context.Context, d Draft) (float64, error) {
	if len(d.RequiredSections) == 0 {
		return 1, nil
	}
	lower := strings.ToLower(d.Content)
	found := 0
	for _, section := range d.RequiredSections {
		if strings.Contains(lower, strings.ToLower(section)) {
			found++
		}
	}
	return float64(found) / float64(len(d.RequiredSections)), nil
}

// DefaultCheckers returns the standard checker set in rubric order.
func DefaultCheckers(bannedPhrases []string) []Checker {
	return []Checker{
		SchemaChecker{},
		GroundingChecker{},
		NewVoiceToneChecker(bannedPhrases),
		CompletenessChecker{},
	}
}
