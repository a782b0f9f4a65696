// Package assembler builds the bounded context payload handed to a model
// call. Sources are assembled per tier: tier 1 "always" sources load
// unconditionally, tier 2 adds planning metadata greedily by relevance rank,
// tier 3 adds full content plus historical guidance and is the only tier
// allowed to offload to chunked processing instead of truncating.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"mopkit/internal/budget"
	"mopkit/internal/config"
	"mopkit/internal/logging"
)

// ErrContextOverflow indicates that tier-1 mandatory sources alone exceed the
// tier sub-budget. This is an upstream configuration error, surfaced
// immediately and never retried or silently truncated.
var ErrContextOverflow = errors.New("context overflow")

// Tier identifies one of the three escalating context levels.
type Tier int

const (
	Tier1Always    Tier = 1 // small always-on profile data
	Tier2Planning  Tier = 2 // planning-time metadata, ranked
	Tier3Execution Tier = 3 // full content plus historical guidance
)

// String returns the tier name for logs.
func (t Tier) String() string {
	switch t {
	case Tier1Always:
		return "always"
	case Tier2Planning:
		return "planning"
	case Tier3Execution:
		return "execution"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid reports whether the tier is one of the three defined levels.
func (t Tier) Valid() bool {
	return t >= Tier1Always && t <= Tier3Execution
}

// Source is one named context source offered for assembly.
type Source struct {
	ID        string  `json:"id"`
	Content   string  `json:"content"`
	Relevance float64 `json:"relevance"` // caller-provided rank score
	Mandatory bool    `json:"mandatory"` // tier-1 "always" source
}

// Entry is one included (source, content, token-count) tuple.
type Entry struct {
	SourceID string `json:"source_id"`
	Content  string `json:"content"`
	Tokens   int    `json:"tokens"`
}

// Bundle is the assembled payload for one tier. Built fresh per task, never
// mutated, discarded after the execution call returns.
type Bundle struct {
	Tier        Tier     `json:"tier"`
	Entries     []Entry  `json:"entries"`
	TotalTokens int      `json:"total_tokens"`
	Dropped     []string `json:"dropped,omitempty"` // source IDs dropped by rank

	// Offloaded bundles carry a reference instead of inline text and must be
	// processed through the chunk scheduler.
	Offloaded  bool   `json:"offloaded"`
	OffloadRef string `json:"offload_ref,omitempty"`
}

// Render concatenates the bundle's entries into prompt text. Offloaded
// bundles have no inline text to render.
func (b *Bundle) Render() string {
	if b.Offloaded {
		return ""
	}
	var sb strings.Builder
	for _, e := range b.Entries {
		sb.WriteString("## ")
		sb.WriteString(e.SourceID)
		sb.WriteString("\n")
		sb.WriteString(e.Content)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// Offloader hands oversized tier-3 source sets to chunked processing and
// returns a reference to the resulting buffer.
type Offloader interface {
	Offload(ctx context.Context, taskID string, sources []Source) (string, error)
}

// GuidanceProvider surfaces procedural guidance recorded by the memory store
// for similar past contexts.
type GuidanceProvider interface {
	DefaultGuidance(ctx context.Context, fingerprint string) ([]string, error)
}

// Request describes one assembly call.
type Request struct {
	TaskID      string
	Tier        Tier
	Fingerprint string // context fingerprint for guidance lookup
	Sources     []Source
}

// Assembler assembles context bundles under a budget ledger.
type Assembler struct {
	offloader Offloader
	guidance  GuidanceProvider
}

// New creates an assembler. The offloader is required for tier-3 assembly of
// oversized source sets; the guidance provider may be nil.
func New(offloader Offloader, guidance GuidanceProvider) *Assembler {
	return &Assembler{
		offloader: offloader,
		guidance:  guidance,
	}
}

// Assemble retrieves, ranks and concatenates sources into a bounded bundle.
// The bundle is sized against the ledger's remaining allowance but nothing
// is reserved here; the model call consuming the bundle reserves its full
// prompt once.
func (a *Assembler) Assemble(ctx context.Context, req Request, ledger *budget.Ledger) (*Bundle, error) {
	timer := logging.StartTimer(logging.CategoryContext, "Assembler.Assemble")
	defer timer.Stop()

	if !req.Tier.Valid() {
		return nil, fmt.Errorf("unknown context tier %d", int(req.Tier))
	}

	sources := req.Sources
	if req.Tier == Tier3Execution && a.guidance != nil {
		guided, err := a.withGuidance(ctx, req)
		if err != nil {
			// Guidance is advisory; assembly proceeds without it.
			logging.Get(logging.CategoryContext).Warn("guidance lookup failed for %s: %v", req.TaskID, err)
		} else {
			sources = guided
		}
	}

	mandatory, ranked := splitSources(sources)
	mandatoryTokens := sumTokens(mandatory)
	totalTokens := mandatoryTokens + sumTokens(ranked)

	// The tier sub-budget is the inline threshold capped by what the task's
	// ledger still allows.
	tierBudget := config.InlineTokenLimit
	if remaining := ledger.RemainingTokens(); remaining < tierBudget {
		tierBudget = remaining
	}

	// Mandatory sources alone breaching the sub-budget is a configuration
	// error, not a truncation decision.
	if mandatoryTokens > tierBudget {
		return nil, fmt.Errorf("mandatory sources need %d tokens, tier budget is %d: %w",
			mandatoryTokens, tierBudget, ErrContextOverflow)
	}

	// Tier 3 offloads rather than truncates when the candidate set cannot be
	// inlined. Above the hard limit a single non-chunked call is refused
	// outright, so offload is the only path.
	if req.Tier == Tier3Execution && totalTokens > config.InlineTokenLimit {
		return a.offload(ctx, req, sources, totalTokens)
	}

	bundle := a.assembleInline(req.Tier, mandatory, ranked, tierBudget)

	logging.ContextDebug("Assembled tier-%d bundle for %s: %d entries, %d tokens, %d dropped",
		int(req.Tier), req.TaskID, len(bundle.Entries), bundle.TotalTokens, len(bundle.Dropped))
	return bundle, nil
}

// assembleInline performs greedy inclusion by relevance rank within the tier
// budget. Lowest-ranked entries are dropped first and recorded.
func (a *Assembler) assembleInline(tier Tier, mandatory, ranked []Source, tierBudget int) *Bundle {
	bundle := &Bundle{Tier: tier}

	for _, src := range mandatory {
		tokens := budget.EstimateTokens(src.Content)
		bundle.Entries = append(bundle.Entries, Entry{SourceID: src.ID, Content: src.Content, Tokens: tokens})
		bundle.TotalTokens += tokens
	}

	// Highest relevance first; ties keep caller order.
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Relevance > ranked[j].Relevance
	})

	for i, src := range ranked {
		tokens := budget.EstimateTokens(src.Content)
		if bundle.TotalTokens+tokens > tierBudget {
			// Rank order is authoritative: once an entry does not fit,
			// everything ranked at or below it is dropped with it.
			for _, rest := range ranked[i:] {
				bundle.Dropped = append(bundle.Dropped, rest.ID)
			}
			break
		}
		bundle.Entries = append(bundle.Entries, Entry{SourceID: src.ID, Content: src.Content, Tokens: tokens})
		bundle.TotalTokens += tokens
	}

	return bundle
}

// offload hands the full source set to the chunk scheduler and returns a
// reference-only bundle. Content is never dropped on this path.
func (a *Assembler) offload(ctx context.Context, req Request, sources []Source, totalTokens int) (*Bundle, error) {
	if a.offloader == nil {
		return nil, fmt.Errorf("tier-3 sources total %d tokens but no offloader configured: %w",
			totalTokens, ErrContextOverflow)
	}

	ref, err := a.offloader.Offload(ctx, req.TaskID, sources)
	if err != nil {
		return nil, fmt.Errorf("offload of %d tokens failed: %w", totalTokens, err)
	}

	logging.Context("Offloaded tier-3 context for %s: %d tokens -> ref %s", req.TaskID, totalTokens, ref)
	return &Bundle{
		Tier:        req.Tier,
		TotalTokens: totalTokens,
		Offloaded:   true,
		OffloadRef:  ref,
	}, nil
}

// withGuidance prepends procedural guidance from the memory store as
// mandatory sources.
func (a *Assembler) withGuidance(ctx context.Context, req Request) ([]Source, error) {
	lines, err := a.guidance.DefaultGuidance(ctx, req.Fingerprint)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return req.Sources, nil
	}

	guided := make([]Source, 0, len(req.Sources)+1)
	guided = append(guided, Source{
		ID:        "guidance",
		Content:   strings.Join(lines, "\n"),
		Mandatory: true,
	})
	guided = append(guided, req.Sources...)
	return guided, nil
}

func splitSources(sources []Source) (mandatory, ranked []Source) {
	for _, src := range sources {
		if src.Mandatory {
			mandatory = append(mandatory, src)
		} else {
			ranked = append(ranked, src)
		}
	}
	return mandatory, ranked
}

func sumTokens(sources []Source) int {
	total := 0
	for _, src := range sources {
		total += budget.EstimateTokens(src.Content)
	}
	return total
}
