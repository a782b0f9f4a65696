package workflow

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mopkit/internal/store"
)

func planFixture() *Plan {
	return &Plan{
		Summary: "Q3 paid social report",
		Steps: []Step{
			{ID: "pull", Description: "pull campaign export", Kind: "extraction", EstTokens: 4000, EstCostUSD: 0.004},
			{ID: "draft", Description: "draft report", Kind: "synthesis", EstTokens: 9000, EstCostUSD: 0.14},
		},
	}
}

// approvedRun walks a fresh run to the Execute phase.
func approvedRun(t *testing.T) *Run {
	t.Helper()
	r := NewRun("report on Q3 paid social", "report:paid-social")
	require.NoError(t, r.Advance(PhasePlan, "request understood"))
	require.NoError(t, r.SetPlan(planFixture()))
	require.NoError(t, r.Advance(PhaseApprove, "plan ready"))
	require.NoError(t, r.Approve("sam"))
	return r
}

func TestHappyPathToCompleted(t *testing.T) {
	r := approvedRun(t)
	assert.Equal(t, PhaseExecute, r.Phase)
	assert.Equal(t, 1, r.ExecuteCycle)

	require.NoError(t, r.Plan.MarkCompleted("pull"))
	require.NoError(t, r.Plan.MarkCompleted("draft"))
	require.NoError(t, r.Advance(PhaseDeliver, "all steps done"))
	require.NoError(t, r.Advance(PhaseCompleted, "delivered"))
	assert.True(t, r.Phase.Terminal())
	assert.Len(t, r.History, 5)
}

func TestDeliverRefusesOutstandingSteps(t *testing.T) {
	r := approvedRun(t)

	err := r.Advance(PhaseDeliver, "too eager")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, PhaseExecute, r.Phase)

	require.NoError(t, r.Plan.MarkCompleted("pull"))
	err = r.Advance(PhaseDeliver, "one left")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, r.Plan.MarkSkipped("draft", "client supplied their own draft"))
	require.NoError(t, r.Advance(PhaseDeliver, "remaining step waived"))
}

func TestForwardOnly(t *testing.T) {
	r := NewRun("req", "fp")
	require.NoError(t, r.Advance(PhasePlan, ""))

	err := r.Advance(PhaseUnderstand, "go back")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = r.Advance(PhaseDeliver, "skip ahead")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestExecuteRequiresExplicitApproval(t *testing.T) {
	r := NewRun("req", "fp")
	require.NoError(t, r.Advance(PhasePlan, ""))
	require.NoError(t, r.Advance(PhaseApprove, ""))

	err := r.Advance(PhaseExecute, "just go")
	assert.ErrorIs(t, err, ErrNotApproved)

	err = r.Approve("")
	assert.ErrorIs(t, err, ErrNotApproved)

	require.NoError(t, r.Approve("sam"))
	assert.Equal(t, PhaseExecute, r.Phase)
	assert.Equal(t, "sam", r.ApprovedBy)
	require.NotNil(t, r.ApprovedAt)
}

func TestApproveOnlyFromApprovePhase(t *testing.T) {
	r := NewRun("req", "fp")
	err := r.Approve("sam")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReplanDiscardsApproval(t *testing.T) {
	r := approvedRun(t)

	require.NoError(t, r.Replan("export schema changed"))
	assert.Equal(t, PhasePlan, r.Phase)
	assert.Empty(t, r.ApprovedBy)
	assert.Nil(t, r.ApprovedAt)

	// The revised plan needs a fresh approval before executing again.
	require.NoError(t, r.Advance(PhaseApprove, ""))
	err := r.Advance(PhaseExecute, "")
	assert.ErrorIs(t, err, ErrNotApproved)

	require.NoError(t, r.Approve("sam"))
	assert.Equal(t, 2, r.ExecuteCycle)
}

func TestReplanOnlyFromExecute(t *testing.T) {
	r := NewRun("req", "fp")
	assert.ErrorIs(t, r.Replan("too early"), ErrInvalidTransition)
}

func TestParkBlocksEverythingButAbandon(t *testing.T) {
	r := approvedRun(t)
	require.NoError(t, r.Park("gate verdict: human_review"))

	assert.ErrorIs(t, r.Advance(PhaseDeliver, ""), ErrParked)
	assert.ErrorIs(t, r.Replan("x"), ErrParked)

	require.NoError(t, r.Resume())
	require.NoError(t, r.Plan.MarkCompleted("pull"))
	require.NoError(t, r.Plan.MarkCompleted("draft"))
	require.NoError(t, r.Advance(PhaseDeliver, "reviewed"))
}

func TestParkedRunCanBeAbandoned(t *testing.T) {
	r := approvedRun(t)
	require.NoError(t, r.Park("gate verdict: human_review"))
	require.NoError(t, r.Abandon("reviewer rejected"))
	assert.Equal(t, PhaseAbandoned, r.Phase)
	assert.False(t, r.Parked)
}

func TestTerminalPhasesRefuseEverything(t *testing.T) {
	r := approvedRun(t)
	require.NoError(t, r.Abandon("user cancelled"))

	assert.ErrorIs(t, r.Advance(PhasePlan, ""), ErrInvalidTransition)
	assert.ErrorIs(t, r.Abandon("again"), ErrInvalidTransition)
	assert.Error(t, r.Park("late"))
}

func TestPlanValidation(t *testing.T) {
	p := &Plan{}
	assert.Error(t, p.Validate())

	p = planFixture()
	require.NoError(t, p.Validate())
	assert.Equal(t, 13000, p.EstTokens())
	assert.InDelta(t, 0.144, p.EstCostUSD(), 1e-9)

	p.Steps = append(p.Steps, Step{ID: "pull"})
	assert.Error(t, p.Validate())
}

func TestPlanStepProgress(t *testing.T) {
	p := planFixture()
	next := p.NextStep()
	require.NotNil(t, next)
	assert.Equal(t, "pull", next.ID)

	require.NoError(t, p.MarkCompleted("pull"))
	assert.Equal(t, "draft", p.NextStep().ID)

	require.NoError(t, p.MarkCompleted("draft"))
	assert.Nil(t, p.NextStep())

	assert.Error(t, p.MarkCompleted("missing"))
}

func TestSkippedStepNeedsNoteAndClearsQueue(t *testing.T) {
	p := planFixture()
	require.NoError(t, p.MarkCompleted("pull"))

	assert.Error(t, p.MarkSkipped("draft", ""))
	assert.Error(t, p.MarkSkipped("pull", "already done"))

	require.NoError(t, p.MarkSkipped("draft", "client supplied their own draft"))
	assert.Nil(t, p.NextStep())
	assert.Equal(t, "client supplied their own draft", p.Steps[1].SkipNote)
}

func TestManagerRoundTrip(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer s.Close()

	m := NewManager(s)
	r, err := m.Create("report request", "report:email")
	require.NoError(t, err)

	require.NoError(t, r.Advance(PhasePlan, ""))
	require.NoError(t, r.SetPlan(planFixture()))
	require.NoError(t, m.Save(r))

	loaded, err := m.Load(r.ID)
	require.NoError(t, err)
	assert.Equal(t, PhasePlan, loaded.Phase)
	require.NotNil(t, loaded.Plan)
	assert.Len(t, loaded.Plan.Steps, 2)

	ids, err := m.List()
	require.NoError(t, err)
	assert.Contains(t, ids, r.ID)
}

func TestArchiveMovesTerminalRuns(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer s.Close()

	m := NewManager(s)
	r, err := m.Create("one-off audit", "audit:email")
	require.NoError(t, err)

	assert.Error(t, m.Archive(r))

	require.NoError(t, r.Abandon("client cancelled"))
	require.NoError(t, m.Archive(r))

	ids, err := m.List()
	require.NoError(t, err)
	assert.NotContains(t, ids, r.ID)

	loaded, err := m.Load(r.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseAbandoned, loaded.Phase)
}
