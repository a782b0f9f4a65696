// Package workflow implements the run state machine. A run moves forward
// through Understand, Plan, Approve, Execute and Deliver; the only backward
// edge is Execute back to Plan for a replan. Approval never happens
// implicitly and a parked run waits for a human.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mopkit/internal/logging"
)

// ErrInvalidTransition reports a phase change the state machine forbids.
var ErrInvalidTransition = errors.New("invalid phase transition")

// ErrNotApproved reports an attempt to execute without an explicit approval.
var ErrNotApproved = errors.New("run not approved")

// ErrParked reports an operation on a run waiting for human review.
var ErrParked = errors.New("run parked for human review")

// Phase is a run's position in the workflow.
type Phase string

const (
	PhaseUnderstand Phase = "understand"
	PhasePlan       Phase = "plan"
	PhaseApprove    Phase = "approve"
	PhaseExecute    Phase = "execute"
	PhaseDeliver    Phase = "deliver"
	PhaseCompleted  Phase = "completed"
	PhaseAbandoned  Phase = "abandoned"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseUnderstand, PhasePlan, PhaseApprove, PhaseExecute,
		PhaseDeliver, PhaseCompleted, PhaseAbandoned:
		return true
	}
	return false
}

// Terminal reports whether the run can never move again.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseAbandoned
}

// transitions lists the allowed forward edges plus the single replan edge.
var transitions = map[Phase][]Phase{
	PhaseUnderstand: {PhasePlan},
	PhasePlan:       {PhaseApprove},
	PhaseApprove:    {PhaseExecute},
	PhaseExecute:    {PhaseDeliver, PhasePlan},
	PhaseDeliver:    {PhaseCompleted},
}

// Transition is one recorded phase change.
type Transition struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Run is one workflow instance for a user request.
type Run struct {
	ID           string       `json:"id"`
	Request      string       `json:"request"`
	Fingerprint  string       `json:"fingerprint"`
	Phase        Phase        `json:"phase"`
	Plan         *Plan        `json:"plan,omitempty"`
	ExecuteCycle int          `json:"execute_cycle"`
	ApprovedBy   string       `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time   `json:"approved_at,omitempty"`
	Parked       bool         `json:"parked"`
	ParkedReason string       `json:"parked_reason,omitempty"`
	Deliverable  string       `json:"deliverable,omitempty"`
	History      []Transition `json:"history"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// NewRun creates a run in the Understand phase.
func NewRun(request, fingerprint string) *Run {
	now := time.Now().UTC()
	r := &Run{
		ID:          uuid.NewString(),
		Request:     request,
		Fingerprint: fingerprint,
		Phase:       PhaseUnderstand,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	logging.Workflow("Run %s created in %s phase", r.ID, r.Phase)
	return r
}

// canTransition reports whether the edge exists, ignoring park state.
func canTransition(from, to Phase) bool {
	if to == PhaseAbandoned {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Advance moves the run to the given phase. Parked runs refuse every move
// except abandonment; approval is checked on entry to Execute.
func (r *Run) Advance(to Phase, reason string) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidTransition, to)
	}
	if r.Parked && to != PhaseAbandoned {
		return fmt.Errorf("%w: run %s", ErrParked, r.ID)
	}
	if !canTransition(r.Phase, to) {
		logging.WorkflowWarn("Run %s refused transition %s -> %s", r.ID, r.Phase, to)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Phase, to)
	}
	if to == PhaseExecute && r.ApprovedBy == "" {
		return fmt.Errorf("%w: run %s", ErrNotApproved, r.ID)
	}
	if to == PhaseDeliver && r.Plan != nil {
		if next := r.Plan.NextStep(); next != nil {
			return fmt.Errorf("%w: %s -> %s with step %q outstanding",
				ErrInvalidTransition, r.Phase, to, next.ID)
		}
	}

	if to == PhaseExecute {
		r.ExecuteCycle++
	}
	r.record(to, reason)
	return nil
}

// Approve records an explicit approval and moves the run into Execute. The
// approver identity is required; an empty string is not an acknowledgment.
func (r *Run) Approve(approver string) error {
	if approver == "" {
		return fmt.Errorf("%w: approver required", ErrNotApproved)
	}
	if r.Parked {
		return fmt.Errorf("%w: run %s", ErrParked, r.ID)
	}
	if r.Phase != PhaseApprove {
		return fmt.Errorf("%w: approve from %s", ErrInvalidTransition, r.Phase)
	}

	now := time.Now().UTC()
	r.ApprovedBy = approver
	r.ApprovedAt = &now
	r.ExecuteCycle++
	r.record(PhaseExecute, "approved by "+approver)
	return nil
}

// Replan moves an executing run back to Plan. The earlier approval is
// discarded; the revised plan needs its own.
func (r *Run) Replan(reason string) error {
	if r.Parked {
		return fmt.Errorf("%w: run %s", ErrParked, r.ID)
	}
	if r.Phase != PhaseExecute {
		return fmt.Errorf("%w: replan from %s", ErrInvalidTransition, r.Phase)
	}
	r.ApprovedBy = ""
	r.ApprovedAt = nil
	r.record(PhasePlan, reason)
	return nil
}

// Park suspends the run for human review without changing its phase.
func (r *Run) Park(reason string) error {
	if r.Phase.Terminal() {
		return fmt.Errorf("%w: park from %s", ErrInvalidTransition, r.Phase)
	}
	r.Parked = true
	r.ParkedReason = reason
	r.UpdatedAt = time.Now().UTC()
	logging.Workflow("Run %s parked in %s: %s", r.ID, r.Phase, reason)
	return nil
}

// Resume releases a parked run in its current phase.
func (r *Run) Resume() error {
	if !r.Parked {
		return fmt.Errorf("run %s is not parked", r.ID)
	}
	r.Parked = false
	r.ParkedReason = ""
	r.UpdatedAt = time.Now().UTC()
	logging.Workflow("Run %s resumed in %s", r.ID, r.Phase)
	return nil
}

// Abandon terminates the run from any non-terminal phase.
func (r *Run) Abandon(reason string) error {
	if r.Phase.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Phase, PhaseAbandoned)
	}
	r.Parked = false
	r.record(PhaseAbandoned, reason)
	return nil
}

func (r *Run) record(to Phase, reason string) {
	now := time.Now().UTC()
	r.History = append(r.History, Transition{From: r.Phase, To: to, At: now, Reason: reason})
	logging.Workflow("Run %s: %s -> %s (%s)", r.ID, r.Phase, to, reason)
	r.Phase = to
	r.UpdatedAt = now
}
