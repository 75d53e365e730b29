// Package verify implements the evidence verification workflow: a
// maker-checker state machine over submitted evidence records.
//
// States: pending -> under_review -> {approved, rejected}. The actor who
// submitted a piece of evidence can never review it, and terminal states are
// immutable; superseding an approved or rejected record means submitting new
// evidence, never editing the old one.
package verify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/complyline/complyline/runtime/auth"
)

type (
	// Evidence is the verification-relevant view of a submitted artifact.
	Evidence struct {
		// ID is the durable evidence identifier.
		ID string
		// ControlID references the control the evidence supports.
		ControlID string
		// Status is the current verification state.
		Status Status
		// SubmittedBy references the submitting actor (the maker).
		SubmittedBy string
		// ReviewedBy references the reviewing actor (the checker). Empty
		// until review begins; never equal to SubmittedBy.
		ReviewedBy string
		// ReviewedAt is set when the review decision lands (UTC).
		ReviewedAt *time.Time
		// ReviewComments carries the reviewer's notes.
		ReviewComments string
		// SubmittedAt records submission time (UTC).
		SubmittedAt time.Time
		// UpdatedAt records the last transition (UTC).
		UpdatedAt time.Time
	}

	// Status represents the verification state of an evidence record.
	Status string

	// Outcome is a review decision.
	Outcome string

	// Store persists evidence records. Updates replace the stored record
	// atomically; the workflow performs all transition checks before calling
	// Update so implementations only need last-write-wins semantics under
	// the single-reviewer discipline.
	Store interface {
		Insert(ctx context.Context, ev Evidence) error
		Load(ctx context.Context, id string) (Evidence, error)
		Update(ctx context.Context, ev Evidence) error
	}

	// Workflow drives evidence through the maker-checker state machine,
	// consulting the authorization guard for review capability.
	Workflow struct {
		store Store
		guard auth.Guard
	}
)

const (
	// StatusPending indicates newly submitted, unreviewed evidence.
	StatusPending Status = "pending"
	// StatusUnderReview indicates a reviewer has taken the record.
	StatusUnderReview Status = "under_review"
	// StatusApproved is terminal.
	StatusApproved Status = "approved"
	// StatusRejected is terminal.
	StatusRejected Status = "rejected"

	// OutcomeApproved approves the evidence.
	OutcomeApproved Outcome = "approved"
	// OutcomeRejected rejects the evidence.
	OutcomeRejected Outcome = "rejected"
)

var (
	// ErrEvidenceNotFound indicates no evidence exists with the given ID.
	ErrEvidenceNotFound = errors.New("evidence not found")
	// ErrSeparationOfDuties indicates a maker-checker breach: the submitter
	// attempted to review their own evidence. No state changes.
	ErrSeparationOfDuties = errors.New("separation of duties violation: reviewer cannot review own submission")
	// ErrReviewNotPermitted indicates the actor lacks review capability.
	ErrReviewNotPermitted = errors.New("actor is not permitted to review evidence")
	// ErrTerminalEvidence indicates a transition out of approved or rejected.
	ErrTerminalEvidence = errors.New("evidence is in a terminal state")
	// ErrInvalidTransition indicates an edge the state machine does not
	// define (e.g. deciding evidence that is not under review).
	ErrInvalidTransition = errors.New("invalid evidence transition")
	// ErrNotReviewOwner indicates a decide call from a reviewer other than
	// the one who began the review.
	ErrNotReviewOwner = errors.New("decision must come from the reviewer who began the review")
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// NewWorkflow builds a Workflow over the given store and guard.
func NewWorkflow(store Store, guard auth.Guard) (*Workflow, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if guard == nil {
		return nil, errors.New("guard is required")
	}
	return &Workflow{store: store, guard: guard}, nil
}

// Submit creates a pending evidence record stamped with the submitter.
func (w *Workflow) Submit(ctx context.Context, controlID, submitter string) (Evidence, error) {
	if controlID == "" {
		return Evidence{}, errors.New("control id is required")
	}
	if submitter == "" {
		return Evidence{}, errors.New("submitter is required")
	}
	now := time.Now().UTC()
	ev := Evidence{
		ID:          "evidence-" + uuid.NewString(),
		ControlID:   controlID,
		Status:      StatusPending,
		SubmittedBy: submitter,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if err := w.store.Insert(ctx, ev); err != nil {
		return Evidence{}, err
	}
	return ev, nil
}

// BeginReview moves pending evidence to under_review. The reviewer must hold
// the review capability under the given role and must not be the submitter;
// violations are rejected with no state change.
func (w *Workflow) BeginReview(ctx context.Context, id, reviewer string, role auth.Role) (Evidence, error) {
	if reviewer == "" {
		return Evidence{}, errors.New("reviewer is required")
	}
	ev, err := w.store.Load(ctx, id)
	if err != nil {
		return Evidence{}, err
	}
	if ev.Status.Terminal() {
		return Evidence{}, ErrTerminalEvidence
	}
	if ev.Status != StatusPending {
		return Evidence{}, ErrInvalidTransition
	}
	if !w.guard.Can(role, auth.CapReviewEvidence) {
		return Evidence{}, ErrReviewNotPermitted
	}
	if reviewer == ev.SubmittedBy {
		return Evidence{}, ErrSeparationOfDuties
	}

	ev.Status = StatusUnderReview
	ev.ReviewedBy = reviewer
	ev.UpdatedAt = time.Now().UTC()
	if err := w.store.Update(ctx, ev); err != nil {
		return Evidence{}, err
	}
	return ev, nil
}

// Decide moves under_review evidence to the given terminal outcome, stamping
// reviewed_at and comments. The decision must come from the reviewer who
// began the review; any other caller is rejected with no state change.
func (w *Workflow) Decide(ctx context.Context, id, reviewer string, outcome Outcome, comments string) (Evidence, error) {
	if reviewer == "" {
		return Evidence{}, errors.New("reviewer is required")
	}
	if outcome != OutcomeApproved && outcome != OutcomeRejected {
		return Evidence{}, errors.New("outcome must be approved or rejected")
	}
	ev, err := w.store.Load(ctx, id)
	if err != nil {
		return Evidence{}, err
	}
	if ev.Status.Terminal() {
		return Evidence{}, ErrTerminalEvidence
	}
	if ev.Status != StatusUnderReview {
		return Evidence{}, ErrInvalidTransition
	}
	if reviewer != ev.ReviewedBy {
		return Evidence{}, ErrNotReviewOwner
	}
	if reviewer == ev.SubmittedBy {
		return Evidence{}, ErrSeparationOfDuties
	}

	now := time.Now().UTC()
	ev.Status = Status(outcome)
	ev.ReviewedAt = &now
	ev.ReviewComments = comments
	ev.UpdatedAt = now
	if err := w.store.Update(ctx, ev); err != nil {
		return Evidence{}, err
	}
	return ev, nil
}
