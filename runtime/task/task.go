// Package task defines the durable task queue primitives backing the
// conversational agent: task lifecycle state, the store contract, and the
// exclusive claim protocol workers use to take ownership of pending work.
//
// A Task is a unit of asynchronous work requested on behalf of an actor
// (typically by the conversation orchestrator translating a tool call). Tasks
// move through a strict lifecycle: pending -> running -> {completed, failed}.
// No other edges exist; terminal states are final.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	// Task captures the durable state of one unit of asynchronous work.
	//
	// Contract:
	// - Payload is immutable after creation.
	// - Result is written exactly once, by the claiming worker, on completion.
	// - ErrorMessage is set iff Status is StatusFailed.
	// - StartedAt is set iff the task has left pending; CompletedAt is set iff
	//   the task is terminal.
	// - Exactly one worker ever transitions a given task out of pending.
	Task struct {
		// ID is the durable task identifier, prefixed with the task type.
		ID string
		// Type names the tool the task executes (e.g. "create_project").
		Type string
		// Status is the current lifecycle state.
		Status Status
		// Payload is the structured input captured at creation time.
		Payload json.RawMessage
		// Result is the structured output written by the claiming worker.
		Result json.RawMessage
		// ErrorMessage records the failure verbatim when Status is failed.
		ErrorMessage string
		// Progress is a 0-100 completion estimate, non-decreasing while running.
		Progress int
		// CreatedBy references the actor that requested the task.
		CreatedBy string
		// ClaimedBy identifies the worker that owns the task once claimed.
		ClaimedBy string
		// CreatedAt records when the task was created.
		CreatedAt time.Time
		// UpdatedAt records the last mutation.
		UpdatedAt time.Time
		// StartedAt is set when a worker claims the task.
		StartedAt *time.Time
		// CompletedAt is set when the task reaches a terminal state.
		CompletedAt *time.Time
	}

	// NewTask carries the caller-supplied fields for task creation.
	NewTask struct {
		// Type names the tool to execute. Required.
		Type string
		// Payload is the structured tool input. Optional; nil means no input.
		Payload json.RawMessage
		// CreatedBy references the requesting actor. Required.
		CreatedBy string
	}

	// Status represents the lifecycle state of a task.
	Status string

	// Store persists tasks and implements the exclusive claim protocol.
	//
	// Contract:
	// - Create inserts a pending task and publishes a notification event
	//   carrying the new task ID. Notification delivery is best-effort; the
	//   pending set in the store is the source of truth for dispatchers.
	// - Claim atomically selects one pending task (oldest first), transitions
	//   it to running, stamps StartedAt and ClaimedBy, and returns it. Under
	//   arbitrary concurrent callers no two workers receive the same task.
	//   Returns ErrNoPendingTasks when nothing is claimable.
	// - Complete and Fail are terminal and owner-checked: they succeed only
	//   when the task is running under workerID. Retries by the same owner
	//   after the task reached the corresponding terminal state are no-ops.
	// - SetProgress updates only while running and never decreases progress.
	// - Requeue moves a running task back to pending, clearing the claim. It
	//   exists solely for the liveness sweep reconciling crashed workers.
	Store interface {
		Create(ctx context.Context, nt NewTask) (Task, error)
		Load(ctx context.Context, id string) (Task, error)
		Claim(ctx context.Context, workerID string) (Task, error)
		Complete(ctx context.Context, id, workerID string, result json.RawMessage) (Task, error)
		Fail(ctx context.Context, id, workerID, message string) (Task, error)
		SetProgress(ctx context.Context, id, workerID string, percent int) error
		Requeue(ctx context.Context, id string) (Task, error)
		// ListStale returns running tasks whose StartedAt is older than the
		// given deadline. Used by the reconciliation sweep.
		ListStale(ctx context.Context, olderThan time.Time) ([]Task, error)
	}
)

const (
	// StatusPending indicates the task awaits a worker claim.
	StatusPending Status = "pending"
	// StatusRunning indicates a worker owns the task and is executing it.
	StatusRunning Status = "running"
	// StatusCompleted indicates the task finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the task failed; ErrorMessage holds the cause.
	StatusFailed Status = "failed"
)

var (
	// ErrTaskNotFound indicates no task exists with the given ID.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNoPendingTasks indicates a claim found nothing claimable. Not a
	// failure: callers return to idle and wait for the next wake-up.
	ErrNoPendingTasks = errors.New("no pending tasks")
	// ErrNotClaimOwner indicates a terminal or progress update from a worker
	// that does not own the task's claim.
	ErrNotClaimOwner = errors.New("worker does not own task claim")
	// ErrTerminalTask indicates a mutation of a completed or failed task.
	ErrTerminalTask = errors.New("task is terminal")
	// ErrInvalidTransition indicates a lifecycle edge the state machine does
	// not define (e.g. requeueing a pending task).
	ErrInvalidTransition = errors.New("invalid task transition")
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Validate checks the caller-supplied creation fields.
func (nt NewTask) Validate() error {
	if nt.Type == "" {
		return errors.New("task type is required")
	}
	if nt.CreatedBy == "" {
		return errors.New("created_by is required")
	}
	if len(nt.Payload) > 0 && !json.Valid(nt.Payload) {
		return fmt.Errorf("payload for %q is not valid JSON", nt.Type)
	}
	return nil
}

// GenerateID returns a globally unique task identifier. The identifier is
// prefixed with a normalized task type to improve observability in logs and
// traces without sacrificing uniqueness.
func GenerateID(taskType string) string {
	prefix := strings.ReplaceAll(taskType, ".", "-")
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
