// Package inmem provides an in-memory implementation of task.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (for example features/task/mongo).
package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/complyline/complyline/runtime/notify"
	"github.com/complyline/complyline/runtime/task"
)

type (
	// Store is an in-memory implementation of task.Store. The claim operation
	// holds the store mutex for the whole select-and-transition, which gives
	// the same exclusivity guarantee a conditional database update provides.
	// It is safe for concurrent use.
	Store struct {
		mu    sync.RWMutex
		tasks map[string]*record
		seq   int
		pub   notify.Publisher
	}

	// record pairs a task with its insertion sequence so claims are ordered
	// oldest-first even when CreatedAt timestamps collide.
	record struct {
		t   task.Task
		seq int
	}
)

// New returns an empty Store. The publisher receives a task-created event
// after each successful Create; a nil publisher disables notifications.
func New(pub notify.Publisher) *Store {
	return &Store{
		tasks: make(map[string]*record),
		pub:   pub,
	}
}

// Create implements task.Store.
func (s *Store) Create(ctx context.Context, nt task.NewTask) (task.Task, error) {
	if err := nt.Validate(); err != nil {
		return task.Task{}, err
	}
	now := time.Now().UTC()
	t := task.Task{
		ID:        task.GenerateID(nt.Type),
		Type:      nt.Type,
		Status:    task.StatusPending,
		Payload:   cloneRaw(nt.Payload),
		CreatedBy: nt.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.seq++
	s.tasks[t.ID] = &record{t: t, seq: s.seq}
	s.mu.Unlock()

	if s.pub != nil {
		if err := s.pub.Publish(ctx, notify.TaskCreated(t.ID)); err != nil {
			// The task is durably pending; dispatchers pick it up on their
			// next poll even when the hint is lost.
			return cloneTask(t), nil
		}
	}
	return cloneTask(t), nil
}

// Load implements task.Store.
func (s *Store) Load(_ context.Context, id string) (task.Task, error) {
	if id == "" {
		return task.Task{}, errors.New("task id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[id]
	if !ok {
		return task.Task{}, task.ErrTaskNotFound
	}
	return cloneTask(rec.t), nil
}

// Claim implements task.Store.
func (s *Store) Claim(_ context.Context, workerID string) (task.Task, error) {
	if workerID == "" {
		return task.Task{}, errors.New("worker id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *record
	for _, rec := range s.tasks {
		if rec.t.Status != task.StatusPending {
			continue
		}
		if oldest == nil || rec.seq < oldest.seq {
			oldest = rec
		}
	}
	if oldest == nil {
		return task.Task{}, task.ErrNoPendingTasks
	}

	now := time.Now().UTC()
	oldest.t.Status = task.StatusRunning
	oldest.t.ClaimedBy = workerID
	oldest.t.StartedAt = &now
	oldest.t.UpdatedAt = now
	return cloneTask(oldest.t), nil
}

// Complete implements task.Store.
func (s *Store) Complete(_ context.Context, id, workerID string, result json.RawMessage) (task.Task, error) {
	return s.finish(id, workerID, task.StatusCompleted, result, "")
}

// Fail implements task.Store.
func (s *Store) Fail(_ context.Context, id, workerID, message string) (task.Task, error) {
	return s.finish(id, workerID, task.StatusFailed, nil, message)
}

// SetProgress implements task.Store.
func (s *Store) SetProgress(_ context.Context, id, workerID string, percent int) error {
	if percent < 0 || percent > 100 {
		return errors.New("progress must be between 0 and 100")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return task.ErrTaskNotFound
	}
	if rec.t.Status.Terminal() {
		return task.ErrTerminalTask
	}
	if rec.t.Status != task.StatusRunning || rec.t.ClaimedBy != workerID {
		return task.ErrNotClaimOwner
	}
	if percent < rec.t.Progress {
		// Progress is monotonic while running; stale updates are ignored.
		return nil
	}
	rec.t.Progress = percent
	rec.t.UpdatedAt = time.Now().UTC()
	return nil
}

// Requeue implements task.Store.
func (s *Store) Requeue(_ context.Context, id string) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return task.Task{}, task.ErrTaskNotFound
	}
	if rec.t.Status.Terminal() {
		return task.Task{}, task.ErrTerminalTask
	}
	if rec.t.Status != task.StatusRunning {
		return task.Task{}, task.ErrInvalidTransition
	}
	rec.t.Status = task.StatusPending
	rec.t.ClaimedBy = ""
	rec.t.StartedAt = nil
	rec.t.Progress = 0
	rec.t.UpdatedAt = time.Now().UTC()
	return cloneTask(rec.t), nil
}

// ListStale implements task.Store.
func (s *Store) ListStale(_ context.Context, olderThan time.Time) ([]task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []task.Task
	for _, rec := range s.tasks {
		if rec.t.Status != task.StatusRunning {
			continue
		}
		if rec.t.StartedAt != nil && rec.t.StartedAt.Before(olderThan) {
			out = append(out, cloneTask(rec.t))
		}
	}
	return out, nil
}

func (s *Store) finish(id, workerID string, status task.Status, result json.RawMessage, message string) (task.Task, error) {
	if id == "" {
		return task.Task{}, errors.New("task id is required")
	}
	if workerID == "" {
		return task.Task{}, errors.New("worker id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return task.Task{}, task.ErrTaskNotFound
	}
	if rec.t.Status.Terminal() {
		// Idempotent for the claiming worker retrying the same terminal op.
		if rec.t.ClaimedBy == workerID && rec.t.Status == status {
			return cloneTask(rec.t), nil
		}
		return task.Task{}, task.ErrTerminalTask
	}
	if rec.t.Status != task.StatusRunning || rec.t.ClaimedBy != workerID {
		return task.Task{}, task.ErrNotClaimOwner
	}

	now := time.Now().UTC()
	rec.t.Status = status
	rec.t.UpdatedAt = now
	rec.t.CompletedAt = &now
	if status == task.StatusCompleted {
		rec.t.Result = cloneRaw(result)
		rec.t.Progress = 100
	} else {
		rec.t.ErrorMessage = message
	}
	return cloneTask(rec.t), nil
}

func cloneTask(t task.Task) task.Task {
	out := t
	out.Payload = cloneRaw(t.Payload)
	out.Result = cloneRaw(t.Result)
	if t.StartedAt != nil {
		started := *t.StartedAt
		out.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
