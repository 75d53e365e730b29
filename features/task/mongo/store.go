package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	clientsmongo "github.com/complyline/complyline/features/task/mongo/clients/mongo"
	"github.com/complyline/complyline/runtime/notify"
	"github.com/complyline/complyline/runtime/task"
)

// Store implements task.Store on top of the Mongo client. Lifecycle rules are
// enforced by the client's conditional updates; the store adds creation
// stamping and the post-create notification hint.
type Store struct {
	client clientsmongo.Client
	pub    notify.Publisher
}

// NewStore builds a Store using the provided client. The publisher receives a
// task-created event after each successful Create; a nil publisher disables
// notifications.
func NewStore(client clientsmongo.Client, pub notify.Publisher) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client, pub: pub}, nil
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
		Payload:   nt.Payload,
		CreatedBy: nt.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.client.InsertTask(ctx, t); err != nil {
		return task.Task{}, err
	}
	if s.pub != nil {
		if err := s.pub.Publish(ctx, notify.TaskCreated(t.ID)); err != nil {
			// The task is durably pending; dispatchers pick it up on their
			// next poll even when the hint is lost.
			return t, nil
		}
	}
	return t, nil
}

// Load implements task.Store.
func (s *Store) Load(ctx context.Context, id string) (task.Task, error) {
	return s.client.LoadTask(ctx, id)
}

// Claim implements task.Store.
func (s *Store) Claim(ctx context.Context, workerID string) (task.Task, error) {
	return s.client.ClaimPending(ctx, workerID)
}

// Complete implements task.Store.
func (s *Store) Complete(ctx context.Context, id, workerID string, result json.RawMessage) (task.Task, error) {
	return s.client.CompleteTask(ctx, id, workerID, result)
}

// Fail implements task.Store.
func (s *Store) Fail(ctx context.Context, id, workerID, message string) (task.Task, error) {
	return s.client.FailTask(ctx, id, workerID, message)
}

// SetProgress implements task.Store.
func (s *Store) SetProgress(ctx context.Context, id, workerID string, percent int) error {
	return s.client.SetTaskProgress(ctx, id, workerID, percent)
}

// Requeue implements task.Store.
func (s *Store) Requeue(ctx context.Context, id string) (task.Task, error) {
	return s.client.RequeueTask(ctx, id)
}

// ListStale implements task.Store.
func (s *Store) ListStale(ctx context.Context, olderThan time.Time) ([]task.Task, error) {
	return s.client.ListStaleRunning(ctx, olderThan)
}
