package orchestrator_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/complyline/complyline/runtime/orchestrator"
	"github.com/complyline/complyline/runtime/task"
	taskinmem "github.com/complyline/complyline/runtime/task/inmem"
)

func TestAwaitReturnsTerminalTask(t *testing.T) {
	ctx := context.Background()
	store := taskinmem.New(nil)
	created, err := store.Create(ctx, task.NewTask{Type: "create_project", CreatedBy: "actor-1"})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		claimed, claimErr := store.Claim(ctx, "worker-a")
		if claimErr != nil {
			return
		}
		_, _ = store.Complete(ctx, claimed.ID, "worker-a", json.RawMessage(`{"project_id":42}`))
	}()

	finished, err := orchestrator.Await(ctx, store, created.ID, time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, finished.Status)
	require.JSONEq(t, `{"project_id":42}`, string(finished.Result))
}

func TestAwaitTimesOutWithLastObservedState(t *testing.T) {
	ctx := context.Background()
	store := taskinmem.New(nil)
	created, err := store.Create(ctx, task.NewTask{Type: "create_project", CreatedBy: "actor-1"})
	require.NoError(t, err)

	last, err := orchestrator.Await(ctx, store, created.ID, 30*time.Millisecond, 5*time.Millisecond)
	require.ErrorIs(t, err, orchestrator.ErrAwaitTimeout)
	require.Equal(t, task.StatusPending, last.Status, "timeout still reports the last observed state")
}

func TestAwaitHonorsContextCancellation(t *testing.T) {
	store := taskinmem.New(nil)
	created, err := store.Create(context.Background(), task.NewTask{Type: "create_project", CreatedBy: "actor-1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = orchestrator.Await(ctx, store, created.ID, time.Minute, 5*time.Millisecond)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAwaitUnknownTask(t *testing.T) {
	store := taskinmem.New(nil)
	_, err := orchestrator.Await(context.Background(), store, "missing", time.Second, time.Millisecond)
	require.ErrorIs(t, err, task.ErrTaskNotFound)
}
