package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/complyline/complyline/runtime/task"
)

// ErrAwaitTimeout indicates the awaited task did not reach a terminal state
// within the wait budget. The task keeps running; the caller falls back to a
// pending response the client polls.
var ErrAwaitTimeout = errors.New("task did not complete within wait budget")

// Await blocks until the task reaches a terminal state, the timeout passes,
// or ctx is canceled. It decouples "wait for completion" from any wire
// protocol: internally it polls the store, and the last observed task state is
// returned even on timeout so callers can surface progress.
func Await(ctx context.Context, store task.Store, id string, timeout, poll time.Duration) (task.Task, error) {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	last, err := store.Load(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	for {
		if last.Status.Terminal() {
			return last, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			return last, ErrAwaitTimeout
		case <-ticker.C:
			last, err = store.Load(ctx, id)
			if err != nil {
				return task.Task{}, err
			}
		}
	}
}
