// Package notify defines the publish/subscribe channel task stores use to
// announce new work to dispatchers.
//
// Delivery is at-least-once and unordered by contract: subscribers may miss
// events published before they attached and may observe duplicates. An event
// is therefore only a latency hint. Dispatchers must re-poll the task store on
// every wake-up (event or timer) and treat the store's pending set as the
// source of truth.
package notify

import (
	"context"
	"time"
)

type (
	// Event announces a task state change. It carries identity only;
	// consumers re-fetch the full task from the store.
	Event struct {
		// TaskID identifies the task the event refers to.
		TaskID string `json:"task_id"`
		// Type is the event kind (currently only EventTaskCreated).
		Type EventType `json:"type"`
		// At records when the event was published (UTC).
		At time.Time `json:"at"`
	}

	// EventType enumerates notification event kinds.
	EventType string

	// Publisher announces events to all current subscribers.
	// Implementations must be safe for concurrent Publish calls.
	Publisher interface {
		Publish(ctx context.Context, evt Event) error
	}

	// Subscriber delivers events to a consumer.
	//
	// Subscribe returns a receive channel and a cancel function releasing the
	// subscription. The channel is closed after cancel returns or when the
	// implementation shuts down. Implementations may drop events for slow
	// consumers; delivery is a hint, not a guarantee.
	Subscriber interface {
		Subscribe(ctx context.Context) (<-chan Event, func(), error)
	}

	// Channel combines both halves of the contract.
	Channel interface {
		Publisher
		Subscriber
	}
)

// EventTaskCreated announces a newly inserted pending task.
const EventTaskCreated EventType = "task_created"

// TaskCreated builds a task-created event stamped with the current UTC time.
func TaskCreated(taskID string) Event {
	return Event{TaskID: taskID, Type: EventTaskCreated, At: time.Now().UTC()}
}
