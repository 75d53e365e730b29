// Package pulse exposes a notify.Channel implementation backed by
// goa.design/pulse streams over Redis. Task stores publish creation hints to
// a shared stream; each subscriber reads through its own consumer group so
// every dispatcher process observes every hint.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	clientspulse "github.com/complyline/complyline/features/notify/pulse/clients/pulse"
	"github.com/complyline/complyline/runtime/notify"
)

type (
	// Options configures the Pulse channel.
	Options struct {
		// Client is the Pulse client used to publish and consume events. Required.
		Client clientspulse.Client
		// StreamName is the Pulse stream carrying task events. Defaults to "task_events".
		StreamName string
		// SinkPrefix names the per-subscriber consumer groups. Defaults to "task_notify".
		SinkPrefix string
		// Buffer specifies the subscriber channel capacity. Defaults to 64.
		Buffer int
		// Marshal allows overriding envelope serialization (primarily for tests).
		Marshal func(notify.Event) ([]byte, error)
	}

	// Channel publishes and consumes task notification events over a Pulse
	// stream. Safe for concurrent use.
	Channel struct {
		client     clientspulse.Client
		streamName string
		sinkPrefix string
		buffer     int
		marshal    func(notify.Event) ([]byte, error)
	}
)

// NewChannel constructs a Pulse-backed notification channel.
func NewChannel(opts Options) (*Channel, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamName := opts.StreamName
	if streamName == "" {
		streamName = "task_events"
	}
	sinkPrefix := opts.SinkPrefix
	if sinkPrefix == "" {
		sinkPrefix = "task_notify"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	marshal := opts.Marshal
	if marshal == nil {
		marshal = defaultMarshal
	}
	return &Channel{
		client:     opts.Client,
		streamName: streamName,
		sinkPrefix: sinkPrefix,
		buffer:     buffer,
		marshal:    marshal,
	}, nil
}

// Publish implements notify.Publisher. The event is serialized as a JSON
// envelope and appended to the shared stream.
func (c *Channel) Publish(ctx context.Context, evt notify.Event) error {
	if evt.TaskID == "" {
		return errors.New("event task id is required")
	}
	if evt.Type == "" {
		return errors.New("event type is required")
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	handle, err := c.client.Stream(c.streamName)
	if err != nil {
		return err
	}
	payload, err := c.marshal(evt)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, string(evt.Type), payload); err != nil {
		return err
	}
	return nil
}

// Subscribe implements notify.Subscriber. Each call creates a dedicated
// consumer group so independent subscribers all receive every event. Slow
// consumers drop events rather than stall the stream reader; missed events
// are recovered by the dispatcher's next poll.
func (c *Channel) Subscribe(ctx context.Context) (<-chan notify.Event, func(), error) {
	str, err := c.client.Stream(c.streamName)
	if err != nil {
		return nil, nil, err
	}
	sinkName := fmt.Sprintf("%s_%s", c.sinkPrefix, uuid.NewString())
	sink, err := str.NewSink(ctx, sinkName)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan notify.Event, c.buffer)
	runCtx, cancel := context.WithCancel(ctx)
	go c.consume(runCtx, sink, out)
	stop := func() {
		cancel()
		sink.Close(context.Background())
	}
	return out, stop, nil
}

// Close releases resources owned by the channel.
func (c *Channel) Close(ctx context.Context) error {
	return c.client.Close(ctx)
}

func (c *Channel) consume(ctx context.Context, sink clientspulse.Sink, out chan<- notify.Event) {
	defer close(out)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var decoded notify.Event
			if err := json.Unmarshal(evt.Payload, &decoded); err != nil {
				// A malformed hint is dropped; the pending set in the store
				// still drives the dispatcher.
				_ = sink.Ack(ctx, evt)
				continue
			}
			select {
			case out <- decoded:
			default:
			}
			_ = sink.Ack(ctx, evt)
		}
	}
}

func defaultMarshal(evt notify.Event) ([]byte, error) {
	return json.Marshal(evt)
}
