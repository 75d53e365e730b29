package pulse

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/complyline/complyline/features/notify/pulse/clients/pulse"
	mockpulse "github.com/complyline/complyline/features/notify/pulse/clients/pulse/mocks"
	"github.com/complyline/complyline/runtime/notify"
)

func TestNewChannelRequiresClient(t *testing.T) {
	_, err := NewChannel(Options{})
	require.EqualError(t, err, "pulse client is required")
}

func TestPublishAppendsEnvelope(t *testing.T) {
	client := mockpulse.NewClient(t)
	streamMock := mockpulse.NewStream(t)

	client.AddStream(func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		require.Equal(t, "task_events", name)
		return streamMock, nil
	})
	streamMock.AddAdd(func(ctx context.Context, event string, payload []byte) (string, error) {
		require.Equal(t, "task_created", event)
		var env notify.Event
		require.NoError(t, json.Unmarshal(payload, &env))
		require.Equal(t, "create_project-1", env.TaskID)
		require.Equal(t, notify.EventTaskCreated, env.Type)
		require.False(t, env.At.IsZero())
		require.Equal(t, time.UTC, env.At.Location())
		return "1-0", nil
	})

	ch, err := NewChannel(Options{Client: client})
	require.NoError(t, err)
	require.NoError(t, ch.Publish(context.Background(), notify.TaskCreated("create_project-1")))
	require.False(t, client.HasMore())
	require.False(t, streamMock.HasMore())
}

func TestPublishValidatesEvent(t *testing.T) {
	client := mockpulse.NewClient(t)
	ch, err := NewChannel(Options{Client: client})
	require.NoError(t, err)

	err = ch.Publish(context.Background(), notify.Event{Type: notify.EventTaskCreated})
	require.EqualError(t, err, "event task id is required")
	err = ch.Publish(context.Background(), notify.Event{TaskID: "task-1"})
	require.EqualError(t, err, "event type is required")
	require.False(t, client.HasMore())
}

func TestSubscribeEmitsEvents(t *testing.T) {
	ctx := context.Background()
	client := mockpulse.NewClient(t)
	streamMock := mockpulse.NewStream(t)
	sinkMock := mockpulse.NewSink(t)

	eventCh := make(chan *streaming.Event, 1)
	sinkMock.AddSubscribe(func() <-chan *streaming.Event { return eventCh })
	sinkMock.AddAck(func(ctx context.Context, evt *streaming.Event) error {
		require.Equal(t, "1-0", evt.ID)
		return nil
	})
	sinkMock.AddClose(func(ctx context.Context) {})

	client.AddStream(func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		require.Equal(t, "task_events", name)
		return streamMock, nil
	})
	streamMock.AddNewSink(func(ctx context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error) {
		require.True(t, strings.HasPrefix(name, "task_notify_"))
		return sinkMock, nil
	})

	ch, err := NewChannel(Options{Client: client, Buffer: 2})
	require.NoError(t, err)

	events, stop, err := ch.Subscribe(ctx)
	require.NoError(t, err)

	payload, _ := json.Marshal(notify.TaskCreated("create_project-1"))
	eventCh <- &streaming.Event{ID: "1-0", Payload: payload}
	close(eventCh)

	evt := <-events
	require.Equal(t, "create_project-1", evt.TaskID)
	require.Equal(t, notify.EventTaskCreated, evt.Type)

	_, open := <-events
	require.False(t, open)
	stop()
	require.False(t, sinkMock.HasMore())
}

func TestSubscribeDropsMalformedPayloads(t *testing.T) {
	ctx := context.Background()
	client := mockpulse.NewClient(t)
	streamMock := mockpulse.NewStream(t)
	sinkMock := mockpulse.NewSink(t)

	eventCh := make(chan *streaming.Event, 2)
	sinkMock.AddSubscribe(func() <-chan *streaming.Event { return eventCh })
	sinkMock.AddAck(func(ctx context.Context, evt *streaming.Event) error { return nil })
	sinkMock.AddAck(func(ctx context.Context, evt *streaming.Event) error { return nil })
	sinkMock.AddClose(func(ctx context.Context) {})

	client.AddStream(func(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
		return streamMock, nil
	})
	streamMock.AddNewSink(func(ctx context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error) {
		return sinkMock, nil
	})

	ch, err := NewChannel(Options{Client: client, Buffer: 2})
	require.NoError(t, err)

	events, stop, err := ch.Subscribe(ctx)
	require.NoError(t, err)

	good, _ := json.Marshal(notify.TaskCreated("create_project-2"))
	eventCh <- &streaming.Event{ID: "1-0", Payload: []byte("{not json")}
	eventCh <- &streaming.Event{ID: "2-0", Payload: good}
	close(eventCh)

	evt := <-events
	require.Equal(t, "create_project-2", evt.TaskID)

	_, open := <-events
	require.False(t, open)
	stop()
	require.False(t, sinkMock.HasMore())
}
