// Package inmem provides an in-process implementation of notify.Channel.
//
// It fans events out to all attached subscribers over buffered channels and
// drops events a subscriber cannot accept immediately. That matches the
// contract: notifications are lossy hints, not a delivery guarantee. Suitable
// for tests and single-process deployments; multi-process deployments should
// use a broker-backed channel (for example features/notify/pulse).
package inmem

import (
	"context"
	"sync"

	"github.com/complyline/complyline/runtime/notify"
)

// Channel is an in-memory fan-out implementation of notify.Channel.
// It is safe for concurrent use.
type Channel struct {
	mu     sync.Mutex
	subs   map[int]chan notify.Event
	nextID int
	buffer int
	closed bool
}

// New returns a Channel whose per-subscriber buffers hold the given number of
// events. A non-positive buffer defaults to 16.
func New(buffer int) *Channel {
	if buffer <= 0 {
		buffer = 16
	}
	return &Channel{
		subs:   make(map[int]chan notify.Event),
		buffer: buffer,
	}
}

// Publish implements notify.Publisher. Subscribers with full buffers are
// skipped rather than blocked.
func (c *Channel) Publish(_ context.Context, evt notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	for _, ch := range c.subs {
		select {
		case ch <- evt:
		default:
			// Lossy by contract: the subscriber re-polls on its next tick.
		}
	}
	return nil
}

// Subscribe implements notify.Subscriber.
func (c *Channel) Subscribe(_ context.Context) (<-chan notify.Event, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan notify.Event, c.buffer)
	if c.closed {
		close(ch)
		return ch, func() {}, nil
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
	return ch, cancel, nil
}

// Close detaches and closes all subscriber channels. Publish calls after
// Close are no-ops.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}
