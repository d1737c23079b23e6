// ABOUTME: In-process broker shared by several Channel handles.
// ABOUTME: Lets tests and single-node deployments model cross-process fan-out without a server.

package eventbus

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process broker. Handles returned by Channel behave
// like connections from separate processes to the same broker.
type MemoryBroker struct {
	fan *fanout
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{fan: newFanout()}
}

// Channel returns a new handle onto the broker.
func (b *MemoryBroker) Channel() *MemoryChannel {
	return &MemoryChannel{
		broker: b,
		subs:   make(map[*subscription]struct{}),
	}
}

// Dropped returns how many messages were dropped on full subscriptions.
func (b *MemoryBroker) Dropped() int64 {
	return b.fan.dropped.Load()
}

// MemoryChannel is one handle onto a MemoryBroker.
type MemoryChannel struct {
	broker *MemoryBroker

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// Publish delivers data to every matching subscription on the broker,
// including this handle's own.
func (c *MemoryChannel) Publish(ctx context.Context, topic string, data []byte) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	payload := make([]byte, len(data))
	copy(payload, data)
	c.broker.fan.dispatch(Message{Topic: topic, Data: payload})
	return nil
}

// Subscribe registers a subscription that is live as soon as it returns.
func (c *MemoryChannel) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	sub := c.broker.fan.add(ctx, topic, func(s *subscription) {
		c.mu.Lock()
		delete(c.subs, s)
		c.mu.Unlock()
	})
	c.subs[sub] = struct{}{}
	return sub, nil
}

// Close closes this handle's subscriptions. The broker stays usable for
// other handles.
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}
