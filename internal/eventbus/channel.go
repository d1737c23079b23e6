// ABOUTME: Event Channel interface, message type, and the shared subscription implementation.
// ABOUTME: Concrete brokers (memory, NATS, Postgres) build on these types.

package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// AllTopics subscribes to every topic published on the channel.
const AllTopics = "*"

// subscriptionBuffer is the per-subscription queue length.
const subscriptionBuffer = 64

var (
	// ErrClosed is returned when using a closed channel or subscription.
	ErrClosed = errors.New("eventbus: closed")

	// ErrEmptyTopic is returned when publishing or subscribing without a topic.
	ErrEmptyTopic = errors.New("eventbus: topic is required")

	// ErrPayloadTooLarge is returned when a broker cannot carry the payload.
	ErrPayloadTooLarge = errors.New("eventbus: payload too large")

	// ErrInvalidTopic is returned for a topic the broker cannot carry.
	ErrInvalidTopic = errors.New("eventbus: invalid topic")
)

// Message is one payload received from the broker.
type Message struct {
	Topic string
	Data  []byte
}

// Channel publishes and subscribes to topics on a broker shared by all processes.
type Channel interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription receives messages for one topic (or AllTopics).
type Subscription interface {
	// C exposes the receive queue. It is closed when the subscription closes.
	C() <-chan Message
	// Next waits up to wait for a message. ok is false on timeout.
	Next(ctx context.Context, wait time.Duration) (msg Message, ok bool, err error)
	Close() error
}

// subscription is the buffered Subscription shared by every implementation.
type subscription struct {
	topic   string
	ch      chan Message
	done    chan struct{}
	onClose func()
	dropped *atomic.Int64

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func newSubscription(ctx context.Context, topic string, dropped *atomic.Int64, onClose func()) *subscription {
	s := &subscription{
		topic:   topic,
		ch:      make(chan Message, subscriptionBuffer),
		done:    make(chan struct{}),
		onClose: onClose,
		dropped: dropped,
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s
}

func (s *subscription) C() <-chan Message {
	return s.ch
}

func (s *subscription) Next(ctx context.Context, wait time.Duration) (Message, bool, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case msg, ok := <-s.ch:
		if !ok {
			return Message{}, false, ErrClosed
		}
		return msg, true, nil
	case <-timer.C:
		return Message{}, false, nil
	case <-ctx.Done():
		return Message{}, false, ctx.Err()
	}
}

// deliver queues msg without blocking. Returns false if it was dropped.
func (s *subscription) deliver(msg Message) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		if s.dropped != nil {
			s.dropped.Add(1)
		}
		return false
	}
}

func (s *subscription) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *subscription) matches(topic string) bool {
	return s.topic == AllTopics || s.topic == topic
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		if s.onClose != nil {
			s.onClose()
		}
		close(s.done)
	})
	return nil
}

// fanout routes published messages to local subscriptions by topic. The
// memory broker and the Postgres listener both dispatch through one.
type fanout struct {
	mu      sync.RWMutex
	subs    map[*subscription]struct{}
	dropped atomic.Int64
}

func newFanout() *fanout {
	return &fanout{subs: make(map[*subscription]struct{})}
}

func (f *fanout) add(ctx context.Context, topic string, onClose func(*subscription)) *subscription {
	// Holding the lock keeps an already-cancelled ctx from removing the
	// subscription before it is registered.
	f.mu.Lock()
	defer f.mu.Unlock()
	var sub *subscription
	sub = newSubscription(ctx, topic, &f.dropped, func() {
		f.remove(sub)
		if onClose != nil {
			onClose(sub)
		}
	})
	f.subs[sub] = struct{}{}
	return sub
}

func (f *fanout) remove(sub *subscription) {
	f.mu.Lock()
	delete(f.subs, sub)
	f.mu.Unlock()
}

func (f *fanout) dispatch(msg Message) int {
	f.mu.RLock()
	targets := make([]*subscription, 0, len(f.subs))
	for sub := range f.subs {
		if sub.matches(msg.Topic) {
			targets = append(targets, sub)
		}
	}
	f.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if sub.deliver(msg) {
			delivered++
		}
	}
	return delivered
}

func (f *fanout) len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
