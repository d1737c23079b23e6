// ABOUTME: Tests for the completion outbox: retries, partial topic failure and draining.
// ABOUTME: A scripted publisher fails a configurable number of attempts per topic.

package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-conductor/internal/admission"
	"github.com/2389/coven-conductor/internal/broadcast"
	"github.com/2389/coven-conductor/internal/metrics"
	"github.com/2389/coven-conductor/internal/store"
)

type flakyPublisher struct {
	mu        sync.Mutex
	failFirst map[string]int
	attempts  map[string]int
	delivered []sent
	block     chan struct{}
}

func newFlakyPublisher(failFirst map[string]int) *flakyPublisher {
	return &flakyPublisher{failFirst: failFirst, attempts: make(map[string]int)}
}

func (p *flakyPublisher) Publish(_ context.Context, topic string, msg broadcast.Message) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[topic]++
	if p.attempts[topic] <= p.failFirst[topic] {
		return errors.New("broker unavailable")
	}
	p.delivered = append(p.delivered, sent{topic: topic, msg: msg})
	return nil
}

func (p *flakyPublisher) snapshot() (map[string]int, []sent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	attempts := make(map[string]int, len(p.attempts))
	for k, v := range p.attempts {
		attempts[k] = v
	}
	return attempts, append([]sent(nil), p.delivered...)
}

func note(parent string) Notification {
	return Notification{
		TaskID:          "t1",
		SessionID:       "s1",
		ParentSessionID: parent,
		Topic:           broadcast.SessionTopic("s1"),
		Status:          StatusCompleted,
		Text:            "all done",
		Duration:        1500 * time.Millisecond,
	}
}

func TestNotifier_RetriesOnlyFailedTopics(t *testing.T) {
	own := broadcast.SessionTopic("s1")
	parent := broadcast.SessionTopic("p1")
	pub := newFlakyPublisher(map[string]int{parent: 2})
	m := metrics.New()
	n := NewNotifier(pub, 4, WithRetry(3, time.Millisecond), WithNotifierMetrics(m))

	require.True(t, n.Enqueue(note("p1")))
	n.Close()

	attempts, delivered := pub.snapshot()
	assert.Equal(t, 1, attempts[own])
	assert.Equal(t, 3, attempts[parent])
	require.Len(t, delivered, 2)
	assert.Equal(t, broadcast.TypeTaskCompleted, delivered[1].msg.Type)
	assert.Equal(t, "1.5s", delivered[1].msg.Duration)
	assert.Equal(t, "all done", delivered[1].msg.Message)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Notifications.WithLabelValues("delivered")), 0)
}

func TestNotifier_GivesUpAfterMaxAttempts(t *testing.T) {
	own := broadcast.SessionTopic("s1")
	pub := newFlakyPublisher(map[string]int{own: 10})
	m := metrics.New()
	n := NewNotifier(pub, 4, WithRetry(3, time.Millisecond), WithNotifierMetrics(m))

	require.True(t, n.Enqueue(note("")))
	n.Close()

	attempts, delivered := pub.snapshot()
	assert.Equal(t, 3, attempts[own])
	assert.Empty(t, delivered)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Notifications.WithLabelValues("failed")), 0)
}

func TestNotifier_DropsWhenFullOrClosed(t *testing.T) {
	pub := newFlakyPublisher(nil)
	pub.block = make(chan struct{})
	m := metrics.New()
	n := NewNotifier(pub, 1, WithNotifierMetrics(m))

	// The worker takes the first note and blocks in Publish; the second
	// fills the queue; the third is dropped.
	require.True(t, n.Enqueue(note("")))
	require.Eventually(t, func() bool { return len(n.queue) == 0 }, time.Second, time.Millisecond)
	require.True(t, n.Enqueue(note("")))
	assert.False(t, n.Enqueue(note("")))

	close(pub.block)
	n.Close()
	assert.False(t, n.Enqueue(note("")))

	_, delivered := pub.snapshot()
	assert.Len(t, delivered, 2)
	assert.InDelta(t, 2, testutil.ToFloat64(m.Notifications.WithLabelValues("dropped")), 0)
}

func TestRegistry_CompletionGoesThroughOutbox(t *testing.T) {
	pub := newFlakyPublisher(nil)
	n := NewNotifier(pub, 8, WithRetry(2, time.Millisecond))
	bc := &recordingBroadcaster{}
	reg := NewRegistry(Config{
		Slots:         admission.New(admission.DefaultLimits()),
		Store:         store.NewMockStore(),
		Broadcaster:   bc,
		Notifier:      n,
		SweepInterval: time.Hour,
	})
	t.Cleanup(reg.Close)

	tk, err := reg.Launch(t.Context(), LaunchRequest{AgentClass: "a", Prompt: "p"})
	require.NoError(t, err)
	_, err = reg.Complete(t.Context(), tk.ID, "result text")
	require.NoError(t, err)
	n.Close()

	assert.Empty(t, bc.ofType(broadcast.TypeTaskCompleted))
	_, delivered := pub.snapshot()
	require.Len(t, delivered, 1)
	assert.Equal(t, tk.Topic(), delivered[0].topic)
	assert.Equal(t, "result text", delivered[0].msg.Message)
}
