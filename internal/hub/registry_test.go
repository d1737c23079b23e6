// ABOUTME: Tests for the connection registry: membership, delivery and eviction.
// ABOUTME: Uses in-memory fake connections with injectable send failures.

package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id string

	mu      sync.Mutex
	got     [][]byte
	sendErr error
	block   bool
	closed  bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	block, err := c.block, c.sendErr
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.got = append(c.got, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.got))
	for i, b := range c.got {
		out[i] = string(b)
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestRegistry_AddCountRemove(t *testing.T) {
	r := NewRegistry(nil)

	r.Add("project:1", newFakeConn("a"))
	r.Add("project:1", newFakeConn("b"))
	r.Add("project:2", newFakeConn("c"))

	assert.Equal(t, 2, r.Count("project:1"))
	assert.Equal(t, 1, r.Count("project:2"))
	assert.Equal(t, []string{"project:1", "project:2"}, r.Topics())

	assert.True(t, r.Remove("a"))
	assert.False(t, r.Remove("a"))
	assert.Equal(t, 1, r.Count("project:1"))

	assert.True(t, r.Remove("c"))
	assert.Equal(t, []string{"project:1"}, r.Topics())
}

func TestRegistry_ConnBelongsToOneTopic(t *testing.T) {
	r := NewRegistry(nil)
	c := newFakeConn("a")

	r.Add("project:1", c)
	r.Add("project:2", c)

	assert.Equal(t, 0, r.Count("project:1"))
	assert.Equal(t, 1, r.Count("project:2"))
}

func TestRegistry_DeliverToAllOnTopic(t *testing.T) {
	r := NewRegistry(nil)
	a, b, other := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	r.Add("t", a)
	r.Add("t", b)
	r.Add("u", other)

	sent, failed := r.Deliver(t.Context(), "t", []byte("hi"))

	assert.Equal(t, 2, sent)
	assert.Equal(t, 0, failed)
	assert.Equal(t, []string{"hi"}, a.received())
	assert.Equal(t, []string{"hi"}, b.received())
	assert.Empty(t, other.received())
}

func TestRegistry_FailedSendEvictsOnlyThatConn(t *testing.T) {
	var hookCalls int
	var mu sync.Mutex
	r := NewRegistry(nil, WithFailureHook(func(string) {
		mu.Lock()
		hookCalls++
		mu.Unlock()
	}))

	good, bad := newFakeConn("good"), newFakeConn("bad")
	bad.sendErr = errors.New("broken pipe")
	r.Add("t", good)
	r.Add("t", bad)

	sent, failed := r.Deliver(t.Context(), "t", []byte("x"))

	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, failed)
	assert.Equal(t, []string{"x"}, good.received())
	assert.True(t, bad.isClosed())
	assert.Equal(t, 1, r.Count("t"))
	assert.Equal(t, 1, hookCalls)
}

func TestRegistry_SlowConnTimesOut(t *testing.T) {
	r := NewRegistry(nil, WithSendTimeout(20*time.Millisecond))
	slow, fast := newFakeConn("slow"), newFakeConn("fast")
	slow.block = true
	r.Add("t", slow)
	r.Add("t", fast)

	start := time.Now()
	sent, failed := r.Deliver(t.Context(), "t", []byte("x"))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, r.Count("t"))
}

func TestRegistry_DeliverEmptyTopic(t *testing.T) {
	r := NewRegistry(nil)
	sent, failed := r.Deliver(t.Context(), "nobody", []byte("x"))
	assert.Zero(t, sent)
	assert.Zero(t, failed)
}

func TestRegistry_CloseClosesEverything(t *testing.T) {
	r := NewRegistry(nil)
	a, b := newFakeConn("a"), newFakeConn("b")
	r.Add("t", a)
	r.Add("u", b)

	r.Close()

	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.Empty(t, r.Topics())
}

func TestRegistry_ConcurrentAddDeliver(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Add("t", newFakeConn(fmt.Sprintf("c%d", i)))
		}()
		go func() {
			defer wg.Done()
			r.Deliver(t.Context(), "t", []byte("x"))
		}()
	}
	wg.Wait()
	require.Equal(t, 50, r.Count("t"))
}
