// ABOUTME: Tests for the admission controller: limits, FIFO hand-off, cancellation and stats.
// ABOUTME: Includes a randomized stress test that checks the counters never exceed their caps.

package admission

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-conductor/internal/metrics"
)

// acquireAsync starts Acquire in a goroutine and returns a channel that
// receives its result.
func acquireAsync(ctx context.Context, c *Controller, key string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Acquire(ctx, key) }()
	return done
}

func waitForWaiters(t *testing.T, c *Controller, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Stats().Waiting == n }, 2*time.Second, 5*time.Millisecond)
}

func TestAcquire_FourthCallBlocksUntilRelease(t *testing.T) {
	c := New(Limits{MaxPerAgent: 3, MaxTotal: 10})
	ctx := t.Context()

	for range 3 {
		require.NoError(t, c.Acquire(ctx, "flutter_engineer"))
	}

	fourth := acquireAsync(ctx, c, "flutter_engineer")
	waitForWaiters(t, c, 1)

	select {
	case <-fourth:
		t.Fatal("fourth acquire should block")
	case <-time.After(50 * time.Millisecond):
	}

	c.Release("flutter_engineer")

	select {
	case err := <-fourth:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("release did not unblock the waiter")
	}
	stats := c.Stats()
	assert.Equal(t, 3, stats.PerAgent["flutter_engineer"])
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 0, stats.Waiting)
}

func TestRelease_WakesExactlyOne(t *testing.T) {
	c := New(Limits{MaxPerAgent: 1, MaxTotal: 10})
	ctx := t.Context()
	require.NoError(t, c.Acquire(ctx, "k"))

	first := acquireAsync(ctx, c, "k")
	waitForWaiters(t, c, 1)
	second := acquireAsync(ctx, c, "k")
	waitForWaiters(t, c, 2)

	c.Release("k")

	select {
	case err := <-first:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("oldest waiter not woken")
	}
	select {
	case <-second:
		t.Fatal("second waiter woken by a single release")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, c.Stats().Waiting)

	c.Release("k")
	require.NoError(t, <-second)
}

func TestGlobalCap(t *testing.T) {
	c := New(Limits{MaxPerAgent: 5, MaxTotal: 2})
	ctx := t.Context()

	require.NoError(t, c.Acquire(ctx, "a"))
	require.NoError(t, c.Acquire(ctx, "b"))
	assert.False(t, c.TryAcquire("c"))

	blocked := acquireAsync(ctx, c, "c")
	waitForWaiters(t, c, 1)

	c.Release("a")
	require.NoError(t, <-blocked)
	assert.Equal(t, map[string]int{"b": 1, "c": 1}, c.Stats().PerAgent)
}

func TestWaiterBlockedOnOwnKeyDoesNotBlockOthers(t *testing.T) {
	c := New(Limits{MaxPerAgent: 1, MaxTotal: 2})
	ctx := t.Context()

	require.NoError(t, c.Acquire(ctx, "a"))
	require.NoError(t, c.Acquire(ctx, "b"))

	// Queue: a (blocked by per-key and total), then c (blocked by total).
	waitA := acquireAsync(ctx, c, "a")
	waitForWaiters(t, c, 1)
	waitC := acquireAsync(ctx, c, "c")
	waitForWaiters(t, c, 2)

	// Releasing b frees a total slot; a is still at its per-key limit, so c gets it.
	c.Release("b")
	require.NoError(t, <-waitC)

	select {
	case <-waitA:
		t.Fatal("a must stay blocked while its key is full")
	case <-time.After(50 * time.Millisecond):
	}

	c.Release("c")
	select {
	case <-waitA:
		t.Fatal("a is still at its per-key limit")
	case <-time.After(50 * time.Millisecond):
	}
	c.Release("a")
	require.NoError(t, <-waitA)
}

func TestAcquire_ContextCancelRemovesWaiter(t *testing.T) {
	c := New(Limits{MaxPerAgent: 1, MaxTotal: 1})
	require.NoError(t, c.Acquire(t.Context(), "k"))

	ctx, cancel := context.WithCancel(t.Context())
	done := acquireAsync(ctx, c, "k")
	waitForWaiters(t, c, 1)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	stats := c.Stats()
	assert.Equal(t, 0, stats.Waiting)
	assert.Equal(t, 1, stats.Total)

	c.Release("k")
	assert.Equal(t, 0, c.Stats().Total)
}

func TestRelease_ZeroCountIsNoop(t *testing.T) {
	c := New(DefaultLimits())
	require.NoError(t, c.Acquire(t.Context(), "a"))

	c.Release("never-acquired")
	c.Release("a")
	c.Release("a")

	stats := c.Stats()
	assert.Equal(t, 0, stats.Total)
	assert.Empty(t, stats.PerAgent)
}

func TestAcquire_EmptyKey(t *testing.T) {
	c := New(DefaultLimits())
	assert.ErrorIs(t, c.Acquire(t.Context(), ""), ErrEmptyKey)
	assert.False(t, c.TryAcquire(""))
}

func TestSetLimits_RaisingGrantsWaiters(t *testing.T) {
	c := New(Limits{MaxPerAgent: 1, MaxTotal: 10})
	ctx := t.Context()
	require.NoError(t, c.Acquire(ctx, "k"))

	w1 := acquireAsync(ctx, c, "k")
	w2 := acquireAsync(ctx, c, "k")
	waitForWaiters(t, c, 2)

	require.NoError(t, c.SetLimits(Limits{MaxPerAgent: 3, MaxTotal: 10}))
	require.NoError(t, <-w1)
	require.NoError(t, <-w2)
	assert.Equal(t, 3, c.Stats().Total)
}

func TestSetLimits_PerAgentOverride(t *testing.T) {
	c := New(Limits{MaxPerAgent: 1, MaxTotal: 10, PerAgent: map[string]int{"reviewer": 2}})

	assert.True(t, c.TryAcquire("reviewer"))
	assert.True(t, c.TryAcquire("reviewer"))
	assert.False(t, c.TryAcquire("reviewer"))
	assert.True(t, c.TryAcquire("coder"))
	assert.False(t, c.TryAcquire("coder"))
}

func TestSetLimits_RejectsInvalid(t *testing.T) {
	c := New(DefaultLimits())
	assert.ErrorIs(t, c.SetLimits(Limits{MaxPerAgent: 0, MaxTotal: 1}), ErrInvalidLimits)
	assert.ErrorIs(t, c.SetLimits(Limits{MaxPerAgent: 1, MaxTotal: 1, PerAgent: map[string]int{"x": 0}}), ErrInvalidLimits)
	assert.Equal(t, DefaultLimits().MaxTotal, c.Stats().Limits.MaxTotal)
}

func TestNew_InvalidLimitsFallBack(t *testing.T) {
	c := New(Limits{})
	assert.Equal(t, DefaultLimits(), c.Stats().Limits)
}

func TestMetricsTrackState(t *testing.T) {
	m := metrics.New()
	c := New(Limits{MaxPerAgent: 2, MaxTotal: 4}, WithMetrics(m))

	require.NoError(t, c.Acquire(t.Context(), "a"))
	require.NoError(t, c.Acquire(t.Context(), "a"))

	assert.InDelta(t, 2, testutil.ToFloat64(m.AdmissionTotal), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.AdmissionInUse.WithLabelValues("a")), 0)

	c.Release("a")
	assert.InDelta(t, 1, testutil.ToFloat64(m.AdmissionTotal), 0)
}

func TestStress_CountersNeverExceedLimits(t *testing.T) {
	const (
		maxPerAgent = 3
		maxTotal    = 5
		workers     = 40
		rounds      = 50
	)
	c := New(Limits{MaxPerAgent: maxPerAgent, MaxTotal: maxTotal})
	keys := []string{"a", "b", "c", "d"}

	var held [4]atomic.Int32
	var total atomic.Int32
	var violations atomic.Int32

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 7))
			for range rounds {
				i := rng.IntN(len(keys))
				if !assert.NoError(t, c.Acquire(t.Context(), keys[i])) {
					return
				}

				perKey, all := held[i].Add(1), total.Add(1)
				if perKey > maxPerAgent || all > maxTotal {
					violations.Add(1)
				}
				stats := c.Stats()
				sum := 0
				for _, n := range stats.PerAgent {
					sum += n
				}
				if sum != stats.Total {
					violations.Add(1)
				}

				time.Sleep(time.Duration(rng.IntN(200)) * time.Microsecond)
				held[i].Add(-1)
				total.Add(-1)
				c.Release(keys[i])
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, violations.Load())
	stats := c.Stats()
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, 0, stats.Waiting)
	assert.Empty(t, stats.PerAgent, fmt.Sprint(stats.PerAgent))
}
