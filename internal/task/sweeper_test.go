// ABOUTME: Tests for the TTL sweeper: pruning, slot reclamation and lazy start/stop.
// ABOUTME: Sweep is driven with an explicit time; loop tests use a short real interval.

package task

import (
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

func TestSweep_ExpiredRunningTaskReleasesSlot(t *testing.T) {
	f := newFixture(t)
	tk := f.launch(t, LaunchRequest{})
	assert.Equal(t, 1, f.slots.Stats().Total)

	f.clock.Advance(31 * time.Minute)
	pruned := f.reg.Sweep(f.clock.Now())
	assert.Equal(t, 1, pruned)

	assert.Equal(t, 0, f.slots.Stats().Total)
	acquired, released := f.slots.counts(tk.ConcurrencyKey)
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)

	_, err := f.reg.FindBySession(tk.SessionID)
	require.ErrorIs(t, err, ErrTaskNotFound)
	assert.True(t, f.reg.IsCancelled(tk.ID))

	rec, err := f.store.GetTask(t.Context(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusCancelled), rec.Status)
	assert.Equal(t, "task exceeded ttl", rec.Error)

	completed := f.bc.ofType(broadcast.TypeTaskCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, string(StatusCancelled), completed[0].msg.Status)

	// The late finisher finds nothing to release.
	_, err = f.reg.Complete(t.Context(), tk.ID, "too late")
	require.ErrorIs(t, err, ErrTaskNotFound)
	_, released = f.slots.counts(tk.ConcurrencyKey)
	assert.Equal(t, 1, released)
}

func TestSweep_PrunesFinishedTasksWithoutReleasing(t *testing.T) {
	f := newFixture(t)
	old := f.launch(t, LaunchRequest{})
	_, err := f.reg.Complete(t.Context(), old.ID, "ok")
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	young := f.launch(t, LaunchRequest{})
	f.clock.Advance(11 * time.Minute)

	assert.Equal(t, 1, f.reg.Sweep(f.clock.Now()))

	_, err = f.reg.Get(old.ID)
	require.ErrorIs(t, err, ErrTaskNotFound)
	got, err := f.reg.Get(young.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	acquired, released := f.slots.counts("flutter_engineer")
	assert.Equal(t, 2, acquired)
	assert.Equal(t, 1, released)
}

func TestSweep_CountsMetric(t *testing.T) {
	m := metrics.New()
	slots := admission.New(admission.DefaultLimits())
	clock := &fakeClock{now: time.Now()}
	reg := NewRegistry(Config{
		Slots:         slots,
		Store:         store.NewMockStore(),
		Metrics:       m,
		SweepInterval: time.Hour,
		Now:           clock.Now,
	})
	t.Cleanup(reg.Close)

	for range 2 {
		_, err := reg.Launch(t.Context(), LaunchRequest{AgentClass: "a", Prompt: "p"})
		require.NoError(t, err)
	}
	clock.Advance(time.Hour)
	assert.Equal(t, 2, reg.Sweep(clock.Now()))
	assert.InDelta(t, 2, testutil.ToFloat64(m.TasksSwept), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.TasksFinished.WithLabelValues(string(StatusCancelled))), 0)
	assert.Equal(t, 0, slots.Stats().Total)
}

func TestSweeper_StopsWhenIdleAndRestartsLazily(t *testing.T) {
	reg := NewRegistry(Config{
		Slots:         admission.New(admission.DefaultLimits()),
		Store:         store.NewMockStore(),
		SweepInterval: 10 * time.Millisecond,
	})
	t.Cleanup(reg.Close)
	assert.False(t, reg.Sweeping())

	tk, err := reg.Launch(t.Context(), LaunchRequest{AgentClass: "a", Prompt: "p"})
	require.NoError(t, err)
	assert.True(t, reg.Sweeping())

	// Still running: the sweeper keeps ticking.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, reg.Sweeping())

	_, err = reg.Complete(t.Context(), tk.ID, "ok")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !reg.Sweeping() }, 2*time.Second, 5*time.Millisecond)

	_, err = reg.Launch(t.Context(), LaunchRequest{AgentClass: "a", Prompt: "p"})
	require.NoError(t, err)
	assert.True(t, reg.Sweeping())
}

func TestClose_StopsSweeper(t *testing.T) {
	reg := NewRegistry(Config{
		Slots: admission.New(admission.DefaultLimits()),
		Store: store.NewMockStore(),
	})
	_, err := reg.Launch(t.Context(), LaunchRequest{AgentClass: "a", Prompt: "p"})
	require.NoError(t, err)

	reg.Close()
	assert.False(t, reg.Sweeping())
	reg.Close()

	_, err = reg.Launch(t.Context(), LaunchRequest{AgentClass: "a", Prompt: "p"})
	require.Error(t, err)
}
