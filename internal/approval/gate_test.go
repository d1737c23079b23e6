// ABOUTME: Tests for the approval gate across processes, local wake-up, store polling and timeout.
// ABOUTME: Two gates sharing a memory broker and a store stand in for two server processes.

package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-conductor/internal/broadcast"
	"github.com/2389/coven-conductor/internal/eventbus"
	"github.com/2389/coven-conductor/internal/metrics"
	"github.com/2389/coven-conductor/internal/plan"
	"github.com/2389/coven-conductor/internal/store"
)

type recorder struct {
	mu   sync.Mutex
	msgs []broadcast.Message
}

func (r *recorder) Broadcast(_ context.Context, _ string, msg broadcast.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) count(typ broadcast.Type, status string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Type == typ && (status == "" || m.Status == status) {
			n++
		}
	}
	return n
}

// brokenChannel refuses every operation.
type brokenChannel struct{}

func (brokenChannel) Publish(context.Context, string, []byte) error {
	return errors.New("broker down")
}

func (brokenChannel) Subscribe(context.Context, string) (eventbus.Subscription, error) {
	return nil, errors.New("broker down")
}

func (brokenChannel) Close() error { return nil }

type result struct {
	outcome Outcome
	err     error
	elapsed time.Duration
}

func awaitAsync(ctx context.Context, g *Gate, req Request) <-chan result {
	out := make(chan result, 1)
	go func() {
		start := time.Now()
		o, err := g.Await(ctx, req)
		out <- result{outcome: o, err: err, elapsed: time.Since(start)}
	}()
	return out
}

func newPlan(t *testing.T, s store.Store) *plan.Plan {
	t.Helper()
	p := plan.New("proj-1", "task-1", "Login", "add login", "# Plan\n\n- [ ] screen\n- [ ] api\n")
	require.NoError(t, s.SavePlan(t.Context(), p))
	return p
}

func waitUntilWaiting(t *testing.T, g *Gate, planID string) {
	t.Helper()
	require.Eventually(t, func() bool { return g.Waiting(planID) }, time.Second, time.Millisecond)
}

func receive(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("Await did not return")
		return result{}
	}
}

func TestAwait_DecisionFromAnotherProcess(t *testing.T) {
	broker := eventbus.NewMemoryBroker()
	shared := store.NewMockStore()
	bcA := &recorder{}
	m := metrics.New()

	// Long poll interval so only the channel can deliver quickly.
	gateA := NewGate(Config{Channel: broker.Channel(), Broadcaster: bcA, Store: shared, Metrics: m, PollInterval: time.Hour})
	gateB := NewGate(Config{Channel: broker.Channel(), Broadcaster: &recorder{}, Store: shared, PollInterval: time.Hour})

	p := newPlan(t, shared)
	done := awaitAsync(t.Context(), gateA, Request{ProjectID: "proj-1", Topic: "session:s1", Plan: p})
	waitUntilWaiting(t, gateA, p.ID)
	require.Eventually(t, func() bool { return bcA.count(broadcast.TypePlanCreated, "") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, gateB.Decide(t.Context(), "proj-1", p.ID, true, "alice"))

	r := receive(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, OutcomeApproved, r.outcome)
	assert.Less(t, r.elapsed, 1500*time.Millisecond)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ApprovalOutcomes.WithLabelValues("approved")), 0)

	stored, err := shared.GetPlan(t.Context(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusApproved, stored.Status)
}

func TestAwait_IgnoresOtherPlans(t *testing.T) {
	broker := eventbus.NewMemoryBroker()
	ch := broker.Channel()
	s := store.NewMockStore()
	g := NewGate(Config{Channel: ch, Store: s, PollInterval: time.Hour})

	p := newPlan(t, s)
	done := awaitAsync(t.Context(), g, Request{ProjectID: "proj-1", Plan: p})
	waitUntilWaiting(t, g, p.ID)

	publish := func(planID string, approved bool) {
		data, err := json.Marshal(DecisionMessage{Type: DecisionType, Data: DecisionData{PlanID: planID, Approved: approved}})
		require.NoError(t, err)
		require.NoError(t, ch.Publish(t.Context(), broadcast.DecisionTopic("proj-1"), data))
	}

	publish("some-other-plan", true)
	require.NoError(t, ch.Publish(t.Context(), broadcast.DecisionTopic("proj-1"), []byte("not json")))

	select {
	case <-done:
		t.Fatal("unrelated messages must not end the wait")
	case <-time.After(50 * time.Millisecond):
	}

	publish(p.ID, false)
	r := receive(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, OutcomeRejected, r.outcome)
	assert.False(t, r.outcome.Approved())
}

func TestAwait_LocalWaiterWhenBrokerDown(t *testing.T) {
	s := store.NewMockStore()
	g := NewGate(Config{Channel: brokenChannel{}, Store: s, PollInterval: time.Hour})

	p := newPlan(t, s)
	done := awaitAsync(t.Context(), g, Request{ProjectID: "proj-1", Plan: p})
	waitUntilWaiting(t, g, p.ID)

	require.NoError(t, g.Decide(t.Context(), "proj-1", p.ID, true, "bob"))

	r := receive(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, OutcomeApproved, r.outcome)
}

func TestAwait_PollsStore(t *testing.T) {
	s := store.NewMockStore()
	g := NewGate(Config{Store: s, PollInterval: 10 * time.Millisecond})

	p := newPlan(t, s)
	done := awaitAsync(t.Context(), g, Request{ProjectID: "proj-1", Plan: p})
	waitUntilWaiting(t, g, p.ID)

	// A decision written by another process that could not reach the broker.
	require.NoError(t, s.SaveDecision(t.Context(), &store.Decision{PlanID: p.ID, ProjectID: "proj-1", Approved: true}))

	r := receive(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, OutcomeApproved, r.outcome)
}

func TestAwait_TimeoutSendsOneNotice(t *testing.T) {
	s := store.NewMockStore()
	bc := &recorder{}
	m := metrics.New()
	g := NewGate(Config{
		Channel:      eventbus.NewMemoryBroker().Channel(),
		Broadcaster:  bc,
		Store:        s,
		Metrics:      m,
		Timeout:      100 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	})

	p := newPlan(t, s)
	outcome, err := g.Await(t.Context(), Request{ProjectID: "proj-1", Topic: "session:s1", Plan: p})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.False(t, outcome.Approved())

	assert.Equal(t, 1, bc.count(broadcast.TypeAgentStatus, broadcast.StatusTimeout))
	assert.InDelta(t, 1, testutil.ToFloat64(m.ApprovalOutcomes.WithLabelValues("timed_out")), 0)
	assert.False(t, g.Waiting(p.ID))

	stored, err := s.GetPlan(t.Context(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusRejected, stored.Status)

	// A late decision finds nothing to decide.
	err = g.Decide(t.Context(), "proj-1", p.ID, true, "late")
	require.ErrorIs(t, err, ErrNoPendingDecision)
}

func TestAwait_ContextCancelled(t *testing.T) {
	s := store.NewMockStore()
	bc := &recorder{}
	g := NewGate(Config{Broadcaster: bc, Store: s, PollInterval: time.Hour})

	p := newPlan(t, s)
	ctx, cancel := context.WithCancel(t.Context())
	done := awaitAsync(ctx, g, Request{ProjectID: "proj-1", Topic: "session:s1", Plan: p})
	waitUntilWaiting(t, g, p.ID)
	cancel()

	r := receive(t, done)
	require.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, 0, bc.count(broadcast.TypeAgentStatus, broadcast.StatusTimeout))
}

func TestDecide(t *testing.T) {
	s := store.NewMockStore()
	bc := &recorder{}
	g := NewGate(Config{Channel: eventbus.NewMemoryBroker().Channel(), Broadcaster: bc, Store: s})

	err := g.Decide(t.Context(), "proj-1", "missing", true, "x")
	require.ErrorIs(t, err, ErrNoPendingDecision)

	p := newPlan(t, s)
	require.NoError(t, g.Decide(t.Context(), "", p.ID, false, "carol"))
	assert.Equal(t, 1, bc.count(broadcast.TypePlanRejected, ""))

	d, err := s.GetDecision(t.Context(), p.ID)
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, "proj-1", d.ProjectID)
	assert.Equal(t, "carol", d.DecidedBy)

	err = g.Decide(t.Context(), "proj-1", p.ID, true, "dave")
	require.ErrorIs(t, err, store.ErrDecisionExists)
}

func TestDecide_RejectsOtherProject(t *testing.T) {
	s := store.NewMockStore()
	bc := &recorder{}
	g := NewGate(Config{Channel: eventbus.NewMemoryBroker().Channel(), Broadcaster: bc, Store: s})
	p := newPlan(t, s)

	err := g.Decide(t.Context(), "proj-2", p.ID, true, "mallory")
	require.ErrorIs(t, err, ErrProjectMismatch)

	_, err = s.GetDecision(t.Context(), p.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	stored, err := s.GetPlan(t.Context(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusPendingReview, stored.Status)
	assert.Zero(t, bc.count(broadcast.TypePlanApproved, ""))
}

func TestDecide_WithoutProjectReachesRemoteWaiter(t *testing.T) {
	broker := eventbus.NewMemoryBroker()
	shared := store.NewMockStore()

	waiter := NewGate(Config{Channel: broker.Channel(), Broadcaster: &recorder{}, Store: shared, PollInterval: time.Hour})
	decider := NewGate(Config{Channel: broker.Channel(), Broadcaster: &recorder{}, Store: shared, PollInterval: time.Hour})

	p := newPlan(t, shared)
	done := awaitAsync(t.Context(), waiter, Request{ProjectID: "proj-1", Topic: "session:s1", Plan: p})
	waitUntilWaiting(t, waiter, p.ID)

	require.NoError(t, decider.Decide(t.Context(), "", p.ID, true, "alice"))

	r := receive(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, OutcomeApproved, r.outcome)
	assert.Less(t, r.elapsed, 1500*time.Millisecond)

	d, err := shared.GetDecision(t.Context(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "proj-1", d.ProjectID)
}

func TestDecide_SaveFailureIsReturned(t *testing.T) {
	s := store.NewMockStore()
	g := NewGate(Config{Store: s})
	p := newPlan(t, s)

	s.FailOn(store.OpSaveDecision, errors.New("db down"))
	err := g.Decide(t.Context(), "proj-1", p.ID, true, "x")
	require.Error(t, err)

	stored, err := s.GetPlan(t.Context(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusPendingReview, stored.Status)
}
