// ABOUTME: Mock Store implementation for testing
// ABOUTME: Keeps records in memory and lets tests inject per-operation failures

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/2389/coven-conductor/internal/plan"
)

// Op names a Store operation for failure injection.
type Op string

// Injectable operations.
const (
	OpSaveTask     Op = "SaveTask"
	OpUpdateTask   Op = "UpdateTask"
	OpGetTask      Op = "GetTask"
	OpListTasks    Op = "ListTasksByStatus"
	OpSavePlan     Op = "SavePlan"
	OpUpdatePlan   Op = "UpdatePlan"
	OpGetPlan      Op = "GetPlan"
	OpSaveDecision Op = "SaveDecision"
	OpGetDecision  Op = "GetDecision"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	tasks     map[string]*TaskRecord
	plans     map[string]*plan.Plan
	decisions map[string]*Decision
	failures  map[Op]error
	calls     map[Op]int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		tasks:     make(map[string]*TaskRecord),
		plans:     make(map[string]*plan.Plan),
		decisions: make(map[string]*Decision),
		failures:  make(map[Op]error),
		calls:     make(map[Op]int),
	}
}

// FailOn makes op return err until cleared with FailOn(op, nil).
func (m *MockStore) FailOn(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls returns how many times op was invoked.
func (m *MockStore) Calls(op Op) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// enter records a call and returns the injected error, if any. Caller holds mu.
func (m *MockStore) enter(op Op) error {
	m.calls[op]++
	return m.failures[op]
}

// SaveTask stores a copy of the task.
func (m *MockStore) SaveTask(ctx context.Context, t *TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpSaveTask); err != nil {
		return err
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

// UpdateTask replaces a stored task.
func (m *MockStore) UpdateTask(ctx context.Context, t *TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpUpdateTask); err != nil {
		return err
	}
	if _, ok := m.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

// GetTask returns a copy of a stored task.
func (m *MockStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpGetTask); err != nil {
		return nil, err
	}
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// ListTasksByStatus returns copies of matching tasks, oldest first.
func (m *MockStore) ListTasksByStatus(ctx context.Context, status string) ([]*TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpListTasks); err != nil {
		return nil, err
	}
	var out []*TaskRecord
	for _, t := range m.tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// SavePlan stores a copy of the plan.
func (m *MockStore) SavePlan(ctx context.Context, p *plan.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpSavePlan); err != nil {
		return err
	}
	m.plans[p.ID] = p.Clone()
	return nil
}

// UpdatePlan replaces a stored plan.
func (m *MockStore) UpdatePlan(ctx context.Context, p *plan.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpUpdatePlan); err != nil {
		return err
	}
	if _, ok := m.plans[p.ID]; !ok {
		return ErrNotFound
	}
	m.plans[p.ID] = p.Clone()
	return nil
}

// GetPlan returns a copy of a stored plan.
func (m *MockStore) GetPlan(ctx context.Context, id string) (*plan.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpGetPlan); err != nil {
		return nil, err
	}
	p, ok := m.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// SaveDecision stores the first decision for a plan.
func (m *MockStore) SaveDecision(ctx context.Context, d *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpSaveDecision); err != nil {
		return err
	}
	if _, ok := m.decisions[d.PlanID]; ok {
		return ErrDecisionExists
	}
	c := *d
	m.decisions[d.PlanID] = &c
	return nil
}

// GetDecision returns the decision for a plan.
func (m *MockStore) GetDecision(ctx context.Context, planID string) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpGetDecision); err != nil {
		return nil, err
	}
	d, ok := m.decisions[planID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *d
	return &c, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PgStore)(nil)
)
