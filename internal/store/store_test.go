// ABOUTME: Behavioural tests shared by every Store implementation
// ABOUTME: Runs against MockStore, SQLite (both drivers) and Postgres when configured

package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-conductor/internal/plan"
)

func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"mock": func(t *testing.T) Store { return NewMockStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"sqlite3": func(t *testing.T) Store {
			s, err := OpenSQLite(DriverMattn, filepath.Join(t.TempDir(), "test.db"))
			if err != nil {
				t.Skipf("mattn sqlite3 unavailable: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"postgres": func(t *testing.T) Store {
			dsn := os.Getenv("COVEN_TEST_POSTGRES_DSN")
			if dsn == "" {
				t.Skip("COVEN_TEST_POSTGRES_DSN not set")
			}
			s, err := OpenPostgres(t.Context(), dsn)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func sampleTask() *TaskRecord {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &TaskRecord{
		ID:              uuid.New().String(),
		SessionID:       uuid.New().String(),
		ParentSessionID: "parent-1",
		ProjectID:       "proj-1",
		AgentClass:      "flutter_engineer",
		Description:     "build the login screen",
		Prompt:          "please build it",
		Category:        "frontend",
		Skills:          []string{"dart", "widgets"},
		Status:          "RUNNING",
		StartedAt:       now,
		LastUpdateTime:  now,
		Owner:           "proc-a",
	}
}

func TestTaskRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		task := sampleTask()
		require.NoError(t, s.SaveTask(ctx, task))

		got, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, task, got)

		done := got.StartedAt.Add(time.Minute)
		got.Status = "COMPLETED"
		got.CompletedAt = &done
		got.Result = "shipped"
		got.ToolCallCount = 4
		got.LastToolName = "write_file"
		require.NoError(t, s.UpdateTask(ctx, got))

		again, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, got, again)
	})
}

func TestTaskNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetTask(t.Context(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.UpdateTask(t.Context(), sampleTask())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListTasksByStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		running := sampleTask()
		failed := sampleTask()
		failed.Status = "FAILED"
		require.NoError(t, s.SaveTask(ctx, running))
		require.NoError(t, s.SaveTask(ctx, failed))

		list, err := s.ListTasksByStatus(ctx, "RUNNING")
		require.NoError(t, err)

		var ids []string
		for _, r := range list {
			ids = append(ids, r.ID)
		}
		assert.Contains(t, ids, running.ID)
		assert.NotContains(t, ids, failed.ID)
	})
}

func TestPlanRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		p := plan.New("proj-"+uuid.New().String(), "task-1", "Login", "add login", "- [ ] one\n- [ ] two\n")
		p.CreatedAt = p.CreatedAt.Truncate(time.Microsecond)
		p.UpdatedAt = p.CreatedAt
		require.NoError(t, s.SavePlan(ctx, p))

		got, err := s.GetPlan(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p, got)

		require.NoError(t, got.Approve())
		require.NoError(t, got.MarkItemDone(0))
		got.UpdatedAt = got.UpdatedAt.Truncate(time.Microsecond)
		require.NoError(t, s.UpdatePlan(ctx, got))

		again, err := s.GetPlan(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, plan.StatusApproved, again.Status)
		assert.True(t, again.Items[0].Completed)
		assert.False(t, again.Items[1].Completed)

		_, err = s.GetPlan(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDecisionOnlyOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		planID := uuid.New().String()

		_, err := s.GetDecision(ctx, planID)
		require.ErrorIs(t, err, ErrNotFound)

		first := &Decision{
			PlanID:    planID,
			ProjectID: "proj-1",
			Approved:  true,
			DecidedBy: "alice",
			DecidedAt: time.Now().UTC().Truncate(time.Microsecond),
		}
		require.NoError(t, s.SaveDecision(ctx, first))

		second := *first
		second.Approved = false
		assert.ErrorIs(t, s.SaveDecision(ctx, &second), ErrDecisionExists)

		got, err := s.GetDecision(ctx, planID)
		require.NoError(t, err)
		assert.Equal(t, first, got)
	})
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestSQLiteStore_Memory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	task := sampleTask()
	require.NoError(t, s.SaveTask(t.Context(), task))
	_, err = s.GetTask(t.Context(), task.ID)
	assert.NoError(t, err)
}

func TestOpenSQLite_UnknownDriver(t *testing.T) {
	_, err := OpenSQLite("nope", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestMockStore_FailOn(t *testing.T) {
	m := NewMockStore()
	boom := errors.New("disk full")

	m.FailOn(OpSaveTask, boom)
	assert.ErrorIs(t, m.SaveTask(t.Context(), sampleTask()), boom)
	assert.Equal(t, 1, m.Calls(OpSaveTask))

	m.FailOn(OpSaveTask, nil)
	assert.NoError(t, m.SaveTask(t.Context(), sampleTask()))
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	m := NewMockStore()
	task := sampleTask()
	require.NoError(t, m.SaveTask(t.Context(), task))

	task.Skills[0] = "mutated"
	got, err := m.GetTask(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "dart", got.Skills[0])
}
