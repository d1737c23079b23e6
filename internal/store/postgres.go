// ABOUTME: PostgreSQL implementation of the Store interface over a pgx connection pool.
// ABOUTME: Shared by every conductor process so decisions recorded anywhere are visible to all gates.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/2389/coven-conductor/internal/plan"
)

// PgStore implements Store on PostgreSQL.
type PgStore struct {
	pool   *pgxpool.Pool
	owned  bool
	logger *slog.Logger
}

// NewPgStore wraps an existing pool. The caller keeps ownership of pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, logger: slog.Default().With("component", "store", "driver", "postgres")}
}

// OpenPostgres connects to dsn and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	s := NewPgStore(pool)
	s.owned = true
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.logger.Info("postgres store initialized")
	return s, nil
}

// Pool exposes the pool so other components (the event channel) can share it.
func (s *PgStore) Pool() *pgxpool.Pool {
	return s.pool
}

// EnsureSchema creates the tables if they don't exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id                TEXT PRIMARY KEY,
			session_id        TEXT NOT NULL,
			parent_session_id TEXT NOT NULL DEFAULT '',
			project_id        TEXT NOT NULL DEFAULT '',
			agent_class       TEXT NOT NULL,
			description       TEXT NOT NULL DEFAULT '',
			prompt            TEXT NOT NULL,
			category          TEXT NOT NULL DEFAULT '',
			skills            TEXT[] NOT NULL DEFAULT '{}',
			status            TEXT NOT NULL,
			started_at        TIMESTAMPTZ NOT NULL,
			completed_at      TIMESTAMPTZ,
			error             TEXT NOT NULL DEFAULT '',
			result            TEXT NOT NULL DEFAULT '',
			tool_call_count   INTEGER NOT NULL DEFAULT 0,
			last_tool_name    TEXT NOT NULL DEFAULT '',
			last_update_time  TIMESTAMPTZ NOT NULL,
			owner             TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id)`,
		`CREATE TABLE IF NOT EXISTS plans (
			id           TEXT PRIMARY KEY,
			project_id   TEXT NOT NULL,
			task_id      TEXT NOT NULL DEFAULT '',
			title        TEXT NOT NULL,
			user_request TEXT NOT NULL,
			content      TEXT NOT NULL,
			status       TEXT NOT NULL,
			items        JSONB NOT NULL DEFAULT '[]',
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS plan_decisions (
			plan_id    TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			approved   BOOLEAN NOT NULL,
			decided_by TEXT NOT NULL DEFAULT '',
			decided_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// Close closes the pool if this store opened it.
func (s *PgStore) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}

// SaveTask inserts a new task row.
func (s *PgStore) SaveTask(ctx context.Context, t *TaskRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, session_id, parent_session_id, project_id, agent_class,
			description, prompt, category, skills, status, started_at, completed_at,
			error, result, tool_call_count, last_tool_name, last_update_time, owner)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, t.SessionID, t.ParentSessionID, t.ProjectID, t.AgentClass,
		t.Description, t.Prompt, t.Category, nonNil(t.Skills), t.Status,
		t.StartedAt, t.CompletedAt, t.Error, t.Result,
		t.ToolCallCount, t.LastToolName, t.LastUpdateTime, t.Owner,
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// UpdateTask rewrites the mutable columns of a task.
func (s *PgStore) UpdateTask(ctx context.Context, t *TaskRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET session_id = $1, parent_session_id = $2, prompt = $3, status = $4,
			started_at = $5, completed_at = $6, error = $7, result = $8, tool_call_count = $9,
			last_tool_name = $10, last_update_time = $11, owner = $12
		WHERE id = $13`,
		t.SessionID, t.ParentSessionID, t.Prompt, t.Status,
		t.StartedAt, t.CompletedAt, t.Error, t.Result, t.ToolCallCount,
		t.LastToolName, t.LastUpdateTime, t.Owner, t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const pgTaskColumns = `id, session_id, parent_session_id, project_id, agent_class, description,
	prompt, category, skills, status, started_at, completed_at, error, result,
	tool_call_count, last_tool_name, last_update_time, owner`

func scanPgTask(row pgx.Row) (*TaskRecord, error) {
	var t TaskRecord
	err := row.Scan(
		&t.ID, &t.SessionID, &t.ParentSessionID, &t.ProjectID, &t.AgentClass,
		&t.Description, &t.Prompt, &t.Category, &t.Skills, &t.Status,
		&t.StartedAt, &t.CompletedAt, &t.Error, &t.Result,
		&t.ToolCallCount, &t.LastToolName, &t.LastUpdateTime, &t.Owner,
	)
	if err != nil {
		return nil, err
	}
	t.StartedAt = t.StartedAt.UTC()
	t.LastUpdateTime = t.LastUpdateTime.UTC()
	if t.CompletedAt != nil {
		c := t.CompletedAt.UTC()
		t.CompletedAt = &c
	}
	return &t, nil
}

// GetTask retrieves a task by ID.
func (s *PgStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	t, err := scanPgTask(s.pool.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return t, nil
}

// ListTasksByStatus returns tasks with the given status, oldest first.
func (s *PgStore) ListTasksByStatus(ctx context.Context, status string) ([]*TaskRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTaskColumns+` FROM tasks WHERE status = $1 ORDER BY started_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*TaskRecord
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SavePlan inserts a new plan.
func (s *PgStore) SavePlan(ctx context.Context, p *plan.Plan) error {
	items, err := json.Marshal(nonNil(p.Items))
	if err != nil {
		return fmt.Errorf("encoding plan items: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO plans (id, project_id, task_id, title, user_request, content, status,
			items, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)`,
		p.ID, p.ProjectID, p.TaskID, p.Title, p.UserRequest, p.Content, string(p.Status),
		string(items), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting plan: %w", err)
	}
	return nil
}

// UpdatePlan stores a plan's status, content and items.
func (s *PgStore) UpdatePlan(ctx context.Context, p *plan.Plan) error {
	items, err := json.Marshal(nonNil(p.Items))
	if err != nil {
		return fmt.Errorf("encoding plan items: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE plans SET title = $1, content = $2, status = $3, items = $4::jsonb, updated_at = $5 WHERE id = $6`,
		p.Title, p.Content, string(p.Status), string(items), p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPlan retrieves a plan by ID.
func (s *PgStore) GetPlan(ctx context.Context, id string) (*plan.Plan, error) {
	var p plan.Plan
	var status string
	var items []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, project_id, task_id, title, user_request, content, status, items,
			created_at, updated_at
		FROM plans WHERE id = $1`, id,
	).Scan(&p.ID, &p.ProjectID, &p.TaskID, &p.Title, &p.UserRequest, &p.Content,
		&status, &items, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying plan: %w", err)
	}
	p.Status = plan.Status(status)
	if err := json.Unmarshal(items, &p.Items); err != nil {
		return nil, fmt.Errorf("decoding plan items: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

// SaveDecision records the decision for a plan.
func (s *PgStore) SaveDecision(ctx context.Context, d *Decision) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO plan_decisions (plan_id, project_id, approved, decided_by, decided_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (plan_id) DO NOTHING`,
		d.PlanID, d.ProjectID, d.Approved, d.DecidedBy, d.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting decision: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDecisionExists
	}
	return nil
}

// GetDecision retrieves the decision for a plan.
func (s *PgStore) GetDecision(ctx context.Context, planID string) (*Decision, error) {
	var d Decision
	err := s.pool.QueryRow(ctx,
		`SELECT plan_id, project_id, approved, decided_by, decided_at FROM plan_decisions WHERE plan_id = $1`,
		planID,
	).Scan(&d.PlanID, &d.ProjectID, &d.Approved, &d.DecidedBy, &d.DecidedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying decision: %w", err)
	}
	d.DecidedAt = d.DecidedAt.UTC()
	return &d, nil
}
