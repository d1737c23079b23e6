// ABOUTME: SQLite implementation of the Store interface (modernc.org/sqlite or mattn/go-sqlite3)
// ABOUTME: Persists tasks, plans and decisions with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/2389/coven-conductor/internal/plan"
)

// SQLite driver names.
const (
	DriverModernc = "sqlite"  // pure Go
	DriverMattn   = "sqlite3" // cgo
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the
// pure-Go driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLite(DriverModernc, path)
}

// OpenSQLite opens a SQLite store with the named driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func OpenSQLite(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "driver", driver)

	if driver != DriverModernc && driver != DriverMattn {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id                TEXT PRIMARY KEY,
			session_id        TEXT NOT NULL,
			parent_session_id TEXT NOT NULL DEFAULT '',
			project_id        TEXT NOT NULL DEFAULT '',
			agent_class       TEXT NOT NULL,
			description       TEXT NOT NULL DEFAULT '',
			prompt            TEXT NOT NULL,
			category          TEXT NOT NULL DEFAULT '',
			skills_json       TEXT NOT NULL DEFAULT '[]',
			status            TEXT NOT NULL,
			started_at        TEXT NOT NULL,
			completed_at      TEXT,
			error             TEXT NOT NULL DEFAULT '',
			result            TEXT NOT NULL DEFAULT '',
			tool_call_count   INTEGER NOT NULL DEFAULT 0,
			last_tool_name    TEXT NOT NULL DEFAULT '',
			last_update_time  TEXT NOT NULL,
			owner             TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);

		CREATE TABLE IF NOT EXISTS plans (
			id           TEXT PRIMARY KEY,
			project_id   TEXT NOT NULL,
			task_id      TEXT NOT NULL DEFAULT '',
			title        TEXT NOT NULL,
			user_request TEXT NOT NULL,
			content      TEXT NOT NULL,
			status       TEXT NOT NULL,
			items_json   TEXT NOT NULL DEFAULT '[]',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS plan_decisions (
			plan_id    TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			approved   INTEGER NOT NULL,
			decided_by TEXT NOT NULL DEFAULT '',
			decided_at TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveTask inserts a new task row.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *TaskRecord) error {
	skills, err := json.Marshal(nonNil(t.Skills))
	if err != nil {
		return fmt.Errorf("encoding skills: %w", err)
	}
	query := `
		INSERT INTO tasks (id, session_id, parent_session_id, project_id, agent_class,
			description, prompt, category, skills_json, status, started_at, completed_at,
			error, result, tool_call_count, last_tool_name, last_update_time, owner)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		t.ID, t.SessionID, t.ParentSessionID, t.ProjectID, t.AgentClass,
		t.Description, t.Prompt, t.Category, string(skills), t.Status,
		formatTime(t.StartedAt), formatTimePtr(t.CompletedAt),
		t.Error, t.Result, t.ToolCallCount, t.LastToolName,
		formatTime(t.LastUpdateTime), t.Owner,
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// UpdateTask rewrites the mutable columns of a task.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *TaskRecord) error {
	query := `
		UPDATE tasks SET session_id = ?, parent_session_id = ?, prompt = ?, status = ?,
			started_at = ?, completed_at = ?, error = ?, result = ?, tool_call_count = ?,
			last_tool_name = ?, last_update_time = ?, owner = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		t.SessionID, t.ParentSessionID, t.Prompt, t.Status,
		formatTime(t.StartedAt), formatTimePtr(t.CompletedAt), t.Error, t.Result,
		t.ToolCallCount, t.LastToolName, formatTime(t.LastUpdateTime), t.Owner,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	return requireRow(res)
}

const taskColumns = `id, session_id, parent_session_id, project_id, agent_class, description,
	prompt, category, skills_json, status, started_at, completed_at, error, result,
	tool_call_count, last_tool_name, last_update_time, owner`

// GetTask retrieves a task by ID.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return t, nil
}

// ListTasksByStatus returns tasks with the given status, oldest first.
func (s *SQLiteStore) ListTasksByStatus(ctx context.Context, status string) ([]*TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY started_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*TaskRecord, error) {
	var t TaskRecord
	var skills, startedAt, lastUpdate string
	var completedAt sql.NullString

	err := row.Scan(
		&t.ID, &t.SessionID, &t.ParentSessionID, &t.ProjectID, &t.AgentClass,
		&t.Description, &t.Prompt, &t.Category, &skills, &t.Status,
		&startedAt, &completedAt, &t.Error, &t.Result,
		&t.ToolCallCount, &t.LastToolName, &lastUpdate, &t.Owner,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(skills), &t.Skills); err != nil {
		return nil, fmt.Errorf("decoding skills: %w", err)
	}
	if t.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if t.LastUpdateTime, err = parseTime(lastUpdate); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		ts, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		t.CompletedAt = &ts
	}
	return &t, nil
}

// SavePlan inserts a new plan.
func (s *SQLiteStore) SavePlan(ctx context.Context, p *plan.Plan) error {
	items, err := json.Marshal(nonNil(p.Items))
	if err != nil {
		return fmt.Errorf("encoding plan items: %w", err)
	}
	query := `
		INSERT INTO plans (id, project_id, task_id, title, user_request, content, status,
			items_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.ProjectID, p.TaskID, p.Title, p.UserRequest, p.Content, string(p.Status),
		string(items), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting plan: %w", err)
	}
	return nil
}

// UpdatePlan stores a plan's status, content and items.
// Returns ErrNotFound if the plan doesn't exist.
func (s *SQLiteStore) UpdatePlan(ctx context.Context, p *plan.Plan) error {
	items, err := json.Marshal(nonNil(p.Items))
	if err != nil {
		return fmt.Errorf("encoding plan items: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET title = ?, content = ?, status = ?, items_json = ?, updated_at = ? WHERE id = ?`,
		p.Title, p.Content, string(p.Status), string(items), formatTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating plan: %w", err)
	}
	return requireRow(res)
}

// GetPlan retrieves a plan by ID.
// Returns ErrNotFound if the plan doesn't exist.
func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*plan.Plan, error) {
	query := `
		SELECT id, project_id, task_id, title, user_request, content, status, items_json,
			created_at, updated_at
		FROM plans WHERE id = ?
	`
	var p plan.Plan
	var status, items, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.ProjectID, &p.TaskID, &p.Title, &p.UserRequest, &p.Content,
		&status, &items, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying plan: %w", err)
	}

	p.Status = plan.Status(status)
	if err := json.Unmarshal([]byte(items), &p.Items); err != nil {
		return nil, fmt.Errorf("decoding plan items: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveDecision records the decision for a plan.
// Returns ErrDecisionExists if the plan was already decided.
func (s *SQLiteStore) SaveDecision(ctx context.Context, d *Decision) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO plan_decisions (plan_id, project_id, approved, decided_by, decided_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(plan_id) DO NOTHING`,
		d.PlanID, d.ProjectID, boolToInt(d.Approved), d.DecidedBy, formatTime(d.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking decision insert: %w", err)
	}
	if n == 0 {
		return ErrDecisionExists
	}
	return nil
}

// GetDecision retrieves the decision for a plan.
// Returns ErrNotFound if no decision has been made.
func (s *SQLiteStore) GetDecision(ctx context.Context, planID string) (*Decision, error) {
	var d Decision
	var approved int
	var decidedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT plan_id, project_id, approved, decided_by, decided_at FROM plan_decisions WHERE plan_id = ?`,
		planID,
	).Scan(&d.PlanID, &d.ProjectID, &approved, &d.DecidedBy, &decidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying decision: %w", err)
	}
	d.Approved = approved != 0
	if d.DecidedAt, err = parseTime(decidedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
