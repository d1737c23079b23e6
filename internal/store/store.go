// ABOUTME: Store interface and persisted record types for tasks, plans and decisions.
// ABOUTME: Implemented by SQLiteStore, PgStore and MockStore.

package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/2389/coven-conductor/internal/plan"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDecisionExists is returned when saving a second decision for a plan
var ErrDecisionExists = errors.New("decision already recorded")

// TaskRecord is the persisted form of a task.
type TaskRecord struct {
	ID              string
	SessionID       string
	ParentSessionID string
	ProjectID       string
	AgentClass      string
	Description     string
	Prompt          string
	Category        string
	Skills          []string
	Status          string
	StartedAt       time.Time
	CompletedAt     *time.Time
	Error           string
	Result          string
	ToolCallCount   int
	LastToolName    string
	LastUpdateTime  time.Time
	Owner           string // process that runs the task
}

// Clone returns a deep copy.
func (r *TaskRecord) Clone() *TaskRecord {
	c := *r
	c.Skills = slices.Clone(r.Skills)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Decision is the human verdict on a plan. A plan has at most one.
type Decision struct {
	PlanID    string
	ProjectID string
	Approved  bool
	DecidedBy string
	DecidedAt time.Time
}

// Store defines the persistence operations the conductor needs.
type Store interface {
	// Tasks
	SaveTask(ctx context.Context, task *TaskRecord) error
	UpdateTask(ctx context.Context, task *TaskRecord) error
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
	ListTasksByStatus(ctx context.Context, status string) ([]*TaskRecord, error)

	// Plans
	SavePlan(ctx context.Context, p *plan.Plan) error
	UpdatePlan(ctx context.Context, p *plan.Plan) error
	GetPlan(ctx context.Context, id string) (*plan.Plan, error)

	// Decisions
	SaveDecision(ctx context.Context, d *Decision) error
	GetDecision(ctx context.Context, planID string) (*Decision, error)

	Close() error
}
