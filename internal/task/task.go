// ABOUTME: Task entity, its statuses and the request types accepted by the registry.
// ABOUTME: Converts between the in-memory task and its persisted record.

package task

import (
	"errors"
	"slices"
	"time"

	"github.com/2389/coven-conductor/internal/broadcast"
	"github.com/2389/coven-conductor/internal/store"
)

// Status is a task's lifecycle state.
type Status string

// Task statuses.
const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

var (
	// ErrTaskNotFound is returned when no task matches.
	ErrTaskNotFound = errors.New("task: not found")

	// ErrNotRunning is returned when finishing a task that already finished.
	ErrNotRunning = errors.New("task: not running")

	// ErrAlreadyRunning is returned when resuming a task that is running.
	ErrAlreadyRunning = errors.New("task: already running")

	// ErrInvalidRequest is returned for a launch or resume request missing
	// required fields.
	ErrInvalidRequest = errors.New("task: invalid request")

	// ErrClosed is returned by Launch after Close.
	ErrClosed = errors.New("task: registry closed")
)

// Task is one unit of orchestrated work.
type Task struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"sessionId"`
	ParentSessionID string     `json:"parentSessionId,omitempty"`
	ProjectID       string     `json:"projectId,omitempty"`
	AgentClass      string     `json:"agentClass"`
	Description     string     `json:"description,omitempty"`
	Prompt          string     `json:"prompt"`
	Category        string     `json:"category,omitempty"`
	Skills          []string   `json:"skills,omitempty"`
	Status          Status     `json:"status"`
	StartedAt       time.Time  `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	Error           string     `json:"error,omitempty"`
	Result          string     `json:"result,omitempty"`
	ToolCallCount   int        `json:"toolCallCount"`
	LastToolName    string     `json:"lastToolName,omitempty"`
	LastUpdateTime  time.Time  `json:"lastUpdateTime"`

	// ConcurrencyKey is the admission key the task holds while running.
	ConcurrencyKey string `json:"concurrencyKey"`

	released bool
	// stopped is closed when the current run leaves RUNNING.
	stopped chan struct{}
}

// Topic is where progress for the task is broadcast.
func (t *Task) Topic() string {
	if t.ProjectID != "" {
		return broadcast.ProjectTopic(t.ProjectID)
	}
	return broadcast.SessionTopic(t.SessionID)
}

// Duration is the time from start to completion, or to now while running.
func (t *Task) Duration(now time.Time) time.Duration {
	if t.CompletedAt != nil {
		return t.CompletedAt.Sub(t.StartedAt)
	}
	return now.Sub(t.StartedAt)
}

func (t *Task) clone() *Task {
	c := *t
	c.Skills = slices.Clone(t.Skills)
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

func (t *Task) record(owner string) *store.TaskRecord {
	return &store.TaskRecord{
		ID:              t.ID,
		SessionID:       t.SessionID,
		ParentSessionID: t.ParentSessionID,
		ProjectID:       t.ProjectID,
		AgentClass:      t.AgentClass,
		Description:     t.Description,
		Prompt:          t.Prompt,
		Category:        t.Category,
		Skills:          slices.Clone(t.Skills),
		Status:          string(t.Status),
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
		Error:           t.Error,
		Result:          t.Result,
		ToolCallCount:   t.ToolCallCount,
		LastToolName:    t.LastToolName,
		LastUpdateTime:  t.LastUpdateTime,
		Owner:           owner,
	}
}

func fromRecord(r *store.TaskRecord) *Task {
	return &Task{
		ID:              r.ID,
		SessionID:       r.SessionID,
		ParentSessionID: r.ParentSessionID,
		ProjectID:       r.ProjectID,
		AgentClass:      r.AgentClass,
		Description:     r.Description,
		Prompt:          r.Prompt,
		Category:        r.Category,
		Skills:          slices.Clone(r.Skills),
		Status:          Status(r.Status),
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		Error:           r.Error,
		Result:          r.Result,
		ToolCallCount:   r.ToolCallCount,
		LastToolName:    r.LastToolName,
		LastUpdateTime:  r.LastUpdateTime,
		ConcurrencyKey:  r.AgentClass,
	}
}

// LaunchRequest describes a new task.
type LaunchRequest struct {
	AgentClass      string   `json:"agentClass"`
	Description     string   `json:"description,omitempty"`
	Prompt          string   `json:"prompt"`
	ProjectID       string   `json:"projectId,omitempty"`
	ParentSessionID string   `json:"parentSessionId,omitempty"`
	Category        string   `json:"category,omitempty"`
	Skills          []string `json:"skills,omitempty"`
}

// ResumeRequest restarts a finished task in its session.
type ResumeRequest struct {
	SessionID       string `json:"sessionId"`
	Prompt          string `json:"prompt"`
	ParentSessionID string `json:"parentSessionId,omitempty"`
}
