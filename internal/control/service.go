// ABOUTME: Task and plan operations shared by the gRPC and HTTP surfaces
// ABOUTME: Wraps the run loop, task registry and approval gate behind one Backend

package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/coven-conductor/internal/auth"
	"github.com/2389/coven-conductor/internal/runloop"
	"github.com/2389/coven-conductor/internal/task"
)

// DecideRequest approves or rejects a pending plan.
type DecideRequest struct {
	ProjectID string `json:"projectId,omitempty"`
	PlanID    string `json:"planId"`
	Approved  bool   `json:"approved"`
	// DecidedBy defaults to the authenticated caller.
	DecidedBy string `json:"decidedBy,omitempty"`
}

// DecideResponse echoes an accepted decision.
type DecideResponse struct {
	PlanID   string `json:"planId"`
	Approved bool   `json:"approved"`
}

// Backend is what remote callers can do.
type Backend interface {
	Launch(ctx context.Context, req runloop.StartRequest) (*task.Task, error)
	Resume(ctx context.Context, req task.ResumeRequest) (*task.Task, error)
	Cancel(ctx context.Context, id string) (*task.Task, error)
	Decide(ctx context.Context, req DecideRequest) error
	Task(id string) (*task.Task, error)
}

// Runner starts and resumes task runs.
type Runner interface {
	Start(ctx context.Context, req runloop.StartRequest) (*task.Task, error)
	Resume(ctx context.Context, req task.ResumeRequest) (*task.Task, error)
}

// Decider records plan decisions.
type Decider interface {
	Decide(ctx context.Context, projectID, planID string, approved bool, decidedBy string) error
}

// Service implements Backend over the live components of one process.
type Service struct {
	runner   Runner
	registry *task.Registry
	decider  Decider
	logger   *slog.Logger
}

var _ Backend = (*Service)(nil)

// NewService creates a Service.
func NewService(runner Runner, registry *task.Registry, decider Decider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runner:   runner,
		registry: registry,
		decider:  decider,
		logger:   logger.With("component", "control"),
	}
}

// Launch blocks until the task is admitted, then runs it in the background.
func (s *Service) Launch(ctx context.Context, req runloop.StartRequest) (*task.Task, error) {
	t, err := s.runner.Start(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("launching task: %w", err)
	}
	s.logger.Info("task launched",
		"task_id", t.ID,
		"agent_class", t.AgentClass,
		"caller", auth.SubjectFromContext(ctx))
	return t, nil
}

// Resume continues a finished session.
func (s *Service) Resume(ctx context.Context, req task.ResumeRequest) (*task.Task, error) {
	t, err := s.runner.Resume(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("resuming session: %w", err)
	}
	return t, nil
}

// Cancel stops a running task. The run loop notices at its next step.
func (s *Service) Cancel(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.registry.Cancel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("cancelling task: %w", err)
	}
	s.logger.Info("task cancelled", "task_id", id, "caller", auth.SubjectFromContext(ctx))
	return t, nil
}

// Decide records a plan decision and wakes whichever process is waiting.
func (s *Service) Decide(ctx context.Context, req DecideRequest) error {
	if req.PlanID == "" {
		return fmt.Errorf("%w: planId is required", task.ErrInvalidRequest)
	}
	if req.DecidedBy == "" {
		req.DecidedBy = auth.SubjectFromContext(ctx)
	}
	if err := s.decider.Decide(ctx, req.ProjectID, req.PlanID, req.Approved, req.DecidedBy); err != nil {
		return fmt.Errorf("deciding plan %s: %w", req.PlanID, err)
	}
	return nil
}

// Task returns a snapshot of one task.
func (s *Service) Task(id string) (*task.Task, error) {
	return s.registry.Get(id)
}
