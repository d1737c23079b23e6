// ABOUTME: Run loop state machine driving a task through planning, approval and execution.
// ABOUTME: Recovers step failures into the history and always sends one terminal message.

package runloop

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/2389/coven-conductor/internal/agent"
	"github.com/2389/coven-conductor/internal/approval"
	"github.com/2389/coven-conductor/internal/broadcast"
	"github.com/2389/coven-conductor/internal/plan"
	"github.com/2389/coven-conductor/internal/store"
	"github.com/2389/coven-conductor/internal/task"
)

// DefaultMaxIterations bounds the EXECUTING loop.
const DefaultMaxIterations = 25

// State is a run loop phase.
type State string

// Run loop states.
const (
	StateStart            State = "START"
	StatePlanning         State = "PLANNING"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateExecuting        State = "EXECUTING"
	StateDone             State = "DONE"
)

// Approver is the approval gate as seen by the run loop.
type Approver interface {
	Await(ctx context.Context, req approval.Request) (approval.Outcome, error)
}

// Config wires a Runner.
type Config struct {
	Registry    *task.Registry
	Gate        Approver
	Store       store.Store
	Broadcaster broadcast.Broadcaster
	Agent       agent.Agent
	Tools       agent.Tools
	Logger      *slog.Logger

	MaxIterations int
	SkipPlanning  bool
	// PreviewChars bounds tool results sent to clients.
	PreviewChars int
}

// RunOptions adjusts a single run.
type RunOptions struct {
	SkipPlanning bool
}

// StartRequest launches a task and runs it.
type StartRequest struct {
	task.LaunchRequest
	SkipPlanning bool `json:"skipPlanning,omitempty"`
}

// Result summarizes a finished run.
type Result struct {
	State      State
	Status     task.Status
	Outcome    approval.Outcome
	Iterations int
	Text       string
}

// Runner executes task runs.
type Runner struct {
	registry      *task.Registry
	gate          Approver
	store         store.Store
	broadcaster   broadcast.Broadcaster
	agent         agent.Agent
	tools         agent.Tools
	logger        *slog.Logger
	maxIterations int
	skipPlanning  bool
	previewChars  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Runner. Runs started with Start stop when Close is called.
func New(cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		registry:      cfg.Registry,
		gate:          cfg.Gate,
		store:         cfg.Store,
		broadcaster:   cfg.Broadcaster,
		agent:         cfg.Agent,
		tools:         cfg.Tools,
		logger:        cfg.Logger.With("component", "runloop"),
		maxIterations: cmp.Or(cfg.MaxIterations, DefaultMaxIterations),
		skipPlanning:  cfg.SkipPlanning,
		previewChars:  cmp.Or(cfg.PreviewChars, broadcast.DefaultPreviewChars),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start launches the task, blocking the caller until admission grants a
// slot, then runs it in the background.
func (r *Runner) Start(ctx context.Context, req StartRequest) (*task.Task, error) {
	t, err := r.registry.Launch(ctx, req.LaunchRequest)
	if err != nil {
		return nil, err
	}
	r.Go(t, RunOptions{SkipPlanning: req.SkipPlanning || r.skipPlanning})
	return t, nil
}

// Resume restarts a finished session with a follow-up prompt and runs it in
// the background. The session already went through planning, so the resumed
// run goes straight to execution.
func (r *Runner) Resume(ctx context.Context, req task.ResumeRequest) (*task.Task, error) {
	t, err := r.registry.Resume(ctx, req)
	if err != nil {
		return nil, err
	}
	r.Go(t, RunOptions{SkipPlanning: true})
	return t, nil
}

// Go runs an already launched (or resumed) task in the background.
func (r *Runner) Go(t *task.Task, opts RunOptions) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Run(r.ctx, t, opts)
	}()
}

// Close cancels background runs and waits for them to finish.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}

// run carries the per-run state.
type run struct {
	*Runner
	task     *task.Task
	topic    string
	logger   *slog.Logger
	result   Result
	answered bool
}

// Run drives t to DONE. It never panics and always sends exactly one
// agent_response.
func (r *Runner) Run(ctx context.Context, t *task.Task, opts RunOptions) (res Result) {
	rn := &run{
		Runner: r,
		task:   t,
		topic:  t.Topic(),
		logger: r.logger.With("task_id", t.ID, "session_id", t.SessionID),
		result: Result{State: StateStart},
	}

	defer func() {
		if rec := recover(); rec != nil {
			rn.logger.Error("run loop panicked", "panic", rec, "stack", string(debug.Stack()))
			rn.finish(ctx, task.StatusFailed, fmt.Sprintf("internal error: %v", rec))
		}
		res = rn.result
	}()

	skip := opts.SkipPlanning || r.skipPlanning
	var p *plan.Plan
	if !skip {
		var ok bool
		if p, ok = rn.planning(ctx); !ok {
			return
		}
		if !rn.awaitApproval(ctx, p) {
			return
		}
	}
	rn.execute(ctx, p)
	return
}

// cancelled records that the task was cancelled from outside the run.
func (rn *run) cancelled(where string) {
	rn.logger.Info("run loop observed cancellation", "at", where)
	rn.result.Status = task.StatusCancelled
	rn.enter(StateDone)
}

func (rn *run) enter(s State) {
	rn.result.State = s
	rn.logger.Debug("run loop state", "state", s)
}

func (rn *run) planning(ctx context.Context) (*plan.Plan, bool) {
	rn.enter(StatePlanning)
	rn.status(ctx, broadcast.StatusPlanning, "Planning the task")

	draft, err := rn.agent.Plan(ctx, rn.task.Prompt)
	if err != nil {
		rn.finish(ctx, task.StatusFailed, fmt.Sprintf("Planning failed: %v", err))
		return nil, false
	}

	p := plan.New(rn.decisionScope(), rn.task.ID, cmp.Or(draft.Title, rn.task.Description), rn.task.Prompt, draft.Content)
	if err := rn.store.SavePlan(ctx, p); err != nil {
		rn.finish(ctx, task.StatusFailed, fmt.Sprintf("Could not save the plan: %v", err))
		return nil, false
	}
	rn.logger.Info("plan created", "plan_id", p.ID, "items", len(p.Items))
	return p, true
}

func (rn *run) awaitApproval(ctx context.Context, p *plan.Plan) bool {
	rn.enter(StateAwaitingApproval)
	rn.status(ctx, broadcast.StatusAwaitingApproval, "Waiting for plan approval")

	// A cancelled task must not hold its gate wait until the timeout.
	awaitCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-rn.registry.Stopped(rn.task.ID):
			stop()
		case <-awaitCtx.Done():
		}
	}()

	outcome, err := rn.gate.Await(awaitCtx, approval.Request{
		ProjectID: rn.decisionScope(),
		Topic:     rn.topic,
		Plan:      p,
	})
	if err != nil {
		if ctx.Err() == nil && rn.registry.IsCancelled(rn.task.ID) {
			rn.cancelled("awaiting approval")
			rn.answer(ctx, "The task was cancelled.")
			return false
		}
		rn.finish(ctx, task.StatusFailed, fmt.Sprintf("Run interrupted while awaiting approval: %v", err))
		return false
	}
	rn.result.Outcome = outcome

	switch outcome {
	case approval.OutcomeApproved:
		return true
	case approval.OutcomeTimedOut:
		rn.finish(ctx, task.StatusCompleted, approval.TimeoutText)
	default:
		rn.finish(ctx, task.StatusCompleted, "The plan was rejected. Tell me what to change and I will plan again.")
	}
	return false
}

func (rn *run) execute(ctx context.Context, p *plan.Plan) {
	rn.enter(StateExecuting)
	rn.status(ctx, broadcast.StatusExecuting, "Executing")

	history := []agent.Entry{{Role: agent.RoleUser, Content: rn.task.Prompt}}
	if p != nil {
		history = append(history, agent.Entry{Role: agent.RoleUser, Content: "Approved plan:\n" + p.Content})
	}

	var lastResults []string
	for i := range rn.maxIterations {
		if rn.registry.IsCancelled(rn.task.ID) {
			rn.cancelled(fmt.Sprintf("iteration %d", i))
			rn.answer(ctx, "The task was cancelled.")
			return
		}
		if ctx.Err() != nil {
			rn.finish(ctx, task.StatusFailed, fmt.Sprintf("Run interrupted: %v", ctx.Err()))
			return
		}
		rn.result.Iterations = i + 1

		step, err := rn.next(ctx, history)
		if err != nil {
			rn.logger.Warn("agent step failed", "iteration", i, "error", err)
			history = append(history, feedback(err))
			continue
		}
		if step.Finished {
			rn.complete(ctx, p, step.Text)
			return
		}
		if step.Text != "" {
			history = append(history, agent.Entry{Role: agent.RoleAssistant, Content: step.Text})
		}

		for _, call := range step.ToolCalls {
			out, err := rn.call(ctx, call)
			if err != nil {
				rn.logger.Warn("tool call failed", "tool", call.Name, "error", err)
				history = append(history, feedback(fmt.Errorf("%s: %w", call.Name, err)))
				continue
			}
			history = append(history, agent.Entry{Role: agent.RoleTool, ToolName: call.Name, Content: out})
			lastResults = append(lastResults, fmt.Sprintf("%s: %s", call.Name, broadcast.Truncate(out, rn.previewChars)))
		}
	}

	rn.logger.Warn("iteration budget exhausted", "max_iterations", rn.maxIterations)
	text := fmt.Sprintf("Ran out of budget after %d iterations without finishing.", rn.maxIterations)
	if len(lastResults) > 0 {
		text += " Partial results:\n" + strings.Join(lastResults[max(0, len(lastResults)-5):], "\n")
	}
	rn.finish(ctx, task.StatusCompleted, text)
}

// complete finishes a successful run and closes out the plan.
func (rn *run) complete(ctx context.Context, p *plan.Plan, text string) {
	if p != nil {
		rn.closePlan(ctx, p)
	}
	rn.finish(ctx, task.StatusCompleted, text)
}

func (rn *run) closePlan(ctx context.Context, p *plan.Plan) {
	if fresh, err := rn.store.GetPlan(ctx, p.ID); err == nil {
		p = fresh
	}
	if p.Pending() {
		// The gate saw the approval; the stored plan may lag behind it.
		_ = p.Approve()
	}
	if err := p.MarkAllDone(); err != nil {
		rn.logger.Warn("could not complete plan items", "plan_id", p.ID, "error", err)
		return
	}
	if err := rn.store.UpdatePlan(ctx, p); err != nil {
		rn.logger.Warn("failed to persist completed plan", "plan_id", p.ID, "error", err)
	}
	rn.broadcast(ctx, broadcast.WalkthroughReady(p.ID, p.Checklist()))
}

// next calls the agent, turning a panic into an error.
func (rn *run) next(ctx context.Context, history []agent.Entry) (step agent.Step, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("agent panicked: %v", rec)
		}
	}()
	return rn.agent.Next(ctx, history)
}

// call executes one tool call with progress messages and accounting.
func (rn *run) call(ctx context.Context, call agent.ToolCall) (out string, err error) {
	rn.broadcast(ctx, broadcast.ToolExecution(call.Name, call.Arguments))
	if _, err := rn.registry.RecordToolCall(ctx, rn.task.ID, call.Name); err != nil && !errors.Is(err, task.ErrNotRunning) {
		rn.logger.Warn("recording tool call", "tool", call.Name, "error", err)
	}

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("tool panicked: %v", rec)
			}
		}()
		out, err = rn.tools.Execute(ctx, call)
	}()

	if err != nil {
		rn.broadcast(ctx, broadcast.ToolResult(call.Name, "error: "+err.Error(), rn.previewChars))
		return "", err
	}
	rn.broadcast(ctx, broadcast.ToolResult(call.Name, out, rn.previewChars))
	return out, nil
}

// finish moves the task to status and sends the terminal message. A task
// already finished elsewhere (cancelled, swept) keeps its status.
func (rn *run) finish(ctx context.Context, status task.Status, text string) {
	ctx = context.WithoutCancel(ctx)
	var err error
	switch status {
	case task.StatusCompleted:
		_, err = rn.registry.Complete(ctx, rn.task.ID, text)
	default:
		_, err = rn.registry.Fail(ctx, rn.task.ID, text)
	}
	switch {
	case err == nil:
		rn.result.Status = status
	case errors.Is(err, task.ErrNotRunning), errors.Is(err, task.ErrTaskNotFound):
		rn.logger.Info("task already finished", "wanted", status, "error", err)
		if cur, gerr := rn.registry.Get(rn.task.ID); gerr == nil {
			rn.result.Status = cur.Status
		} else {
			rn.result.Status = task.StatusCancelled
		}
	default:
		rn.logger.Error("finishing task", "error", err)
	}
	rn.answer(ctx, text)
	rn.enter(StateDone)
}

// answer sends the single terminal agent_response.
func (rn *run) answer(ctx context.Context, text string) {
	if rn.answered {
		return
	}
	rn.answered = true
	rn.result.Text = text
	rn.broadcast(context.WithoutCancel(ctx), broadcast.AgentResponse(rn.task.ID, text))
}

func (rn *run) status(ctx context.Context, status, text string) {
	rn.broadcast(ctx, broadcast.AgentStatus(status, text))
}

func (rn *run) broadcast(ctx context.Context, msg broadcast.Message) {
	if rn.broadcaster == nil {
		return
	}
	if err := rn.broadcaster.Broadcast(ctx, rn.topic, msg); err != nil {
		rn.logger.Warn("broadcast failed", "type", msg.Type, "error", err)
	}
}

// decisionScope is the project used for plans and decision topics. Tasks
// without a project decide within their own session.
func (rn *run) decisionScope() string {
	return cmp.Or(rn.task.ProjectID, rn.task.SessionID)
}

func feedback(err error) agent.Entry {
	return agent.Entry{
		Role:    agent.RoleFeedback,
		Content: fmt.Sprintf("An error occurred: %v. Try a different approach.", err),
	}
}
