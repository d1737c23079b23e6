// ABOUTME: Task registry: launch, finish, resume and query tasks with exactly-once slot release.
// ABOUTME: Persists every transition and emits background task progress messages.

package task

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-conductor/internal/broadcast"
	"github.com/2389/coven-conductor/internal/metrics"
	"github.com/2389/coven-conductor/internal/store"
)

// Default sweeper settings.
const (
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Slots is the admission controller as seen by the registry.
type Slots interface {
	Acquire(ctx context.Context, key string) error
	Release(key string)
}

// Config wires a Registry.
type Config struct {
	Slots       Slots
	Store       store.Store
	Broadcaster broadcast.Broadcaster
	// Notifier receives completion notifications. When nil, completions are
	// broadcast directly and best-effort.
	Notifier *Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// Owner identifies this process on persisted rows.
	Owner         string
	TTL           time.Duration
	SweepInterval time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Registry holds the tasks owned by this process.
type Registry struct {
	slots       Slots
	store       store.Store
	broadcaster broadcast.Broadcaster
	notifier    *Notifier
	metrics     *metrics.Metrics
	logger      *slog.Logger
	owner       string
	ttl         time.Duration
	interval    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	tasks    map[string]*Task
	sweeping bool
	closed   bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewRegistry creates a registry. Slots and Store are required.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.New().String()
	}
	return &Registry{
		slots:       cfg.Slots,
		store:       cfg.Store,
		broadcaster: cfg.Broadcaster,
		notifier:    cfg.Notifier,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("component", "task-registry"),
		owner:       cfg.Owner,
		ttl:         cmp.Or(cfg.TTL, DefaultTTL),
		interval:    cmp.Or(cfg.SweepInterval, DefaultSweepInterval),
		now:         cfg.Now,
		tasks:       make(map[string]*Task),
		stop:        make(chan struct{}),
	}
}

// Launch blocks for an admission slot, then creates and persists a RUNNING
// task. If persisting fails the slot is released and the error returned.
func (r *Registry) Launch(ctx context.Context, req LaunchRequest) (*Task, error) {
	if req.AgentClass == "" || req.Prompt == "" {
		return nil, fmt.Errorf("%w: agentClass and prompt are required", ErrInvalidRequest)
	}

	if err := r.slots.Acquire(ctx, req.AgentClass); err != nil {
		return nil, fmt.Errorf("waiting for %s slot: %w", req.AgentClass, err)
	}

	now := r.now().UTC()
	t := &Task{
		ID:              uuid.New().String(),
		SessionID:       uuid.New().String(),
		ParentSessionID: req.ParentSessionID,
		ProjectID:       req.ProjectID,
		AgentClass:      req.AgentClass,
		Description:     req.Description,
		Prompt:          req.Prompt,
		Category:        req.Category,
		Skills:          slices.Clone(req.Skills),
		Status:          StatusRunning,
		StartedAt:       now,
		LastUpdateTime:  now,
		ConcurrencyKey:  req.AgentClass,
		stopped:         make(chan struct{}),
	}

	if err := r.store.SaveTask(ctx, t.record(r.owner)); err != nil {
		r.slots.Release(t.ConcurrencyKey)
		return nil, fmt.Errorf("persisting task: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.slots.Release(t.ConcurrencyKey)
		return nil, ErrClosed
	}
	r.tasks[t.ID] = t
	r.ensureSweeperLocked()
	snapshot := t.clone()
	r.mu.Unlock()

	r.logger.Info("task launched",
		"task_id", t.ID,
		"session_id", t.SessionID,
		"agent_class", t.AgentClass)
	r.emit(ctx, snapshot, broadcast.TaskStarted(t.ID, t.SessionID, t.AgentClass, t.Description))
	return snapshot, nil
}

// Complete finishes a RUNNING task successfully.
func (r *Registry) Complete(ctx context.Context, id, result string) (*Task, error) {
	return r.finish(ctx, id, StatusCompleted, result, "")
}

// Fail finishes a RUNNING task with an error message.
func (r *Registry) Fail(ctx context.Context, id, errMsg string) (*Task, error) {
	return r.finish(ctx, id, StatusFailed, "", errMsg)
}

// Cancel finishes a RUNNING task as cancelled and frees its slot right away.
// The run loop notices through IsCancelled before its next step.
func (r *Registry) Cancel(ctx context.Context, id string) (*Task, error) {
	return r.finish(ctx, id, StatusCancelled, "", "cancelled")
}

func (r *Registry) finish(ctx context.Context, id string, status Status, result, errMsg string) (*Task, error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != StatusRunning {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, id, t.Status)
	}
	r.finishLocked(t, status, result, errMsg)
	release := r.takeReleaseLocked(t)
	snapshot := t.clone()
	r.mu.Unlock()

	r.afterFinish(ctx, snapshot, release)
	return snapshot, nil
}

// finishLocked applies the terminal state. Caller holds mu.
func (r *Registry) finishLocked(t *Task, status Status, result, errMsg string) {
	now := r.now().UTC()
	t.Status = status
	t.CompletedAt = &now
	t.Result = result
	t.Error = errMsg
	t.LastUpdateTime = later(t.LastUpdateTime, now)
	if t.stopped != nil {
		close(t.stopped)
		t.stopped = nil
	}
}

// takeReleaseLocked flips the released flag and reports whether the caller
// must release the slot. This is the only place a slot release is decided.
func (r *Registry) takeReleaseLocked(t *Task) bool {
	if t.released {
		return false
	}
	t.released = true
	return true
}

func (r *Registry) afterFinish(ctx context.Context, t *Task, release bool) {
	if release {
		r.slots.Release(t.ConcurrencyKey)
	}
	if err := r.store.UpdateTask(ctx, t.record(r.owner)); err != nil {
		r.logger.Warn("failed to persist task transition", "task_id", t.ID, "status", t.Status, "error", err)
	}
	r.metrics.TaskFinished(string(t.Status))
	r.logger.Info("task finished",
		"task_id", t.ID,
		"status", t.Status,
		"duration", t.Duration(r.now()),
		"tool_calls", t.ToolCallCount)
	r.notifyCompletion(ctx, t)
}

func (r *Registry) notifyCompletion(ctx context.Context, t *Task) {
	text := t.Result
	if t.Status != StatusCompleted {
		text = t.Error
	}
	note := Notification{
		TaskID:          t.ID,
		SessionID:       t.SessionID,
		ParentSessionID: t.ParentSessionID,
		Topic:           t.Topic(),
		Status:          t.Status,
		Text:            text,
		Duration:        t.Duration(r.now()),
	}
	if r.notifier != nil {
		r.notifier.Enqueue(note)
		return
	}
	msg := broadcast.TaskCompleted(note.TaskID, note.SessionID, string(note.Status), note.Duration, note.Text)
	for _, topic := range note.topics() {
		r.broadcast(ctx, topic, msg)
	}
}

// Resume puts a finished task back to RUNNING with a new prompt. It blocks
// for a slot like Launch and keeps the tool call counter.
func (r *Registry) Resume(ctx context.Context, req ResumeRequest) (*Task, error) {
	if req.SessionID == "" || req.Prompt == "" {
		return nil, fmt.Errorf("%w: sessionId and prompt are required", ErrInvalidRequest)
	}

	r.mu.Lock()
	t := r.findBySessionLocked(req.SessionID)
	if t == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s", ErrTaskNotFound, req.SessionID)
	}
	if t.Status == StatusRunning {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s", ErrAlreadyRunning, req.SessionID)
	}
	key := t.ConcurrencyKey
	r.mu.Unlock()

	if err := r.slots.Acquire(ctx, key); err != nil {
		return nil, fmt.Errorf("waiting for %s slot: %w", key, err)
	}

	r.mu.Lock()
	// The task may have been resumed or swept while we waited.
	if cur, ok := r.tasks[t.ID]; !ok || cur.Status == StatusRunning {
		r.mu.Unlock()
		r.slots.Release(key)
		if !ok {
			return nil, fmt.Errorf("%w: session %s", ErrTaskNotFound, req.SessionID)
		}
		return nil, fmt.Errorf("%w: session %s", ErrAlreadyRunning, req.SessionID)
	}
	previous := t.clone()

	now := r.now().UTC()
	t.Status = StatusRunning
	t.Prompt = req.Prompt
	if req.ParentSessionID != "" {
		t.ParentSessionID = req.ParentSessionID
	}
	t.StartedAt = now
	t.CompletedAt = nil
	t.Error = ""
	t.Result = ""
	t.LastUpdateTime = later(t.LastUpdateTime, now)
	t.released = false
	t.stopped = make(chan struct{})
	r.ensureSweeperLocked()
	snapshot := t.clone()
	r.mu.Unlock()

	if err := r.store.UpdateTask(ctx, snapshot.record(r.owner)); err != nil {
		// Roll back unless a concurrent finish already released the slot.
		r.mu.Lock()
		rollback := !t.released
		if rollback {
			*t = *previous
		}
		r.mu.Unlock()
		if rollback {
			r.slots.Release(key)
		}
		return nil, fmt.Errorf("persisting resumed task: %w", err)
	}

	r.logger.Info("task resumed",
		"task_id", snapshot.ID,
		"session_id", snapshot.SessionID,
		"tool_calls", snapshot.ToolCallCount)
	r.emit(ctx, snapshot, broadcast.TaskStarted(snapshot.ID, snapshot.SessionID, snapshot.AgentClass, snapshot.Description))
	return snapshot, nil
}

// RecordToolCall counts a tool call made by a RUNNING task.
func (r *Registry) RecordToolCall(ctx context.Context, id, toolName string) (*Task, error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != StatusRunning {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, id, t.Status)
	}
	t.ToolCallCount++
	t.LastToolName = toolName
	t.LastUpdateTime = later(t.LastUpdateTime, r.now().UTC())
	snapshot := t.clone()
	r.mu.Unlock()

	if err := r.store.UpdateTask(ctx, snapshot.record(r.owner)); err != nil {
		r.logger.Warn("failed to persist tool call", "task_id", id, "error", err)
	}
	r.emit(ctx, snapshot, broadcast.TaskProgress(id, snapshot.SessionID, toolName, snapshot.ToolCallCount))
	return snapshot, nil
}

// IsCancelled reports whether the run loop for id should stop. Tasks that
// are no longer tracked (swept) count as cancelled.
func (r *Registry) IsCancelled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	return !ok || t.Status == StatusCancelled
}

// closedCh is returned by Stopped for tasks that are not running.
var closedCh = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Stopped returns a channel that is closed when the current run of id
// leaves RUNNING, including by TTL expiry. Unknown and finished tasks get an
// already closed channel.
func (r *Registry) Stopped(id string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok && t.Status == StatusRunning && t.stopped != nil {
		return t.stopped
	}
	return closedCh
}

// Get returns a copy of the task.
func (r *Registry) Get(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.clone(), nil
}

// FindBySession returns the task for a session.
func (r *Registry) FindBySession(sessionID string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.findBySessionLocked(sessionID)
	if t == nil {
		return nil, fmt.Errorf("%w: session %s", ErrTaskNotFound, sessionID)
	}
	return t.clone(), nil
}

func (r *Registry) findBySessionLocked(sessionID string) *Task {
	for _, t := range r.tasks {
		if t.SessionID == sessionID {
			return t
		}
	}
	return nil
}

// ListByParent returns the tasks spawned from a parent session, oldest first.
func (r *Registry) ListByParent(parentSessionID string) []*Task {
	return r.list(func(t *Task) bool { return t.ParentSessionID == parentSessionID })
}

// ListRunning returns every RUNNING task, oldest first.
func (r *Registry) ListRunning() []*Task {
	return r.list(func(t *Task) bool { return t.Status == StatusRunning })
}

func (r *Registry) list(keep func(*Task) bool) []*Task {
	r.mu.Lock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if keep(t) {
			out = append(out, t.clone())
		}
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b *Task) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Restore recovers after a restart. RUNNING rows owned by this process (or
// by nobody) cannot still be running, so they are marked FAILED and loaded
// so their sessions can be resumed. It returns how many were recovered.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	rows, err := r.store.ListTasksByStatus(ctx, string(StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("listing running tasks: %w", err)
	}

	restored := 0
	for _, row := range rows {
		if row.Owner != "" && row.Owner != r.owner {
			continue
		}
		t := fromRecord(row)
		now := r.now().UTC()
		t.Status = StatusFailed
		t.Error = "process restarted"
		t.CompletedAt = &now
		t.LastUpdateTime = later(t.LastUpdateTime, now)
		// No slot is held across a restart.
		t.released = true

		if err := r.store.UpdateTask(ctx, t.record(r.owner)); err != nil {
			return restored, fmt.Errorf("marking task %s failed: %w", t.ID, err)
		}
		r.mu.Lock()
		r.tasks[t.ID] = t
		r.mu.Unlock()
		restored++
	}
	if restored > 0 {
		r.logger.Info("recovered tasks from previous run", "count", restored)
	}
	return restored, nil
}

// Close stops the sweeper. Tasks stay queryable.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.stop)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Registry) emit(ctx context.Context, t *Task, msg broadcast.Message) {
	r.broadcast(ctx, t.Topic(), msg)
	if t.ParentSessionID != "" {
		if parent := broadcast.SessionTopic(t.ParentSessionID); parent != t.Topic() {
			r.broadcast(ctx, parent, msg)
		}
	}
}

func (r *Registry) broadcast(ctx context.Context, topic string, msg broadcast.Message) {
	if r.broadcaster == nil {
		return
	}
	if err := r.broadcaster.Broadcast(ctx, topic, msg); err != nil {
		r.logger.Warn("broadcast failed", "topic", topic, "type", msg.Type, "error", err)
	}
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
