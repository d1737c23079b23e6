// ABOUTME: Approval gate: waits for a plan decision over the event channel, a local waiter or the store.
// ABOUTME: Records decisions and fans them out to every process waiting on the plan.

package approval

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-conductor/internal/broadcast"
	"github.com/2389/coven-conductor/internal/eventbus"
	"github.com/2389/coven-conductor/internal/metrics"
	"github.com/2389/coven-conductor/internal/plan"
	"github.com/2389/coven-conductor/internal/store"
)

// Defaults for Config.
const (
	DefaultTimeout      = 600 * time.Second
	DefaultPollInterval = time.Second
)

// DecisionType tags decision messages on the event channel.
const DecisionType = "plan_approval"

// TimeoutText is sent to the client when nobody decided in time.
const TimeoutText = "Plan approval timed out. Please clarify your request or retry."

// ErrNoPendingDecision is returned by Decide when the plan does not exist or
// is no longer waiting for review.
var ErrNoPendingDecision = errors.New("approval: no pending decision for plan")

// ErrProjectMismatch is returned by Decide when the caller names a project
// other than the one the plan belongs to.
var ErrProjectMismatch = errors.New("approval: plan belongs to another project")

// Outcome is how an approval wait ended.
type Outcome string

// Outcomes.
const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	OutcomeTimedOut Outcome = "timed_out"
)

// Approved reports whether execution may proceed.
func (o Outcome) Approved() bool {
	return o == OutcomeApproved
}

func outcomeOf(approved bool) Outcome {
	if approved {
		return OutcomeApproved
	}
	return OutcomeRejected
}

// DecisionMessage is the wire form of a decision on the event channel.
type DecisionMessage struct {
	Type string       `json:"type"`
	Data DecisionData `json:"data"`
}

// DecisionData carries the verdict.
type DecisionData struct {
	PlanID   string `json:"planId"`
	Approved bool   `json:"approved"`
}

// Request describes one wait.
type Request struct {
	ProjectID string
	// Topic receives plan_created and the timeout notice.
	Topic string
	Plan  *plan.Plan
}

// Config wires a Gate.
type Config struct {
	Channel      eventbus.Channel
	Broadcaster  broadcast.Broadcaster
	Store        store.Store
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Timeout      time.Duration
	PollInterval time.Duration
}

// Gate coordinates plan decisions.
type Gate struct {
	channel     eventbus.Channel
	broadcaster broadcast.Broadcaster
	store       store.Store
	metrics     *metrics.Metrics
	logger      *slog.Logger
	timeout     time.Duration
	poll        time.Duration

	mu      sync.Mutex
	waiters map[string]chan bool
}

// NewGate creates a Gate. Channel may be nil, in which case only local
// waiters and store polling are used.
func NewGate(cfg Config) *Gate {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gate{
		channel:     cfg.Channel,
		broadcaster: cfg.Broadcaster,
		store:       cfg.Store,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("component", "approval"),
		timeout:     cmp.Or(cfg.Timeout, DefaultTimeout),
		poll:        cmp.Or(cfg.PollInterval, DefaultPollInterval),
		waiters:     make(map[string]chan bool),
	}
}

// Waiting reports whether this process has a wait in progress for planID.
// Once true, the decision subscription is live.
func (g *Gate) Waiting(planID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.waiters[planID]
	return ok
}

// Await announces the plan and blocks until it is decided, the timeout
// passes, or ctx is done. Only a done ctx produces an error.
func (g *Gate) Await(ctx context.Context, req Request) (Outcome, error) {
	p := req.Plan
	logger := g.logger.With("plan_id", p.ID, "project_id", req.ProjectID)

	// Subscribe before announcing so a fast decision is not missed.
	var decisions <-chan eventbus.Message
	if g.channel != nil {
		sub, err := g.channel.Subscribe(ctx, broadcast.DecisionTopic(req.ProjectID))
		if err != nil {
			logger.Warn("decision subscription failed, falling back to local waiter and polling", "error", err)
		} else {
			defer sub.Close()
			decisions = sub.C()
		}
	}

	local := g.register(p.ID)
	defer g.unregister(p.ID)

	html, err := plan.RenderHTML(p.Content)
	if err != nil {
		logger.Warn("rendering plan html", "error", err)
	}
	g.broadcast(ctx, req.Topic, broadcast.PlanCreated(p.ID, p.Content, html))
	logger.Info("awaiting plan approval", "timeout", g.timeout)

	waitCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return g.timedOut(ctx, req, logger), nil

		case approved := <-local:
			return g.decided(approved, "local", logger), nil

		case msg, ok := <-decisions:
			if !ok {
				if ctx.Err() == nil {
					logger.Warn("decision subscription closed, falling back to local waiter and polling")
				}
				decisions = nil
				continue
			}
			if approved, match := matchDecision(msg.Data, p.ID); match {
				return g.decided(approved, "channel", logger), nil
			}

		case <-ticker.C:
			d, err := g.store.GetDecision(waitCtx, p.ID)
			switch {
			case err == nil:
				return g.decided(d.Approved, "store", logger), nil
			case !errors.Is(err, store.ErrNotFound) && waitCtx.Err() == nil:
				logger.Debug("polling decision", "error", err)
			}
		}
	}
}

func (g *Gate) decided(approved bool, via string, logger *slog.Logger) Outcome {
	outcome := outcomeOf(approved)
	g.metrics.ApprovalOutcome(string(outcome))
	logger.Info("plan decided", "outcome", outcome, "via", via)
	return outcome
}

// timedOut rejects the plan unless a decision landed at the last moment,
// then sends the single timeout notice.
func (g *Gate) timedOut(ctx context.Context, req Request, logger *slog.Logger) Outcome {
	ctx = context.WithoutCancel(ctx)
	if d, err := g.store.GetDecision(ctx, req.Plan.ID); err == nil {
		return g.decided(d.Approved, "store", logger)
	}

	if p, err := g.store.GetPlan(ctx, req.Plan.ID); err == nil && p.Reject() == nil {
		if err := g.store.UpdatePlan(ctx, p); err != nil {
			logger.Warn("failed to reject timed out plan", "error", err)
		}
	}

	g.metrics.ApprovalOutcome(string(OutcomeTimedOut))
	logger.Warn("plan approval timed out", "timeout", g.timeout)
	g.broadcast(ctx, req.Topic, broadcast.AgentStatus(broadcast.StatusTimeout, TimeoutText))
	return OutcomeTimedOut
}

// Decide records a verdict for a pending plan and notifies every waiter.
// Waiters are always notified on the plan's own project; an empty projectID
// means the caller did not say.
func (g *Gate) Decide(ctx context.Context, projectID, planID string, approved bool, decidedBy string) error {
	p, err := g.store.GetPlan(ctx, planID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNoPendingDecision, planID)
	}
	if err != nil {
		return fmt.Errorf("loading plan: %w", err)
	}
	if projectID != "" && projectID != p.ProjectID {
		return fmt.Errorf("%w: %s is in %s, not %s", ErrProjectMismatch, planID, p.ProjectID, projectID)
	}
	projectID = p.ProjectID
	if !p.Pending() {
		if _, err := g.store.GetDecision(ctx, planID); err == nil {
			return fmt.Errorf("%w: %s", store.ErrDecisionExists, planID)
		}
		return fmt.Errorf("%w: %s is %s", ErrNoPendingDecision, planID, p.Status)
	}

	err = g.store.SaveDecision(ctx, &store.Decision{
		PlanID:    planID,
		ProjectID: projectID,
		Approved:  approved,
		DecidedBy: decidedBy,
		DecidedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("saving decision: %w", err)
	}

	if err := p.Decide(approved); err != nil {
		return err
	}
	if err := g.store.UpdatePlan(ctx, p); err != nil {
		return fmt.Errorf("updating plan: %w", err)
	}

	g.wake(planID, approved)
	g.publish(ctx, projectID, planID, approved)
	g.broadcast(ctx, broadcast.ProjectTopic(projectID), broadcast.PlanDecided(planID, approved))

	g.logger.Info("plan decision recorded",
		"plan_id", planID,
		"project_id", projectID,
		"approved", approved,
		"decided_by", decidedBy)
	return nil
}

func (g *Gate) publish(ctx context.Context, projectID, planID string, approved bool) {
	if g.channel == nil {
		return
	}
	data, err := json.Marshal(DecisionMessage{
		Type: DecisionType,
		Data: DecisionData{PlanID: planID, Approved: approved},
	})
	if err != nil {
		g.logger.Error("encoding decision", "error", err)
		return
	}
	if err := g.channel.Publish(ctx, broadcast.DecisionTopic(projectID), data); err != nil {
		g.logger.Warn("publishing decision failed, remote waiters will poll the store",
			"plan_id", planID,
			"error", err)
	}
}

func (g *Gate) register(planID string) chan bool {
	ch := make(chan bool, 1)
	g.mu.Lock()
	g.waiters[planID] = ch
	g.mu.Unlock()
	return ch
}

func (g *Gate) unregister(planID string) {
	g.mu.Lock()
	delete(g.waiters, planID)
	g.mu.Unlock()
}

func (g *Gate) wake(planID string, approved bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch, ok := g.waiters[planID]; ok {
		select {
		case ch <- approved:
		default:
		}
	}
}

func (g *Gate) broadcast(ctx context.Context, topic string, msg broadcast.Message) {
	if g.broadcaster == nil || topic == "" {
		return
	}
	if err := g.broadcaster.Broadcast(ctx, topic, msg); err != nil {
		g.logger.Warn("broadcast failed", "topic", topic, "type", msg.Type, "error", err)
	}
}

// matchDecision decodes a decision message and reports whether it is for planID.
func matchDecision(data []byte, planID string) (approved, ok bool) {
	var msg DecisionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return false, false
	}
	if msg.Type != DecisionType || msg.Data.PlanID != planID {
		return false, false
	}
	return msg.Data.Approved, true
}
