// ABOUTME: Broadcast router: direct delivery to local connections plus channel fan-out.
// ABOUTME: The subscriber loop re-delivers envelopes from other processes and never republishes.

package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-conductor/internal/dedupe"
	"github.com/2389/coven-conductor/internal/eventbus"
	"github.com/2389/coven-conductor/internal/hub"
	"github.com/2389/coven-conductor/internal/metrics"
)

const (
	defaultSeenTTL  = 10 * time.Minute
	defaultSeenSize = 10000
)

// Envelope is the wire format on the event channel.
type Envelope struct {
	ID      string          `json:"id"`
	Origin  string          `json:"origin"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Broadcaster is what run loops, the task registry and the approval gate
// depend on.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic string, msg Message) error
}

// Router implements Broadcaster for one process.
type Router struct {
	origin   string
	registry *hub.Registry
	channel  eventbus.Channel
	seen     *dedupe.Cache
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithOrigin sets the process identity stamped on envelopes. Defaults to a
// random UUID.
func WithOrigin(origin string) Option {
	return func(r *Router) {
		if origin != "" {
			r.origin = origin
		}
	}
}

// WithMetrics records delivery counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSeenCache replaces the envelope-ID cache used to drop duplicates.
func WithSeenCache(c *dedupe.Cache) Option {
	return func(r *Router) {
		if c != nil {
			r.seen = c
		}
	}
}

// NewRouter creates a router over a local registry and a shared channel.
func NewRouter(registry *hub.Registry, channel eventbus.Channel, opts ...Option) *Router {
	r := &Router{
		origin:   uuid.New().String(),
		registry: registry,
		channel:  channel,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.seen == nil {
		r.seen = dedupe.New(defaultSeenTTL, defaultSeenSize)
	}
	r.logger = r.logger.With("component", "broadcast", "origin", r.origin)
	return r
}

// Origin returns this router's process identity.
func (r *Router) Origin() string {
	return r.origin
}

// Broadcast delivers msg to local connections on topic and publishes it for
// other processes. Publish failures are logged and swallowed; only encoding
// errors are returned.
func (r *Router) Broadcast(ctx context.Context, topic string, msg Message) error {
	err := r.Publish(ctx, topic, msg)
	var pubErr *PublishError
	if errors.As(err, &pubErr) {
		r.logger.Warn("publish failed, remote clients will miss this message",
			"topic", topic,
			"type", msg.Type,
			"error", pubErr.Err)
		return nil
	}
	return err
}

// PublishError reports that local delivery happened but the channel publish
// failed.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing to %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Publish is Broadcast without swallowing channel failures. Callers that
// retry (the task completion outbox) use it; a *PublishError means local
// connections already received the message.
func (r *Router) Publish(ctx context.Context, topic string, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", msg.Type, err)
	}

	env := Envelope{
		ID:      uuid.New().String(),
		Origin:  r.origin,
		Topic:   topic,
		Payload: payload,
	}
	r.seen.Seen(env.ID)

	if r.registry.Count(topic) > 0 {
		sent, failed := r.registry.Deliver(ctx, topic, payload)
		r.metrics.Broadcast(metrics.PathLocal)
		r.logger.Debug("delivered locally",
			"topic", topic,
			"type", msg.Type,
			"sent", sent,
			"failed", failed)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if err := r.channel.Publish(ctx, topic, data); err != nil {
		r.metrics.SendFailed()
		return &PublishError{Topic: topic, Err: err}
	}
	r.metrics.Broadcast(metrics.PathChannel)
	return nil
}

// Start subscribes to every topic on the channel and runs the subscriber
// loop in the background. The returned channel closes when the loop ends.
// The subscription is live when Start returns.
func (r *Router) Start(ctx context.Context) (<-chan struct{}, error) {
	sub, err := r.channel.Subscribe(ctx, eventbus.AllTopics)
	if err != nil {
		return nil, fmt.Errorf("subscribing to broadcast channel: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sub.Close()
		r.loop(ctx, sub)
	}()

	r.logger.Info("broadcast subscriber started")
	return done, nil
}

func (r *Router) loop(ctx context.Context, sub eventbus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				if ctx.Err() == nil {
					r.logger.Warn("broadcast subscription closed")
				}
				return
			}
			r.handle(ctx, msg)
		}
	}
}

func (r *Router) handle(ctx context.Context, msg eventbus.Message) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil || env.ID == "" || len(env.Payload) == 0 {
		// Decision signals and other non-broadcast traffic share the channel.
		r.logger.Debug("ignoring non-envelope message", "topic", msg.Topic)
		return
	}
	if env.Origin == r.origin {
		return
	}
	if r.seen.Seen(env.ID) {
		r.logger.Debug("dropping duplicate envelope", "id", env.ID)
		return
	}

	topic := env.Topic
	if topic == "" {
		topic = msg.Topic
	}
	if r.registry.Count(topic) == 0 {
		return
	}
	sent, failed := r.registry.Deliver(ctx, topic, env.Payload)
	r.metrics.Broadcast(metrics.PathRemote)
	r.logger.Debug("delivered remote envelope",
		"topic", topic,
		"from", env.Origin,
		"sent", sent,
		"failed", failed)
}

