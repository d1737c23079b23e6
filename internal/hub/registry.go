// ABOUTME: Topic-keyed registry of live client connections owned by this process.
// ABOUTME: Delivers payloads concurrently and evicts connections whose sends fail.

package hub

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSendTimeout bounds a single send to one connection.
	DefaultSendTimeout = 5 * time.Second

	// maxConcurrentSends caps the goroutines used by one Deliver call.
	maxConcurrentSends = 32
)

// Conn is a live client connection.
type Conn interface {
	ID() string
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Registry maps topics to the connections subscribed to them.
type Registry struct {
	mu      sync.RWMutex
	byTopic map[string]map[string]Conn // topic -> connID -> conn
	topicOf map[string]string          // connID -> topic

	sendTimeout time.Duration
	logger      *slog.Logger
	onFailure   func(topic string)
}

// Option configures a Registry.
type Option func(*Registry)

// WithSendTimeout overrides DefaultSendTimeout.
func WithSendTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sendTimeout = d
		}
	}
}

// WithFailureHook is called once per failed send, after the connection is evicted.
func WithFailureHook(fn func(topic string)) Option {
	return func(r *Registry) { r.onFailure = fn }
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		byTopic:     make(map[string]map[string]Conn),
		topicOf:     make(map[string]string),
		sendTimeout: DefaultSendTimeout,
		logger:      logger.With("component", "hub"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers conn under topic, moving it off any previous topic.
func (r *Registry) Add(topic string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	if prev, ok := r.topicOf[id]; ok && prev != topic {
		r.removeLocked(prev, id)
	}
	conns, ok := r.byTopic[topic]
	if !ok {
		conns = make(map[string]Conn)
		r.byTopic[topic] = conns
	}
	conns[id] = conn
	r.topicOf[id] = topic

	r.logger.Debug("connection registered", "topic", topic, "conn_id", id)
}

// Remove unregisters a connection. It does not close it.
func (r *Registry) Remove(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	topic, ok := r.topicOf[connID]
	if !ok {
		return false
	}
	r.removeLocked(topic, connID)
	r.logger.Debug("connection removed", "topic", topic, "conn_id", connID)
	return true
}

func (r *Registry) removeLocked(topic, connID string) {
	delete(r.topicOf, connID)
	conns := r.byTopic[topic]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byTopic, topic)
	}
}

// Count returns the number of connections on topic.
func (r *Registry) Count(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTopic[topic])
}

// Conns returns a snapshot of the connections on topic.
func (r *Registry) Conns(topic string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byTopic[topic]
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// Topics returns the topics with at least one connection, sorted.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byTopic))
	for t := range r.byTopic {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Deliver sends data to every connection on topic. Failed connections are
// evicted and closed; they never stop delivery to the others.
func (r *Registry) Deliver(ctx context.Context, topic string, data []byte) (sent, failed int) {
	targets := r.Conns(topic)
	if len(targets) == 0 {
		return 0, 0
	}

	var okCount, failCount atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(maxConcurrentSends)

	for _, conn := range targets {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
			defer cancel()

			if err := conn.Send(sendCtx, data); err != nil {
				failCount.Add(1)
				r.evict(topic, conn, err)
				return nil
			}
			okCount.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return int(okCount.Load()), int(failCount.Load())
}

func (r *Registry) evict(topic string, conn Conn, cause error) {
	r.mu.Lock()
	// Only evict if the conn is still registered where we found it; it may
	// have moved topics while the send was in flight.
	if r.topicOf[conn.ID()] == topic {
		r.removeLocked(topic, conn.ID())
	}
	r.mu.Unlock()

	_ = conn.Close()
	r.logger.Warn("send failed, connection dropped",
		"topic", topic,
		"conn_id", conn.ID(),
		"error", cause)
	if r.onFailure != nil {
		r.onFailure(topic)
	}
}

// Close closes and forgets every registered connection.
func (r *Registry) Close() {
	r.mu.Lock()
	var conns []Conn
	for _, byID := range r.byTopic {
		for _, c := range byID {
			conns = append(conns, c)
		}
	}
	r.byTopic = make(map[string]map[string]Conn)
	r.topicOf = make(map[string]string)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	r.logger.Debug("registry closed", "connections", len(conns))
}
