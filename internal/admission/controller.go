// ABOUTME: Keyed counting semaphore with a global cap and a FIFO waiter queue.
// ABOUTME: Slots are handed to waiters under the lock on every release or limit change.

package admission

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/2389/coven-conductor/internal/metrics"
)

// Default limits.
const (
	DefaultMaxPerAgent = 3
	DefaultMaxTotal    = 10
)

var (
	// ErrEmptyKey is returned when acquiring without an agent class.
	ErrEmptyKey = errors.New("admission: agent class is required")

	// ErrInvalidLimits is returned for non-positive limits.
	ErrInvalidLimits = errors.New("admission: limits must be positive")
)

// Limits configures a Controller.
type Limits struct {
	MaxPerAgent int            `json:"maxPerAgent"`
	MaxTotal    int            `json:"maxTotal"`
	PerAgent    map[string]int `json:"perAgent,omitempty"` // per-class overrides of MaxPerAgent
}

// DefaultLimits returns the built-in limits.
func DefaultLimits() Limits {
	return Limits{MaxPerAgent: DefaultMaxPerAgent, MaxTotal: DefaultMaxTotal}
}

// Validate reports non-positive limits.
func (l Limits) Validate() error {
	if l.MaxPerAgent < 1 || l.MaxTotal < 1 {
		return fmt.Errorf("%w: max_per_agent=%d max_total=%d", ErrInvalidLimits, l.MaxPerAgent, l.MaxTotal)
	}
	for k, v := range l.PerAgent {
		if v < 1 {
			return fmt.Errorf("%w: per_agent[%s]=%d", ErrInvalidLimits, k, v)
		}
	}
	return nil
}

// For returns the limit that applies to key.
func (l Limits) For(key string) int {
	if n, ok := l.PerAgent[key]; ok && n > 0 {
		return n
	}
	return l.MaxPerAgent
}

// Stats is a point-in-time snapshot.
type Stats struct {
	PerAgent map[string]int `json:"perAgent"`
	Total    int            `json:"total"`
	Waiting  int            `json:"waiting"`
	Limits   Limits         `json:"limits"`
}

type waiter struct {
	key     string
	ready   chan struct{}
	granted bool
}

// Controller is safe for concurrent use.
type Controller struct {
	mu       sync.Mutex
	limits   Limits
	perAgent map[string]int
	total    int
	waiters  *list.List // *waiter, oldest first

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics records admission gauges and wait times.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Controller. Invalid limits fall back to DefaultLimits.
func New(limits Limits, opts ...Option) *Controller {
	c := &Controller{
		perAgent: make(map[string]int),
		waiters:  list.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "admission")

	if err := limits.Validate(); err != nil {
		c.logger.Warn("invalid admission limits, using defaults", "error", err)
		limits = DefaultLimits()
	}
	c.limits = cloneLimits(limits)
	return c
}

// Acquire blocks until a slot for key is available or ctx is done.
func (c *Controller) Acquire(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	c.mu.Lock()
	if c.fitsLocked(key) {
		c.takeLocked(key)
		c.observeLocked()
		c.mu.Unlock()
		c.metrics.ObserveAcquireWait(0)
		return nil
	}

	w := &waiter{key: key, ready: make(chan struct{})}
	elem := c.waiters.PushBack(w)
	c.observeLocked()
	c.mu.Unlock()

	c.logger.Debug("waiting for slot", "agent_class", key)
	start := time.Now()

	select {
	case <-w.ready:
		c.metrics.ObserveAcquireWait(time.Since(start))
		return nil
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if w.granted {
		// Granted between ctx firing and taking the lock: hand the slot on.
		c.releaseLocked(key)
	} else {
		c.waiters.Remove(elem)
	}
	c.observeLocked()
	return ctx.Err()
}

// TryAcquire takes a slot for key only if one is free right now.
func (c *Controller) TryAcquire(key string) bool {
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fitsLocked(key) {
		return false
	}
	c.takeLocked(key)
	c.observeLocked()
	return true
}

// Release frees one slot for key and grants it to waiting callers.
func (c *Controller) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.perAgent[key] == 0 {
		c.logger.Warn("release of agent class with no held slots", "agent_class", key)
		return
	}
	c.releaseLocked(key)
	c.observeLocked()
}

// SetLimits replaces the limits and grants any waiters that now fit.
func (c *Controller) SetLimits(limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits = cloneLimits(limits)
	c.grantLocked()
	c.observeLocked()
	c.logger.Info("admission limits updated",
		"max_per_agent", limits.MaxPerAgent,
		"max_total", limits.MaxTotal,
		"overrides", len(limits.PerAgent))
	return nil
}

// Stats returns a snapshot of the counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		PerAgent: maps.Clone(c.perAgent),
		Total:    c.total,
		Waiting:  c.waiters.Len(),
		Limits:   cloneLimits(c.limits),
	}
}

func (c *Controller) fitsLocked(key string) bool {
	return c.total < c.limits.MaxTotal && c.perAgent[key] < c.limits.For(key)
}

func (c *Controller) takeLocked(key string) {
	c.perAgent[key]++
	c.total++
}

func (c *Controller) releaseLocked(key string) {
	c.perAgent[key]--
	if c.perAgent[key] == 0 {
		delete(c.perAgent, key)
	}
	c.total--
	c.grantLocked()
}

// grantLocked walks the queue oldest first and grants every waiter that fits.
func (c *Controller) grantLocked() {
	for e := c.waiters.Front(); e != nil && c.total < c.limits.MaxTotal; {
		next := e.Next()
		w := e.Value.(*waiter)
		if c.fitsLocked(w.key) {
			c.takeLocked(w.key)
			c.waiters.Remove(e)
			w.granted = true
			close(w.ready)
		}
		e = next
	}
}

func (c *Controller) observeLocked() {
	if c.metrics == nil {
		return
	}
	c.metrics.SetAdmission(c.perAgent, c.total, c.waiters.Len())
}

func cloneLimits(l Limits) Limits {
	l.PerAgent = maps.Clone(l.PerAgent)
	return l
}
