// ABOUTME: Completion outbox: a bounded queue drained by one worker with retrying delivery.
// ABOUTME: Replaces fire-and-forget goroutines so notification failures are observable.

package task

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/coven-conductor/internal/broadcast"
	"github.com/2389/coven-conductor/internal/metrics"
)

const (
	// DefaultOutboxSize is the queue length used when none is configured.
	DefaultOutboxSize = 256

	defaultMaxAttempts   = 3
	defaultRetryInterval = 200 * time.Millisecond
	attemptTimeout       = 5 * time.Second
)

// Publisher delivers a message and reports failure so it can be retried.
// broadcast.Router satisfies it through Publish.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg broadcast.Message) error
}

// Notification announces that a task left RUNNING.
type Notification struct {
	TaskID          string
	SessionID       string
	ParentSessionID string
	Topic           string
	Status          Status
	Text            string
	Duration        time.Duration
}

func (n Notification) topics() []string {
	topics := []string{n.Topic}
	if n.ParentSessionID != "" {
		if parent := broadcast.SessionTopic(n.ParentSessionID); parent != n.Topic {
			topics = append(topics, parent)
		}
	}
	return topics
}

// Notifier owns the outbox queue and its worker.
type Notifier struct {
	pub           Publisher
	queue         chan Notification
	maxAttempts   int
	retryInterval time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithRetry sets the attempt count and the initial backoff interval.
func WithRetry(maxAttempts int, initial time.Duration) NotifierOption {
	return func(n *Notifier) {
		if maxAttempts > 0 {
			n.maxAttempts = maxAttempts
		}
		if initial > 0 {
			n.retryInterval = initial
		}
	}
}

// WithNotifierMetrics counts delivered, failed and dropped notifications.
func WithNotifierMetrics(m *metrics.Metrics) NotifierOption {
	return func(n *Notifier) { n.metrics = m }
}

// WithNotifierLogger sets the logger.
func WithNotifierLogger(l *slog.Logger) NotifierOption {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// NewNotifier starts the outbox worker. size <= 0 uses DefaultOutboxSize.
func NewNotifier(pub Publisher, size int, opts ...NotifierOption) *Notifier {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	n := &Notifier{
		pub:           pub,
		queue:         make(chan Notification, size),
		maxAttempts:   defaultMaxAttempts,
		retryInterval: defaultRetryInterval,
		logger:        slog.Default(),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("component", "task-outbox")

	go n.run()
	return n
}

// Enqueue adds a notification without blocking. It returns false when the
// queue is full or closed; the notification is then dropped and logged.
func (n *Notifier) Enqueue(note Notification) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.logger.Warn("outbox closed, dropping notification", "task_id", note.TaskID)
		n.metrics.Notification("dropped")
		return false
	}
	select {
	case n.queue <- note:
		return true
	default:
		n.logger.Warn("outbox full, dropping notification", "task_id", note.TaskID)
		n.metrics.Notification("dropped")
		return false
	}
}

// Close stops accepting notifications and waits for the queue to drain.
func (n *Notifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	<-n.done
}

func (n *Notifier) run() {
	defer close(n.done)
	for note := range n.queue {
		n.deliver(note)
	}
}

func (n *Notifier) deliver(note Notification) {
	msg := broadcast.TaskCompleted(note.TaskID, note.SessionID, string(note.Status), note.Duration, note.Text)
	pending := note.topics()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.retryInterval
	b.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		attempts++
		var remaining []string
		var lastErr error
		for _, topic := range pending {
			ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
			err := n.pub.Publish(ctx, topic, msg)
			cancel()
			if err != nil {
				remaining = append(remaining, topic)
				lastErr = err
			}
		}
		pending = remaining
		return lastErr
	}

	err := backoff.Retry(op, backoff.WithMaxRetries(b, uint64(n.maxAttempts-1)))
	if err != nil {
		n.metrics.Notification("failed")
		n.logger.Warn("completion notification failed",
			"task_id", note.TaskID,
			"attempts", attempts,
			"error", err)
		return
	}
	n.metrics.Notification("delivered")
	n.logger.Debug("completion notification delivered", "task_id", note.TaskID, "attempts", attempts)
}
