// ABOUTME: Event Channel backed by Postgres LISTEN/NOTIFY through a pgx pool.
// ABOUTME: All topics share one notification channel; each payload is the topic line, then the data.

package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultPgChannel is the NOTIFY channel used when none is configured.
const DefaultPgChannel = "coven_conductor_events"

// maxNotifyPayload is the Postgres limit for a NOTIFY payload.
const maxNotifyPayload = 8000

// encodeNotification frames data as "<topic>\n<data>". The data is sent
// as is, so the whole NOTIFY budget minus the topic line is available.
func encodeNotification(topic string, data []byte) (string, error) {
	if topic == "" {
		return "", ErrEmptyTopic
	}
	if strings.ContainsRune(topic, '\n') {
		return "", fmt.Errorf("%w: topic contains a newline", ErrInvalidTopic)
	}
	payload := topic + "\n" + string(data)
	if len(payload) >= maxNotifyPayload {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	return payload, nil
}

func decodeNotification(payload string) (Message, bool) {
	topic, data, ok := strings.Cut(payload, "\n")
	if !ok || topic == "" {
		return Message{}, false
	}
	return Message{Topic: topic, Data: []byte(data)}, true
}

// PgChannel implements Channel with Postgres notifications. A single
// listener connection is held while at least one subscription exists.
type PgChannel struct {
	pool    *pgxpool.Pool
	channel string
	logger  *slog.Logger
	fan     *fanout

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopped  chan struct{}
	ready    chan struct{}
	readyErr error
	closed   bool
}

// NewPgChannel creates a channel on pool. The pool stays owned by the caller.
func NewPgChannel(pool *pgxpool.Pool, channel string, logger *slog.Logger) *PgChannel {
	if logger == nil {
		logger = slog.Default()
	}
	if channel == "" {
		channel = DefaultPgChannel
	}
	return &PgChannel{
		pool:    pool,
		channel: channel,
		logger:  logger.With("component", "eventbus-pg"),
		fan:     newFanout(),
	}
}

// Publish sends a notification. Payloads that do not fit in a NOTIFY
// return ErrPayloadTooLarge.
func (c *PgChannel) Publish(ctx context.Context, topic string, data []byte) error {
	payload, err := encodeNotification(topic, data)
	if err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}
	if _, err := c.pool.Exec(ctx, "SELECT pg_notify($1, $2)", c.channel, payload); err != nil {
		return fmt.Errorf("sending notification: %w", err)
	}
	return nil
}

// Subscribe registers a subscription. The first subscription starts the
// listener and waits until LISTEN has been issued.
func (c *PgChannel) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if err := c.ensureListener(ctx); err != nil {
		return nil, err
	}
	return c.fan.add(ctx, topic, nil), nil
}

// Dropped returns how many messages were dropped on full subscriptions.
func (c *PgChannel) Dropped() int64 {
	return c.fan.dropped.Load()
}

// Close stops the listener and closes every subscription.
func (c *PgChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, stopped := c.cancel, c.stopped
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}

	c.fan.mu.RLock()
	subs := make([]*subscription, 0, len(c.fan.subs))
	for s := range c.fan.subs {
		subs = append(subs, s)
	}
	c.fan.mu.RUnlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

func (c *PgChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *PgChannel) ensureListener(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.cancel == nil {
		runCtx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.stopped = make(chan struct{})
		c.ready = make(chan struct{})
		c.readyErr = nil
		go c.listen(runCtx, c.stopped)
	}
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readyErr != nil && c.ready == ready {
		// Let the next Subscribe start a fresh listener.
		err := c.readyErr
		c.cancel = nil
		return err
	}
	return c.readyErr
}

func (c *PgChannel) markReady(err error) {
	c.mu.Lock()
	c.readyErr = err
	close(c.ready)
	c.mu.Unlock()
}

// listen holds a dedicated connection and dispatches notifications. After
// the first successful LISTEN it reconnects with backoff until ctx ends.
func (c *PgChannel) listen(ctx context.Context, stopped chan<- struct{}) {
	defer close(stopped)

	first := true
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	for {
		err := c.listenOnce(ctx, func() {
			b.Reset()
			if first {
				first = false
				c.markReady(nil)
			}
		})
		if first {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			c.markReady(fmt.Errorf("listening on %s: %w", c.channel, err))
			return
		}
		if ctx.Err() != nil {
			return
		}
		wait := b.NextBackOff()
		c.logger.Warn("listener lost, reconnecting", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *PgChannel) listenOnce(ctx context.Context, onListening func()) error {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	// LISTEN is session state, so the connection never goes back to the pool.
	pc := conn.Hijack()
	defer pc.Close(context.Background())

	if _, err := pc.Exec(ctx, "LISTEN "+pgx.Identifier{c.channel}.Sanitize()); err != nil {
		return err
	}
	onListening()

	for {
		n, err := pc.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		msg, ok := decodeNotification(n.Payload)
		if !ok {
			c.logger.Warn("ignoring notification without topic line")
			continue
		}
		c.fan.dispatch(msg)
	}
}
