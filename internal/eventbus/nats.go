// ABOUTME: Event Channel backed by core NATS publish/subscribe.
// ABOUTME: Topics become subjects under a prefix; the wildcard topic maps to "<prefix>.>".

package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "coven.conductor"

// NATSChannel implements Channel on a NATS connection.
type NATSChannel struct {
	nc      *nats.Conn
	prefix  string
	owned   bool
	logger  *slog.Logger
	dropped atomic.Int64

	mu     sync.Mutex
	subs   map[*subscription]*nats.Subscription
	closed bool
}

// DialNATS connects to url and returns a channel that owns the connection.
func DialNATS(url, prefix, clientName string, logger *slog.Logger) (*NATSChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := logger.With("component", "eventbus-nats")

	nc, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	ch := NewNATSChannel(nc, prefix, logger)
	ch.owned = true
	return ch, nil
}

// NewNATSChannel wraps an existing connection. The caller keeps ownership of nc.
func NewNATSChannel(nc *nats.Conn, prefix string, logger *slog.Logger) *NATSChannel {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSChannel{
		nc:     nc,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger.With("component", "eventbus-nats"),
		subs:   make(map[*subscription]*nats.Subscription),
	}
}

// Publish sends data on the topic's subject.
func (c *NATSChannel) Publish(ctx context.Context, topic string, data []byte) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.nc.Publish(c.subject(topic), data); err != nil {
		return fmt.Errorf("publishing to nats: %w", err)
	}
	return nil
}

// Subscribe creates a NATS subscription and flushes so the server knows
// about it before Subscribe returns.
func (c *NATSChannel) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	var sub *subscription
	sub = newSubscription(ctx, topic, &c.dropped, func() {
		c.mu.Lock()
		ns := c.subs[sub]
		delete(c.subs, sub)
		c.mu.Unlock()
		if ns != nil {
			_ = ns.Unsubscribe()
		}
	})

	ns, err := c.nc.Subscribe(c.subject(topic), func(m *nats.Msg) {
		t, ok := c.topic(m.Subject)
		if !ok {
			return
		}
		if !sub.deliver(Message{Topic: t, Data: m.Data}) {
			c.logger.Debug("dropped message for full subscription", "topic", t)
		}
	})
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribing to nats: %w", err)
	}

	c.mu.Lock()
	c.subs[sub] = ns
	c.mu.Unlock()
	if sub.isClosed() {
		_ = ns.Unsubscribe()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClosed
	}

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.nc.FlushWithContext(flushCtx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("flushing nats subscription: %w", err)
	}
	return sub, nil
}

// Dropped returns how many messages were dropped on full subscriptions.
func (c *NATSChannel) Dropped() int64 {
	return c.dropped.Load()
}

// Close unsubscribes everything and, if the channel dialed the connection,
// drains and closes it.
func (c *NATSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	if c.owned {
		c.nc.Close()
	}
	return nil
}

func (c *NATSChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *NATSChannel) subject(topic string) string {
	if topic == AllTopics {
		return c.prefix + ".>"
	}
	return c.prefix + "." + escapeTopic(topic)
}

func (c *NATSChannel) topic(subject string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, c.prefix+".")
	if !ok {
		return "", false
	}
	return unescapeTopic(rest), true
}

// escapeTopic percent-encodes bytes that NATS treats as subject syntax
// (token separators, wildcards, whitespace) so any topic maps to one token.
func escapeTopic(topic string) string {
	var b strings.Builder
	for i := 0; i < len(topic); i++ {
		ch := topic[i]
		if isSubjectSafe(ch) {
			b.WriteByte(ch)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", ch)
	}
	return b.String()
}

func unescapeTopic(token string) string {
	if !strings.Contains(token, "%") {
		return token
	}
	var b strings.Builder
	for i := 0; i < len(token); i++ {
		if token[i] == '%' && i+2 < len(token) {
			if v, err := strconv.ParseUint(token[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		b.WriteByte(token[i])
	}
	return b.String()
}

func isSubjectSafe(ch byte) bool {
	switch {
	case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		return true
	case ch == '-', ch == '_', ch == ':':
		return true
	}
	return false
}
