// ABOUTME: Bounded TTL set of recently seen message IDs.
// ABOUTME: Used by the broadcast router to drop duplicate envelopes from the broker.

package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type entry struct {
	id     string
	seenAt time.Time
}

// Cache is a thread-safe set of IDs that forgets entries after ttl and never
// holds more than maxSize of them. Oldest entries are evicted first.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // *entry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache. A non-positive maxSize means 10,000 entries.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = 10_000
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Seen reports whether id was recorded within the TTL window, and records it
// if not. The check and the insert happen under one lock.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[id]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			return true
		}
		// Expired: refresh in place and treat as new.
		e.seenAt = now
		c.order.MoveToBack(el)
		return false
	}

	for len(c.index) >= c.maxSize {
		c.evictFront()
	}
	c.index[id] = c.order.PushBack(&entry{id: id, seenAt: now})
	return false
}

// Len returns the number of IDs currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Prune drops every expired entry and returns how many were removed.
// Entries are ordered by seenAt, so pruning stops at the first live one.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if now.Sub(front.Value.(*entry).seenAt) < c.ttl {
			break
		}
		c.evictFront()
		removed++
	}
	return removed
}

// Run prunes expired entries every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Prune()
		}
	}
}

func (c *Cache) evictFront() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.index, front.Value.(*entry).id)
}
