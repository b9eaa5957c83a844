// ABOUTME: Thread-safe TTL cache of idempotency keys and the value each produced
// ABOUTME: Used to answer retried fan-out requests with the batch the first attempt created

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	value     string
	timestamp time.Time
	element   *list.Element
}

// Cache maps keys to the value the first request with that key produced.
// A key is reserved before the work starts and completed with its value
// afterwards; a reserved key with no value yet means the first request is
// still in flight. Entries expire after the TTL and the oldest entry is
// evicted once maxSize is reached.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache. Expired entries are dropped lazily and by Prune.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Reserve claims key for a new request. It returns reserved=true when the
// caller should do the work. Otherwise value holds what the earlier request
// produced, or "" if that request has not completed yet.
func (c *Cache) Reserve(key string) (value string, reserved bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[key]; ok {
		if now.Sub(e.timestamp) < c.ttl {
			return e.value, false
		}
		c.removeLocked(key, e)
	}

	c.insertLocked(key, now)
	return "", true
}

// Complete records the value produced for a reserved key. The TTL restarts.
func (c *Cache) Complete(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.entries[key]
	if !ok {
		e = c.insertLocked(key, now)
	} else {
		c.order.MoveToBack(e.element)
	}
	e.value = value
	e.timestamp = now
}

// Release drops a reservation so a failed request can be retried with the
// same key.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(key, e)
	}
}

// Prune removes expired entries and reports how many were removed.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.timestamp) >= c.ttl {
			c.removeLocked(key, e)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// insertLocked adds key, evicting the oldest entry when full. Must be called
// with mu held.
func (c *Cache) insertLocked(key string, now time.Time) *entry {
	if len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.removeLocked(oldest, c.entries[oldest])
		}
	}
	e := &entry{timestamp: now, element: c.order.PushBack(key)}
	c.entries[key] = e
	return e
}

// removeLocked must be called with mu held.
func (c *Cache) removeLocked(key string, e *entry) {
	c.order.Remove(e.element)
	delete(c.entries, key)
}
