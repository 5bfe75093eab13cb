// Package cache holds short-lived decrypted values with absolute expiry.
package cache

import (
	"container/heap"
	"sync"
	"time"
)

// DefaultTTL is the lifetime of a cached entry when none is configured.
const DefaultTTL = 5 * time.Minute

// invalidationLimit caps the per-key invalidation marks kept for reservations.
const invalidationLimit = 4096

// Options configures a TTLCache.
type Options struct {
	TTL     time.Duration
	MaxSize int // 0 means unbounded
	Now     func() time.Time
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
	index     int
}

// TTLCache is a concurrency-safe map with per-entry absolute expiry, an
// optional size bound, and a generation guard against stale populates.
type TTLCache[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	items map[K]*entry[K, V]
	order expiryHeap[K, V]

	// counter advances on every invalidation. invalidated records the counter
	// value of the last invalidation per key; cleared that of the last Clear.
	counter     uint64
	invalidated map[K]uint64
	cleared     uint64
}

// New creates a TTLCache.
func New[K comparable, V any](opts Options) *TTLCache[K, V] {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &TTLCache[K, V]{
		ttl:         opts.TTL,
		maxSize:     opts.MaxSize,
		now:         opts.Now,
		items:       make(map[K]*entry[K, V]),
		invalidated: make(map[K]uint64),
	}
}

// TTL returns the configured entry lifetime.
func (c *TTLCache[K, V]) TTL() time.Duration { return c.ttl }

// Get returns the live value for key. Expired entries are removed on access.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		c.remove(e)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with the configured TTL.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, value)
}

// Reserve returns a token to pass to SetIfCurrent after fetching the value
// for key from its source of truth.
func (c *TTLCache[K, V]) Reserve(key K) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

// SetIfCurrent stores value only if key has not been invalidated (and the
// cache not cleared) since token was reserved. It reports whether the value
// was stored.
func (c *TTLCache[K, V]) SetIfCurrent(key K, token uint64, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invalidated[key] > token || c.cleared > token {
		return false
	}
	c.set(key, value)
	return true
}

// Delete removes key and invalidates outstanding reservations for it.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.invalidated) >= invalidationLimit {
		// Fold the per-key marks into one cache-wide mark. Reservations taken
		// before now are rejected, which costs at most a cache miss.
		c.cleared = c.counter
		clear(c.invalidated)
	}
	c.counter++
	c.invalidated[key] = c.counter
	if e, ok := c.items[key]; ok {
		c.remove(e)
	}
}

// Clear removes every entry and invalidates every outstanding reservation.
func (c *TTLCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	c.cleared = c.counter
	clear(c.invalidated)
	clear(c.items)
	c.order = nil
}

// EvictExpired removes every entry whose expiry has passed and returns the count.
func (c *TTLCache[K, V]) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for len(c.order) > 0 && !now.Before(c.order[0].expiresAt) {
		c.remove(c.order[0])
		n++
	}
	return n
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *TTLCache[K, V]) set(key K, value V) {
	expiresAt := c.now().Add(c.ttl)
	if e, ok := c.items[key]; ok {
		e.value = value
		e.expiresAt = expiresAt
		heap.Fix(&c.order, e.index)
		return
	}
	if c.maxSize > 0 && len(c.items) >= c.maxSize {
		c.remove(c.order[0])
	}
	e := &entry[K, V]{key: key, value: value, expiresAt: expiresAt}
	c.items[key] = e
	heap.Push(&c.order, e)
}

func (c *TTLCache[K, V]) remove(e *entry[K, V]) {
	heap.Remove(&c.order, e.index)
	delete(c.items, e.key)
}

// expiryHeap orders entries soonest-to-expire first.
type expiryHeap[K comparable, V any] []*entry[K, V]

func (h expiryHeap[K, V]) Len() int           { return len(h) }
func (h expiryHeap[K, V]) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap[K, V]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap[K, V]) Push(x any) {
	e := x.(*entry[K, V])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *expiryHeap[K, V]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
