// Package cache provides a generic fixed-capacity LRU cache with optional
// per-entry expiry, used by the retrieval orchestration layer.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// Clock returns the current time. It is injectable for deterministic tests.
type Clock func() time.Time

// Options contains configuration options for an LRU cache.
type Options struct {
	// EntryTTL is the absolute lifetime of an entry. Zero disables expiry.
	// Expired entries are treated as absent and lazily purged on access.
	EntryTTL time.Duration

	// Clock supplies the current time. Defaults to time.Now.
	Clock Clock
}

// WithEntryTTL sets an absolute per-entry time-to-live.
func WithEntryTTL(ttl time.Duration) func(o *Options) {
	return func(o *Options) {
		o.EntryTTL = ttl
	}
}

// WithClock injects the time source used for expiry checks.
func WithClock(clock Clock) func(o *Options) {
	return func(o *Options) {
		if clock != nil {
			o.Clock = clock
		}
	}
}

// LRU is a fixed-capacity cache evicting the least-recently-used entry.
// Both Get and Set promote an entry to most-recent. Safe for concurrent use.
type LRU[K comparable, V any] struct {
	mu        sync.Mutex
	maxSize   int
	ttl       time.Duration
	clock     Clock
	items     map[K]*list.Element
	evictList *list.List

	hits   atomic.Int64
	misses atomic.Int64
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time // zero means no expiry
}

// New creates an LRU cache holding at most maxSize entries.
func New[K comparable, V any](maxSize int, optFns ...func(o *Options)) *LRU[K, V] {
	opts := Options{
		Clock: time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if maxSize < 1 {
		maxSize = 1
	}

	return &LRU[K, V]{
		maxSize:   maxSize,
		ttl:       opts.EntryTTL,
		clock:     opts.Clock,
		items:     make(map[K]*list.Element),
		evictList: list.New(),
	}
}

// Get returns the cached value and promotes the entry to most-recent.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V

	el, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return zero, false
	}

	ent := el.Value.(*entry[K, V])
	if c.expired(ent) {
		c.removeElement(el)
		c.misses.Add(1)
		return zero, false
	}

	c.evictList.MoveToFront(el)
	c.hits.Add(1)
	return ent.value, true
}

// Set stores a value, promoting the entry and evicting the least-recent
// entry if the cache would exceed its capacity.
func (c *LRU[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.clock().Add(c.ttl)
	}

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry[K, V])
		ent.value = value
		ent.expiresAt = expiresAt
		c.evictList.MoveToFront(el)
		return
	}

	el := c.evictList.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expiresAt})
	c.items[key] = el

	for c.evictList.Len() > c.maxSize {
		back := c.evictList.Back()
		if back == nil {
			break
		}
		c.removeElement(back)
	}
}

// Has reports whether the key is present and unexpired, without promoting it.
func (c *LRU[K, V]) Has(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	ent := el.Value.(*entry[K, V])
	if c.expired(ent) {
		c.removeElement(el)
		return false
	}
	return true
}

// Delete removes the entry for key, reporting whether it was present.
func (c *LRU[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// Clear drops all entries.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[K]*list.Element)
	c.evictList.Init()
}

// Len returns the number of entries, including any not-yet-purged expired ones.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

// Stats returns hit and miss counters.
func (c *LRU[K, V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *LRU[K, V]) expired(ent *entry[K, V]) bool {
	return !ent.expiresAt.IsZero() && !c.clock().Before(ent.expiresAt)
}

func (c *LRU[K, V]) removeElement(el *list.Element) {
	c.evictList.Remove(el)
	delete(c.items, el.Value.(*entry[K, V]).key)
}
