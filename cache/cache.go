// Package cache is a small bounded TTL map used in front of the API
// for slow-changing resources. Lookups that found nothing can be
// remembered briefly, so a missing resource does not burn quota on
// every poll.
package cache

import (
	"sync"
	"time"
)

// DefaultNegativeTTL is how long a not-found result is remembered.
const DefaultNegativeTTL = 60 * time.Second

type entry[V any] struct {
	value    V
	negative bool
	expires  time.Time
}

// Cache maps K to V with per-entry expiry. When full, the entry
// closest to expiry is evicted. Safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[K]entry[V]
	hits    uint64
	misses  uint64

	// Clock is the time source, replaceable in tests.
	Clock func() time.Time
}

// Stats is a snapshot of cache effectiveness.
type Stats struct {
	Entries int           `json:"entries"`
	Hits    uint64        `json:"hits"`
	Misses  uint64        `json:"misses"`
	HitRate float64       `json:"hit_rate"`
	TTL     time.Duration `json:"-"`
}

// New returns a cache whose entries live for ttl, holding at most
// maxSize entries.
func New[K comparable, V any](ttl time.Duration, maxSize int) *Cache[K, V] {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Cache[K, V]{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[K]entry[V]),
		Clock:   time.Now,
	}
}

// Get returns the cached value for key. Negative entries read as
// absent.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, neg, ok := c.lookup(key)
	if !ok || neg {
		var zero V
		return zero, false
	}
	return v, true
}

func (c *Cache[K, V]) lookup(key K) (V, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false, false
	}
	if c.Clock().After(e.expires) {
		delete(c.entries, key)
		c.misses++
		return zero, false, false
	}
	c.hits++
	return e.value, e.negative, true
}

// Set stores value under key for the cache's TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.store(key, entry[V]{value: value, expires: c.Clock().Add(c.ttl)})
}

// SetNegative remembers that key resolved to nothing for ttl.
func (c *Cache[K, V]) SetNegative(key K, ttl time.Duration) {
	var zero V
	c.store(key, entry[V]{value: zero, negative: true, expires: c.Clock().Add(ttl)})
}

func (c *Cache[K, V]) store(key K, e entry[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictSoonest()
	}
	c.entries[key] = e
}

// evictSoonest drops the entry closest to expiry. Callers hold mu.
func (c *Cache[K, V]) evictSoonest() {
	var victim K
	var soonest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.expires.Before(soonest) {
			victim, soonest, first = k, e.expires, false
		}
	}
	if !first {
		delete(c.entries, victim)
	}
}

// GetOrFetch returns the cached value or fills the cache from fetch.
// fetch reports found=false when the resource does not exist; that
// outcome is cached for negTTL (0 disables negative caching). Errors
// are never cached.
func (c *Cache[K, V]) GetOrFetch(key K, negTTL time.Duration, fetch func() (V, bool, error)) (V, bool, error) {
	if v, neg, ok := c.lookup(key); ok {
		var zero V
		if neg {
			return zero, false, nil
		}
		return v, true, nil
	}

	v, found, err := fetch()
	if err != nil {
		var zero V
		return zero, false, err
	}
	if found {
		c.Set(key, v)
		return v, true, nil
	}
	if negTTL > 0 {
		c.SetNegative(key, negTTL)
	}
	var zero V
	return zero, false, nil
}

// Delete removes key.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// PurgeExpired removes every expired entry and returns the count.
func (c *Cache[K, V]) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.Clock()
	purged := 0
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
			purged++
		}
	}
	return purged
}

// Len returns the number of entries, expired ones included.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats snapshots hit/miss counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Entries: len(c.entries),
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: rate,
		TTL:     c.ttl,
	}
}
