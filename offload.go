package engram

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultOffloadCapacity bounds the offload cache when no size is given.
const DefaultOffloadCapacity = 100

type offloadEntry struct {
	content  string
	priority int
	storedAt time.Time
}

// OffloadCache holds context that was pushed out of active windows, indexed
// by priority. Loading an entry promotes it one priority level, so content
// that keeps getting recalled survives eviction; when the cache is full the
// oldest entry of the lowest priority goes first.
type OffloadCache struct {
	max int
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*offloadEntry
	// buckets keeps insertion order per priority for deterministic eviction.
	buckets map[int][]string

	hits   atomic.Int64
	misses atomic.Int64
}

// OffloadOption configures an OffloadCache.
type OffloadOption func(*OffloadCache)

// WithOffloadCapacity sets the entry cap. Default: 100.
func WithOffloadCapacity(n int) OffloadOption {
	return func(c *OffloadCache) { c.max = n }
}

// withOffloadClock overrides the time source. Used by tests.
func withOffloadClock(now func() time.Time) OffloadOption {
	return func(c *OffloadCache) { c.now = now }
}

// NewOffloadCache creates an empty cache.
func NewOffloadCache(opts ...OffloadOption) *OffloadCache {
	c := &OffloadCache{
		max:     DefaultOffloadCapacity,
		now:     time.Now,
		entries: make(map[string]*offloadEntry),
		buckets: make(map[int][]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store saves content under key at the given priority, evicting from the
// lowest priority bucket when full. Re-storing a key keeps its current
// priority if higher.
func (c *OffloadCache) Store(key, content string, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		if existing.priority > priority {
			priority = existing.priority
		}
		c.removeFromBucketLocked(key, existing.priority)
	}
	c.entries[key] = &offloadEntry{content: content, priority: priority, storedAt: c.now()}
	c.buckets[priority] = append(c.buckets[priority], key)

	for len(c.entries) > c.max {
		c.evictLowestLocked()
	}
}

// Load returns the content for key and promotes it one priority level.
func (c *OffloadCache) Load(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return "", false
	}
	c.hits.Add(1)

	c.removeFromBucketLocked(key, entry.priority)
	entry.priority++
	c.buckets[entry.priority] = append(c.buckets[entry.priority], key)
	return entry.content, true
}

// Delete removes key if present.
func (c *OffloadCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	c.removeFromBucketLocked(key, entry.priority)
	delete(c.entries, key)
}

// SweepExpired drops entries stored longer than ttl ago. Returns how many
// were removed. Registered as a scheduler task.
func (c *OffloadCache) SweepExpired(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-ttl)
	removed := 0
	for key, entry := range c.entries {
		if entry.storedAt.Before(cutoff) {
			c.removeFromBucketLocked(key, entry.priority)
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the current entry count.
func (c *OffloadCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cumulative hits and misses.
func (c *OffloadCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *OffloadCache) removeFromBucketLocked(key string, priority int) {
	keys := c.buckets[priority]
	for i, k := range keys {
		if k == key {
			c.buckets[priority] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if len(c.buckets[priority]) == 0 {
		delete(c.buckets, priority)
	}
}

// evictLowestLocked removes the oldest entry of the lowest priority bucket.
func (c *OffloadCache) evictLowestLocked() {
	lowest := 0
	found := false
	for p := range c.buckets {
		if !found || p < lowest {
			lowest, found = p, true
		}
	}
	if !found {
		return
	}
	key := c.buckets[lowest][0]
	c.removeFromBucketLocked(key, lowest)
	delete(c.entries, key)
}
