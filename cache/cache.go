// Package cache implements a small TTL cache for server responses.
// Entries expire lazily on read, can be invalidated explicitly, and once
// a size ceiling is reached the entry closest to expiry is evicted to
// make room. There is no background sweeper goroutine.
package cache

import (
	"sync"
	"time"
)

const (
	// DefaultTTL matches the staleness the platform itself tolerates for
	// repeated queries like balance reads.
	DefaultTTL = 5 * time.Second

	DefaultMaxEntries = 256
)

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// Cache is a bounded TTL cache keyed by string. All methods are safe for
// concurrent use.
type Cache struct {
	ttl        time.Duration
	maxEntries int

	mtx     sync.Mutex
	entries map[string]entry

	// now is swapped out in tests.
	now func() time.Time
}

// New creates a cache whose entries live for ttl and which holds at most
// maxEntries values. Non-positive arguments select the defaults.
func New(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	return &Cache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]entry),
		now:        time.Now,
	}
}

// Get returns the value stored under key, if it's still fresh. An entry
// past its expiry is deleted on the spot and reported as a miss.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}

	return e.value, true
}

// Put stores value under key for the cache's TTL, replacing any previous
// value. If the cache is full, the entry with the nearest expiry is
// evicted first.
func (c *Cache) Put(key string, value interface{}) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictSoonest()
	}

	c.entries[key] = entry{
		value:     value,
		expiresAt: c.now().Add(c.ttl),
	}
}

// Invalidate removes the entry stored under key, if any.
func (c *Cache) Invalidate(key string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	delete(c.entries, key)
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.entries = make(map[string]entry)
}

// Len returns the number of stored entries, counting ones which have
// expired but haven't been touched since.
func (c *Cache) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return len(c.entries)
}

// evictSoonest drops the entry with the earliest expiry. Expired entries
// are naturally the first to go.
//
// NOTE: c.mtx should be locked when evictSoonest is called.
func (c *Cache) evictSoonest() {
	var (
		victim string
		oldest time.Time
		found  bool
	)

	for key, e := range c.entries {
		if !found || e.expiresAt.Before(oldest) {
			victim = key
			oldest = e.expiresAt
			found = true
		}
	}

	if found {
		delete(c.entries, victim)
	}
}
