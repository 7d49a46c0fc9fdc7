// Package cache provides the read-through TTL cache that sits in front of
// the counter store. Entries expire lazily: an expired entry is treated as
// absent and removed on the read that finds it. The cache only ever holds
// copies of durable counts, so losing it changes latency, never results.
//
// Loaders that read the store on a miss take a Gen before the read and store
// the result with SetIfGen. Any Set or Invalidate of the slug in between
// moves its generation and the late write is dropped.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultTTL is used when Set is called with a non-positive ttl.
const DefaultTTL = 60 * time.Second

// DefaultMaxEntries bounds the number of cached slugs. An evicted slug is
// simply read from the store again.
const DefaultMaxEntries = 100_000

type entry struct {
	count    int64
	expireAt time.Time
}

// Gen identifies the state of one slug's cache slot at a point in time.
type Gen uint64

// TTLCache maps slugs to view counts. It is safe for concurrent use.
// A nil *TTLCache is a valid cache that never hits.
type TTLCache struct {
	lru *expirable.LRU[string, entry]
	ttl time.Duration
	now func() time.Time

	// mu orders writes against generation changes.
	mu    sync.Mutex
	clock uint64
	floor uint64 // generation of the last InvalidateAll
	gens  map[string]uint64
}

// Stats is a point-in-time view of the cache contents.
type Stats struct {
	Size int      `json:"size"`
	Keys []string `json:"keys"`
}

// New returns a cache whose default TTL is ttl (DefaultTTL when ttl <= 0).
func New(ttl time.Duration) *TTLCache {
	return NewWithClock(ttl, time.Now)
}

// NewWithClock is New with an injectable clock. The clock decides when an
// entry is stale; the LRU drops entries on its own once the TTL has passed
// on the wall clock.
func NewWithClock(ttl time.Duration, now func() time.Time) *TTLCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TTLCache{
		lru:  expirable.NewLRU[string, entry](DefaultMaxEntries, nil, ttl),
		ttl:  ttl,
		now:  now,
		gens: make(map[string]uint64),
	}
}

// TTL returns the default entry lifetime.
func (c *TTLCache) TTL() time.Duration {
	if c == nil {
		return 0
	}
	return c.ttl
}

// Get returns the cached count for slug and whether it was a live hit.
func (c *TTLCache) Get(slug string) (int64, bool) {
	if c == nil {
		return 0, false
	}
	e, ok := c.lru.Get(slug)
	if !ok {
		return 0, false
	}
	if !c.now().Before(e.expireAt) {
		c.evict(slug, e.expireAt)
		return 0, false
	}
	return e.count, true
}

// GetMany partitions slugs into live hits and misses. Misses keep the input
// order.
func (c *TTLCache) GetMany(slugs []string) (hits map[string]int64, misses []string) {
	hits = make(map[string]int64, len(slugs))
	for _, s := range slugs {
		if n, ok := c.Get(s); ok {
			hits[s] = n
			continue
		}
		misses = append(misses, s)
	}
	return hits, misses
}

// Gen returns the current generation of slug.
func (c *TTLCache) Gen(slug string) Gen {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Gen(c.genLocked(slug))
}

// Gens returns the current generation of every slug.
func (c *TTLCache) Gens(slugs []string) map[string]Gen {
	out := make(map[string]Gen, len(slugs))
	if c == nil {
		return out
	}
	c.mu.Lock()
	for _, s := range slugs {
		out[s] = Gen(c.genLocked(s))
	}
	c.mu.Unlock()
	return out
}

// Set stores count for slug. ttl <= 0, or longer than the cache TTL, uses
// the cache TTL. Set is an authoritative write and moves the generation.
func (c *TTLCache) Set(slug string, count int64, ttl time.Duration) {
	if c == nil {
		return
	}
	exp := c.expiry(ttl)
	c.mu.Lock()
	c.bumpLocked(slug)
	c.lru.Add(slug, entry{count: count, expireAt: exp})
	c.mu.Unlock()
}

// SetIfGen stores count only if slug is still at generation g. It reports
// whether the value was stored.
func (c *TTLCache) SetIfGen(slug string, count int64, ttl time.Duration, g Gen) bool {
	if c == nil {
		return false
	}
	exp := c.expiry(ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	if Gen(c.genLocked(slug)) != g {
		return false
	}
	c.lru.Add(slug, entry{count: count, expireAt: exp})
	return true
}

// SetMany stores every count with the same ttl.
func (c *TTLCache) SetMany(counts map[string]int64, ttl time.Duration) {
	if c == nil || len(counts) == 0 {
		return
	}
	exp := c.expiry(ttl)
	c.mu.Lock()
	for s, n := range counts {
		c.bumpLocked(s)
		c.lru.Add(s, entry{count: n, expireAt: exp})
	}
	c.mu.Unlock()
}

// SetManyIfGen stores each count whose slug is still at the generation
// recorded in gens. Slugs missing from gens are skipped.
func (c *TTLCache) SetManyIfGen(counts map[string]int64, ttl time.Duration, gens map[string]Gen) {
	if c == nil || len(counts) == 0 {
		return
	}
	exp := c.expiry(ttl)
	c.mu.Lock()
	for s, n := range counts {
		g, ok := gens[s]
		if !ok || Gen(c.genLocked(s)) != g {
			continue
		}
		c.lru.Add(s, entry{count: n, expireAt: exp})
	}
	c.mu.Unlock()
}

// Invalidate removes slug. Missing slugs are ignored.
func (c *TTLCache) Invalidate(slug string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.bumpLocked(slug)
	c.lru.Remove(slug)
	c.mu.Unlock()
}

// InvalidateAll empties the cache.
func (c *TTLCache) InvalidateAll() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.clock++
	c.floor = c.clock
	clear(c.gens)
	c.lru.Purge()
	c.mu.Unlock()
}

// Stats reports stored entries, including ones that expired but have not
// been read since.
func (c *TTLCache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	keys := c.lru.Keys()
	sort.Strings(keys)
	return Stats{Size: len(keys), Keys: keys}
}

func (c *TTLCache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 || ttl > c.ttl {
		ttl = c.ttl
	}
	return c.now().Add(ttl)
}

func (c *TTLCache) genLocked(slug string) uint64 {
	if g, ok := c.gens[slug]; ok && g > c.floor {
		return g
	}
	return c.floor
}

func (c *TTLCache) bumpLocked(slug string) {
	c.clock++
	c.gens[slug] = c.clock
}

// evict deletes slug only if it still holds the expired entry that was
// observed, so a concurrent Set is not lost.
func (c *TTLCache) evict(slug string, observed time.Time) {
	c.mu.Lock()
	if e, ok := c.lru.Peek(slug); ok && e.expireAt.Equal(observed) {
		c.lru.Remove(slug)
	}
	c.mu.Unlock()
}
