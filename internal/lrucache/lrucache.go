// Package lrucache implements the optional fixed-capacity result cache of
// spec §4.6.1: keyed by normalized query text, thread-safe for concurrent
// readers, sharded to keep lock contention off a single mutex. A Cache with
// capacity 0 is never constructed -- New returns nil, so the caller's hot
// path degrades to a single nil check with no residual overhead.
package lrucache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2/simplelru"
)

// shardCount is fixed rather than configurable: spec §4.6.1 asks only for
// reduced contention under concurrent readers, not a tunable shard count.
const shardCount = 16

// Cache is a sharded, fixed-capacity LRU from a query key to a cached
// value. The zero value is not usable; construct with New.
type Cache[V any] struct {
	shards [shardCount]*shard[V]
}

type shard[V any] struct {
	mu  sync.Mutex
	lru *lru.LRU[string, V]
}

// New builds a Cache spread across shardCount shards, each holding
// capacity/shardCount entries but never fewer than one, so the total is
// capacity rounded down to a multiple of shardCount, and at least
// shardCount. capacity <= 0 disables the cache: New returns
// nil, and every method on a nil *Cache is a safe no-op, so callers can
// unconditionally call cache.Get/cache.Add without a capacity check -- the
// nil receiver check is the only branch paid on the disabled path.
func New[V any](capacity int) *Cache[V] {
	if capacity <= 0 {
		return nil
	}
	perShard := capacity / shardCount
	if perShard < 1 {
		perShard = 1
	}
	c := &Cache[V]{}
	for i := range c.shards {
		l, err := lru.NewLRU[string, V](perShard, nil)
		if err != nil {
			// Only returned for a non-positive size, which perShard >= 1
			// above already rules out.
			panic("lrucache: " + err.Error())
		}
		c.shards[i] = &shard[V]{lru: l}
	}
	return c
}

func (c *Cache[V]) shardFor(key string) *shard[V] {
	h := xxhash.Sum64String(key)
	return c.shards[h%shardCount]
}

// Get returns the cached value for key, if present. A nil Cache always
// misses.
func (c *Cache[V]) Get(key string) (V, bool) {
	if c == nil {
		var zero V
		return zero, false
	}
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Get(key)
}

// Add inserts or refreshes the cached value for key. A no-op on a nil
// Cache.
func (c *Cache[V]) Add(key string, value V) {
	if c == nil {
		return
	}
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Add(key, value)
}

// Purge empties every shard. Database does not call it: every Open
// constructs a fresh Cache, so cached results never carry over from one
// opening of a file to the next.
func (c *Cache[V]) Purge() {
	if c == nil {
		return
	}
	for _, s := range c.shards {
		s.mu.Lock()
		s.lru.Purge()
		s.mu.Unlock()
	}
}

// Len returns the total number of entries currently cached across all
// shards. Intended for tests and diagnostics, not the hot path.
func (c *Cache[V]) Len() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return n
}
