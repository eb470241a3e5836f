package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultResolveTTL bounds how long an entry of a superseded generation can
// occupy the cache.
const DefaultResolveTTL = 5 * time.Second

// DefaultResolveEntries caps memory usage.
const DefaultResolveEntries = 10000

type resolveKey struct {
	branch uint64
	gen    uint64
	path   string
}

// ResolveCache maps (branch, tree generation, path) to an inode number.
// A tree generation is immutable, so entries never need invalidation for
// correctness; InvalidateBranch exists to free memory when a branch goes away.
//
// Thread-safe: the underlying LRU is synchronized.
type ResolveCache struct {
	lru    *expirable.LRU[resolveKey, uint64]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewResolveCache creates a cache.
// ttl: lifetime of an entry (0 means DefaultResolveTTL)
// maxSize: maximum number of entries (0 means DefaultResolveEntries)
func NewResolveCache(ttl time.Duration, maxSize int) *ResolveCache {
	if ttl <= 0 {
		ttl = DefaultResolveTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultResolveEntries
	}
	return &ResolveCache{lru: expirable.NewLRU[resolveKey, uint64](maxSize, nil, ttl)}
}

// Get returns the cached inode of path in the given branch generation.
// Always a miss if caching is disabled (AGENTFS_CACHE=0).
func (c *ResolveCache) Get(branch, gen uint64, path string) (uint64, bool) {
	if Disabled {
		return 0, false
	}
	ino, ok := c.lru.Get(resolveKey{branch, gen, path})
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return ino, ok
}

// Put stores a resolution. No-op if caching is disabled.
func (c *ResolveCache) Put(branch, gen uint64, path string, ino uint64) {
	if Disabled {
		return
	}
	c.lru.Add(resolveKey{branch, gen, path}, ino)
}

// InvalidateBranch drops every entry of a branch.
func (c *ResolveCache) InvalidateBranch(branch uint64) {
	for _, k := range c.lru.Keys() {
		if k.branch == branch {
			c.lru.Remove(k)
		}
	}
}

// Invalidate clears all entries from the cache.
func (c *ResolveCache) Invalidate() {
	c.lru.Purge()
}

// ResolveCacheStats is a snapshot of cache counters.
type ResolveCacheStats struct {
	Size   int
	Hits   uint64
	Misses uint64
}

// Stats returns current cache statistics.
func (c *ResolveCache) Stats() ResolveCacheStats {
	return ResolveCacheStats{
		Size:   c.lru.Len(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}
