// Package cache implements the concurrent snapshot cache: the last-known
// state bundle per entity, with capacity-bounded bulk eviction, time-based
// expiry and the change-detection policies the persistence pipeline uses
// to decide whether a write is worth performing.
package cache

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nuvalabs/playersync/types"
)

// Policy selects a snapshot comparison strategy for change detection.
type Policy int

const (
	// PolicyStrict compares every field (floats within a small epsilon).
	PolicyStrict Policy = iota

	// PolicyQuick compares in priority order — inventory, xp, hunger,
	// health (coarse) — and skips enderchest and saturation. Cheaper and
	// skips more writes, at the cost of possibly missing small deltas.
	PolicyQuick
)

// Eviction sizing: when the cache is full, one pass removes the oldest
// evictFraction of capacity (at least evictFloor entries) so that the
// sort cost is amortized over many inserts.
const (
	defaultEvictFraction = 0.10
	evictFloor           = 8
)

// Cache is a thread-safe map from entity id to its last-known snapshot.
// Snapshots are cloned on the way in and out; callers never share memory
// with the cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[types.EntityID]*types.Snapshot

	capacity      int
	evictFraction float64
	logger        *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache bounded to capacity entries.
func New(capacity int, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		entries:       make(map[types.EntityID]*types.Snapshot, capacity),
		capacity:      capacity,
		evictFraction: defaultEvictFraction,
		logger:        logger.With(zap.String("component", "snapshot_cache")),
	}
}

// Get returns a copy of the cached snapshot for id, if present.
func (c *Cache) Get(id types.EntityID) (*types.Snapshot, bool) {
	c.mu.RLock()
	snap, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return snap.Clone(), true
}

// Put stores a copy of snap for id, evicting the oldest entries first
// when the cache is at capacity.
func (c *Cache) Put(id types.EntityID, snap *types.Snapshot) {
	if snap == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[id]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	c.entries[id] = snap.Clone()
}

// Remove drops the entry for id, if any.
func (c *Cache) Remove(id types.EntityID) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Len returns the current number of cached snapshots.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Changed reports whether snap differs from the cached snapshot for id
// under the given policy. An absent entry always counts as changed.
// Hit/miss counters track how often the cache saved a write.
func (c *Cache) Changed(id types.EntityID, snap *types.Snapshot, policy Policy) bool {
	c.mu.RLock()
	cached, ok := c.entries[id]
	var equal bool
	if ok {
		if policy == PolicyStrict {
			equal = cached.Equal(snap)
		} else {
			equal = cached.QuickEqual(snap)
		}
	}
	c.mu.RUnlock()

	if ok && equal {
		c.hits.Add(1)
		return false
	}
	c.misses.Add(1)
	return true
}

// SweepExpired removes every entry whose LastUpdated is older than ttl
// and returns the number removed. Called periodically to bound memory
// for entities that disconnected without clean removal.
func (c *Cache) SweepExpired(ttl time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, snap := range c.entries {
		if snap.Expired(ttl) {
			delete(c.entries, id)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("expired snapshots swept",
			zap.Int("removed", removed),
			zap.Int("remaining", len(c.entries)))
	}
	return removed
}

// Stats returns cumulative change-detection hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// evictOldestLocked removes the oldest-by-LastUpdated slice of entries
// in a single pass. Caller holds the write lock.
func (c *Cache) evictOldestLocked() {
	toRemove := int(float64(c.capacity) * c.evictFraction)
	if toRemove < evictFloor {
		toRemove = evictFloor
	}
	if toRemove > len(c.entries) {
		toRemove = len(c.entries)
	}

	type aged struct {
		id types.EntityID
		at time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for id, snap := range c.entries {
		all = append(all, aged{id: id, at: snap.LastUpdated})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	for i := 0; i < toRemove; i++ {
		delete(c.entries, all[i].id)
	}
	c.logger.Debug("cache capacity eviction",
		zap.Int("evicted", toRemove),
		zap.Int("remaining", len(c.entries)))
}
