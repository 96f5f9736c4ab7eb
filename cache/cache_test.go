package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nuvalabs/playersync/types"
)

func snapAt(id string, updated time.Time) *types.Snapshot {
	return &types.Snapshot{ID: types.EntityID(id), XP: 1, Health: 20, LastUpdated: updated}
}

func TestGetPutRemove(t *testing.T) {
	c := New(100, zap.NewNop())

	_, ok := c.Get("missing")
	assert.False(t, ok)

	snap := snapAt("e-1", time.Now())
	c.Put("e-1", snap)
	require.Equal(t, 1, c.Len())

	got, ok := c.Get("e-1")
	require.True(t, ok)
	assert.Equal(t, snap.XP, got.XP)

	// The cache must hold its own copy.
	got.XP = 999
	again, _ := c.Get("e-1")
	assert.Equal(t, 1, again.XP)

	c.Remove("e-1")
	assert.Equal(t, 0, c.Len())
}

func TestCapacityEviction(t *testing.T) {
	const capacity = 50
	c := New(capacity, zap.NewNop())

	base := time.Now().Add(-time.Hour)

	// Insert N > C entries with strictly increasing timestamps.
	const n = capacity + 30
	for i := 0; i < n; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		c.Put(types.EntityID(fmt.Sprintf("e-%03d", i)), snapAt(fmt.Sprintf("e-%03d", i), at))
	}

	assert.LessOrEqual(t, c.Len(), capacity)

	// Every survivor must be at least as recent as every evicted entry:
	// with ascending timestamps, the oldest ids are the ones to go.
	oldest, ok := c.Get("e-000")
	assert.False(t, ok, "oldest entry must have been evicted, got %v", oldest)
	_, ok = c.Get(types.EntityID(fmt.Sprintf("e-%03d", n-1)))
	assert.True(t, ok, "newest entry must survive")
}

func TestSweepExpired(t *testing.T) {
	c := New(100, zap.NewNop())
	c.Put("fresh", snapAt("fresh", time.Now()))
	c.Put("stale-1", snapAt("stale-1", time.Now().Add(-10*time.Minute)))
	c.Put("stale-2", snapAt("stale-2", time.Now().Add(-1*time.Hour)))

	removed := c.SweepExpired(5 * time.Minute)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("fresh")
	assert.True(t, ok)
}

func TestChangedPolicies(t *testing.T) {
	c := New(100, zap.NewNop())
	inv := "blob-a"
	ec := "ec-a"
	cached := &types.Snapshot{ID: "e-1", Inventory: &inv, Enderchest: &ec, XP: 10, Health: 20, Hunger: 20, Saturation: 5, LastUpdated: time.Now()}
	c.Put("e-1", cached)

	same := cached.Clone()
	assert.False(t, c.Changed("e-1", same, PolicyQuick))
	assert.False(t, c.Changed("e-1", same, PolicyStrict))

	// Enderchest-only delta: invisible to quick, visible to strict.
	ecChanged := cached.Clone()
	newEC := "ec-b"
	ecChanged.Enderchest = &newEC
	assert.False(t, c.Changed("e-1", ecChanged, PolicyQuick))
	assert.True(t, c.Changed("e-1", ecChanged, PolicyStrict))

	// Absent entry always counts as changed.
	assert.True(t, c.Changed("unknown", same, PolicyQuick))

	hits, misses := c.Stats()
	assert.Equal(t, int64(3), hits)
	assert.Equal(t, int64(2), misses)
}

func TestConcurrentAccess(t *testing.T) {
	c := New(64, zap.NewNop())
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := types.EntityID(fmt.Sprintf("e-%d-%d", g, i%32))
				c.Put(id, snapAt(string(id), time.Now()))
				c.Get(id)
				c.Changed(id, snapAt(string(id), time.Now()), PolicyQuick)
				if i%50 == 0 {
					c.SweepExpired(time.Minute)
				}
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 64)
}
