package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nuvalabs/playersync/codec"
	"github.com/nuvalabs/playersync/internal/pool"
	"github.com/nuvalabs/playersync/types"
)

func newTestExtractor(t *testing.T) *extractor {
	t.Helper()
	p := pool.New("serialization", pool.Config{Workers: 2, QueueSize: 8}, zap.NewNop())
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return newExtractor(codec.NewEncoder(16, 0), p, zap.NewNop())
}

func TestSnapshotRoundTrip(t *testing.T) {
	ex := newTestExtractor(t)
	ctx := context.Background()
	opts := types.DefaultSyncOptions()

	src := testState("e-1")
	snap := ex.snapshot(ctx, src, opts)

	require.NotNil(t, snap.Inventory)
	require.NotNil(t, snap.Enderchest)
	assert.Equal(t, 100, snap.XP)
	assert.Equal(t, 18.0, snap.Health)
	assert.Equal(t, 17, snap.Hunger)
	assert.InDelta(t, 4.5, snap.Saturation, 0.001)
	assert.False(t, snap.LastUpdated.IsZero())

	dst := &types.EntityState{ID: "e-1", MaxHealth: 20}
	require.NoError(t, ex.apply(ctx, snap, dst, opts))
	assert.Equal(t, src.XP, dst.XP)
	assert.Equal(t, src.Health, dst.Health)
	assert.Equal(t, src.Hunger, dst.Hunger)
	require.Len(t, dst.Inventory, 2)
	assert.Equal(t, []byte("sword"), dst.Inventory[0].Payload)
	assert.True(t, dst.Inventory[1].Empty())
	require.Len(t, dst.Enderchest, 1)
	assert.Equal(t, []byte("gold"), dst.Enderchest[0].Payload)
}

func TestSnapshotHonorsToggles(t *testing.T) {
	ex := newTestExtractor(t)
	ctx := context.Background()

	src := testState("e-1")
	snap := ex.snapshot(ctx, src, types.SyncOptions{XP: true})

	assert.Equal(t, 100, snap.XP)
	assert.Nil(t, snap.Inventory)
	assert.Nil(t, snap.Enderchest)
	assert.Zero(t, snap.Health)
	assert.Zero(t, snap.Hunger)
}

func TestApplyHonorsToggles(t *testing.T) {
	ex := newTestExtractor(t)
	ctx := context.Background()

	snap := ex.snapshot(ctx, testState("e-1"), types.DefaultSyncOptions())

	dst := &types.EntityState{ID: "e-1", XP: 5, Hunger: 3, MaxHealth: 20}
	require.NoError(t, ex.apply(ctx, snap, dst, types.SyncOptions{Inventory: true}))

	// Only the inventory travels; scalars keep their live values.
	assert.Equal(t, 5, dst.XP)
	assert.Equal(t, 3, dst.Hunger)
	require.Len(t, dst.Inventory, 2)
}

func TestSaturationTravelsWithHungerToggle(t *testing.T) {
	ex := newTestExtractor(t)
	ctx := context.Background()

	src := testState("e-1")

	snap := ex.snapshot(ctx, src, types.SyncOptions{Health: true})
	assert.Equal(t, 18.0, snap.Health)
	assert.Zero(t, snap.Saturation)

	snap = ex.snapshot(ctx, src, types.SyncOptions{Hunger: true})
	assert.Equal(t, 17, snap.Hunger)
	assert.InDelta(t, 4.5, snap.Saturation, 0.001)

	dst := &types.EntityState{ID: "e-1", Saturation: 1.0, MaxHealth: 20}
	require.NoError(t, ex.apply(ctx, snap, dst, types.SyncOptions{Health: true}))
	assert.InDelta(t, 1.0, dst.Saturation, 0.001)

	require.NoError(t, ex.apply(ctx, snap, dst, types.SyncOptions{Hunger: true}))
	assert.InDelta(t, 4.5, dst.Saturation, 0.001)
}

func TestApplyClampsHealthToMax(t *testing.T) {
	ex := newTestExtractor(t)
	ctx := context.Background()

	snap := &types.Snapshot{ID: "e-1", Health: 35}
	dst := &types.EntityState{ID: "e-1", MaxHealth: 20}
	require.NoError(t, ex.apply(ctx, snap, dst, types.SyncOptions{Health: true}))
	assert.Equal(t, 20.0, dst.Health)

	snap.Health = -4
	require.NoError(t, ex.apply(ctx, snap, dst, types.SyncOptions{Health: true}))
	assert.Equal(t, 0.0, dst.Health)
}

func TestApplyCorruptBlobLeavesFieldUntouched(t *testing.T) {
	ex := newTestExtractor(t)
	ctx := context.Background()

	garbage := "!!corrupt!!"
	snap := &types.Snapshot{ID: "e-1", XP: 42, Inventory: &garbage}

	dst := &types.EntityState{ID: "e-1", Inventory: []types.Slot{{Payload: []byte("keep")}}}
	err := ex.apply(ctx, snap, dst, types.DefaultSyncOptions())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrSerialization))

	// Scalars still applied, the corrupt section untouched.
	assert.Equal(t, 42, dst.XP)
	require.Len(t, dst.Inventory, 1)
	assert.Equal(t, []byte("keep"), dst.Inventory[0].Payload)
}

func TestSnapshotNilSlicesStayAbsent(t *testing.T) {
	ex := newTestExtractor(t)
	snap := ex.snapshot(context.Background(), &types.EntityState{ID: "e-1", Health: 10, MaxHealth: 20}, types.DefaultSyncOptions())
	assert.Nil(t, snap.Inventory)
	assert.Nil(t, snap.Enderchest)
}
