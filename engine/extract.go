package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/nuvalabs/playersync/codec"
	"github.com/nuvalabs/playersync/internal/pool"
	"github.com/nuvalabs/playersync/types"
)

// extractor converts between live entity state and snapshots. Blob
// encoding runs on the serialization pool so a large inventory never
// stalls the calling goroutine's peers.
type extractor struct {
	enc    *codec.Encoder
	pool   *pool.Pool
	logger *zap.Logger
}

func newExtractor(enc *codec.Encoder, p *pool.Pool, logger *zap.Logger) *extractor {
	return &extractor{
		enc:    enc,
		pool:   p,
		logger: logger.With(zap.String("component", "extractor")),
	}
}

// snapshot builds a timestamped snapshot from the live state, honoring
// the sync toggles. A blob that fails to encode is left absent and
// logged; the remaining fields still travel, so one oversized inventory
// cannot block health and experience persistence.
func (e *extractor) snapshot(ctx context.Context, state *types.EntityState, opts types.SyncOptions) *types.Snapshot {
	snap := types.NewSnapshot(state.ID)

	if opts.XP {
		snap.XP = state.XP
	}
	if opts.Health {
		snap.Health = clampHealth(state.Health, state.MaxHealth)
	}
	if opts.Hunger {
		snap.Hunger = state.Hunger
		snap.Saturation = state.Saturation
	}
	if opts.Inventory {
		snap.Inventory = e.encodeSlots(ctx, state.ID, "inventory", state.Inventory)
	}
	if opts.Enderchest {
		snap.Enderchest = e.encodeSlots(ctx, state.ID, "enderchest", state.Enderchest)
	}
	return snap
}

// apply writes a snapshot back into the live state, honoring the sync
// toggles. Returns the first decode error; fields that decode cleanly
// are applied regardless.
func (e *extractor) apply(ctx context.Context, snap *types.Snapshot, state *types.EntityState, opts types.SyncOptions) error {
	if opts.XP {
		state.XP = snap.XP
	}
	if opts.Health {
		state.Health = clampHealth(snap.Health, state.MaxHealth)
	}
	if opts.Hunger {
		state.Hunger = snap.Hunger
		state.Saturation = snap.Saturation
	}

	var firstErr error
	if opts.Inventory && snap.Inventory != nil {
		if slots, err := e.decodeBlob(ctx, snap.ID, "inventory", *snap.Inventory); err != nil {
			firstErr = err
		} else {
			state.Inventory = slots
		}
	}
	if opts.Enderchest && snap.Enderchest != nil {
		if slots, err := e.decodeBlob(ctx, snap.ID, "enderchest", *snap.Enderchest); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			state.Enderchest = slots
		}
	}
	return firstErr
}

func (e *extractor) encodeSlots(ctx context.Context, id types.EntityID, section string, slots []types.Slot) *string {
	if slots == nil {
		return nil
	}

	var blob string
	err := e.pool.Do(ctx, func(ctx context.Context) error {
		var encErr error
		blob, encErr = e.enc.Encode(slots)
		return encErr
	})
	if err != nil {
		e.logger.Error("slot encoding failed, section omitted from snapshot",
			zap.String("entity", string(id)),
			zap.String("section", section),
			zap.Error(err))
		return nil
	}
	return &blob
}

func (e *extractor) decodeBlob(ctx context.Context, id types.EntityID, section string, blob string) ([]types.Slot, error) {
	var slots []types.Slot
	err := e.pool.Do(ctx, func(ctx context.Context) error {
		var decErr error
		slots, decErr = e.enc.Decode(blob)
		return decErr
	})
	if err != nil {
		e.logger.Error("slot decoding failed, section left untouched",
			zap.String("entity", string(id)),
			zap.String("section", section),
			zap.Error(err))
		return nil, err
	}
	return slots, nil
}

// clampHealth keeps restored health inside [0, max]. A zero max means
// the host did not report one, so the value passes through unclamped.
func clampHealth(health, max float64) float64 {
	if health < 0 {
		return 0
	}
	if max > 0 && health > max {
		return max
	}
	return health
}
