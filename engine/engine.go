// Package engine implements the player-state synchronization engine:
// change-aware snapshot caching, dual-path persistence (blocking for
// lifecycle edges, coalesced async for steady state), adaptive
// autosave and crash-stall protection.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nuvalabs/playersync/cache"
	"github.com/nuvalabs/playersync/codec"
	"github.com/nuvalabs/playersync/config"
	"github.com/nuvalabs/playersync/internal/pool"
	"github.com/nuvalabs/playersync/store"
	"github.com/nuvalabs/playersync/types"
)

// entityEntry tracks one registered entity: its live state, the save
// rate limiter and a sequence counter that schedules strict
// reconciliation passes.
type entityEntry struct {
	state   *types.EntityState
	limiter *rate.Limiter
	saveSeq atomic.Uint64
}

// Engine owns the synchronization pipeline. Construct with New, launch
// the background loops with Start, and always finish with Shutdown so
// pending writes reach the backend.
type Engine struct {
	cfg    *config.Store
	st     store.Store
	logger *zap.Logger

	cache     *cache.Cache
	enc       *codec.Encoder
	extractor *extractor

	persistPool *pool.Pool
	serialPool  *pool.Pool

	coal  *coalescer
	sup   *supervisor
	saver *autosaver

	loads   singleflight.Group
	entries sync.Map // types.EntityID -> *entityEntry
	active  atomic.Int64

	metrics *metrics
	closed  atomic.Bool
}

// New assembles an engine from its configuration, backend store and
// observability hooks. reg may be nil when metrics are not scraped.
func New(cfgStore *config.Store, st store.Store, logger *zap.Logger, reg prometheus.Registerer) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := cfgStore.Load()

	m := newMetrics(reg)
	enc := codec.NewEncoder(cfg.Codec.MemoCapacity, cfg.Codec.MaxCachedBlobLen)
	serialPool := pool.New("serialization", cfg.Serialization, logger)
	persistPool := pool.New("persistence", cfg.Persistence, logger)

	e := &Engine{
		cfg:         cfgStore,
		st:          st,
		logger:      logger.With(zap.String("component", "sync_engine")),
		cache:       cache.New(cfg.Cache.Capacity, logger),
		enc:         enc,
		extractor:   newExtractor(enc, serialPool, logger),
		persistPool: persistPool,
		serialPool:  serialPool,
		metrics:     m,
	}

	e.coal = newCoalescer(st, cfg.Batch.Threshold, cfg.Batch.MaxWait, cfg.Engine.SaveTimeout, logger, m)

	if cfg.CrashProtection.Enabled {
		e.sup = newSupervisor(
			cfg.CrashProtection.ProbeInterval,
			cfg.CrashProtection.LagThreshold,
			cfg.CrashProtection.Cooldown,
			cfg.Engine.SaveTimeout,
			cfg.CrashProtection.Retry,
			e.collectStates,
			e.persistState,
			logger, m,
		)
	}

	if cfg.Autosave.Enabled {
		e.saver = newAutosaver(
			cfg.Autosave.Interval,
			cfg.Autosave.HighLoadThreshold,
			cfg.Autosave.HighLoadInterval,
			cfg.Autosave.BulkThreshold,
			func() int { return int(e.active.Load()) },
			e.sweepAll,
			func() int { return e.cache.SweepExpired(cfg.Cache.TTL) },
			logger, m,
		)
	}

	return e
}

// Start launches the coalescer timer, crash supervisor and autosaver.
func (e *Engine) Start() {
	e.coal.start()
	if e.sup != nil {
		e.sup.start()
	}
	if e.saver != nil {
		e.saver.start()
	}
	e.logger.Info("sync engine started",
		zap.Int("cache_capacity", e.cfg.Load().Cache.Capacity),
		zap.Int("batch_threshold", e.cfg.Load().Batch.Threshold))
}

// Register tracks a live entity state. Subsequent Save calls for the
// same id reuse the registration; registering an id twice replaces the
// tracked state pointer.
func (e *Engine) Register(state *types.EntityState) {
	cooldown := e.cfg.Load().Engine.SaveCooldown
	entry := &entityEntry{
		state:   state,
		limiter: rate.NewLimiter(rate.Every(cooldown), 1),
	}
	if _, loaded := e.entries.Swap(state.ID, entry); !loaded {
		e.active.Add(1)
	}
}

// Deregister stops tracking the entity. Its cached snapshot survives so
// a quick reconnect can still skip an unchanged write.
func (e *Engine) Deregister(id types.EntityID) {
	if _, loaded := e.entries.LoadAndDelete(id); loaded {
		e.active.Add(-1)
	}
}

// Evict removes the entity from both the registry and the cache.
func (e *Engine) Evict(id types.EntityID) {
	e.Deregister(id)
	e.cache.Remove(id)
}

// LoadBlocking fetches the snapshot for id, preferring the cache. The
// second return is false when no snapshot exists anywhere, which is a
// normal first-connect condition, not an error. Concurrent loads for
// the same id share one backend query.
func (e *Engine) LoadBlocking(ctx context.Context, id types.EntityID) (*types.Snapshot, bool, error) {
	if e.closed.Load() {
		return nil, false, types.NewError(types.ErrShutdown, "engine is shut down")
	}

	if snap, ok := e.cache.Get(id); ok && !snap.Expired(e.cfg.Load().Cache.TTL) {
		e.metrics.loadsTotal.WithLabelValues(sourceCache).Inc()
		return snap, true, nil
	}

	v, err, _ := e.loads.Do(string(id), func() (any, error) {
		loadCtx, cancel := context.WithTimeout(ctx, e.cfg.Load().Engine.LoadTimeout)
		defer cancel()

		snap, err := e.st.Find(loadCtx, id)
		if err != nil {
			return nil, err
		}
		e.cache.Put(id, snap)
		return snap, nil
	})

	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.metrics.loadsTotal.WithLabelValues(sourceMiss).Inc()
			return nil, false, nil
		}
		e.metrics.loadFailures.Inc()
		return nil, false, err
	}

	e.metrics.loadsTotal.WithLabelValues(sourceBackend).Inc()
	return v.(*types.Snapshot), true, nil
}

// Load fetches the snapshot for id asynchronously and, when the entity
// is registered, applies it to the live state on a persistence worker.
func (e *Engine) Load(ctx context.Context, id types.EntityID) {
	e.persistPool.Submit(ctx, func(ctx context.Context) error {
		snap, found, err := e.LoadBlocking(ctx, id)
		if err != nil {
			e.logger.Error("async load failed",
				zap.String("entity", string(id)),
				zap.Error(err))
			return err
		}
		if !found {
			return nil
		}
		if entry, ok := e.lookup(id); ok {
			opts := e.cfg.Load().Sync
			if applyErr := e.extractor.apply(ctx, snap, entry.state, opts); applyErr != nil {
				e.logger.Warn("snapshot applied partially",
					zap.String("entity", string(id)),
					zap.Error(applyErr))
			}
		}
		return nil
	})
}

// Save queues an asynchronous, change-aware save of the entity state.
// The write is skipped when the entity saved within the cooldown window
// or when the snapshot matches the cached one. Every ReconcileEvery-th
// save per entity compares strictly so deltas the quick policy ignores
// still reach the backend.
func (e *Engine) Save(ctx context.Context, state *types.EntityState) error {
	if e.closed.Load() {
		return types.NewError(types.ErrShutdown, "engine is shut down")
	}

	entry, ok := e.lookup(state.ID)
	if !ok {
		e.Register(state)
		entry, _ = e.lookup(state.ID)
	}

	if !entry.limiter.Allow() {
		e.metrics.savesSkipped.WithLabelValues(skipCooldown).Inc()
		return nil
	}

	cfg := e.cfg.Load()
	e.persistPool.Submit(ctx, func(ctx context.Context) error {
		snap := e.extractor.snapshot(ctx, state, cfg.Sync)

		policy := cache.PolicyQuick
		if seq := entry.saveSeq.Add(1); seq%cfg.Engine.ReconcileEvery == 0 {
			policy = cache.PolicyStrict
		}
		if !e.cache.Changed(state.ID, snap, policy) {
			e.metrics.savesSkipped.WithLabelValues(skipUnchanged).Inc()
			return nil
		}

		e.cache.Put(state.ID, snap)
		e.coal.enqueue(types.WriteOp{ID: state.ID, Snapshot: snap})
		e.metrics.savesTotal.WithLabelValues(pathAsync).Inc()
		return nil
	})
	return nil
}

// SaveBlocking persists the entity state synchronously, bypassing the
// cooldown and change detection. The cache is updated before the
// backend write so a load racing the save observes the newest state
// even if the write is still in flight.
func (e *Engine) SaveBlocking(ctx context.Context, state *types.EntityState) error {
	if e.closed.Load() {
		return types.NewError(types.ErrShutdown, "engine is shut down")
	}

	cfg := e.cfg.Load()
	snap := e.extractor.snapshot(ctx, state, cfg.Sync)
	e.cache.Put(state.ID, snap)

	saveCtx, cancel := context.WithTimeout(ctx, cfg.Engine.SaveTimeout)
	defer cancel()

	if err := e.st.Upsert(saveCtx, snap); err != nil {
		e.metrics.saveFailures.Inc()
		return err
	}
	e.metrics.savesTotal.WithLabelValues(pathSync).Inc()
	return nil
}

// SaveBulk persists the named registered entities in one unordered bulk
// write. Unregistered ids are skipped.
func (e *Engine) SaveBulk(ctx context.Context, ids []types.EntityID) error {
	if e.closed.Load() {
		return types.NewError(types.ErrShutdown, "engine is shut down")
	}

	cfg := e.cfg.Load()
	snaps := make([]*types.Snapshot, 0, len(ids))
	for _, id := range ids {
		entry, ok := e.lookup(id)
		if !ok {
			continue
		}
		snap := e.extractor.snapshot(ctx, entry.state, cfg.Sync)
		snaps = append(snaps, snap)
	}
	if len(snaps) == 0 {
		return nil
	}

	saveCtx, cancel := context.WithTimeout(ctx, cfg.Engine.SaveTimeout)
	defer cancel()

	if err := e.st.BulkUpsert(saveCtx, snaps); err != nil {
		e.metrics.saveFailures.Inc()
		return err
	}
	for _, snap := range snaps {
		e.cache.Put(snap.ID, snap)
	}
	e.metrics.savesTotal.WithLabelValues(pathBulk).Add(float64(len(snaps)))
	return nil
}

// TriggerEmergencySave asks the crash supervisor for an immediate sweep,
// subject to its cooldown and single-flight guard. No-op when crash
// protection is disabled.
func (e *Engine) TriggerEmergencySave(reason string) {
	if e.sup != nil {
		e.sup.Trigger(reason)
	}
}

// Shutdown stops the background loops, saves every registered entity
// and drains the write coalescer. The engine rejects new work afterward.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}
	e.logger.Info("sync engine shutting down", zap.Int64("active", e.active.Load()))

	if e.saver != nil {
		e.saver.close()
	}
	if e.sup != nil {
		e.sup.close()
	}

	bulk := int(e.active.Load()) >= e.cfg.Load().Autosave.BulkThreshold
	if saved, err := e.sweepAll(ctx, bulk); err != nil {
		e.logger.Error("final save sweep failed", zap.Error(err))
	} else if saved > 0 {
		e.logger.Info("final save sweep completed", zap.Int("saved", saved))
	}

	if err := e.coal.close(ctx); err != nil {
		e.logger.Error("coalescer drain failed", zap.Error(err))
	}
	if err := e.persistPool.Close(ctx); err != nil {
		return err
	}
	if err := e.serialPool.Close(ctx); err != nil {
		return err
	}

	e.logger.Info("sync engine stopped")
	return nil
}

// Stats is a point-in-time view of engine health.
type Stats struct {
	Active       int64      `json:"active"`
	CacheEntries int        `json:"cache_entries"`
	CacheHits    int64      `json:"cache_hits"`
	CacheMisses  int64      `json:"cache_misses"`
	PendingOps   int        `json:"pending_ops"`
	Stalls       int64      `json:"stalls"`
	MemoHits     int64      `json:"memo_hits"`
	MemoMisses   int64      `json:"memo_misses"`
	Persistence  pool.Stats `json:"persistence"`
	Serializer   pool.Stats `json:"serializer"`
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	hits, misses := e.cache.Stats()
	memoHits, memoMisses := e.enc.MemoStats()
	s := Stats{
		Active:       e.active.Load(),
		CacheEntries: e.cache.Len(),
		CacheHits:    hits,
		CacheMisses:  misses,
		PendingOps:   e.coal.depth(),
		MemoHits:     memoHits,
		MemoMisses:   memoMisses,
		Persistence:  e.persistPool.Stats(),
		Serializer:   e.serialPool.Stats(),
	}
	if e.sup != nil {
		s.Stalls = e.sup.Stalls()
	}
	return s
}

func (e *Engine) lookup(id types.EntityID) (*entityEntry, bool) {
	v, ok := e.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entityEntry), true
}

// collectStates lists every registered live state for the supervisor.
func (e *Engine) collectStates() []*types.EntityState {
	var states []*types.EntityState
	e.entries.Range(func(_, v any) bool {
		states = append(states, v.(*entityEntry).state)
		return true
	})
	return states
}

// persistState is the direct write path used during emergency saves:
// extract, cache and upsert with no cooldown or change detection.
func (e *Engine) persistState(ctx context.Context, state *types.EntityState) error {
	snap := e.extractor.snapshot(ctx, state, e.cfg.Load().Sync)
	e.cache.Put(state.ID, snap)
	if err := e.st.Upsert(ctx, snap); err != nil {
		e.metrics.saveFailures.Inc()
		return err
	}
	e.metrics.savesTotal.WithLabelValues(pathEmergency).Inc()
	return nil
}

// sweepAll saves every registered entity, as one bulk write when bulk
// is set, otherwise as parallel individual writes.
func (e *Engine) sweepAll(ctx context.Context, bulk bool) (int, error) {
	states := e.collectStates()
	if len(states) == 0 {
		return 0, nil
	}
	cfg := e.cfg.Load()

	if bulk {
		snaps := make([]*types.Snapshot, 0, len(states))
		for _, state := range states {
			snaps = append(snaps, e.extractor.snapshot(ctx, state, cfg.Sync))
		}

		saveCtx, cancel := context.WithTimeout(ctx, cfg.Engine.SaveTimeout)
		defer cancel()
		if err := e.st.BulkUpsert(saveCtx, snaps); err != nil {
			e.metrics.saveFailures.Inc()
			return 0, err
		}
		for _, snap := range snaps {
			e.cache.Put(snap.ID, snap)
		}
		e.metrics.savesTotal.WithLabelValues(pathAutosave).Add(float64(len(snaps)))
		return len(snaps), nil
	}

	var saved atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(emergencyConcurrency)
	for _, state := range states {
		state := state
		g.Go(func() error {
			snap := e.extractor.snapshot(ctx, state, cfg.Sync)

			saveCtx, cancel := context.WithTimeout(ctx, cfg.Engine.SaveTimeout)
			defer cancel()
			if err := e.st.Upsert(saveCtx, snap); err != nil {
				e.metrics.saveFailures.Inc()
				e.logger.Warn("autosave write failed",
					zap.String("entity", string(state.ID)),
					zap.Error(err))
				return nil
			}
			e.cache.Put(state.ID, snap)
			saved.Add(1)
			e.metrics.savesTotal.WithLabelValues(pathAutosave).Inc()
			return nil
		})
	}
	_ = g.Wait()
	return int(saved.Load()), nil
}
