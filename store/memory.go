package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nuvalabs/playersync/types"
)

// MemoryStore is a map-backed Store for tests and single-process use.
// Snapshots are cloned on the way in and out.
type MemoryStore struct {
	mu     sync.RWMutex
	snaps  map[types.EntityID]*types.Snapshot
	closed atomic.Bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[types.EntityID]*types.Snapshot)}
}

// Upsert implements Store.
func (m *MemoryStore) Upsert(ctx context.Context, snap *types.Snapshot) error {
	if m.closed.Load() {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.snaps[snap.ID] = snap.Clone()
	m.mu.Unlock()
	return nil
}

// BulkUpsert implements Store. Later entries for the same id win.
func (m *MemoryStore) BulkUpsert(ctx context.Context, snaps []*types.Snapshot) error {
	if m.closed.Load() {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	for _, snap := range snaps {
		m.snaps[snap.ID] = snap.Clone()
	}
	m.mu.Unlock()
	return nil
}

// Find implements Store.
func (m *MemoryStore) Find(ctx context.Context, id types.EntityID) (*types.Snapshot, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	snap, ok := m.snaps[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return snap.Clone(), nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, id types.EntityID) error {
	if m.closed.Load() {
		return ErrStoreClosed
	}
	m.mu.Lock()
	delete(m.snaps, id)
	m.mu.Unlock()
	return nil
}

// Exists implements Store.
func (m *MemoryStore) Exists(ctx context.Context, id types.EntityID) (bool, error) {
	if m.closed.Load() {
		return false, ErrStoreClosed
	}
	m.mu.RLock()
	_, ok := m.snaps[id]
	m.mu.RUnlock()
	return ok, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	if m.closed.Load() {
		return ErrStoreClosed
	}
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close(ctx context.Context) error {
	m.closed.Store(true)
	return nil
}

// Len reports the number of stored snapshots. Test helper.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snaps)
}
