package types

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// EntityID is the stable opaque identifier for a synchronized entity.
// It is the sole key for snapshots, cache entries and backend records.
type EntityID string

// NewEntityID returns a fresh random EntityID.
func NewEntityID() EntityID {
	return EntityID(uuid.NewString())
}

func (id EntityID) String() string { return string(id) }

// Comparison tolerances. Strict equality uses the fine epsilon for both
// float fields; quick equality uses a deliberately coarser health
// tolerance and skips enderchest and saturation entirely.
const (
	strictFloatEpsilon   = 0.1
	quickHealthTolerance = 0.5
)

// Snapshot is the complete last-known state bundle for one entity. A
// snapshot is owned by whichever component produced it and is copied,
// never aliased, when it crosses goroutines.
type Snapshot struct {
	ID          EntityID  `bson:"uuid" json:"uuid"`
	Inventory   *string   `bson:"inventory,omitempty" json:"inventory,omitempty"`
	Enderchest  *string   `bson:"enderchest,omitempty" json:"enderchest,omitempty"`
	XP          int       `bson:"xp" json:"xp"`
	Health      float64   `bson:"health" json:"health"`
	Hunger      int       `bson:"hunger" json:"hunger"`
	Saturation  float64   `bson:"saturation" json:"saturation"`
	LastUpdated time.Time `bson:"last_updated" json:"last_updated"`
}

// NewSnapshot returns an empty snapshot for id stamped with the current time.
func NewSnapshot(id EntityID) *Snapshot {
	return &Snapshot{ID: id, LastUpdated: time.Now()}
}

// Equal reports strict equality: every synchronized field must match,
// floats within a small epsilon. Used when correctness matters more
// than write avoidance.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.XP == o.XP &&
		s.Hunger == o.Hunger &&
		math.Abs(s.Health-o.Health) < strictFloatEpsilon &&
		math.Abs(s.Saturation-o.Saturation) < strictFloatEpsilon &&
		blobEqual(s.Inventory, o.Inventory) &&
		blobEqual(s.Enderchest, o.Enderchest)
}

// QuickEqual reports tolerant equality, checked in priority order:
// inventory blob (exact), experience (exact), hunger (exact), health
// (coarse tolerance). Enderchest and saturation are intentionally not
// compared: this trades possible missed small deltas for fewer
// redundant writes. Callers are expected to bound the drift with a
// periodic strict-equality reconciliation pass.
func (s *Snapshot) QuickEqual(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if !blobEqual(s.Inventory, o.Inventory) {
		return false
	}
	if s.XP != o.XP {
		return false
	}
	if s.Hunger != o.Hunger {
		return false
	}
	return math.Abs(s.Health-o.Health) <= quickHealthTolerance
}

func blobEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	if s.Inventory != nil {
		inv := *s.Inventory
		c.Inventory = &inv
	}
	if s.Enderchest != nil {
		ec := *s.Enderchest
		c.Enderchest = &ec
	}
	return &c
}

// Touch stamps LastUpdated with the current time.
func (s *Snapshot) Touch() { s.LastUpdated = time.Now() }

// Expired reports whether the snapshot is older than maxAge.
func (s *Snapshot) Expired(maxAge time.Duration) bool {
	return time.Since(s.LastUpdated) > maxAge
}

// WriteOp is a pending upsert of one snapshot, keyed by entity id.
// Multiple pending ops for the same id are equivalent to "replace with
// latest"; the batch coalescer collapses them before the bulk call.
type WriteOp struct {
	ID       EntityID
	Snapshot *Snapshot
}

// SyncOptions selects which attributes participate in snapshot
// extraction and application. Disabled fields are neither read from the
// live state nor written back to it.
type SyncOptions struct {
	XP         bool `yaml:"xp" json:"xp"`
	Inventory  bool `yaml:"inventory" json:"inventory"`
	Enderchest bool `yaml:"enderchest" json:"enderchest"`
	Health     bool `yaml:"health" json:"health"`
	Hunger     bool `yaml:"hunger" json:"hunger"`
}

// DefaultSyncOptions enables every attribute.
func DefaultSyncOptions() SyncOptions {
	return SyncOptions{XP: true, Inventory: true, Enderchest: true, Health: true, Hunger: true}
}
