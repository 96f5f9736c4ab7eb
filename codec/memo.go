package codec

import (
	"crypto/sha256"
	"sync"
	"sync/atomic"

	"github.com/nuvalabs/playersync/types"
)

// Encoder memoizes recent encodings so that unchanged inventories are
// not recompressed on every trigger event. The memo key is the SHA-256
// of the canonical uncompressed byte stream: with a 256-bit content
// hash a wrong cache hit is not a practical concern, so no exact
// comparison is performed on hit.
type Encoder struct {
	mu         sync.RWMutex
	entries    map[[sha256.Size]byte]string
	capacity   int
	maxBlobLen int

	hits   atomic.Int64
	misses atomic.Int64
}

// Memo cache defaults, matching the snapshot cache's order of magnitude.
const (
	DefaultMemoCapacity = 1000
	// Blobs longer than this are cheap to look up but expensive to hold;
	// they are encoded every time instead of cached.
	DefaultMaxCachedBlobLen = 10000
)

// NewEncoder creates a memoizing encoder. capacity <= 0 disables
// memoization entirely.
func NewEncoder(capacity, maxBlobLen int) *Encoder {
	if maxBlobLen <= 0 {
		maxBlobLen = DefaultMaxCachedBlobLen
	}
	e := &Encoder{capacity: capacity, maxBlobLen: maxBlobLen}
	if capacity > 0 {
		e.entries = make(map[[sha256.Size]byte]string, capacity)
	}
	return e
}

// Encode serializes slots, consulting the memo first.
func (e *Encoder) Encode(slots []types.Slot) (string, error) {
	raw, err := marshalSlots(slots)
	if err != nil {
		return "", err
	}
	if e.entries == nil {
		return deflate(raw)
	}

	key := sha256.Sum256(raw)

	e.mu.RLock()
	blob, ok := e.entries[key]
	e.mu.RUnlock()
	if ok {
		e.hits.Add(1)
		return blob, nil
	}
	e.misses.Add(1)

	blob, err = deflate(raw)
	if err != nil {
		return "", err
	}

	if len(blob) <= e.maxBlobLen {
		e.mu.Lock()
		if len(e.entries) >= e.capacity {
			// Random replacement: drop one arbitrary entry rather than
			// tracking recency for a cache this small.
			for k := range e.entries {
				delete(e.entries, k)
				break
			}
		}
		e.entries[key] = blob
		e.mu.Unlock()
	}

	return blob, nil
}

// Decode is a convenience passthrough so callers hold a single codec handle.
func (e *Encoder) Decode(blob string) ([]types.Slot, error) {
	return Decode(blob)
}

// MemoLen returns the current number of memoized encodings.
func (e *Encoder) MemoLen() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// MemoStats returns cumulative memo hit and miss counts.
func (e *Encoder) MemoStats() (hits, misses int64) {
	return e.hits.Load(), e.misses.Load()
}
