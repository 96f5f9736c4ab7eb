package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func baseSnapshot() *Snapshot {
	return &Snapshot{
		ID:          "entity-1",
		Inventory:   strptr("inv-blob"),
		Enderchest:  strptr("ec-blob"),
		XP:          120,
		Health:      19.5,
		Hunger:      18,
		Saturation:  4.2,
		LastUpdated: time.Now(),
	}
}

func TestQuickEqualInventoryHasTopPriority(t *testing.T) {
	a := baseSnapshot()
	b := a.Clone()
	b.Inventory = strptr("different-blob")

	// Even with every other field identical, a differing inventory blob
	// must make the snapshots unequal.
	assert.False(t, a.QuickEqual(b))
	assert.False(t, b.QuickEqual(a))
}

func TestQuickEqualSkipsEnderchestAndSaturation(t *testing.T) {
	a := baseSnapshot()
	b := a.Clone()
	b.Enderchest = strptr("changed")
	b.Saturation = 0.0

	assert.True(t, a.QuickEqual(b), "enderchest and saturation are not part of tolerant comparison")
	assert.False(t, a.Equal(b), "strict comparison must still catch the delta")
}

func TestQuickEqualHealthTolerance(t *testing.T) {
	a := baseSnapshot()
	b := a.Clone()

	b.Health = a.Health + 0.4
	assert.True(t, a.QuickEqual(b))

	b.Health = a.Health + 0.6
	assert.False(t, a.QuickEqual(b))
}

func TestQuickEqualExactFields(t *testing.T) {
	a := baseSnapshot()

	b := a.Clone()
	b.XP++
	assert.False(t, a.QuickEqual(b))

	c := a.Clone()
	c.Hunger--
	assert.False(t, a.QuickEqual(c))
}

func TestStrictEqualEpsilon(t *testing.T) {
	a := baseSnapshot()
	b := a.Clone()

	b.Health = a.Health + 0.05
	b.Saturation = a.Saturation + 0.05
	assert.True(t, a.Equal(b))

	b.Saturation = a.Saturation + 0.2
	assert.False(t, a.Equal(b))
}

func TestEqualNilBlobs(t *testing.T) {
	a := baseSnapshot()
	b := a.Clone()
	b.Inventory = nil

	assert.False(t, a.Equal(b))
	assert.False(t, a.QuickEqual(b))

	a.Inventory = nil
	assert.True(t, a.QuickEqual(b))
}

func TestCloneIsDeep(t *testing.T) {
	a := baseSnapshot()
	b := a.Clone()
	require.NotSame(t, a, b)

	*b.Inventory = "mutated"
	b.XP = 999

	assert.Equal(t, "inv-blob", *a.Inventory)
	assert.Equal(t, 120, a.XP)
}

func TestExpired(t *testing.T) {
	s := baseSnapshot()
	assert.False(t, s.Expired(time.Minute))

	s.LastUpdated = time.Now().Add(-2 * time.Minute)
	assert.True(t, s.Expired(time.Minute))
}

func TestCloneSlots(t *testing.T) {
	slots := []Slot{{Payload: []byte("sword")}, {}, {Payload: []byte("shield")}}
	out := CloneSlots(slots)
	require.Len(t, out, 3)

	slots[0].Payload[0] = 'X'
	assert.Equal(t, []byte("sword"), out[0].Payload)
	assert.True(t, out[1].Empty())

	assert.Nil(t, CloneSlots(nil))
}
