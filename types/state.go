package types

// Slot is one position in an ordered, possibly sparse inventory. The
// payload is opaque to the engine; an empty payload marks an empty slot.
type Slot struct {
	Payload []byte
}

// Empty reports whether the slot holds no item.
func (s Slot) Empty() bool { return len(s.Payload) == 0 }

// EntityState is the live, mutable state bundle for an active entity.
// It is owned by the host runtime; the engine reads it during snapshot
// extraction and writes it during snapshot application. The host must
// not mutate it concurrently with a blocking load or save for the same
// entity.
type EntityState struct {
	ID         EntityID
	Inventory  []Slot
	Enderchest []Slot
	XP         int
	Health     float64
	MaxHealth  float64
	Hunger     int
	Saturation float64
}

// CloneSlots returns a deep copy of a slot array.
func CloneSlots(slots []Slot) []Slot {
	if slots == nil {
		return nil
	}
	out := make([]Slot, len(slots))
	for i, s := range slots {
		if len(s.Payload) > 0 {
			out[i].Payload = append([]byte(nil), s.Payload...)
		}
	}
	return out
}
