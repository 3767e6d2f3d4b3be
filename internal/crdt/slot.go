package crdt

import (
	"bytes"
	"cmp"
	"slices"

	"github.com/roach88/scenehost/internal/ir"
)

// GrowOnlyCapacity bounds the values kept per grow-only slot. The lowest
// ordered values are dropped first.
const GrowOnlyCapacity = 100

// Slot is the merged state of one component on one entity.
type Slot struct {
	Generation uint16
	Timestamp  ir.Timestamp
	Actor      ir.ActorID
	Tombstone  bool
	Payload    []byte

	// GrowOnly slots carry their values here; Payload is unused.
	GrowOnly bool
	Values   []Value

	// Cleared is the timestamp watermark of the latest DeleteComponent on a
	// grow-only slot. Values at or below it are discarded.
	Cleared    ir.Timestamp
	HasCleared bool
}

// Live reports whether the slot currently holds data.
func (s *Slot) Live() bool {
	if s.GrowOnly {
		return len(s.Values) > 0
	}
	return !s.Tombstone
}

// Value is one element of a grow-only set.
type Value struct {
	Timestamp ir.Timestamp
	Actor     ir.ActorID
	Payload   []byte
}

// write is the order key of an incoming last-writer-wins write.
type write struct {
	ts        ir.Timestamp
	actor     ir.ActorID
	tombstone bool
	payload   []byte
}

// compareWrites orders two writes by (timestamp, actor, tombstone, payload).
// A tombstone outranks a value at equal (timestamp, actor).
func compareWrites(a, b write) int {
	if c := cmp.Compare(a.ts, b.ts); c != 0 {
		return c
	}
	if c := cmp.Compare(a.actor, b.actor); c != 0 {
		return c
	}
	if a.tombstone != b.tombstone {
		if a.tombstone {
			return 1
		}
		return -1
	}
	return bytes.Compare(a.payload, b.payload)
}

func (s *Slot) key() write {
	return write{ts: s.Timestamp, actor: s.Actor, tombstone: s.Tombstone, payload: s.Payload}
}

func compareValues(a, b Value) int {
	return compareWrites(
		write{ts: a.Timestamp, actor: a.Actor, payload: a.Payload},
		write{ts: b.Timestamp, actor: b.Actor, payload: b.Payload},
	)
}

// insert adds v to the sorted set. It reports whether v is present after
// insertion (false for duplicates and for values trimmed by the capacity).
func (s *Slot) insert(v Value) bool {
	i, found := slices.BinarySearchFunc(s.Values, v, compareValues)
	if found {
		return false
	}
	s.Values = slices.Insert(s.Values, i, v)
	if len(s.Values) > GrowOnlyCapacity {
		drop := len(s.Values) - GrowOnlyCapacity
		s.Values = slices.Delete(s.Values, 0, drop)
		return i >= drop
	}
	return true
}

// clear drops every value at or below ts and raises the watermark.
func (s *Slot) clear(ts ir.Timestamp) bool {
	if s.HasCleared && ts <= s.Cleared {
		return false
	}
	s.HasCleared = true
	s.Cleared = ts
	s.Values = slices.DeleteFunc(s.Values, func(v Value) bool { return v.Timestamp <= ts })
	return true
}

// clone copies the slot. Empty slices are normalised to nil so that equal
// states compare equal regardless of how they were reached.
func (s *Slot) clone() Slot {
	c := *s
	c.Payload = nil
	if len(s.Payload) > 0 {
		c.Payload = slices.Clone(s.Payload)
	}
	c.Values = nil
	if len(s.Values) > 0 {
		c.Values = slices.Clone(s.Values)
	}
	return c
}
