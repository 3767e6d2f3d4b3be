package testutil

import (
	"bytes"
	"sync"

	"github.com/roach88/scenehost/internal/engine"
	"github.com/roach88/scenehost/internal/ir"
)

// WorldChange is one Apply call seen by a RecordingWorld.
type WorldChange struct {
	Ref       ir.EntityRef
	Component ir.ComponentID
	Payload   []byte
	Tombstone bool
}

// RecordingWorld is an engine.MemWorld that also keeps every change it is
// given until drained.
type RecordingWorld struct {
	*engine.MemWorld

	mu      sync.Mutex
	changes []WorldChange
}

// NewRecordingWorld creates an empty world with the player at start.
func NewRecordingWorld(start ir.Parcel) *RecordingWorld {
	return &RecordingWorld{MemWorld: engine.NewMemWorld(start)}
}

// Apply implements engine.WorldModel.
func (w *RecordingWorld) Apply(ref ir.EntityRef, component ir.ComponentID, payload []byte, tombstone bool) {
	w.MemWorld.Apply(ref, component, payload, tombstone)
	w.mu.Lock()
	w.changes = append(w.changes, WorldChange{
		Ref:       ref,
		Component: component,
		Payload:   bytes.Clone(payload),
		Tombstone: tombstone,
	})
	w.mu.Unlock()
}

// Pending reports how many changes are waiting to be drained.
func (w *RecordingWorld) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.changes)
}

// Drain returns the recorded changes in arrival order and forgets them.
func (w *RecordingWorld) Drain() []WorldChange {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.changes
	w.changes = nil
	return out
}
