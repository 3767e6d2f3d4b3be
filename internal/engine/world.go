package engine

import (
	"bytes"
	"slices"
	"sync"

	"github.com/roach88/scenehost/internal/ir"
)

// WorldModel is the renderer side of the host. It receives every accepted
// component change of scene and peer namespaces and reports where the
// player stands.
//
// Apply is called from the host loop only.
type WorldModel interface {
	Apply(ref ir.EntityRef, component ir.ComponentID, payload []byte, tombstone bool)
	PlayerPosition() ir.Parcel
}

// WorldEntry is one live component in a MemWorld.
type WorldEntry struct {
	Ref       ir.EntityRef
	Component ir.ComponentID
	Payload   []byte
}

// MemWorld is an in-memory WorldModel. It is what headless runs and tests
// render into.
type MemWorld struct {
	mu       sync.Mutex
	entities map[ir.EntityRef]map[ir.ComponentID][]byte
	position ir.Parcel
	applied  int
}

// NewMemWorld creates an empty world with the player at start.
func NewMemWorld(start ir.Parcel) *MemWorld {
	return &MemWorld{
		entities: make(map[ir.EntityRef]map[ir.ComponentID][]byte),
		position: start,
	}
}

// Apply implements WorldModel. Entity generations are tracked by the
// reconciler; the world keys on the full entity value.
func (w *MemWorld) Apply(ref ir.EntityRef, component ir.ComponentID, payload []byte, tombstone bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.applied++
	if tombstone {
		comps := w.entities[ref]
		delete(comps, component)
		if len(comps) == 0 {
			delete(w.entities, ref)
		}
		return
	}
	comps, ok := w.entities[ref]
	if !ok {
		comps = make(map[ir.ComponentID][]byte)
		w.entities[ref] = comps
	}
	comps[component] = bytes.Clone(payload)
}

// PlayerPosition implements WorldModel.
func (w *MemWorld) PlayerPosition() ir.Parcel {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.position
}

// SetPlayerPosition moves the player, as a renderer would on user input.
// The host picks it up on its next frame.
func (w *MemWorld) SetPlayerPosition(p ir.Parcel) {
	w.mu.Lock()
	w.position = p
	w.mu.Unlock()
}

// Get returns a component's payload.
func (w *MemWorld) Get(ref ir.EntityRef, component ir.ComponentID) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.entities[ref][component]
	return bytes.Clone(p), ok
}

// Has reports whether any component of ref is live.
func (w *MemWorld) Has(ref ir.EntityRef) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entities[ref]) > 0
}

// Entries returns every live component sorted by namespace, entity and
// component.
func (w *MemWorld) Entries() []WorldEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []WorldEntry
	for ref, comps := range w.entities {
		for c, p := range comps {
			out = append(out, WorldEntry{Ref: ref, Component: c, Payload: bytes.Clone(p)})
		}
	}
	slices.SortFunc(out, func(a, b WorldEntry) int {
		switch {
		case a.Ref.Namespace != b.Ref.Namespace:
			if a.Ref.Namespace < b.Ref.Namespace {
				return -1
			}
			return 1
		case a.Ref.Entity != b.Ref.Entity:
			if a.Ref.Entity < b.Ref.Entity {
				return -1
			}
			return 1
		case a.Component < b.Component:
			return -1
		case a.Component > b.Component:
			return 1
		}
		return 0
	})
	return out
}

// Namespace returns the live entries of one namespace.
func (w *MemWorld) Namespace(ns ir.Namespace) []WorldEntry {
	var out []WorldEntry
	for _, e := range w.Entries() {
		if e.Ref.Namespace == ns {
			out = append(out, e)
		}
	}
	return out
}

// Applied returns how many changes the world has received.
func (w *MemWorld) Applied() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applied
}
