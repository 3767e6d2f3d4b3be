package content

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/scenehost/internal/ir"
)

// MemCatalog is an in-memory Catalog for tests and scenario runs.
type MemCatalog struct {
	mu     sync.RWMutex
	scenes map[ir.SceneID]*memScene
}

type memScene struct {
	manifest Manifest
	files    map[string][]byte
}

// NewMemCatalog creates an empty catalog.
func NewMemCatalog() *MemCatalog {
	return &MemCatalog{scenes: make(map[ir.SceneID]*memScene)}
}

// Add registers or replaces a scene.
func (c *MemCatalog) Add(m Manifest, files map[string][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m.Parcels = slices.Clone(m.Parcels)
	c.scenes[m.ID] = &memScene{manifest: m, files: maps.Clone(files)}
}

// Remove forgets a scene.
func (c *MemCatalog) Remove(id ir.SceneID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.scenes, id)
}

// Locate implements Catalog. Overlaps go to the scene whose id sorts first.
func (c *MemCatalog) Locate(_ context.Context, parcels []ir.Parcel) ([]Pointer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(c.scenes))
	var out []Pointer
	for _, p := range parcels {
		for _, id := range ids {
			if c.scenes[id].manifest.Covers(p) {
				out = append(out, Pointer{Parcel: p, Scene: id})
				break
			}
		}
	}
	return out, nil
}

// Resolve implements Catalog.
func (c *MemCatalog) Resolve(_ context.Context, id ir.SceneID) (*Manifest, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.scenes[id]
	if !ok {
		return nil, &ResolutionError{Scene: id, Err: ErrNotFound}
	}
	m := s.manifest
	m.Parcels = slices.Clone(m.Parcels)
	return &m, nil
}

// ReadFile implements Catalog.
func (c *MemCatalog) ReadFile(_ context.Context, id ir.SceneID, name string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.scenes[id]
	if !ok {
		return nil, &ResolutionError{Scene: id, File: name, Err: ErrNotFound}
	}
	data, ok := s.files[name]
	if !ok {
		return nil, &ResolutionError{Scene: id, File: name, Err: ErrNotFound}
	}
	return slices.Clone(data), nil
}
