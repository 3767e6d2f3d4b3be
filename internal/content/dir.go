package content

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/roach88/scenehost/internal/ir"
)

// DirCatalog serves scenes from a directory: every sub-directory holding a
// scene.json is a scene whose id is the sub-directory name.
type DirCatalog struct {
	root   string
	logger *slog.Logger

	mu       sync.RWMutex
	scenes   map[ir.SceneID]*Manifest
	byParcel map[ir.Parcel]ir.SceneID
}

// DirOption configures a DirCatalog.
type DirOption func(*DirCatalog)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) DirOption {
	return func(c *DirCatalog) { c.logger = l }
}

// NewDirCatalog scans root and returns a catalog over it.
func NewDirCatalog(root string, opts ...DirOption) (*DirCatalog, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	c := &DirCatalog{root: abs, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

// Root returns the catalog directory.
func (c *DirCatalog) Root() string { return c.root }

// Dir returns the directory of a scene.
func (c *DirCatalog) Dir(id ir.SceneID) string {
	return filepath.Join(c.root, string(id))
}

// Refresh rescans the directory. Scenes with invalid manifests are logged
// and left out. When two scenes claim a parcel the one whose id sorts first
// keeps it.
func (c *DirCatalog) Refresh() error {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("scan %s: %w", c.root, err)
	}
	scenes := make(map[ir.SceneID]*Manifest)
	byParcel := make(map[ir.Parcel]ir.SceneID)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := ir.SceneID(e.Name())
		m, err := c.load(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			c.logger.Warn("skipping scene with invalid manifest", "scene_id", id, "error", err)
			continue
		}
		scenes[id] = m
		for _, p := range m.Parcels {
			if owner, taken := byParcel[p]; taken {
				c.logger.Warn("parcel claimed twice", "parcel", p.String(), "scene_id", id, "owner", owner)
				continue
			}
			byParcel[p] = id
		}
	}

	c.mu.Lock()
	c.scenes, c.byParcel = scenes, byParcel
	c.mu.Unlock()
	c.logger.Debug("content catalog scanned", "root", c.root, "scenes", len(scenes))
	return nil
}

func (c *DirCatalog) load(id ir.SceneID) (*Manifest, error) {
	path := filepath.Join(c.Dir(id), ManifestFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &ResolutionError{Scene: id, File: ManifestFile, Err: ErrNotFound}
	}
	if err != nil {
		return nil, &ResolutionError{Scene: id, File: ManifestFile, Temporary: true, Err: err}
	}
	m, err := ParseManifest(id, path, data)
	if err != nil {
		return nil, &ResolutionError{Scene: id, File: ManifestFile, Err: err}
	}
	m.BaseURL = "file://" + filepath.ToSlash(c.Dir(id)) + "/"
	return m, nil
}

// Locate implements Catalog.
func (c *DirCatalog) Locate(_ context.Context, parcels []ir.Parcel) ([]Pointer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Pointer
	for _, p := range parcels {
		if id, ok := c.byParcel[p]; ok {
			out = append(out, Pointer{Parcel: p, Scene: id})
		}
	}
	return out, nil
}

// Resolve implements Catalog. The manifest is re-read from disk so edits
// are picked up on reload.
func (c *DirCatalog) Resolve(_ context.Context, id ir.SceneID) (*Manifest, error) {
	if !validFileName(string(id)) {
		return nil, &ResolutionError{Scene: id, Err: ErrNotFound}
	}
	return c.load(id)
}

// ReadFile implements Catalog.
func (c *DirCatalog) ReadFile(_ context.Context, id ir.SceneID, name string) ([]byte, error) {
	if !validFileName(string(id)) || !validFileName(name) {
		return nil, &ResolutionError{Scene: id, File: name, Err: ErrNotFound}
	}
	data, err := os.ReadFile(filepath.Join(c.Dir(id), filepath.FromSlash(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &ResolutionError{Scene: id, File: name, Err: ErrNotFound}
	}
	if err != nil {
		return nil, &ResolutionError{Scene: id, File: name, Temporary: true, Err: err}
	}
	return data, nil
}

// Scenes returns every known scene id, sorted.
func (c *DirCatalog) Scenes() []ir.SceneID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ir.SceneID, 0, len(c.scenes))
	for id := range c.scenes {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
