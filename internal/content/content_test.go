package content

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenehost/internal/ir"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const plazaJSON = `{
	"main": "bin/index.js",
	"display": {"title": "Plaza"},
	"scene": {"base": "0,0", "parcels": ["0,0", "0,1", "0,1"]},
	"requiredPermissions": ["ALLOW_TO_MOVE_PLAYER_INSIDE_SCENE"],
	"spawnPoints": []
}`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest("plaza", "scene.json", []byte(plazaJSON))
	require.NoError(t, err)
	assert.Equal(t, ir.SceneID("plaza"), m.ID)
	assert.Equal(t, "Plaza", m.Title)
	assert.Equal(t, "bin/index.js", m.Main)
	assert.Equal(t, ir.Parcel{X: 0, Y: 0}, m.Base)
	assert.Equal(t, []ir.Parcel{{X: 0, Y: 0}, {X: 0, Y: 1}}, m.Parcels, "duplicates collapse")
	assert.Equal(t, []string{"ALLOW_TO_MOVE_PLAYER_INSIDE_SCENE"}, m.RequiredPermissions)
	assert.True(t, m.Covers(ir.Parcel{X: 0, Y: 1}))
	assert.False(t, m.Covers(ir.Parcel{X: 1, Y: 1}))
}

func TestParseManifestRejects(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"not json", `{`},
		{"missing main", `{"scene": {"base": "0,0", "parcels": ["0,0"]}}`},
		{"main not js", `{"main": "index.ts", "scene": {"base": "0,0", "parcels": ["0,0"]}}`},
		{"no parcels", `{"main": "a.js", "scene": {"base": "0,0", "parcels": []}}`},
		{"bad parcel", `{"main": "a.js", "scene": {"base": "0,0", "parcels": ["zero"]}}`},
		{"base outside", `{"main": "a.js", "scene": {"base": "5,5", "parcels": ["0,0"]}}`},
		{"bad permission", `{"main": "a.js", "scene": {"base": "0,0", "parcels": ["0,0"]}, "requiredPermissions": ["lower"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest("x", "scene.json", []byte(tt.json))
			require.Error(t, err)
			var me *ManifestError
			assert.True(t, errors.As(err, &me), "got %T: %v", err, err)
		})
	}
}

func writeScene(t *testing.T, root, id, manifest string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644))
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

func TestDirCatalog(t *testing.T) {
	root := t.TempDir()
	writeScene(t, root, "plaza", plazaJSON, map[string]string{"bin/index.js": "exports.onUpdate = function () {};"})
	writeScene(t, root, "tower", `{"main": "main.js", "scene": {"base": "3,3", "parcels": ["3,3", "0,1"]}}`, nil)
	writeScene(t, root, "broken", `{"main": 1}`, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	c, err := NewDirCatalog(root, WithLogger(discardLogger()))
	require.NoError(t, err)
	assert.Equal(t, []ir.SceneID{"plaza", "tower"}, c.Scenes())

	ctx := context.Background()
	ptrs, err := c.Locate(ctx, []ir.Parcel{{X: 0, Y: 1}, {X: 9, Y: 9}, {X: 3, Y: 3}})
	require.NoError(t, err)
	assert.Equal(t, []Pointer{
		{Parcel: ir.Parcel{X: 0, Y: 1}, Scene: "plaza"},
		{Parcel: ir.Parcel{X: 3, Y: 3}, Scene: "tower"},
	}, ptrs, "overlap goes to the first scene id")
	assert.Equal(t, []ir.SceneID{"plaza", "tower"}, Scenes(ptrs))

	m, err := c.Resolve(ctx, "plaza")
	require.NoError(t, err)
	assert.Contains(t, m.BaseURL, "file://")

	src, err := c.ReadFile(ctx, "plaza", m.Main)
	require.NoError(t, err)
	assert.Contains(t, string(src), "onUpdate")

	_, err = c.Resolve(ctx, "broken")
	assert.True(t, IsResolutionError(err))
	assert.False(t, IsTemporary(err))

	_, err = c.Resolve(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, name := range []string{"../tower/scene.json", "/etc/passwd", "bin/../../x", ""} {
		_, err = c.ReadFile(ctx, "plaza", name)
		assert.ErrorIs(t, err, ErrNotFound, name)
	}
	_, err = c.Resolve(ctx, "../plaza")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirCatalogResolveSeesEdits(t *testing.T) {
	root := t.TempDir()
	writeScene(t, root, "plaza", plazaJSON, nil)
	c, err := NewDirCatalog(root, WithLogger(discardLogger()))
	require.NoError(t, err)

	writeScene(t, root, "plaza", `{"main": "v2.js", "scene": {"base": "0,0", "parcels": ["0,0"]}}`, nil)
	m, err := c.Resolve(context.Background(), "plaza")
	require.NoError(t, err)
	assert.Equal(t, "v2.js", m.Main)
}

func TestMemCatalog(t *testing.T) {
	c := NewMemCatalog()
	c.Add(Manifest{ID: "a", Main: "main.js", Parcels: []ir.Parcel{{X: 1, Y: 1}}}, map[string][]byte{"main.js": []byte("x")})
	ctx := context.Background()

	ptrs, err := c.Locate(ctx, []ir.Parcel{{X: 1, Y: 1}, {X: 2, Y: 2}})
	require.NoError(t, err)
	assert.Equal(t, []Pointer{{Parcel: ir.Parcel{X: 1, Y: 1}, Scene: "a"}}, ptrs)

	data, err := c.ReadFile(ctx, "a", "main.js")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	c.Remove("a")
	_, err = c.Resolve(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

type flakyCatalog struct {
	Catalog
	failures int
	calls    int
	err      error
}

func (f *flakyCatalog) Resolve(ctx context.Context, id ir.SceneID) (*Manifest, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.Catalog.Resolve(ctx, id)
}

func TestRetrying(t *testing.T) {
	mem := NewMemCatalog()
	mem.Add(Manifest{ID: "a", Main: "main.js", Parcels: []ir.Parcel{{}}}, nil)
	ctx := context.Background()

	t.Run("temporary failures are retried", func(t *testing.T) {
		flaky := &flakyCatalog{Catalog: mem, failures: 2, err: &ResolutionError{Scene: "a", Temporary: true, Err: errors.New("503")}}
		r := NewRetrying(flaky, 3, time.Millisecond).WithRetryLogger(discardLogger())
		m, err := r.Resolve(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, ir.SceneID("a"), m.ID)
		assert.Equal(t, 3, flaky.calls)
	})

	t.Run("retries run out", func(t *testing.T) {
		flaky := &flakyCatalog{Catalog: mem, failures: 10, err: &ResolutionError{Scene: "a", Temporary: true, Err: errors.New("503")}}
		r := NewRetrying(flaky, 2, time.Millisecond).WithRetryLogger(discardLogger())
		_, err := r.Resolve(ctx, "a")
		require.Error(t, err)
		assert.True(t, IsTemporary(err))
		assert.Equal(t, 3, flaky.calls)
	})

	t.Run("permanent failures are not retried", func(t *testing.T) {
		flaky := &flakyCatalog{Catalog: mem, failures: 10, err: &ResolutionError{Scene: "a", Err: ErrNotFound}}
		r := NewRetrying(flaky, 5, time.Millisecond).WithRetryLogger(discardLogger())
		_, err := r.Resolve(ctx, "a")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 1, flaky.calls)
	})
}
