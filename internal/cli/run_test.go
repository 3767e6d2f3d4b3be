package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenehost/internal/config"
	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/permission"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer is written by the console goroutine while the host runs.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunMissingScenesDir(t *testing.T) {
	out, err := executeRoot(t, "run", "/nonexistent/scenes", "--db", filepath.Join(t.TempDir(), "host.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.NotContains(t, out, "Host started")
}

func TestRunInvalidFlags(t *testing.T) {
	root := t.TempDir()
	writeScene(t, root, "plaza", plazaManifest, map[string]string{"main.js": plazaScript})

	tests := []struct {
		name string
		args []string
	}{
		{"bad parcel", []string{"--at", "north"}},
		{"negative frames", []string{"--frames", "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"run", root, "--db", filepath.Join(t.TempDir(), "host.db")}, tt.args...)
			_, err := executeRoot(t, args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestApplyRunFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Comms.Peers = []string{"ws://a/ws"}

	err := applyRunFlags(&cfg, &RunOptions{
		Database: "other.db",
		Realm:    "sandbox",
		At:       "3,-4",
		Listen:   "127.0.0.1:7070",
		Peers:    []string{"ws://b/ws"},
	})
	require.NoError(t, err)
	assert.Equal(t, "other.db", cfg.Store.Path)
	assert.Equal(t, "sandbox", cfg.Realm)
	assert.Equal(t, config.StartConfig{X: 3, Y: -4}, cfg.Start)
	assert.Equal(t, "127.0.0.1:7070", cfg.Comms.Listen)
	assert.Equal(t, []string{"ws://a/ws", "ws://b/ws"}, cfg.Comms.Peers)
}

func TestApplyRunFlagsKeepsConfigWhenUnset(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, applyRunFlags(&cfg, &RunOptions{}))
	assert.Equal(t, config.Default().Store.Path, cfg.Store.Path)
	assert.Equal(t, "main", cfg.Realm)
}

func TestRunHeadless(t *testing.T) {
	root := t.TempDir()
	writeScene(t, root, "plaza", plazaManifest, map[string]string{"main.js": plazaScript})
	db := filepath.Join(t.TempDir(), "host.db")

	out, err := executeRoot(t, "run", root, "--db", db, "--frames", "3", "--no-console")
	require.NoError(t, err)
	assert.Contains(t, out, "plaza\tready\tPlaza")
	assert.NotContains(t, out, "Host started")

	_, err = os.Stat(db)
	assert.NoError(t, err, "run creates the database")
}

func TestRunHeadlessOutOfRange(t *testing.T) {
	root := t.TempDir()
	writeScene(t, root, "plaza", plazaManifest, map[string]string{"main.js": plazaScript})

	out, err := executeRoot(t, "run", root, "--db", filepath.Join(t.TempDir(), "host.db"),
		"--frames", "1", "--at", "40,40")
	require.NoError(t, err)
	assert.NotContains(t, out, "ready")
}

func TestRunUntilCancelled(t *testing.T) {
	root := t.TempDir()
	writeScene(t, root, "plaza", plazaManifest, map[string]string{"main.js": plazaScript})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	out := &syncBuffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader("scenes\nnonsense\n"))
	cmd.SetArgs([]string{"run", root, "--db", filepath.Join(t.TempDir(), "host.db")})

	require.NoError(t, cmd.ExecuteContext(ctx))
	assert.Contains(t, out.String(), "Host started")
	assert.Contains(t, out.String(), "error: ")
}

func TestRunWithListener(t *testing.T) {
	root := t.TempDir()
	writeScene(t, root, "plaza", plazaManifest, map[string]string{"main.js": plazaScript})

	out, err := executeRoot(t, "run", root, "--db", filepath.Join(t.TempDir(), "host.db"),
		"--listen", "127.0.0.1:0", "--frames", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "plaza")
}

func TestRealmResolver(t *testing.T) {
	dir := t.TempDir()
	writeScene(t, filepath.Join(dir, "sandbox"), "plaza", plazaManifest, map[string]string{"main.js": plazaScript})

	resolve := realmResolver(dir, config.Default(), testLogger())

	cat, err := resolve("sandbox")
	require.NoError(t, err)
	require.NotNil(t, cat)

	_, err = resolve("../sandbox")
	require.Error(t, err)

	_, err = resolve("missing")
	require.Error(t, err)
}

func TestValidRealmName(t *testing.T) {
	assert.True(t, validRealmName("main"))
	assert.True(t, validRealmName("realm-2"))
	assert.False(t, validRealmName(""))
	assert.False(t, validRealmName("."))
	assert.False(t, validRealmName(".."))
	assert.False(t, validRealmName("a/b"))
}

func TestEngineOptionsRejectsBadRules(t *testing.T) {
	cfg := config.Default()
	cfg.Permission.Rules = []permission.RuleSpec{{When: "kind ==", Decision: "allow"}}
	_, err := engineOptions(cfg, testLogger())
	require.Error(t, err)
}

func TestStartParcelFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	require.NoError(t, os.WriteFile(path, []byte("start:\n  x: 2\n  y: 5\n"), 0644))

	cfg, err := loadConfig(&RootOptions{Config: path})
	require.NoError(t, err)
	require.NoError(t, applyRunFlags(&cfg, &RunOptions{}))
	assert.Equal(t, ir.Parcel{X: 2, Y: 5}, ir.Parcel{X: cfg.Start.X, Y: cfg.Start.Y})
}
