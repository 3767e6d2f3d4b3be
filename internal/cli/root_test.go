package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// executeRoot runs the full command tree and returns stdout.
func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// writeScene creates <root>/<id>/scene.json and the given files.
func writeScene(t *testing.T, root, id, manifest string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scene.json"), []byte(manifest), 0644))
	for name, data := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(data), 0644))
	}
}

const plazaManifest = `{"main": "main.js", "display": {"title": "Plaza"}, "scene": {"base": "0,0", "parcels": ["0,0", "0,1"]}}`

const plazaScript = `
let frames = 0;
module.exports.onUpdate = function (dt) { frames++; };
`

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "scenehost", cmd.Use)
	assert.Contains(t, cmd.Long, "sandboxes")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"run"},
		{"validate"},
		{"decode"},
		{"permissions"},
		{"permissions", "list"},
		{"permissions", "revoke"},
		{"test"},
	}

	for _, path := range commands {
		t.Run(filepath.Join(path...), func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "", configFlag.DefValue)
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	for _, name := range []string{"db", "realm", "realms", "at", "listen", "peer", "watch", "frames", "no-console"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "run should have --%s", name)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := executeRoot(t, "--format", "yaml", "validate", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "yaml"`)
}

func TestIsValidFormat(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))
	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
}

func TestLoadConfigFromFlag(t *testing.T) {
	t.Run("defaults without a file", func(t *testing.T) {
		cfg, err := loadConfig(&RootOptions{})
		require.NoError(t, err)
		assert.Equal(t, "main", cfg.Realm)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "host.yaml")
		require.NoError(t, os.WriteFile(path, []byte("realm: sandbox\nscheduler:\n  load_radius: 1\n"), 0644))
		cfg, err := loadConfig(&RootOptions{Config: path})
		require.NoError(t, err)
		assert.Equal(t, "sandbox", cfg.Realm)
		assert.Equal(t, 1, cfg.Scheduler.LoadRadius)
	})

	t.Run("bad file is a command error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "host.yaml")
		require.NoError(t, os.WriteFile(path, []byte("nonsense: true\n"), 0644))
		_, err := loadConfig(&RootOptions{Config: path})
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}
