package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenehost/internal/ir"
)

func TestGoldenBytes_Canonical(t *testing.T) {
	result := &Result{Trace: []TraceEvent{
		{Seq: 1, Type: EventStart, Detail: "0,0"},
		{Seq: 2, Type: EventDelete, Scene: "A", Entity: 512, Component: "Transform"},
		{Seq: 3, Type: EventAction, Scene: "A", Action: "teleportTo", Args: ir.IRObject{"parcel": ir.IRString("4,4")}},
	}}
	got, err := GoldenBytes("sample", result)
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"sample","trace":[`+
			`{"detail":"0,0","seq":1,"type":"start"},`+
			`{"component":"Transform","entity":512,"scene":"A","seq":2,"type":"delete"},`+
			`{"action":"teleportTo","args":{"parcel":"4,4"},"scene":"A","seq":3,"type":"action"}]}`,
		string(got))
}

func TestRunWithGolden_WriteOnce(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "write_once.yaml"))
	require.NoError(t, err)

	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}
