package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenehost/internal/content"
	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/opbridge"
	"github.com/roach88/scenehost/internal/sandbox"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const idleScript = `exports.onUpdate = function () {};`

func addScene(c *content.MemCatalog, id string, script string, parcels ...ir.Parcel) {
	files := map[string][]byte{}
	if script != "" {
		files["main.js"] = []byte(script)
	}
	c.Add(content.Manifest{ID: ir.SceneID(id), Title: id, Main: "main.js", Base: parcels[0], Parcels: parcels}, files)
}

type fixture struct {
	catalog  *content.MemCatalog
	manager  *sandbox.Manager
	sched    *Scheduler
	ready    []ir.SceneID
	disposed []ir.SceneID
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{catalog: content.NewMemCatalog()}
	bridge := opbridge.NewBridge(opbridge.NewCatalog(), opbridge.WithLogger(discardLogger()))
	f.manager = sandbox.NewManager(bridge, sandbox.WithLogger(discardLogger()))
	base := []Option{
		WithLogger(discardLogger()),
		WithLoadRadius(2),
		WithKeepWarmRadius(4),
		WithOnReady(func(sc *Scene) { f.ready = append(f.ready, sc.ID) }),
		WithOnDispose(func(sc *Scene) { f.disposed = append(f.disposed, sc.ID) }),
	}
	f.sched = New(f.catalog, f.manager, append(base, opts...)...)
	t.Cleanup(func() {
		f.sched.Close()
		f.manager.Close()
	})
	return f
}

func (f *fixture) move(t *testing.T, x, y int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.sched.SetPosition(ctx, ir.Parcel{X: x, Y: y}))
	require.NoError(t, f.sched.Settle(ctx))
}

func states(s *Scheduler) map[ir.SceneID]SceneState {
	out := map[ir.SceneID]SceneState{}
	for _, info := range s.Scenes() {
		out[info.ID] = info.State
	}
	return out
}

func TestRadiusScenario(t *testing.T) {
	f := newFixture(t)
	addScene(f.catalog, "A", idleScript, ir.Parcel{X: 0, Y: 0})
	addScene(f.catalog, "B", idleScript, ir.Parcel{X: 3, Y: 0}, ir.Parcel{X: 4, Y: 0})
	addScene(f.catalog, "C", idleScript, ir.Parcel{X: 10, Y: 0})

	f.move(t, 0, 0)
	assert.Equal(t, map[ir.SceneID]SceneState{"A": Ready}, states(f.sched), "B is in the keep-warm band and not loaded")

	f.move(t, 2, 0)
	assert.Equal(t, map[ir.SceneID]SceneState{"A": Ready, "B": Ready}, states(f.sched))

	f.move(t, 7, 0)
	assert.Equal(t, map[ir.SceneID]SceneState{"B": Suspended}, states(f.sched))
	assert.Equal(t, []ir.SceneID{"A"}, f.disposed)

	f.move(t, 5, 0)
	assert.Equal(t, map[ir.SceneID]SceneState{"B": Ready}, states(f.sched), "resumed without reload")
	assert.Equal(t, []ir.SceneID{"A", "B"}, f.ready)

	f.move(t, 8, 0)
	assert.Equal(t, map[ir.SceneID]SceneState{"B": Suspended, "C": Ready}, states(f.sched))

	assert.Len(t, f.manager.Handles(), 2)
}

func TestSceneDistanceUsesNearestParcel(t *testing.T) {
	f := newFixture(t)
	addScene(f.catalog, "wide", idleScript, ir.Parcel{X: 0, Y: 0}, ir.Parcel{X: 1, Y: 0}, ir.Parcel{X: 2, Y: 0})
	f.move(t, 4, 1)

	sc, ok := f.sched.Scene("wide")
	require.True(t, ok)
	assert.Equal(t, 2, sc.Distance)
	assert.Equal(t, Ready, sc.State)
}

func TestTeleportDisposesEverything(t *testing.T) {
	f := newFixture(t, WithTeleportDistance(8))
	addScene(f.catalog, "A", idleScript, ir.Parcel{X: 0, Y: 0})
	addScene(f.catalog, "far", idleScript, ir.Parcel{X: 50, Y: 50})

	f.move(t, 0, 0)
	f.move(t, 50, 49)
	assert.Equal(t, map[ir.SceneID]SceneState{"far": Ready}, states(f.sched))
	assert.Equal(t, []ir.SceneID{"A"}, f.disposed)
}

func TestLoadFailureIsNotRetriedAutomatically(t *testing.T) {
	f := newFixture(t)
	addScene(f.catalog, "broken", "", ir.Parcel{X: 0, Y: 0})

	f.move(t, 0, 0)
	sc, ok := f.sched.Scene("broken")
	require.True(t, ok)
	assert.Equal(t, Failed, sc.State)
	assert.True(t, sandbox.IsLoadError(sc.Err))
	assert.True(t, content.IsResolutionError(sc.Err))

	f.move(t, 1, 0)
	assert.Equal(t, Failed, sc.State)

	addScene(f.catalog, "broken", idleScript, ir.Parcel{X: 0, Y: 0})
	require.NoError(t, f.sched.Reload("broken"))
	require.NoError(t, f.sched.Settle(context.Background()))
	assert.Equal(t, Ready, sc.State)
	assert.Error(t, f.sched.Reload("nope"))
}

func TestReloadDiscardsStaleLoads(t *testing.T) {
	f := newFixture(t)
	addScene(f.catalog, "A", idleScript, ir.Parcel{X: 0, Y: 0})
	require.NoError(t, f.sched.SetPosition(context.Background(), ir.Parcel{}))
	require.NoError(t, f.sched.Reload("A"))
	require.NoError(t, f.sched.Reload("A"))
	require.NoError(t, f.sched.Settle(context.Background()))

	assert.Equal(t, Ready, states(f.sched)["A"])
	assert.Len(t, f.manager.Handles(), 1)
	assert.Equal(t, []ir.SceneID{"A"}, f.ready)
}

func TestChangeRealm(t *testing.T) {
	f := newFixture(t, WithRealm("main"))
	addScene(f.catalog, "A", idleScript, ir.Parcel{X: 0, Y: 0})
	f.move(t, 0, 0)

	other := content.NewMemCatalog()
	addScene(other, "Z", idleScript, ir.Parcel{X: 1, Y: 1})
	require.NoError(t, f.sched.ChangeRealm(context.Background(), "festival", other))
	require.NoError(t, f.sched.Settle(context.Background()))

	assert.Equal(t, "festival", f.sched.Realm())
	assert.Equal(t, map[ir.SceneID]SceneState{"Z": Ready}, states(f.sched))
	sc, _ := f.sched.Scene("Z")
	assert.Equal(t, "festival", sc.Handle.Info().Realm)
	assert.Equal(t, []ir.SceneID{"A"}, f.disposed)
}

func TestFrameTicksReadyVisibleScenes(t *testing.T) {
	f := newFixture(t, WithFrameBudget(time.Second))
	addScene(f.catalog, "good", idleScript, ir.Parcel{X: 0, Y: 0})
	addScene(f.catalog, "bad", `exports.onUpdate = function () { throw new Error("x"); };`, ir.Parcel{X: 1, Y: 0})
	addScene(f.catalog, "hidden", idleScript, ir.Parcel{X: 0, Y: 1})
	f.move(t, 0, 0)
	require.NoError(t, f.sched.SetHidden("hidden", true))

	reports := f.sched.Frame(context.Background(), 33*time.Millisecond)
	require.Len(t, reports, 2)
	assert.Equal(t, ir.SceneID("bad"), reports[0].Scene)
	assert.Equal(t, sandbox.TickFaulted, reports[0].Status)
	assert.Equal(t, ir.SceneID("good"), reports[1].Scene)
	assert.Equal(t, sandbox.TickOK, reports[1].Status)

	sc, _ := f.sched.Scene("bad")
	assert.Equal(t, Faulted, sc.State)
	assert.True(t, sandbox.IsRuntimeFault(sc.Err))

	reports = f.sched.Frame(context.Background(), 33*time.Millisecond)
	require.Len(t, reports, 1, "faulted and hidden scenes are skipped")

	require.NoError(t, f.sched.Reload("bad"))
	require.NoError(t, f.sched.Settle(context.Background()))
	assert.Equal(t, Ready, sc.State)
}

func TestBudgets(t *testing.T) {
	frame := 9 * time.Millisecond
	floor := 100 * time.Microsecond

	got := Budgets(frame, floor, []int{0, 1}, []time.Duration{0, 0})
	assert.Equal(t, []time.Duration{6 * time.Millisecond, 3 * time.Millisecond}, got)

	got = Budgets(frame, floor, []int{0, 0}, []time.Duration{frame, 0})
	assert.Equal(t, []time.Duration{3 * time.Millisecond, 6 * time.Millisecond}, got, "debt halves the weight")

	got = Budgets(frame, floor, []int{0, 1000}, []time.Duration{0, 0})
	assert.Equal(t, floor, got[1])

	assert.Empty(t, Budgets(frame, floor, nil, nil))
}
