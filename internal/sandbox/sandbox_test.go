package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/opbridge"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu        sync.Mutex
	calls     []ir.IRObject
	release   chan struct{}
	started   chan struct{}
	cancelled chan struct{}
	held      chan struct{}
	unhold    chan struct{}
}

func (r *recorder) records() []ir.IRObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ir.IRObject(nil), r.calls...)
}

func newTestBridge(t *testing.T) (*opbridge.Bridge, *recorder) {
	t.Helper()
	rec := &recorder{
		release:   make(chan struct{}),
		started:   make(chan struct{}, 8),
		cancelled: make(chan struct{}, 8),
		held:      make(chan struct{}, 1),
		unhold:    make(chan struct{}),
	}
	c := opbridge.NewCatalog()
	c.MustRegister(opbridge.Op{
		Module: "Test", Name: "record",
		Handler: func(_ context.Context, call *opbridge.Call) (ir.IRValue, error) {
			rec.mu.Lock()
			rec.calls = append(rec.calls, call.Args)
			rec.mu.Unlock()
			return nil, nil
		},
	})
	c.MustRegister(opbridge.Op{
		Module: "Test", Name: "echo",
		Handler: func(_ context.Context, call *opbridge.Call) (ir.IRValue, error) {
			return call.Args, nil
		},
	})
	c.MustRegister(opbridge.Op{
		Module: "Test", Name: "later", Async: true,
		Handler: func(ctx context.Context, _ *opbridge.Call) (ir.IRValue, error) {
			select {
			case rec.started <- struct{}{}:
			default:
			}
			select {
			case <-rec.release:
				return ir.IRString("later"), nil
			case <-ctx.Done():
				rec.cancelled <- struct{}{}
				return nil, ctx.Err()
			}
		},
	})
	c.MustRegister(opbridge.Op{
		Module: "Test", Name: "hold",
		Handler: func(context.Context, *opbridge.Call) (ir.IRValue, error) {
			rec.held <- struct{}{}
			<-rec.unhold
			return nil, nil
		},
	})
	c.MustRegister(opbridge.Op{
		Module: "Test", Name: "now", Async: true,
		Handler: func(context.Context, *opbridge.Call) (ir.IRValue, error) {
			return ir.IRString("now"), nil
		},
	})
	return opbridge.NewBridge(c, opbridge.WithLogger(discardLogger())), rec
}

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *recorder) {
	t.Helper()
	bridge, rec := newTestBridge(t)
	opts = append([]ManagerOption{WithLogger(discardLogger())}, opts...)
	m := NewManager(bridge, opts...)
	t.Cleanup(m.Close)
	return m, rec
}

func spawn(t *testing.T, m *Manager, id, src string) *Handle {
	t.Helper()
	h, err := m.Spawn(context.Background(), SceneInfo{ID: ir.SceneID(id), Realm: "test", Source: src})
	require.NoError(t, err)
	return h
}

func TestSpawnRunsOnStartAndUpdate(t *testing.T) {
	m, rec := newTestManager(t)
	h := spawn(t, m, "s1", `
		const t = require("~system/Test");
		exports.onStart = async function () { t.record({ phase: "start" }); };
		exports.onUpdate = async function (dt) { t.record({ phase: "update", dt: dt }); };
	`)
	assert.Equal(t, StateRunning, h.State())
	assert.NotEmpty(t, h.ID())

	res := m.Tick(context.Background(), h, 500*time.Millisecond, time.Second)
	require.Equal(t, TickOK, res.Status, "err: %v", res.Err)

	calls := rec.records()
	require.Len(t, calls, 2)
	assert.Equal(t, ir.IRString("start"), calls[0]["phase"])
	assert.Equal(t, ir.IRString("update"), calls[1]["phase"])
	assert.Equal(t, ir.IRFloat(0.5), calls[1]["dt"])
}

func TestModuleExportsReassignment(t *testing.T) {
	m, rec := newTestManager(t)
	h := spawn(t, m, "s1", `
		const t = require("~system/Test");
		module.exports = { onUpdate: function () { t.record({ ok: true }); } };
	`)
	res := m.Tick(context.Background(), h, time.Millisecond, time.Second)
	require.Equal(t, TickOK, res.Status)
	require.Len(t, rec.records(), 1)
}

func TestSpawnLoadErrors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		stage string
	}{
		{"syntax", `exports.onStart = function ( {`, "compile"},
		{"body throws", `throw new Error("boom")`, "evaluate"},
		{"unknown module", `require("fs")`, "evaluate"},
		{"undeclared system module", `require("~system/Secrets")`, "evaluate"},
		{"onStart throws", `exports.onStart = function () { throw new Error("no") }`, "onStart"},
		{"onStart rejects", `exports.onStart = async function () { throw new Error("no") }`, "onStart"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t)
			h, err := m.Spawn(context.Background(), SceneInfo{ID: "bad", Source: tt.src})
			require.Error(t, err)
			assert.Nil(t, h)
			assert.True(t, IsLoadError(err))
			var le *LoadError
			require.True(t, errors.As(err, &le))
			assert.Equal(t, tt.stage, le.Stage)
			assert.Empty(t, m.Handles(), "failed spawn leaves nothing behind")
		})
	}
}

func TestSpawnTimeout(t *testing.T) {
	m, _ := newTestManager(t, WithSpawnTimeout(50*time.Millisecond))
	_, err := m.Spawn(context.Background(), SceneInfo{ID: "slow", Source: `while (true) {}`})
	require.Error(t, err)
	assert.True(t, IsLoadError(err))
}

func TestUndeclaredOpIsAbsent(t *testing.T) {
	m, rec := newTestManager(t)
	spawn(t, m, "s1", `
		const t = require("~system/Test");
		t.record({ kind: typeof t.readSecrets, fetch: typeof fetch });
	`)
	calls := rec.records()
	require.Len(t, calls, 1)
	assert.Equal(t, ir.IRString("undefined"), calls[0]["kind"])
	assert.Equal(t, ir.IRString("undefined"), calls[0]["fetch"], "no Fetch module, no fetch global")
}

func TestBytesCrossTheBoundary(t *testing.T) {
	m, rec := newTestManager(t)
	h := spawn(t, m, "s1", `
		const t = require("~system/Test");
		exports.onUpdate = async function () {
			const r = await t.echo({ data: new Uint8Array([1, 2, 3]) });
			t.record({ isU8: r.data instanceof Uint8Array, len: r.data.length, first: r.data[0] });
		};
	`)
	res := m.Tick(context.Background(), h, time.Millisecond, time.Second)
	require.Equal(t, TickOK, res.Status, "err: %v", res.Err)

	calls := rec.records()
	require.Len(t, calls, 1)
	assert.Equal(t, ir.IRBool(true), calls[0]["isU8"])
	assert.Equal(t, ir.IRInt(3), calls[0]["len"])
	assert.Equal(t, ir.IRInt(1), calls[0]["first"])
}

func TestBadOpArgumentsReject(t *testing.T) {
	m, rec := newTestManager(t)
	h := spawn(t, m, "s1", `
		const t = require("~system/Test");
		exports.onUpdate = async function () {
			try { await t.echo(function () {}); } catch (e) { t.record({ caught: String(e) }); }
		};
	`)
	res := m.Tick(context.Background(), h, time.Millisecond, time.Second)
	require.Equal(t, TickOK, res.Status, "err: %v", res.Err)
	calls := rec.records()
	require.Len(t, calls, 1)
	caught, _ := calls[0].String("caught")
	assert.Contains(t, caught, "TypeError")
}

func TestAsyncResultsDeliveredInCallOrder(t *testing.T) {
	m, rec := newTestManager(t)
	h := spawn(t, m, "s1", `
		const t = require("~system/Test");
		exports.onUpdate = function () {
			t.later({}).then(function (v) { t.record({ n: 1, v: v }); });
			t.now({}).then(function (v) { t.record({ n: 2, v: v }); });
		};
	`)
	res := m.Tick(context.Background(), h, time.Millisecond, time.Second)
	require.Equal(t, TickOK, res.Status)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.records(), "the second result waits for the first")

	close(rec.release)
	require.Eventually(t, func() bool { return len(rec.records()) == 2 }, 2*time.Second, 5*time.Millisecond)
	calls := rec.records()
	assert.Equal(t, ir.IRInt(1), calls[0]["n"])
	assert.Equal(t, ir.IRString("later"), calls[0]["v"])
	assert.Equal(t, ir.IRInt(2), calls[1]["n"])
}

func TestInfiniteLoopFaultsOnlyThatScene(t *testing.T) {
	m, rec := newTestManager(t, WithHardLimit(100*time.Millisecond))
	bad := spawn(t, m, "bad", `exports.onUpdate = function () { while (true) {} };`)
	good := spawn(t, m, "good", `
		const t = require("~system/Test");
		exports.onUpdate = function () { t.record({ tick: true }); };
	`)

	ctx := context.Background()
	results := m.TickAll(ctx, []TickRequest{
		{Handle: bad, DT: time.Millisecond, Budget: 5 * time.Millisecond},
		{Handle: good, DT: time.Millisecond, Budget: time.Second},
	})
	assert.Equal(t, TickOverbudget, results[0].Status)
	assert.Equal(t, TickOK, results[1].Status)

	require.Eventually(t, func() bool { return bad.State() == StateFaulted }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, IsRuntimeFault(bad.Err()))
	assert.ErrorIs(t, bad.Err(), ErrHardLimit)

	res := m.Tick(ctx, bad, time.Millisecond, time.Second)
	assert.Equal(t, TickFaulted, res.Status)

	for range 3 {
		res := m.Tick(ctx, good, time.Millisecond, time.Second)
		assert.Equal(t, TickOK, res.Status)
	}
	assert.Len(t, rec.records(), 4)
}

func TestAwaitingSlowOpIsNotAHardLimitFault(t *testing.T) {
	m, rec := newTestManager(t, WithHardLimit(100*time.Millisecond))
	h := spawn(t, m, "s1", `
		const t = require("~system/Test");
		exports.onUpdate = async function () { await t.later({}); };
	`)

	ctx := context.Background()
	res := m.Tick(ctx, h, time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, TickOverbudget, res.Status)

	// Idle well past the hard limit while the op is outstanding.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateRunning, h.State())

	close(rec.release)
	require.Eventually(t, func() bool {
		return m.Tick(ctx, h, time.Millisecond, time.Second).Status == TickOK
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateRunning, h.State())
	assert.NoError(t, h.Err())
}

func TestInfiniteTimerLoopFaults(t *testing.T) {
	m, _ := newTestManager(t, WithHardLimit(100*time.Millisecond))
	h := spawn(t, m, "s1", `
		exports.onUpdate = async function () {
			await new Promise(function (resolve) { setTimeout(function () { while (true) {} }, 0); });
		};
	`)

	res := m.Tick(context.Background(), h, time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, TickOverbudget, res.Status)
	require.Eventually(t, func() bool { return h.State() == StateFaulted }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.Err(), ErrHardLimit)
}

func TestFullInboxChargesDebt(t *testing.T) {
	m, rec := newTestManager(t, WithInboxSize(1))
	h := spawn(t, m, "s1", `
		const t = require("~system/Test");
		exports.onStart = function () { setTimeout(function () { t.hold({}); }, 0); };
		exports.onUpdate = function () {};
	`)

	// The sandbox goroutine is stuck in a timer; a queued command fills the inbox.
	<-rec.held
	h.commands <- &tickCmd{reply: make(chan tickDone, 1)}

	res := m.Tick(context.Background(), h, time.Millisecond, 8*time.Millisecond)
	assert.Equal(t, TickOverbudget, res.Status)
	assert.Equal(t, 8*time.Millisecond, res.Debt)

	close(rec.unhold)
}

func TestOverbudgetResultCollectedLater(t *testing.T) {
	m, _ := newTestManager(t)
	h := spawn(t, m, "busy", `
		exports.onUpdate = function () {
			const start = Date.now();
			while (Date.now() - start < 30) {}
		};
	`)
	ctx := context.Background()
	res := m.Tick(ctx, h, time.Millisecond, time.Millisecond)
	assert.Equal(t, TickOverbudget, res.Status)
	assert.Equal(t, StateRunning, h.State())

	time.Sleep(60 * time.Millisecond)
	m.Tick(ctx, h, time.Millisecond, time.Millisecond)
	assert.Greater(t, h.Debt(), 10*time.Millisecond, "late tick charged to debt")
}

func TestUncaughtExceptionFaults(t *testing.T) {
	tests := map[string]string{
		"throw":  `exports.onUpdate = function () { null.x; };`,
		"reject": `exports.onUpdate = function () { return Promise.reject(new Error("nope")); };`,
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			m, _ := newTestManager(t)
			h := spawn(t, m, "s1", src)
			ctx := context.Background()

			res := m.Tick(ctx, h, time.Millisecond, time.Second)
			assert.Equal(t, TickFaulted, res.Status)
			assert.True(t, IsRuntimeFault(res.Err))
			assert.Equal(t, StateFaulted, h.State())

			res = m.Tick(ctx, h, time.Millisecond, time.Second)
			assert.Equal(t, TickFaulted, res.Status, "faulted scenes never run again")
		})
	}
}

func TestDisposeCancelsInflightOps(t *testing.T) {
	m, rec := newTestManager(t)
	h := spawn(t, m, "s1", `
		const t = require("~system/Test");
		exports.onUpdate = function () { t.later({}); };
	`)
	res := m.Tick(context.Background(), h, time.Millisecond, time.Second)
	require.Equal(t, TickOK, res.Status)

	select {
	case <-rec.started:
	case <-time.After(2 * time.Second):
		t.Fatal("op handler did not start")
	}
	m.Dispose(h)
	select {
	case <-rec.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight op was not cancelled")
	}
	assert.Equal(t, StateDisposed, h.State())
	assert.Empty(t, m.Handles())

	res = m.Tick(context.Background(), h, time.Millisecond, time.Second)
	assert.Equal(t, TickSkipped, res.Status)

	m.Dispose(h)
}

func TestRespawnStartsFresh(t *testing.T) {
	m, rec := newTestManager(t)
	h := spawn(t, m, "s1", `
		const t = require("~system/Test");
		exports.onStart = function () { t.record({ started: true }); };
		exports.onUpdate = function () { null.x; };
	`)
	m.Tick(context.Background(), h, time.Millisecond, time.Second)
	require.Equal(t, StateFaulted, h.State())

	h2, err := m.Respawn(context.Background(), h)
	require.NoError(t, err)
	assert.NotEqual(t, h.ID(), h2.ID())
	assert.Equal(t, StateRunning, h2.State())
	assert.Equal(t, StateDisposed, h.State())
	assert.Len(t, rec.records(), 2)
}

func TestTimers(t *testing.T) {
	m, rec := newTestManager(t)
	spawn(t, m, "s1", `
		const t = require("~system/Test");
		const cancelled = setTimeout(function () { t.record({ which: "cancelled" }); }, 5);
		clearTimeout(cancelled);
		setTimeout(function (x) { t.record({ which: x }); }, 5, "fired");
	`)
	require.Eventually(t, func() bool { return len(rec.records()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	calls := rec.records()
	require.Len(t, calls, 1)
	assert.Equal(t, ir.IRString("fired"), calls[0]["which"])
}

func TestConsoleGoesToLogger(t *testing.T) {
	var buf bytes.Buffer
	bridge, _ := newTestBridge(t)
	m := NewManager(bridge, WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	t.Cleanup(m.Close)

	_, err := m.Spawn(context.Background(), SceneInfo{ID: "chatty", Source: `console.log("hello", 42);`})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "hello 42")
	assert.Contains(t, out, "source=script")
	assert.Contains(t, out, "scene_id=chatty")
}

func TestDebtTracker(t *testing.T) {
	d := NewDebtTracker(0.5)
	d.Add(-time.Millisecond)
	assert.Zero(t, d.Debt())

	d.Add(8 * time.Millisecond)
	assert.Equal(t, 4*time.Millisecond, d.Decay())
	assert.Equal(t, 2*time.Millisecond, d.Decay())

	prev := d.Debt()
	for range 30 {
		next := d.Decay()
		assert.LessOrEqual(t, next, prev, "recovery is monotonic")
		prev = next
	}
	assert.Zero(t, d.Debt(), "clamped to zero below the floor")

	assert.Equal(t, DefaultDebtDecay, NewDebtTracker(1.5).decay)
}

func TestCompileModule(t *testing.T) {
	_, err := CompileModule("plaza/main.js", "module.exports.onUpdate = function (dt) {}")
	require.NoError(t, err)

	_, err = CompileModule("plaza/main.js", "function (")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plaza/main.js")
}
