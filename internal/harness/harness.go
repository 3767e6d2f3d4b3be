package harness

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roach88/scenehost/internal/console"
	"github.com/roach88/scenehost/internal/content"
	"github.com/roach88/scenehost/internal/engine"
	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/permission"
	"github.com/roach88/scenehost/internal/scheduler"
	"github.com/roach88/scenehost/internal/testutil"
	"github.com/roach88/scenehost/internal/wire"
)

// Actor is the host actor id scenarios run as.
const Actor ir.ActorID = "host-harness"

// Prelude is prepended to every scenario script.
const Prelude = `
const engine = require("~system/EngineApi");
function frame(size, type) {
	const buf = new Uint8Array(size);
	const dv = new DataView(buf.buffer);
	dv.setUint32(0, size, true);
	dv.setUint32(4, type, true);
	return { buf: buf, dv: dv };
}
function put(entity, component, ts, bytes) {
	const f = frame(24 + bytes.length, 1);
	f.dv.setUint32(8, entity, true);
	f.dv.setUint32(12, component, true);
	f.dv.setUint32(16, ts, true);
	f.dv.setUint32(20, bytes.length, true);
	f.buf.set(bytes, 24);
	return f.buf;
}
function remove(entity, component, ts) {
	const f = frame(20, 2);
	f.dv.setUint32(8, entity, true);
	f.dv.setUint32(12, component, true);
	f.dv.setUint32(16, ts, true);
	return f.buf;
}
function removeEntity(entity) {
	const f = frame(12, 3);
	f.dv.setUint32(8, entity, true);
	return f.buf;
}
function text(s) {
	const out = [];
	for (let i = 0; i < s.length; i++) out.push(s.charCodeAt(i) & 0xff);
	return out;
}
function send(frames) {
	return engine.crdtSendToRenderer({ data: frames });
}
`

// Timing of a run. Frames are stepped without a wall clock, but ops run on
// goroutines, so the harness waits for the host to go quiet.
const (
	FrameDuration = 16 * time.Millisecond
	QuietPeriod   = 30 * time.Millisecond
	SettleTimeout = 5 * time.Second
)

type worldKey struct {
	ns        ir.Namespace
	entity    ir.Entity
	component ir.ComponentID
}

// Harness drives one scenario.
type Harness struct {
	engine   *engine.Engine
	world    *testutil.RecordingWorld
	actions  *engine.LogActions
	registry *wire.Registry
	seq      testutil.Counter
	result   *Result

	known       map[worldKey][]byte
	seenActions int
}

// Run executes a scenario and returns the result. An error means the
// scenario could not be run at all; failed expectations are reported in
// the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a context.
//
// Execution flow:
//  1. Build an in-memory catalog from the scenario's scenes
//  2. Start an engine with a recording world, fixed actor and request ids
//  3. Apply grants, load the scenes around the start parcel
//  4. Execute steps, recording the trace after each one
//  5. Evaluate assertions
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	cat, start, err := buildCatalog(scenario)
	if err != nil {
		return nil, err
	}
	realm := scenario.Realm
	if realm == "" {
		realm = "main"
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	world := testutil.NewRecordingWorld(start)
	actions := engine.NewLogActions(logger)
	clock := testutil.NewManualClock()

	eng, err := engine.New(cat,
		engine.WithLogger(logger),
		engine.WithActor(Actor),
		engine.WithIDGenerator(testutil.NewSequenceGenerator("req")),
		engine.WithRealm(realm),
		engine.WithWorld(world),
		engine.WithActions(actions),
		engine.WithGateOptions(permission.WithClock(clock.Now)),
		engine.WithSchedulerOptions(
			scheduler.WithFrameBudget(time.Second),
			scheduler.WithMinTickBudget(200*time.Millisecond),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	defer eng.Close()

	for _, g := range scenario.Grants {
		v, _ := permission.ParseValue(g.Decision)
		eng.Gate().Grant(ir.SceneID(g.Scene), permission.Kind(g.Kind), v)
	}

	h := &Harness{
		engine:   eng,
		world:    world,
		actions:  actions,
		registry: wire.DefaultRegistry(),
		result:   NewResult(),
		known:    make(map[worldKey][]byte),
	}

	loadCtx, cancel := context.WithTimeout(ctx, SettleTimeout)
	defer cancel()
	if err := eng.Settle(loadCtx); err != nil {
		return nil, fmt.Errorf("failed to load scenes: %w", err)
	}
	h.record(TraceEvent{Type: EventStart, Detail: start.String()})
	h.quiesce(ctx)
	h.collect()

	for i, step := range scenario.Steps {
		if err := h.step(ctx, i, step); err != nil {
			return nil, fmt.Errorf("failed to execute step %d: %w", i, err)
		}
	}

	for _, s := range eng.Scheduler().Scenes() {
		h.result.Scenes[string(s.ID)] = s.State.String()
	}

	actx := &AssertionContext{World: world, Scenes: h.result.Scenes}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func buildCatalog(s *Scenario) (*content.MemCatalog, ir.Parcel, error) {
	var start ir.Parcel
	if s.Start != "" {
		p, err := ir.ParseParcel(s.Start)
		if err != nil {
			return nil, start, fmt.Errorf("start: %w", err)
		}
		start = p
	}

	cat := content.NewMemCatalog()
	for _, sc := range s.Scenes {
		m := content.Manifest{
			ID:      ir.SceneID(sc.ID),
			Title:   sc.Title,
			Main:    "main.js",
			BaseURL: "https://content.example/" + sc.ID + "/",
		}
		if m.Title == "" {
			m.Title = sc.ID
		}
		for _, ps := range sc.Parcels {
			p, err := ir.ParseParcel(ps)
			if err != nil {
				return nil, start, fmt.Errorf("scene %s: %w", sc.ID, err)
			}
			m.Parcels = append(m.Parcels, p)
		}
		m.Base = m.Parcels[0]
		if sc.Base != "" {
			b, err := ir.ParseParcel(sc.Base)
			if err != nil {
				return nil, start, fmt.Errorf("scene %s: %w", sc.ID, err)
			}
			m.Base = b
		}

		files := map[string][]byte{"main.js": []byte(Prelude + sc.Script)}
		for name, data := range sc.Files {
			files[name] = []byte(data)
		}
		cat.Add(m, files)
	}
	return cat, start, nil
}

func (h *Harness) step(ctx context.Context, index int, step Step) error {
	switch {
	case step.Frames > 0:
		h.record(TraceEvent{Type: EventStep, Detail: fmt.Sprintf("frames=%d", step.Frames)})
		for i := 0; i < step.Frames; i++ {
			h.engine.Step(ctx, FrameDuration)
		}

	case step.Move != "":
		p, err := ir.ParseParcel(step.Move)
		if err != nil {
			return err
		}
		h.record(TraceEvent{Type: EventStep, Detail: "move=" + p.String()})
		h.world.SetPlayerPosition(p)
		h.engine.Step(ctx, FrameDuration)

	case step.Console != "":
		h.record(TraceEvent{Type: EventStep, Detail: "console=" + step.Console})
		out, err := h.exec(ctx, step.Console)
		if err != nil {
			out = "error: " + err.Error()
		}
		h.record(TraceEvent{Type: EventConsole, Detail: out})
		if step.Expect != "" && !strings.Contains(out, step.Expect) {
			h.result.AddError(fmt.Sprintf("steps[%d]: console output %q does not contain %q", index, out, step.Expect))
		}
	}

	h.quiesce(ctx)
	h.collect()
	return nil
}

func (h *Harness) exec(ctx context.Context, line string) (string, error) {
	cmd, err := console.Parse(line)
	if err != nil {
		return "", err
	}
	return h.engine.Exec(ctx, cmd)
}

// quiesce steps frames until neither the world nor the host actions have
// changed for QuietPeriod.
func (h *Harness) quiesce(ctx context.Context) {
	deadline := time.Now().Add(SettleTimeout)
	quietSince := time.Now()
	for time.Now().Before(deadline) && ctx.Err() == nil {
		changes, calls := h.world.Pending(), len(h.actions.Calls())
		h.engine.Step(ctx, FrameDuration)
		time.Sleep(time.Millisecond)
		busy := h.world.Pending() != changes ||
			len(h.actions.Calls()) != calls ||
			h.engine.Scheduler().Loading() > 0
		if busy {
			quietSince = time.Now()
			continue
		}
		if time.Since(quietSince) >= QuietPeriod {
			return
		}
	}
}

// collect turns what happened since the last call into trace events: the
// net world changes sorted by key, then the host actions grouped by scene.
func (h *Harness) collect() {
	latest := make(map[worldKey]testutil.WorldChange)
	for _, c := range h.world.Drain() {
		if c.Ref.Entity.Number() < uint16(ir.FirstSceneEntity) {
			continue
		}
		latest[worldKey{c.Ref.Namespace, c.Ref.Entity, c.Component}] = c
	}
	keys := make([]worldKey, 0, len(latest))
	for k := range latest {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b worldKey) int {
		switch {
		case a.ns != b.ns:
			return strings.Compare(string(a.ns), string(b.ns))
		case a.entity != b.entity:
			return int(int64(a.entity) - int64(b.entity))
		}
		return int(int64(a.component) - int64(b.component))
	})

	for _, k := range keys {
		c := latest[k]
		prev, had := h.known[k]
		ev := TraceEvent{
			Scene:     string(k.ns),
			Entity:    uint32(k.entity),
			Component: h.registry.Name(k.component),
		}
		if c.Tombstone {
			if !had {
				continue
			}
			delete(h.known, k)
			ev.Type = EventDelete
		} else {
			if had && bytes.Equal(prev, c.Payload) {
				continue
			}
			h.known[k] = c.Payload
			ev.Type = EventPut
			ev.Payload = hex.EncodeToString(c.Payload)
		}
		h.record(ev)
	}

	calls := h.actions.Calls()
	fresh := slices.Clone(calls[h.seenActions:])
	h.seenActions = len(calls)
	slices.SortStableFunc(fresh, func(a, b engine.ActionCall) int {
		return strings.Compare(string(a.Scene), string(b.Scene))
	})
	for _, c := range fresh {
		h.record(TraceEvent{Type: EventAction, Scene: string(c.Scene), Action: c.Action, Args: c.Args})
	}
}

func (h *Harness) record(ev TraceEvent) {
	ev.Seq = h.seq.Next()
	h.result.Trace = append(h.result.Trace, ev)
}
