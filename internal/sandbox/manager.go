package sandbox

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/opbridge"
)

// Bridge is the op surface a sandbox talks to.
type Bridge interface {
	Invoke(ctx context.Context, scene ir.SceneID, realm, module, name string, args ir.IRObject) *opbridge.Future
	Modules() map[string][]string
}

// Defaults for Manager options.
const (
	DefaultHardLimit    = 5 * time.Second
	DefaultSpawnTimeout = 10 * time.Second
	DefaultInboxSize    = 64
)

// Manager spawns, ticks and disposes sandboxes.
type Manager struct {
	bridge       Bridge
	logger       *slog.Logger
	hardLimit    time.Duration
	spawnTimeout time.Duration
	inboxSize    int
	debtDecay    float64

	mu      sync.Mutex
	handles map[string]*Handle
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger. Script console output goes here too.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithHardLimit sets how long a tick may run before the scene is faulted.
func WithHardLimit(d time.Duration) ManagerOption {
	return func(m *Manager) { m.hardLimit = d }
}

// WithSpawnTimeout bounds module evaluation plus onStart.
func WithSpawnTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.spawnTimeout = d }
}

// WithInboxSize sets the capacity of each sandbox's command channel.
func WithInboxSize(n int) ManagerOption {
	return func(m *Manager) { m.inboxSize = n }
}

// WithDebtDecay sets the per-frame debt multiplier.
func WithDebtDecay(f float64) ManagerOption {
	return func(m *Manager) { m.debtDecay = f }
}

// NewManager creates a manager dispatching ops to bridge.
func NewManager(bridge Bridge, opts ...ManagerOption) *Manager {
	m := &Manager{
		bridge:       bridge,
		logger:       slog.Default(),
		hardLimit:    DefaultHardLimit,
		spawnTimeout: DefaultSpawnTimeout,
		inboxSize:    DefaultInboxSize,
		debtDecay:    DefaultDebtDecay,
		handles:      make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.inboxSize < 1 {
		m.inboxSize = 1
	}
	return m
}

// CompileModule compiles a scene's main script the way Spawn runs it. name
// appears in syntax error positions.
func CompileModule(name, source string) (*goja.Program, error) {
	return goja.Compile(name, modulePrefix+source+moduleSuffix, false)
}

// Spawn compiles and starts a scene. It returns once the module body and
// onStart have completed. On any failure the sandbox is torn down and a
// *LoadError returned.
func (m *Manager) Spawn(ctx context.Context, info SceneInfo) (*Handle, error) {
	name := info.Main
	if name == "" {
		name = string(info.ID) + "/main.js"
	}
	prog, err := CompileModule(name, info.Source)
	if err != nil {
		return nil, &LoadError{Scene: info.ID, Stage: "compile", Err: err}
	}

	id := uuid.Must(uuid.NewV7()).String()
	sctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		id:       id,
		info:     info,
		logger:   m.logger.With("scene_id", info.ID, "sandbox_id", id),
		debt:     NewDebtTracker(m.debtDecay),
		commands: make(chan *tickCmd, m.inboxSize),
		cancel:   cancel,
		exited:   make(chan struct{}),
	}
	h.state.Store(int32(StateLoading))

	ready := make(chan error, 1)
	sb := newSandbox(sctx, h, m.bridge)
	go sb.run(prog, ready)

	timer := time.NewTimer(m.spawnTimeout)
	defer timer.Stop()
	var loadErr error
	select {
	case err := <-ready:
		loadErr = err
	case <-timer.C:
		loadErr = &LoadError{Scene: info.ID, Stage: "onStart", Err: errSpawnTimeout}
	case <-ctx.Done():
		loadErr = &LoadError{Scene: info.ID, Stage: "onStart", Err: ctx.Err()}
	}
	if loadErr != nil {
		h.state.Store(int32(StateDisposed))
		h.stop()
		h.err = loadErr
		h.logger.Warn("scene failed to load", "error", loadErr)
		return nil, loadErr
	}

	h.state.Store(int32(StateRunning))
	m.mu.Lock()
	m.handles[id] = h
	m.mu.Unlock()
	h.logger.Info("scene started")
	return h, nil
}

// TickStatus is the outcome of one tick.
type TickStatus int

const (
	TickOK TickStatus = iota
	// TickOverbudget means the result did not arrive within the budget.
	// The scene keeps running; the result is collected later.
	TickOverbudget
	TickFaulted
	// TickSkipped is returned for disposed sandboxes.
	TickSkipped
)

func (s TickStatus) String() string {
	switch s {
	case TickOK:
		return "ok"
	case TickOverbudget:
		return "overbudget"
	case TickFaulted:
		return "faulted"
	case TickSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// TickResult reports one scene's tick.
type TickResult struct {
	Scene    ir.SceneID
	Status   TickStatus
	Duration time.Duration
	Debt     time.Duration
	Err      error
}

// TickRequest is one entry of TickAll.
type TickRequest struct {
	Handle *Handle
	DT     time.Duration
	Budget time.Duration
}

// Tick runs onUpdate(dt) on the scene and waits at most budget for it.
// Tick must not be called concurrently for the same handle.
func (m *Manager) Tick(ctx context.Context, h *Handle, dt, budget time.Duration) (res TickResult) {
	res.Scene = h.info.ID
	defer func() { res.Debt = h.debt.Debt() }()

	if r, done := m.check(h); done {
		res.Status, res.Err = r.Status, r.Err
		return res
	}

	if p := h.pending; p != nil {
		select {
		case d := <-p.reply:
			h.pending = nil
			h.debt.Add(d.elapsed - budget)
			if d.err != nil {
				res.Status, res.Err = TickFaulted, d.err
				return res
			}
		default:
			res.Status, res.Duration = TickOverbudget, time.Since(p.started)
			return res
		}
	}

	h.tickSeq++
	cmd := &tickCmd{seq: h.tickSeq, dt: dt, started: time.Now(), reply: make(chan tickDone, 1)}
	h.running.Store(cmd.seq)
	select {
	case h.commands <- cmd:
	default:
		// The sandbox has not drained its inbox: the whole slice is lost.
		h.running.CompareAndSwap(cmd.seq, 0)
		h.debt.Add(budget)
		res.Status = TickOverbudget
		return res
	}
	stopWatch := make(chan struct{})
	go m.watchdog(h, cmd.seq, stopWatch)

	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case d := <-cmd.reply:
		close(stopWatch)
		res.Duration = d.elapsed
		h.debt.Add(d.elapsed - budget)
		if d.err != nil {
			res.Status, res.Err = TickFaulted, d.err
		} else {
			res.Status = TickOK
		}
	case <-timer.C:
		h.pending = cmd
		res.Status, res.Duration = TickOverbudget, time.Since(cmd.started)
	case <-ctx.Done():
		h.pending = cmd
		res.Status, res.Err = TickOverbudget, ctx.Err()
	}
	return res
}

// watchdog faults the scene once its VM has executed script without a
// break for hardLimit while tick seq is outstanding. Time spent awaiting ops
// or timers does not count.
func (m *Manager) watchdog(h *Handle, seq uint64, stop <-chan struct{}) {
	timer := time.NewTimer(m.hardLimit)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}
		if h.running.Load() != seq {
			return
		}
		if st := h.State(); st == StateDisposed || st == StateFaulted {
			return
		}
		wait := m.hardLimit
		if since := h.busySince.Load(); since != 0 {
			busy := time.Since(time.Unix(0, since))
			if busy >= m.hardLimit {
				if h.fault(&RuntimeFault{Scene: h.info.ID, Phase: "onUpdate", Err: ErrHardLimit}) {
					h.interrupt(ErrHardLimit)
				}
				return
			}
			wait = m.hardLimit - busy
		}
		timer.Reset(wait)
	}
}

func (m *Manager) check(h *Handle) (TickResult, bool) {
	switch h.State() {
	case StateFaulted:
		return TickResult{Status: TickFaulted, Err: h.Err()}, true
	case StateDisposed, StateLoading:
		return TickResult{Status: TickSkipped}, true
	}
	return TickResult{}, false
}

// TickAll ticks every request in parallel, each against its own budget.
// Results are returned in request order.
func (m *Manager) TickAll(ctx context.Context, reqs []TickRequest) []TickResult {
	results := make([]TickResult, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = m.Tick(ctx, req.Handle, req.DT, req.Budget)
		}()
	}
	wg.Wait()
	return results
}

// DecayDebt applies one frame of debt recovery to every live sandbox.
func (m *Manager) DecayDebt() {
	for _, h := range m.Handles() {
		h.debt.Decay()
	}
}

// Dispose stops a sandbox: outstanding ops are cancelled, script promises
// rejected and timers stopped. It returns after the sandbox goroutine has
// exited. Disposing twice is a no-op.
func (m *Manager) Dispose(h *Handle) {
	m.mu.Lock()
	delete(m.handles, h.id)
	m.mu.Unlock()

	h.mu.Lock()
	prev := State(h.state.Swap(int32(StateDisposed)))
	h.mu.Unlock()
	if prev == StateDisposed {
		return
	}
	h.stop()
	h.logger.Info("scene disposed", "previous_state", prev.String())
}

// Respawn disposes h and spawns the same scene again.
func (m *Manager) Respawn(ctx context.Context, h *Handle) (*Handle, error) {
	m.Dispose(h)
	return m.Spawn(ctx, h.info)
}

// Handles returns the live sandboxes ordered by scene id.
func (m *Manager) Handles() []*Handle {
	m.mu.Lock()
	out := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b *Handle) int {
		if c := strings.Compare(string(a.info.ID), string(b.info.ID)); c != 0 {
			return c
		}
		return strings.Compare(a.id, b.id)
	})
	return out
}

// Close disposes every sandbox.
func (m *Manager) Close() {
	for _, h := range m.Handles() {
		m.Dispose(h)
	}
}
