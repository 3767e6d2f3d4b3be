package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/roach88/scenehost/internal/ir"
)

// State is the lifecycle state of a sandbox.
type State int32

const (
	StateLoading State = iota
	StateRunning
	StateFaulted
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateRunning:
		return "running"
	case StateFaulted:
		return "faulted"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// SceneInfo is what a sandbox needs to start a scene.
type SceneInfo struct {
	ID     ir.SceneID
	Realm  string
	Main   string // file name, used in stack traces
	Source string
}

// Handle is the host's reference to a running sandbox.
type Handle struct {
	id     string
	info   SceneInfo
	logger *slog.Logger
	debt   *DebtTracker

	state atomic.Int32
	mu    sync.Mutex
	err   error

	commands chan *tickCmd
	cancel   context.CancelFunc
	exited   chan struct{}
	vm       atomic.Pointer[goja.Runtime]

	// running holds the sequence number of the tick the host is waiting
	// for; zero when idle.
	running atomic.Uint64
	tickSeq uint64

	// busySince is when the VM last started executing script, in unix
	// nanoseconds; zero while it waits for ops, timers or commands.
	busySince atomic.Int64

	// pending is the tick that missed its budget, collected on the next
	// Tick. Only the goroutine calling Manager.Tick touches it.
	pending *tickCmd
}

type tickCmd struct {
	seq     uint64
	dt      time.Duration
	started time.Time
	reply   chan tickDone
}

type tickDone struct {
	elapsed time.Duration
	err     error
}

// ID returns the sandbox id (a UUIDv7, unique per spawn).
func (h *Handle) ID() string { return h.id }

// Scene returns the scene id.
func (h *Handle) Scene() ir.SceneID { return h.info.ID }

// Info returns the scene info the sandbox was spawned with.
func (h *Handle) Info() SceneInfo { return h.info }

// State returns the lifecycle state.
func (h *Handle) State() State { return State(h.state.Load()) }

// Err returns the fault or load error, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Debt returns the scene's current frame-time debt.
func (h *Handle) Debt() time.Duration { return h.debt.Debt() }

// fault moves a running sandbox to Faulted. The first fault wins.
func (h *Handle) fault(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.CompareAndSwap(int32(StateRunning), int32(StateFaulted)) {
		return false
	}
	h.err = err
	h.logger.Error("scene faulted", "error", err)
	return true
}

func (h *Handle) interrupt(reason error) {
	if vm := h.vm.Load(); vm != nil {
		vm.Interrupt(reason)
	}
}

// stop cancels the sandbox and waits for its goroutine to exit.
func (h *Handle) stop() {
	h.cancel()
	h.interrupt(ErrDisposed)
	<-h.exited
}
