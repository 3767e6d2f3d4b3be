package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/roach88/scenehost/internal/opbridge"
)

// sandbox is the goroutine-owned half of a Handle. Nothing here may be
// touched from another goroutine.
type sandbox struct {
	h       *Handle
	ctx     context.Context
	bridge  Bridge
	modules map[string][]string
	logger  *slog.Logger

	vm       *goja.Runtime
	u8ctor   goja.Value
	exports  *goja.Object
	onUpdate goja.Callable

	inflight  *opbridge.Inflight
	resolvers map[uint64]resolvers
	required  map[string]*goja.Object

	timers    map[int64]*timer
	timerSeq  int64
	timerFire chan int64
}

type resolvers struct {
	resolve func(any) error
	reject  func(any) error
}

type timer struct {
	fn       goja.Callable
	args     []goja.Value
	interval time.Duration
	repeat   bool
	t        *time.Timer
}

func newSandbox(ctx context.Context, h *Handle, bridge Bridge) *sandbox {
	return &sandbox{
		h:         h,
		ctx:       ctx,
		bridge:    bridge,
		modules:   bridge.Modules(),
		logger:    h.logger,
		inflight:  opbridge.NewInflight(),
		resolvers: make(map[uint64]resolvers),
		required:  make(map[string]*goja.Object),
		timers:    make(map[int64]*timer),
		timerFire: make(chan int64, 16),
	}
}

// run is the sandbox goroutine. It reports the outcome of startup on ready
// and then serves ticks, op completions and timers until ctx ends.
func (s *sandbox) run(prog *goja.Program, ready chan<- error) {
	defer close(s.h.exited)
	defer s.shutdown()

	if err := s.start(prog); err != nil {
		ready <- err
		return
	}
	ready <- nil

	for {
		s.idle()
		select {
		case <-s.ctx.Done():
			return
		case cmd := <-s.h.commands:
			s.busy()
			s.tick(cmd)
		case <-s.inflight.Notify():
			s.busy()
			if err := s.deliver(); err != nil {
				s.h.fault(&RuntimeFault{Scene: s.h.info.ID, Phase: "op", Err: err})
			}
		case id := <-s.timerFire:
			s.busy()
			if err := s.fireTimer(id); err != nil {
				s.h.fault(&RuntimeFault{Scene: s.h.info.ID, Phase: "timer", Err: err})
			}
		}
	}
}

func (s *sandbox) start(prog *goja.Program) error {
	s.vm = goja.New()
	s.h.vm.Store(s.vm)
	s.u8ctor = s.vm.Get("Uint8Array")
	if err := s.install(); err != nil {
		return &LoadError{Scene: s.h.info.ID, Stage: "evaluate", Err: err}
	}

	fnVal, err := s.vm.RunProgram(prog)
	if err != nil {
		return &LoadError{Scene: s.h.info.ID, Stage: "evaluate", Err: err}
	}
	body, ok := goja.AssertFunction(fnVal)
	if !ok {
		return &LoadError{Scene: s.h.info.ID, Stage: "evaluate", Err: errors.New("module wrapper is not a function")}
	}
	module := s.vm.NewObject()
	exports := s.vm.NewObject()
	_ = module.Set("exports", exports)
	if _, err := body(goja.Undefined(), exports, s.vm.Get("require"), module); err != nil {
		return &LoadError{Scene: s.h.info.ID, Stage: "evaluate", Err: err}
	}
	if exp := module.Get("exports"); exp != nil && !goja.IsUndefined(exp) && !goja.IsNull(exp) {
		s.exports = exp.ToObject(s.vm)
	} else {
		s.exports = exports
	}
	if fn, ok := goja.AssertFunction(s.exports.Get("onUpdate")); ok {
		s.onUpdate = fn
	}

	if onStart, ok := goja.AssertFunction(s.exports.Get("onStart")); ok {
		v, err := onStart(goja.Undefined())
		if err == nil {
			_, err = s.settle(v)
		}
		if err != nil {
			return &LoadError{Scene: s.h.info.ID, Stage: "onStart", Err: err}
		}
	}
	return nil
}

// install sets up the capability table. This is the only host surface the
// script can reach.
func (s *sandbox) install() error {
	console := s.vm.NewObject()
	for name, level := range map[string]slog.Level{
		"log":   slog.LevelInfo,
		"info":  slog.LevelInfo,
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		if err := console.Set(name, s.consoleFunc(level)); err != nil {
			return err
		}
	}
	globals := map[string]any{
		"console":       console,
		"require":       s.require,
		"setTimeout":    s.setTimer(false),
		"setInterval":   s.setTimer(true),
		"clearTimeout":  s.clearTimer,
		"clearInterval": s.clearTimer,
	}
	for name, v := range globals {
		if err := s.vm.Set(name, v); err != nil {
			return err
		}
	}
	if slices.Contains(s.modules["Fetch"], "fetch") {
		shim, err := s.vm.RunString(fetchShim)
		if err != nil {
			return err
		}
		mk, _ := goja.AssertFunction(shim)
		fetch, err := mk(goja.Undefined(), s.vm.ToValue(s.opFunc("Fetch", "fetch")))
		if err != nil {
			return err
		}
		return s.vm.Set("fetch", fetch)
	}
	return nil
}

func (s *sandbox) consoleFunc(level slog.Level) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		s.logger.Log(s.ctx, level, strings.Join(parts, " "), "source", "script")
		return goja.Undefined()
	}
}

// require resolves ~system/<Module> against the op catalog. Nothing else
// can be loaded.
func (s *sandbox) require(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	mod, ok := strings.CutPrefix(name, "~system/")
	ops, found := s.modules[mod]
	if !ok || !found {
		panic(s.vm.NewTypeError("Cannot find module '%s'", name))
	}
	if obj, ok := s.required[mod]; ok {
		return obj
	}
	obj := s.vm.NewObject()
	for _, op := range ops {
		_ = obj.Set(op, s.opFunc(mod, op))
	}
	s.required[mod] = obj
	return obj
}

// opFunc returns the script binding of one op. Every op returns a promise;
// promises from one sandbox settle in call order.
func (s *sandbox) opFunc(module, name string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		p, resolve, reject := s.vm.NewPromise()
		args, err := argsObject(call.Argument(0))
		if err != nil {
			_ = reject(s.vm.NewTypeError("%s.%s: %v", module, name, err))
			return s.vm.ToValue(p)
		}
		f := s.bridge.Invoke(s.ctx, s.h.info.ID, s.h.info.Realm, module, name, args)
		s.resolvers[f.Seq] = resolvers{resolve: resolve, reject: reject}
		s.inflight.Push(f)
		return s.vm.ToValue(p)
	}
}

// deliver settles the script promises of every completed future at the
// head of the in-flight queue.
func (s *sandbox) deliver() error {
	for _, f := range s.inflight.Drain() {
		r, ok := s.resolvers[f.Seq]
		if !ok {
			continue
		}
		delete(s.resolvers, f.Seq)
		if s.h.State() == StateFaulted {
			continue
		}
		v, err := f.Result()
		if err != nil {
			err = r.reject(s.vm.NewGoError(err))
		} else {
			err = r.resolve(s.toJS(v))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// settle waits for v to settle if it is a promise, serving op completions
// and timers meanwhile.
func (s *sandbox) settle(v goja.Value) (goja.Value, error) {
	if v == nil {
		return goja.Undefined(), nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	for p.State() == goja.PromiseStatePending {
		s.idle()
		select {
		case <-s.ctx.Done():
			return nil, ErrDisposed
		case <-s.inflight.Notify():
			s.busy()
			if err := s.deliver(); err != nil {
				return nil, err
			}
		case id := <-s.timerFire:
			s.busy()
			if err := s.fireTimer(id); err != nil {
				return nil, err
			}
		}
		if s.h.State() == StateFaulted {
			return nil, s.h.Err()
		}
	}
	if p.State() == goja.PromiseStateRejected {
		return nil, fmt.Errorf("unhandled rejection: %s", p.Result().String())
	}
	return p.Result(), nil
}

// busy and idle bracket the stretches in which the VM executes script.
func (s *sandbox) busy() { s.h.busySince.Store(time.Now().UnixNano()) }

func (s *sandbox) idle() { s.h.busySince.Store(0) }

func (s *sandbox) tick(cmd *tickCmd) {
	start := time.Now()
	err := s.update(cmd.dt)
	if err != nil {
		s.h.fault(&RuntimeFault{Scene: s.h.info.ID, Phase: "onUpdate", Err: err})
		err = s.h.Err()
	}
	s.h.running.CompareAndSwap(cmd.seq, 0)
	cmd.reply <- tickDone{elapsed: time.Since(start), err: err}
}

func (s *sandbox) update(dt time.Duration) error {
	if s.h.State() != StateRunning {
		return s.h.Err()
	}
	if s.onUpdate == nil {
		return nil
	}
	v, err := s.onUpdate(goja.Undefined(), s.vm.ToValue(dt.Seconds()))
	if err != nil {
		return err
	}
	_, err = s.settle(v)
	return err
}

func (s *sandbox) setTimer(repeat bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(s.vm.NewTypeError("callback must be a function"))
		}
		delay := time.Duration(call.Argument(1).ToFloat() * float64(time.Millisecond))
		if delay < 0 {
			delay = 0
		}
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = slices.Clone(call.Arguments[2:])
		}
		s.timerSeq++
		id := s.timerSeq
		t := &timer{fn: fn, args: args, interval: delay, repeat: repeat}
		s.timers[id] = t
		s.schedule(id, t)
		return s.vm.ToValue(id)
	}
}

func (s *sandbox) schedule(id int64, t *timer) {
	t.t = time.AfterFunc(t.interval, func() {
		select {
		case s.timerFire <- id:
		case <-s.ctx.Done():
		}
	})
}

func (s *sandbox) clearTimer(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	if t, ok := s.timers[id]; ok {
		t.t.Stop()
		delete(s.timers, id)
	}
	return goja.Undefined()
}

// fireTimer runs a timer callback. Exceptions are logged; only
// uncatchable errors such as an interrupt are returned.
func (s *sandbox) fireTimer(id int64) error {
	t, ok := s.timers[id]
	if !ok || s.h.State() != StateRunning {
		return nil
	}
	if t.repeat {
		s.schedule(id, t)
	} else {
		delete(s.timers, id)
	}
	if _, err := t.fn(goja.Undefined(), t.args...); err != nil {
		var ie *goja.InterruptedError
		if errors.As(err, &ie) {
			return err
		}
		s.logger.Warn("timer callback threw", "error", err)
	}
	return nil
}

// shutdown stops timers, cancels in-flight ops and rejects the script
// promises waiting on them. The runtime is interrupted before each reject
// so no further script code runs.
func (s *sandbox) shutdown() {
	for _, t := range s.timers {
		if t.t != nil {
			t.t.Stop()
		}
	}
	s.timers = nil
	s.inflight.CancelAll()
	if s.vm == nil {
		return
	}
	seqs := make([]uint64, 0, len(s.resolvers))
	for seq := range s.resolvers {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	for _, seq := range seqs {
		s.vm.Interrupt(ErrDisposed)
		_ = s.resolvers[seq].reject(s.vm.NewGoError(opbridge.ErrCancelled))
	}
	s.resolvers = nil
}
