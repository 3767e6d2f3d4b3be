package opbridge

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/scenehost/internal/ir"
)

// ErrCancelled resolves futures whose sandbox was disposed or whose caller
// gave up.
var ErrCancelled = errors.New("op cancelled")

// IsCancelled reports whether err is ErrCancelled.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// Future is the pending result of an async op.
type Future struct {
	Seq uint64
	Op  string

	done   chan struct{}
	once   sync.Once
	cancel context.CancelFunc
	result ir.IRValue
	err    error

	mu     sync.Mutex
	onDone []func()
}

func newFuture(seq uint64, op string, cancel context.CancelFunc) *Future {
	return &Future{Seq: seq, Op: op, done: make(chan struct{}), cancel: cancel}
}

// Resolved returns a future that is already complete.
func Resolved(seq uint64, op string, v ir.IRValue, err error) *Future {
	f := newFuture(seq, op, nil)
	f.resolve(v, err)
	return f
}

// resolve completes the future. Only the first call has effect.
func (f *Future) resolve(v ir.IRValue, err error) bool {
	first := false
	f.once.Do(func() {
		first = true
		f.result, f.err = v, err
		if f.cancel != nil {
			f.cancel()
		}
		close(f.done)
		f.mu.Lock()
		hooks := f.onDone
		f.onDone = nil
		f.mu.Unlock()
		for _, h := range hooks {
			h()
		}
	})
	return first
}

// OnDone registers fn to run once the future completes. If it already has,
// fn runs immediately.
func (f *Future) OnDone(fn func()) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		fn()
		return
	default:
	}
	f.onDone = append(f.onDone, fn)
	f.mu.Unlock()
}

// Done is closed when the future completes.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome. Only meaningful after Done is closed.
func (f *Future) Result() (ir.IRValue, error) {
	select {
	case <-f.done:
		return f.result, f.err
	default:
		return nil, errors.New("future not resolved")
	}
}

// Wait blocks until completion or ctx ends.
func (f *Future) Wait(ctx context.Context) (ir.IRValue, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel resolves the future with ErrCancelled and cancels the handler's
// context. No effect on a completed future.
func (f *Future) Cancel() {
	f.resolve(nil, ErrCancelled)
}

// Inflight tracks one sandbox's outstanding futures and releases them in
// request order: a completed future is only handed out once every earlier
// future has completed too. Not safe for concurrent use except for the
// Notify channel; the sandbox goroutine owns it.
type Inflight struct {
	queue  []*Future
	notify chan struct{}
}

// NewInflight creates an empty tracker.
func NewInflight() *Inflight {
	return &Inflight{notify: make(chan struct{}, 1)}
}

// Push appends a future. The tracker is signalled when it completes.
func (q *Inflight) Push(f *Future) {
	q.queue = append(q.queue, f)
	f.OnDone(func() {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	})
}

// Notify receives a value whenever some tracked future completes.
func (q *Inflight) Notify() <-chan struct{} { return q.notify }

// Drain removes and returns the completed prefix of the queue.
func (q *Inflight) Drain() []*Future {
	n := 0
	for n < len(q.queue) {
		select {
		case <-q.queue[n].done:
			n++
			continue
		default:
		}
		break
	}
	if n == 0 {
		return nil
	}
	out := append([]*Future(nil), q.queue[:n]...)
	q.queue = q.queue[n:]
	return out
}

// Len returns the number of undelivered futures.
func (q *Inflight) Len() int { return len(q.queue) }

// CancelAll cancels every outstanding future and returns them in order.
func (q *Inflight) CancelAll() []*Future {
	out := q.queue
	q.queue = nil
	for _, f := range out {
		f.Cancel()
	}
	return out
}
