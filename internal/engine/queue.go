package engine

import (
	"context"
	"sync"

	"github.com/roach88/scenehost/internal/crdt"
)

// task is one unit of host-loop work: a batch of scene writes or a closure.
type task struct {
	// ctx is the producer's context. Tasks whose producer has gone away
	// (a disposed sandbox) are dropped unprocessed.
	ctx   context.Context
	scene string
	batch *crdt.Batch
	fn    func()
}

// taskQueue is a bounded FIFO between sandbox goroutines and the host loop.
//
// Enqueue blocks while the queue is full, so a scene that produces batches
// faster than the host applies them is slowed down instead of growing
// memory. The host loop never blocks on it: it polls with TryDequeue and
// waits on Wait inside its select.
type taskQueue struct {
	mu       sync.Mutex
	tasks    []task
	capacity int
	closed   bool
	signal   chan struct{} // work available (buffered, size 1)
	space    chan struct{} // room available (buffered, size 1)
}

func newTaskQueue(capacity int) *taskQueue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &taskQueue{
		tasks:    make([]task, 0, min(capacity, 64)),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
	}
}

// Enqueue adds t to the back of the queue, waiting for room if needed.
// Returns ErrQueueClosed after Close, or ctx's error if ctx ends first.
func (q *taskQueue) Enqueue(ctx context.Context, t task) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if len(q.tasks) < q.capacity {
			q.tasks = append(q.tasks, t)
			notify(q.signal)
			// Pass the wakeup on to the next blocked producer.
			if len(q.tasks) < q.capacity {
				notify(q.space)
			}
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()

		select {
		case <-q.space:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// TryDequeue removes the front task without blocking.
func (q *taskQueue) TryDequeue() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return task{}, false
	}
	t := q.tasks[0]
	// Clear the slot so the batch can be collected.
	q.tasks[0] = task{}
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	if !q.closed {
		notify(q.space)
	}
	return t, true
}

// Wait returns a channel that signals when tasks may be available. It is
// closed by Close.
func (q *taskQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued tasks.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Cap returns the queue capacity.
func (q *taskQueue) Cap() int { return q.capacity }

// Close rejects further tasks and wakes every waiter. Tasks already queued
// can still be dequeued.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	// Drop pending tokens so every receive after Close reports closed.
	drain(q.signal)
	drain(q.space)
	close(q.signal)
	close(q.space)
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
