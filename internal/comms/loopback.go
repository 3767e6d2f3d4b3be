package comms

import (
	"context"
	"sort"
	"sync"

	"github.com/roach88/scenehost/internal/ir"
)

// Hub connects Loopback transports in one process.
type Hub struct {
	mu      sync.Mutex
	members map[ir.ActorID]*Loopback
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{members: make(map[ir.ActorID]*Loopback)}
}

// Join adds an actor to the hub. Joining twice with the same actor replaces
// the earlier member.
func (h *Hub) Join(actor ir.ActorID) *Loopback {
	l := &Loopback{hub: h, actor: actor, frames: make(chan Frame, DefaultPeerQueue)}
	h.mu.Lock()
	h.members[actor] = l
	h.mu.Unlock()
	return l
}

// Members returns the joined actors, sorted.
func (h *Hub) Members() []ir.ActorID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ir.ActorID, 0, len(h.members))
	for a := range h.members {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (h *Hub) others(self *Loopback) []*Loopback {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Loopback, 0, len(h.members))
	for a, l := range h.members {
		if l != self && a != self.actor {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].actor < out[j].actor })
	return out
}

func (h *Hub) leave(l *Loopback) {
	h.mu.Lock()
	if h.members[l.actor] == l {
		delete(h.members, l.actor)
	}
	h.mu.Unlock()
}

// Loopback is an in-process Transport. Send blocks while a receiver's
// queue is full.
type Loopback struct {
	hub    *Hub
	actor  ir.ActorID
	frames chan Frame

	mu     sync.Mutex
	closed bool
}

// Actor returns the member's actor id.
func (l *Loopback) Actor() ir.ActorID { return l.actor }

// Send implements Transport.
func (l *Loopback) Send(ctx context.Context, f Frame) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if f.From == "" {
		f.From = l.actor
	}
	for _, other := range l.hub.others(l) {
		g := f
		g.Data = append([]byte(nil), f.Data...)
		select {
		case other.frames <- g:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Frames implements Transport.
func (l *Loopback) Frames() <-chan Frame { return l.frames }

// Close leaves the hub.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		l.hub.leave(l)
	}
	return nil
}
