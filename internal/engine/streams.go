package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/scenehost/internal/ir"
)

// Event stream names scenes can pull from with EventStream.next.
const (
	StreamPermissions = "permissions"
	StreamChat        = "chat"
	StreamPointer     = "pointer"
)

// Streams lists every stream name.
var Streams = []string{StreamChat, StreamPermissions, StreamPointer}

// DefaultStreamRetention is how many events each stream keeps for scenes
// that have not pulled yet.
const DefaultStreamRetention = 256

type streamEvent struct {
	seq   uint64
	scene ir.SceneID // empty for broadcast events
	value ir.IRValue
}

type cursorKey struct {
	stream string
	scene  ir.SceneID
}

// eventStreams is a set of bounded, pull-style event feeds. Each scene has
// its own cursor per stream and sees every retained event after it that is
// either broadcast or addressed to it.
type eventStreams struct {
	mu        sync.Mutex
	retention int
	seq       uint64
	feeds     map[string][]streamEvent
	cursors   map[cursorKey]uint64
	wake      chan struct{}
}

func newEventStreams(retention int) *eventStreams {
	if retention <= 0 {
		retention = DefaultStreamRetention
	}
	feeds := make(map[string][]streamEvent, len(Streams))
	for _, name := range Streams {
		feeds[name] = nil
	}
	return &eventStreams{
		retention: retention,
		feeds:     feeds,
		cursors:   make(map[cursorKey]uint64),
		wake:      make(chan struct{}),
	}
}

// publish appends an event. scene restricts it to one scene; empty means
// every scene.
func (s *eventStreams) publish(stream string, scene ir.SceneID, v ir.IRValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	feed, ok := s.feeds[stream]
	if !ok {
		return
	}
	s.seq++
	feed = append(feed, streamEvent{seq: s.seq, scene: scene, value: v})
	if over := len(feed) - s.retention; over > 0 {
		feed = slices.Delete(feed, 0, over)
	}
	s.feeds[stream] = feed
	close(s.wake)
	s.wake = make(chan struct{})
}

// next blocks until scene has an unseen event on stream.
func (s *eventStreams) next(ctx context.Context, stream string, scene ir.SceneID) (ir.IRValue, error) {
	for {
		s.mu.Lock()
		k := cursorKey{stream: stream, scene: scene}
		cursor := s.cursors[k]
		for _, ev := range s.feeds[stream] {
			if ev.seq <= cursor || (ev.scene != "" && ev.scene != scene) {
				continue
			}
			s.cursors[k] = ev.seq
			s.mu.Unlock()
			return ev.value, nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// forget drops a scene's addressed events and moves its cursors to the
// end, so a reloaded scene does not replay what its previous run saw.
func (s *eventStreams) forget(scene ir.SceneID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, feed := range s.feeds {
		s.cursors[cursorKey{stream: name, scene: scene}] = s.seq
		s.feeds[name] = slices.DeleteFunc(feed, func(ev streamEvent) bool { return ev.scene == scene })
	}
}
