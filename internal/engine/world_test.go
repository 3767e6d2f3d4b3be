package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/wire"
)

func TestMemWorld_ApplyAndTombstone(t *testing.T) {
	w := NewMemWorld(ir.Parcel{X: 2})
	r := ref("A", 512)

	w.Apply(r, 1, []byte{1}, false)
	w.Apply(r, 2, []byte{2}, false)
	w.Apply(ref("B", 512), 1, []byte{3}, false)

	got, ok := w.Get(r, 1)
	require.True(t, ok)
	assert.Equal(t, []byte{1}, got)
	assert.Len(t, w.Namespace("A"), 2)

	w.Apply(r, 1, nil, true)
	w.Apply(r, 2, nil, true)
	assert.False(t, w.Has(r))
	assert.Equal(t, []WorldEntry{{Ref: ref("B", 512), Component: 1, Payload: []byte{3}}}, w.Entries())
	assert.Equal(t, 5, w.Applied())
	assert.Equal(t, ir.Parcel{X: 2}, w.PlayerPosition())
}

func TestMemWorld_EntriesSorted(t *testing.T) {
	w := NewMemWorld(ir.Parcel{})
	w.Apply(ref("B", 1), 5, nil, false)
	w.Apply(ref("A", 2), 1, nil, false)
	w.Apply(ref("A", 1), 9, nil, false)
	w.Apply(ref("A", 1), 3, nil, false)

	var order []string
	for _, e := range w.Entries() {
		order = append(order, e.Ref.String()+"/"+wire.DefaultRegistry().Name(e.Component))
	}
	assert.Equal(t, []string{"A#1/component#3", "A#1/component#9", "A#2/Transform", "B#1/component#5"}, order)
}

func TestLogActions_Records(t *testing.T) {
	a := NewLogActions(discardLogger())
	ctx := context.Background()

	require.NoError(t, a.Teleport(ctx, "A", ir.Parcel{X: 1, Y: 2}))
	require.NoError(t, a.OpenURL(ctx, "A", "https://example.com"))

	calls := a.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, ActionCall{Scene: "A", Action: "teleportTo", Args: ir.IRObject{"parcel": ir.IRString("1,2")}}, calls[0])
	assert.Equal(t, "openExternalUrl", calls[1].Action)
}

func TestGeometry(t *testing.T) {
	assert.Equal(t, wire.Vec3{X: 8, Z: 8}, parcelCenter(ir.Parcel{}))
	assert.Equal(t, wire.Vec3{X: -8, Z: 40}, parcelCenter(ir.Parcel{X: -1, Y: 2}))

	assert.Equal(t, ir.Parcel{X: -1, Y: 0}, parcelAt(wire.Vec3{X: -0.5, Z: 15.9}))
	assert.Equal(t, ir.Parcel{X: 1, Y: 2}, parcelAt(wire.Vec3{X: 16, Z: 47}))

	base := ir.Parcel{X: 3, Y: -2}
	v := wire.Vec3{X: 50, Y: 1, Z: -20}
	assert.Equal(t, wire.Vec3{X: 2, Y: 1, Z: 12}, relativeTo(v, base))
	assert.Equal(t, v, worldFrom(relativeTo(v, base), base))
}

func TestNetIndex(t *testing.T) {
	n := newNetIndex()
	a := ref("A", 512)

	n.bind(a, 42)
	id, ok := n.lookup(ir.EntityRef{Namespace: "A", Entity: ir.NewEntity(512, 3)})
	require.True(t, ok, "lookup ignores the generation")
	assert.Equal(t, uint64(42), id)

	n.bind(a, 43)
	_, ok = n.ownerOf(42)
	assert.False(t, ok, "rebinding releases the old id")
	owner, ok := n.ownerOf(43)
	require.True(t, ok)
	assert.Equal(t, a, owner)

	n.bind(ref("B", 600), 44)
	n.forgetNamespace("A")
	_, ok = n.ownerOf(43)
	assert.False(t, ok)
	_, ok = n.ownerOf(44)
	assert.True(t, ok)

	n.unbind(ref("B", 600))
	_, ok = n.lookup(ref("B", 600))
	assert.False(t, ok)
}

func TestOutboxes(t *testing.T) {
	o := newOutboxes()
	o.push("A", wire.DeleteEnt(512))
	o.push("A", wire.DeleteEnt(513))
	o.push("B", wire.DeleteEnt(1))

	assert.Len(t, o.take("A"), 2)
	assert.Empty(t, o.take("A"))

	o.drop("B")
	assert.Empty(t, o.take("B"))
}

func TestEventStreams(t *testing.T) {
	s := newEventStreams(2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s.publish(StreamChat, "", ir.IRString("one"))
	s.publish(StreamChat, "B", ir.IRString("for B"))
	s.publish(StreamChat, "", ir.IRString("two"))

	v, err := s.next(ctx, StreamChat, "A")
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("two"), v, "retention dropped the oldest event and A skips B's")

	got := make(chan ir.IRValue, 1)
	go func() {
		v, _ := s.next(ctx, StreamChat, "A")
		got <- v
	}()
	time.Sleep(10 * time.Millisecond)
	s.publish(StreamChat, "A", ir.IRString("three"))
	select {
	case v := <-got:
		assert.Equal(t, ir.IRString("three"), v)
	case <-time.After(time.Second):
		t.Fatal("next did not wake")
	}

	s.publish(StreamPointer, "A", ir.IRString("click"))
	s.forget("A")
	short, cancelShort := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelShort()
	_, err = s.next(short, StreamPointer, "A")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "a forgotten scene starts after the last event")

	s.publish("unknown", "", ir.IRNull{})
	_, err = s.next(short, "unknown", "A")
	assert.Error(t, err)
}
