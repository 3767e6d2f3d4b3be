package engine

import (
	"context"
	"math"
	"slices"
	"sync"

	"github.com/roach88/scenehost/internal/comms"
	"github.com/roach88/scenehost/internal/crdt"
	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/scheduler"
	"github.com/roach88/scenehost/internal/wire"
)

// ParcelSize is the edge length of a parcel in world units.
const ParcelSize = 16

// netEntity is the single entity of a network namespace.
const netEntity = ir.RootEntity

func parcelCenter(p ir.Parcel) wire.Vec3 {
	return wire.Vec3{
		X: float32(p.X*ParcelSize) + ParcelSize/2,
		Z: float32(p.Y*ParcelSize) + ParcelSize/2,
	}
}

func parcelAt(v wire.Vec3) ir.Parcel {
	return ir.Parcel{
		X: int(math.Floor(float64(v.X) / ParcelSize)),
		Y: int(math.Floor(float64(v.Z) / ParcelSize)),
	}
}

// relativeTo converts world coordinates into a scene's frame, whose origin
// is the corner of its base parcel.
func relativeTo(v wire.Vec3, base ir.Parcel) wire.Vec3 {
	return wire.Vec3{X: v.X - float32(base.X*ParcelSize), Y: v.Y, Z: v.Z - float32(base.Y*ParcelSize)}
}

func worldFrom(v wire.Vec3, base ir.Parcel) wire.Vec3 {
	return wire.Vec3{X: v.X + float32(base.X*ParcelSize), Y: v.Y, Z: v.Z + float32(base.Y*ParcelSize)}
}

// outboxes hold the messages each scene has not yet seen: writes to its
// namespace by the host or by peers. A scene collects them on its next
// crdtSendToRenderer.
type outboxes struct {
	mu    sync.Mutex
	boxes map[ir.SceneID][]wire.Message
}

func newOutboxes() *outboxes {
	return &outboxes{boxes: make(map[ir.SceneID][]wire.Message)}
}

func (o *outboxes) push(scene ir.SceneID, m wire.Message) {
	o.mu.Lock()
	o.boxes[scene] = append(o.boxes[scene], m)
	o.mu.Unlock()
}

func (o *outboxes) take(scene ir.SceneID) []wire.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := o.boxes[scene]
	delete(o.boxes, scene)
	return msgs
}

func (o *outboxes) drop(scene ir.SceneID) {
	o.mu.Lock()
	delete(o.boxes, scene)
	o.mu.Unlock()
}

// netIndex maps scene entities that carry a NetworkEntity component to
// their network namespace and back. Host loop only.
type netIndex struct {
	byEntity map[entityKey]uint64
	owner    map[uint64]ir.EntityRef
}

type entityKey struct {
	ns     ir.Namespace
	number uint16
}

func newNetIndex() *netIndex {
	return &netIndex{byEntity: make(map[entityKey]uint64), owner: make(map[uint64]ir.EntityRef)}
}

func (n *netIndex) bind(ref ir.EntityRef, id uint64) {
	k := entityKey{ns: ref.Namespace, number: ref.Entity.Number()}
	if old, ok := n.byEntity[k]; ok && old != id {
		delete(n.owner, old)
	}
	n.byEntity[k] = id
	n.owner[id] = ref
}

func (n *netIndex) unbind(ref ir.EntityRef) {
	k := entityKey{ns: ref.Namespace, number: ref.Entity.Number()}
	if id, ok := n.byEntity[k]; ok {
		delete(n.byEntity, k)
		delete(n.owner, id)
	}
}

func (n *netIndex) lookup(ref ir.EntityRef) (uint64, bool) {
	id, ok := n.byEntity[entityKey{ns: ref.Namespace, number: ref.Entity.Number()}]
	return id, ok
}

func (n *netIndex) ownerOf(id uint64) (ir.EntityRef, bool) {
	ref, ok := n.owner[id]
	return ref, ok
}

func (n *netIndex) forgetNamespace(ns ir.Namespace) {
	for k, id := range n.byEntity {
		if k.ns == ns {
			delete(n.byEntity, k)
			delete(n.owner, id)
		}
	}
}

// toWorld is the reconciler listener. Network namespaces are bookkeeping
// for peers; the world sees them through the owning scene.
func (e *Engine) toWorld(c crdt.Change) {
	if c.Ref.Namespace.IsNetwork() || c.Op == wire.DeleteEntity {
		return
	}
	e.world.Apply(c.Ref, c.Component, c.Payload, c.Tombstone)
}

// route delivers accepted changes of scene namespaces. Changes a scene did
// not write itself go to its outbox. Changes it did write to a networked
// entity are mirrored into the entity's network namespace for peers.
func (e *Engine) route(ctx context.Context, origin ir.SceneID, changes []crdt.Change) {
	for _, c := range changes {
		ns := c.Ref.Namespace
		if ns.IsNetwork() || ns.IsPeer() {
			continue
		}
		scene := ir.SceneID(ns)
		if origin != scene {
			e.outbox.push(scene, c.Message())
			continue
		}
		e.mirror(c)
	}
}

func (e *Engine) mirror(c crdt.Change) {
	switch {
	case c.Op == wire.DeleteEntity:
		e.net.unbind(c.Ref)
		return
	case c.Component == wire.NetworkEntity:
		if c.Tombstone {
			e.net.unbind(c.Ref)
			return
		}
		id, err := wire.ParseNetworkID(c.Payload)
		if err != nil || id.NetworkID == 0 {
			e.logger.Warn("ignoring bad network entity",
				"scene_id", c.Ref.Namespace,
				"entity", c.Ref.Entity.String(),
				"error", err,
			)
			return
		}
		e.net.bind(c.Ref, id.NetworkID)
		e.catchUp(c.Ref, ir.NetworkNamespace(id.NetworkID))
		return
	}

	id, ok := e.net.lookup(c.Ref)
	if !ok {
		return
	}
	netNS := ir.NetworkNamespace(id)
	m := c.Message()
	m.Entity = netEntity
	_, changes := e.reconciler.Apply(netNS, e.actor, m)
	for _, nc := range changes {
		e.pending[netNS] = append(e.pending[netNS], nc.Message())
	}
}

// catchUp copies what peers already wrote to a network namespace onto the
// entity that just joined it.
func (e *Engine) catchUp(owner ir.EntityRef, netNS ir.Namespace) {
	for _, entry := range e.reconciler.Entries(netNS) {
		s := entry.Slot
		if s.GrowOnly || !s.Live() || s.Actor == e.actor {
			continue
		}
		_, changes := e.reconciler.Apply(owner.Namespace, s.Actor,
			wire.Put(owner.Entity, entry.Component, s.Timestamp, s.Payload))
		e.route(context.Background(), "", changes)
	}
}

// flushNet sends mirrored changes to peers, one frame per namespace.
func (e *Engine) flushNet(ctx context.Context) {
	if len(e.pending) == 0 {
		return
	}
	namespaces := make([]ir.Namespace, 0, len(e.pending))
	for ns := range e.pending {
		namespaces = append(namespaces, ns)
	}
	slices.Sort(namespaces)
	for _, ns := range namespaces {
		msgs := e.pending[ns]
		delete(e.pending, ns)
		e.send(ctx, comms.Frame{Kind: comms.KindCRDT, From: e.actor, Namespace: ns, Data: wire.EncodeAll(msgs)})
	}
}

func (e *Engine) send(ctx context.Context, f comms.Frame) {
	if e.transport == nil {
		return
	}
	if err := e.transport.Send(ctx, f); err != nil {
		e.logger.Warn("sending to peers failed", "kind", f.Kind.String(), "namespace", f.Namespace, "error", err)
	}
}

// handleFrame applies a frame from a peer.
func (e *Engine) handleFrame(ctx context.Context, f comms.Frame) {
	switch f.Kind {
	case comms.KindChat:
		e.logger.Info("chat", "from", f.From, "message", string(f.Data))
		e.streams.publish(StreamChat, "", ir.IRObject{
			"from":    ir.IRString(f.From),
			"message": ir.IRString(f.Data),
		})
		return
	case comms.KindCRDT:
	default:
		return
	}

	msgs, errs := e.registry.DecodeStream(f.Data)
	for _, err := range errs {
		e.logger.Warn("dropping peer message", "from", f.From, "namespace", f.Namespace, "error", err)
	}
	if len(msgs) == 0 {
		return
	}

	switch {
	case f.Namespace.IsNetwork():
		res := e.reconciler.ApplyBatch(crdt.Batch{Namespace: f.Namespace, Actor: f.From, Messages: msgs})
		id, _ := f.Namespace.NetworkID()
		owner, ok := e.net.ownerOf(id)
		if !ok {
			return
		}
		for _, c := range res.Changes {
			if c.Op == wire.DeleteEntity {
				continue
			}
			m := c.Message()
			m.Entity = owner.Entity
			_, changes := e.reconciler.Apply(owner.Namespace, f.From, m)
			e.route(ctx, "", changes)
		}
	case f.Namespace == ir.PeerNamespace(string(f.From)):
		e.reconciler.ApplyBatch(crdt.Batch{Namespace: f.Namespace, Actor: f.From, Messages: msgs})
	default:
		e.logger.Warn("dropping frame for foreign namespace", "from", f.From, "namespace", f.Namespace)
	}
}

// publishPlayer writes the player's transform into a scene's namespace,
// relative to the scene's base parcel.
func (e *Engine) publishPlayer(id ir.SceneID) {
	m, ok := e.live[id]
	if !ok {
		return
	}
	t := wire.IdentityTransform
	t.Position = relativeTo(e.player, m.Base)
	payload, err := t.MarshalBinary()
	if err != nil {
		e.logger.Error("encoding player transform", "error", err)
		return
	}
	e.writeHost(id, ir.PlayerEntity, wire.Transform, payload)
}

func (e *Engine) writeHost(id ir.SceneID, ent ir.Entity, comp ir.ComponentID, payload []byte) {
	ns := ir.SceneNamespace(id)
	ts := e.reconciler.NextTimestamp(ns, ent, comp)
	_, changes := e.reconciler.Apply(ns, e.actor, wire.Put(ent, comp, ts, payload))
	e.route(context.Background(), "", changes)
}

// announcePlayer tells peers where this host's player is.
func (e *Engine) announcePlayer(ctx context.Context) {
	if e.transport == nil {
		return
	}
	t := wire.IdentityTransform
	t.Position = e.player
	payload, err := t.MarshalBinary()
	if err != nil {
		return
	}
	e.peerTS++
	e.send(ctx, comms.Frame{
		Kind:      comms.KindCRDT,
		From:      e.actor,
		Namespace: ir.PeerNamespace(string(e.actor)),
		Data:      wire.Encode(wire.Put(ir.PlayerEntity, wire.Transform, e.peerTS, payload)),
	})
}

func (e *Engine) liveScenes() []ir.SceneID {
	ids := make([]ir.SceneID, 0, len(e.live))
	for id := range e.live {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// sceneReady runs when a scene's sandbox has started. The scene learns
// where the player is and who they are on its next send.
func (e *Engine) sceneReady(sc *scheduler.Scene) {
	e.live[sc.ID] = sc.Manifest
	e.publishPlayer(sc.ID)
	e.writeHost(sc.ID, ir.PlayerEntity, wire.PlayerIdentityData,
		wire.PlayerIdentity{Address: string(e.actor), IsGuest: true}.Marshal())
}

// sceneDisposed runs after a scene's sandbox is gone and its in-flight ops
// are cancelled. Its entities leave the world.
func (e *Engine) sceneDisposed(sc *scheduler.Scene) {
	delete(e.live, sc.ID)
	ns := ir.SceneNamespace(sc.ID)
	swept := e.reconciler.SweepNamespace(ns)
	e.outbox.drop(sc.ID)
	e.net.forgetNamespace(ns)
	e.gate.ForgetScene(sc.ID)
	e.streams.forget(sc.ID)
	e.logger.Debug("scene namespace swept", "scene_id", sc.ID, "tombstones", len(swept))
}
