package crdt

import (
	"log/slog"
	"slices"
	"sort"

	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/wire"
)

// Outcome is the result of applying one message.
type Outcome int

const (
	// Accepted means the message changed the store.
	Accepted Outcome = iota
	// Stale means the message lost to what is already stored (or was a
	// duplicate). Not an error.
	Stale
	// Resurrection means the message targets a deleted entity generation.
	Resurrection
	// Invalid means the message failed codec validation.
	Invalid
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Stale:
		return "stale"
	case Resurrection:
		return "resurrection"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Batch is a group of messages from one writer, applied in order.
type Batch struct {
	Namespace ir.Namespace
	Actor     ir.ActorID
	Messages  []wire.Message
}

// Change is an accepted modification, as reported to the world model and
// routed to scenes and peers.
type Change struct {
	Ref       ir.EntityRef
	Component ir.ComponentID
	Op        wire.MessageType
	Timestamp ir.Timestamp
	Actor     ir.ActorID
	Payload   []byte
	Tombstone bool
}

// Message returns the wire message that reproduces this change.
func (c Change) Message() wire.Message {
	switch {
	case c.Op == wire.DeleteEntity:
		return wire.DeleteEnt(c.Ref.Entity)
	case c.Tombstone:
		return wire.Delete(c.Ref.Entity, c.Component, c.Timestamp)
	case c.Op == wire.AppendValue:
		return wire.Append(c.Ref.Entity, c.Component, c.Timestamp, c.Payload)
	default:
		return wire.Put(c.Ref.Entity, c.Component, c.Timestamp, c.Payload)
	}
}

// BatchResult reports what happened to each message of a batch.
type BatchResult struct {
	Outcomes []Outcome
	Changes  []Change
	Errors   []error
}

// Accepted returns how many messages were accepted.
func (r BatchResult) Accepted() int {
	n := 0
	for _, o := range r.Outcomes {
		if o == Accepted {
			n++
		}
	}
	return n
}

// Listener receives every accepted change.
type Listener interface {
	OnChange(Change)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Change)

// OnChange implements Listener.
func (f ListenerFunc) OnChange(c Change) { f(c) }

// slotKey addresses one slot. Registered components live under the key
// their kind dictates. An unregistered component may have a last-writer-wins
// slot and a grow-only slot side by side, so its state never depends on
// which message type arrived first.
type slotKey struct {
	number    uint16
	component ir.ComponentID
	growOnly  bool
}

type namespaceState struct {
	slots   map[slotKey]*Slot
	deleted map[uint16]uint16
}

func newNamespaceState() *namespaceState {
	return &namespaceState{
		slots:   make(map[slotKey]*Slot),
		deleted: make(map[uint16]uint16),
	}
}

// Reconciler is the authoritative component store.
type Reconciler struct {
	registry   *wire.Registry
	namespaces map[ir.Namespace]*namespaceState
	listeners  []Listener
	logger     *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithRegistry sets the component registry used for validation and merge
// kinds. Defaults to wire.DefaultRegistry().
func WithRegistry(r *wire.Registry) Option {
	return func(rc *Reconciler) { rc.registry = r }
}

// WithListener registers a change listener.
func WithListener(l Listener) Option {
	return func(rc *Reconciler) { rc.listeners = append(rc.listeners, l) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(rc *Reconciler) { rc.logger = l }
}

// New creates an empty reconciler.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		registry:   wire.DefaultRegistry(),
		namespaces: make(map[ir.Namespace]*namespaceState),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddListener registers a change listener after construction.
func (r *Reconciler) AddListener(l Listener) {
	r.listeners = append(r.listeners, l)
}

func (r *Reconciler) ns(name ir.Namespace) *namespaceState {
	st, ok := r.namespaces[name]
	if !ok {
		st = newNamespaceState()
		r.namespaces[name] = st
	}
	return st
}

// ApplyBatch applies every message of b in order. A message that fails
// validation is dropped and reported; the rest of the batch still applies.
func (r *Reconciler) ApplyBatch(b Batch) BatchResult {
	res := BatchResult{Outcomes: make([]Outcome, 0, len(b.Messages))}
	for _, m := range b.Messages {
		if err := r.registry.Validate(m); err != nil {
			r.logger.Warn("dropping invalid message",
				"namespace", b.Namespace,
				"actor", b.Actor,
				"entity", m.Entity,
				"component", m.Component,
				"error", err,
			)
			res.Outcomes = append(res.Outcomes, Invalid)
			res.Errors = append(res.Errors, err)
			continue
		}
		before := len(res.Changes)
		out := r.apply(b.Namespace, b.Actor, m, &res.Changes)
		res.Outcomes = append(res.Outcomes, out)
		for _, c := range res.Changes[before:] {
			r.notify(c)
		}
	}
	return res
}

// Apply applies a single message. Convenience for host-originated writes.
func (r *Reconciler) Apply(ns ir.Namespace, actor ir.ActorID, m wire.Message) (Outcome, []Change) {
	res := r.ApplyBatch(Batch{Namespace: ns, Actor: actor, Messages: []wire.Message{m}})
	return res.Outcomes[0], res.Changes
}

func (r *Reconciler) notify(c Change) {
	for _, l := range r.listeners {
		l.OnChange(c)
	}
}

func (r *Reconciler) apply(nsName ir.Namespace, actor ir.ActorID, m wire.Message, changes *[]Change) Outcome {
	st := r.ns(nsName)
	number, gen := m.Entity.Number(), m.Entity.Generation()

	if dg, ok := st.deleted[number]; ok && gen <= dg {
		if m.Type == wire.DeleteEntity {
			return Stale
		}
		return Resurrection
	}

	if m.Type == wire.DeleteEntity {
		r.deleteEntity(nsName, st, number, gen, changes)
		return Accepted
	}

	ref := ir.EntityRef{Namespace: nsName, Entity: m.Entity}
	kind, known := r.registry.KindOf(m.Component)
	switch {
	case known:
		return r.applySlot(st, slotKey{number, m.Component, kind == wire.GrowOnly}, gen, actor, ref, m, changes)
	case m.Type == wire.AppendValue:
		return r.applySlot(st, slotKey{number, m.Component, true}, gen, actor, ref, m, changes)
	case m.Type == wire.PutComponent:
		return r.applySlot(st, slotKey{number, m.Component, false}, gen, actor, ref, m, changes)
	}

	// A delete of an unregistered component applies to both of its slots.
	var scratch []Change
	lww := r.applySlot(st, slotKey{number, m.Component, false}, gen, actor, ref, m, &scratch)
	grow := r.applySlot(st, slotKey{number, m.Component, true}, gen, actor, ref, m, &scratch)
	if len(scratch) > 0 {
		*changes = append(*changes, scratch[0])
	}
	if lww == Accepted || grow == Accepted {
		return Accepted
	}
	return Stale
}

// applySlot merges m into the slot at k.
func (r *Reconciler) applySlot(st *namespaceState, k slotKey, gen uint16,
	actor ir.ActorID, ref ir.EntityRef, m wire.Message, changes *[]Change) Outcome {
	slot, exists := st.slots[k]
	if exists && gen < slot.Generation {
		return Stale
	}
	if exists && gen > slot.Generation {
		// A newer generation of the same number replaces the old slot.
		delete(st.slots, k)
		exists = false
	}

	if k.growOnly {
		return r.applyGrowOnly(st, k, slot, exists, gen, actor, ref, m, changes)
	}
	if m.Type == wire.AppendValue {
		// Appends to a registered last-writer-wins component replace it.
		m.Type = wire.PutComponent
	}

	w := write{ts: m.Timestamp, actor: actor, tombstone: m.Type == wire.DeleteComponent}
	if !w.tombstone {
		w.payload = m.Payload
	}
	if exists && compareWrites(w, slot.key()) <= 0 {
		return Stale
	}

	st.slots[k] = &Slot{
		Generation: gen,
		Timestamp:  w.ts,
		Actor:      w.actor,
		Tombstone:  w.tombstone,
		Payload:    w.payload,
	}
	*changes = append(*changes, Change{
		Ref:       ref,
		Component: m.Component,
		Op:        m.Type,
		Timestamp: w.ts,
		Actor:     actor,
		Payload:   w.payload,
		Tombstone: w.tombstone,
	})
	return Accepted
}

func (r *Reconciler) applyGrowOnly(st *namespaceState, k slotKey, slot *Slot, exists bool, gen uint16,
	actor ir.ActorID, ref ir.EntityRef, m wire.Message, changes *[]Change) Outcome {
	if !exists {
		slot = &Slot{Generation: gen, GrowOnly: true}
	}

	switch m.Type {
	case wire.DeleteComponent:
		if !slot.clear(m.Timestamp) {
			return Stale
		}
		st.slots[k] = slot
		*changes = append(*changes, Change{
			Ref: ref, Component: m.Component, Op: m.Type,
			Timestamp: m.Timestamp, Actor: actor, Tombstone: true,
		})
		return Accepted

	case wire.AppendValue:
		if slot.HasCleared && m.Timestamp <= slot.Cleared {
			return Stale
		}
		v := Value{Timestamp: m.Timestamp, Actor: actor, Payload: m.Payload}
		if !slot.insert(v) {
			return Stale
		}
		st.slots[k] = slot
		*changes = append(*changes, Change{
			Ref: ref, Component: m.Component, Op: m.Type,
			Timestamp: m.Timestamp, Actor: actor, Payload: m.Payload,
		})
		return Accepted
	}
	return Stale
}

func (r *Reconciler) deleteEntity(nsName ir.Namespace, st *namespaceState, number, gen uint16, changes *[]Change) {
	st.deleted[number] = gen

	var keys []slotKey
	for k, s := range st.slots {
		if k.number == number && s.Generation <= gen {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].component != keys[j].component {
			return keys[i].component < keys[j].component
		}
		return !keys[i].growOnly && keys[j].growOnly
	})

	for _, k := range keys {
		s := st.slots[k]
		if s.Live() {
			*changes = append(*changes, Change{
				Ref:       ir.EntityRef{Namespace: nsName, Entity: ir.NewEntity(number, s.Generation)},
				Component: k.component,
				Op:        wire.DeleteComponent,
				Timestamp: s.Timestamp,
				Actor:     s.Actor,
				Tombstone: true,
			})
		}
		delete(st.slots, k)
	}
	*changes = append(*changes, Change{
		Ref:       ir.EntityRef{Namespace: nsName, Entity: ir.NewEntity(number, gen)},
		Op:        wire.DeleteEntity,
		Tombstone: true,
	})
}

// SweepNamespace tombstones every live slot of ns and forgets the
// namespace. Used when a scene is disposed so its entities disappear from
// the world. The returned changes are also delivered to listeners.
func (r *Reconciler) SweepNamespace(nsName ir.Namespace) []Change {
	st, ok := r.namespaces[nsName]
	if !ok {
		return nil
	}
	keys := sortedKeys(st)
	var changes []Change
	for _, k := range keys {
		s := st.slots[k]
		if !s.Live() {
			continue
		}
		changes = append(changes, Change{
			Ref:       ir.EntityRef{Namespace: nsName, Entity: ir.NewEntity(k.number, s.Generation)},
			Component: k.component,
			Op:        wire.DeleteComponent,
			Timestamp: s.Timestamp,
			Actor:     s.Actor,
			Tombstone: true,
		})
	}
	delete(r.namespaces, nsName)
	for _, c := range changes {
		r.notify(c)
	}
	return changes
}

// Get returns the slot for (ns, entity number, component). The entity's
// generation is not matched; inspect Slot.Generation.
func (r *Reconciler) Get(nsName ir.Namespace, e ir.Entity, c ir.ComponentID) (Slot, bool) {
	st, ok := r.namespaces[nsName]
	if !ok {
		return Slot{}, false
	}
	s, ok := st.slots[r.lookupKey(st, e.Number(), c)]
	if !ok {
		return Slot{}, false
	}
	return s.clone(), true
}

// lookupKey picks the slot Get reports: the registered kind, or for an
// unregistered component its last-writer-wins slot when it has one.
func (r *Reconciler) lookupKey(st *namespaceState, number uint16, c ir.ComponentID) slotKey {
	if kind, ok := r.registry.KindOf(c); ok {
		return slotKey{number, c, kind == wire.GrowOnly}
	}
	k := slotKey{number, c, false}
	if _, ok := st.slots[k]; ok {
		return k
	}
	return slotKey{number, c, true}
}

// NextTimestamp returns a timestamp that beats whatever is stored for the
// slot. Used by host-originated writes.
func (r *Reconciler) NextTimestamp(nsName ir.Namespace, e ir.Entity, c ir.ComponentID) ir.Timestamp {
	st, ok := r.namespaces[nsName]
	if !ok {
		return 1
	}
	var ts ir.Timestamp
	for _, grow := range []bool{false, true} {
		s, ok := st.slots[slotKey{e.Number(), c, grow}]
		if !ok {
			continue
		}
		ts = max(ts, s.Timestamp, s.Cleared)
		for _, v := range s.Values {
			ts = max(ts, v.Timestamp)
		}
	}
	return ts + 1
}

// Namespaces returns the known namespaces in sorted order.
func (r *Reconciler) Namespaces() []ir.Namespace {
	out := make([]ir.Namespace, 0, len(r.namespaces))
	for n := range r.namespaces {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// State encodes the namespace's state as wire messages: deleted entity
// watermarks, then every slot in (entity, component) order. Tombstones are
// included so a scene that replays the state learns about deletions.
func (r *Reconciler) State(nsName ir.Namespace) []wire.Message {
	st, ok := r.namespaces[nsName]
	if !ok {
		return nil
	}
	var msgs []wire.Message

	numbers := make([]uint16, 0, len(st.deleted))
	for n := range st.deleted {
		numbers = append(numbers, n)
	}
	slices.Sort(numbers)
	for _, n := range numbers {
		msgs = append(msgs, wire.DeleteEnt(ir.NewEntity(n, st.deleted[n])))
	}

	for _, k := range sortedKeys(st) {
		s := st.slots[k]
		e := ir.NewEntity(k.number, s.Generation)
		switch {
		case s.GrowOnly:
			for _, v := range s.Values {
				msgs = append(msgs, wire.Append(e, k.component, v.Timestamp, v.Payload))
			}
		case s.Tombstone:
			msgs = append(msgs, wire.Delete(e, k.component, s.Timestamp))
		default:
			msgs = append(msgs, wire.Put(e, k.component, s.Timestamp, s.Payload))
		}
	}
	return msgs
}

// Entry is one slot in a snapshot.
type Entry struct {
	Ref       ir.EntityRef
	Component ir.ComponentID
	Slot      Slot
}

// Snapshot returns every slot in every namespace, sorted by namespace,
// entity number and component. Two reconcilers that received the same set
// of messages produce equal snapshots.
func (r *Reconciler) Snapshot() []Entry {
	var out []Entry
	for _, nsName := range r.Namespaces() {
		out = append(out, r.Entries(nsName)...)
	}
	return out
}

// Entries returns the slots of one namespace in entity, component order.
func (r *Reconciler) Entries(nsName ir.Namespace) []Entry {
	st, ok := r.namespaces[nsName]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(st.slots))
	for _, k := range sortedKeys(st) {
		s := st.slots[k]
		out = append(out, Entry{
			Ref:       ir.EntityRef{Namespace: nsName, Entity: ir.NewEntity(k.number, s.Generation)},
			Component: k.component,
			Slot:      s.clone(),
		})
	}
	return out
}

// Deleted returns the generation watermark of a deleted entity number.
func (r *Reconciler) Deleted(nsName ir.Namespace, number uint16) (uint16, bool) {
	st, ok := r.namespaces[nsName]
	if !ok {
		return 0, false
	}
	g, ok := st.deleted[number]
	return g, ok
}

func sortedKeys(st *namespaceState) []slotKey {
	keys := make([]slotKey, 0, len(st.slots))
	for k := range st.slots {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].number != keys[j].number {
			return keys[i].number < keys[j].number
		}
		if keys[i].component != keys[j].component {
			return keys[i].component < keys[j].component
		}
		return !keys[i].growOnly && keys[j].growOnly
	})
	return keys
}
