// Package crdt implements the reconciler: the authoritative component store
// that merges writes from every scene and peer.
//
// Each (namespace, entity number, component) slot is a last-writer-wins
// register or, for grow-only components, a bounded set. Writes are ordered
// by (timestamp, actor, tombstone, payload) so that any two distinct writes
// compare, which makes the merge commutative, associative and idempotent:
// every delivery order of the same set of messages converges on the same
// state.
//
// Entity deletion is generation-aware. Deleting an entity records a
// per-number generation watermark; writes carrying a generation at or below
// the watermark are rejected so a deleted entity cannot be resurrected by a
// late message.
//
// A Reconciler is not safe for concurrent use. The engine's host loop owns
// it and is its single writer.
package crdt
