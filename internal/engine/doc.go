// Package engine implements the scene host loop.
//
// The engine ties the other packages together: the scheduler decides which
// scenes run, the sandbox manager runs them, the op bridge carries their
// calls, the reconciler merges their component writes and the world model
// receives the result.
//
// ARCHITECTURE:
//
// Single-Writer Host Loop:
// One goroutine owns the reconciler, the scheduler and the world model.
// Sandboxes never touch them directly. This gives:
//   - One merge order for every namespace
//   - Scene writes applied in the order each scene sent them
//   - No locks around component state
//
// Frame Flow:
//  1. Run wakes on the frame ticker, the task queue, finished scene loads,
//     peer frames and permission prompts
//  2. Frame ticks scenes within their budgets
//  3. A scene's EngineApi.crdtSendToRenderer enqueues its batch and takes
//     the messages waiting in its outbox
//  4. The host applies the batch, routes accepted changes to other scenes'
//     outboxes and to peers, and the reconciler listener updates the world
//
// Async ops that need host state (crdtGetState, movement, realm changes)
// run closures on the loop through Do.
//
// CRITICAL PATTERNS:
//
// Bounded Queue:
// The queue between sandboxes and the loop has a fixed capacity. A scene
// sending faster than the host applies blocks in its own goroutine.
//
// Disposal Is Final:
// A disposed scene's namespace is swept before anything else runs, and any
// batch it had in flight is dropped.
package engine
