// Package sandbox runs scene scripts in isolated ECMAScript runtimes.
//
// Each scene gets its own goja runtime driven by its own goroutine. The
// runtime sees a fixed capability table and nothing else: console, timers,
// fetch and require("~system/<Module>") for the modules the op catalog
// declares. Every host interaction goes through the op bridge.
//
// The host drives scenes with Tick. A tick posts onUpdate(dt) to the
// sandbox and waits at most the tick budget; late results are collected on
// the next Tick and the overrun is charged to the scene as frame-time debt.
// A tick that is still running after the hard limit is interrupted and the
// scene is faulted. Faulted scenes never run again until respawned.
package sandbox
