// Package harness runs YAML scenarios against a real engine.
//
// A scenario declares scenes with inline scripts, a list of steps, and
// assertions on what the world model received. The harness builds an
// in-memory catalog from the scenes, starts an engine on it and drives the
// host loop frame by frame; nothing is mocked between the scripts and the
// world.
//
// # Scenario Format
//
//	name: write_once
//	description: "A scene writes one component"
//	start: "0,0"
//	scenes:
//	  - id: A
//	    parcels: ["0,0"]
//	    script: |
//	      exports.onUpdate = function () {
//	        return send([put(512, 2000, 1, text("hi"))]);
//	      };
//	grants:
//	  - { scene: A, kind: MovePlayer, decision: allow }
//	steps:
//	  - frames: 3
//	  - move: "1,0"
//	  - console: "hide A"
//	    expect: "hidden"
//	assertions:
//	  - type: world_has
//	    scene: A
//	    entity: 512
//	    component: 2000
//	    text: hi
//
// Scripts get a small prelude: put, remove and removeEntity build wire
// frames, text turns a string into bytes, and send hands frames to the
// host.
//
// # Assertion Types
//
//   - world_has: a component is live in the world, optionally with a payload
//   - world_missing: an entity (or one of its components) is not live
//   - scene_state: a scene is in the given scheduler state
//   - trace_contains: some trace event matches
//   - trace_count: exactly count trace events match
//   - trace_order: the listed matchers match events in this order
//
// # Deterministic Traces
//
// After the initial load and after every step the harness keeps stepping
// until nothing has changed for a short quiet period, then records the
// net world changes of that step sorted by namespace, entity and component.
// Reserved entities (player, camera, root) are left out. Permission
// request ids come from a sequence (req-1, req-2, ...), so console steps
// can answer prompts by id. Traces are compared against golden files with
// goldie.
package harness
