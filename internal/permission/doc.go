// Package permission implements the gate every restricted op passes before
// its handler may run.
//
// A request is coalesced by (scene, kind, value): while one is undecided,
// identical requests join it and all callers observe the same decision. A
// request is resolved by the first source that knows the answer, in order:
//
//  1. session decisions made for the scene (in memory)
//  2. realm decisions (persisted)
//  3. global decisions (persisted)
//  4. configured rules (expr-lang expressions)
//  5. an interactive prompt
//
// Anything that is not an explicit Allow before the timeout is a Deny: the
// gate fails closed.
package permission
