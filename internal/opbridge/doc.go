// Package opbridge is the only path from scene scripts to host capabilities.
//
// A Catalog holds a fixed table of ops grouped by module. Each op declares
// a JSON schema for its arguments (compiled when registered), whether it
// runs synchronously or returns a Future, and whether it is restricted.
// Restricted ops ask the permission gate first; a denied op never runs its
// handler.
//
// The sandbox exposes Catalog.Modules() through require("~system/<Module>")
// and nothing else, so a name missing from the catalog does not exist for
// scripts.
package opbridge
