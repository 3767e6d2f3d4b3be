// Package store provides SQLite-backed durable storage for scenehost.
//
// Two tables live here:
//   - permission_decisions: Allow/Deny answers remembered at realm or global
//     scope, so they survive restarts
//   - kv_storage: per-scene local storage (the LocalStorage ops)
//
// Session-scoped permission decisions and all component state stay in
// memory and are never written.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Local storage rows are keyed by ir.StorageKey, which NFC-normalizes the
// key so visually identical keys address the same item.
package store
