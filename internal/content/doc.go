// Package content locates and resolves scene content.
//
// A Catalog answers two questions for the scheduler: which scenes cover a
// set of parcels, and what a given scene consists of. DirCatalog serves a
// directory tree with one sub-directory per scene, each holding a
// scene.json manifest validated against a CUE schema. Retrying wraps any
// catalog with exponential backoff for transient failures.
package content
