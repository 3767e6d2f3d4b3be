// Package scheduler decides which scenes run and how much frame time each
// one gets.
//
// Scenes within the load radius of the player are loaded and ticked. Scenes
// in the band between the load radius and the keep-warm radius are
// suspended: their sandbox stays alive but is not ticked. Anything farther
// is disposed. A move longer than the teleport distance, or a realm change,
// disposes everything and starts over.
//
// Loads run in the background; their results are applied on the host loop
// by Drain so that the scene table is only ever touched by one goroutine.
package scheduler
