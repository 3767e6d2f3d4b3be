// Package comms carries reconciler changes and chat between hosts.
//
// A Transport moves Frames. WSTransport speaks websocket to its peers and
// can zstd-compress frame bodies; Hub and Loopback connect hosts inside one
// process for tests and the scenario harness.
package comms
