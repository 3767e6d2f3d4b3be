package comms

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport closed")

// Transport moves frames between this host and its peers. Frames sent by
// this host are never delivered back to it.
type Transport interface {
	// Send delivers f to every connected peer.
	Send(ctx context.Context, f Frame) error
	// Frames yields frames received from peers. Consumers select on their
	// own context; the channel is not closed.
	Frames() <-chan Frame
	Close() error
}
