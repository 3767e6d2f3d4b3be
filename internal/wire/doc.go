// Package wire implements the component wire codec: the binary framing
// scenes use to ship component updates to the host and the host uses to
// ship them back and to peers.
//
// Every message is a little-endian frame:
//
//	[length u32][type u32][body...]
//
// length counts the whole frame including the 8 byte header, which lets a
// decoder skip a message it cannot interpret and resynchronise on the next.
//
// Component payloads are opaque to the framing. A Registry knows which
// component ids are well-known and how their payloads must look; unknown ids
// are carried through untouched.
package wire
