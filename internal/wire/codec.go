package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/roach88/scenehost/internal/ir"
)

// HeaderSize is the size of the [length][type] frame header.
const HeaderSize = 8

// MaxFrameSize bounds a single frame. Larger announced lengths are treated
// as a corrupt stream.
const MaxFrameSize = 16 << 20

var le = binary.LittleEndian

// Size returns the encoded size of m.
func Size(m Message) int {
	switch m.Type {
	case DeleteEntity:
		return HeaderSize + 4
	case DeleteComponent:
		return HeaderSize + 12
	default:
		return HeaderSize + 16 + len(m.Payload)
	}
}

// Encode encodes a single message.
func Encode(m Message) []byte {
	return AppendEncode(make([]byte, 0, Size(m)), m)
}

// EncodeAll concatenates the encodings of msgs.
func EncodeAll(msgs []Message) []byte {
	n := 0
	for _, m := range msgs {
		n += Size(m)
	}
	buf := make([]byte, 0, n)
	for _, m := range msgs {
		buf = AppendEncode(buf, m)
	}
	return buf
}

// AppendEncode appends the encoding of m to dst.
func AppendEncode(dst []byte, m Message) []byte {
	dst = le.AppendUint32(dst, uint32(Size(m)))
	dst = le.AppendUint32(dst, uint32(m.Type))
	dst = le.AppendUint32(dst, uint32(m.Entity))
	if m.Type == DeleteEntity {
		return dst
	}
	dst = le.AppendUint32(dst, uint32(m.Component))
	dst = le.AppendUint32(dst, uint32(m.Timestamp))
	if m.Type == DeleteComponent {
		return dst
	}
	dst = le.AppendUint32(dst, uint32(len(m.Payload)))
	return append(dst, m.Payload...)
}

// Decode decodes the frame at the start of buf. It returns the message and
// the number of bytes the frame occupies. When the frame is structurally
// sound but its body is not, n is still the frame length so the caller can
// skip it; when the header itself cannot be trusted n is 0.
func Decode(buf []byte) (Message, int, error) {
	return decodeAt(buf, 0)
}

func decodeAt(buf []byte, offset int) (Message, int, error) {
	if len(buf) < HeaderSize {
		return Message{}, 0, &CodecError{Kind: ErrKindTruncated, Offset: offset,
			Err: fmt.Errorf("need %d header bytes, have %d", HeaderSize, len(buf))}
	}
	length := le.Uint32(buf[0:4])
	typ := MessageType(le.Uint32(buf[4:8]))

	if length < HeaderSize || length > MaxFrameSize {
		return Message{}, 0, &CodecError{Kind: ErrKindBadLength, Offset: offset,
			Err: fmt.Errorf("frame length %d", length)}
	}
	if int(length) > len(buf) {
		return Message{}, 0, &CodecError{Kind: ErrKindTruncated, Offset: offset,
			Err: fmt.Errorf("frame length %d exceeds remaining %d bytes", length, len(buf))}
	}
	n := int(length)
	body := buf[HeaderSize:n]

	if !typ.Valid() {
		return Message{}, n, &CodecError{Kind: ErrKindUnknownType, Offset: offset,
			Err: fmt.Errorf("type %d", uint32(typ))}
	}

	m := Message{Type: typ}
	malformed := func(format string, args ...any) (Message, int, error) {
		return Message{}, n, &CodecError{Kind: ErrKindMalformedBody, Offset: offset,
			Err: fmt.Errorf("%s: "+format, append([]any{typ}, args...)...)}
	}

	switch typ {
	case DeleteEntity:
		if len(body) != 4 {
			return malformed("body is %d bytes, want 4", len(body))
		}
		m.Entity = ir.Entity(le.Uint32(body))
		return m, n, nil

	case DeleteComponent:
		if len(body) != 12 {
			return malformed("body is %d bytes, want 12", len(body))
		}
		m.Entity = ir.Entity(le.Uint32(body[0:4]))
		m.Component = ir.ComponentID(le.Uint32(body[4:8]))
		m.Timestamp = ir.Timestamp(le.Uint32(body[8:12]))
		return m, n, nil

	default:
		if len(body) < 16 {
			return malformed("body is %d bytes, want at least 16", len(body))
		}
		m.Entity = ir.Entity(le.Uint32(body[0:4]))
		m.Component = ir.ComponentID(le.Uint32(body[4:8]))
		m.Timestamp = ir.Timestamp(le.Uint32(body[8:12]))
		dataLen := le.Uint32(body[12:16])
		if uint64(dataLen) != uint64(len(body)-16) {
			return malformed("payload length %d, frame carries %d", dataLen, len(body)-16)
		}
		// Copy so callers may retain the message after buf is reused.
		m.Payload = append([]byte(nil), body[16:]...)
		return m, n, nil
	}
}

// DecodeStream decodes every frame in data, validating payloads against the
// default registry. See Registry.DecodeStream.
func DecodeStream(data []byte) ([]Message, []error) {
	return DefaultRegistry().DecodeStream(data)
}

// DecodeStream decodes every frame in data. A frame whose body or payload is
// malformed is dropped, its error recorded, and decoding continues with the
// next frame. A frame whose header cannot be trusted ends the stream.
func (r *Registry) DecodeStream(data []byte) ([]Message, []error) {
	var (
		msgs []Message
		errs []error
	)
	offset := 0
	for offset < len(data) {
		m, n, err := decodeAt(data[offset:], offset)
		if err != nil {
			errs = append(errs, err)
			ce, ok := err.(*CodecError)
			if !ok || !ce.recoverable() || n == 0 {
				break
			}
			offset += n
			continue
		}
		offset += n
		if r != nil {
			if err := r.Validate(m); err != nil {
				if ce, ok := err.(*CodecError); ok {
					ce.Offset = offset - n
				}
				errs = append(errs, err)
				continue
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, errs
}

// float32 helpers shared by fixed layouts.

func putF32(b []byte, f float32) { le.PutUint32(b, math.Float32bits(f)) }

func getF32(b []byte) float32 { return math.Float32frombits(le.Uint32(b)) }
