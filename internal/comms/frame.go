package comms

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/roach88/scenehost/internal/ir"
)

// Kind distinguishes frame payloads.
type Kind uint8

const (
	// KindCRDT frames carry an encoded wire message stream.
	KindCRDT Kind = 1
	// KindChat frames carry a UTF-8 chat line.
	KindChat Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindCRDT:
		return "crdt"
	case KindChat:
		return "chat"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Frame is one unit sent between hosts.
type Frame struct {
	Kind      Kind
	From      ir.ActorID
	Namespace ir.Namespace
	Data      []byte
}

const (
	fieldKind      protowire.Number = 1
	fieldFrom      protowire.Number = 2
	fieldNamespace protowire.Number = 3
	fieldData      protowire.Number = 4
)

// ErrBadFrame is returned for frames that cannot be decoded.
var ErrBadFrame = errors.New("malformed frame")

// Marshal encodes the frame as a protobuf message.
func (f Frame) Marshal() []byte {
	b := make([]byte, 0, 16+len(f.From)+len(f.Namespace)+len(f.Data))
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	b = protowire.AppendTag(b, fieldFrom, protowire.BytesType)
	b = protowire.AppendString(b, string(f.From))
	if f.Namespace != "" {
		b = protowire.AppendTag(b, fieldNamespace, protowire.BytesType)
		b = protowire.AppendString(b, string(f.Namespace))
	}
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Data)
	return b
}

// UnmarshalFrame decodes a frame. Unknown fields are skipped.
func UnmarshalFrame(b []byte) (Frame, error) {
	var f Frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return Frame{}, fmt.Errorf("%w: kind: %v", ErrBadFrame, protowire.ParseError(m))
			}
			f.Kind = Kind(v)
			n = m
		case num == fieldFrom && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return Frame{}, fmt.Errorf("%w: from: %v", ErrBadFrame, protowire.ParseError(m))
			}
			f.From = ir.ActorID(v)
			n = m
		case num == fieldNamespace && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return Frame{}, fmt.Errorf("%w: namespace: %v", ErrBadFrame, protowire.ParseError(m))
			}
			f.Namespace = ir.Namespace(v)
			n = m
		case num == fieldData && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Frame{}, fmt.Errorf("%w: data: %v", ErrBadFrame, protowire.ParseError(m))
			}
			f.Data = append([]byte(nil), v...)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: field %d: %v", ErrBadFrame, num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	if f.Kind != KindCRDT && f.Kind != KindChat {
		return Frame{}, fmt.Errorf("%w: unknown kind %d", ErrBadFrame, f.Kind)
	}
	if f.From == "" {
		return Frame{}, fmt.Errorf("%w: missing sender", ErrBadFrame)
	}
	return f, nil
}
