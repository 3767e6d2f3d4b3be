package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ValidateProtobuf checks that payload is a well-formed protobuf wire stream:
// every tag is valid and every field value is complete. It does not check
// the message schema; unknown fields are allowed.
func ValidateProtobuf(payload []byte) error {
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return fmt.Errorf("protobuf tag: %w", protowire.ParseError(n))
		}
		if num > protowire.MaxValidNumber {
			return fmt.Errorf("protobuf field number %d out of range", num)
		}
		payload = payload[n:]
		m := protowire.ConsumeFieldValue(num, typ, payload)
		if m < 0 {
			return fmt.Errorf("protobuf field %d: %w", num, protowire.ParseError(m))
		}
		payload = payload[m:]
	}
	return nil
}

// PlayerIdentity is the host-written PlayerIdentityData component.
type PlayerIdentity struct {
	Address string
	IsGuest bool
}

// Marshal encodes the identity as protobuf (address = 1, is_guest = 2).
func (p PlayerIdentity) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, p.Address)
	if p.IsGuest {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// NetworkID is the decoded NetworkEntity component. An entity carrying it is
// shared with peers.
type NetworkID struct {
	EntityID  uint64
	NetworkID uint64
}

// Marshal encodes the id as protobuf (entity_id = 1, network_id = 2).
func (n NetworkID) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, n.EntityID)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, n.NetworkID)
	return b
}

// ParseNetworkID decodes a NetworkEntity payload. Unknown fields are skipped.
func ParseNetworkID(b []byte) (NetworkID, error) {
	var out NetworkID
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return NetworkID{}, protowire.ParseError(n)
		}
		b = b[n:]
		if typ == protowire.VarintType && (num == 1 || num == 2) {
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return NetworkID{}, protowire.ParseError(m)
			}
			if num == 1 {
				out.EntityID = v
			} else {
				out.NetworkID = v
			}
			b = b[m:]
			continue
		}
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return NetworkID{}, protowire.ParseError(m)
		}
		b = b[m:]
	}
	return out, nil
}
