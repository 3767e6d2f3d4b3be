package wire

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/roach88/scenehost/internal/ir"
)

func identityPayload(t *testing.T) []byte {
	t.Helper()
	b, err := IdentityTransform.MarshalBinary()
	require.NoError(t, err)
	return b
}

func sampleMessages(t *testing.T) []Message {
	return []Message{
		Put(512, Transform, 7, identityPayload(t)),
		Delete(ir.NewEntity(513, 1), MeshRenderer, 3),
		DeleteEnt(514),
		Append(512, PointerEventsResult, 9, []byte{0x08, 0x01}),
	}
}

func TestEncodeGolden(t *testing.T) {
	var sb strings.Builder
	for _, m := range sampleMessages(t) {
		fmt.Fprintf(&sb, "%s %x\n", m.Type, Encode(m))
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "encode_messages", []byte(sb.String()))
}

func TestDecodeRoundTrip(t *testing.T) {
	for _, m := range sampleMessages(t) {
		t.Run(m.Type.String(), func(t *testing.T) {
			buf := Encode(m)
			assert.Len(t, buf, Size(m))

			got, n, err := Decode(buf)
			require.NoError(t, err)
			assert.Equal(t, len(buf), n)
			assert.Equal(t, m, got)
		})
	}
}

func TestDecodeStreamSkipsOneMalformedMessage(t *testing.T) {
	good1 := Put(600, 5000, 1, []byte("opaque"))
	good2 := Put(601, 5000, 1, []byte("also opaque"))

	// Valid framing, but the MeshRenderer payload is not protobuf.
	bad := Put(602, MeshRenderer, 1, []byte{0xff})

	stream := EncodeAll([]Message{good1, bad, good2})
	msgs, errs := DecodeStream(stream)

	require.Len(t, errs, 1)
	assert.True(t, IsPayloadError(errs[0]))
	var ce *CodecError
	require.ErrorAs(t, errs[0], &ce)
	assert.Equal(t, Size(good1), ce.Offset)
	assert.Equal(t, MeshRenderer, ce.Component)

	assert.Equal(t, []Message{good1, good2}, msgs)
}

func TestDecodeStreamSkipsMalformedBody(t *testing.T) {
	good := DeleteEnt(700)
	// DeleteEntity with an 8 byte body: framed correctly, body wrong.
	bad := []byte{16, 0, 0, 0, 3, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0}

	stream := append(append([]byte{}, bad...), Encode(good)...)
	msgs, errs := DecodeStream(stream)

	require.Len(t, errs, 1)
	assert.Equal(t, ErrKindMalformedBody, errs[0].(*CodecError).Kind)
	assert.Equal(t, []Message{good}, msgs)
}

func TestDecodeStreamSkipsUnknownType(t *testing.T) {
	unknown := []byte{12, 0, 0, 0, 99, 0, 0, 0, 1, 2, 3, 4}
	good := DeleteEnt(700)

	msgs, errs := DecodeStream(append(unknown, Encode(good)...))
	require.Len(t, errs, 1)
	assert.Equal(t, ErrKindUnknownType, errs[0].(*CodecError).Kind)
	assert.Equal(t, []Message{good}, msgs)
}

func TestDecodeStreamStopsOnTruncation(t *testing.T) {
	good := DeleteEnt(700)
	stream := append(Encode(good), 0x20, 0x00)

	msgs, errs := DecodeStream(stream)
	assert.Equal(t, []Message{good}, msgs)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrKindTruncated, errs[0].(*CodecError).Kind)
}

func TestDecodeBadLength(t *testing.T) {
	_, n, err := Decode([]byte{4, 0, 0, 0, 1, 0, 0, 0})
	require.Error(t, err)
	assert.Zero(t, n)
	assert.True(t, IsCodecError(err))
}

func TestDecodePayloadLengthMismatch(t *testing.T) {
	buf := Encode(Put(1, 5000, 1, []byte{1, 2, 3}))
	buf[20] = 9 // announced payload length

	_, n, err := Decode(buf)
	require.Error(t, err)
	assert.Equal(t, len(buf), n, "frame is still skippable")
}

func TestDecodeCopiesPayload(t *testing.T) {
	buf := Encode(Put(1, 5000, 1, []byte{1, 2, 3}))
	m, _, err := Decode(buf)
	require.NoError(t, err)

	buf[len(buf)-1] = 0xff
	assert.Equal(t, []byte{1, 2, 3}, m.Payload)
}

func TestRegistryValidate(t *testing.T) {
	r := DefaultRegistry()

	var pb []byte
	pb = protowire.AppendTag(pb, 1, protowire.BytesType)
	pb = protowire.AppendString(pb, "models/tree.glb")

	tests := []struct {
		name    string
		msg     Message
		wantErr CodecErrorKind
	}{
		{"transform ok", Put(1, Transform, 1, identityPayload(t)), ""},
		{"transform short", Put(1, Transform, 1, make([]byte, 40)), ErrKindPayloadInvalid},
		{"protobuf ok", Put(1, GltfContainer, 1, pb), ""},
		{"protobuf empty", Put(1, GltfContainer, 1, nil), ""},
		{"protobuf truncated", Put(1, GltfContainer, 1, pb[:len(pb)-2]), ErrKindPayloadInvalid},
		{"append on lww", Append(1, GltfContainer, 1, pb), ErrKindKindMismatch},
		{"put on grow-only", Put(1, PointerEventsResult, 1, nil), ErrKindKindMismatch},
		{"unknown is opaque", Put(1, 9999, 1, []byte{0xff, 0xff}), ""},
		{"delete skips payload", Delete(1, Transform, 1), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate(tt.msg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var ce *CodecError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.wantErr, ce.Kind)
		})
	}
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ComponentSpec{ID: 10, Name: "A"}))
	require.Error(t, r.Register(ComponentSpec{ID: 10, Name: "B"}))
	assert.Equal(t, "A", r.Name(10))
	assert.Equal(t, "component#11", r.Name(11))

	id, ok := r.ByName("A")
	assert.True(t, ok)
	assert.Equal(t, ir.ComponentID(10), id)
	_, ok = r.ByName("B")
	assert.False(t, ok)
}

func TestTransformRoundTrip(t *testing.T) {
	in := TransformValue{
		Position: Vec3{1, 2, 3},
		Rotation: Quat{0, 0.7071, 0, 0.7071},
		Scale:    Vec3{2, 2, 2},
		Parent:   512,
	}
	b, err := in.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, b, TransformSize)

	var out TransformValue
	require.NoError(t, out.UnmarshalBinary(b))
	assert.Equal(t, in, out)
}

func TestNetworkIDRoundTrip(t *testing.T) {
	in := NetworkID{EntityID: 512, NetworkID: 77}
	b := in.Marshal()
	require.NoError(t, ValidateProtobuf(b))

	out, err := ParseNetworkID(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestPlayerIdentityIsValidProtobuf(t *testing.T) {
	require.NoError(t, ValidateProtobuf(PlayerIdentity{Address: "0xabc", IsGuest: true}.Marshal()))
}
