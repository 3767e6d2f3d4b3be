package wire

import (
	"fmt"
	"math"
)

// TransformSize is the fixed encoded size of a Transform payload.
const TransformSize = 44

// Vec3 is a 3-component vector.
type Vec3 struct{ X, Y, Z float32 }

// Quat is a rotation quaternion.
type Quat struct{ X, Y, Z, W float32 }

// TransformValue is the decoded Transform component: position, rotation,
// scale and the parent entity.
type TransformValue struct {
	Position Vec3
	Rotation Quat
	Scale    Vec3
	Parent   uint32
}

// IdentityTransform is a transform at the origin with unit scale.
var IdentityTransform = TransformValue{
	Rotation: Quat{W: 1},
	Scale:    Vec3{1, 1, 1},
}

// MarshalBinary encodes the transform in its 44 byte layout.
func (t TransformValue) MarshalBinary() ([]byte, error) {
	b := make([]byte, TransformSize)
	for i, f := range []float32{
		t.Position.X, t.Position.Y, t.Position.Z,
		t.Rotation.X, t.Rotation.Y, t.Rotation.Z, t.Rotation.W,
		t.Scale.X, t.Scale.Y, t.Scale.Z,
	} {
		putF32(b[i*4:], f)
	}
	le.PutUint32(b[40:], t.Parent)
	return b, nil
}

// UnmarshalBinary decodes a 44 byte transform.
func (t *TransformValue) UnmarshalBinary(b []byte) error {
	if err := ValidateTransform(b); err != nil {
		return err
	}
	t.Position = Vec3{getF32(b[0:]), getF32(b[4:]), getF32(b[8:])}
	t.Rotation = Quat{getF32(b[12:]), getF32(b[16:]), getF32(b[20:]), getF32(b[24:])}
	t.Scale = Vec3{getF32(b[28:]), getF32(b[32:]), getF32(b[36:])}
	t.Parent = le.Uint32(b[40:])
	return nil
}

// ValidateTransform checks the fixed Transform layout: exactly 44 bytes and
// no NaN or infinite components.
func ValidateTransform(b []byte) error {
	if len(b) != TransformSize {
		return fmt.Errorf("transform is %d bytes, want %d", len(b), TransformSize)
	}
	for i := 0; i < 10; i++ {
		f := float64(getF32(b[i*4:]))
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("transform field %d is not finite", i)
		}
	}
	return nil
}
