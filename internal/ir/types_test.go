package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityPacking(t *testing.T) {
	e := NewEntity(512, 3)
	assert.Equal(t, uint16(512), e.Number())
	assert.Equal(t, uint16(3), e.Generation())
	assert.Equal(t, Entity(3<<16|512), e)
	assert.Equal(t, "512.v3", e.String())
	assert.Equal(t, "1", PlayerEntity.String())
}

func TestParcelDistanceIsChebyshev(t *testing.T) {
	tests := []struct {
		a, b Parcel
		want int
	}{
		{Parcel{0, 0}, Parcel{0, 0}, 0},
		{Parcel{0, 0}, Parcel{3, 1}, 3},
		{Parcel{-2, 5}, Parcel{1, 1}, 4},
		{Parcel{1, 1}, Parcel{-1, -1}, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.a.Distance(tt.b), "%v -> %v", tt.a, tt.b)
		assert.Equal(t, tt.want, tt.b.Distance(tt.a))
	}
}

func TestParcelWithin(t *testing.T) {
	ps := Parcel{0, 0}.Within(1)
	assert.Len(t, ps, 9)
	assert.Equal(t, Parcel{-1, -1}, ps[0])
	assert.Equal(t, Parcel{1, 1}, ps[8])
	for _, p := range ps {
		assert.LessOrEqual(t, p.Distance(Parcel{}), 1)
	}
	assert.Nil(t, Parcel{}.Within(-1))
}

func TestParseParcel(t *testing.T) {
	p, err := ParseParcel(" 3, -4 ")
	require.NoError(t, err)
	assert.Equal(t, Parcel{3, -4}, p)

	_, err = ParseParcel("3")
	require.Error(t, err)
	_, err = ParseParcel("a,b")
	require.Error(t, err)
}

func TestMinDistance(t *testing.T) {
	assert.Equal(t, -1, MinDistance(Parcel{}, nil))
	assert.Equal(t, 2, MinDistance(Parcel{}, []Parcel{{5, 5}, {2, 0}}))
}

func TestEntityRefJSON(t *testing.T) {
	data, err := json.Marshal(EntityRef{Namespace: PeerNamespace("bob"), Entity: 5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"namespace":"peer:bob","entity":5}`, string(data))
}

func TestNamespaceKinds(t *testing.T) {
	assert.Equal(t, Namespace("net:42"), NetworkNamespace(42))
	assert.True(t, NetworkNamespace(42).IsNetwork())
	assert.False(t, NetworkNamespace(42).IsPeer())
	assert.True(t, PeerNamespace("bob").IsPeer())
	assert.False(t, SceneNamespace("bafy").IsNetwork())
}
