package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIRValueSealed(t *testing.T) {
	var _ IRValue = IRNull{}
	var _ IRValue = IRString("test")
	var _ IRValue = IRInt(42)
	var _ IRValue = IRFloat(1.5)
	var _ IRValue = IRBool(true)
	var _ IRValue = IRBytes{1, 2}
	var _ IRValue = IRArray{IRString("a"), IRInt(1)}
	var _ IRValue = IRObject{"key": IRString("value")}
}

func TestIRObjectSortedKeysRFC8785Order(t *testing.T) {
	obj := IRObject{
		"a":  IRInt(1),
		"A":  IRInt(2),
		"aa": IRInt(3),
		"aA": IRInt(4),
		"Aa": IRInt(5),
		"AA": IRInt(6),
	}

	// 'A' = 65, 'a' = 97
	assert.Equal(t, []string{"A", "AA", "Aa", "a", "aA", "aa"}, obj.SortedKeys())
}

func TestIRObjectAccessors(t *testing.T) {
	obj := NewIRObjectFromPairs(
		O("name", IRString("door")),
		O("count", IRInt(3)),
		O("whole", IRFloat(4)),
		O("ratio", IRFloat(0.5)),
		O("on", IRBool(true)),
		O("data", IRBytes{9}),
		O("pos", IRObject{"x": IRInt(1)}),
		O("list", IRArray{IRInt(1)}),
	)

	s, ok := obj.String("name")
	assert.True(t, ok)
	assert.Equal(t, "door", s)

	n, ok := obj.Int("count")
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)

	n, ok = obj.Int("whole")
	assert.True(t, ok, "integral floats read as ints")
	assert.Equal(t, int64(4), n)

	_, ok = obj.Int("ratio")
	assert.False(t, ok)

	f, ok := obj.Float("count")
	assert.True(t, ok)
	assert.Equal(t, 3.0, f)

	b, ok := obj.Bool("on")
	assert.True(t, ok)
	assert.True(t, b)

	data, ok := obj.Bytes("data")
	assert.True(t, ok)
	assert.Equal(t, []byte{9}, data)

	_, ok = obj.Object("pos")
	assert.True(t, ok)
	_, ok = obj.Array("list")
	assert.True(t, ok)

	_, ok = obj.String("missing")
	assert.False(t, ok)
}

func TestFromGo(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want IRValue
	}{
		{"nil", nil, IRNull{}},
		{"string", "x", IRString("x")},
		{"int", 7, IRInt(7)},
		{"integral float", 7.0, IRInt(7)},
		{"float", 7.25, IRFloat(7.25)},
		{"bytes", []byte{1, 2}, IRBytes{1, 2}},
		{"json int", json.Number("12"), IRInt(12)},
		{"json float", json.Number("1.5"), IRFloat(1.5)},
		{"nested", map[string]any{"a": []any{true}}, IRObject{"a": IRArray{IRBool(true)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromGo(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromGoRejects(t *testing.T) {
	_, err := FromGo(struct{}{})
	require.Error(t, err)

	_, err = FromGo(map[string]any{"bad": make(chan int)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `object["bad"]`)
}

func TestToGoRoundTrip(t *testing.T) {
	v := IRObject{
		"s": IRString("x"),
		"n": IRInt(1),
		"f": IRFloat(0.25),
		"b": IRBytes{1},
		"a": IRArray{IRNull{}},
	}

	back, err := FromGo(ToGo(v))
	require.NoError(t, err)
	assert.Equal(t, v, back)
}

func TestToJSONAnyNumbers(t *testing.T) {
	got := ToJSONAny(IRObject{"n": IRInt(3), "b": IRBytes{255}})
	m, ok := got.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, json.Number("3"), m["n"])
	assert.Equal(t, []any{json.Number("255")}, m["b"])
}

func TestUnmarshalIRValue(t *testing.T) {
	v, err := UnmarshalIRValue([]byte(`{"a":1,"b":1.5,"c":[null,"x"]}`))
	require.NoError(t, err)
	assert.Equal(t, IRObject{
		"a": IRInt(1),
		"b": IRFloat(1.5),
		"c": IRArray{IRNull{}, IRString("x")},
	}, v)
}

func TestIRObjectJSONRoundTrip(t *testing.T) {
	obj := IRObject{"z": IRInt(1), "a": IRString("x")}
	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","z":1}`, string(data))

	var back IRObject
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, obj, back)
}
