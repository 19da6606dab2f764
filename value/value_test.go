package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		v    Value
	}{
		{"i32 positive", I32(42)},
		{"i32 negative", I32(-7)},
		{"u32", U32(0xdeadbeef)},
		{"string", String("abc")},
		{"string empty", String("")},
		{"raw", Raw{0x01, 0x02, 0x03}},
		{"i32 array", I32Array{1, -2, 3}},
		{"u32 array", U32Array{1, 2, 3}},
		{"u32 array empty", U32Array{}},
		{"f64", F64(3.14159)},
		{"f64 array", F64Array{1.5, -2.5, 0}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tag, payload := Encode(c.v)
			assert.Equal(t, c.v.Tag(), tag)

			got, err := Decode(tag, payload)
			require.NoError(t, err)
			assert.Equal(t, c.v, got)
		})
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := Decode(Tag(200), nil)
	require.Error(t, err)

	var unknown *ErrUnknownTag
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, Tag(200), unknown.Tag)
}

func TestIntChoosesNarrowestVariant(t *testing.T) {
	assert.Equal(t, I32(-1), Int(-1))
	assert.Equal(t, U32(1), Int(1))
	assert.Equal(t, U32(0), Int(0))
}

func TestIntArrayWidensOnMixedSign(t *testing.T) {
	assert.Equal(t, I32Array{1, -2, 3}, IntArray([]int64{1, -2, 3}))
	assert.Equal(t, U32Array{1, 2, 3}, IntArray([]int64{1, 2, 3}))
}

func TestStringPayloadHasNoTerminator(t *testing.T) {
	_, payload := Encode(String("abc"))
	assert.Len(t, payload, 3)
	assert.Equal(t, []byte("abc"), payload)
}

func TestTagString(t *testing.T) {
	cases := map[Tag]string{
		TagI32:      "I32",
		TagU32:      "U32",
		TagString:   "String",
		TagRaw:      "Raw",
		TagI32Array: "I32Array",
		TagU32Array: "U32Array",
		TagF64:      "F64",
		TagF64Array: "F64Array",
	}
	for tag, want := range cases {
		assert.Equal(t, want, tag.String())
	}
	assert.Equal(t, "Tag(99)", Tag(99).String())
}
