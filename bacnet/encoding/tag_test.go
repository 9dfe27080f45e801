package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo/bacstack/bacnet"
)

func roundTrip(t *testing.T, tag Tag) Tag {
	t.Helper()
	buf := tag.AppendTo(nil)
	got, n, err := DecodeTag(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n, "consumed length")
	return got
}

func TestTagRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		tag  Tag
	}{
		{"app null", NullTag()},
		{"app boolean true", BooleanTag(true)},
		{"app boolean false", BooleanTag(false)},
		{"app unsigned", UnsignedTag(1476)},
		{"context short", Tag{Class: TagContext, Number: 2, Data: []byte{0x01, 0x02}}},
		{"context number 14", Tag{Class: TagContext, Number: 14, Data: []byte{0xAA}}},
		{"extended number", Tag{Class: TagContext, Number: 15, Data: []byte{0xBB}}},
		{"large number", Tag{Class: TagContext, Number: 254, Data: []byte{0xCC}}},
		{"opening", Tag{Class: TagOpening, Number: 3}},
		{"closing", Tag{Class: TagClosing, Number: 3}},
		{"opening extended", Tag{Class: TagOpening, Number: 40}},
	}

	for _, tcase := range testCases {
		t.Run(tcase.name, func(t *testing.T) {
			got := roundTrip(t, tcase.tag)
			assert.Equal(t, tcase.tag.Class, got.Class)
			assert.Equal(t, tcase.tag.Number, got.Number)
			if len(tcase.tag.Data) > 0 {
				assert.Equal(t, tcase.tag.Data, got.Data)
			}
		})
	}
}

// Length escapes change at 5, 254 and 65536 content octets.
func TestTagLengthBoundaries(t *testing.T) {
	for _, size := range []int{0, 1, 4, 5, 253, 254, 255, 65535, 65536} {
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i)
		}
		tag := Tag{Class: TagContext, Number: 1, Data: data}
		got := roundTrip(t, tag)
		assert.Equal(t, size, len(got.Data), "size %d", size)
		assert.Equal(t, data, got.Data, "size %d", size)
	}
}

func TestTagHeaderEncoding(t *testing.T) {
	// Known encodings from Clause 20.2.1.
	assert.Equal(t, []byte{0x11}, BooleanTag(true).AppendTo(nil))
	assert.Equal(t, []byte{0x10}, BooleanTag(false).AppendTo(nil))
	assert.Equal(t, []byte{0x00}, NullTag().AppendTo(nil))
	assert.Equal(t, []byte{0x21, 0x2A}, UnsignedTag(42).AppendTo(nil))
	assert.Equal(t, []byte{0x3E}, Tag{Class: TagOpening, Number: 3}.AppendTo(nil))
	assert.Equal(t, []byte{0x3F}, Tag{Class: TagClosing, Number: 3}.AppendTo(nil))
	// Context 0 with one octet.
	assert.Equal(t, []byte{0x09, 0x07},
		Tag{Class: TagContext, Number: 0, Data: []byte{7}}.AppendTo(nil))
}

func TestDecodeTagTruncated(t *testing.T) {
	inputs := [][]byte{
		{},
		{0x25},             // extended length escape with nothing after
		{0x25, 0xFE},       // 16-bit length escape truncated
		{0x22, 0x01},       // two content octets promised, one present
		{0xF8},             // extended tag number missing
		{0x25, 0x06, 0x01}, // length 6 with one octet
	}
	for _, in := range inputs {
		_, _, err := DecodeTag(in)
		assert.ErrorIs(t, err, bacnet.ErrInvalidTag, "input %x", in)
	}
}

func TestTagListBalance(t *testing.T) {
	enc := NewEncoder()
	enc.Open(1)
	enc.ContextUnsigned(0, 9)
	enc.Open(2)
	require.NoError(t, enc.Value("nested"))
	enc.Close(2)
	enc.Close(1)

	tl, err := DecodeTagList(enc.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 6, tl.Len())

	// Unbalanced streams are rejected.
	open := Tag{Class: TagOpening, Number: 1}.AppendTo(nil)
	_, err = DecodeTagList(open)
	assert.ErrorIs(t, err, bacnet.ErrInvalidTag)

	wrongClose := Tag{Class: TagClosing, Number: 5}.AppendTo(nil)
	_, err = DecodeTagList(wrongClose)
	assert.ErrorIs(t, err, bacnet.ErrInvalidTag)
}

func TestPopBalanced(t *testing.T) {
	enc := NewEncoder()
	enc.Open(3)
	require.NoError(t, enc.Value(uint32(1)))
	enc.Open(0)
	require.NoError(t, enc.Value(uint32(2)))
	enc.Close(0)
	enc.Close(3)
	require.NoError(t, enc.Value(uint32(3)))

	tl, err := DecodeTagList(enc.Bytes())
	require.NoError(t, err)

	opening := tl.Pop()
	require.True(t, opening.IsOpening())

	inner, err := tl.PopBalanced(3)
	require.NoError(t, err)
	assert.Equal(t, 4, inner.Len())

	// The trailing value is still readable.
	last := tl.Pop()
	require.NotNil(t, last)
	v, err := last.Unsigned()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), v)
}
