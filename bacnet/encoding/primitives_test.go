package encoding

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo/bacstack/bacnet"
)

func TestValueRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		val  Value
	}{
		{"null", nil},
		{"boolean true", true},
		{"boolean false", false},
		{"unsigned zero", uint32(0)},
		{"unsigned byte", uint32(200)},
		{"unsigned 2 octets", uint32(0xBADF)},
		{"unsigned 3 octets", uint32(0xFA38BC)},
		{"unsigned max", uint32(0xFFFFFFFF)},
		{"signed negative", int32(-42)},
		{"signed min", int32(math.MinInt32)},
		{"signed boundary", int32(-129)},
		{"real", float32(72.5)},
		{"double", float64(3.14159265358979)},
		{"octet string", []byte{0xDE, 0xAD, 0xBE, 0xEF}},
		{"character string", "Zone 4 supply temp"},
		{"empty string", ""},
		{"enumerated", Enumerated(3)},
		{"date", Date{Year: 124, Month: 2, Day: 29, DayOfWeek: 4}},
		{"date wildcard", Date{Year: Unspecified, Month: 13, Day: 32, DayOfWeek: Unspecified}},
		{"time", Time{Hour: 23, Minute: 59, Second: 59, Hundredths: 99}},
		{"time wildcard", Time{Hour: Unspecified, Minute: Unspecified, Second: Unspecified, Hundredths: Unspecified}},
		{"object identifier", bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, 150)},
	}

	for _, tcase := range testCases {
		t.Run(tcase.name, func(t *testing.T) {
			tag, err := EncodeValue(tcase.val)
			require.NoError(t, err)

			decodedTag := roundTrip(t, tag)
			got, err := DecodeValue(decodedTag)
			require.NoError(t, err)
			assert.Equal(t, tcase.val, got)
		})
	}
}

func TestUnsignedMinimumOctets(t *testing.T) {
	testCases := []struct {
		val  uint32
		size int
	}{
		{0, 1},
		{255, 1},
		{256, 2},
		{65535, 2},
		{65536, 3},
		{1 << 24, 4},
	}
	for _, tcase := range testCases {
		assert.Equal(t, tcase.size, len(UnsignedTag(tcase.val).Data), "value %d", tcase.val)
	}
}

func TestSignedMinimumOctets(t *testing.T) {
	testCases := []struct {
		val  int32
		size int
	}{
		{0, 1},
		{127, 1},
		{-128, 1},
		{128, 2},
		{-129, 2},
		{32768, 3},
		{-8388609, 4},
	}
	for _, tcase := range testCases {
		assert.Equal(t, tcase.size, len(SignedTag(tcase.val).Data), "value %d", tcase.val)
	}
}

func TestBitStringRoundTrip(t *testing.T) {
	for _, length := range []int{0, 1, 4, 7, 8, 9, 16, 33} {
		bits := NewBitString(length)
		for i := 0; i < length; i += 3 {
			bits.SetBit(i, true)
		}
		tag := BitStringTag(bits)
		got, err := tag.BitString()
		require.NoError(t, err)
		assert.Equal(t, bits, got, "length %d", length)
	}
}

func TestStatusFlagsBitString(t *testing.T) {
	// in-alarm + out-of-service: bits 0 and 3 of a 4-bit string.
	flags := NewBitString(4)
	flags.SetBit(0, true)
	flags.SetBit(3, true)
	tag := BitStringTag(flags)
	assert.Equal(t, []byte{4, 0x90}, tag.Data)
}

func TestCharacterStringCharset(t *testing.T) {
	tag := CharacterStringTag("abc")
	assert.Equal(t, byte(0), tag.Data[0], "UTF-8 charset octet")

	bad := Tag{Class: TagApplication, Number: TagCharacterString, Data: []byte{4, 'x'}}
	_, err := bad.CharacterString()
	assert.ErrorIs(t, err, bacnet.ErrDecoding)
}

func TestTypeMismatch(t *testing.T) {
	tag := UnsignedTag(1)
	_, err := tag.Real()
	assert.ErrorIs(t, err, bacnet.ErrInvalidTag)
	_, err = tag.CharacterString()
	assert.ErrorIs(t, err, bacnet.ErrInvalidTag)

	// Context tags carry no application number; content rules still apply.
	ctx := Tag{Class: TagContext, Number: 9, Data: []byte{0x00, 0x2A}}
	v, err := ctx.Unsigned()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v)
}

func TestObjectIDUnspecifiedInstance(t *testing.T) {
	oid := bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, bacnet.UnspecifiedInstance)
	got, err := ObjectIDTag(oid).ObjectID()
	require.NoError(t, err)
	assert.Equal(t, bacnet.UnspecifiedInstance, got.Instance)
}
