package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo/bacstack/bacnet"
)

func TestEncoderDecoderSequence(t *testing.T) {
	oid := bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 1)

	enc := NewEncoder()
	enc.ContextObjectID(0, oid)
	enc.ContextEnumerated(1, uint32(bacnet.PropertyPresentValue))
	enc.ContextUnsigned(2, 7)
	enc.Open(3)
	require.NoError(t, enc.Value(float32(72.5)))
	enc.Close(3)

	dec, err := DecodeBytes(enc.Bytes())
	require.NoError(t, err)

	assert.Equal(t, oid, dec.ContextObjectID(0))
	assert.Equal(t, uint32(bacnet.PropertyPresentValue), dec.ContextEnumerated(1))

	idx, ok := dec.OptContextUnsigned(2)
	require.True(t, ok)
	assert.Equal(t, uint32(7), idx)

	dec.Open(3)
	assert.Equal(t, float32(72.5), dec.Value())
	dec.Close(3)
	require.NoError(t, dec.Finish())
}

func TestDecoderOptionalAbsent(t *testing.T) {
	enc := NewEncoder()
	enc.ContextObjectID(0, bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, 5))
	enc.ContextEnumerated(1, 85)

	dec, err := DecodeBytes(enc.Bytes())
	require.NoError(t, err)

	dec.ContextObjectID(0)
	dec.ContextEnumerated(1)
	_, ok := dec.OptContextUnsigned(2)
	assert.False(t, ok)
	require.NoError(t, dec.Finish())
}

func TestDecoderStickyError(t *testing.T) {
	enc := NewEncoder()
	enc.ContextUnsigned(5, 1)

	dec, err := DecodeBytes(enc.Bytes())
	require.NoError(t, err)

	dec.ContextUnsigned(0) // wrong context number
	dec.ContextUnsigned(1) // poisoned, must not panic
	assert.ErrorIs(t, dec.Err(), bacnet.ErrInvalidTag)
}

func TestDecoderTrailingTags(t *testing.T) {
	enc := NewEncoder()
	enc.ContextUnsigned(0, 1)
	enc.ContextUnsigned(1, 2)

	dec, err := DecodeBytes(enc.Bytes())
	require.NoError(t, err)
	dec.ContextUnsigned(0)
	assert.ErrorIs(t, dec.Finish(), bacnet.ErrTooManyArguments)
}

func TestAnyCastInOut(t *testing.T) {
	a, err := AnyFromValue("MainLobby")
	require.NoError(t, err)

	v, err := a.Value()
	require.NoError(t, err)
	assert.Equal(t, "MainLobby", v)

	// Through an encode/decode cycle inside a context constructor.
	enc := NewEncoder()
	enc.Any(3, a)
	dec, err := DecodeBytes(enc.Bytes())
	require.NoError(t, err)

	back := dec.Any(3)
	require.NoError(t, dec.Err())
	v, err = back.Value()
	require.NoError(t, err)
	assert.Equal(t, "MainLobby", v)
}

func TestAnyNestedConstructors(t *testing.T) {
	// An Any must balance nested opening/closing pairs when extracted.
	enc := NewEncoder()
	enc.Open(4)
	enc.Open(0)
	require.NoError(t, enc.Value(uint32(1)))
	enc.Close(0)
	require.NoError(t, enc.Value(uint32(2)))
	enc.Close(4)

	dec, err := DecodeBytes(enc.Bytes())
	require.NoError(t, err)
	a := dec.Any(4)
	require.NoError(t, dec.Err())
	assert.Equal(t, 4, a.TagList().Len())
	require.NoError(t, dec.Finish())
}

func TestAnyValues(t *testing.T) {
	a, err := AnyFromValues([]Value{uint32(1), uint32(2), uint32(3)})
	require.NoError(t, err)
	vs, err := a.Values()
	require.NoError(t, err)
	assert.Equal(t, []Value{uint32(1), uint32(2), uint32(3)}, vs)
}
