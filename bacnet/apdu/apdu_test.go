package apdu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo/bacstack/bacnet"
)

func TestConfirmedRequestRoundTrip(t *testing.T) {
	a := ConfirmedRequest(42, bacnet.ServiceReadProperty, []byte{0x0C}, 4, 5, true)
	got, err := Decode(a.Encode())
	require.NoError(t, err)
	assert.Equal(t, bacnet.PDUTypeConfirmedRequest, got.Type)
	assert.Equal(t, uint8(42), got.InvokeID)
	assert.Equal(t, uint8(bacnet.ServiceReadProperty), got.Service)
	assert.True(t, got.SegmentedResponseAccepted)
	assert.False(t, got.Segmented)
	assert.Equal(t, uint8(4), got.MaxSegments)
	assert.Equal(t, uint8(5), got.MaxAPDU)
	assert.Equal(t, []byte{0x0C}, got.Data)
}

func TestSegmentedFrames(t *testing.T) {
	req := &APDU{
		Type:        bacnet.PDUTypeConfirmedRequest,
		Segmented:   true,
		MoreFollows: true,
		MaxSegments: 2,
		MaxAPDU:     3,
		InvokeID:    7,
		Sequence:    5,
		Window:      4,
		Service:     uint8(bacnet.ServiceReadPropertyMultiple),
		Data:        []byte{0xAA, 0xBB},
	}
	got, err := Decode(req.Encode())
	require.NoError(t, err)
	assert.True(t, got.Segmented)
	assert.True(t, got.MoreFollows)
	assert.Equal(t, uint8(5), got.Sequence)
	assert.Equal(t, uint8(4), got.Window)
	assert.Equal(t, []byte{0xAA, 0xBB}, got.Data)

	ack := &APDU{
		Type:      bacnet.PDUTypeComplexAck,
		Segmented: true,
		InvokeID:  7,
		Sequence:  0,
		Window:    4,
		Service:   uint8(bacnet.ServiceReadPropertyMultiple),
		Data:      []byte{0xCC},
	}
	got, err = Decode(ack.Encode())
	require.NoError(t, err)
	assert.True(t, got.Segmented)
	assert.False(t, got.MoreFollows)
	assert.Equal(t, uint8(0), got.Sequence)
	assert.Equal(t, []byte{0xCC}, got.Data)
}

func TestSegmentAckRoundTrip(t *testing.T) {
	a := SegmentAck(9, true, false, 3, 4)
	got, err := Decode(a.Encode())
	require.NoError(t, err)
	assert.Equal(t, bacnet.PDUTypeSegmentAck, got.Type)
	assert.True(t, got.Server)
	assert.False(t, got.NAK)
	assert.Equal(t, uint8(3), got.Sequence)
	assert.Equal(t, uint8(4), got.Window)
}

func TestAbortRejectRoundTrip(t *testing.T) {
	got, err := Decode(Abort(3, true, bacnet.AbortReasonTSMTimeout).Encode())
	require.NoError(t, err)
	assert.Equal(t, bacnet.PDUTypeAbort, got.Type)
	assert.True(t, got.Server)
	assert.Equal(t, uint8(bacnet.AbortReasonTSMTimeout), got.Service)

	got, err = Decode(Reject(3, bacnet.RejectReasonUnrecognizedService).Encode())
	require.NoError(t, err)
	assert.Equal(t, bacnet.PDUTypeReject, got.Type)
	assert.Equal(t, uint8(bacnet.RejectReasonUnrecognizedService), got.Service)
}

func TestDecodeTruncated(t *testing.T) {
	for _, in := range [][]byte{{}, {0x00}, {0x00, 0x05}, {0x30, 0x01}, {0x08, 0x45, 0x01, 0x0C}} {
		_, err := Decode(in)
		assert.Error(t, err, "input %x", in)
	}
}

func TestWhoIsRoundTrip(t *testing.T) {
	got, err := DecodeWhoIsRequest((&WhoIsRequest{}).Encode())
	require.NoError(t, err)
	assert.Nil(t, got.LowLimit)
	assert.True(t, got.Matches(12345))

	low, high := uint32(100), uint32(200)
	got, err = DecodeWhoIsRequest((&WhoIsRequest{LowLimit: &low, HighLimit: &high}).Encode())
	require.NoError(t, err)
	require.NotNil(t, got.LowLimit)
	assert.Equal(t, uint32(100), *got.LowLimit)
	assert.True(t, got.Matches(150))
	assert.False(t, got.Matches(201))
}

func TestIAmRoundTrip(t *testing.T) {
	r := &IAmRequest{
		DeviceID:     bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, 150),
		MaxAPDU:      1476,
		Segmentation: bacnet.SegmentationBoth,
		VendorID:     260,
	}
	got, err := DecodeIAmRequest(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, r, got)

	// Non-device identifiers are rejected.
	bad := &IAmRequest{DeviceID: bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 1)}
	_, err = DecodeIAmRequest(bad.Encode())
	assert.ErrorIs(t, err, bacnet.ErrDecoding)
}

func TestWhoHasIHaveRoundTrip(t *testing.T) {
	name := "SupplyFan"
	r := &WhoHasRequest{ObjectName: &name}
	got, err := DecodeWhoHasRequest(r.Encode())
	require.NoError(t, err)
	require.NotNil(t, got.ObjectName)
	assert.Equal(t, "SupplyFan", *got.ObjectName)

	oid := bacnet.NewObjectIdentifier(bacnet.ObjectTypeBinaryOutput, 9)
	low, high := uint32(1), uint32(99)
	r = &WhoHasRequest{LowLimit: &low, HighLimit: &high, ObjectID: &oid}
	got, err = DecodeWhoHasRequest(r.Encode())
	require.NoError(t, err)
	require.NotNil(t, got.ObjectID)
	assert.Equal(t, oid, *got.ObjectID)

	ih := &IHaveRequest{
		DeviceID:   bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, 150),
		ObjectID:   oid,
		ObjectName: "SupplyFan",
	}
	gotIH, err := DecodeIHaveRequest(ih.Encode())
	require.NoError(t, err)
	assert.Equal(t, ih, gotIH)
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	p := &ErrorPayload{Class: bacnet.ErrorClassProperty, Code: bacnet.ErrorCodeUnknownProperty}
	got, err := DecodeErrorPayload(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, p, got)
}
