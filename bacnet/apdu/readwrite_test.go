package apdu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/encoding"
)

func mustAny(t *testing.T, v encoding.Value) *encoding.Any {
	t.Helper()
	a, err := encoding.AnyFromValue(v)
	require.NoError(t, err)
	return a
}

func TestReadPropertyRoundTrip(t *testing.T) {
	idx := uint32(3)
	r := &ReadPropertyRequest{
		ObjectID:   bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, 150),
		PropertyID: bacnet.PropertyObjectList,
		ArrayIndex: &idx,
	}
	got, err := DecodeReadPropertyRequest(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, r, got)

	ack := &ReadPropertyACK{
		ObjectID:   r.ObjectID,
		PropertyID: bacnet.PropertyObjectName,
		Value:      mustAny(t, "Chiller Plant"),
	}
	gotAck, err := DecodeReadPropertyACK(ack.Encode())
	require.NoError(t, err)
	assert.Equal(t, ack.ObjectID, gotAck.ObjectID)
	assert.Equal(t, ack.PropertyID, gotAck.PropertyID)
	v, err := gotAck.Value.Value()
	require.NoError(t, err)
	assert.Equal(t, "Chiller Plant", v)
}

func TestWritePropertyRoundTrip(t *testing.T) {
	prio := uint8(8)
	r := &WritePropertyRequest{
		ObjectID:   bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogOutput, 2),
		PropertyID: bacnet.PropertyPresentValue,
		Value:      mustAny(t, float32(72.5)),
		Priority:   &prio,
	}
	got, err := DecodeWritePropertyRequest(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, r.ObjectID, got.ObjectID)
	require.NotNil(t, got.Priority)
	assert.Equal(t, uint8(8), *got.Priority)
	v, err := got.Value.Value()
	require.NoError(t, err)
	assert.Equal(t, float32(72.5), v)

	// Relinquish: a Null value.
	r.Value = mustAny(t, nil)
	got, err = DecodeWritePropertyRequest(r.Encode())
	require.NoError(t, err)
	assert.True(t, got.Value.IsNull())
}

func TestReadPropertyMultipleRoundTrip(t *testing.T) {
	idx := uint32(0)
	r := &ReadPropertyMultipleRequest{
		Specs: []ReadAccessSpec{
			{
				ObjectID: bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 1),
				Properties: []PropertyReference{
					{PropertyID: bacnet.PropertyPresentValue},
					{PropertyID: bacnet.PropertyUnits},
				},
			},
			{
				ObjectID: bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, 150),
				Properties: []PropertyReference{
					{PropertyID: bacnet.PropertyObjectList, ArrayIndex: &idx},
				},
			},
		},
	}
	got, err := DecodeReadPropertyMultipleRequest(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestReadPropertyMultipleACKRoundTrip(t *testing.T) {
	ack := &ReadPropertyMultipleACK{
		Results: []ReadAccessResult{
			{
				ObjectID: bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 1),
				Results: []PropertyResult{
					{PropertyID: bacnet.PropertyPresentValue, Value: mustAny(t, float32(20.5))},
					{
						PropertyID: bacnet.PropertyDescription,
						Error:      bacnet.NewError(bacnet.ErrorClassProperty, bacnet.ErrorCodeUnknownProperty),
					},
				},
			},
		},
	}
	got, err := DecodeReadPropertyMultipleACK(ack.Encode())
	require.NoError(t, err)
	require.Len(t, got.Results, 1)
	require.Len(t, got.Results[0].Results, 2)

	v, err := got.Results[0].Results[0].Value.Value()
	require.NoError(t, err)
	assert.Equal(t, float32(20.5), v)

	perr := got.Results[0].Results[1].Error
	require.NotNil(t, perr)
	assert.Equal(t, bacnet.ErrorCodeUnknownProperty, perr.Code)
}

func TestWritePropertyMultipleRoundTrip(t *testing.T) {
	prio := uint8(12)
	r := &WritePropertyMultipleRequest{
		Specs: []WriteAccessSpec{
			{
				ObjectID: bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogValue, 4),
				Values: []WritePropertyValue{
					{PropertyID: bacnet.PropertyPresentValue, Value: mustAny(t, float32(55)), Priority: &prio},
				},
			},
		},
	}
	got, err := DecodeWritePropertyMultipleRequest(r.Encode())
	require.NoError(t, err)
	require.Len(t, got.Specs, 1)
	require.Len(t, got.Specs[0].Values, 1)
	require.NotNil(t, got.Specs[0].Values[0].Priority)
	assert.Equal(t, uint8(12), *got.Specs[0].Values[0].Priority)
}

func TestReadRangeRoundTrip(t *testing.T) {
	r := &ReadRangeRequest{
		ObjectID:   bacnet.NewObjectIdentifier(bacnet.ObjectTypeTrendLog, 1),
		PropertyID: bacnet.PropertyLogBuffer,
		ByPosition: &RangeByPosition{Index: 1, Count: 10},
	}
	got, err := DecodeReadRangeRequest(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, r, got)

	r = &ReadRangeRequest{
		ObjectID:   r.ObjectID,
		PropertyID: r.PropertyID,
		BySequence: &RangeBySequence{Sequence: 40, Count: -5},
	}
	got, err = DecodeReadRangeRequest(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, r, got)

	r = &ReadRangeRequest{
		ObjectID:   r.ObjectID,
		PropertyID: r.PropertyID,
		ByTime: &RangeByTime{
			Date:  encoding.Date{Year: 124, Month: 6, Day: 1, DayOfWeek: 6},
			Time:  encoding.Time{Hour: 12},
			Count: 3,
		},
	}
	got, err = DecodeReadRangeRequest(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestReadRangeACKRoundTrip(t *testing.T) {
	flags := encoding.NewBitString(3)
	flags.SetBit(0, true)
	flags.SetBit(1, true)

	items, err := encoding.AnyFromValues([]encoding.Value{float32(1.5), float32(2.5)})
	require.NoError(t, err)

	seq := uint32(17)
	ack := &ReadRangeACK{
		ObjectID:      bacnet.NewObjectIdentifier(bacnet.ObjectTypeTrendLog, 1),
		PropertyID:    bacnet.PropertyLogBuffer,
		ResultFlags:   flags,
		ItemCount:     2,
		ItemData:      items,
		FirstSequence: &seq,
	}
	got, err := DecodeReadRangeACK(ack.Encode())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got.ItemCount)
	assert.Equal(t, flags, got.ResultFlags)
	require.NotNil(t, got.FirstSequence)
	assert.Equal(t, uint32(17), *got.FirstSequence)
	vs, err := got.ItemData.Values()
	require.NoError(t, err)
	assert.Len(t, vs, 2)
}

func TestSubscribeCOVRoundTrip(t *testing.T) {
	confirmed := true
	lifetime := uint32(60)
	r := &SubscribeCOVRequest{
		ProcessID:      18,
		ObjectID:       bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 1),
		IssueConfirmed: &confirmed,
		Lifetime:       &lifetime,
	}
	got, err := DecodeSubscribeCOVRequest(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, r, got)
	assert.False(t, got.IsCancellation())

	// Cancellation: both options omitted.
	cancel := &SubscribeCOVRequest{ProcessID: 18, ObjectID: r.ObjectID}
	got, err = DecodeSubscribeCOVRequest(cancel.Encode())
	require.NoError(t, err)
	assert.True(t, got.IsCancellation())
}

func TestCOVNotificationRoundTrip(t *testing.T) {
	r := &COVNotification{
		ProcessID:     18,
		DeviceID:      bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, 150),
		ObjectID:      bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 1),
		TimeRemaining: 42,
		Values: []NotifiedValue{
			{PropertyID: bacnet.PropertyPresentValue, Value: mustAny(t, float32(68.4))},
			{PropertyID: bacnet.PropertyStatusFlags, Value: mustAny(t, encoding.NewBitString(4))},
		},
	}
	got, err := DecodeCOVNotification(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, r.ProcessID, got.ProcessID)
	assert.Equal(t, r.ObjectID, got.ObjectID)
	require.Len(t, got.Values, 2)
	v, err := got.Values[0].Value.Value()
	require.NoError(t, err)
	assert.Equal(t, float32(68.4), v)
}
