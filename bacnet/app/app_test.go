package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/apdu"
	"github.com/edgeo/bacstack/bacnet/bvll"
	"github.com/edgeo/bacstack/bacnet/encoding"
	"github.com/edgeo/bacstack/bacnet/network"
	"github.com/edgeo/bacstack/bacnet/vendor"
)

// testPair wires two applications onto one VLAN: a (the client, device 100)
// and b (the server, device 150, with an analog-input and an analog-value).
func testPair(t *testing.T, clientOpts, serverOpts []Option) (*Application, *Application) {
	t.Helper()
	lan := bvll.NewVLAN()

	newApp := func(mac byte, opts []Option) *Application {
		nsap := network.NewNSAP()
		_, err := nsap.Bind(lan.NewNode(mac), 1, true)
		require.NoError(t, err)
		a, err := New(nsap, opts...)
		require.NoError(t, err)
		require.NoError(t, a.Start(context.Background()))
		t.Cleanup(func() { a.Stop() })
		return a
	}

	clientOpts = append([]Option{
		WithDevice(100, "client"),
		WithDiscoveryTimeout(200 * time.Millisecond),
	}, clientOpts...)
	serverOpts = append([]Option{WithDevice(150, "server")}, serverOpts...)

	a := newApp(0x0A, clientOpts)
	b := newApp(0x0B, serverOpts)

	reg := vendor.NewRegistry()
	aiClass, _ := reg.Vendor(vendor.ASHRAE).ObjectClass(bacnet.ObjectTypeAnalogInput)
	ai := NewObject(bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 1), aiClass, "Zone Temp")
	ai.SetProperty(bacnet.PropertyPresentValue, float32(21.5))
	ai.SetProperty(bacnet.PropertyStatusFlags, encoding.NewBitString(4))
	ai.SetProperty(bacnet.PropertyEventState, encoding.Enumerated(bacnet.EventStateNormal))
	ai.SetProperty(bacnet.PropertyOutOfService, false)
	ai.SetProperty(bacnet.PropertyUnits, encoding.Enumerated(bacnet.UnitsDegreesCelsius))
	require.NoError(t, b.AddObject(ai))

	avClass, _ := reg.Vendor(vendor.ASHRAE).ObjectClass(bacnet.ObjectTypeAnalogValue)
	av := NewObject(bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogValue, 2), avClass, "Setpoint")
	av.SetProperty(bacnet.PropertyPresentValue, float32(20))
	av.SetProperty(bacnet.PropertyStatusFlags, encoding.NewBitString(4))
	require.NoError(t, b.AddObject(av))

	return a, b
}

func serverAddr() bacnet.Address {
	return bacnet.LocalStation([]byte{0x0B})
}

func TestWhoIsIAm(t *testing.T) {
	a, _ := testPair(t, nil, nil)

	low, high := uint32(100), uint32(200)
	results, err := a.WhoIs(context.Background(), &low, &high, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint32(150), results[0].DeviceID.Instance)
	assert.Equal(t, uint32(bacnet.MaxAPDULength), results[0].MaxAPDU)
	assert.Equal(t, bacnet.SegmentationBoth, results[0].Segmentation)

	// Cache is keyed by both instance and address.
	info, ok := a.DeviceCache().GetByInstance(150)
	require.True(t, ok)
	assert.True(t, info.Address.Equal(serverAddr()))
	byAddr, ok := a.DeviceCache().GetByAddress(serverAddr())
	require.True(t, ok)
	assert.Equal(t, info, byAddr)
}

func TestWhoIsOutOfRange(t *testing.T) {
	a, _ := testPair(t, nil, nil)

	low, high := uint32(500), uint32(600)
	results, err := a.WhoIs(context.Background(), &low, &high, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestReadPropertyCharacterString(t *testing.T) {
	a, _ := testPair(t, nil, nil)

	v, err := a.ReadProperty(context.Background(), serverAddr(),
		bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, 150),
		bacnet.PropertyObjectName, nil)
	require.NoError(t, err)
	assert.Equal(t, "server", v)
}

func TestReadPropertyArrayIndex(t *testing.T) {
	a, _ := testPair(t, nil, nil)
	dev := bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, 150)

	zero := uint32(0)
	v, err := a.ReadProperty(context.Background(), serverAddr(), dev, bacnet.PropertyObjectList, &zero)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), v, "device, analog-input and analog-value")

	one := uint32(1)
	v, err = a.ReadProperty(context.Background(), serverAddr(), dev, bacnet.PropertyObjectList, &one)
	require.NoError(t, err)
	assert.Equal(t, dev, v)
}

func TestReadPropertyUnknown(t *testing.T) {
	a, _ := testPair(t, nil, nil)

	_, err := a.ReadProperty(context.Background(), serverAddr(),
		bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 99),
		bacnet.PropertyPresentValue, nil)
	var be *bacnet.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, bacnet.ErrorCodeUnknownObject, be.Code)
}

func TestWriteProperty(t *testing.T) {
	a, b := testPair(t, nil, nil)
	av := bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogValue, 2)

	prio := uint8(8)
	err := a.WriteProperty(context.Background(), serverAddr(), av,
		bacnet.PropertyPresentValue, float32(22.5), nil, &prio)
	require.NoError(t, err)

	obj, _ := b.Object(av)
	raw, err := obj.ReadProperty(context.Background(), bacnet.PropertyPresentValue, nil)
	require.NoError(t, err)
	v, err := raw.Value()
	require.NoError(t, err)
	assert.Equal(t, float32(22.5), v)
}

func TestWritePriorityOnNonCommandable(t *testing.T) {
	a, _ := testPair(t, nil, nil)
	ai := bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 1)

	prio := uint8(8)
	err := a.WriteProperty(context.Background(), serverAddr(), ai,
		bacnet.PropertyOutOfService, true, nil, &prio)
	var be *bacnet.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, bacnet.ErrorCodeWriteAccessDenied, be.Code)
}

func TestWriteReadOnlyProperty(t *testing.T) {
	a, _ := testPair(t, nil, nil)
	ai := bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 1)

	// analog-input present-value is not writable.
	err := a.WriteProperty(context.Background(), serverAddr(), ai,
		bacnet.PropertyPresentValue, float32(1), nil, nil)
	var be *bacnet.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, bacnet.ErrorCodeWriteAccessDenied, be.Code)
}

func TestReadPropertyMultiple(t *testing.T) {
	a, _ := testPair(t, nil, nil)
	ai := bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 1)

	results, err := a.ReadPropertyMultiple(context.Background(), serverAddr(), []apdu.ReadAccessSpec{
		{
			ObjectID: ai,
			Properties: []apdu.PropertyReference{
				{PropertyID: bacnet.PropertyPresentValue},
				{PropertyID: bacnet.PropertyUnits},
				{PropertyID: bacnet.PropertyHighLimit}, // not configured
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Results, 3)

	v, err := results[0].Results[0].Value.Value()
	require.NoError(t, err)
	assert.Equal(t, float32(21.5), v)

	require.NotNil(t, results[0].Results[2].Error)
	assert.Equal(t, bacnet.ErrorCodeUnknownProperty, results[0].Results[2].Error.Code)
}

func TestReadPropertyMultipleAll(t *testing.T) {
	a, _ := testPair(t, nil, nil)
	ai := bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 1)

	results, err := a.ReadPropertyMultiple(context.Background(), serverAddr(), []apdu.ReadAccessSpec{
		{ObjectID: ai, Properties: []apdu.PropertyReference{{PropertyID: bacnet.PropertyAll}}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	seen := map[bacnet.PropertyIdentifier]bool{}
	for _, pr := range results[0].Results {
		seen[pr.PropertyID] = true
	}
	assert.True(t, seen[bacnet.PropertyObjectName])
	assert.True(t, seen[bacnet.PropertyPresentValue])
	assert.True(t, seen[bacnet.PropertyUnits])
	assert.False(t, seen[bacnet.PropertyPropertyList], "property-list is excluded from all")
}

func TestSegmentedResponse(t *testing.T) {
	// The client advertises a 50-octet APDU limit, so a long description
	// comes back as a windowed segmented ComplexAck.
	a, b := testPair(t, []Option{WithMaxAPDU(50)}, nil)

	long := strings.Repeat("the quick brown fox jumps over the lazy dog ", 12)
	obj, _ := b.Object(bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 1))
	obj.SetProperty(bacnet.PropertyDescription, long)

	v, err := a.ReadProperty(context.Background(), serverAddr(),
		bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 1),
		bacnet.PropertyDescription, nil)
	require.NoError(t, err)
	assert.Equal(t, long, v)

	assert.Greater(t, b.Metrics().SegmentsSent.Value(), int64(1), "response was segmented")
	assert.Greater(t, a.Metrics().SegmentsReceived.Value(), int64(1))
}

func TestSegmentedRequest(t *testing.T) {
	a, b := testPair(t, nil, []Option{WithMaxAPDU(50)})

	// Discover the server so its 50-octet limit lands in the device cache.
	inst := uint32(150)
	_, err := a.WhoIs(context.Background(), &inst, &inst, nil)
	require.NoError(t, err)
	info, ok := a.DeviceCache().GetByInstance(150)
	require.True(t, ok)
	require.Equal(t, uint(50), info.MaxAPDU)

	long := strings.Repeat("segmented request payload ", 16)
	err = a.WriteProperty(context.Background(), serverAddr(),
		bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogValue, 2),
		bacnet.PropertyDescription, long, nil, nil)
	require.NoError(t, err)

	obj, _ := b.Object(bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogValue, 2))
	raw, err := obj.ReadProperty(context.Background(), bacnet.PropertyDescription, nil)
	require.NoError(t, err)
	v, err := raw.Value()
	require.NoError(t, err)
	assert.Equal(t, long, v)

	assert.Greater(t, a.Metrics().SegmentsSent.Value(), int64(1), "request was segmented")
}

func TestRequestTimeout(t *testing.T) {
	lan := bvll.NewVLAN()
	nsap := network.NewNSAP()
	_, err := nsap.Bind(lan.NewNode(1), 1, true)
	require.NoError(t, err)
	a, err := New(nsap,
		WithDevice(100, "client"),
		WithAPDUTimeout(50*time.Millisecond),
		WithRetries(1),
	)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	// Nobody answers at this address.
	req := &apdu.ReadPropertyRequest{
		ObjectID:   bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, 1),
		PropertyID: bacnet.PropertyObjectName,
	}
	_, err = a.ConfirmedRequest(context.Background(), bacnet.LocalStation([]byte{42}),
		bacnet.ServiceReadProperty, req.Encode())
	assert.ErrorIs(t, err, bacnet.ErrTimeout)
}

func TestInvokeIDUniquePerPeer(t *testing.T) {
	a, _ := testPair(t, nil, nil)
	peer := serverAddr()

	seen := map[uint8]bool{}
	for i := 0; i < 300; i++ {
		id, err := a.allocateInvokeID(peer)
		require.NoError(t, err)
		_ = seen[id]
		seen[id] = true
	}
	// The counter rolls through the whole space.
	assert.Len(t, seen, 256)
}

func TestDeviceCacheConflictReplacement(t *testing.T) {
	cache := NewDeviceInfoCache()
	addr1 := bacnet.LocalStation([]byte{1})
	addr2 := bacnet.LocalStation([]byte{2})

	iam := &apdu.IAmRequest{
		DeviceID:     bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, 150),
		MaxAPDU:      1476,
		Segmentation: bacnet.SegmentationBoth,
		VendorID:     260,
	}
	cache.LearnIAm(addr1, iam)

	// The same instance moves to a new address: the old mapping must go.
	cache.LearnIAm(addr2, iam)
	info, ok := cache.GetByAddress(addr2)
	require.True(t, ok)
	assert.Equal(t, uint32(150), info.Instance)
	_, ok = cache.GetByAddress(addr1)
	assert.False(t, ok)
}

func TestWhoHasIHave(t *testing.T) {
	a, _ := testPair(t, nil, nil)

	name := "Zone Temp"
	results, err := a.WhoHas(context.Background(), &apdu.WhoHasRequest{ObjectName: &name})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint32(150), results[0].DeviceID.Instance)
	assert.Equal(t, bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 1), results[0].ObjectID)
}

func TestCOVLifecycle(t *testing.T) {
	a, b := testPair(t, nil, nil)
	ai := bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 1)

	sub, err := a.SubscribeCOV(context.Background(), serverAddr(), ai, true, 60)
	require.NoError(t, err)

	obj, _ := b.Object(ai)
	obj.SetProperty(bacnet.PropertyPresentValue, float32(23.75))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := sub.NextValue(ctx, bacnet.PropertyPresentValue)
	require.NoError(t, err)
	assert.Equal(t, float32(23.75), v)

	require.NoError(t, sub.Close(context.Background()))

	// After the unsubscribe further changes stay quiet.
	obj.SetProperty(bacnet.PropertyPresentValue, float32(30))
	quiet, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()
	_, err = sub.Next(quiet)
	assert.Error(t, err)
}

func TestReadRange(t *testing.T) {
	a, b := testPair(t, nil, nil)

	reg := vendor.NewRegistry()
	tlClass, _ := reg.Vendor(vendor.ASHRAE).ObjectClass(bacnet.ObjectTypeTrendLog)
	tl := NewObject(bacnet.NewObjectIdentifier(bacnet.ObjectTypeTrendLog, 1), tlClass, "History")
	records := make([]encoding.Value, 20)
	for i := range records {
		records[i] = float32(i)
	}
	tl.SetArray(bacnet.PropertyLogBuffer, records)
	require.NoError(t, b.AddObject(tl))

	ack, err := a.ReadRange(context.Background(), serverAddr(), &apdu.ReadRangeRequest{
		ObjectID:   tl.ID,
		PropertyID: bacnet.PropertyLogBuffer,
		ByPosition: &apdu.RangeByPosition{Index: 5, Count: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(10), ack.ItemCount)
	vs, err := ack.ItemData.Values()
	require.NoError(t, err)
	assert.Equal(t, float32(4), vs[0])
	assert.False(t, ack.ResultFlags.Bit(0), "not the first item")
	assert.True(t, ack.ResultFlags.Bit(2), "more items remain")

	// Whole list.
	ack, err = a.ReadRange(context.Background(), serverAddr(), &apdu.ReadRangeRequest{
		ObjectID:   tl.ID,
		PropertyID: bacnet.PropertyLogBuffer,
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(20), ack.ItemCount)
	assert.True(t, ack.ResultFlags.Bit(0))
	assert.True(t, ack.ResultFlags.Bit(1))
}

func TestForeignDeviceFrames(t *testing.T) {
	// The foreign-device registration cycle itself needs sockets; the frame
	// grammar is covered in the bvll package. Here only the configuration
	// guard matters.
	_, err := bvll.NewIPv4(bvll.IPv4Config{Mode: bvll.ModeForeign})
	assert.ErrorIs(t, err, bacnet.ErrConfiguration)
}
