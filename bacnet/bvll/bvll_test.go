package bvll

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo/bacstack/bacnet"
)

func TestFrameRoundTrip(t *testing.T) {
	npdu := []byte{0x01, 0x00, 0x10, 0x08}
	data := Encode(FuncOriginalUnicast, npdu)
	assert.Equal(t, []byte{0x81, 0x0A, 0x00, 0x08}, data[:4])

	frame, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, FuncOriginalUnicast, frame.Function)
	assert.Equal(t, npdu, frame.Payload)
}

func TestFrameErrors(t *testing.T) {
	_, err := Decode([]byte{0x81, 0x0A})
	assert.ErrorIs(t, err, bacnet.ErrInvalidBVLL)

	_, err = Decode([]byte{0x99, 0x0A, 0x00, 0x04})
	assert.ErrorIs(t, err, bacnet.ErrInvalidBVLL)

	// Length field disagreeing with the frame size.
	_, err = Decode([]byte{0x81, 0x0A, 0x00, 0x09, 0x01})
	assert.ErrorIs(t, err, bacnet.ErrInvalidBVLL)
}

func TestRegisterFDRoundTrip(t *testing.T) {
	frame, err := Decode(EncodeRegisterFD(30))
	require.NoError(t, err)
	assert.Equal(t, FuncRegisterFD, frame.Function)
	ttl, err := DecodeRegisterFD(frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(30), ttl)
}

func TestForwardedNPDURoundTrip(t *testing.T) {
	origin := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 47808}
	npdu := []byte{0x01, 0x00, 0xAA}
	frame, err := Decode(EncodeForwardedNPDU(origin, npdu))
	require.NoError(t, err)
	assert.Equal(t, FuncForwardedNPDU, frame.Function)

	gotOrigin, gotNPDU, err := DecodeForwardedNPDU(frame.Payload)
	require.NoError(t, err)
	assert.True(t, origin.IP.Equal(gotOrigin.IP))
	assert.Equal(t, origin.Port, gotOrigin.Port)
	assert.Equal(t, npdu, gotNPDU)
}

func TestBDTRoundTrip(t *testing.T) {
	entries := []BDTEntry{
		{
			Address: &net.UDPAddr{IP: net.IPv4(192, 168, 10, 1), Port: 47808},
			Mask:    net.IPv4Mask(255, 255, 255, 0),
		},
		{
			Address: &net.UDPAddr{IP: net.IPv4(172, 16, 0, 1), Port: 47809},
			Mask:    net.IPv4Mask(255, 255, 255, 255),
		},
	}
	frame, err := Decode(EncodeBDT(FuncReadBDTAck, entries))
	require.NoError(t, err)

	got, err := DecodeBDT(frame.Payload)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Address.IP.Equal(entries[0].Address.IP))
	assert.Equal(t, entries[0].Mask, got[0].Mask)
	assert.Equal(t, entries[1].Address.Port, got[1].Address.Port)
}

func TestDirectedBroadcast(t *testing.T) {
	entry := BDTEntry{
		Address: &net.UDPAddr{IP: net.IPv4(192, 168, 10, 1), Port: 47808},
		Mask:    net.IPv4Mask(255, 255, 255, 0),
	}
	dest := entry.DirectedBroadcast()
	assert.Equal(t, "192.168.10.255", dest.IP.String())

	// All-ones mask means plain unicast to the peer.
	entry.Mask = net.IPv4Mask(255, 255, 255, 255)
	dest = entry.DirectedBroadcast()
	assert.Equal(t, "192.168.10.1", dest.IP.String())
}

func TestFDTAckRoundTrip(t *testing.T) {
	entries := []FDTEntry{
		{Address: &net.UDPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 47808}, TTL: 60, Remaining: 42},
	}
	frame, err := Decode(EncodeFDTAck(entries))
	require.NoError(t, err)
	got, err := DecodeFDTAck(frame.Payload)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint16(60), got[0].TTL)
	assert.Equal(t, uint16(42), got[0].Remaining)
}

func TestIPv6FrameRoundTrip(t *testing.T) {
	npdu := []byte{0x01, 0x00}
	frame, err := Decode6(Encode6(Func6OriginalBroadcast, npdu))
	require.NoError(t, err)
	assert.Equal(t, Func6OriginalBroadcast, frame.Function)
	assert.Equal(t, npdu, frame.Payload)

	// IPv4 frames are rejected by the IPv6 decoder.
	_, err = Decode6(Encode(FuncOriginalBroadcast, npdu))
	assert.ErrorIs(t, err, bacnet.ErrInvalidBVLL)
}

func TestVLANDelivery(t *testing.T) {
	lan := NewVLAN()
	a := lan.NewNode(1)
	b := lan.NewNode(2)
	c := lan.NewNode(3)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	require.NoError(t, c.Start(ctx))

	var bGot, cGot []*bacnet.PDU
	b.OnReceive(func(pdu *bacnet.PDU) { bGot = append(bGot, pdu) })
	c.OnReceive(func(pdu *bacnet.PDU) { cGot = append(cGot, pdu) })

	// Unicast reaches only its destination.
	pdu := bacnet.NewPDU(bacnet.LocalStation([]byte{2}), []byte{0xAA})
	require.NoError(t, a.Send(ctx, pdu))
	require.Len(t, bGot, 1)
	assert.Empty(t, cGot)
	assert.True(t, bGot[0].Source.Equal(a.Address()))

	// Broadcast reaches everyone but the sender.
	pdu = bacnet.NewPDU(bacnet.LocalBroadcast(), []byte{0xBB})
	require.NoError(t, a.Send(ctx, pdu))
	assert.Len(t, bGot, 2)
	assert.Len(t, cGot, 1)

	// Stopped nodes do not receive.
	require.NoError(t, c.Stop())
	require.NoError(t, a.Send(ctx, pdu))
	assert.Len(t, cGot, 1)
}
