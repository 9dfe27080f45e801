package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo/bacstack/bacnet"
)

func TestNPDUPlain(t *testing.T) {
	n := &NPDU{ExpectingReply: true, Priority: bacnet.PriorityUrgent, Data: []byte{0x10, 0x08}}
	data := n.Encode()
	assert.Equal(t, []byte{0x01, 0x05, 0x10, 0x08}, data)

	got, err := DecodeNPDU(data)
	require.NoError(t, err)
	assert.True(t, got.ExpectingReply)
	assert.Equal(t, bacnet.PriorityUrgent, got.Priority)
	assert.Nil(t, got.DADR)
	assert.Nil(t, got.SADR)
	assert.Nil(t, got.MessageType)
	assert.Equal(t, []byte{0x10, 0x08}, got.Data)
}

func TestNPDURouted(t *testing.T) {
	dadr := bacnet.RemoteStation(3, []byte{0x11})
	sadr := bacnet.RemoteStation(1, []byte{0x22})
	n := &NPDU{DADR: &dadr, SADR: &sadr, HopCount: 255, Data: []byte{0xAA}}

	got, err := DecodeNPDU(n.Encode())
	require.NoError(t, err)
	require.NotNil(t, got.DADR)
	require.NotNil(t, got.SADR)
	assert.True(t, got.DADR.Equal(dadr))
	assert.True(t, got.SADR.Equal(sadr))
	assert.Equal(t, uint8(255), got.HopCount)
	assert.Equal(t, []byte{0xAA}, got.Data)
}

func TestNPDUBroadcastForms(t *testing.T) {
	global := bacnet.GlobalBroadcast()
	n := &NPDU{DADR: &global, HopCount: 255}
	got, err := DecodeNPDU(n.Encode())
	require.NoError(t, err)
	assert.Equal(t, bacnet.AddressGlobalBroadcast, got.DADR.Kind)

	remote := bacnet.RemoteBroadcast(7)
	n = &NPDU{DADR: &remote, HopCount: 42}
	got, err = DecodeNPDU(n.Encode())
	require.NoError(t, err)
	assert.Equal(t, bacnet.AddressRemoteBroadcast, got.DADR.Kind)
	assert.Equal(t, uint16(7), got.DADR.Net)
	assert.Equal(t, uint8(42), got.HopCount)
}

func TestNPDUNetworkMessage(t *testing.T) {
	dnet := uint16(3)
	n := NetworkMessage(MsgWhoIsRouterToNetwork, EncodeWhoIsRouter(&dnet))
	got, err := DecodeNPDU(n.Encode())
	require.NoError(t, err)
	require.NotNil(t, got.MessageType)
	assert.Equal(t, MsgWhoIsRouterToNetwork, *got.MessageType)

	asked, err := DecodeWhoIsRouter(got.Data)
	require.NoError(t, err)
	require.NotNil(t, asked)
	assert.Equal(t, uint16(3), *asked)
}

func TestNPDUErrors(t *testing.T) {
	_, err := DecodeNPDU([]byte{0x02, 0x00})
	assert.ErrorIs(t, err, bacnet.ErrInvalidNPDU)

	_, err = DecodeNPDU([]byte{0x01})
	assert.ErrorIs(t, err, bacnet.ErrInvalidNPDU)

	// Destination specified but truncated.
	_, err = DecodeNPDU([]byte{0x01, 0x20, 0x00})
	assert.ErrorIs(t, err, bacnet.ErrInvalidNPDU)
}

func TestNetListRoundTrip(t *testing.T) {
	nets := []uint16{1, 2, 0xFFFE}
	got, err := DecodeNetList(EncodeNetList(nets))
	require.NoError(t, err)
	assert.Equal(t, nets, got)

	_, err = DecodeNetList([]byte{0x01})
	assert.ErrorIs(t, err, bacnet.ErrInvalidNPDU)
}

func TestRoutingTableRoundTrip(t *testing.T) {
	entries := []RoutingTableEntry{
		{Network: 1, PortID: 1},
		{Network: 2, PortID: 2, PortInfo: []byte{0xAB}},
	}
	got, err := DecodeRoutingTable(EncodeRoutingTable(entries))
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestNetworkNumberIsRoundTrip(t *testing.T) {
	network, configured, err := DecodeNetworkNumberIs(EncodeNetworkNumberIs(42, true))
	require.NoError(t, err)
	assert.Equal(t, uint16(42), network)
	assert.True(t, configured)
}
