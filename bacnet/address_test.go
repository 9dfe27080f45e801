package bacnet

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want Address
	}{
		{"null", "", NullAddress()},
		{"local broadcast", "*", LocalBroadcast()},
		{"global broadcast", "*:*", GlobalBroadcast()},
		{"remote broadcast", "10:*", RemoteBroadcast(10)},
		{"ipv4 default port", "192.168.1.10",
			LocalStation([]byte{192, 168, 1, 10, 0xBA, 0xC0})},
		{"ipv4 with port", "192.168.1.10:47809",
			LocalStation([]byte{192, 168, 1, 10, 0xBA, 0xC1})},
		{"mstp station", "17", LocalStation([]byte{17})},
		{"remote station mstp", "5:17", RemoteStation(5, []byte{17})},
		{"remote station ip", "3:10.0.0.2",
			RemoteStation(3, []byte{10, 0, 0, 2, 0xBA, 0xC0})},
	}

	for _, tcase := range testCases {
		t.Run(tcase.name, func(t *testing.T) {
			got, err := ParseAddress(tcase.in)
			require.NoError(t, err)
			assert.True(t, tcase.want.Equal(got), "got %v", got)
		})
	}
}

func TestParseAddressIPv6(t *testing.T) {
	got, err := ParseAddress("[2001:db8::1]:47808")
	require.NoError(t, err)
	assert.Equal(t, AddressLocalStation, got.Kind)
	assert.Len(t, got.MAC, 18)

	udp, err := got.UDPAddr()
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", udp.IP.String())
	assert.Equal(t, 47808, udp.Port)
}

func TestParseAddressRoute(t *testing.T) {
	got, err := ParseAddress("3:17@10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, AddressRemoteStation, got.Kind)
	require.NotNil(t, got.Route)
	assert.Equal(t, AddressLocalStation, got.Route.Kind)

	// Route does not participate in equality.
	assert.True(t, got.Equal(RemoteStation(3, []byte{17})))
}

func TestParseAddressInvalid(t *testing.T) {
	for _, in := range []string{"no-such-host", "1.2.3:47808", "999999"} {
		_, err := ParseAddress(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestAddressUDPRoundTrip(t *testing.T) {
	udp := &net.UDPAddr{IP: net.IPv4(172, 16, 0, 9), Port: 47810}
	addr := AddressFromUDP(udp)
	back, err := addr.UDPAddr()
	require.NoError(t, err)
	assert.True(t, udp.IP.Equal(back.IP))
	assert.Equal(t, udp.Port, back.Port)
}

func TestAddressString(t *testing.T) {
	for _, s := range []string{"*", "*:*", "10:*", "192.168.1.10:47808", "5:17"} {
		addr, err := ParseAddress(s)
		require.NoError(t, err)
		assert.Equal(t, s, addr.String())
	}
}

func TestObjectIdentifierRoundTrip(t *testing.T) {
	oid := NewObjectIdentifier(ObjectTypeAnalogInput, 42)
	assert.Equal(t, oid, DecodeObjectIdentifier(oid.Encode()))

	dev := NewObjectIdentifier(ObjectTypeDevice, UnspecifiedInstance)
	assert.Equal(t, UnspecifiedInstance, DecodeObjectIdentifier(dev.Encode()).Instance)
}

func TestParseObjectIdentifier(t *testing.T) {
	oid, err := ParseObjectIdentifier("analog-input:3")
	require.NoError(t, err)
	assert.Equal(t, NewObjectIdentifier(ObjectTypeAnalogInput, 3), oid)

	oid, err = ParseObjectIdentifier("8:1234")
	require.NoError(t, err)
	assert.Equal(t, NewObjectIdentifier(ObjectTypeDevice, 1234), oid)

	_, err = ParseObjectIdentifier("flux-capacitor:1")
	assert.Error(t, err)
}

func TestMaxAPDUCodes(t *testing.T) {
	assert.Equal(t, uint8(5), MaxAPDUEncode(1476))
	assert.Equal(t, uint(1476), MaxAPDUDecode(5))
	assert.Equal(t, uint8(3), MaxAPDUEncode(480))
	assert.Equal(t, uint(480), MaxAPDUDecode(3))

	assert.Equal(t, uint8(4), MaxSegmentsEncode(16))
	assert.Equal(t, uint(16), MaxSegmentsDecode(4))
	assert.Equal(t, uint(255), MaxSegmentsDecode(7))
}
