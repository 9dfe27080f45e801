package network

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/bvll"
)

// collector gathers APDUs delivered to an application.
type collector struct {
	mu   sync.Mutex
	pdus []*bacnet.PDU
}

func (c *collector) handle(pdu *bacnet.PDU) {
	c.mu.Lock()
	c.pdus = append(c.pdus, pdu)
	c.mu.Unlock()
}

func (c *collector) all() []*bacnet.PDU {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*bacnet.PDU(nil), c.pdus...)
}

// node is a single-homed station on a VLAN.
func newNode(t *testing.T, lan *bvll.VLAN, mac byte, network int) (*NSAP, *collector) {
	t.Helper()
	nsap := NewNSAP(WithRouteDiscoveryTimeout(500 * time.Millisecond))
	_, err := nsap.Bind(lan.NewNode(mac), network, true)
	require.NoError(t, err)
	c := &collector{}
	nsap.OnAPDU(c.handle)
	require.NoError(t, nsap.Start(context.Background()))
	return nsap, c
}

// Two-network topology joined by a router, per the routing scenario: A on
// net 1, B on net 2, router R on both.
func buildTopology(t *testing.T) (a *NSAP, aGot *collector, b *NSAP, bGot *collector) {
	t.Helper()
	lan1, lan2 := bvll.NewVLAN(), bvll.NewVLAN()

	router := NewNSAP()
	_, err := router.Bind(lan1.NewNode(0xF1), 1, true)
	require.NoError(t, err)
	_, err = router.Bind(lan2.NewNode(0xF2), 2, false)
	require.NoError(t, err)
	require.NoError(t, router.Start(context.Background()))

	a, aGot = newNode(t, lan1, 0x0A, 1)
	b, bGot = newNode(t, lan2, 0x0B, 2)
	return a, aGot, b, bGot
}

func TestLocalDelivery(t *testing.T) {
	lan := bvll.NewVLAN()
	a, _ := newNode(t, lan, 1, 1)
	_, bGot := newNode(t, lan, 2, 1)

	pdu := bacnet.NewPDU(bacnet.LocalStation([]byte{2}), []byte{0x10, 0x08})
	require.NoError(t, a.Request(context.Background(), pdu))

	got := bGot.all()
	require.Len(t, got, 1)
	assert.Equal(t, []byte{0x10, 0x08}, got[0].Data)
	assert.True(t, got[0].Source.Equal(bacnet.LocalStation([]byte{1})))
}

func TestGlobalBroadcastCrossesRouter(t *testing.T) {
	a, _, _, bGot := buildTopology(t)

	pdu := bacnet.NewPDU(bacnet.GlobalBroadcast(), []byte{0x10, 0x08})
	require.NoError(t, a.Request(context.Background(), pdu))

	got := bGot.all()
	require.Len(t, got, 1)
	assert.Equal(t, bacnet.AddressGlobalBroadcast, got[0].Destination.Kind)
	// The source seen across the router carries the origin network.
	assert.Equal(t, bacnet.AddressRemoteStation, got[0].Source.Kind)
	assert.Equal(t, uint16(1), got[0].Source.Net)
}

func TestRemoteStationRouting(t *testing.T) {
	a, aGot, b, bGot := buildTopology(t)

	// A's cache is empty: the send triggers Who-Is-Router-To-Network and
	// waits for the advertisement.
	dest := bacnet.RemoteStation(2, []byte{0x0B})
	require.NoError(t, a.Request(context.Background(), bacnet.NewPDU(dest, []byte{0xAA})))

	// The route is cached for the next send.
	assert.NotNil(t, a.RouterCache().Lookup(1, 2))

	got := bGot.all()
	require.Len(t, got, 1)
	assert.Equal(t, []byte{0xAA}, got[0].Data)
	require.Equal(t, bacnet.AddressRemoteStation, got[0].Source.Kind)
	assert.Equal(t, uint16(1), got[0].Source.Net)
	require.NotNil(t, got[0].Source.Route, "reply hop is pinned")

	// B replies straight to the delivered source address.
	require.NoError(t, b.Request(context.Background(), bacnet.NewPDU(got[0].Source, []byte{0xBB})))

	reply := aGot.all()
	require.Len(t, reply, 1)
	assert.Equal(t, []byte{0xBB}, reply[0].Data)
	assert.Equal(t, bacnet.AddressRemoteStation, reply[0].Source.Kind)
	assert.Equal(t, uint16(2), reply[0].Source.Net)
}

func TestUnknownRouteFails(t *testing.T) {
	lan := bvll.NewVLAN()
	a, _ := newNode(t, lan, 1, 1)

	dest := bacnet.RemoteStation(99, []byte{0x42})
	err := a.Request(context.Background(), bacnet.NewPDU(dest, []byte{0xAA}))
	assert.ErrorIs(t, err, bacnet.ErrUnknownRoute)
}

func TestHopCountExhaustion(t *testing.T) {
	lanA, lanB := bvll.NewVLAN(), bvll.NewVLAN()
	router := NewNSAP()
	_, err := router.Bind(lanA.NewNode(0xE1), 1, true)
	require.NoError(t, err)
	_, err = router.Bind(lanB.NewNode(0xE2), 2, false)
	require.NoError(t, err)
	require.NoError(t, router.Start(context.Background()))

	_, victimGot := newNode(t, lanB, 0x0B, 2)

	sender := lanA.NewNode(0x05)
	require.NoError(t, sender.Start(context.Background()))

	// A frame with hop count 1 arriving at the router would decrement to
	// zero: it must not be forwarded.
	dadr := bacnet.RemoteStation(2, []byte{0x0B})
	npdu := &NPDU{DADR: &dadr, HopCount: 1, Data: []byte{0xEE}}
	out := bacnet.NewPDU(bacnet.LocalStation([]byte{0xE1}), npdu.Encode())
	require.NoError(t, sender.Send(context.Background(), out))
	assert.Empty(t, victimGot.all(), "exhausted hop count must drop the frame")

	// With a healthy hop count the same frame is relayed.
	npdu.HopCount = 255
	out = bacnet.NewPDU(bacnet.LocalStation([]byte{0xE1}), npdu.Encode())
	require.NoError(t, sender.Send(context.Background(), out))
	assert.Len(t, victimGot.all(), 1)
}

func TestNetworkNumberLearning(t *testing.T) {
	lan := bvll.NewVLAN()

	// A router with a configured net answers What-Is-Network-Number.
	router := NewNSAP()
	_, err := router.Bind(lan.NewNode(1), 5, true)
	require.NoError(t, err)
	require.NoError(t, router.Start(context.Background()))

	learner := NewNSAP()
	adapter, err := learner.Bind(lan.NewNode(2), NetUnknown, true)
	require.NoError(t, err)
	require.NoError(t, learner.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	network, err := learner.NSE().WhatIsNetworkNumber(ctx, adapter)
	require.NoError(t, err)
	assert.Equal(t, uint16(5), network)
	assert.Equal(t, 5, adapter.Net())

	// The adapters map follows the learned number.
	assert.NotNil(t, learner.adapterByNet(5))
	assert.Nil(t, learner.adapterByNet(NetUnknown))
}

func TestInitializeRoutingTableQuery(t *testing.T) {
	lan := bvll.NewVLAN()

	router := NewNSAP()
	_, err := router.Bind(lan.NewNode(1), 1, true)
	require.NoError(t, err)
	lan2 := bvll.NewVLAN()
	_, err = router.Bind(lan2.NewNode(2), 2, false)
	require.NoError(t, err)
	require.NoError(t, router.Start(context.Background()))

	asker, _ := newNode(t, lan, 3, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	entries, err := asker.NSE().InitializeRoutingTable(ctx, bacnet.LocalStation([]byte{1}))
	require.NoError(t, err)
	nets := map[uint16]bool{}
	for _, e := range entries {
		nets[e.Network] = true
	}
	assert.True(t, nets[1])
	assert.True(t, nets[2])
}
