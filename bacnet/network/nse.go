package network

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/edgeo/bacstack/bacnet"
)

// routerQuery is a pending Who-Is-Router-To-Network: resolved by the first
// I-Am-Router-To-Network advertising the wanted network.
type routerQuery struct {
	dnet uint16
	ch   chan *RouterInfo
}

// netNumberQuery is a pending What-Is-Network-Number on one adapter.
type netNumberQuery struct {
	adapter *Adapter
	ch      chan uint16
}

// initRTQuery is a pending Initialize-Routing-Table exchange.
type initRTQuery struct {
	peer bacnet.Address
	ch   chan []RoutingTableEntry
}

// NSE is the network service element: it answers and originates the
// network-layer message protocol on behalf of the NSAP.
type NSE struct {
	nsap   *NSAP
	logger *slog.Logger

	mu            sync.Mutex
	routerQueries []*routerQuery
	netQueries    []*netNumberQuery
	initQueries   []*initRTQuery
}

func newNSE(nsap *NSAP) *NSE {
	return &NSE{nsap: nsap, logger: nsap.logger}
}

// indication handles one incoming network-layer message.
func (e *NSE) indication(adapter *Adapter, source bacnet.Address, npdu *NPDU) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	switch *npdu.MessageType {
	case MsgWhoIsRouterToNetwork:
		e.handleWhoIsRouter(ctx, adapter, npdu)

	case MsgIAmRouterToNetwork:
		nets, err := DecodeNetList(npdu.Data)
		if err != nil {
			e.logger.Debug("bad I-Am-Router payload", slog.String("error", err.Error()))
			return
		}
		ri := e.nsap.cache.Update(adapter.net, source, nets, StatusAvailable)
		e.resolveRouterQueries(ri, nets)

	case MsgICouldBeRouterToNetwork:
		// Advisory; establishing PTP connections is out of scope.
		e.logger.Debug("I-Could-Be-Router ignored", slog.String("from", source.String()))

	case MsgRejectMessageToNetwork:
		reason, network, err := DecodeRejectMessage(npdu.Data)
		if err == nil {
			e.logger.Warn("message rejected by router",
				slog.String("router", source.String()),
				slog.Uint64("reason", uint64(reason)),
				slog.Uint64("dnet", uint64(network)),
			)
		}

	case MsgRouterBusyToNetwork:
		if nets, err := DecodeNetList(npdu.Data); err == nil {
			e.nsap.cache.SetStatus(adapter.net, source, nets, StatusBusy)
		}

	case MsgRouterAvailableToNetwork:
		if nets, err := DecodeNetList(npdu.Data); err == nil {
			e.nsap.cache.SetStatus(adapter.net, source, nets, StatusAvailable)
		}

	case MsgInitializeRoutingTable:
		// An empty table is a query; a reply carries our port list.
		entries, err := DecodeRoutingTable(npdu.Data)
		if err != nil || len(entries) > 0 {
			// Writing routing tables from the wire is not accepted.
			reply := NetworkMessage(MsgRejectMessageToNetwork, EncodeRejectMessage(RejectOther, 0))
			e.send(ctx, adapter, source, reply)
			return
		}
		ack := NetworkMessage(MsgInitializeRoutingTableAck, EncodeRoutingTable(e.localRoutingTable()))
		e.send(ctx, adapter, source, ack)

	case MsgInitializeRoutingTableAck:
		entries, err := DecodeRoutingTable(npdu.Data)
		if err != nil {
			return
		}
		e.resolveInitQueries(source, entries)

	case MsgEstablishConnectionToNetwork, MsgDisconnectConnectionToNetwork:
		reply := NetworkMessage(MsgRejectMessageToNetwork, EncodeRejectMessage(RejectOther, 0))
		e.send(ctx, adapter, source, reply)

	case MsgWhatIsNetworkNumber:
		if adapter.net == NetUnknown {
			return
		}
		reply := NetworkMessage(MsgNetworkNumberIs,
			EncodeNetworkNumberIs(uint16(adapter.net), adapter.configured))
		e.broadcast(ctx, adapter, reply)

	case MsgNetworkNumberIs:
		network, _, err := DecodeNetworkNumberIs(npdu.Data)
		if err != nil {
			return
		}
		if adapter.net == NetUnknown {
			e.nsap.learnNetworkNumber(adapter, network)
		}
		e.resolveNetQueries(adapter, network)

	default:
		e.logger.Debug("unknown network message",
			slog.String("type", npdu.MessageType.String()),
		)
	}
}

// handleWhoIsRouter answers when this node routes to the asked network.
func (e *NSE) handleWhoIsRouter(ctx context.Context, adapter *Adapter, npdu *NPDU) {
	asked, err := DecodeWhoIsRouter(npdu.Data)
	if err != nil {
		return
	}

	var reachable []uint16
	for _, other := range e.nsap.adaptersExcept(adapter) {
		if other.net == NetUnknown {
			continue
		}
		net := uint16(other.net)
		if asked == nil || *asked == net {
			reachable = append(reachable, net)
		}
	}
	// Paths learned from other routers are also advertised.
	if asked != nil && len(reachable) == 0 {
		for _, other := range e.nsap.adaptersExcept(adapter) {
			if ri := e.nsap.cache.Lookup(other.net, *asked); ri != nil {
				reachable = append(reachable, *asked)
				break
			}
		}
	}
	if len(reachable) == 0 {
		return
	}
	reply := NetworkMessage(MsgIAmRouterToNetwork, EncodeNetList(reachable))
	e.broadcast(ctx, adapter, reply)
}

// localRoutingTable describes this node's ports.
func (e *NSE) localRoutingTable() []RoutingTableEntry {
	var entries []RoutingTableEntry
	portID := uint8(1)
	e.nsap.mu.Lock()
	defer e.nsap.mu.Unlock()
	for _, a := range e.nsap.adapters {
		if a.net == NetUnknown {
			continue
		}
		entries = append(entries, RoutingTableEntry{Network: uint16(a.net), PortID: portID})
		portID++
	}
	return entries
}

func (e *NSE) send(ctx context.Context, adapter *Adapter, dest bacnet.Address, npdu *NPDU) {
	if err := e.nsap.sendVia(ctx, adapter, dest, npdu); err != nil {
		e.logger.Debug("network message send failed", slog.String("error", err.Error()))
	}
}

func (e *NSE) broadcast(ctx context.Context, adapter *Adapter, npdu *NPDU) {
	if err := e.nsap.broadcastNetworkMessage(ctx, adapter, npdu); err != nil {
		e.logger.Debug("network message broadcast failed", slog.String("error", err.Error()))
	}
}

func (e *NSE) resolveRouterQueries(ri *RouterInfo, nets []uint16) {
	e.mu.Lock()
	var remaining []*routerQuery
	var resolved []*routerQuery
	for _, q := range e.routerQueries {
		matched := false
		for _, net := range nets {
			if net == q.dnet {
				matched = true
				break
			}
		}
		if matched {
			resolved = append(resolved, q)
		} else {
			remaining = append(remaining, q)
		}
	}
	e.routerQueries = remaining
	e.mu.Unlock()

	for _, q := range resolved {
		q.ch <- ri
	}
}

func (e *NSE) resolveNetQueries(adapter *Adapter, network uint16) {
	e.mu.Lock()
	var remaining []*netNumberQuery
	var resolved []*netNumberQuery
	for _, q := range e.netQueries {
		if q.adapter == adapter {
			resolved = append(resolved, q)
		} else {
			remaining = append(remaining, q)
		}
	}
	e.netQueries = remaining
	e.mu.Unlock()

	for _, q := range resolved {
		q.ch <- network
	}
}

func (e *NSE) resolveInitQueries(source bacnet.Address, entries []RoutingTableEntry) {
	e.mu.Lock()
	var remaining []*initRTQuery
	var resolved []*initRTQuery
	for _, q := range e.initQueries {
		if q.peer.Equal(source) {
			resolved = append(resolved, q)
		} else {
			remaining = append(remaining, q)
		}
	}
	e.initQueries = remaining
	e.mu.Unlock()

	for _, q := range resolved {
		q.ch <- entries
	}
}

// FindRouter broadcasts Who-Is-Router-To-Network on every adapter and waits
// for the first matching advertisement. The context bounds the wait.
func (e *NSE) FindRouter(ctx context.Context, dnet uint16) (*RouterInfo, error) {
	q := &routerQuery{dnet: dnet, ch: make(chan *RouterInfo, 1)}
	e.mu.Lock()
	e.routerQueries = append(e.routerQueries, q)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		for i, pending := range e.routerQueries {
			if pending == q {
				e.routerQueries = append(e.routerQueries[:i], e.routerQueries[i+1:]...)
				break
			}
		}
		e.mu.Unlock()
	}()

	msg := NetworkMessage(MsgWhoIsRouterToNetwork, EncodeWhoIsRouter(&dnet))
	if err := e.nsap.broadcastNetworkMessage(ctx, nil, msg); err != nil {
		return nil, err
	}

	select {
	case ri := <-q.ch:
		return ri, nil
	case <-ctx.Done():
		return nil, bacnet.ErrUnknownRoute
	}
}

// WhatIsNetworkNumber asks for the adapter's network number and waits for a
// Network-Number-Is.
func (e *NSE) WhatIsNetworkNumber(ctx context.Context, adapter *Adapter) (uint16, error) {
	q := &netNumberQuery{adapter: adapter, ch: make(chan uint16, 1)}
	e.mu.Lock()
	e.netQueries = append(e.netQueries, q)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		for i, pending := range e.netQueries {
			if pending == q {
				e.netQueries = append(e.netQueries[:i], e.netQueries[i+1:]...)
				break
			}
		}
		e.mu.Unlock()
	}()

	msg := NetworkMessage(MsgWhatIsNetworkNumber, nil)
	if err := e.nsap.broadcastNetworkMessage(ctx, adapter, msg); err != nil {
		return 0, err
	}

	select {
	case network := <-q.ch:
		return network, nil
	case <-ctx.Done():
		return 0, bacnet.ErrTimeout
	}
}

// InitializeRoutingTable queries a router's routing table.
func (e *NSE) InitializeRoutingTable(ctx context.Context, peer bacnet.Address) ([]RoutingTableEntry, error) {
	q := &initRTQuery{peer: peer, ch: make(chan []RoutingTableEntry, 1)}
	e.mu.Lock()
	e.initQueries = append(e.initQueries, q)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		for i, pending := range e.initQueries {
			if pending == q {
				e.initQueries = append(e.initQueries[:i], e.initQueries[i+1:]...)
				break
			}
		}
		e.mu.Unlock()
	}()

	msg := NetworkMessage(MsgInitializeRoutingTable, EncodeRoutingTable(nil))
	e.send(ctx, e.nsap.LocalAdapter(), peer, msg)

	select {
	case entries := <-q.ch:
		return entries, nil
	case <-ctx.Done():
		return nil, bacnet.ErrTimeout
	}
}
