package network

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/bvll"
)

// APDUHandler consumes application PDUs delivered up by the network layer.
// The PDU data is the APDU octets; Source is the originating station
// (remote-station when the frame was routed) and Destination is this
// station, a broadcast, or the global broadcast.
type APDUHandler func(pdu *bacnet.PDU)

// Adapter couples one link layer to the NSAP under a network number, which
// may be NetUnknown until learned from a Network-Number-Is.
type Adapter struct {
	nsap       *NSAP
	link       bvll.LinkLayer
	net        int
	configured bool
}

// Net returns the adapter's network number, NetUnknown when unlearned.
func (a *Adapter) Net() int { return a.net }

// Address returns the adapter's station address.
func (a *Adapter) Address() bacnet.Address { return a.link.Address() }

// NSAPOption configures the NSAP.
type NSAPOption func(*NSAP)

// WithNSAPLogger sets the logger.
func WithNSAPLogger(logger *slog.Logger) NSAPOption {
	return func(n *NSAP) { n.logger = logger }
}

// WithRouterCache replaces the in-memory router-info cache.
func WithRouterCache(cache *RouterInfoCache) NSAPOption {
	return func(n *NSAP) { n.cache = cache }
}

// WithRouteDiscoveryTimeout sets how long an outgoing PDU waits for an
// I-Am-Router-To-Network before failing with ErrUnknownRoute.
func WithRouteDiscoveryTimeout(d time.Duration) NSAPOption {
	return func(n *NSAP) { n.routeTimeout = d }
}

// NSAP is the network service access point: it owns the adapters, encodes
// outgoing PDUs into NPDUs on the right adapter, decodes incoming NPDUs,
// and relays between adapters when acting as a router.
type NSAP struct {
	mu       sync.Mutex
	adapters map[int]*Adapter
	local    *Adapter
	cache    *RouterInfoCache
	nse      *NSE
	handler  APDUHandler
	logger   *slog.Logger

	routeTimeout time.Duration
}

// NewNSAP creates a network service access point.
func NewNSAP(opts ...NSAPOption) *NSAP {
	n := &NSAP{
		adapters:     make(map[int]*Adapter),
		cache:        NewRouterInfoCache(),
		logger:       slog.Default(),
		routeTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.nse = newNSE(n)
	return n
}

// NSE returns the network service element.
func (n *NSAP) NSE() *NSE { return n.nse }

// RouterCache returns the router-info cache.
func (n *NSAP) RouterCache() *RouterInfoCache { return n.cache }

// Bind attaches a link layer under a network number (NetUnknown to learn
// it). The first adapter bound with local=true becomes the local adapter:
// the one carrying this station's own address.
func (n *NSAP) Bind(link bvll.LinkLayer, network int, local bool) (*Adapter, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.adapters[network]; ok {
		return nil, fmt.Errorf("%w: network %d already bound", bacnet.ErrConfiguration, network)
	}
	adapter := &Adapter{nsap: n, link: link, net: network, configured: network != NetUnknown}
	n.adapters[network] = adapter
	if local {
		if n.local != nil {
			return nil, fmt.Errorf("%w: local adapter already bound", bacnet.ErrConfiguration)
		}
		n.local = adapter
	}
	link.OnReceive(func(pdu *bacnet.PDU) { n.receive(adapter, pdu) })
	return adapter, nil
}

// LocalAdapter returns the adapter carrying this station's address.
func (n *NSAP) LocalAdapter() *Adapter {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.local
}

// LocalAddress returns this station's address on the local adapter.
func (n *NSAP) LocalAddress() bacnet.Address {
	a := n.LocalAdapter()
	if a == nil {
		return bacnet.NullAddress()
	}
	return a.Address()
}

// Start starts every bound link layer.
func (n *NSAP) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.local == nil {
		n.mu.Unlock()
		return fmt.Errorf("%w: no local adapter bound", bacnet.ErrConfiguration)
	}
	adapters := n.snapshot()
	n.mu.Unlock()

	for _, a := range adapters {
		if err := a.link.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every bound link layer.
func (n *NSAP) Stop() error {
	n.mu.Lock()
	adapters := n.snapshot()
	n.mu.Unlock()

	var firstErr error
	for _, a := range adapters {
		if err := a.link.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n *NSAP) snapshot() []*Adapter {
	out := make([]*Adapter, 0, len(n.adapters))
	for _, a := range n.adapters {
		out = append(out, a)
	}
	return out
}

// OnAPDU installs the upcall for application PDUs.
func (n *NSAP) OnAPDU(fn APDUHandler) {
	n.mu.Lock()
	n.handler = fn
	n.mu.Unlock()
}

// adapterFor returns the adapter bound to network, nil when none.
func (n *NSAP) adapterFor(network uint16) *Adapter {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.adapters[int(network)]
}

// ownNetwork reports whether network is one of this node's directly
// attached networks.
func (n *NSAP) ownNetwork(network uint16) bool {
	return n.adapterFor(network) != nil
}

// Request encodes and transmits an application PDU. The PDU data is the
// APDU octets; the destination may be any address form.
func (n *NSAP) Request(ctx context.Context, pdu *bacnet.PDU) error {
	npdu := &NPDU{
		ExpectingReply: pdu.ExpectingReply,
		Priority:       pdu.Priority,
		Data:           pdu.Data,
	}

	dest := pdu.Destination

	// Route-aware destination: the caller pinned the next hop.
	if dest.Route != nil {
		hop := *dest.Route
		stripped := dest
		stripped.Route = nil
		npdu.DADR = &stripped
		npdu.HopCount = DefaultHopCount
		return n.sendVia(ctx, n.LocalAdapter(), hop, npdu)
	}

	switch dest.Kind {
	case bacnet.AddressLocalStation, bacnet.AddressLocalBroadcast:
		return n.sendVia(ctx, n.LocalAdapter(), dest, npdu)

	case bacnet.AddressGlobalBroadcast:
		g := bacnet.GlobalBroadcast()
		npdu.DADR = &g
		npdu.HopCount = DefaultHopCount
		n.mu.Lock()
		adapters := n.snapshot()
		n.mu.Unlock()
		var firstErr error
		for _, a := range adapters {
			if err := n.sendVia(ctx, a, bacnet.LocalBroadcast(), npdu); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr

	case bacnet.AddressRemoteStation, bacnet.AddressRemoteBroadcast:
		// Directly attached network: downgrade to the local form.
		if a := n.adapterFor(dest.Net); a != nil {
			var local bacnet.Address
			if dest.Kind == bacnet.AddressRemoteStation {
				local = bacnet.LocalStation(dest.MAC)
			} else {
				local = bacnet.LocalBroadcast()
			}
			return n.sendVia(ctx, a, local, npdu)
		}
		adapter, router, err := n.resolveRoute(ctx, dest.Net)
		if err != nil {
			return err
		}
		npdu.DADR = &dest
		npdu.HopCount = DefaultHopCount
		return n.sendVia(ctx, adapter, router, npdu)

	default:
		return fmt.Errorf("%w: cannot send to %s address", bacnet.ErrInvalidAddress, dest.Kind)
	}
}

// resolveRoute finds the adapter and router station toward dnet, consulting
// the cache and falling back to Who-Is-Router-To-Network discovery.
func (n *NSAP) resolveRoute(ctx context.Context, dnet uint16) (*Adapter, bacnet.Address, error) {
	n.mu.Lock()
	adapters := n.snapshot()
	n.mu.Unlock()

	for _, a := range adapters {
		if ri := n.cache.Lookup(a.net, dnet); ri != nil {
			return a, ri.RouterAddress, nil
		}
	}

	discoverCtx, cancel := context.WithTimeout(ctx, n.routeTimeout)
	defer cancel()
	ri, err := n.nse.FindRouter(discoverCtx, dnet)
	if err != nil {
		return nil, bacnet.Address{}, err
	}

	adapter := n.adapterByNet(ri.SourceNet)
	if adapter == nil {
		return nil, bacnet.Address{}, fmt.Errorf("%w: network %d", bacnet.ErrUnknownRoute, dnet)
	}
	return adapter, ri.RouterAddress, nil
}

func (n *NSAP) adapterByNet(network int) *Adapter {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.adapters[network]
}

// sendVia frames the NPDU and hands it to the adapter's link layer.
func (n *NSAP) sendVia(ctx context.Context, adapter *Adapter, linkDest bacnet.Address, npdu *NPDU) error {
	if adapter == nil {
		return fmt.Errorf("%w: no adapter for destination", bacnet.ErrUnknownRoute)
	}
	out := bacnet.NewPDU(linkDest, npdu.Encode())
	out.ExpectingReply = npdu.ExpectingReply
	out.Priority = npdu.Priority
	return adapter.link.Send(ctx, out)
}

// broadcastNetworkMessage sends a network-layer message as a local
// broadcast on one adapter (or all adapters when adapter is nil).
func (n *NSAP) broadcastNetworkMessage(ctx context.Context, adapter *Adapter, npdu *NPDU) error {
	var adapters []*Adapter
	if adapter != nil {
		adapters = []*Adapter{adapter}
	} else {
		n.mu.Lock()
		adapters = n.snapshot()
		n.mu.Unlock()
	}
	var firstErr error
	for _, a := range adapters {
		if err := n.sendVia(ctx, a, bacnet.LocalBroadcast(), npdu); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// receive handles one frame delivered up by an adapter's link layer.
func (n *NSAP) receive(adapter *Adapter, pdu *bacnet.PDU) {
	npdu, err := DecodeNPDU(pdu.Data)
	if err != nil {
		n.logger.Debug("invalid NPDU dropped", slog.String("error", err.Error()))
		return
	}

	// Source-route learning: a frame with a foreign SADR teaches us that
	// SADR.net is reachable through the station that delivered it.
	if npdu.SADR != nil && !n.ownNetwork(npdu.SADR.Net) {
		n.cache.Update(adapter.net, pdu.Source, []uint16{npdu.SADR.Net}, StatusAvailable)
	}

	if npdu.MessageType != nil {
		n.nse.indication(adapter, pdu.Source, npdu)
		return
	}

	processLocally, forward := n.classify(adapter, npdu)
	if processLocally {
		n.deliverUp(adapter, pdu, npdu)
	}
	if forward {
		n.forward(adapter, pdu, npdu)
	}
}

// classify decides whether an incoming application NPDU is for this node,
// to be relayed, or both.
func (n *NSAP) classify(adapter *Adapter, npdu *NPDU) (processLocally, forward bool) {
	n.mu.Lock()
	isRouter := len(n.adapters) >= 2
	isLocal := adapter == n.local
	n.mu.Unlock()

	if npdu.DADR == nil {
		return isLocal, false
	}

	switch npdu.DADR.Kind {
	case bacnet.AddressGlobalBroadcast:
		return true, isRouter
	case bacnet.AddressRemoteBroadcast, bacnet.AddressRemoteStation:
		if n.ownNetwork(npdu.DADR.Net) {
			// Destined for one of our networks: ours if it names our MAC
			// or is the broadcast, otherwise relay the final leg.
			target := n.adapterFor(npdu.DADR.Net)
			if npdu.DADR.Kind == bacnet.AddressRemoteBroadcast {
				return target == n.LocalAdapter(), isRouter && target != adapter
			}
			self := target.Address()
			if bacnet.RemoteStation(npdu.DADR.Net, self.MAC).Equal(*npdu.DADR) {
				return true, false
			}
			return false, isRouter
		}
		return false, isRouter
	default:
		return false, false
	}
}

// deliverUp rewrites the addressing for the application and invokes the
// handler.
func (n *NSAP) deliverUp(adapter *Adapter, pdu *bacnet.PDU, npdu *NPDU) {
	n.mu.Lock()
	handler := n.handler
	n.mu.Unlock()
	if handler == nil {
		return
	}

	up := &bacnet.PDU{Data: npdu.Data}
	up.ExpectingReply = npdu.ExpectingReply
	up.Priority = npdu.Priority

	if npdu.SADR != nil {
		source := *npdu.SADR
		// Remember the hop that delivered the frame so replies can be
		// pinned without a fresh route discovery.
		source.Route = &bacnet.Address{Kind: pdu.Source.Kind, Net: pdu.Source.Net, MAC: pdu.Source.MAC}
		up.Source = source
	} else {
		up.Source = pdu.Source
	}

	switch {
	case npdu.DADR == nil:
		up.Destination = pdu.Destination
	case npdu.DADR.Kind == bacnet.AddressGlobalBroadcast:
		up.Destination = bacnet.GlobalBroadcast()
	case npdu.DADR.Kind == bacnet.AddressRemoteBroadcast:
		// Remote broadcast for our own network arrives as a local one.
		up.Destination = bacnet.LocalBroadcast()
	default:
		up.Destination = adapter.Address()
	}

	handler(up)
}

// forward relays an NPDU toward its destination network, decrementing the
// hop count and stamping SADR on first hop. The frame never goes back out
// the adapter it arrived on.
func (n *NSAP) forward(arrival *Adapter, pdu *bacnet.PDU, npdu *NPDU) {
	if npdu.HopCount <= 1 {
		n.logger.Debug("hop count exhausted",
			slog.String("source", pdu.Source.String()),
		)
		return
	}

	relay := &NPDU{
		ExpectingReply: npdu.ExpectingReply,
		Priority:       npdu.Priority,
		DADR:           npdu.DADR,
		SADR:           npdu.SADR,
		HopCount:       npdu.HopCount - 1,
		Data:           npdu.Data,
	}
	if relay.SADR == nil {
		sadr := bacnet.RemoteStation(uint16(arrival.net), pdu.Source.MAC)
		relay.SADR = &sadr
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	switch relay.DADR.Kind {
	case bacnet.AddressGlobalBroadcast:
		n.mu.Lock()
		adapters := n.snapshot()
		n.mu.Unlock()
		for _, a := range adapters {
			if a == arrival {
				continue
			}
			if err := n.sendVia(ctx, a, bacnet.LocalBroadcast(), relay); err != nil {
				n.logger.Debug("global relay failed", slog.String("error", err.Error()))
			}
		}

	case bacnet.AddressRemoteStation, bacnet.AddressRemoteBroadcast:
		dnet := relay.DADR.Net
		if target := n.adapterFor(dnet); target != nil && target != arrival {
			// Final leg: the destination network is directly attached.
			final := &NPDU{
				ExpectingReply: relay.ExpectingReply,
				Priority:       relay.Priority,
				SADR:           relay.SADR,
				Data:           relay.Data,
			}
			var linkDest bacnet.Address
			if relay.DADR.Kind == bacnet.AddressRemoteStation {
				linkDest = bacnet.LocalStation(relay.DADR.MAC)
			} else {
				linkDest = bacnet.LocalBroadcast()
			}
			if err := n.sendVia(ctx, target, linkDest, final); err != nil {
				n.logger.Debug("final-leg relay failed", slog.String("error", err.Error()))
			}
			return
		}

		// Another router is the next hop.
		for _, a := range n.adaptersExcept(arrival) {
			if ri := n.cache.Lookup(a.net, dnet); ri != nil {
				if err := n.sendVia(ctx, a, ri.RouterAddress, relay); err != nil {
					n.logger.Debug("relay failed", slog.String("error", err.Error()))
				}
				return
			}
		}
		n.logger.Debug("no route for relayed NPDU", slog.Uint64("dnet", uint64(dnet)))
	}
}

func (n *NSAP) adaptersExcept(skip *Adapter) []*Adapter {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Adapter, 0, len(n.adapters))
	for _, a := range n.adapters {
		if a != skip {
			out = append(out, a)
		}
	}
	return out
}

// learnNetworkNumber installs a learned network number on an adapter bound
// with NetUnknown.
func (n *NSAP) learnNetworkNumber(adapter *Adapter, network uint16) {
	n.mu.Lock()
	if adapter.net != NetUnknown {
		n.mu.Unlock()
		return
	}
	delete(n.adapters, NetUnknown)
	adapter.net = int(network)
	n.adapters[adapter.net] = adapter
	n.mu.Unlock()

	n.cache.UpdateSourceNetwork(NetUnknown, int(network))
	n.logger.Info("network number learned", slog.Uint64("net", uint64(network)))
}
