package bvll

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/internal/transport"
)

// IPv4Mode selects the BACnet/IP link-layer behavior.
type IPv4Mode int

const (
	ModeNormal IPv4Mode = iota
	ModeForeign
	ModeBBMD
)

// IPv4Config configures an IPv4 link layer.
type IPv4Config struct {
	Mode IPv4Mode

	// LocalAddress is the bind address ("ip:port"); the port defaults to
	// 47808 when zero.
	LocalAddress string

	// BroadcastAddress is the subnet-directed broadcast destination; the
	// limited broadcast address is used when empty.
	BroadcastAddress string

	// BBMDAddress and TTL configure foreign-device registration.
	BBMDAddress string
	TTL         time.Duration

	// BDT seeds the broadcast distribution table in BBMD mode.
	BDT []BDTEntry

	Logger *slog.Logger
}

// IPv4LinkLayer is the BACnet/IP data link in normal, foreign-device or
// BBMD mode.
type IPv4LinkLayer struct {
	cfg       IPv4Config
	transport *transport.UDPTransport
	logger    *slog.Logger

	mu       sync.Mutex
	receiver Receiver
	local    *net.UDPAddr
	bbmd     *net.UDPAddr
	bdt      []BDTEntry
	fdt      map[string]*fdtRow
	running  bool

	cancel context.CancelFunc
	done   chan struct{}
}

type fdtRow struct {
	entry   FDTEntry
	expires time.Time
}

// fdtGrace is the slack added to a foreign registration's TTL before purge.
const fdtGrace = 30 * time.Second

// NewIPv4 creates an IPv4 link layer.
func NewIPv4(cfg IPv4Config) (*IPv4LinkLayer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Mode == ModeForeign {
		if cfg.BBMDAddress == "" {
			return nil, fmt.Errorf("%w: foreign mode needs a BBMD address", bacnet.ErrConfiguration)
		}
		if cfg.TTL <= 0 {
			cfg.TTL = 60 * time.Second
		}
	}

	ll := &IPv4LinkLayer{
		cfg:       cfg,
		transport: transport.NewUDPTransport(cfg.LocalAddress),
		logger:    cfg.Logger,
		fdt:       make(map[string]*fdtRow),
		bdt:       cfg.BDT,
	}
	return ll, nil
}

// OnReceive installs the upcall for delivered NPDUs.
func (ll *IPv4LinkLayer) OnReceive(fn Receiver) {
	ll.mu.Lock()
	ll.receiver = fn
	ll.mu.Unlock()
}

// Address returns this station's address.
func (ll *IPv4LinkLayer) Address() bacnet.Address {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	if ll.local == nil {
		return bacnet.NullAddress()
	}
	return bacnet.AddressFromUDP(ll.local)
}

// Start opens the socket, starts the receiver goroutine, and in foreign
// mode begins the registration cycle.
func (ll *IPv4LinkLayer) Start(ctx context.Context) error {
	if err := ll.transport.Open(ctx); err != nil {
		return fmt.Errorf("open transport: %w", err)
	}

	if ll.cfg.BroadcastAddress != "" {
		baddr, err := net.ResolveUDPAddr("udp4", ll.cfg.BroadcastAddress)
		if err != nil {
			return fmt.Errorf("%w: broadcast address: %v", bacnet.ErrConfiguration, err)
		}
		ll.transport.SetBroadcastAddr(baddr)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	ll.mu.Lock()
	ll.local = ll.transport.LocalAddr()
	ll.cancel = cancel
	ll.done = make(chan struct{})
	ll.running = true
	ll.mu.Unlock()

	if ll.cfg.Mode == ModeForeign {
		baddr, err := net.ResolveUDPAddr("udp4", ll.cfg.BBMDAddress)
		if err != nil {
			cancel()
			return fmt.Errorf("%w: BBMD address: %v", bacnet.ErrConfiguration, err)
		}
		ll.mu.Lock()
		ll.bbmd = baddr
		ll.mu.Unlock()
		go ll.registerLoop(runCtx)
	}

	go ll.receiveLoop(runCtx)

	ll.logger.Info("link layer started",
		slog.String("mode", ll.modeName()),
		slog.String("local_addr", ll.local.String()),
	)
	return nil
}

func (ll *IPv4LinkLayer) modeName() string {
	switch ll.cfg.Mode {
	case ModeForeign:
		return "foreign"
	case ModeBBMD:
		return "bbmd"
	default:
		return "normal"
	}
}

// Stop deregisters (foreign mode), stops the receiver and closes the socket.
func (ll *IPv4LinkLayer) Stop() error {
	ll.mu.Lock()
	if !ll.running {
		ll.mu.Unlock()
		return nil
	}
	ll.running = false
	cancel, done := ll.cancel, ll.done
	bbmd, local := ll.bbmd, ll.local
	ll.mu.Unlock()

	if ll.cfg.Mode == ModeForeign && bbmd != nil && local != nil {
		ctx, cancelSend := context.WithTimeout(context.Background(), time.Second)
		if err := ll.transport.Send(ctx, bbmd, EncodeDeleteFDTEntry(local)); err != nil {
			ll.logger.Debug("deregister failed", slog.String("error", err.Error()))
		}
		cancelSend()
	}

	cancel()
	err := ll.transport.Close()
	<-done
	return err
}

// Send transmits an NPDU to a local station or the local broadcast.
func (ll *IPv4LinkLayer) Send(ctx context.Context, pdu *bacnet.PDU) error {
	switch pdu.Destination.Kind {
	case bacnet.AddressLocalStation:
		dest, err := pdu.Destination.UDPAddr()
		if err != nil {
			return err
		}
		return ll.transport.Send(ctx, dest, Encode(FuncOriginalUnicast, pdu.Data))

	case bacnet.AddressLocalBroadcast:
		return ll.sendBroadcast(ctx, pdu.Data)

	default:
		return fmt.Errorf("%w: link layer cannot address %s", bacnet.ErrInvalidAddress, pdu.Destination.Kind)
	}
}

func (ll *IPv4LinkLayer) sendBroadcast(ctx context.Context, npdu []byte) error {
	switch ll.cfg.Mode {
	case ModeForeign:
		ll.mu.Lock()
		bbmd := ll.bbmd
		ll.mu.Unlock()
		return ll.transport.Send(ctx, bbmd, Encode(FuncDistributeBroadcast, npdu))

	case ModeBBMD:
		if err := ll.transport.Broadcast(ctx, bacnet.DefaultPort, Encode(FuncOriginalBroadcast, npdu)); err != nil {
			return err
		}
		ll.mu.Lock()
		local := ll.local
		ll.mu.Unlock()
		ll.distribute(ctx, local, npdu, nil)
		return nil

	default:
		return ll.transport.Broadcast(ctx, bacnet.DefaultPort, Encode(FuncOriginalBroadcast, npdu))
	}
}

// registerLoop sends Register-Foreign-Device immediately and then at half
// the TTL until cancelled.
func (ll *IPv4LinkLayer) registerLoop(ctx context.Context) {
	ttl := uint16(ll.cfg.TTL.Seconds())
	register := func() {
		sendCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		ll.mu.Lock()
		bbmd := ll.bbmd
		ll.mu.Unlock()
		if err := ll.transport.Send(sendCtx, bbmd, EncodeRegisterFD(ttl)); err != nil {
			ll.logger.Warn("foreign registration failed", slog.String("error", err.Error()))
			return
		}
		ll.logger.Debug("registered as foreign device",
			slog.String("bbmd", bbmd.String()),
			slog.Uint64("ttl_seconds", uint64(ttl)),
		)
	}

	register()
	ticker := time.NewTicker(ll.cfg.TTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			register()
		}
	}
}

func (ll *IPv4LinkLayer) receiveLoop(ctx context.Context) {
	defer close(ll.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, addr, err := ll.transport.ReceiveWithTimeout(100 * time.Millisecond)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ll.transport.IsClosed() {
				return
			}
			ll.logger.Debug("receive error", slog.String("error", err.Error()))
			continue
		}
		ll.handleFrame(ctx, data, addr)
	}
}

func (ll *IPv4LinkLayer) handleFrame(ctx context.Context, data []byte, from *net.UDPAddr) {
	frame, err := Decode(data)
	if err != nil {
		ll.logger.Debug("invalid BVLL frame", slog.String("error", err.Error()))
		return
	}

	switch frame.Function {
	case FuncOriginalUnicast:
		ll.deliver(from, bacnet.AddressFromUDP(ll.local), frame.Payload)

	case FuncOriginalBroadcast:
		if ll.cfg.Mode == ModeBBMD {
			ll.distribute(ctx, from, frame.Payload, nil)
		}
		ll.deliver(from, bacnet.LocalBroadcast(), frame.Payload)

	case FuncForwardedNPDU:
		origin, npdu, err := DecodeForwardedNPDU(frame.Payload)
		if err != nil {
			ll.logger.Debug("invalid forwarded NPDU", slog.String("error", err.Error()))
			return
		}
		if ll.cfg.Mode == ModeBBMD {
			// Peer BBMD relayed a broadcast: pass it to our foreign devices.
			ll.forwardToFDT(ctx, origin, npdu, nil)
		}
		ll.deliver(origin, bacnet.LocalBroadcast(), npdu)

	case FuncDistributeBroadcast:
		if ll.cfg.Mode != ModeBBMD {
			return
		}
		ll.distribute(ctx, from, frame.Payload, from)
		ll.deliver(from, bacnet.LocalBroadcast(), frame.Payload)

	case FuncRegisterFD:
		ll.handleRegisterFD(ctx, frame.Payload, from)

	case FuncDeleteFDTEntry:
		ll.handleDeleteFDT(ctx, frame.Payload, from)

	case FuncReadBDT:
		if ll.cfg.Mode == ModeBBMD {
			ll.mu.Lock()
			bdt := append([]BDTEntry(nil), ll.bdt...)
			ll.mu.Unlock()
			ll.reply(ctx, from, EncodeBDT(FuncReadBDTAck, bdt))
		} else {
			ll.reply(ctx, from, EncodeResult(ResultReadBDTNAK))
		}

	case FuncWriteBDT:
		if ll.cfg.Mode != ModeBBMD {
			ll.reply(ctx, from, EncodeResult(ResultWriteBDTNAK))
			return
		}
		entries, err := DecodeBDT(frame.Payload)
		if err != nil {
			ll.reply(ctx, from, EncodeResult(ResultWriteBDTNAK))
			return
		}
		ll.mu.Lock()
		ll.bdt = entries
		ll.mu.Unlock()
		ll.reply(ctx, from, EncodeResult(ResultSuccess))

	case FuncReadFDT:
		if ll.cfg.Mode == ModeBBMD {
			ll.reply(ctx, from, EncodeFDTAck(ll.fdtSnapshot()))
		} else {
			ll.reply(ctx, from, EncodeResult(ResultReadFDTNAK))
		}

	case FuncResult:
		code, err := DecodeResult(frame.Payload)
		if err == nil && code != ResultSuccess {
			ll.logger.Warn("BVLL negative result",
				slog.String("from", from.String()),
				slog.Uint64("code", uint64(code)),
			)
		}
	}
}

func (ll *IPv4LinkLayer) deliver(origin *net.UDPAddr, dest bacnet.Address, npdu []byte) {
	ll.mu.Lock()
	receiver := ll.receiver
	local := ll.local
	ll.mu.Unlock()
	if receiver == nil {
		return
	}
	source := bacnet.AddressFromUDP(origin)
	// Our own broadcasts come back on some stacks; drop them.
	if local != nil && source.Equal(bacnet.AddressFromUDP(local)) {
		return
	}
	pdu := &bacnet.PDU{Data: npdu}
	pdu.Source = source
	pdu.Destination = dest
	receiver(pdu)
}

func (ll *IPv4LinkLayer) reply(ctx context.Context, to *net.UDPAddr, frame []byte) {
	if err := ll.transport.Send(ctx, to, frame); err != nil {
		ll.logger.Debug("reply failed", slog.String("error", err.Error()))
	}
}

// handleRegisterFD registers or refreshes a foreign device.
func (ll *IPv4LinkLayer) handleRegisterFD(ctx context.Context, payload []byte, from *net.UDPAddr) {
	if ll.cfg.Mode != ModeBBMD {
		ll.reply(ctx, from, EncodeResult(ResultRegisterFDNAK))
		return
	}
	ttl, err := DecodeRegisterFD(payload)
	if err != nil {
		ll.reply(ctx, from, EncodeResult(ResultRegisterFDNAK))
		return
	}
	ll.mu.Lock()
	ll.fdt[from.String()] = &fdtRow{
		entry:   FDTEntry{Address: from, TTL: ttl, Remaining: ttl},
		expires: time.Now().Add(time.Duration(ttl)*time.Second + fdtGrace),
	}
	ll.mu.Unlock()
	ll.logger.Debug("foreign device registered",
		slog.String("device", from.String()),
		slog.Uint64("ttl_seconds", uint64(ttl)),
	)
	ll.reply(ctx, from, EncodeResult(ResultSuccess))
}

func (ll *IPv4LinkLayer) handleDeleteFDT(ctx context.Context, payload []byte, from *net.UDPAddr) {
	if ll.cfg.Mode != ModeBBMD {
		ll.reply(ctx, from, EncodeResult(ResultDeleteFDTEntryNAK))
		return
	}
	peer, err := DecodeDeleteFDTEntry(payload)
	if err != nil {
		ll.reply(ctx, from, EncodeResult(ResultDeleteFDTEntryNAK))
		return
	}
	ll.mu.Lock()
	_, ok := ll.fdt[peer.String()]
	delete(ll.fdt, peer.String())
	ll.mu.Unlock()
	if ok {
		ll.reply(ctx, from, EncodeResult(ResultSuccess))
	} else {
		ll.reply(ctx, from, EncodeResult(ResultDeleteFDTEntryNAK))
	}
}

// fdtSnapshot returns the live foreign device entries, purging expired rows.
func (ll *IPv4LinkLayer) fdtSnapshot() []FDTEntry {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	now := time.Now()
	var out []FDTEntry
	for key, row := range ll.fdt {
		if now.After(row.expires) {
			delete(ll.fdt, key)
			continue
		}
		e := row.entry
		e.Remaining = uint16(row.expires.Sub(now).Seconds())
		out = append(out, e)
	}
	return out
}

// distribute relays a broadcast as Forwarded-NPDU to every BDT peer (masked
// directed broadcast) and every live foreign device, skipping the exclude
// address and ourselves.
func (ll *IPv4LinkLayer) distribute(ctx context.Context, origin *net.UDPAddr, npdu []byte, exclude *net.UDPAddr) {
	ll.mu.Lock()
	bdt := append([]BDTEntry(nil), ll.bdt...)
	local := ll.local
	ll.mu.Unlock()

	frame := EncodeForwardedNPDU(origin, npdu)
	for _, entry := range bdt {
		dest := entry.DirectedBroadcast()
		if local != nil && dest.IP.Equal(local.IP) && dest.Port == local.Port {
			continue
		}
		if err := ll.transport.Send(ctx, dest, frame); err != nil {
			ll.logger.Debug("BDT forward failed",
				slog.String("peer", dest.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	ll.forwardToFDT(ctx, origin, npdu, exclude)
}

func (ll *IPv4LinkLayer) forwardToFDT(ctx context.Context, origin *net.UDPAddr, npdu []byte, exclude *net.UDPAddr) {
	frame := EncodeForwardedNPDU(origin, npdu)
	for _, entry := range ll.fdtSnapshot() {
		if exclude != nil && entry.Address.IP.Equal(exclude.IP) && entry.Address.Port == exclude.Port {
			continue
		}
		if err := ll.transport.Send(ctx, entry.Address, frame); err != nil {
			ll.logger.Debug("FDT forward failed",
				slog.String("device", entry.Address.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}
