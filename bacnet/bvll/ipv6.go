package bvll

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/internal/transport"
)

// BACnet/IPv6 BVLC function codes (Annex U namespace).
const (
	Func6Result            Function = 0x00
	Func6OriginalUnicast   Function = 0x01
	Func6OriginalBroadcast Function = 0x02
)

// Encode6 frames a payload under the IPv6 BVLC header.
func Encode6(fn Function, payload []byte) []byte {
	buf := make([]byte, 4, 4+len(payload))
	buf[0] = BVLCTypeIPv6
	buf[1] = uint8(fn)
	binary.BigEndian.PutUint16(buf[2:], uint16(4+len(payload)))
	return append(buf, payload...)
}

// Decode6 strips the IPv6 BVLC header.
func Decode6(data []byte) (Frame, error) {
	if len(data) < 4 {
		return Frame{}, fmt.Errorf("%w: %d octets", bacnet.ErrInvalidBVLL, len(data))
	}
	if data[0] != BVLCTypeIPv6 {
		return Frame{}, fmt.Errorf("%w: type %#02x", bacnet.ErrInvalidBVLL, data[0])
	}
	length := binary.BigEndian.Uint16(data[2:])
	if int(length) != len(data) {
		return Frame{}, fmt.Errorf("%w: length field %d, frame %d", bacnet.ErrInvalidBVLL, length, len(data))
	}
	return Frame{Function: Function(data[1]), Payload: data[4:]}, nil
}

// IPv6Config configures a BACnet/IPv6 link layer.
type IPv6Config struct {
	// LocalAddress is the bind address ("[ip]:port", empty for any).
	LocalAddress string
	// Interface names the interface used to join the BACnet multicast
	// group.
	Interface string
	Logger    *slog.Logger
}

// IPv6LinkLayer is the BACnet/IPv6 data link. Broadcast maps onto the
// ff02::bac0 multicast group; stations are addressed by 18-octet MACs
// (IPv6 address + port).
type IPv6LinkLayer struct {
	transport *transport.UDP6Transport
	logger    *slog.Logger
	receiver  Receiver
	local     *net.UDPAddr
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewIPv6 creates an IPv6 link layer.
func NewIPv6(cfg IPv6Config) *IPv6LinkLayer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &IPv6LinkLayer{
		transport: transport.NewUDP6Transport(cfg.LocalAddress, cfg.Interface),
		logger:    cfg.Logger,
	}
}

// OnReceive installs the upcall for delivered NPDUs.
func (ll *IPv6LinkLayer) OnReceive(fn Receiver) { ll.receiver = fn }

// Address returns this station's address.
func (ll *IPv6LinkLayer) Address() bacnet.Address {
	if ll.local == nil {
		return bacnet.NullAddress()
	}
	return bacnet.AddressFromUDP(ll.local)
}

// Start opens the socket and starts the receiver goroutine.
func (ll *IPv6LinkLayer) Start(ctx context.Context) error {
	if err := ll.transport.Open(ctx); err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	ll.local = ll.transport.LocalAddr()

	runCtx, cancel := context.WithCancel(context.Background())
	ll.cancel = cancel
	ll.done = make(chan struct{})
	go ll.receiveLoop(runCtx)

	ll.logger.Info("link layer started",
		slog.String("mode", "ipv6"),
		slog.String("local_addr", ll.local.String()),
	)
	return nil
}

// Stop stops the receiver and closes the socket.
func (ll *IPv6LinkLayer) Stop() error {
	if ll.cancel == nil {
		return nil
	}
	ll.cancel()
	err := ll.transport.Close()
	<-ll.done
	return err
}

// Send transmits an NPDU to a local station or the multicast group.
func (ll *IPv6LinkLayer) Send(ctx context.Context, pdu *bacnet.PDU) error {
	switch pdu.Destination.Kind {
	case bacnet.AddressLocalStation:
		dest, err := pdu.Destination.UDPAddr()
		if err != nil {
			return err
		}
		return ll.transport.Send(ctx, dest, Encode6(Func6OriginalUnicast, pdu.Data))
	case bacnet.AddressLocalBroadcast:
		return ll.transport.Broadcast(ctx, bacnet.DefaultPort, Encode6(Func6OriginalBroadcast, pdu.Data))
	default:
		return fmt.Errorf("%w: link layer cannot address %s", bacnet.ErrInvalidAddress, pdu.Destination.Kind)
	}
}

func (ll *IPv6LinkLayer) receiveLoop(ctx context.Context) {
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

		frame, err := Decode6(data)
		if err != nil {
			ll.logger.Debug("invalid BVLL frame", slog.String("error", err.Error()))
			continue
		}

		source := bacnet.AddressFromUDP(addr)
		if source.Equal(ll.Address()) {
			continue
		}

		var dest bacnet.Address
		switch frame.Function {
		case Func6OriginalUnicast:
			dest = ll.Address()
		case Func6OriginalBroadcast:
			dest = bacnet.LocalBroadcast()
		default:
			continue
		}

		if ll.receiver != nil {
			pdu := &bacnet.PDU{Data: frame.Payload}
			pdu.Source = source
			pdu.Destination = dest
			ll.receiver(pdu)
		}
	}
}
