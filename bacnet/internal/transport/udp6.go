package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv6"
)

// BACnetIPv6Group is the link-local multicast group that stands in for
// broadcast on BACnet/IPv6 networks.
var BACnetIPv6Group = net.ParseIP("ff02::bac0")

// UDP6Transport is the IPv6 socket for BACnet/IPv6. Broadcast maps onto the
// BACnet multicast group, joined on the configured interface.
type UDP6Transport struct {
	localAddr    string
	ifaceName    string
	conn         *net.UDPConn
	pconn        *ipv6.PacketConn
	iface        *net.Interface
	mu           sync.RWMutex
	readTimeout  time.Duration
	writeTimeout time.Duration
	closed       bool
}

// NewUDP6Transport creates an IPv6 transport bound to localAddr
// ("[ip]:port", empty for any), joining the multicast group on iface when
// given.
func NewUDP6Transport(localAddr, iface string) *UDP6Transport {
	return &UDP6Transport{
		localAddr:    localAddr,
		ifaceName:    iface,
		readTimeout:  3 * time.Second,
		writeTimeout: 3 * time.Second,
	}
}

// Open binds the socket and joins the BACnet multicast group.
func (t *UDP6Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	var addr *net.UDPAddr
	var err error
	if t.localAddr != "" {
		addr, err = net.ResolveUDPAddr("udp6", t.localAddr)
		if err != nil {
			return fmt.Errorf("resolve local address: %w", err)
		}
	}

	conn, err := net.ListenUDP("udp6", addr)
	if err != nil {
		return fmt.Errorf("listen UDP6: %w", err)
	}

	pconn := ipv6.NewPacketConn(conn)

	if t.ifaceName != "" {
		ifi, err := net.InterfaceByName(t.ifaceName)
		if err != nil {
			conn.Close()
			return fmt.Errorf("interface %q: %w", t.ifaceName, err)
		}
		t.iface = ifi
	}

	if err := pconn.JoinGroup(t.iface, &net.UDPAddr{IP: BACnetIPv6Group}); err != nil {
		conn.Close()
		return fmt.Errorf("join multicast group: %w", err)
	}
	// Interface index and destination control messages are enabled on the
	// socket; Receive does not pass them on to the caller.
	if err := pconn.SetControlMessage(ipv6.FlagInterface|ipv6.FlagDst, true); err != nil {
		conn.Close()
		return fmt.Errorf("set control messages: %w", err)
	}

	t.conn = conn
	t.pconn = pconn
	t.closed = false
	return nil
}

// Close leaves the group and shuts the socket down.
func (t *UDP6Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || t.closed {
		return nil
	}
	t.closed = true
	t.pconn.LeaveGroup(t.iface, &net.UDPAddr{IP: BACnetIPv6Group})
	return t.conn.Close()
}

// LocalAddr returns the bound address.
func (t *UDP6Transport) LocalAddr() *net.UDPAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Send writes a datagram to addr.
func (t *UDP6Transport) Send(ctx context.Context, addr *net.UDPAddr, data []byte) error {
	t.mu.RLock()
	pconn := t.pconn
	writeTimeout := t.writeTimeout
	t.mu.RUnlock()

	if pconn == nil {
		return fmt.Errorf("transport not open")
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	if err := pconn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	var cm *ipv6.ControlMessage
	if t.iface != nil && addr.IP.IsMulticast() {
		cm = &ipv6.ControlMessage{IfIndex: t.iface.Index}
	}
	n, err := pconn.WriteTo(data, cm, addr)
	if err != nil {
		return fmt.Errorf("write UDP6: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("partial write: %d of %d bytes", n, len(data))
	}
	return nil
}

// Broadcast writes a datagram to the BACnet multicast group.
func (t *UDP6Transport) Broadcast(ctx context.Context, port int, data []byte) error {
	return t.Send(ctx, &net.UDPAddr{IP: BACnetIPv6Group, Port: port}, data)
}

// Receive reads one datagram, honoring the context deadline.
func (t *UDP6Transport) Receive(ctx context.Context) ([]byte, *net.UDPAddr, error) {
	t.mu.RLock()
	pconn := t.pconn
	readTimeout := t.readTimeout
	t.mu.RUnlock()

	if pconn == nil {
		return nil, nil, fmt.Errorf("transport not open")
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(readTimeout)
	}
	if err := pconn.SetReadDeadline(deadline); err != nil {
		return nil, nil, fmt.Errorf("set read deadline: %w", err)
	}

	buf := make([]byte, 1500)
	n, _, src, err := pconn.ReadFrom(buf)
	if err != nil {
		return nil, nil, err
	}
	addr, ok := src.(*net.UDPAddr)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected source address type %T", src)
	}
	return buf[:n], addr, nil
}

// ReceiveWithTimeout reads one datagram with a specific timeout.
func (t *UDP6Transport) ReceiveWithTimeout(timeout time.Duration) ([]byte, *net.UDPAddr, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.Receive(ctx)
}

// IsClosed reports whether Close was called.
func (t *UDP6Transport) IsClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}
