package bvll

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/edgeo/bacstack/bacnet"
)

// VLAN is an in-process virtual data link: nodes attach with one-octet MACs
// and frames are delivered synchronously. It backs the routing and
// end-to-end tests and makes multi-network topologies cheap to assemble.
type VLAN struct {
	mu    sync.Mutex
	nodes []*VLANNode
}

// NewVLAN creates an empty virtual network.
func NewVLAN() *VLAN {
	return &VLAN{}
}

// NewNode attaches a node with the given MAC.
func (v *VLAN) NewNode(mac byte) *VLANNode {
	node := &VLANNode{lan: v, mac: []byte{mac}}
	v.mu.Lock()
	v.nodes = append(v.nodes, node)
	v.mu.Unlock()
	return node
}

// deliver hands a frame to the destination node(s), never back to the
// sender.
func (v *VLAN) deliver(from *VLANNode, dest bacnet.Address, data []byte) {
	v.mu.Lock()
	nodes := append([]*VLANNode(nil), v.nodes...)
	v.mu.Unlock()

	for _, node := range nodes {
		if node == from {
			continue
		}
		switch dest.Kind {
		case bacnet.AddressLocalStation:
			if !bytes.Equal(node.mac, dest.MAC) {
				continue
			}
		case bacnet.AddressLocalBroadcast:
		default:
			continue
		}
		node.dispatch(from.Address(), dest, data)
	}
}

// VLANNode is one station on a VLAN, implementing LinkLayer.
type VLANNode struct {
	lan      *VLAN
	mac      []byte
	mu       sync.Mutex
	receiver Receiver
	running  bool
}

// Address returns the node's station address.
func (n *VLANNode) Address() bacnet.Address {
	return bacnet.LocalStation(n.mac)
}

// OnReceive installs the upcall for delivered NPDUs.
func (n *VLANNode) OnReceive(fn Receiver) {
	n.mu.Lock()
	n.receiver = fn
	n.mu.Unlock()
}

// Start marks the node live.
func (n *VLANNode) Start(ctx context.Context) error {
	n.mu.Lock()
	n.running = true
	n.mu.Unlock()
	return nil
}

// Stop detaches the node from delivery.
func (n *VLANNode) Stop() error {
	n.mu.Lock()
	n.running = false
	n.mu.Unlock()
	return nil
}

// Send puts an NPDU on the wire.
func (n *VLANNode) Send(ctx context.Context, pdu *bacnet.PDU) error {
	n.mu.Lock()
	running := n.running
	n.mu.Unlock()
	if !running {
		return bacnet.ErrNotRunning
	}

	switch pdu.Destination.Kind {
	case bacnet.AddressLocalStation, bacnet.AddressLocalBroadcast:
		n.lan.deliver(n, pdu.Destination, pdu.Data)
		return nil
	default:
		return fmt.Errorf("%w: link layer cannot address %s", bacnet.ErrInvalidAddress, pdu.Destination.Kind)
	}
}

func (n *VLANNode) dispatch(source, dest bacnet.Address, data []byte) {
	n.mu.Lock()
	receiver := n.receiver
	running := n.running
	n.mu.Unlock()
	if !running || receiver == nil {
		return
	}
	pdu := &bacnet.PDU{Data: append([]byte(nil), data...)}
	pdu.Source = source
	pdu.Destination = dest
	receiver(pdu)
}
