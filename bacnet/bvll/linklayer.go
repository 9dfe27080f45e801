package bvll

import (
	"context"

	"github.com/edgeo/bacstack/bacnet"
)

// Receiver consumes PDUs delivered up by a link layer. The PDU data is the
// NPDU octets; Source is the sending station and Destination is either this
// station or the local broadcast.
type Receiver func(pdu *bacnet.PDU)

// LinkLayer is a framed-NPDU endpoint over one data link. Send accepts PDUs
// whose destination is a local station or the local broadcast; everything
// above that (remote networks, global broadcast) is the network layer's
// business.
type LinkLayer interface {
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, pdu *bacnet.PDU) error
	OnReceive(fn Receiver)
	Address() bacnet.Address
}
