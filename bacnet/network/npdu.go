// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package network implements the BACnet network layer: NPDU framing
// (Clause 6), the router-info cache, the network service access point that
// routes PDUs between adapters, and the network service element that speaks
// the network-layer message protocol.
package network

import (
	"encoding/binary"
	"fmt"

	"github.com/edgeo/bacstack/bacnet"
)

// protocolVersion is the only NPDU version in the wild.
const protocolVersion uint8 = 0x01

// Control octet flags.
const (
	ctrlNetworkMessage uint8 = 0x80
	ctrlDestSpecified  uint8 = 0x20
	ctrlSrcSpecified   uint8 = 0x08
	ctrlExpectingReply uint8 = 0x04
)

// DefaultHopCount starts every routed NPDU.
const DefaultHopCount uint8 = 255

// MessageType is the network-layer message type octet.
type MessageType uint8

const (
	MsgWhoIsRouterToNetwork          MessageType = 0x00
	MsgIAmRouterToNetwork            MessageType = 0x01
	MsgICouldBeRouterToNetwork       MessageType = 0x02
	MsgRejectMessageToNetwork        MessageType = 0x03
	MsgRouterBusyToNetwork           MessageType = 0x04
	MsgRouterAvailableToNetwork      MessageType = 0x05
	MsgInitializeRoutingTable        MessageType = 0x06
	MsgInitializeRoutingTableAck     MessageType = 0x07
	MsgEstablishConnectionToNetwork  MessageType = 0x08
	MsgDisconnectConnectionToNetwork MessageType = 0x09
	MsgWhatIsNetworkNumber           MessageType = 0x12
	MsgNetworkNumberIs               MessageType = 0x13
)

func (m MessageType) String() string {
	names := map[MessageType]string{
		MsgWhoIsRouterToNetwork:          "Who-Is-Router-To-Network",
		MsgIAmRouterToNetwork:            "I-Am-Router-To-Network",
		MsgICouldBeRouterToNetwork:       "I-Could-Be-Router-To-Network",
		MsgRejectMessageToNetwork:        "Reject-Message-To-Network",
		MsgRouterBusyToNetwork:           "Router-Busy-To-Network",
		MsgRouterAvailableToNetwork:      "Router-Available-To-Network",
		MsgInitializeRoutingTable:        "Initialize-Routing-Table",
		MsgInitializeRoutingTableAck:     "Initialize-Routing-Table-Ack",
		MsgEstablishConnectionToNetwork:  "Establish-Connection-To-Network",
		MsgDisconnectConnectionToNetwork: "Disconnect-Connection-To-Network",
		MsgWhatIsNetworkNumber:           "What-Is-Network-Number",
		MsgNetworkNumberIs:               "Network-Number-Is",
	}
	if name, ok := names[m]; ok {
		return name
	}
	return fmt.Sprintf("network-message(%#02x)", uint8(m))
}

// NPDU is a decoded network-layer frame. DADR and SADR are the optional
// network-level destination and source; the link-level endpoints live in
// the surrounding PDU's PCI. A nil MessageType means the payload is an
// APDU.
type NPDU struct {
	ExpectingReply bool
	Priority       bacnet.NetworkPriority
	DADR           *bacnet.Address
	SADR           *bacnet.Address
	HopCount       uint8
	MessageType    *MessageType
	VendorID       uint16
	Data           []byte
}

// NetworkMessage builds an NPDU carrying a network-layer message.
func NetworkMessage(mt MessageType, payload []byte) *NPDU {
	return &NPDU{MessageType: &mt, Data: payload}
}

// Encode serializes the NPDU per Clause 6.2.
func (n *NPDU) Encode() []byte {
	control := uint8(n.Priority)
	if n.ExpectingReply {
		control |= ctrlExpectingReply
	}
	if n.MessageType != nil {
		control |= ctrlNetworkMessage
	}
	if n.DADR != nil {
		control |= ctrlDestSpecified
	}
	if n.SADR != nil {
		control |= ctrlSrcSpecified
	}

	buf := make([]byte, 0, 16+len(n.Data))
	buf = append(buf, protocolVersion, control)

	if n.DADR != nil {
		switch n.DADR.Kind {
		case bacnet.AddressGlobalBroadcast:
			buf = append(buf, 0xFF, 0xFF, 0)
		case bacnet.AddressRemoteBroadcast:
			buf = append(buf, byte(n.DADR.Net>>8), byte(n.DADR.Net), 0)
		default:
			buf = append(buf, byte(n.DADR.Net>>8), byte(n.DADR.Net), byte(len(n.DADR.MAC)))
			buf = append(buf, n.DADR.MAC...)
		}
	}
	if n.SADR != nil {
		buf = append(buf, byte(n.SADR.Net>>8), byte(n.SADR.Net), byte(len(n.SADR.MAC)))
		buf = append(buf, n.SADR.MAC...)
	}
	if n.DADR != nil {
		buf = append(buf, n.HopCount)
	}
	if n.MessageType != nil {
		buf = append(buf, uint8(*n.MessageType))
		if uint8(*n.MessageType) >= 0x80 {
			buf = append(buf, byte(n.VendorID>>8), byte(n.VendorID))
		}
	}
	return append(buf, n.Data...)
}

// DecodeNPDU parses an NPDU frame.
func DecodeNPDU(data []byte) (*NPDU, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d octets", bacnet.ErrInvalidNPDU, len(data))
	}
	if data[0] != protocolVersion {
		return nil, fmt.Errorf("%w: version %d", bacnet.ErrInvalidNPDU, data[0])
	}

	control := data[1]
	n := &NPDU{
		ExpectingReply: control&ctrlExpectingReply != 0,
		Priority:       bacnet.NetworkPriority(control & 0x03),
	}
	offset := 2

	readAddr := func(broadcastable bool) (*bacnet.Address, error) {
		if len(data) < offset+3 {
			return nil, fmt.Errorf("%w: truncated address", bacnet.ErrInvalidNPDU)
		}
		network := binary.BigEndian.Uint16(data[offset:])
		alen := int(data[offset+2])
		offset += 3
		if len(data) < offset+alen {
			return nil, fmt.Errorf("%w: truncated address MAC", bacnet.ErrInvalidNPDU)
		}
		mac := make([]byte, alen)
		copy(mac, data[offset:offset+alen])
		offset += alen

		var addr bacnet.Address
		switch {
		case broadcastable && network == bacnet.GlobalBroadcastNetwork && alen == 0:
			addr = bacnet.GlobalBroadcast()
		case broadcastable && alen == 0:
			addr = bacnet.RemoteBroadcast(network)
		default:
			addr = bacnet.RemoteStation(network, mac)
		}
		return &addr, nil
	}

	var err error
	if control&ctrlDestSpecified != 0 {
		if n.DADR, err = readAddr(true); err != nil {
			return nil, err
		}
	}
	if control&ctrlSrcSpecified != 0 {
		if n.SADR, err = readAddr(false); err != nil {
			return nil, err
		}
	}
	if control&ctrlDestSpecified != 0 {
		if len(data) < offset+1 {
			return nil, fmt.Errorf("%w: missing hop count", bacnet.ErrInvalidNPDU)
		}
		n.HopCount = data[offset]
		offset++
	}
	if control&ctrlNetworkMessage != 0 {
		if len(data) < offset+1 {
			return nil, fmt.Errorf("%w: missing message type", bacnet.ErrInvalidNPDU)
		}
		mt := MessageType(data[offset])
		n.MessageType = &mt
		offset++
		if uint8(mt) >= 0x80 {
			if len(data) < offset+2 {
				return nil, fmt.Errorf("%w: missing vendor id", bacnet.ErrInvalidNPDU)
			}
			n.VendorID = binary.BigEndian.Uint16(data[offset:])
			offset += 2
		}
	}

	n.Data = append([]byte(nil), data[offset:]...)
	return n, nil
}

// Network-layer message payload codecs. These are flat big-endian
// structures, not tagged data.

// EncodeNetList serializes a list of network numbers.
func EncodeNetList(nets []uint16) []byte {
	buf := make([]byte, 0, 2*len(nets))
	for _, n := range nets {
		buf = append(buf, byte(n>>8), byte(n))
	}
	return buf
}

// DecodeNetList parses a list of network numbers.
func DecodeNetList(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd network list", bacnet.ErrInvalidNPDU)
	}
	nets := make([]uint16, 0, len(data)/2)
	for i := 0; i < len(data); i += 2 {
		nets = append(nets, binary.BigEndian.Uint16(data[i:]))
	}
	return nets, nil
}

// EncodeWhoIsRouter serializes an optional target network.
func EncodeWhoIsRouter(network *uint16) []byte {
	if network == nil {
		return nil
	}
	return []byte{byte(*network >> 8), byte(*network)}
}

// DecodeWhoIsRouter parses an optional target network.
func DecodeWhoIsRouter(data []byte) (*uint16, error) {
	switch len(data) {
	case 0:
		return nil, nil
	case 2:
		n := binary.BigEndian.Uint16(data)
		return &n, nil
	default:
		return nil, fmt.Errorf("%w: who-is-router payload %d octets", bacnet.ErrInvalidNPDU, len(data))
	}
}

// RejectReason codes for Reject-Message-To-Network.
const (
	RejectOther                uint8 = 0
	RejectNotDirectlyConnected uint8 = 1
	RejectRouterBusy           uint8 = 2
	RejectUnknownMessageType   uint8 = 3
	RejectMessageTooLong       uint8 = 4
)

// EncodeRejectMessage serializes a Reject-Message-To-Network payload.
func EncodeRejectMessage(reason uint8, network uint16) []byte {
	return []byte{reason, byte(network >> 8), byte(network)}
}

// DecodeRejectMessage parses a Reject-Message-To-Network payload.
func DecodeRejectMessage(data []byte) (uint8, uint16, error) {
	if len(data) != 3 {
		return 0, 0, fmt.Errorf("%w: reject payload %d octets", bacnet.ErrInvalidNPDU, len(data))
	}
	return data[0], binary.BigEndian.Uint16(data[1:]), nil
}

// RoutingTableEntry is one port row in Initialize-Routing-Table.
type RoutingTableEntry struct {
	Network  uint16
	PortID   uint8
	PortInfo []byte
}

// EncodeRoutingTable serializes an Initialize-Routing-Table[-Ack] payload.
func EncodeRoutingTable(entries []RoutingTableEntry) []byte {
	buf := []byte{byte(len(entries))}
	for _, e := range entries {
		buf = append(buf, byte(e.Network>>8), byte(e.Network), e.PortID, byte(len(e.PortInfo)))
		buf = append(buf, e.PortInfo...)
	}
	return buf
}

// DecodeRoutingTable parses an Initialize-Routing-Table[-Ack] payload.
func DecodeRoutingTable(data []byte) ([]RoutingTableEntry, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty routing table", bacnet.ErrInvalidNPDU)
	}
	count := int(data[0])
	offset := 1
	entries := make([]RoutingTableEntry, 0, count)
	for i := 0; i < count; i++ {
		if len(data) < offset+4 {
			return nil, fmt.Errorf("%w: truncated routing table", bacnet.ErrInvalidNPDU)
		}
		e := RoutingTableEntry{
			Network: binary.BigEndian.Uint16(data[offset:]),
			PortID:  data[offset+2],
		}
		infoLen := int(data[offset+3])
		offset += 4
		if len(data) < offset+infoLen {
			return nil, fmt.Errorf("%w: truncated port info", bacnet.ErrInvalidNPDU)
		}
		e.PortInfo = append([]byte(nil), data[offset:offset+infoLen]...)
		offset += infoLen
		entries = append(entries, e)
	}
	return entries, nil
}

// EncodeNetworkNumberIs serializes a Network-Number-Is payload; configured
// distinguishes administered numbers from learned ones.
func EncodeNetworkNumberIs(network uint16, configured bool) []byte {
	flag := uint8(0)
	if configured {
		flag = 1
	}
	return []byte{byte(network >> 8), byte(network), flag}
}

// DecodeNetworkNumberIs parses a Network-Number-Is payload.
func DecodeNetworkNumberIs(data []byte) (uint16, bool, error) {
	if len(data) != 3 {
		return 0, false, fmt.Errorf("%w: network-number-is payload %d octets", bacnet.ErrInvalidNPDU, len(data))
	}
	return binary.BigEndian.Uint16(data), data[2] != 0, nil
}
