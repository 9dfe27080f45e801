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

// Package bvll implements the BACnet Virtual Link Layer: the BVLC framing
// over UDP and the IPv4 link-layer modes (normal, foreign device, BBMD),
// the BACnet/IPv6 variant, and an in-process VLAN for tests and topology
// experiments.
package bvll

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/edgeo/bacstack/bacnet"
)

// BVLCTypeIPv4 is the BVLC type octet for BACnet/IP.
const BVLCTypeIPv4 uint8 = 0x81

// BVLCTypeIPv6 is the BVLC type octet for BACnet/IPv6.
const BVLCTypeIPv6 uint8 = 0x82

// Function is the BVLC function code (IPv4 namespace).
type Function uint8

const (
	FuncResult              Function = 0x00
	FuncWriteBDT            Function = 0x01
	FuncReadBDT             Function = 0x02
	FuncReadBDTAck          Function = 0x03
	FuncForwardedNPDU       Function = 0x04
	FuncRegisterFD          Function = 0x05
	FuncReadFDT             Function = 0x06
	FuncReadFDTAck          Function = 0x07
	FuncDeleteFDTEntry      Function = 0x08
	FuncDistributeBroadcast Function = 0x09
	FuncOriginalUnicast     Function = 0x0A
	FuncOriginalBroadcast   Function = 0x0B
	FuncSecureBVLL          Function = 0x0C
)

func (f Function) String() string {
	names := map[Function]string{
		FuncResult:              "Result",
		FuncWriteBDT:            "Write-BDT",
		FuncReadBDT:             "Read-BDT",
		FuncReadBDTAck:          "Read-BDT-Ack",
		FuncForwardedNPDU:       "Forwarded-NPDU",
		FuncRegisterFD:          "Register-Foreign-Device",
		FuncReadFDT:             "Read-FDT",
		FuncReadFDTAck:          "Read-FDT-Ack",
		FuncDeleteFDTEntry:      "Delete-FDT-Entry",
		FuncDistributeBroadcast: "Distribute-Broadcast-To-Network",
		FuncOriginalUnicast:     "Original-Unicast-NPDU",
		FuncOriginalBroadcast:   "Original-Broadcast-NPDU",
		FuncSecureBVLL:          "Secure-BVLL",
	}
	if name, ok := names[f]; ok {
		return name
	}
	return fmt.Sprintf("bvlc-function(%#02x)", uint8(f))
}

// Result codes.
const (
	ResultSuccess                uint16 = 0x0000
	ResultWriteBDTNAK            uint16 = 0x0010
	ResultReadBDTNAK             uint16 = 0x0020
	ResultRegisterFDNAK          uint16 = 0x0030
	ResultReadFDTNAK             uint16 = 0x0040
	ResultDeleteFDTEntryNAK      uint16 = 0x0050
	ResultDistributeBroadcastNAK uint16 = 0x0060
)

// Frame is a decoded BVLC frame: the function code and the payload after
// the 4-octet header.
type Frame struct {
	Function Function
	Payload  []byte
}

// Encode frames a payload under the IPv4 BVLC header.
func Encode(fn Function, payload []byte) []byte {
	buf := make([]byte, 4, 4+len(payload))
	buf[0] = BVLCTypeIPv4
	buf[1] = uint8(fn)
	binary.BigEndian.PutUint16(buf[2:], uint16(4+len(payload)))
	return append(buf, payload...)
}

// Decode strips the IPv4 BVLC header.
func Decode(data []byte) (Frame, error) {
	if len(data) < 4 {
		return Frame{}, fmt.Errorf("%w: %d octets", bacnet.ErrInvalidBVLL, len(data))
	}
	if data[0] != BVLCTypeIPv4 {
		return Frame{}, fmt.Errorf("%w: type %#02x", bacnet.ErrInvalidBVLL, data[0])
	}
	length := binary.BigEndian.Uint16(data[2:])
	if int(length) != len(data) {
		return Frame{}, fmt.Errorf("%w: length field %d, frame %d", bacnet.ErrInvalidBVLL, length, len(data))
	}
	return Frame{Function: Function(data[1]), Payload: data[4:]}, nil
}

// udpMAC packs a UDP endpoint into the 6-octet B/IP address form.
func udpMAC(addr *net.UDPAddr) []byte {
	mac := make([]byte, 6)
	copy(mac, addr.IP.To4())
	binary.BigEndian.PutUint16(mac[4:], uint16(addr.Port))
	return mac
}

// macUDP unpacks a 6-octet B/IP address.
func macUDP(mac []byte) *net.UDPAddr {
	return &net.UDPAddr{
		IP:   net.IP(mac[:4]),
		Port: int(binary.BigEndian.Uint16(mac[4:])),
	}
}

// EncodeResult builds a Result frame.
func EncodeResult(code uint16) []byte {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, code)
	return Encode(FuncResult, payload)
}

// DecodeResult extracts the result code.
func DecodeResult(payload []byte) (uint16, error) {
	if len(payload) != 2 {
		return 0, fmt.Errorf("%w: result payload %d octets", bacnet.ErrInvalidBVLL, len(payload))
	}
	return binary.BigEndian.Uint16(payload), nil
}

// EncodeRegisterFD builds a Register-Foreign-Device frame with the TTL in
// seconds.
func EncodeRegisterFD(ttl uint16) []byte {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, ttl)
	return Encode(FuncRegisterFD, payload)
}

// DecodeRegisterFD extracts the TTL.
func DecodeRegisterFD(payload []byte) (uint16, error) {
	if len(payload) != 2 {
		return 0, fmt.Errorf("%w: register payload %d octets", bacnet.ErrInvalidBVLL, len(payload))
	}
	return binary.BigEndian.Uint16(payload), nil
}

// EncodeForwardedNPDU builds a Forwarded-NPDU frame carrying the originating
// station.
func EncodeForwardedNPDU(origin *net.UDPAddr, npdu []byte) []byte {
	payload := make([]byte, 0, 6+len(npdu))
	payload = append(payload, udpMAC(origin)...)
	payload = append(payload, npdu...)
	return Encode(FuncForwardedNPDU, payload)
}

// DecodeForwardedNPDU splits origin and NPDU.
func DecodeForwardedNPDU(payload []byte) (*net.UDPAddr, []byte, error) {
	if len(payload) < 6 {
		return nil, nil, fmt.Errorf("%w: forwarded payload %d octets", bacnet.ErrInvalidBVLL, len(payload))
	}
	return macUDP(payload[:6]), payload[6:], nil
}

// EncodeDeleteFDTEntry builds a Delete-Foreign-Device-Table-Entry frame.
func EncodeDeleteFDTEntry(peer *net.UDPAddr) []byte {
	return Encode(FuncDeleteFDTEntry, udpMAC(peer))
}

// DecodeDeleteFDTEntry extracts the entry address.
func DecodeDeleteFDTEntry(payload []byte) (*net.UDPAddr, error) {
	if len(payload) != 6 {
		return nil, fmt.Errorf("%w: delete-fdt payload %d octets", bacnet.ErrInvalidBVLL, len(payload))
	}
	return macUDP(payload), nil
}

// BDTEntry is one broadcast distribution table row: a peer BBMD and its
// subnet mask (all-ones for unicast distribution).
type BDTEntry struct {
	Address *net.UDPAddr
	Mask    net.IPMask
}

// DirectedBroadcast applies the mask to form the peer's directed broadcast
// address.
func (e BDTEntry) DirectedBroadcast() *net.UDPAddr {
	ip4 := e.Address.IP.To4()
	out := make(net.IP, 4)
	for i := 0; i < 4; i++ {
		out[i] = ip4[i] | ^e.Mask[i]
	}
	return &net.UDPAddr{IP: out, Port: e.Address.Port}
}

// EncodeBDT serializes a broadcast distribution table (10 octets per row).
func EncodeBDT(fn Function, entries []BDTEntry) []byte {
	payload := make([]byte, 0, 10*len(entries))
	for _, e := range entries {
		payload = append(payload, udpMAC(e.Address)...)
		payload = append(payload, e.Mask...)
	}
	return Encode(fn, payload)
}

// DecodeBDT parses a Write-BDT or Read-BDT-Ack payload.
func DecodeBDT(payload []byte) ([]BDTEntry, error) {
	if len(payload)%10 != 0 {
		return nil, fmt.Errorf("%w: BDT payload %d octets", bacnet.ErrInvalidBVLL, len(payload))
	}
	entries := make([]BDTEntry, 0, len(payload)/10)
	for i := 0; i < len(payload); i += 10 {
		mask := make(net.IPMask, 4)
		copy(mask, payload[i+6:i+10])
		entries = append(entries, BDTEntry{Address: macUDP(payload[i : i+6]), Mask: mask})
	}
	return entries, nil
}

// FDTEntry is one foreign device table row.
type FDTEntry struct {
	Address   *net.UDPAddr
	TTL       uint16
	Remaining uint16
}

// EncodeFDTAck serializes a Read-FDT-Ack (10 octets per row).
func EncodeFDTAck(entries []FDTEntry) []byte {
	payload := make([]byte, 0, 10*len(entries))
	for _, e := range entries {
		payload = append(payload, udpMAC(e.Address)...)
		var row [4]byte
		binary.BigEndian.PutUint16(row[0:], e.TTL)
		binary.BigEndian.PutUint16(row[2:], e.Remaining)
		payload = append(payload, row[:]...)
	}
	return Encode(FuncReadFDTAck, payload)
}

// DecodeFDTAck parses a Read-FDT-Ack payload.
func DecodeFDTAck(payload []byte) ([]FDTEntry, error) {
	if len(payload)%10 != 0 {
		return nil, fmt.Errorf("%w: FDT payload %d octets", bacnet.ErrInvalidBVLL, len(payload))
	}
	entries := make([]FDTEntry, 0, len(payload)/10)
	for i := 0; i < len(payload); i += 10 {
		entries = append(entries, FDTEntry{
			Address:   macUDP(payload[i : i+6]),
			TTL:       binary.BigEndian.Uint16(payload[i+6:]),
			Remaining: binary.BigEndian.Uint16(payload[i+8:]),
		})
	}
	return entries, nil
}
