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

// Package apdu implements APDU framing (Clause 20) and the typed parameter
// sequences of the application services (Clause 21).
package apdu

import (
	"fmt"

	"github.com/edgeo/bacstack/bacnet"
)

// Confirmed-request flag bits (first octet).
const (
	flagSegmented         uint8 = 0x08
	flagMoreFollows       uint8 = 0x04
	flagSegmentedAccepted uint8 = 0x02
	flagNAK               uint8 = 0x02
	flagServer            uint8 = 0x01
)

// APDU is a decoded application-layer frame. Which fields are meaningful
// depends on Type; Data carries the TLV-encoded service parameters.
type APDU struct {
	Type bacnet.PDUType

	// Confirmed requests and complex acks.
	Segmented                 bool
	MoreFollows               bool
	SegmentedResponseAccepted bool
	MaxSegments               uint8 // 3-bit code
	MaxAPDU                   uint8 // 4-bit code
	InvokeID                  uint8
	Sequence                  uint8
	Window                    uint8

	// Service choice; for Reject and Abort this is the reason octet.
	Service uint8

	// Segment-ack specifics.
	NAK    bool
	Server bool

	Data []byte
}

// Encode serializes the APDU header and payload.
func (a *APDU) Encode() []byte {
	switch a.Type {
	case bacnet.PDUTypeConfirmedRequest:
		b0 := uint8(a.Type)
		if a.Segmented {
			b0 |= flagSegmented
		}
		if a.MoreFollows {
			b0 |= flagMoreFollows
		}
		if a.SegmentedResponseAccepted {
			b0 |= flagSegmentedAccepted
		}
		buf := []byte{b0, (a.MaxSegments&0x07)<<4 | a.MaxAPDU&0x0F, a.InvokeID}
		if a.Segmented {
			buf = append(buf, a.Sequence, a.Window)
		}
		buf = append(buf, a.Service)
		return append(buf, a.Data...)

	case bacnet.PDUTypeUnconfirmedRequest:
		return append([]byte{uint8(a.Type), a.Service}, a.Data...)

	case bacnet.PDUTypeSimpleAck:
		return []byte{uint8(a.Type), a.InvokeID, a.Service}

	case bacnet.PDUTypeComplexAck:
		b0 := uint8(a.Type)
		if a.Segmented {
			b0 |= flagSegmented
		}
		if a.MoreFollows {
			b0 |= flagMoreFollows
		}
		buf := []byte{b0, a.InvokeID}
		if a.Segmented {
			buf = append(buf, a.Sequence, a.Window)
		}
		buf = append(buf, a.Service)
		return append(buf, a.Data...)

	case bacnet.PDUTypeSegmentAck:
		b0 := uint8(a.Type)
		if a.NAK {
			b0 |= flagNAK
		}
		if a.Server {
			b0 |= flagServer
		}
		return []byte{b0, a.InvokeID, a.Sequence, a.Window}

	case bacnet.PDUTypeError:
		return append([]byte{uint8(a.Type), a.InvokeID, a.Service}, a.Data...)

	case bacnet.PDUTypeReject:
		return []byte{uint8(a.Type), a.InvokeID, a.Service}

	case bacnet.PDUTypeAbort:
		b0 := uint8(a.Type)
		if a.Server {
			b0 |= flagServer
		}
		return []byte{b0, a.InvokeID, a.Service}

	default:
		return nil
	}
}

// Decode parses an APDU frame.
func Decode(data []byte) (*APDU, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty frame", bacnet.ErrInvalidAPDU)
	}

	a := &APDU{Type: bacnet.PDUType(data[0] & 0xF0)}

	need := func(n int) error {
		if len(data) < n {
			return fmt.Errorf("%w: %s of %d octets", bacnet.ErrInvalidAPDU, a.Type, len(data))
		}
		return nil
	}

	switch a.Type {
	case bacnet.PDUTypeConfirmedRequest:
		if err := need(4); err != nil {
			return nil, err
		}
		a.Segmented = data[0]&flagSegmented != 0
		a.MoreFollows = data[0]&flagMoreFollows != 0
		a.SegmentedResponseAccepted = data[0]&flagSegmentedAccepted != 0
		a.MaxSegments = (data[1] >> 4) & 0x07
		a.MaxAPDU = data[1] & 0x0F
		a.InvokeID = data[2]
		if a.Segmented {
			if err := need(6); err != nil {
				return nil, err
			}
			a.Sequence = data[3]
			a.Window = data[4]
			a.Service = data[5]
			a.Data = data[6:]
		} else {
			a.Service = data[3]
			a.Data = data[4:]
		}

	case bacnet.PDUTypeUnconfirmedRequest:
		if err := need(2); err != nil {
			return nil, err
		}
		a.Service = data[1]
		a.Data = data[2:]

	case bacnet.PDUTypeSimpleAck:
		if err := need(3); err != nil {
			return nil, err
		}
		a.InvokeID = data[1]
		a.Service = data[2]

	case bacnet.PDUTypeComplexAck:
		if err := need(3); err != nil {
			return nil, err
		}
		a.Segmented = data[0]&flagSegmented != 0
		a.MoreFollows = data[0]&flagMoreFollows != 0
		a.InvokeID = data[1]
		if a.Segmented {
			if err := need(5); err != nil {
				return nil, err
			}
			a.Sequence = data[2]
			a.Window = data[3]
			a.Service = data[4]
			a.Data = data[5:]
		} else {
			a.Service = data[2]
			a.Data = data[3:]
		}

	case bacnet.PDUTypeSegmentAck:
		if err := need(4); err != nil {
			return nil, err
		}
		a.NAK = data[0]&flagNAK != 0
		a.Server = data[0]&flagServer != 0
		a.InvokeID = data[1]
		a.Sequence = data[2]
		a.Window = data[3]

	case bacnet.PDUTypeError:
		if err := need(3); err != nil {
			return nil, err
		}
		a.InvokeID = data[1]
		a.Service = data[2]
		a.Data = data[3:]

	case bacnet.PDUTypeReject, bacnet.PDUTypeAbort:
		if err := need(3); err != nil {
			return nil, err
		}
		a.Server = data[0]&flagServer != 0
		a.InvokeID = data[1]
		a.Service = data[2]

	default:
		return nil, fmt.Errorf("%w: type %#02x", bacnet.ErrInvalidAPDU, data[0])
	}

	return a, nil
}

// ConfirmedRequest builds an unsegmented confirmed-request frame.
func ConfirmedRequest(invokeID uint8, service bacnet.ConfirmedServiceChoice, data []byte,
	maxSegments, maxAPDU uint8, segmentedAccepted bool) *APDU {
	return &APDU{
		Type:                      bacnet.PDUTypeConfirmedRequest,
		SegmentedResponseAccepted: segmentedAccepted,
		MaxSegments:               maxSegments,
		MaxAPDU:                   maxAPDU,
		InvokeID:                  invokeID,
		Service:                   uint8(service),
		Data:                      data,
	}
}

// UnconfirmedRequest builds an unconfirmed-request frame.
func UnconfirmedRequest(service bacnet.UnconfirmedServiceChoice, data []byte) *APDU {
	return &APDU{
		Type:    bacnet.PDUTypeUnconfirmedRequest,
		Service: uint8(service),
		Data:    data,
	}
}

// SimpleAck builds a simple acknowledgement.
func SimpleAck(invokeID uint8, service bacnet.ConfirmedServiceChoice) *APDU {
	return &APDU{Type: bacnet.PDUTypeSimpleAck, InvokeID: invokeID, Service: uint8(service)}
}

// ComplexAck builds an unsegmented complex acknowledgement.
func ComplexAck(invokeID uint8, service bacnet.ConfirmedServiceChoice, data []byte) *APDU {
	return &APDU{
		Type:     bacnet.PDUTypeComplexAck,
		InvokeID: invokeID,
		Service:  uint8(service),
		Data:     data,
	}
}

// SegmentAck builds a segment acknowledgement.
func SegmentAck(invokeID uint8, server, nak bool, sequence, window uint8) *APDU {
	return &APDU{
		Type:     bacnet.PDUTypeSegmentAck,
		InvokeID: invokeID,
		Server:   server,
		NAK:      nak,
		Sequence: sequence,
		Window:   window,
	}
}

// Reject builds a reject frame.
func Reject(invokeID uint8, reason bacnet.RejectReason) *APDU {
	return &APDU{Type: bacnet.PDUTypeReject, InvokeID: invokeID, Service: uint8(reason)}
}

// Abort builds an abort frame.
func Abort(invokeID uint8, server bool, reason bacnet.AbortReason) *APDU {
	return &APDU{Type: bacnet.PDUTypeAbort, InvokeID: invokeID, Server: server, Service: uint8(reason)}
}
