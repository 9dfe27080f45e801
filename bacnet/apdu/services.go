package apdu

import (
	"fmt"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/encoding"
)

// WhoIsRequest asks devices in an instance range to announce themselves.
// Both limits are present or both absent.
type WhoIsRequest struct {
	LowLimit  *uint32
	HighLimit *uint32
}

// Encode serializes the request parameters.
func (r *WhoIsRequest) Encode() []byte {
	enc := encoding.NewEncoder()
	if r.LowLimit != nil && r.HighLimit != nil {
		enc.ContextUnsigned(0, *r.LowLimit)
		enc.ContextUnsigned(1, *r.HighLimit)
	}
	return enc.Bytes()
}

// DecodeWhoIsRequest parses Who-Is parameters.
func DecodeWhoIsRequest(data []byte) (*WhoIsRequest, error) {
	dec, err := encoding.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	r := &WhoIsRequest{}
	if low, ok := dec.OptContextUnsigned(0); ok {
		high := dec.ContextUnsigned(1)
		r.LowLimit, r.HighLimit = &low, &high
	}
	if err := dec.Finish(); err != nil {
		return nil, err
	}
	return r, nil
}

// Matches reports whether a device instance falls in the queried range.
func (r *WhoIsRequest) Matches(instance uint32) bool {
	if r.LowLimit == nil || r.HighLimit == nil {
		return true
	}
	return instance >= *r.LowLimit && instance <= *r.HighLimit
}

// IAmRequest announces a device and its transport limits.
type IAmRequest struct {
	DeviceID     bacnet.ObjectIdentifier
	MaxAPDU      uint32
	Segmentation bacnet.Segmentation
	VendorID     uint16
}

// Encode serializes the announcement.
func (r *IAmRequest) Encode() []byte {
	enc := encoding.NewEncoder()
	enc.Tag(encoding.ObjectIDTag(r.DeviceID))
	enc.Tag(encoding.UnsignedTag(r.MaxAPDU))
	enc.Tag(encoding.EnumeratedTag(uint32(r.Segmentation)))
	enc.Tag(encoding.UnsignedTag(uint32(r.VendorID)))
	return enc.Bytes()
}

// DecodeIAmRequest parses an I-Am announcement.
func DecodeIAmRequest(data []byte) (*IAmRequest, error) {
	dec, err := encoding.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	r := &IAmRequest{}
	if oid, ok := dec.Value().(bacnet.ObjectIdentifier); ok {
		r.DeviceID = oid
	}
	if v, ok := dec.Value().(uint32); ok {
		r.MaxAPDU = v
	}
	if v, ok := dec.Value().(encoding.Enumerated); ok {
		r.Segmentation = bacnet.Segmentation(v)
	}
	if v, ok := dec.Value().(uint32); ok {
		r.VendorID = uint16(v)
	}
	if err := dec.Err(); err != nil {
		return nil, err
	}
	if r.DeviceID.Type != bacnet.ObjectTypeDevice {
		return nil, fmt.Errorf("%w: I-Am carries %s", bacnet.ErrDecoding, r.DeviceID.Type)
	}
	return r, nil
}

// WhoHasRequest looks for an object by identifier or name, optionally
// bounded to a device instance range.
type WhoHasRequest struct {
	LowLimit   *uint32
	HighLimit  *uint32
	ObjectID   *bacnet.ObjectIdentifier
	ObjectName *string
}

// Encode serializes the request parameters.
func (r *WhoHasRequest) Encode() []byte {
	enc := encoding.NewEncoder()
	if r.LowLimit != nil && r.HighLimit != nil {
		enc.ContextUnsigned(0, *r.LowLimit)
		enc.ContextUnsigned(1, *r.HighLimit)
	}
	if r.ObjectID != nil {
		enc.ContextObjectID(2, *r.ObjectID)
	} else if r.ObjectName != nil {
		enc.ContextCharacterString(3, *r.ObjectName)
	}
	return enc.Bytes()
}

// DecodeWhoHasRequest parses Who-Has parameters.
func DecodeWhoHasRequest(data []byte) (*WhoHasRequest, error) {
	dec, err := encoding.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	r := &WhoHasRequest{}
	if low, ok := dec.OptContextUnsigned(0); ok {
		high := dec.ContextUnsigned(1)
		r.LowLimit, r.HighLimit = &low, &high
	}
	if oid, ok := dec.OptContextObjectID(2); ok {
		r.ObjectID = &oid
	} else if name, ok := dec.OptContextCharacterString(3); ok {
		r.ObjectName = &name
	} else {
		return nil, fmt.Errorf("%w: Who-Has without object criterion", bacnet.ErrDecoding)
	}
	if err := dec.Finish(); err != nil {
		return nil, err
	}
	return r, nil
}

// IHaveRequest answers Who-Has.
type IHaveRequest struct {
	DeviceID   bacnet.ObjectIdentifier
	ObjectID   bacnet.ObjectIdentifier
	ObjectName string
}

// Encode serializes the announcement.
func (r *IHaveRequest) Encode() []byte {
	enc := encoding.NewEncoder()
	enc.Tag(encoding.ObjectIDTag(r.DeviceID))
	enc.Tag(encoding.ObjectIDTag(r.ObjectID))
	enc.Tag(encoding.CharacterStringTag(r.ObjectName))
	return enc.Bytes()
}

// DecodeIHaveRequest parses an I-Have announcement.
func DecodeIHaveRequest(data []byte) (*IHaveRequest, error) {
	dec, err := encoding.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	r := &IHaveRequest{}
	if oid, ok := dec.Value().(bacnet.ObjectIdentifier); ok {
		r.DeviceID = oid
	}
	if oid, ok := dec.Value().(bacnet.ObjectIdentifier); ok {
		r.ObjectID = oid
	}
	if name, ok := dec.Value().(string); ok {
		r.ObjectName = name
	}
	if err := dec.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

// ErrorPayload is the (class, code) sequence carried by an Error PDU.
type ErrorPayload struct {
	Class bacnet.ErrorClass
	Code  bacnet.ErrorCode
}

// Encode serializes the error parameters.
func (p *ErrorPayload) Encode() []byte {
	enc := encoding.NewEncoder()
	enc.Tag(encoding.EnumeratedTag(uint32(p.Class)))
	enc.Tag(encoding.EnumeratedTag(uint32(p.Code)))
	return enc.Bytes()
}

// DecodeErrorPayload parses the error parameters.
func DecodeErrorPayload(data []byte) (*ErrorPayload, error) {
	dec, err := encoding.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	p := &ErrorPayload{}
	if v, ok := dec.Value().(encoding.Enumerated); ok {
		p.Class = bacnet.ErrorClass(v)
	}
	if v, ok := dec.Value().(encoding.Enumerated); ok {
		p.Code = bacnet.ErrorCode(v)
	}
	if err := dec.Err(); err != nil {
		return nil, err
	}
	return p, nil
}
