package apdu

import (
	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/encoding"
)

// SubscribeCOVRequest subscribes to (or, with both options absent,
// cancels) change-of-value notifications on one object.
type SubscribeCOVRequest struct {
	ProcessID      uint32
	ObjectID       bacnet.ObjectIdentifier
	IssueConfirmed *bool
	Lifetime       *uint32
}

// IsCancellation reports whether the request cancels a subscription.
func (r *SubscribeCOVRequest) IsCancellation() bool {
	return r.IssueConfirmed == nil && r.Lifetime == nil
}

// Encode serializes the request parameters.
func (r *SubscribeCOVRequest) Encode() []byte {
	enc := encoding.NewEncoder()
	enc.ContextUnsigned(0, r.ProcessID)
	enc.ContextObjectID(1, r.ObjectID)
	if r.IssueConfirmed != nil {
		enc.ContextBoolean(2, *r.IssueConfirmed)
	}
	if r.Lifetime != nil {
		enc.ContextUnsigned(3, *r.Lifetime)
	}
	return enc.Bytes()
}

// DecodeSubscribeCOVRequest parses the request parameters.
func DecodeSubscribeCOVRequest(data []byte) (*SubscribeCOVRequest, error) {
	dec, err := encoding.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	r := &SubscribeCOVRequest{
		ProcessID: dec.ContextUnsigned(0),
		ObjectID:  dec.ContextObjectID(1),
	}
	if confirmed, ok := dec.OptContextBoolean(2); ok {
		r.IssueConfirmed = &confirmed
	}
	if lifetime, ok := dec.OptContextUnsigned(3); ok {
		r.Lifetime = &lifetime
	}
	if err := dec.Finish(); err != nil {
		return nil, err
	}
	return r, nil
}

// NotifiedValue is one changed property inside a COV notification.
type NotifiedValue struct {
	PropertyID bacnet.PropertyIdentifier
	ArrayIndex *uint32
	Value      *encoding.Any
	Priority   *uint8
}

// COVNotification carries changed property values, confirmed or not; the
// frame layout is the same either way.
type COVNotification struct {
	ProcessID     uint32
	DeviceID      bacnet.ObjectIdentifier
	ObjectID      bacnet.ObjectIdentifier
	TimeRemaining uint32
	Values        []NotifiedValue
}

// Encode serializes the notification parameters.
func (r *COVNotification) Encode() []byte {
	enc := encoding.NewEncoder()
	enc.ContextUnsigned(0, r.ProcessID)
	enc.ContextObjectID(1, r.DeviceID)
	enc.ContextObjectID(2, r.ObjectID)
	enc.ContextUnsigned(3, r.TimeRemaining)
	enc.Open(4)
	for _, v := range r.Values {
		enc.ContextEnumerated(0, uint32(v.PropertyID))
		if v.ArrayIndex != nil {
			enc.ContextUnsigned(1, *v.ArrayIndex)
		}
		enc.Any(2, v.Value)
		if v.Priority != nil {
			enc.ContextUnsigned(3, uint32(*v.Priority))
		}
	}
	enc.Close(4)
	return enc.Bytes()
}

// DecodeCOVNotification parses the notification parameters.
func DecodeCOVNotification(data []byte) (*COVNotification, error) {
	dec, err := encoding.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	r := &COVNotification{
		ProcessID:     dec.ContextUnsigned(0),
		DeviceID:      dec.ContextObjectID(1),
		ObjectID:      dec.ContextObjectID(2),
		TimeRemaining: dec.ContextUnsigned(3),
	}
	dec.Open(4)
	for !dec.PeekClosing(4) {
		v := NotifiedValue{
			PropertyID: bacnet.PropertyIdentifier(dec.ContextEnumerated(0)),
		}
		if idx, ok := dec.OptContextUnsigned(1); ok {
			v.ArrayIndex = &idx
		}
		v.Value = dec.Any(2)
		if prio, ok := dec.OptContextUnsigned(3); ok {
			p := uint8(prio)
			v.Priority = &p
		}
		if dec.Err() != nil {
			break
		}
		r.Values = append(r.Values, v)
	}
	dec.Close(4)
	if err := dec.Err(); err != nil {
		return nil, err
	}
	return r, nil
}
