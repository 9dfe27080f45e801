package apdu

import (
	"fmt"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/encoding"
)

// ReadPropertyRequest reads one property, optionally one array element.
type ReadPropertyRequest struct {
	ObjectID   bacnet.ObjectIdentifier
	PropertyID bacnet.PropertyIdentifier
	ArrayIndex *uint32
}

// Encode serializes the request parameters.
func (r *ReadPropertyRequest) Encode() []byte {
	enc := encoding.NewEncoder()
	enc.ContextObjectID(0, r.ObjectID)
	enc.ContextEnumerated(1, uint32(r.PropertyID))
	if r.ArrayIndex != nil {
		enc.ContextUnsigned(2, *r.ArrayIndex)
	}
	return enc.Bytes()
}

// DecodeReadPropertyRequest parses the request parameters.
func DecodeReadPropertyRequest(data []byte) (*ReadPropertyRequest, error) {
	dec, err := encoding.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	r := &ReadPropertyRequest{
		ObjectID:   dec.ContextObjectID(0),
		PropertyID: bacnet.PropertyIdentifier(dec.ContextEnumerated(1)),
	}
	if idx, ok := dec.OptContextUnsigned(2); ok {
		r.ArrayIndex = &idx
	}
	if err := dec.Finish(); err != nil {
		return nil, err
	}
	return r, nil
}

// ReadPropertyACK carries the property value back.
type ReadPropertyACK struct {
	ObjectID   bacnet.ObjectIdentifier
	PropertyID bacnet.PropertyIdentifier
	ArrayIndex *uint32
	Value      *encoding.Any
}

// Encode serializes the acknowledgement parameters.
func (r *ReadPropertyACK) Encode() []byte {
	enc := encoding.NewEncoder()
	enc.ContextObjectID(0, r.ObjectID)
	enc.ContextEnumerated(1, uint32(r.PropertyID))
	if r.ArrayIndex != nil {
		enc.ContextUnsigned(2, *r.ArrayIndex)
	}
	enc.Any(3, r.Value)
	return enc.Bytes()
}

// DecodeReadPropertyACK parses the acknowledgement parameters.
func DecodeReadPropertyACK(data []byte) (*ReadPropertyACK, error) {
	dec, err := encoding.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	r := &ReadPropertyACK{
		ObjectID:   dec.ContextObjectID(0),
		PropertyID: bacnet.PropertyIdentifier(dec.ContextEnumerated(1)),
	}
	if idx, ok := dec.OptContextUnsigned(2); ok {
		r.ArrayIndex = &idx
	}
	r.Value = dec.Any(3)
	if err := dec.Finish(); err != nil {
		return nil, err
	}
	return r, nil
}

// WritePropertyRequest writes one property, optionally one array element,
// optionally at a command priority.
type WritePropertyRequest struct {
	ObjectID   bacnet.ObjectIdentifier
	PropertyID bacnet.PropertyIdentifier
	ArrayIndex *uint32
	Value      *encoding.Any
	Priority   *uint8
}

// Encode serializes the request parameters.
func (r *WritePropertyRequest) Encode() []byte {
	enc := encoding.NewEncoder()
	enc.ContextObjectID(0, r.ObjectID)
	enc.ContextEnumerated(1, uint32(r.PropertyID))
	if r.ArrayIndex != nil {
		enc.ContextUnsigned(2, *r.ArrayIndex)
	}
	enc.Any(3, r.Value)
	if r.Priority != nil {
		enc.ContextUnsigned(4, uint32(*r.Priority))
	}
	return enc.Bytes()
}

// DecodeWritePropertyRequest parses the request parameters.
func DecodeWritePropertyRequest(data []byte) (*WritePropertyRequest, error) {
	dec, err := encoding.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	r := &WritePropertyRequest{
		ObjectID:   dec.ContextObjectID(0),
		PropertyID: bacnet.PropertyIdentifier(dec.ContextEnumerated(1)),
	}
	if idx, ok := dec.OptContextUnsigned(2); ok {
		r.ArrayIndex = &idx
	}
	r.Value = dec.Any(3)
	if prio, ok := dec.OptContextUnsigned(4); ok {
		p := uint8(prio)
		r.Priority = &p
	}
	if err := dec.Finish(); err != nil {
		return nil, err
	}
	return r, nil
}

// PropertyReference names one property, optionally one array element.
type PropertyReference struct {
	PropertyID bacnet.PropertyIdentifier
	ArrayIndex *uint32
}

// ReadAccessSpec groups property references under one object.
type ReadAccessSpec struct {
	ObjectID   bacnet.ObjectIdentifier
	Properties []PropertyReference
}

// ReadPropertyMultipleRequest reads property sets from several objects.
type ReadPropertyMultipleRequest struct {
	Specs []ReadAccessSpec
}

// Encode serializes the request parameters.
func (r *ReadPropertyMultipleRequest) Encode() []byte {
	enc := encoding.NewEncoder()
	for _, spec := range r.Specs {
		enc.ContextObjectID(0, spec.ObjectID)
		enc.Open(1)
		for _, ref := range spec.Properties {
			enc.ContextEnumerated(0, uint32(ref.PropertyID))
			if ref.ArrayIndex != nil {
				enc.ContextUnsigned(1, *ref.ArrayIndex)
			}
		}
		enc.Close(1)
	}
	return enc.Bytes()
}

// DecodeReadPropertyMultipleRequest parses the request parameters.
func DecodeReadPropertyMultipleRequest(data []byte) (*ReadPropertyMultipleRequest, error) {
	dec, err := encoding.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	r := &ReadPropertyMultipleRequest{}
	for dec.Remaining() > 0 {
		spec := ReadAccessSpec{ObjectID: dec.ContextObjectID(0)}
		dec.Open(1)
		for !dec.PeekClosing(1) {
			ref := PropertyReference{
				PropertyID: bacnet.PropertyIdentifier(dec.ContextEnumerated(0)),
			}
			if idx, ok := dec.OptContextUnsigned(1); ok {
				ref.ArrayIndex = &idx
			}
			spec.Properties = append(spec.Properties, ref)
			if dec.Err() != nil {
				break
			}
		}
		dec.Close(1)
		if err := dec.Err(); err != nil {
			return nil, err
		}
		r.Specs = append(r.Specs, spec)
	}
	if len(r.Specs) == 0 {
		return nil, fmt.Errorf("%w: empty read access list", bacnet.ErrDecoding)
	}
	return r, nil
}

// PropertyResult is one property's outcome inside a ReadAccessResult:
// either a value or an access error.
type PropertyResult struct {
	PropertyID bacnet.PropertyIdentifier
	ArrayIndex *uint32
	Value      *encoding.Any
	Error      *bacnet.Error
}

// ReadAccessResult groups property outcomes under one object.
type ReadAccessResult struct {
	ObjectID bacnet.ObjectIdentifier
	Results  []PropertyResult
}

// ReadPropertyMultipleACK carries the grouped results back.
type ReadPropertyMultipleACK struct {
	Results []ReadAccessResult
}

// Encode serializes the acknowledgement parameters.
func (r *ReadPropertyMultipleACK) Encode() []byte {
	enc := encoding.NewEncoder()
	for _, res := range r.Results {
		enc.ContextObjectID(0, res.ObjectID)
		enc.Open(1)
		for _, pr := range res.Results {
			enc.ContextEnumerated(2, uint32(pr.PropertyID))
			if pr.ArrayIndex != nil {
				enc.ContextUnsigned(3, *pr.ArrayIndex)
			}
			if pr.Error != nil {
				enc.Open(5)
				enc.Tag(encoding.EnumeratedTag(uint32(pr.Error.Class)))
				enc.Tag(encoding.EnumeratedTag(uint32(pr.Error.Code)))
				enc.Close(5)
			} else {
				enc.Any(4, pr.Value)
			}
		}
		enc.Close(1)
	}
	return enc.Bytes()
}

// DecodeReadPropertyMultipleACK parses the acknowledgement parameters.
func DecodeReadPropertyMultipleACK(data []byte) (*ReadPropertyMultipleACK, error) {
	dec, err := encoding.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	r := &ReadPropertyMultipleACK{}
	for dec.Remaining() > 0 {
		res := ReadAccessResult{ObjectID: dec.ContextObjectID(0)}
		dec.Open(1)
		for !dec.PeekClosing(1) {
			pr := PropertyResult{
				PropertyID: bacnet.PropertyIdentifier(dec.ContextEnumerated(2)),
			}
			if idx, ok := dec.OptContextUnsigned(3); ok {
				pr.ArrayIndex = &idx
			}
			if dec.PeekOpening(5) {
				errAny := dec.Any(5)
				if errAny != nil {
					vs, err := errAny.Values()
					if err != nil || len(vs) != 2 {
						return nil, fmt.Errorf("%w: malformed property access error", bacnet.ErrDecoding)
					}
					class, _ := vs[0].(encoding.Enumerated)
					code, _ := vs[1].(encoding.Enumerated)
					pr.Error = bacnet.NewError(bacnet.ErrorClass(class), bacnet.ErrorCode(code))
				}
			} else {
				pr.Value = dec.Any(4)
			}
			if dec.Err() != nil {
				break
			}
			res.Results = append(res.Results, pr)
		}
		dec.Close(1)
		if err := dec.Err(); err != nil {
			return nil, err
		}
		r.Results = append(r.Results, res)
	}
	return r, nil
}

// WriteAccessSpec groups property writes under one object.
type WriteAccessSpec struct {
	ObjectID bacnet.ObjectIdentifier
	Values   []WritePropertyValue
}

// WritePropertyValue is one property write inside a WriteAccessSpec.
type WritePropertyValue struct {
	PropertyID bacnet.PropertyIdentifier
	ArrayIndex *uint32
	Value      *encoding.Any
	Priority   *uint8
}

// WritePropertyMultipleRequest writes property sets to several objects.
type WritePropertyMultipleRequest struct {
	Specs []WriteAccessSpec
}

// Encode serializes the request parameters.
func (r *WritePropertyMultipleRequest) Encode() []byte {
	enc := encoding.NewEncoder()
	for _, spec := range r.Specs {
		enc.ContextObjectID(0, spec.ObjectID)
		enc.Open(1)
		for _, wv := range spec.Values {
			enc.ContextEnumerated(0, uint32(wv.PropertyID))
			if wv.ArrayIndex != nil {
				enc.ContextUnsigned(1, *wv.ArrayIndex)
			}
			enc.Any(2, wv.Value)
			if wv.Priority != nil {
				enc.ContextUnsigned(3, uint32(*wv.Priority))
			}
		}
		enc.Close(1)
	}
	return enc.Bytes()
}

// DecodeWritePropertyMultipleRequest parses the request parameters.
func DecodeWritePropertyMultipleRequest(data []byte) (*WritePropertyMultipleRequest, error) {
	dec, err := encoding.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	r := &WritePropertyMultipleRequest{}
	for dec.Remaining() > 0 {
		spec := WriteAccessSpec{ObjectID: dec.ContextObjectID(0)}
		dec.Open(1)
		for !dec.PeekClosing(1) {
			wv := WritePropertyValue{
				PropertyID: bacnet.PropertyIdentifier(dec.ContextEnumerated(0)),
			}
			if idx, ok := dec.OptContextUnsigned(1); ok {
				wv.ArrayIndex = &idx
			}
			wv.Value = dec.Any(2)
			if prio, ok := dec.OptContextUnsigned(3); ok {
				p := uint8(prio)
				wv.Priority = &p
			}
			if dec.Err() != nil {
				break
			}
			spec.Values = append(spec.Values, wv)
		}
		dec.Close(1)
		if err := dec.Err(); err != nil {
			return nil, err
		}
		r.Specs = append(r.Specs, spec)
	}
	if len(r.Specs) == 0 {
		return nil, fmt.Errorf("%w: empty write access list", bacnet.ErrDecoding)
	}
	return r, nil
}

// RangeByPosition selects count items starting at a 1-based index.
type RangeByPosition struct {
	Index int32
	Count int32
}

// RangeBySequence selects count items starting at a sequence number.
type RangeBySequence struct {
	Sequence uint32
	Count    int32
}

// RangeByTime selects count items after a timestamp.
type RangeByTime struct {
	Date  encoding.Date
	Time  encoding.Time
	Count int32
}

// ReadRangeRequest reads a slice of a list-valued property. At most one
// range qualifier is present; none means the whole list.
type ReadRangeRequest struct {
	ObjectID   bacnet.ObjectIdentifier
	PropertyID bacnet.PropertyIdentifier
	ArrayIndex *uint32
	ByPosition *RangeByPosition
	BySequence *RangeBySequence
	ByTime     *RangeByTime
}

// Encode serializes the request parameters.
func (r *ReadRangeRequest) Encode() []byte {
	enc := encoding.NewEncoder()
	enc.ContextObjectID(0, r.ObjectID)
	enc.ContextEnumerated(1, uint32(r.PropertyID))
	if r.ArrayIndex != nil {
		enc.ContextUnsigned(2, *r.ArrayIndex)
	}
	switch {
	case r.ByPosition != nil:
		enc.Open(3)
		enc.Tag(encoding.UnsignedTag(uint32(r.ByPosition.Index)))
		enc.Tag(encoding.SignedTag(r.ByPosition.Count))
		enc.Close(3)
	case r.BySequence != nil:
		enc.Open(6)
		enc.Tag(encoding.UnsignedTag(r.BySequence.Sequence))
		enc.Tag(encoding.SignedTag(r.BySequence.Count))
		enc.Close(6)
	case r.ByTime != nil:
		enc.Open(7)
		enc.Tag(encoding.DateTag(r.ByTime.Date))
		enc.Tag(encoding.TimeTag(r.ByTime.Time))
		enc.Tag(encoding.SignedTag(r.ByTime.Count))
		enc.Close(7)
	}
	return enc.Bytes()
}

// DecodeReadRangeRequest parses the request parameters.
func DecodeReadRangeRequest(data []byte) (*ReadRangeRequest, error) {
	dec, err := encoding.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	r := &ReadRangeRequest{
		ObjectID:   dec.ContextObjectID(0),
		PropertyID: bacnet.PropertyIdentifier(dec.ContextEnumerated(1)),
	}
	if idx, ok := dec.OptContextUnsigned(2); ok {
		r.ArrayIndex = &idx
	}
	switch {
	case dec.PeekOpening(3):
		a := dec.Any(3)
		if a != nil {
			vs, err := a.Values()
			if err != nil || len(vs) != 2 {
				return nil, fmt.Errorf("%w: malformed by-position range", bacnet.ErrDecoding)
			}
			idx, _ := vs[0].(uint32)
			count, _ := vs[1].(int32)
			r.ByPosition = &RangeByPosition{Index: int32(idx), Count: count}
		}
	case dec.PeekOpening(6):
		a := dec.Any(6)
		if a != nil {
			vs, err := a.Values()
			if err != nil || len(vs) != 2 {
				return nil, fmt.Errorf("%w: malformed by-sequence range", bacnet.ErrDecoding)
			}
			seq, _ := vs[0].(uint32)
			count, _ := vs[1].(int32)
			r.BySequence = &RangeBySequence{Sequence: seq, Count: count}
		}
	case dec.PeekOpening(7):
		a := dec.Any(7)
		if a != nil {
			vs, err := a.Values()
			if err != nil || len(vs) != 3 {
				return nil, fmt.Errorf("%w: malformed by-time range", bacnet.ErrDecoding)
			}
			date, _ := vs[0].(encoding.Date)
			tv, _ := vs[1].(encoding.Time)
			count, _ := vs[2].(int32)
			r.ByTime = &RangeByTime{Date: date, Time: tv, Count: count}
		}
	}
	if err := dec.Finish(); err != nil {
		return nil, err
	}
	return r, nil
}

// ReadRangeACK carries the selected items back. ResultFlags is the 3-bit
// {first-item, last-item, more-items} bit string.
type ReadRangeACK struct {
	ObjectID      bacnet.ObjectIdentifier
	PropertyID    bacnet.PropertyIdentifier
	ArrayIndex    *uint32
	ResultFlags   encoding.BitString
	ItemCount     uint32
	ItemData      *encoding.Any
	FirstSequence *uint32
}

// Encode serializes the acknowledgement parameters.
func (r *ReadRangeACK) Encode() []byte {
	enc := encoding.NewEncoder()
	enc.ContextObjectID(0, r.ObjectID)
	enc.ContextEnumerated(1, uint32(r.PropertyID))
	if r.ArrayIndex != nil {
		enc.ContextUnsigned(2, *r.ArrayIndex)
	}
	enc.ContextValue(3, r.ResultFlags)
	enc.ContextUnsigned(4, r.ItemCount)
	enc.Any(5, r.ItemData)
	if r.FirstSequence != nil {
		enc.ContextUnsigned(6, *r.FirstSequence)
	}
	return enc.Bytes()
}

// DecodeReadRangeACK parses the acknowledgement parameters.
func DecodeReadRangeACK(data []byte) (*ReadRangeACK, error) {
	dec, err := encoding.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	r := &ReadRangeACK{
		ObjectID:   dec.ContextObjectID(0),
		PropertyID: bacnet.PropertyIdentifier(dec.ContextEnumerated(1)),
	}
	if idx, ok := dec.OptContextUnsigned(2); ok {
		r.ArrayIndex = &idx
	}
	flagsTag := dec.ContextOctetString(3)
	if len(flagsTag) >= 1 {
		bs, err := (encoding.Tag{Class: encoding.TagApplication, Number: encoding.TagBitString, Data: flagsTag}).BitString()
		if err == nil {
			r.ResultFlags = bs
		}
	}
	r.ItemCount = dec.ContextUnsigned(4)
	r.ItemData = dec.Any(5)
	if seq, ok := dec.OptContextUnsigned(6); ok {
		r.FirstSequence = &seq
	}
	if err := dec.Finish(); err != nil {
		return nil, err
	}
	return r, nil
}
