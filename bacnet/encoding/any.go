package encoding

import (
	"fmt"

	"github.com/edgeo/bacstack/bacnet"
)

// Any holds an uninterpreted tag list: the universal carrier for
// polymorphic property values. The payload is decoded on demand once the
// caller knows the expected type.
type Any struct {
	tl *TagList
}

// NewAny wraps a tag list.
func NewAny(tl *TagList) *Any {
	if tl == nil {
		tl = &TagList{}
	}
	return &Any{tl: tl}
}

// AnyFromValue serializes an atomic value into an Any.
func AnyFromValue(v Value) (*Any, error) {
	t, err := EncodeValue(v)
	if err != nil {
		return nil, err
	}
	return &Any{tl: NewTagList(t)}, nil
}

// AnyFromValues serializes a list of atomic values into an Any.
func AnyFromValues(vs []Value) (*Any, error) {
	tl := &TagList{}
	for _, v := range vs {
		t, err := EncodeValue(v)
		if err != nil {
			return nil, err
		}
		tl.Append(t)
	}
	return &Any{tl: tl}, nil
}

// TagList returns the carried tags.
func (a *Any) TagList() *TagList { return a.tl }

// Encode serializes the carried tags.
func (a *Any) Encode() []byte { return a.tl.Encode() }

// IsNull reports whether the payload is a single application Null.
func (a *Any) IsNull() bool {
	if a.tl.Len() != 1 {
		return false
	}
	return a.tl.Tags()[0].IsApplication(TagNull)
}

// Value decodes the payload as a single atomic value.
func (a *Any) Value() (Value, error) {
	tags := a.tl.Tags()
	if len(tags) != 1 {
		return nil, fmt.Errorf("%w: %d tags where a single value expected",
			bacnet.ErrDecoding, len(tags))
	}
	if tags[0].Class != TagApplication {
		return nil, fmt.Errorf("%w: %s where an application value expected",
			bacnet.ErrDecoding, tags[0])
	}
	return DecodeValue(tags[0])
}

// Values decodes the payload as a flat list of atomic values.
func (a *Any) Values() ([]Value, error) {
	var out []Value
	for _, t := range a.tl.Tags() {
		if t.Class != TagApplication {
			return nil, fmt.Errorf("%w: %s inside a value list", bacnet.ErrDecoding, t)
		}
		v, err := DecodeValue(t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (a *Any) String() string {
	return fmt.Sprintf("any(%d tags)", a.tl.Len())
}
