package encoding

import (
	"fmt"

	"github.com/edgeo/bacstack/bacnet"
)

// Encoder builds a tag list for a constructed value: elements are appended
// in declared order, application-tagged or rewrapped under a context number,
// with opening/closing constructors for nested data.
type Encoder struct {
	tl *TagList
}

// NewEncoder returns an empty encoder.
func NewEncoder() *Encoder {
	return &Encoder{tl: &TagList{}}
}

// TagList returns the accumulated tag list.
func (e *Encoder) TagList() *TagList { return e.tl }

// Bytes serializes the accumulated tag list.
func (e *Encoder) Bytes() []byte { return e.tl.Encode() }

// Tag appends a raw tag.
func (e *Encoder) Tag(t Tag) { e.tl.Append(t) }

// Value appends an atomic value as an application tag.
func (e *Encoder) Value(v Value) error {
	t, err := EncodeValue(v)
	if err != nil {
		return err
	}
	e.tl.Append(t)
	return nil
}

// toContext rewraps an application tag's content under a context number.
func toContext(number uint8, t Tag) Tag {
	return Tag{Class: TagContext, Number: number, Data: t.Data}
}

// ContextValue appends an atomic value under a context tag number.
func (e *Encoder) ContextValue(number uint8, v Value) error {
	t, err := EncodeValue(v)
	if err != nil {
		return err
	}
	e.tl.Append(toContext(number, t))
	return nil
}

// ContextNull appends a context-tagged Null.
func (e *Encoder) ContextNull(number uint8) {
	e.tl.Append(Tag{Class: TagContext, Number: number})
}

// ContextBoolean appends a context-tagged Boolean (one content octet).
func (e *Encoder) ContextBoolean(number uint8, v bool) {
	e.tl.Append(toContext(number, BooleanTag(v)))
}

// ContextUnsigned appends a context-tagged Unsigned.
func (e *Encoder) ContextUnsigned(number uint8, v uint32) {
	e.tl.Append(toContext(number, UnsignedTag(v)))
}

// ContextSigned appends a context-tagged Integer.
func (e *Encoder) ContextSigned(number uint8, v int32) {
	e.tl.Append(toContext(number, SignedTag(v)))
}

// ContextEnumerated appends a context-tagged Enumerated.
func (e *Encoder) ContextEnumerated(number uint8, v uint32) {
	e.tl.Append(toContext(number, EnumeratedTag(v)))
}

// ContextOctetString appends a context-tagged OctetString.
func (e *Encoder) ContextOctetString(number uint8, v []byte) {
	e.tl.Append(toContext(number, OctetStringTag(v)))
}

// ContextCharacterString appends a context-tagged CharacterString.
func (e *Encoder) ContextCharacterString(number uint8, s string) {
	e.tl.Append(toContext(number, CharacterStringTag(s)))
}

// ContextObjectID appends a context-tagged ObjectIdentifier.
func (e *Encoder) ContextObjectID(number uint8, oid bacnet.ObjectIdentifier) {
	e.tl.Append(toContext(number, ObjectIDTag(oid)))
}

// ContextDate appends a context-tagged Date.
func (e *Encoder) ContextDate(number uint8, d Date) {
	e.tl.Append(toContext(number, DateTag(d)))
}

// ContextTime appends a context-tagged Time.
func (e *Encoder) ContextTime(number uint8, t Time) {
	e.tl.Append(toContext(number, TimeTag(t)))
}

// Open appends an opening constructor.
func (e *Encoder) Open(number uint8) {
	e.tl.Append(Tag{Class: TagOpening, Number: number})
}

// Close appends a closing constructor.
func (e *Encoder) Close(number uint8) {
	e.tl.Append(Tag{Class: TagClosing, Number: number})
}

// Any appends the contents of an Any wrapped in an opening/closing pair.
func (e *Encoder) Any(number uint8, a *Any) {
	e.Open(number)
	if a != nil {
		e.tl.Extend(a.TagList())
	}
	e.Close(number)
}

// Decoder consumes a tag list element by element with a sticky error: the
// first mismatch poisons every later read, so sequences decode as straight-
// line code with a single Err check at the end.
type Decoder struct {
	tl  *TagList
	err error
}

// NewDecoder wraps a tag list for reading.
func NewDecoder(tl *TagList) *Decoder {
	return &Decoder{tl: tl}
}

// DecodeBytes builds a decoder over a raw byte buffer.
func DecodeBytes(data []byte) (*Decoder, error) {
	tl, err := DecodeTagList(data)
	if err != nil {
		return nil, err
	}
	return &Decoder{tl: tl}, nil
}

// Err returns the first decoding error, if any.
func (d *Decoder) Err() error { return d.err }

// Remaining returns the number of unread tags.
func (d *Decoder) Remaining() int { return d.tl.Remaining() }

func (d *Decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: "+format, append([]any{bacnet.ErrInvalidTag}, args...)...)
	}
}

// popContext consumes the next tag, requiring context class and number.
func (d *Decoder) popContext(number uint8) *Tag {
	if d.err != nil {
		return nil
	}
	t := d.tl.Pop()
	if t == nil {
		d.fail("missing context tag %d", number)
		return nil
	}
	if !t.IsContext(number) {
		d.fail("%s where context tag %d expected", t, number)
		return nil
	}
	return t
}

// peekContext reports whether the next tag is context class with the number.
func (d *Decoder) peekContext(number uint8) bool {
	if d.err != nil {
		return false
	}
	t := d.tl.Peek()
	return t != nil && t.IsContext(number)
}

// PeekOpening reports whether the next tag opens the given context number.
func (d *Decoder) PeekOpening(number uint8) bool {
	if d.err != nil {
		return false
	}
	t := d.tl.Peek()
	return t != nil && t.IsOpening() && t.Number == number
}

// PeekClosing reports whether the next tag closes the given context number.
func (d *Decoder) PeekClosing(number uint8) bool {
	if d.err != nil {
		return false
	}
	t := d.tl.Peek()
	return t != nil && t.IsClosing() && t.Number == number
}

func (d *Decoder) typed(number uint8, get func(Tag) error) {
	if t := d.popContext(number); t != nil {
		if err := get(*t); err != nil && d.err == nil {
			d.err = err
		}
	}
}

// ContextBoolean reads a required context-tagged Boolean.
func (d *Decoder) ContextBoolean(number uint8) (v bool) {
	d.typed(number, func(t Tag) (err error) { v, err = t.Boolean(); return })
	return
}

// ContextUnsigned reads a required context-tagged Unsigned.
func (d *Decoder) ContextUnsigned(number uint8) (v uint32) {
	d.typed(number, func(t Tag) (err error) { v, err = t.Unsigned(); return })
	return
}

// ContextSigned reads a required context-tagged Integer.
func (d *Decoder) ContextSigned(number uint8) (v int32) {
	d.typed(number, func(t Tag) (err error) { v, err = t.Signed(); return })
	return
}

// ContextEnumerated reads a required context-tagged Enumerated.
func (d *Decoder) ContextEnumerated(number uint8) (v uint32) {
	d.typed(number, func(t Tag) (err error) { v, err = t.Enumerated(); return })
	return
}

// ContextOctetString reads a required context-tagged OctetString.
func (d *Decoder) ContextOctetString(number uint8) (v []byte) {
	d.typed(number, func(t Tag) (err error) { v, err = t.OctetString(); return })
	return
}

// ContextCharacterString reads a required context-tagged CharacterString.
func (d *Decoder) ContextCharacterString(number uint8) (v string) {
	d.typed(number, func(t Tag) (err error) { v, err = t.CharacterString(); return })
	return
}

// ContextObjectID reads a required context-tagged ObjectIdentifier.
func (d *Decoder) ContextObjectID(number uint8) (v bacnet.ObjectIdentifier) {
	d.typed(number, func(t Tag) (err error) { v, err = t.ObjectID(); return })
	return
}

// ContextDate reads a required context-tagged Date.
func (d *Decoder) ContextDate(number uint8) (v Date) {
	d.typed(number, func(t Tag) (err error) { v, err = t.Date(); return })
	return
}

// ContextTime reads a required context-tagged Time.
func (d *Decoder) ContextTime(number uint8) (v Time) {
	d.typed(number, func(t Tag) (err error) { v, err = t.Time(); return })
	return
}

// Optional variants: absent elements leave the cursor alone and report ok
// false without error.

func (d *Decoder) OptContextBoolean(number uint8) (bool, bool) {
	if !d.peekContext(number) {
		return false, false
	}
	return d.ContextBoolean(number), d.err == nil
}

func (d *Decoder) OptContextUnsigned(number uint8) (uint32, bool) {
	if !d.peekContext(number) {
		return 0, false
	}
	return d.ContextUnsigned(number), d.err == nil
}

func (d *Decoder) OptContextEnumerated(number uint8) (uint32, bool) {
	if !d.peekContext(number) {
		return 0, false
	}
	return d.ContextEnumerated(number), d.err == nil
}

func (d *Decoder) OptContextObjectID(number uint8) (bacnet.ObjectIdentifier, bool) {
	if !d.peekContext(number) {
		return bacnet.ObjectIdentifier{}, false
	}
	return d.ContextObjectID(number), d.err == nil
}

func (d *Decoder) OptContextCharacterString(number uint8) (string, bool) {
	if !d.peekContext(number) {
		return "", false
	}
	return d.ContextCharacterString(number), d.err == nil
}

// Open consumes a required opening constructor.
func (d *Decoder) Open(number uint8) {
	if d.err != nil {
		return
	}
	t := d.tl.Pop()
	if t == nil || !t.IsOpening() || t.Number != number {
		d.fail("missing opening tag %d", number)
	}
}

// Close consumes a required closing constructor.
func (d *Decoder) Close(number uint8) {
	if d.err != nil {
		return
	}
	t := d.tl.Pop()
	if t == nil || !t.IsClosing() || t.Number != number {
		d.fail("missing closing tag %d", number)
	}
}

// Value reads one application-tagged atomic value.
func (d *Decoder) Value() Value {
	if d.err != nil {
		return nil
	}
	t := d.tl.Pop()
	if t == nil {
		d.fail("missing application value")
		return nil
	}
	if t.Class != TagApplication {
		d.fail("%s where application value expected", t)
		return nil
	}
	v, err := DecodeValue(*t)
	if err != nil && d.err == nil {
		d.err = err
	}
	return v
}

// Any reads an opening/closing-wrapped constructed element into an Any for
// late-bound decoding.
func (d *Decoder) Any(number uint8) *Any {
	if d.err != nil {
		return nil
	}
	d.Open(number)
	if d.err != nil {
		return nil
	}
	inner, err := d.tl.PopBalanced(number)
	if err != nil {
		d.err = err
		return nil
	}
	return &Any{tl: inner}
}

// Finish reports an error when unread tags remain (too many arguments).
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if d.tl.Remaining() != 0 {
		return fmt.Errorf("%w: %d trailing tags", bacnet.ErrTooManyArguments, d.tl.Remaining())
	}
	return nil
}
