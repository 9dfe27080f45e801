package encoding

import (
	"fmt"

	"github.com/edgeo/bacstack/bacnet"
)

// TagList is an ordered sequence of tags with a read cursor. Decoding
// consumes tags from the front; encoding appends to the back.
type TagList struct {
	tags []Tag
	pos  int
}

// NewTagList builds a tag list from already-decoded tags.
func NewTagList(tags ...Tag) *TagList {
	return &TagList{tags: tags}
}

// DecodeTagList decodes a complete byte buffer into a tag list, verifying
// opening/closing balance.
func DecodeTagList(data []byte) (*TagList, error) {
	tl := &TagList{}
	depth := 0
	for len(data) > 0 {
		tag, n, err := DecodeTag(data)
		if err != nil {
			return nil, err
		}
		switch tag.Class {
		case TagOpening:
			depth++
		case TagClosing:
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unmatched closing tag %d", bacnet.ErrInvalidTag, tag.Number)
			}
		}
		tl.tags = append(tl.tags, tag)
		data = data[n:]
	}
	if depth != 0 {
		return nil, fmt.Errorf("%w: %d unclosed opening tags", bacnet.ErrInvalidTag, depth)
	}
	return tl, nil
}

// Encode serializes the whole tag list (cursor ignored).
func (tl *TagList) Encode() []byte {
	var buf []byte
	for _, t := range tl.tags {
		buf = t.AppendTo(buf)
	}
	return buf
}

// Append adds tags to the end of the list.
func (tl *TagList) Append(tags ...Tag) {
	tl.tags = append(tl.tags, tags...)
}

// Extend appends every tag of other.
func (tl *TagList) Extend(other *TagList) {
	if other != nil {
		tl.tags = append(tl.tags, other.tags...)
	}
}

// Len returns the total number of tags.
func (tl *TagList) Len() int { return len(tl.tags) }

// Remaining returns the number of unconsumed tags.
func (tl *TagList) Remaining() int { return len(tl.tags) - tl.pos }

// Rewind resets the read cursor.
func (tl *TagList) Rewind() { tl.pos = 0 }

// Peek returns the next tag without consuming it, or nil at the end.
func (tl *TagList) Peek() *Tag {
	if tl.pos >= len(tl.tags) {
		return nil
	}
	return &tl.tags[tl.pos]
}

// Pop consumes and returns the next tag, or nil at the end.
func (tl *TagList) Pop() *Tag {
	t := tl.Peek()
	if t != nil {
		tl.pos++
	}
	return t
}

// Tags returns the underlying slice (all tags, cursor ignored).
func (tl *TagList) Tags() []Tag { return tl.tags }

// PopBalanced consumes tags up to and including the closing tag matching an
// already-consumed opening tag with the given number, and returns the inner
// tags as a new list. Nested constructors with any number are balanced.
func (tl *TagList) PopBalanced(number uint8) (*TagList, error) {
	inner := &TagList{}
	depth := 0
	for {
		t := tl.Pop()
		if t == nil {
			return nil, fmt.Errorf("%w: missing closing tag %d", bacnet.ErrInvalidTag, number)
		}
		switch {
		case t.IsOpening():
			depth++
		case t.IsClosing():
			if depth == 0 {
				if t.Number != number {
					return nil, fmt.Errorf("%w: closing tag %d where %d expected",
						bacnet.ErrInvalidTag, t.Number, number)
				}
				return inner, nil
			}
			depth--
		}
		inner.tags = append(inner.tags, *t)
	}
}
