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

// Package encoding implements the BACnet tagged data codec: tag headers per
// Clause 20.2.1, tag lists, the atomic application types, and the
// encoder/decoder used to build constructed data.
package encoding

import (
	"encoding/binary"
	"fmt"

	"github.com/edgeo/bacstack/bacnet"
)

// TagClass discriminates the four tag forms.
type TagClass uint8

const (
	TagApplication TagClass = iota
	TagContext
	TagOpening
	TagClosing
)

func (c TagClass) String() string {
	switch c {
	case TagApplication:
		return "application"
	case TagContext:
		return "context"
	case TagOpening:
		return "opening"
	case TagClosing:
		return "closing"
	default:
		return fmt.Sprintf("tag-class(%d)", uint8(c))
	}
}

// Application tag numbers.
const (
	TagNull            uint8 = 0
	TagBoolean         uint8 = 1
	TagUnsigned        uint8 = 2
	TagSigned          uint8 = 3
	TagReal            uint8 = 4
	TagDouble          uint8 = 5
	TagOctetString     uint8 = 6
	TagCharacterString uint8 = 7
	TagBitString       uint8 = 8
	TagEnumerated      uint8 = 9
	TagDate            uint8 = 10
	TagTime            uint8 = 11
	TagObjectID        uint8 = 12
)

// TagName returns the conventional name of an application tag number.
func TagName(number uint8) string {
	names := [...]string{
		"null", "boolean", "unsigned", "signed", "real", "double",
		"octet-string", "character-string", "bit-string", "enumerated",
		"date", "time", "object-identifier",
	}
	if int(number) < len(names) {
		return names[number]
	}
	return fmt.Sprintf("application-tag(%d)", number)
}

// Tag is one element of a tag list: a class, a tag number and the content
// octets. An application Boolean carries its value in the header LVT field;
// it is normalized here so Data is always one octet, 0 or 1. Opening and
// closing tags have no content.
type Tag struct {
	Class  TagClass
	Number uint8
	Data   []byte
}

// appendHeader packs class, number and length-value-type into the initial
// octet(s).
func appendHeader(buf []byte, class TagClass, number uint8, lvt uint8) []byte {
	classBit := uint8(0)
	if class != TagApplication {
		classBit = 0x08
	}
	if number < 15 {
		return append(buf, number<<4|classBit|lvt)
	}
	return append(buf, 0xF0|classBit|lvt, number)
}

// AppendTo appends the tag's wire encoding to buf.
func (t Tag) AppendTo(buf []byte) []byte {
	switch t.Class {
	case TagOpening:
		return appendHeader(buf, TagOpening, t.Number, 6)
	case TagClosing:
		return appendHeader(buf, TagClosing, t.Number, 7)
	}

	// Application Boolean: value lives in the LVT field.
	if t.Class == TagApplication && t.Number == TagBoolean {
		v := uint8(0)
		if len(t.Data) > 0 && t.Data[0] != 0 {
			v = 1
		}
		return appendHeader(buf, TagApplication, t.Number, v)
	}

	length := len(t.Data)
	if length < 5 {
		buf = appendHeader(buf, t.Class, t.Number, uint8(length))
	} else {
		buf = appendHeader(buf, t.Class, t.Number, 5)
		switch {
		case length < 254:
			buf = append(buf, byte(length))
		case length < 65536:
			buf = append(buf, 254, byte(length>>8), byte(length))
		default:
			buf = append(buf, 255, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
		}
	}
	return append(buf, t.Data...)
}

// DecodeTag decodes one tag from the front of data, returning the tag and
// the number of octets consumed.
func DecodeTag(data []byte) (Tag, int, error) {
	if len(data) < 1 {
		return Tag{}, 0, fmt.Errorf("%w: empty buffer", bacnet.ErrInvalidTag)
	}

	number := data[0] >> 4
	contextBit := data[0]&0x08 != 0
	lvt := data[0] & 0x07
	n := 1

	if number == 0x0F {
		if len(data) < 2 {
			return Tag{}, 0, fmt.Errorf("%w: truncated extended tag number", bacnet.ErrInvalidTag)
		}
		number = data[1]
		n = 2
	}

	if contextBit {
		switch lvt {
		case 6:
			return Tag{Class: TagOpening, Number: number}, n, nil
		case 7:
			return Tag{Class: TagClosing, Number: number}, n, nil
		}
	}

	// Application Boolean: no content octets.
	if !contextBit && number == TagBoolean {
		if lvt > 1 {
			return Tag{}, 0, fmt.Errorf("%w: boolean LVT %d", bacnet.ErrInvalidTag, lvt)
		}
		return Tag{Class: TagApplication, Number: number, Data: []byte{lvt}}, n, nil
	}

	length := int(lvt)
	if lvt == 5 {
		if len(data) < n+1 {
			return Tag{}, 0, fmt.Errorf("%w: truncated extended length", bacnet.ErrInvalidTag)
		}
		switch escape := data[n]; {
		case escape < 254:
			length = int(escape)
			n++
		case escape == 254:
			if len(data) < n+3 {
				return Tag{}, 0, fmt.Errorf("%w: truncated 16-bit length", bacnet.ErrInvalidTag)
			}
			length = int(binary.BigEndian.Uint16(data[n+1:]))
			n += 3
		default:
			if len(data) < n+5 {
				return Tag{}, 0, fmt.Errorf("%w: truncated 32-bit length", bacnet.ErrInvalidTag)
			}
			length = int(binary.BigEndian.Uint32(data[n+1:]))
			n += 5
		}
	}

	if len(data) < n+length {
		return Tag{}, 0, fmt.Errorf("%w: %d content octets, %d available", bacnet.ErrInvalidTag, length, len(data)-n)
	}

	class := TagApplication
	if contextBit {
		class = TagContext
	}
	content := make([]byte, length)
	copy(content, data[n:n+length])
	return Tag{Class: class, Number: number, Data: content}, n + length, nil
}

// IsOpening reports whether the tag is an opening constructor.
func (t Tag) IsOpening() bool { return t.Class == TagOpening }

// IsClosing reports whether the tag is a closing constructor.
func (t Tag) IsClosing() bool { return t.Class == TagClosing }

// IsApplication reports whether the tag is application-class with the given
// number.
func (t Tag) IsApplication(number uint8) bool {
	return t.Class == TagApplication && t.Number == number
}

// IsContext reports whether the tag is context-class with the given number.
func (t Tag) IsContext(number uint8) bool {
	return t.Class == TagContext && t.Number == number
}

func (t Tag) String() string {
	switch t.Class {
	case TagApplication:
		return fmt.Sprintf("%s(%x)", TagName(t.Number), t.Data)
	case TagContext:
		return fmt.Sprintf("[%d](%x)", t.Number, t.Data)
	case TagOpening:
		return fmt.Sprintf("[%d]{", t.Number)
	case TagClosing:
		return fmt.Sprintf("}[%d]", t.Number)
	}
	return "invalid-tag"
}
