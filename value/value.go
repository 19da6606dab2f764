// The MIT License (MIT)
//
// Copyright (c) 2013-2017 Oryx(ossrs)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.

// Package value implements the NCP param value codec: the mapping between a
// tagged scalar/array value and its (type byte, payload bytes) wire pair.
package value

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Tag identifies the wire representation of a Value, carried as the
// param_type_id byte in a param header.
type Tag uint8

const (
	TagI32 Tag = iota
	TagU32
	TagString
	TagRaw
	TagI32Array
	TagU32Array
	TagF64
	TagF64Array
)

func (t Tag) String() string {
	switch t {
	case TagI32:
		return "I32"
	case TagU32:
		return "U32"
	case TagString:
		return "String"
	case TagRaw:
		return "Raw"
	case TagI32Array:
		return "I32Array"
	case TagU32Array:
		return "U32Array"
	case TagF64:
		return "F64"
	case TagF64Array:
		return "F64Array"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// ErrUnknownTag is returned by Decode when the wire tag byte does not match
// any recognized variant.
type ErrUnknownTag struct {
	Tag Tag
}

func (e *ErrUnknownTag) Error() string {
	return fmt.Sprintf("value: unknown param type %s", e.Tag)
}

// Value is a tagged NCP param value. Concrete types are I32, U32, String,
// Raw, I32Array, U32Array, F64 and F64Array.
type Value interface {
	// Tag returns the wire type byte for this value.
	Tag() Tag
	// Payload encodes just the value bytes, with no tag prefix and no
	// padding; the enclosing param header/padding is the packet codec's
	// concern, not the value codec's.
	Payload() []byte
}

// I32 is a signed 32-bit integer value.
type I32 int32

func (I32) Tag() Tag { return TagI32 }

func (v I32) Payload() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	return b
}

// U32 is an unsigned 32-bit integer value.
type U32 uint32

func (U32) Tag() Tag { return TagU32 }

func (v U32) Payload() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

// String is a text value, encoded as the string's raw bytes with no
// terminator and no transcoding (non-ASCII text in a Go string literal
// goes out as UTF-8); its length is carried by the enclosing param header.
type String string

func (String) Tag() Tag { return TagString }

func (v String) Payload() []byte {
	return []byte(string(v))
}

// Raw is an opaque byte-string value.
type Raw []byte

func (Raw) Tag() Tag { return TagRaw }

func (v Raw) Payload() []byte {
	return []byte(v)
}

// I32Array is a sequence of signed 32-bit integers.
type I32Array []int32

func (I32Array) Tag() Tag { return TagI32Array }

func (v I32Array) Payload() []byte {
	b := make([]byte, 4*len(v))
	for i, n := range v {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(n))
	}
	return b
}

// U32Array is a sequence of unsigned 32-bit integers.
type U32Array []uint32

func (U32Array) Tag() Tag { return TagU32Array }

func (v U32Array) Payload() []byte {
	b := make([]byte, 4*len(v))
	for i, n := range v {
		binary.LittleEndian.PutUint32(b[i*4:], n)
	}
	return b
}

// F64 is an IEEE-754 double value.
type F64 float64

func (F64) Tag() Tag { return TagF64 }

func (v F64) Payload() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(float64(v)))
	return b
}

// F64Array is a sequence of IEEE-754 doubles.
type F64Array []float64

func (F64Array) Tag() Tag { return TagF64Array }

func (v F64Array) Payload() []byte {
	b := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(f))
	}
	return b
}

// Encode returns the wire tag and payload bytes for v. It never fails: every
// Value implementation already carries a valid tag.
func Encode(v Value) (Tag, []byte) {
	return v.Tag(), v.Payload()
}

// Decode dispatches on tag to produce a Value from payload. Arrays and
// fixed-width scalars derive their element count from len(payload); decoding
// never consults anything beyond the bytes given.
func Decode(tag Tag, payload []byte) (Value, error) {
	switch tag {
	case TagI32:
		if len(payload) < 4 {
			return nil, fmt.Errorf("value: I32 payload too short (%d bytes)", len(payload))
		}
		return I32(int32(binary.LittleEndian.Uint32(payload))), nil
	case TagU32:
		if len(payload) < 4 {
			return nil, fmt.Errorf("value: U32 payload too short (%d bytes)", len(payload))
		}
		return U32(binary.LittleEndian.Uint32(payload)), nil
	case TagString:
		return String(string(payload)), nil
	case TagRaw:
		return Raw(append([]byte(nil), payload...)), nil
	case TagI32Array:
		n := len(payload) / 4
		out := make(I32Array, n)
		for i := 0; i < n; i++ {
			out[i] = int32(binary.LittleEndian.Uint32(payload[i*4:]))
		}
		return out, nil
	case TagU32Array:
		n := len(payload) / 4
		out := make(U32Array, n)
		for i := 0; i < n; i++ {
			out[i] = binary.LittleEndian.Uint32(payload[i*4:])
		}
		return out, nil
	case TagF64:
		if len(payload) < 8 {
			return nil, fmt.Errorf("value: F64 payload too short (%d bytes)", len(payload))
		}
		return F64(math.Float64frombits(binary.LittleEndian.Uint64(payload))), nil
	case TagF64Array:
		n := len(payload) / 8
		out := make(F64Array, n)
		for i := 0; i < n; i++ {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[i*8:]))
		}
		return out, nil
	default:
		return nil, &ErrUnknownTag{Tag: tag}
	}
}

// Int builds the narrowest fitting integer Value: I32 if n is negative,
// U32 otherwise.
func Int(n int64) Value {
	if n < 0 {
		return I32(int32(n))
	}
	return U32(uint32(n))
}

// IntArray builds the narrowest fitting integer array Value: I32Array if
// any element is negative, U32Array otherwise. The sender MAY widen to
// unify, which this constructor does for mixed-sign input.
func IntArray(ns []int64) Value {
	negative := false
	for _, n := range ns {
		if n < 0 {
			negative = true
			break
		}
	}
	if negative {
		out := make(I32Array, len(ns))
		for i, n := range ns {
			out[i] = int32(n)
		}
		return out
	}
	out := make(U32Array, len(ns))
	for i, n := range ns {
		out[i] = uint32(n)
	}
	return out
}
