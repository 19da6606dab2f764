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

// Package packet implements the NCP packet codec: framing, fields, params,
// and the continuation-style decoder that lets a stream reader issue
// exactly two reads per packet.
package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/ncplib/go-ncp/value"
)

const (
	// HeaderSize is the fixed size of the packet header, in bytes.
	HeaderSize = 32
	// FooterSize is the fixed size of the packet footer, in bytes.
	FooterSize = 8
	// fieldHeaderSize is the fixed size of a field header, in bytes.
	fieldHeaderSize = 12
	// paramHeaderSize is the fixed size of a param header, in bytes.
	paramHeaderSize = 8
)

var (
	magicHeader = [4]byte{0xdd, 0xcc, 0xbb, 0xaa}
	magicFooter = [4]byte{0xaa, 0xbb, 0xcc, 0xdd}
	formatTag   = [4]byte{0x01, 0x00, 0x00, 0x00}

	// corruptionPattern is the known-bug signature: a canonical footer
	// spuriously embedded inside a field's param region.
	corruptionPattern = [8]byte{0x00, 0x00, 0x00, 0x00, 0xaa, 0xbb, 0xcc, 0xdd}
)

// EncodeIdentifier right-pads name with spaces to a 4-byte wire token.
func EncodeIdentifier(name string) [4]byte {
	var b [4]byte
	copy(b[:], name)
	for i := len(name); i < 4; i++ {
		b[i] = ' '
	}
	return b
}

// DecodeIdentifier recovers the semantic identifier from its padded wire
// token by right-trimming 0x20 and 0x00.
func DecodeIdentifier(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == 0x20 || b[end-1] == 0x00) {
		end--
	}
	return string(b[:end])
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// Params is an ordered name -> value.Value mapping, preserving insertion
// order on both encode and decode. Keys are unique; Set on an existing
// key overwrites in place without reordering.
type Params struct {
	names []string
	vals  map[string]value.Value
}

// NewParams returns an empty, ready-to-use Params.
func NewParams() *Params {
	return &Params{vals: map[string]value.Value{}}
}

// Set assigns name to v, preserving the original position if name already
// exists, else appending it.
func (p *Params) Set(name string, v value.Value) {
	if _, ok := p.vals[name]; !ok {
		p.names = append(p.names, name)
	}
	p.vals[name] = v
}

// Get returns the value assigned to name, and whether it was present.
func (p *Params) Get(name string) (value.Value, bool) {
	v, ok := p.vals[name]
	return v, ok
}

// Has reports whether name is present.
func (p *Params) Has(name string) bool {
	_, ok := p.vals[name]
	return ok
}

// Names returns the param names in insertion order.
func (p *Params) Names() []string {
	return p.names
}

// Len returns the number of params.
func (p *Params) Len() int {
	return len(p.names)
}

// Range calls fn for every param in insertion order, stopping early if fn
// returns false.
func (p *Params) Range(fn func(name string, v value.Value) bool) {
	for _, name := range p.names {
		if !fn(name, p.vals[name]) {
			return
		}
	}
}

// Field is a named, id-tagged group of params: the unit of request/reply
// correlation within a packet.
type Field struct {
	Name   string
	ID     uint32
	Params *Params
}

// NewField returns a Field with an empty Params, ready for Params.Set.
func NewField(name string, id uint32) Field {
	return Field{Name: name, ID: id, Params: NewParams()}
}

// Packet is a single NCP frame: a typed, id-tagged, timestamped envelope
// carrying an ordered list of Fields.
type Packet struct {
	Type      string
	ID        uint32
	Timestamp time.Time
	Info      [4]byte
	Fields    []Field
}

// ErrorKind classifies a decode failure. Field and param overflow are
// distinct kinds: a field running past the packet body and a param
// running past its field are independent failures, and callers get a far
// more actionable error when they can tell which one happened.
type ErrorKind int

const (
	BadMagic ErrorKind = iota
	BadFooter
	OverflowField
	OverflowParam
	UnknownParamType
)

func (k ErrorKind) String() string {
	switch k {
	case BadMagic:
		return "BadMagic"
	case BadFooter:
		return "BadFooter"
	case OverflowField:
		return "OverflowField"
	case OverflowParam:
		return "OverflowParam"
	case UnknownParamType:
		return "UnknownParamType"
	default:
		return "Unknown"
	}
}

// DecodeError is a malformed-frame error: bad magic, size overflow, or an
// unrecognized param type. The reader that encounters one fails every
// waiter on the connection and exits; the connection is unusable after.
type DecodeError struct {
	Kind   ErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("packet: %s", e.Kind)
	}
	return fmt.Sprintf("packet: %s: %s", e.Kind, e.Detail)
}

// Warning is a non-fatal condition raised during decode: decoding
// continues after it is recorded.
type Warning struct {
	Message string
}

func (w *Warning) Error() string {
	return w.Message
}

func newEmbeddedFooterWarning() *Warning {
	return &Warning{Message: "packet: encountered embedded packet footer bug"}
}

// EncodeError reports a violated encode-time invariant, such as a
// duplicate field id within one packet.
type EncodeError struct {
	Detail string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("packet: encode: %s", e.Detail)
}

// Encode serialises pkt: header with placeholder sizes, fields/params
// with backpatched sizes, then footer, then the backpatched total size.
func Encode(pkt Packet) ([]byte, error) {
	seenFieldIDs := make(map[uint32]struct{}, len(pkt.Fields))
	for _, f := range pkt.Fields {
		if _, dup := seenFieldIDs[f.ID]; dup {
			return nil, &EncodeError{Detail: fmt.Sprintf("duplicate field id %d", f.ID)}
		}
		seenFieldIDs[f.ID] = struct{}{}
	}

	buf := make([]byte, HeaderSize)
	copy(buf[0:4], magicHeader[:])
	typeID := EncodeIdentifier(pkt.Type)
	copy(buf[4:8], typeID[:])
	// buf[8:12] is the total-size placeholder, backpatched below.
	binary.LittleEndian.PutUint32(buf[12:16], pkt.ID)
	copy(buf[16:20], formatTag[:])
	binary.LittleEndian.PutUint32(buf[20:24], uint32(pkt.Timestamp.Unix()))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(pkt.Timestamp.Nanosecond()))
	copy(buf[28:32], pkt.Info[:])

	for _, f := range pkt.Fields {
		fieldStart := len(buf)

		fieldHeader := make([]byte, fieldHeaderSize)
		nameID := EncodeIdentifier(f.Name)
		copy(fieldHeader[0:4], nameID[:])
		// fieldHeader[4:7] is the size placeholder, backpatched below.
		fieldHeader[7] = 0 // field_type_id is ignored on encode.
		binary.LittleEndian.PutUint32(fieldHeader[8:12], f.ID)
		buf = append(buf, fieldHeader...)

		if f.Params != nil {
			f.Params.Range(func(name string, v value.Value) bool {
				tag, payload := value.Encode(v)
				size := paramHeaderSize + len(payload)
				pad := (4 - size%4) % 4

				paramHeader := make([]byte, paramHeaderSize)
				pNameID := EncodeIdentifier(name)
				copy(paramHeader[0:4], pNameID[:])
				putUint24(paramHeader[4:7], uint32((size+pad)/4))
				paramHeader[7] = byte(tag)

				buf = append(buf, paramHeader...)
				buf = append(buf, payload...)
				buf = append(buf, make([]byte, pad)...)
				return true
			})
		}

		fieldSizeWords := uint32((len(buf) - fieldStart) / 4)
		putUint24(buf[fieldStart+4:fieldStart+7], fieldSizeWords)
	}

	buf = append(buf, 0x00, 0x00, 0x00, 0x00) // checksum, reserved, never computed.
	buf = append(buf, magicFooter[:]...)

	totalWords := uint32(len(buf) / 4)
	binary.LittleEndian.PutUint32(buf[8:12], totalWords)

	return buf, nil
}

// Finisher consumes exactly the number of bytes announced by DecodeHeader
// and produces the decoded Packet, or a DecodeError.
type Finisher func(body []byte) (*Packet, []*Warning, error)

// DecodeHeader parses the fixed 32-byte packet header and returns the
// number of remaining body bytes to read, plus a Finisher that completes
// the decode once those bytes are available. This continuation shape lets
// a stream reader issue exactly two reads per packet: ReadFull(32), then
// ReadFull(bodySize).
func DecodeHeader(header []byte) (bodySize int, finish Finisher, err error) {
	if len(header) != HeaderSize {
		return 0, nil, fmt.Errorf("packet: header must be %d bytes, got %d", HeaderSize, len(header))
	}
	if !bytes.Equal(header[0:4], magicHeader[:]) {
		return 0, nil, &DecodeError{Kind: BadMagic, Detail: fmt.Sprintf("%x", header[0:4])}
	}

	packetType := DecodeIdentifier(header[4:8])
	totalWords := binary.LittleEndian.Uint32(header[8:12])
	packetID := binary.LittleEndian.Uint32(header[12:16])
	// header[16:20] is the format tag, not consulted.
	sec := binary.LittleEndian.Uint32(header[20:24])
	nsec := binary.LittleEndian.Uint32(header[24:28])
	var info [4]byte
	copy(info[:], header[28:32])

	totalSize := int(totalWords) * 4
	bodySize = totalSize - HeaderSize
	if bodySize < FooterSize {
		return 0, nil, &DecodeError{Kind: OverflowField, Detail: "packet smaller than header+footer"}
	}

	timestamp := time.Unix(int64(sec), int64(nsec)).UTC()

	finish = func(body []byte) (*Packet, []*Warning, error) {
		if len(body) != bodySize {
			return nil, nil, fmt.Errorf("packet: expected %d body bytes, got %d", bodySize, len(body))
		}
		fieldLimit := bodySize - FooterSize
		fields, warnings, err := decodeFields(body[:fieldLimit])
		if err != nil {
			return nil, warnings, err
		}

		footer := body[fieldLimit:bodySize]
		// footer[0:4] is the checksum, reserved and never validated.
		if !bytes.Equal(footer[4:8], magicFooter[:]) {
			return nil, warnings, &DecodeError{Kind: BadFooter, Detail: fmt.Sprintf("%x", footer[4:8])}
		}

		return &Packet{
			Type:      packetType,
			ID:        packetID,
			Timestamp: timestamp,
			Info:      info,
			Fields:    fields,
		}, warnings, nil
	}

	return bodySize, finish, nil
}

func decodeFields(region []byte) ([]Field, []*Warning, error) {
	var fields []Field
	var warnings []*Warning

	offset := 0
	for offset < len(region) {
		if offset+fieldHeaderSize > len(region) {
			return nil, warnings, &DecodeError{Kind: OverflowField, Detail: "truncated field header"}
		}
		fieldHeader := region[offset : offset+fieldHeaderSize]
		fieldName := DecodeIdentifier(fieldHeader[0:4])
		fieldSizeWords := uint24(fieldHeader[4:7])
		// fieldHeader[7] is the field_type_id, ignored.
		fieldID := binary.LittleEndian.Uint32(fieldHeader[8:12])

		fieldLimit := offset + int(fieldSizeWords)*4
		if fieldLimit > len(region) || fieldLimit < offset+fieldHeaderSize {
			return nil, warnings, &DecodeError{Kind: OverflowField, Detail: fmt.Sprintf("field %q overflows by %d bytes", fieldName, fieldLimit-len(region))}
		}

		params := NewParams()
		pOffset := offset + fieldHeaderSize
		for pOffset < fieldLimit {
			// HACK: tolerate a known garbled-packet bug where the
			// canonical footer is spuriously embedded mid-field.
			if pOffset+8 <= fieldLimit && bytes.Equal(region[pOffset:pOffset+8], corruptionPattern[:]) {
				warnings = append(warnings, newEmbeddedFooterWarning())
				pOffset += 8
				continue
			}

			if pOffset+paramHeaderSize > fieldLimit {
				return nil, warnings, &DecodeError{Kind: OverflowParam, Detail: fmt.Sprintf("truncated param header in field %q", fieldName)}
			}
			paramHeader := region[pOffset : pOffset+paramHeaderSize]
			paramName := DecodeIdentifier(paramHeader[0:4])
			paramSizeWords := uint24(paramHeader[4:7])
			tag := value.Tag(paramHeader[7])

			paramSize := int(paramSizeWords) * 4
			paramEnd := pOffset + paramSize
			if paramEnd > fieldLimit || paramSize < paramHeaderSize {
				return nil, warnings, &DecodeError{Kind: OverflowParam, Detail: fmt.Sprintf("param %q overflows field %q", paramName, fieldName)}
			}

			payload := region[pOffset+paramHeaderSize : paramEnd]
			if tag == value.TagString {
				// Padding is packet-layer bookkeeping, not part of
				// the value; recover the unpadded string the same
				// way identifiers are recovered, by right-trimming
				// the pad byte, consistent with DecodeIdentifier.
				payload = trimTrailingZeros(payload)
			}

			v, err := value.Decode(tag, payload)
			if err != nil {
				return nil, warnings, &DecodeError{Kind: UnknownParamType, Detail: err.Error()}
			}
			params.Set(paramName, v)

			pOffset = paramEnd
		}

		fields = append(fields, Field{Name: fieldName, ID: fieldID, Params: params})
		offset = fieldLimit
	}

	return fields, warnings, nil
}

func trimTrailingZeros(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == 0x00 {
		end--
	}
	return b[:end]
}

// Decode reads a single packet from r: ReadFull(32) for the header, then
// ReadFull(bodySize) for the body, per the continuation-style contract of
// DecodeHeader.
func Decode(r io.Reader) (*Packet, []*Warning, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, nil, err
	}

	bodySize, finish, err := DecodeHeader(header)
	if err != nil {
		return nil, nil, err
	}

	body := make([]byte, bodySize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return finish(body)
}
