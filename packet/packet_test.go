package packet

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncplib/go-ncp/value"
)

func buildPacket() Packet {
	f := NewField("HELO", 1)
	f.Params.Set("PROT", value.String("ncp 1.0"))
	f.Params.Set("CNT", value.Int(3))

	g := NewField("DATA", 2)
	g.Params.Set("SAMP", value.IntArray([]int64{1, 2, -3}))

	return Packet{
		Type:      "LINK",
		ID:        7,
		Timestamp: time.Unix(1700000000, 123000000).UTC(),
		Info:      [4]byte{0, 0, 0, 0},
		Fields:    []Field{f, g},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pkt := buildPacket()

	buf, err := Encode(pkt)
	require.NoError(t, err)
	assert.Equal(t, 0, len(buf)%4, "packet must be word-aligned")

	got, warnings, err := Decode(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, pkt.Type, got.Type)
	assert.Equal(t, pkt.ID, got.ID)
	assert.Equal(t, pkt.Timestamp, got.Timestamp)
	require.Len(t, got.Fields, 2)

	assert.Equal(t, "HELO", got.Fields[0].Name)
	assert.Equal(t, uint32(1), got.Fields[0].ID)
	proto, ok := got.Fields[0].Params.Get("PROT")
	require.True(t, ok)
	assert.Equal(t, value.String("ncp 1.0"), proto)
	count, ok := got.Fields[0].Params.Get("CNT")
	require.True(t, ok)
	assert.Equal(t, value.Int(3), count)

	assert.Equal(t, []string{"PROT", "CNT"}, got.Fields[0].Params.Names())

	samples, ok := got.Fields[1].Params.Get("SAMP")
	require.True(t, ok)
	assert.Equal(t, value.IntArray([]int64{1, 2, -3}), samples)
}

func TestEmptyPacketIsFortyBytes(t *testing.T) {
	pkt := Packet{
		Type:      "TEST",
		ID:        1,
		Timestamp: time.Unix(0, 0).UTC(),
		Info:      [4]byte{'0', '0', '0', '0'},
	}

	buf, err := Encode(pkt)
	require.NoError(t, err)
	require.Len(t, buf, 40) // 32 header + 8 footer

	totalWords := uint32(buf[8]) | uint32(buf[9])<<8 | uint32(buf[10])<<16 | uint32(buf[11])<<24
	assert.Equal(t, uint32(10), totalWords)

	got, warnings, err := Decode(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, pkt.Type, got.Type)
	assert.Equal(t, pkt.ID, got.ID)
	assert.Equal(t, pkt.Info, got.Info)
	assert.Empty(t, got.Fields)
}

func TestSingleI32ParamLayout(t *testing.T) {
	f := NewField("ECHO", 7)
	f.Params.Set("VALU", value.I32(42))
	pkt := Packet{Type: "TEST", Fields: []Field{f}}

	buf, err := Encode(pkt)
	require.NoError(t, err)
	// header(32) + field header(12) + param header(8) + payload(4) + footer(8).
	require.Len(t, buf, 64)

	fieldWords := uint24(buf[HeaderSize+4 : HeaderSize+7])
	assert.Equal(t, uint32(6), fieldWords)
	paramWords := uint24(buf[HeaderSize+fieldHeaderSize+4 : HeaderSize+fieldHeaderSize+7])
	assert.Equal(t, uint32(3), paramWords)
}

func TestStringParamPadBytes(t *testing.T) {
	f := NewField("TEXT", 1)
	f.Params.Set("TEXT", value.String("abc"))
	pkt := Packet{Type: "TEST", Fields: []Field{f}}

	buf, err := Encode(pkt)
	require.NoError(t, err)

	paramWords := uint24(buf[HeaderSize+fieldHeaderSize+4 : HeaderSize+fieldHeaderSize+7])
	assert.Equal(t, uint32(3), paramWords)

	payload := buf[HeaderSize+fieldHeaderSize+paramHeaderSize : HeaderSize+fieldHeaderSize+int(paramWords)*4]
	assert.Equal(t, []byte{0x61, 0x62, 0x63, 0x00}, payload)
}

func TestIdentifierPadding(t *testing.T) {
	assert.Equal(t, [4]byte{'A', 'B', ' ', ' '}, EncodeIdentifier("AB"))
	assert.Equal(t, [4]byte{'A', 'B', 'C', 'D'}, EncodeIdentifier("ABCD"))
	assert.Equal(t, "AB", DecodeIdentifier([]byte{'A', 'B', ' ', ' '}))
	assert.Equal(t, "AB", DecodeIdentifier([]byte{'A', 'B', 0x00, 0x00}))
}

func TestTotalSizeIsSelfConsistent(t *testing.T) {
	pkt := buildPacket()
	buf, err := Encode(pkt)
	require.NoError(t, err)

	// The total size word backpatched into the header must match the
	// actual encoded length exactly (spec round-trip/self-consistency
	// property).
	totalWords := uint32(buf[8]) | uint32(buf[9])<<8 | uint32(buf[10])<<16 | uint32(buf[11])<<24
	assert.Equal(t, uint32(len(buf)), totalWords*4)
}

func TestEncodeRejectsDuplicateFieldIDs(t *testing.T) {
	f1 := NewField("AAAA", 1)
	f2 := NewField("BBBB", 1)
	_, err := Encode(Packet{Type: "TEST", Fields: []Field{f1, f2}})
	require.Error(t, err)
	var encErr *EncodeError
	require.ErrorAs(t, err, &encErr)
}

func TestDecodeBadMagic(t *testing.T) {
	header := make([]byte, HeaderSize)
	_, _, err := DecodeHeader(header)
	require.Error(t, err)
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, BadMagic, decErr.Kind)
}

func TestDecodeBadFooter(t *testing.T) {
	pkt := buildPacket()
	buf, err := Encode(pkt)
	require.NoError(t, err)

	// Corrupt the footer magic.
	buf[len(buf)-1] ^= 0xff

	_, _, err = Decode(bytes.NewReader(buf))
	require.Error(t, err)
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, BadFooter, decErr.Kind)
}

// TestCorruptionToleranceSkipsEmbeddedFooter reproduces the known
// hardware bug where a spurious footer pattern is injected mid-field: the
// decoder must skip it, emit a warning, and keep decoding subsequent
// params in the same field.
func TestCorruptionToleranceSkipsEmbeddedFooter(t *testing.T) {
	f := NewField("DATA", 1)
	f.Params.Set("A", value.Int(1))
	f.Params.Set("B", value.Int(2))
	pkt := Packet{Type: "TEST", Fields: []Field{f}}

	buf, err := Encode(pkt)
	require.NoError(t, err)

	// Locate the start of the "B" param and splice the corruption
	// pattern in front of it.
	marker := []byte{'B', ' ', ' ', ' '}
	idx := bytes.Index(buf, marker)
	require.GreaterOrEqual(t, idx, 0)

	corrupted := make([]byte, 0, len(buf)+8)
	corrupted = append(corrupted, buf[:idx]...)
	corrupted = append(corrupted, corruptionPattern[:]...)
	corrupted = append(corrupted, buf[idx:]...)

	// Backpatch the total size word for the new, longer length.
	totalWords := uint32(len(corrupted) / 4)
	corrupted[8] = byte(totalWords)
	corrupted[9] = byte(totalWords >> 8)
	corrupted[10] = byte(totalWords >> 16)
	corrupted[11] = byte(totalWords >> 24)
	// Backpatch the one field's size word too (field starts right after
	// the 32-byte header).
	fieldWords := uint32((len(corrupted) - HeaderSize - FooterSize) / 4)
	corrupted[HeaderSize+4] = byte(fieldWords)
	corrupted[HeaderSize+5] = byte(fieldWords >> 8)
	corrupted[HeaderSize+6] = byte(fieldWords >> 16)

	got, warnings, err := Decode(bytes.NewReader(corrupted))
	require.NoError(t, err)
	require.Len(t, warnings, 1)

	require.Len(t, got.Fields, 1)
	a, ok := got.Fields[0].Params.Get("A")
	require.True(t, ok)
	assert.Equal(t, value.Int(1), a)
	b, ok := got.Fields[0].Params.Get("B")
	require.True(t, ok)
	assert.Equal(t, value.Int(2), b)
}

func TestDecodeOverflowField(t *testing.T) {
	pkt := buildPacket()
	buf, err := Encode(pkt)
	require.NoError(t, err)

	// Inflate the first field's claimed size beyond the body.
	buf[HeaderSize+4] = 0xff
	buf[HeaderSize+5] = 0xff

	_, _, err = Decode(bytes.NewReader(buf))
	require.Error(t, err)
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, OverflowField, decErr.Kind)
}

func TestStringRoundTripsThroughPadding(t *testing.T) {
	f := NewField("TEXT", 1)
	f.Params.Set("MSG", value.String("abc"))
	pkt := Packet{Type: "TEST", Fields: []Field{f}}

	buf, err := Encode(pkt)
	require.NoError(t, err)

	got, _, err := Decode(bytes.NewReader(buf))
	require.NoError(t, err)

	msg, ok := got.Fields[0].Params.Get("MSG")
	require.True(t, ok)
	assert.Equal(t, value.String("abc"), msg)
}

func TestParamsPreservesInsertionOrder(t *testing.T) {
	p := NewParams()
	p.Set("Z", value.Int(1))
	p.Set("A", value.Int(2))
	p.Set("M", value.Int(3))
	assert.Equal(t, []string{"Z", "A", "M"}, p.Names())

	p.Set("A", value.Int(99)) // overwrite must not reorder
	assert.Equal(t, []string{"Z", "A", "M"}, p.Names())
	v, _ := p.Get("A")
	assert.Equal(t, value.Int(99), v)
}
