package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarUintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 63, 64, 127, 128, 300, 16384, 1 << 40}
	for _, v := range values {
		e := NewEncoder()
		e.WriteVarUint(v)
		d := NewDecoder(e.Bytes())
		got, err := d.ReadVarUint()
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.True(t, d.Done())
	}
}

func TestVarUintMultiByteHighBit(t *testing.T) {
	e := NewEncoder()
	e.WriteVarUint(300) // 300 = 0b100101100 -> two bytes, high bit set on first
	b := e.Bytes()
	require.Len(t, b, 2)
	assert.Equal(t, byte(0x80|(300&0x7f)), b[0])
	assert.Equal(t, byte(300>>7), b[1])
}

func TestWriteVarIntRejectsNegative(t *testing.T) {
	e := NewEncoder()
	err := e.WriteVarInt(-1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestReadVarUintTruncated(t *testing.T) {
	d := NewDecoder([]byte{0x80}) // continuation bit set, no next byte
	_, err := d.ReadVarUint()
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestReadVarUintMalformedNeverTerminates(t *testing.T) {
	buf := make([]byte, 11)
	for i := range buf {
		buf[i] = 0x80
	}
	d := NewDecoder(buf)
	_, err := d.ReadVarUint()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestBytesRoundTrip(t *testing.T) {
	e := NewEncoder()
	payload := []byte{1, 2, 3, 4, 5}
	e.WriteBytes(payload)
	d := NewDecoder(e.Bytes())
	got, err := d.ReadBytes()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestBytesTruncated(t *testing.T) {
	e := NewEncoder()
	e.WriteVarUint(10) // claims 10 bytes follow
	e.buf = append(e.buf, 1, 2) // but only 2 are present
	d := NewDecoder(e.Bytes())
	_, err := d.ReadBytes()
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestStringRoundTrip(t *testing.T) {
	e := NewEncoder()
	e.WriteString("hello, 世界")
	d := NewDecoder(e.Bytes())
	got, err := d.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "hello, 世界", got)
}

func TestStringInvalidUTF8(t *testing.T) {
	e := NewEncoder()
	e.WriteBytes([]byte{0xff, 0xfe})
	d := NewDecoder(e.Bytes())
	_, err := d.ReadString()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestZeroVarintIsSingleZeroByte(t *testing.T) {
	e := NewEncoder()
	e.WriteVarUint(0)
	assert.Equal(t, []byte{0x00}, e.Bytes())
}

func TestSequentialDecodeAdvancesCursor(t *testing.T) {
	e := NewEncoder()
	e.WriteString("doc-1")
	e.WriteVarUint(7)
	e.WriteBytes([]byte("payload"))

	d := NewDecoder(e.Bytes())
	name, err := d.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "doc-1", name)

	n, err := d.ReadVarUint()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)

	payload, err := d.ReadBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), payload)
	assert.True(t, d.Done())
}
