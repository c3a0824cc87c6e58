package nettrace

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReaderPrimitives(t *testing.T) {
	buf := []byte{
		0x2a,                   // u8
		0x34, 0x12,             // u16
		0x78, 0x56, 0x34, 0x12, // u32
		0xf0, 0xde, 0xbc, 0x9a, 0x78, 0x56, 0x34, 0x12, // u64
	}
	r := newReader(bytes.NewReader(buf))

	b, err := r.readByte()
	require.NoError(t, err)
	require.Equal(t, byte(0x2a), b)

	w, err := r.u16()
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), w)

	d, err := r.u32()
	require.NoError(t, err)
	require.Equal(t, uint32(0x12345678), d)

	q, err := r.u64()
	require.NoError(t, err)
	require.Equal(t, uint64(0x123456789abcdef0), q)

	// Position equals the sum of all bytes consumed.
	require.Equal(t, uint64(len(buf)), r.position())
}

func TestReaderVarints(t *testing.T) {
	r := newReader(bytes.NewReader([]byte{
		0x85, 0x01, // 133
		0xff, 0xff, 0xff, 0xff, 0x0f, // max u32 in 5 groups
		0x00, // 0
	}))

	v, err := r.uvarint32()
	require.NoError(t, err)
	require.Equal(t, uint32(133), v)

	v, err = r.uvarint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xffffffff), v)

	q, err := r.uvarint64()
	require.NoError(t, err)
	require.Equal(t, uint64(0), q)
}

func TestReaderVarintOverflow(t *testing.T) {
	// Six continuation groups exceed the 5 group limit for u32.
	r := newReader(bytes.NewReader([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01}))
	_, err := r.uvarint32()
	require.ErrorIs(t, err, ErrMalformedVarint)

	// Eleven groups exceed the 10 group limit for u64.
	r = newReader(bytes.NewReader(bytes.Repeat([]byte{0x80}, 11)))
	_, err = r.uvarint64()
	require.ErrorIs(t, err, ErrMalformedVarint)
}

func TestReaderUTF16String(t *testing.T) {
	// "hi" then an empty string.
	r := newReader(bytes.NewReader([]byte{'h', 0, 'i', 0, 0, 0, 0, 0}))

	s, n, err := r.utf16String()
	require.NoError(t, err)
	require.Equal(t, "hi", s)
	require.Equal(t, 6, n)

	s, n, err = r.utf16String()
	require.NoError(t, err)
	require.Equal(t, "", s)
	require.Equal(t, 2, n)
}

func TestReaderAlign4(t *testing.T) {
	r := newReader(bytes.NewReader(make([]byte, 16)))
	require.NoError(t, r.skip(1))
	require.NoError(t, r.align4())
	require.Equal(t, uint64(4), r.position())

	// Already aligned: no bytes consumed.
	require.NoError(t, r.align4())
	require.Equal(t, uint64(4), r.position())

	require.NoError(t, r.skip(3))
	require.NoError(t, r.align4())
	require.Equal(t, uint64(8), r.position())
}

func TestReaderPoisonedAfterFailure(t *testing.T) {
	r := newReader(bytes.NewReader([]byte{0x01}))
	_, err := r.u32()
	require.Error(t, err)

	_, err = r.readByte()
	require.ErrorIs(t, err, errPoisoned)
}

func TestReaderShortReadsAreLooped(t *testing.T) {
	// iotest.OneByteReader style: deliver one byte per Read call.
	r := newReader(oneByteReader{bytes.NewReader([]byte{0x78, 0x56, 0x34, 0x12})})
	v, err := r.u32()
	require.NoError(t, err)
	require.Equal(t, uint32(0x12345678), v)
}

type oneByteReader struct{ r io.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func TestReaderEOF(t *testing.T) {
	r := newReader(bytes.NewReader(nil))
	_, err := r.readByte()
	require.True(t, errors.Is(err, io.EOF))
}
