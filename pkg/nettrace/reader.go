package nettrace

import (
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf16"
)

// reader is a byte-accurate cursor over a transport. Every successful read
// advances the logical position by exactly the number of bytes consumed; the
// position is the 4-byte alignment datum for the whole stream.
//
// After any failed read the reader is poisoned and refuses further reads:
// a partial read leaves the position ambiguous and the stream cannot be
// resynchronized.
type reader struct {
	r        io.Reader
	pos      uint64
	poisoned bool
	scratch  [16]byte
}

func newReader(r io.Reader) *reader {
	return &reader{r: r}
}

func (r *reader) position() uint64 { return r.pos }

// errPoisoned is returned for reads attempted after a failure.
var errPoisoned = errors.New("nettrace: read after earlier failure")

// readFull reads exactly len(buf) bytes, looping over short reads. A clean
// end-of-stream before the first byte surfaces as io.EOF; anything shorter
// than requested after that is io.ErrUnexpectedEOF.
func (r *reader) readFull(buf []byte) error {
	if r.poisoned {
		return errPoisoned
	}
	if len(buf) == 0 {
		return nil
	}
	n, err := io.ReadFull(r.r, buf)
	r.pos += uint64(n)
	if err != nil {
		r.poisoned = true
		return err
	}
	return nil
}

func (r *reader) readByte() (byte, error) {
	if err := r.readFull(r.scratch[:1]); err != nil {
		return 0, err
	}
	return r.scratch[0], nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.readFull(r.scratch[:2]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(r.scratch[:2]), nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.readFull(r.scratch[:4]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.scratch[:4]), nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.readFull(r.scratch[:8]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.scratch[:8]), nil
}

// uvarint32 decodes a base-128 varint of at most 5 groups.
func (r *reader) uvarint32() (uint32, error) {
	var val uint32
	var shift uint
	for {
		if shift == 5*7 {
			return 0, errAt(ErrMalformedVarint, r.pos, "uint32 varint exceeds 5 groups")
		}
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		val |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return val, nil
		}
		shift += 7
	}
}

// uvarint64 decodes a base-128 varint of at most 10 groups.
func (r *reader) uvarint64() (uint64, error) {
	var val uint64
	var shift uint
	for {
		if shift == 10*7 {
			return 0, errAt(ErrMalformedVarint, r.pos, "uint64 varint exceeds 10 groups")
		}
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		val |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return val, nil
		}
		shift += 7
	}
}

// utf16String reads UTF-16LE code units up to and including a zero
// terminator. It returns the decoded string and the total byte count
// consumed, terminator included. An empty string consumes two bytes.
// Surrogate pairs are decoded best effort, never validated.
func (r *reader) utf16String() (string, int, error) {
	var units []uint16
	n := 0
	for {
		c, err := r.u16()
		if err != nil {
			return "", n, err
		}
		n += 2
		if c == 0 {
			return string(utf16.Decode(units)), n, nil
		}
		units = append(units, c)
	}
}

// skip discards exactly n bytes.
func (r *reader) skip(n uint32) error {
	if r.poisoned {
		return errPoisoned
	}
	remaining := int(n)
	for remaining > 0 {
		chunk := remaining
		if chunk > len(r.scratch) {
			chunk = len(r.scratch)
		}
		if err := r.readFull(r.scratch[:chunk]); err != nil {
			return err
		}
		remaining -= chunk
	}
	return nil
}

// align4 discards padding so the position is 4-byte aligned relative to the
// stream origin.
func (r *reader) align4() error {
	if rem := r.pos % 4; rem != 0 {
		return r.skip(uint32(4 - rem))
	}
	return nil
}
