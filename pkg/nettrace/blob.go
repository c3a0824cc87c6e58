package nettrace

import (
	"bytes"
	"io"
)

// EventHeader is the fully reconstructed header of one blob. On the wire it
// is either a fixed layout record or a flags byte followed by varint deltas
// against the previous header of the same block.
type EventHeader struct {
	MetadataID        uint32
	SequenceNumber    uint32
	ThreadID          uint64
	CaptureThreadID   uint64
	ProcessorNumber   uint32
	StackID           uint32
	Timestamp         uint64
	ActivityID        [16]byte
	RelatedActivityID [16]byte
	IsSorted          bool
	// HeaderSize is the on-wire size of the header in bytes and PayloadSize
	// the length of the opaque payload that follows it.
	HeaderSize  uint32
	PayloadSize uint32
}

// Compressed header flag bits. Each set bit selects a field present on the
// wire; an absent field carries its value from the previous header.
const (
	hdrFlagMetadataID = 1 << iota
	hdrFlagCaptureThreadAndSequence
	hdrFlagThreadID
	hdrFlagStackID
	hdrFlagActivityID
	hdrFlagRelatedActivityID
	hdrFlagIsSorted
	hdrFlagPayloadSize
)

// blockReader is a cursor over one extracted block body.
type blockReader struct {
	reader
	buf []byte
	br  *bytes.Reader
}

func newBlockReader(buf []byte) *blockReader {
	b := &blockReader{buf: buf, br: bytes.NewReader(buf)}
	b.reader.r = b.br
	return b
}

// remaining reports the unconsumed byte count of the block body.
func (b *blockReader) remaining() int { return b.br.Len() }

// take returns the next n body bytes without copying and advances the
// cursor past them. The slice aliases the block buffer.
func (b *blockReader) take(n uint32) ([]byte, error) {
	off := len(b.buf) - b.br.Len()
	if uint32(b.br.Len()) < n {
		return nil, io.ErrUnexpectedEOF
	}
	if _, err := b.br.Seek(int64(n), io.SeekCurrent); err != nil {
		return nil, err
	}
	b.reader.pos += uint64(n)
	return b.buf[off : off+int(n)], nil
}

// readCompressedHeader reconstructs a header from the flags byte and varint
// deltas, carrying unmentioned fields from last. last is updated to the
// reconstructed header so the next blob of the block can delta against it.
//
// The sequence number rules follow the producer: an explicit delta adds
// delta+1; otherwise the sequence increments by one for event blobs
// (effective MetadataID non-zero) and carries for metadata blobs.
func (b *blockReader) readCompressedHeader(last *EventHeader) (EventHeader, error) {
	h := *last
	start := b.position()

	flags, err := b.readByte()
	if err != nil {
		return h, err
	}
	if flags&hdrFlagMetadataID != 0 {
		if h.MetadataID, err = b.uvarint32(); err != nil {
			return h, err
		}
	}
	if flags&hdrFlagCaptureThreadAndSequence != 0 {
		delta, err := b.uvarint32()
		if err != nil {
			return h, err
		}
		h.SequenceNumber += delta + 1
		if h.CaptureThreadID, err = b.uvarint64(); err != nil {
			return h, err
		}
		if h.ProcessorNumber, err = b.uvarint32(); err != nil {
			return h, err
		}
	} else if h.MetadataID != 0 {
		h.SequenceNumber++
	}
	if flags&hdrFlagThreadID != 0 {
		if h.ThreadID, err = b.uvarint64(); err != nil {
			return h, err
		}
	}
	if flags&hdrFlagStackID != 0 {
		if h.StackID, err = b.uvarint32(); err != nil {
			return h, err
		}
	}
	tsDelta, err := b.uvarint64()
	if err != nil {
		return h, err
	}
	h.Timestamp += tsDelta
	if flags&hdrFlagActivityID != 0 {
		if err := b.readFull(h.ActivityID[:]); err != nil {
			return h, err
		}
	}
	if flags&hdrFlagRelatedActivityID != 0 {
		if err := b.readFull(h.RelatedActivityID[:]); err != nil {
			return h, err
		}
	}
	h.IsSorted = flags&hdrFlagIsSorted != 0
	if flags&hdrFlagPayloadSize != 0 {
		if h.PayloadSize, err = b.uvarint32(); err != nil {
			return h, err
		}
	}

	h.HeaderSize = uint32(b.position() - start)
	*last = h
	return h, nil
}

// readUncompressedHeader reads the fixed layout V4 blob header. No carry, no
// deltas: every field is on the wire. The low 31 bits of the metadata word
// are the id; the high bit cleared means the event is sorted.
func (b *blockReader) readUncompressedHeader() (EventHeader, error) {
	var h EventHeader
	start := b.position()

	// EventSize counts the record excluding the size field itself; the
	// payload length below is authoritative, so the value is discarded.
	if _, err := b.u32(); err != nil {
		return h, err
	}
	rawMeta, err := b.u32()
	if err != nil {
		return h, err
	}
	h.MetadataID = rawMeta & 0x7FFFFFFF
	h.IsSorted = rawMeta&0x80000000 == 0
	if h.SequenceNumber, err = b.u32(); err != nil {
		return h, err
	}
	if h.ThreadID, err = b.u64(); err != nil {
		return h, err
	}
	if h.CaptureThreadID, err = b.u64(); err != nil {
		return h, err
	}
	if h.ProcessorNumber, err = b.u32(); err != nil {
		return h, err
	}
	if h.StackID, err = b.u32(); err != nil {
		return h, err
	}
	if h.Timestamp, err = b.u64(); err != nil {
		return h, err
	}
	if err := b.readFull(h.ActivityID[:]); err != nil {
		return h, err
	}
	if err := b.readFull(h.RelatedActivityID[:]); err != nil {
		return h, err
	}
	if h.PayloadSize, err = b.u32(); err != nil {
		return h, err
	}

	h.HeaderSize = uint32(b.position() - start)
	return h, nil
}
