// Package nettracetest builds synthetic nettrace streams for tests. The
// builder mirrors the wire format byte for byte, including the 4-byte
// alignment of block bodies against the stream origin, so decoder tests can
// assert exact position accounting.
package nettracetest

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"
)

// TraceInfo selects the Trace object fields of the built stream.
type TraceInfo struct {
	PointerSize  uint32
	ProcessID    uint32
	QPCFrequency uint64
	SyncTimeQPC  uint64
}

// StreamBuilder accumulates a nettrace stream.
type StreamBuilder struct {
	buf  bytes.Buffer
	info TraceInfo
}

// NewStream returns a builder whose buffer already contains the stream
// magic and the Trace object for info.
func NewStream(info TraceInfo) *StreamBuilder {
	if info.PointerSize == 0 {
		info.PointerSize = 8
	}
	if info.QPCFrequency == 0 {
		info.QPCFrequency = 10_000_000
	}
	b := &StreamBuilder{info: info}
	b.buf.WriteString("Nettrace")
	b.u32(20)
	b.buf.WriteString("!FastSerialization.1")
	b.objectHeader("Trace", 4)
	for _, f := range []uint16{2024, 5, 2, 14, 9, 30, 0, 0} {
		b.u16(f)
	}
	b.u64(info.SyncTimeQPC)
	b.u64(info.QPCFrequency)
	b.u32(info.PointerSize)
	b.u32(info.ProcessID)
	b.u32(8)
	b.u32(0)
	b.buf.WriteByte(6) // EndObject closing the Trace object
	return b
}

// Bytes returns the stream built so far.
func (b *StreamBuilder) Bytes() []byte { return b.buf.Bytes() }

// Raw appends arbitrary bytes.
func (b *StreamBuilder) Raw(p ...byte) *StreamBuilder {
	b.buf.Write(p)
	return b
}

// End terminates the stream with a top level NullReference tag, the way the
// runtime closes a session.
func (b *StreamBuilder) End() *StreamBuilder {
	b.buf.WriteByte(1)
	return b
}

// Blob describes one compressed-header blob. Fields are written onto the
// wire only when the corresponding Flags bit is set; TimestampDelta is
// always written.
type Blob struct {
	Flags             byte
	MetadataID        uint32
	SeqDelta          uint32
	CaptureThreadID   uint64
	ProcNumber        uint32
	ThreadID          uint64
	StackID           uint32
	TimestampDelta    uint64
	ActivityID        [16]byte
	RelatedActivityID [16]byte
	Payload           []byte
}

// Flag bits for Blob.Flags, matching the compressed header layout.
const (
	FlagMetadataID        = 1 << 0
	FlagCaptureThreadSeq  = 1 << 1
	FlagThreadID          = 1 << 2
	FlagStackID           = 1 << 3
	FlagActivityID        = 1 << 4
	FlagRelatedActivityID = 1 << 5
	FlagIsSorted          = 1 << 6
	FlagPayloadSize       = 1 << 7
)

// UncompressedBlob describes one fixed-layout V4 blob.
type UncompressedBlob struct {
	MetadataID      uint32
	Unsorted        bool
	SequenceNumber  uint32
	ThreadID        uint64
	CaptureThreadID uint64
	ProcNumber      uint32
	StackID         uint32
	Timestamp       uint64
	Payload         []byte
}

// EventBlock appends an EventBlock whose blobs use compressed headers.
func (b *StreamBuilder) EventBlock(blobs ...Blob) *StreamBuilder {
	return b.blobBlock("EventBlock", 1, b.encodeCompressed(blobs))
}

// MetadataBlock appends a MetadataBlock of compressed-header blobs. Use
// MetadataPayload to build the definition payloads.
func (b *StreamBuilder) MetadataBlock(blobs ...Blob) *StreamBuilder {
	return b.blobBlock("MetadataBlock", 1, b.encodeCompressed(blobs))
}

// UncompressedEventBlock appends an EventBlock with fixed-layout headers.
func (b *StreamBuilder) UncompressedEventBlock(blobs ...UncompressedBlob) *StreamBuilder {
	var body bytes.Buffer
	for _, blob := range blobs {
		var rec bytes.Buffer
		raw := blob.MetadataID & 0x7FFFFFFF
		if blob.Unsorted {
			raw |= 0x80000000
		}
		bw := func(v any) { _ = binary.Write(&rec, binary.LittleEndian, v) }
		bw(raw)
		bw(blob.SequenceNumber)
		bw(blob.ThreadID)
		bw(blob.CaptureThreadID)
		bw(blob.ProcNumber)
		bw(blob.StackID)
		bw(blob.Timestamp)
		rec.Write(make([]byte, 32)) // activity ids
		bw(uint32(len(blob.Payload)))
		rec.Write(blob.Payload)

		_ = binary.Write(&body, binary.LittleEndian, uint32(rec.Len()))
		body.Write(rec.Bytes())
	}
	return b.blobBlock("EventBlock", 0, body.Bytes())
}

// StackBlock appends a StackBlock with ids firstID..firstID+len(stacks)-1.
// Frame width follows the stream's pointer size.
func (b *StreamBuilder) StackBlock(firstID uint32, stacks ...[]uint64) *StreamBuilder {
	var body bytes.Buffer
	_ = binary.Write(&body, binary.LittleEndian, firstID)
	_ = binary.Write(&body, binary.LittleEndian, uint32(len(stacks)))
	for _, frames := range stacks {
		width := b.info.PointerSize
		_ = binary.Write(&body, binary.LittleEndian, uint32(len(frames))*width)
		for _, f := range frames {
			if width == 8 {
				_ = binary.Write(&body, binary.LittleEndian, f)
			} else {
				_ = binary.Write(&body, binary.LittleEndian, uint32(f))
			}
		}
	}
	return b.block("StackBlock", body.Bytes())
}

// SequencePointBlock appends a sequence point block. pairs alternates
// thread id and sequence number.
func (b *StreamBuilder) SequencePointBlock(timestamp uint64, pairs ...uint64) *StreamBuilder {
	var body bytes.Buffer
	_ = binary.Write(&body, binary.LittleEndian, timestamp)
	_ = binary.Write(&body, binary.LittleEndian, uint32(len(pairs)/2))
	for i := 0; i+1 < len(pairs); i += 2 {
		_ = binary.Write(&body, binary.LittleEndian, pairs[i])
		_ = binary.Write(&body, binary.LittleEndian, uint32(pairs[i+1]))
	}
	return b.block("SPBlock", body.Bytes())
}

// blobBlock wraps a blob body with the BlockHeader and the object framing.
func (b *StreamBuilder) blobBlock(name string, flags uint16, blobBody []byte) *StreamBuilder {
	var body bytes.Buffer
	_ = binary.Write(&body, binary.LittleEndian, uint16(20)) // header size
	_ = binary.Write(&body, binary.LittleEndian, flags)
	_ = binary.Write(&body, binary.LittleEndian, uint64(0)) // min timestamp
	_ = binary.Write(&body, binary.LittleEndian, uint64(0)) // max timestamp
	body.Write(blobBody)
	return b.block(name, body.Bytes())
}

// block writes the object header, the u32 block size, alignment padding to
// the next 4-byte stream boundary, the body, and the EndObject tag.
func (b *StreamBuilder) block(name string, body []byte) *StreamBuilder {
	b.objectHeader(name, 2)
	b.u32(uint32(len(body)))
	for b.buf.Len()%4 != 0 {
		b.buf.WriteByte(0)
	}
	b.buf.Write(body)
	b.buf.WriteByte(6) // EndObject
	return b
}

// CustomBlock appends a block object with an arbitrary name and version,
// for decoder error path tests.
func (b *StreamBuilder) CustomBlock(name string, version uint32, body []byte) *StreamBuilder {
	b.objectHeader(name, version)
	b.u32(uint32(len(body)))
	for b.buf.Len()%4 != 0 {
		b.buf.WriteByte(0)
	}
	b.buf.Write(body)
	b.buf.WriteByte(6)
	return b
}

// DeclareBlock appends an object header and a declared block size without
// any body bytes, for size limit tests.
func (b *StreamBuilder) DeclareBlock(name string, version, declaredSize uint32) *StreamBuilder {
	b.objectHeader(name, version)
	b.u32(declaredSize)
	return b
}

func (b *StreamBuilder) objectHeader(name string, version uint32) {
	b.buf.WriteByte(5) // BeginPrivateObject
	b.buf.WriteByte(5) // BeginPrivateObject (type)
	b.buf.WriteByte(1) // NullReference
	b.u32(version)
	b.u32(version)
	b.u32(uint32(len(name)))
	b.buf.WriteString(name)
	b.buf.WriteByte(6) // EndObject closing the type
}

func (b *StreamBuilder) encodeCompressed(blobs []Blob) []byte {
	var body bytes.Buffer
	for _, blob := range blobs {
		body.WriteByte(blob.Flags)
		if blob.Flags&FlagMetadataID != 0 {
			writeUvarint(&body, uint64(blob.MetadataID))
		}
		if blob.Flags&FlagCaptureThreadSeq != 0 {
			writeUvarint(&body, uint64(blob.SeqDelta))
			writeUvarint(&body, blob.CaptureThreadID)
			writeUvarint(&body, uint64(blob.ProcNumber))
		}
		if blob.Flags&FlagThreadID != 0 {
			writeUvarint(&body, blob.ThreadID)
		}
		if blob.Flags&FlagStackID != 0 {
			writeUvarint(&body, uint64(blob.StackID))
		}
		writeUvarint(&body, blob.TimestampDelta)
		if blob.Flags&FlagActivityID != 0 {
			body.Write(blob.ActivityID[:])
		}
		if blob.Flags&FlagRelatedActivityID != 0 {
			body.Write(blob.RelatedActivityID[:])
		}
		if blob.Flags&FlagPayloadSize != 0 {
			writeUvarint(&body, uint64(len(blob.Payload)))
		}
		body.Write(blob.Payload)
	}
	return body.Bytes()
}

func (b *StreamBuilder) u16(v uint16) { _ = binary.Write(&b.buf, binary.LittleEndian, v) }
func (b *StreamBuilder) u32(v uint32) { _ = binary.Write(&b.buf, binary.LittleEndian, v) }
func (b *StreamBuilder) u64(v uint64) { _ = binary.Write(&b.buf, binary.LittleEndian, v) }

func writeUvarint(w *bytes.Buffer, v uint64) {
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], v)
	w.Write(tmp[:n])
}

// MetadataPayload builds the payload of one metadata definition blob.
func MetadataPayload(id uint32, provider string, eventID uint32, eventName string, keywords uint64, version, level uint32) []byte {
	var p bytes.Buffer
	_ = binary.Write(&p, binary.LittleEndian, id)
	p.Write(UTF16z(provider))
	_ = binary.Write(&p, binary.LittleEndian, eventID)
	p.Write(UTF16z(eventName))
	_ = binary.Write(&p, binary.LittleEndian, keywords)
	_ = binary.Write(&p, binary.LittleEndian, version)
	_ = binary.Write(&p, binary.LittleEndian, level)
	return p.Bytes()
}

// UTF16z encodes s as UTF-16LE with a NUL terminator.
func UTF16z(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, 2*len(units)+2)
	for _, u := range units {
		out = append(out, byte(u), byte(u>>8))
	}
	return append(out, 0, 0)
}
