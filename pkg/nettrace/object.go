package nettrace

import (
	"errors"
	"io"
)

// tag is a FastSerialization stream tag. Only NullReference,
// BeginPrivateObject and EndObject are used structurally by the nettrace
// format; the remaining values exist so opaque regions containing them can be
// named in diagnostics.
type tag byte

const (
	tagError              tag = 0
	tagNullReference      tag = 1
	tagObjectReference    tag = 2
	tagForwardReference   tag = 3
	tagBeginObject        tag = 4
	tagBeginPrivateObject tag = 5
	tagEndObject          tag = 6
	tagForwardDefinition  tag = 7
	tagByte               tag = 8
	tagInt16              tag = 9
	tagInt32              tag = 10
	tagInt64              tag = 11
	tagSkipRegion         tag = 12
	tagString             tag = 13
	tagBlob               tag = 14
	tagLimit              tag = 15
)

// ObjectKind identifies a serialized object by its type name.
type ObjectKind int

const (
	ObjectUnknown ObjectKind = iota
	ObjectTrace
	ObjectEventBlock
	ObjectMetadataBlock
	ObjectStackBlock
	ObjectSequencePointBlock
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectTrace:
		return "Trace"
	case ObjectEventBlock:
		return "EventBlock"
	case ObjectMetadataBlock:
		return "MetadataBlock"
	case ObjectStackBlock:
		return "StackBlock"
	case ObjectSequencePointBlock:
		return "SPBlock"
	default:
		return "Unknown"
	}
}

// objectHeader is the decoded form of the seven-field object header that
// precedes every serialized object.
type objectHeader struct {
	Kind             ObjectKind
	Version          uint32
	MinReaderVersion uint32
}

// kindByName maps (name length, name) to the object kind. Any other name is
// fatal: block sizes of unknown objects cannot be recovered.
func kindByName(name string) ObjectKind {
	switch name {
	case "Trace":
		return ObjectTrace
	case "EventBlock":
		return ObjectEventBlock
	case "MetadataBlock":
		return ObjectMetadataBlock
	case "StackBlock":
		return ObjectStackBlock
	case "SPBlock":
		return ObjectSequencePointBlock
	default:
		return ObjectUnknown
	}
}

const (
	// defaultBlockBufferSize is the initial capacity of the reusable block
	// buffer. maxBlockBufferSize is the hard ceiling: blocks larger than this
	// terminate the session with ErrBlockTooLarge.
	defaultBlockBufferSize = 64 << 10
	maxBlockBufferSize     = 8 * defaultBlockBufferSize
)

// nextObjectHeader frames the next object. It returns io.EOF when the stream
// ends cleanly at an object boundary, which includes an explicit top level
// EndObject or NullReference tag.
func (s *Session) nextObjectHeader() (objectHeader, error) {
	var hdr objectHeader

	first, err := s.rd.readByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return hdr, io.EOF
		}
		return hdr, wrapAt(ErrUnexpectedEOF, s.rd.position(), err)
	}
	switch tag(first) {
	case tagEndObject, tagNullReference:
		// Top level terminator: the producer closed the stream.
		return hdr, io.EOF
	case tagBeginPrivateObject:
	default:
		return hdr, errAt(ErrUnknownObject, s.rd.position()-1, "unexpected tag 0x%02x at object boundary", first)
	}

	typeTag, err := s.rd.readByte()
	if err != nil {
		return hdr, wrapAt(ErrUnexpectedEOF, s.rd.position(), err)
	}
	if tag(typeTag) != tagBeginPrivateObject {
		return hdr, errAt(ErrUnknownObject, s.rd.position()-1, "expected BeginPrivateObject type tag, got 0x%02x", typeTag)
	}
	nullTag, err := s.rd.readByte()
	if err != nil {
		return hdr, wrapAt(ErrUnexpectedEOF, s.rd.position(), err)
	}
	if tag(nullTag) != tagNullReference {
		return hdr, errAt(ErrUnknownObject, s.rd.position()-1, "expected NullReference tag, got 0x%02x", nullTag)
	}

	if hdr.Version, err = s.rd.u32(); err != nil {
		return hdr, wrapAt(ErrUnexpectedEOF, s.rd.position(), err)
	}
	if hdr.MinReaderVersion, err = s.rd.u32(); err != nil {
		return hdr, wrapAt(ErrUnexpectedEOF, s.rd.position(), err)
	}
	nameLen, err := s.rd.u32()
	if err != nil {
		return hdr, wrapAt(ErrUnexpectedEOF, s.rd.position(), err)
	}
	if nameLen > 64 {
		// No object type name comes close to this. Refuse before allocating.
		return hdr, errAt(ErrUnknownObject, s.rd.position(), "object name length %d", nameLen)
	}
	name := make([]byte, nameLen)
	if err := s.rd.readFull(name); err != nil {
		return hdr, wrapAt(ErrUnexpectedEOF, s.rd.position(), err)
	}
	hdr.Kind = kindByName(string(name))
	if hdr.Kind == ObjectUnknown {
		return hdr, errAt(ErrUnknownObject, s.rd.position(), "object type %q", name)
	}

	if err := s.expectEndObject(); err != nil {
		return hdr, err
	}
	return hdr, nil
}

func (s *Session) expectEndObject() error {
	b, err := s.rd.readByte()
	if err != nil {
		return wrapAt(ErrUnexpectedEOF, s.rd.position(), err)
	}
	if tag(b) != tagEndObject {
		return errAt(ErrMissingEndObject, s.rd.position()-1, "got tag 0x%02x", b)
	}
	return nil
}

// extractBlock reads a block object body into the reusable block buffer:
// a u32 size, padding to the next 4-byte stream boundary, the body itself,
// and a trailing EndObject tag which is validated but not part of the
// returned slice. The slice is valid until the next extractBlock call.
func (s *Session) extractBlock() (body []byte, originInStream uint64, err error) {
	size, err := s.rd.u32()
	if err != nil {
		return nil, 0, wrapAt(ErrUnexpectedEOF, s.rd.position(), err)
	}
	if size > maxBlockBufferSize {
		return nil, 0, errAt(ErrBlockTooLarge, s.rd.position(), "block of %d bytes exceeds %d byte ceiling", size, maxBlockBufferSize)
	}
	if err := s.rd.align4(); err != nil {
		return nil, 0, wrapAt(ErrUnexpectedEOF, s.rd.position(), err)
	}
	if uint32(cap(s.blockBuf)) < size {
		s.blockBuf = make([]byte, size)
	}
	origin := s.rd.position()
	buf := s.blockBuf[:size]
	if err := s.rd.readFull(buf); err != nil {
		return nil, 0, wrapAt(ErrUnexpectedEOF, s.rd.position(), err)
	}
	if err := s.expectEndObject(); err != nil {
		return nil, 0, err
	}
	return buf, origin, nil
}
