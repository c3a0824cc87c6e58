// Package nettrace decodes the .NET runtime's nettrace event stream as
// delivered by an EventPipe session over the diagnostics IPC channel.
//
// The decoder is single threaded and blocking: it consumes a byte oriented
// transport, frames FastSerialization objects, and publishes decoded events
// in stream order through a Handler. The only cross thread interaction is
// Stop, which requests cooperative termination at the next object boundary.
package nettrace

import (
	"bytes"
	"errors"
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Magic constants opening every nettrace stream.
var (
	magicNettrace = []byte("Nettrace")
	magicFastSer  = []byte("!FastSerialization.1")
)

const traceObjectVersion = 4
const blockObjectVersion = 2

// Handler receives decoded events in stream order. Returning an error
// aborts the session with that error. The event and its payload are only
// valid for the duration of the call.
type Handler interface {
	HandleEvent(*Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(*Event) error

func (f HandlerFunc) HandleEvent(ev *Event) error { return f(ev) }

// Session decodes one nettrace stream. It owns all decode state: the
// metadata table, the stack table, per thread sequence numbers, the reusable
// block buffer, and the logical stream position. A Session must not be
// reused across streams.
type Session struct {
	rd      *reader
	log     zerolog.Logger
	handler Handler

	blockBuf []byte
	metadata map[uint32]MetadataRecord
	stacks   map[uint32]Stack
	threads  map[uint64]uint32

	trace      TraceFields
	onSeqPoint func(SequencePoint)

	unboundEvents uint64
	stop          atomic.Bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger directs session diagnostics to l. The default logger is
// disabled: the decoder stays silent unless the caller opts in.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithSequencePoints registers a callback for decoded sequence point blocks.
func WithSequencePoints(fn func(SequencePoint)) Option {
	return func(s *Session) { s.onSeqPoint = fn }
}

// NewSession returns a session decoding the nettrace stream read from r.
// r is typically the IPC connection on which a start-session command was
// answered, positioned at the first byte of "Nettrace".
func NewSession(r io.Reader, opts ...Option) *Session {
	s := &Session{
		rd:       newReader(r),
		log:      zerolog.Nop(),
		blockBuf: make([]byte, defaultBlockBufferSize),
		metadata: make(map[uint32]MetadataRecord),
		stacks:   make(map[uint32]Stack),
		threads:  make(map[uint64]uint32),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stop requests cooperative termination. It is safe to call from another
// goroutine; the decoder observes it between objects, so the object being
// decoded completes (or fails) normally first. Stopping does not unblock a
// read that is already waiting on the transport: close the transport if
// termination must be timely.
func (s *Session) Stop() { s.stop.Store(true) }

// Position returns the logical stream position: the count of bytes consumed
// since the 'N' of "Nettrace".
func (s *Session) Position() uint64 { return s.rd.position() }

// TraceFields returns the capture-time metadata of the Trace object. Zero
// until Listen has consumed the stream prefix.
func (s *Session) TraceFields() TraceFields { return s.trace }

// Metadata resolves a metadata id installed earlier in the session.
func (s *Session) Metadata(id uint32) (MetadataRecord, bool) {
	rec, ok := s.metadata[id]
	return rec, ok
}

// Stack resolves a stack id installed earlier in the session.
func (s *Session) Stack(id uint32) (Stack, bool) {
	st, ok := s.stacks[id]
	return st, ok
}

// Stacks returns the stack table.
func (s *Session) Stacks() map[uint32]Stack { return s.stacks }

// UnboundEvents counts events skipped because their metadata id had no
// binding at emission time.
func (s *Session) UnboundEvents() uint64 { return s.unboundEvents }

// Listen decodes the stream until end of stream, a decode error, or a
// cooperative stop. It returns nil when the producer closed the stream at
// an object boundary and ErrStopped after Stop; both are orderly endings.
// Decoded events are delivered to h in stream order, without buffering.
func (s *Session) Listen(h Handler) error {
	s.handler = h
	if s.stop.Load() {
		return wrapAt(ErrStopped, s.rd.position(), nil)
	}
	if err := s.readMagic(); err != nil {
		return err
	}
	if err := s.readTraceObject(); err != nil {
		return err
	}
	for {
		if s.stop.Load() {
			return wrapAt(ErrStopped, s.rd.position(), nil)
		}
		hdr, err := s.nextObjectHeader()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.decodeObject(hdr); err != nil {
			return err
		}
	}
}

func (s *Session) decodeObject(hdr objectHeader) error {
	if hdr.Kind == ObjectTrace {
		return errAt(ErrUnknownObject, s.rd.position(), "unexpected second Trace object")
	}
	if hdr.Version != blockObjectVersion || hdr.MinReaderVersion != blockObjectVersion {
		return errAt(ErrUnsupportedBlockVersion, s.rd.position(),
			"%s version %d min reader %d", hdr.Kind, hdr.Version, hdr.MinReaderVersion)
	}
	body, origin, err := s.extractBlock()
	if err != nil {
		return err
	}
	s.log.Debug().
		Stringer("kind", hdr.Kind).
		Int("size", len(body)).
		Uint64("origin", origin).
		Msg("block")

	switch hdr.Kind {
	case ObjectEventBlock:
		err = s.parseEventBlock(body)
	case ObjectMetadataBlock:
		err = s.parseMetadataBlock(body)
	case ObjectStackBlock:
		err = s.parseStackBlock(body)
	case ObjectSequencePointBlock:
		err = s.parseSequencePointBlock(body)
	}
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			// Block parsers report positions relative to the block body;
			// translate to the stream origin.
			if de.Pos < origin {
				de.Pos += origin
			}
			return err
		}
		return wrapAt(ErrUnexpectedEOF, origin, err)
	}
	return nil
}

func (s *Session) readMagic() error {
	var buf [8]byte
	if err := s.rd.readFull(buf[:]); err != nil {
		return wrapAt(ErrUnexpectedEOF, s.rd.position(), err)
	}
	if !bytes.Equal(buf[:], magicNettrace) {
		return errAt(ErrBadMagic, 0, "got %q", buf[:])
	}
	n, err := s.rd.u32()
	if err != nil {
		return wrapAt(ErrUnexpectedEOF, s.rd.position(), err)
	}
	if n != uint32(len(magicFastSer)) {
		return errAt(ErrBadFastSerialization, s.rd.position(), "version string length %d", n)
	}
	ver := make([]byte, n)
	if err := s.rd.readFull(ver); err != nil {
		return wrapAt(ErrUnexpectedEOF, s.rd.position(), err)
	}
	if !bytes.Equal(ver, magicFastSer) {
		return errAt(ErrBadFastSerialization, s.rd.position(), "got %q", ver)
	}
	return nil
}

// readTraceObject consumes the Trace object header, its 48 byte fixed field
// record, and the closing EndObject tag.
func (s *Session) readTraceObject() error {
	hdr, err := s.nextObjectHeader()
	if errors.Is(err, io.EOF) {
		return wrapAt(ErrUnexpectedEOF, s.rd.position(), io.ErrUnexpectedEOF)
	}
	if err != nil {
		return err
	}
	if hdr.Kind != ObjectTrace {
		return errAt(ErrUnknownObject, s.rd.position(), "expected Trace object, got %s", hdr.Kind)
	}
	if hdr.Version != traceObjectVersion || hdr.MinReaderVersion != traceObjectVersion {
		return errAt(ErrUnsupportedBlockVersion, s.rd.position(),
			"Trace version %d min reader %d", hdr.Version, hdr.MinReaderVersion)
	}

	fields := []*uint16{
		&s.trace.Year, &s.trace.Month, &s.trace.DayOfWeek, &s.trace.Day,
		&s.trace.Hour, &s.trace.Minute, &s.trace.Second, &s.trace.Millisecond,
	}
	for _, f := range fields {
		if *f, err = s.rd.u16(); err != nil {
			return wrapAt(ErrUnexpectedEOF, s.rd.position(), err)
		}
	}
	if s.trace.SyncTimeQPC, err = s.rd.u64(); err != nil {
		return wrapAt(ErrUnexpectedEOF, s.rd.position(), err)
	}
	if s.trace.QPCFrequency, err = s.rd.u64(); err != nil {
		return wrapAt(ErrUnexpectedEOF, s.rd.position(), err)
	}
	if s.trace.PointerSize, err = s.rd.u32(); err != nil {
		return wrapAt(ErrUnexpectedEOF, s.rd.position(), err)
	}
	if s.trace.ProcessID, err = s.rd.u32(); err != nil {
		return wrapAt(ErrUnexpectedEOF, s.rd.position(), err)
	}
	if s.trace.NumProcessors, err = s.rd.u32(); err != nil {
		return wrapAt(ErrUnexpectedEOF, s.rd.position(), err)
	}
	if s.trace.ExpectedCPUSamplingRate, err = s.rd.u32(); err != nil {
		return wrapAt(ErrUnexpectedEOF, s.rd.position(), err)
	}
	if err := s.expectEndObject(); err != nil {
		return err
	}
	s.log.Info().
		Uint32("pid", s.trace.ProcessID).
		Uint32("pointerSize", s.trace.PointerSize).
		Uint64("qpcFrequency", s.trace.QPCFrequency).
		Msg("trace stream opened")
	return nil
}
