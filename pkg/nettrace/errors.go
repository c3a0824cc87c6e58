package nettrace

import (
	"errors"
	"fmt"
)

// Error kinds reported by the decoder. All of them except ErrStopped are
// fatal: once one is returned the session cannot be resumed because block
// boundaries are no longer recoverable from the stream.
var (
	// ErrBadMagic means the stream did not start with the expected
	// "Nettrace" / "!FastSerialization.1" prefix.
	ErrBadMagic = errors.New("bad stream magic")
	// ErrBadFastSerialization means the FastSerialization version string
	// after the magic was not the supported one.
	ErrBadFastSerialization = errors.New("unsupported FastSerialization version")
	// ErrUnknownObject means an object header carried unexpected tags or an
	// unrecognized type name.
	ErrUnknownObject = errors.New("unknown object")
	// ErrUnsupportedBlockVersion means a block object declared a version the
	// decoder does not understand.
	ErrUnsupportedBlockVersion = errors.New("unsupported block version")
	// ErrMissingEndObject means an EndObject tag was expected but absent.
	ErrMissingEndObject = errors.New("missing EndObject tag")
	// ErrMalformedVarint means a varint used more groups than its type allows.
	ErrMalformedVarint = errors.New("malformed varint")
	// ErrBlockTooLarge means a block exceeded the block buffer ceiling.
	ErrBlockTooLarge = errors.New("block too large")
	// ErrUnexpectedEOF means the transport ended mid-structure.
	ErrUnexpectedEOF = errors.New("unexpected end of stream")
	// ErrStopped reports cooperative termination after Stop. It is a
	// termination reason, not a failure: the stream was valid up to the last
	// fully decoded object.
	ErrStopped = errors.New("stop requested")
)

// DecodeError wraps an error kind with the logical stream position at which
// it was detected.
type DecodeError struct {
	Kind error  // one of the sentinel kinds above
	Pos  uint64 // logical byte offset from the start of the stream
	Err  error  // underlying cause, may be nil
	Msg  string // extra context, may be empty
}

func (e *DecodeError) Error() string {
	s := fmt.Sprintf("nettrace: %s at offset %d", e.Kind, e.Pos)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func errAt(kind error, pos uint64, format string, args ...any) error {
	return &DecodeError{Kind: kind, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func wrapAt(kind error, pos uint64, cause error) error {
	return &DecodeError{Kind: kind, Pos: pos, Err: cause}
}
