package dotnetipc

import "io"

// RecordingStream tees every byte read from a live session stream into a
// writer, producing a capture file that ReplayStream can serve later. The
// recording sees exactly the bytes the decoder saw, in order.
type RecordingStream struct {
	src io.ReadCloser
	tee io.Writer
}

// NewRecordingStream wraps src so reads are mirrored to w.
func NewRecordingStream(src io.ReadCloser, w io.Writer) *RecordingStream {
	return &RecordingStream{src: src, tee: w}
}

func (r *RecordingStream) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		if _, werr := r.tee.Write(p[:n]); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (r *RecordingStream) Close() error { return r.src.Close() }

// ReplayStream serves a recorded capture as if it were a live session
// stream. Writes are accepted and discarded so code that issues stop
// commands works unchanged against a replay.
type ReplayStream struct {
	src io.ReadCloser
}

// NewReplayStream wraps a recorded capture.
func NewReplayStream(src io.ReadCloser) *ReplayStream {
	return &ReplayStream{src: src}
}

func (r *ReplayStream) Read(p []byte) (int, error)  { return r.src.Read(p) }
func (r *ReplayStream) Write(p []byte) (int, error) { return len(p), nil }
func (r *ReplayStream) Close() error                { return r.src.Close() }
