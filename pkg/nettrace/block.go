package nettrace

import "io"

// BlockHeader prefixes the body of every event and metadata block.
type BlockHeader struct {
	Size         uint16
	Flags        uint16
	MinTimestamp uint64
	MaxTimestamp uint64
}

// blockHeaderLen is the fixed on-wire prefix; Size beyond it is reserved
// space to be skipped.
const blockHeaderLen = 20

// compressed reports whether the block's blobs use compressed headers.
func (h BlockHeader) compressed() bool { return h.Flags&1 != 0 }

func (s *Session) readBlockHeader(br *blockReader) (BlockHeader, error) {
	var h BlockHeader
	var err error
	if h.Size, err = br.u16(); err != nil {
		return h, err
	}
	if h.Flags, err = br.u16(); err != nil {
		return h, err
	}
	if h.MinTimestamp, err = br.u64(); err != nil {
		return h, err
	}
	if h.MaxTimestamp, err = br.u64(); err != nil {
		return h, err
	}
	if h.Size > blockHeaderLen {
		if err := br.skip(uint32(h.Size) - blockHeaderLen); err != nil {
			return h, err
		}
	}
	return h, nil
}

// parseMetadataBlock installs every metadata blob of the block into the
// session's metadata table, overwriting prior bindings with the same id.
func (s *Session) parseMetadataBlock(body []byte) error {
	br := newBlockReader(body)
	bh, err := s.readBlockHeader(br)
	if err != nil {
		return err
	}
	var last EventHeader
	// The producer may count the trailing EndObject tag into the block size;
	// a single leftover byte therefore means the block is done.
	for br.remaining() > 1 {
		h, err := s.readBlobHeader(br, bh, &last)
		if err != nil {
			return err
		}
		payload, err := br.take(h.PayloadSize)
		if err != nil {
			return err
		}
		rec, err := parseMetadataPayload(payload)
		if err != nil {
			return err
		}
		s.metadata[rec.MetadataID] = rec
		s.log.Debug().
			Str("provider", rec.ProviderName).
			Str("event", rec.EventName).
			Uint32("id", rec.MetadataID).
			Uint32("eventId", rec.EventID).
			Msg("metadata definition")
	}
	return nil
}

// parseMetadataPayload decodes the fixed fields of a metadata definition.
// Trailing bytes beyond the known fields (parameter descriptions, V2 tags)
// are ignored.
func parseMetadataPayload(payload []byte) (MetadataRecord, error) {
	br := newBlockReader(payload)
	var rec MetadataRecord
	var err error
	if rec.MetadataID, err = br.u32(); err != nil {
		return rec, err
	}
	if rec.ProviderName, _, err = br.utf16String(); err != nil {
		return rec, err
	}
	if rec.EventID, err = br.u32(); err != nil {
		return rec, err
	}
	if rec.EventName, _, err = br.utf16String(); err != nil {
		return rec, err
	}
	if rec.Keywords, err = br.u64(); err != nil {
		return rec, err
	}
	if rec.Version, err = br.u32(); err != nil {
		return rec, err
	}
	if rec.Level, err = br.u32(); err != nil {
		return rec, err
	}
	return rec, nil
}

// parseEventBlock decodes every event blob of the block, resolves it against
// the metadata table and hands it to the session handler. Events whose
// metadata id is unbound are skipped by payload length with a diagnostic:
// the stream itself is still consistent, so decoding continues. Likewise an
// ExceptionThrown payload that does not decode is delivered without
// Exception set.
func (s *Session) parseEventBlock(body []byte) error {
	br := newBlockReader(body)
	bh, err := s.readBlockHeader(br)
	if err != nil {
		return err
	}
	var last EventHeader
	for br.remaining() > 1 {
		h, err := s.readBlobHeader(br, bh, &last)
		if err != nil {
			return err
		}
		payload, err := br.take(h.PayloadSize)
		if err != nil {
			return err
		}

		s.trackSequence(h)

		meta, ok := s.metadata[h.MetadataID]
		if !ok || h.MetadataID == 0 {
			s.unboundEvents++
			s.log.Warn().
				Uint32("metadataId", h.MetadataID).
				Uint32("sequence", h.SequenceNumber).
				Msg("event references unbound metadata id, skipping payload")
			continue
		}

		ev := Event{Header: h, Meta: meta, Payload: payload}
		if meta.ProviderName == RuntimeProvider && meta.EventID == EventIDExceptionThrown {
			// The payload is bounded by PayloadSize, so one that does not
			// decode as an exception is delivered opaque instead of
			// failing the stream.
			info, err := decodeException(payload, s.trace.PointerSize)
			if err != nil {
				s.log.Warn().
					Err(err).
					Uint32("sequence", h.SequenceNumber).
					Msg("undecodable ExceptionThrown payload, delivering it opaque")
			} else {
				ev.Exception = info
			}
		}
		if err := s.handler.HandleEvent(&ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) readBlobHeader(br *blockReader, bh BlockHeader, last *EventHeader) (EventHeader, error) {
	if bh.compressed() {
		return br.readCompressedHeader(last)
	}
	return br.readUncompressedHeader()
}

// trackSequence records the last sequence number per capture thread and
// flags regressions, which indicate dropped events or a confused producer.
func (s *Session) trackSequence(h EventHeader) {
	if h.CaptureThreadID == 0 && h.SequenceNumber == 0 {
		return
	}
	if prev, ok := s.threads[h.CaptureThreadID]; ok && h.SequenceNumber <= prev {
		s.log.Warn().
			Uint64("captureThread", h.CaptureThreadID).
			Uint32("prev", prev).
			Uint32("got", h.SequenceNumber).
			Msg("sequence number did not increase")
	}
	s.threads[h.CaptureThreadID] = h.SequenceNumber
}

// parseStackBlock installs Count stacks with ids FirstId..FirstId+Count-1.
// Frame width follows the capture's pointer size; a zero length stack is a
// legal record with no frames.
func (s *Session) parseStackBlock(body []byte) error {
	br := newBlockReader(body)
	firstID, err := br.u32()
	if err != nil {
		return err
	}
	count, err := br.u32()
	if err != nil {
		return err
	}
	width := uint32(8)
	if s.trace.PointerSize == 4 {
		width = 4
	}
	for k := uint32(0); k < count; k++ {
		size, err := br.u32()
		if err != nil {
			return err
		}
		if int(size) > br.remaining() {
			return io.ErrUnexpectedEOF
		}
		frameCount := size / width
		stack := Stack{ID: firstID + k}
		if frameCount > 0 {
			stack.Frames = make([]uint64, 0, frameCount)
		}
		for f := uint32(0); f < frameCount; f++ {
			addr, err := br.pointer(width)
			if err != nil {
				return err
			}
			stack.Frames = append(stack.Frames, addr)
		}
		s.stacks[stack.ID] = stack
	}
	return nil
}

// parseSequencePointBlock decodes the per-thread sequence checkpoints. The
// decoder itself only resets its thread tracking; consumers that care get
// the parsed block through the session's sequence point callback.
func (s *Session) parseSequencePointBlock(body []byte) error {
	br := newBlockReader(body)
	var sp SequencePoint
	var err error
	if sp.Timestamp, err = br.u64(); err != nil {
		return err
	}
	count, err := br.u32()
	if err != nil {
		return err
	}
	if int(count) > br.remaining()/12 {
		return io.ErrUnexpectedEOF
	}
	sp.Threads = make([]ThreadSequence, 0, count)
	for i := uint32(0); i < count; i++ {
		var ts ThreadSequence
		if ts.ThreadID, err = br.u64(); err != nil {
			return err
		}
		if ts.SequenceNumber, err = br.u32(); err != nil {
			return err
		}
		sp.Threads = append(sp.Threads, ts)
		s.threads[ts.ThreadID] = ts.SequenceNumber
	}
	if s.onSeqPoint != nil {
		s.onSeqPoint(sp)
	}
	return nil
}
