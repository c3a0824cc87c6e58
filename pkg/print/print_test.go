package print

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/gkampitakis/go-snaps/snaps"
	"github.com/stretchr/testify/require"

	"github.com/dotnetrace/dotnetrace/pkg/dotnetipc"
	"github.com/dotnetrace/dotnetrace/pkg/nettrace/nettracetest"
)

// testStream builds a small capture with one exception event and one opaque
// event riding on a resolved stack.
func testStream(t *testing.T) []byte {
	t.Helper()

	exPayload := nettracetest.UTF16z("System.InvalidOperationException")
	exPayload = append(exPayload, nettracetest.UTF16z("nope")...)
	ip := make([]byte, 8)
	binary.LittleEndian.PutUint64(ip, 0x7ffe1234)
	exPayload = append(exPayload, ip...)

	return nettracetest.NewStream(nettracetest.TraceInfo{
		PointerSize:  8,
		ProcessID:    1000,
		QPCFrequency: 1_000_000_000,
	}).
		MetadataBlock(
			nettracetest.Blob{
				Flags: nettracetest.FlagPayloadSize,
				Payload: nettracetest.MetadataPayload(
					1, "Microsoft-Windows-DotNETRuntime", 80, "Exception", 0x8000, 1, 2),
			},
			nettracetest.Blob{
				Flags: nettracetest.FlagPayloadSize,
				Payload: nettracetest.MetadataPayload(
					2, "Microsoft-Windows-DotNETRuntime", 81, "ContentionStart", 0x4000, 1, 4),
			},
		).
		StackBlock(1, []uint64{0xDEADBEEF, 0xCAFEBABE}).
		EventBlock(
			nettracetest.Blob{
				Flags: nettracetest.FlagMetadataID | nettracetest.FlagThreadID |
					nettracetest.FlagPayloadSize,
				MetadataID:     1,
				ThreadID:       42,
				TimestampDelta: 2_000_000_000,
				Payload:        exPayload,
			},
			nettracetest.Blob{
				Flags: nettracetest.FlagMetadataID | nettracetest.FlagStackID |
					nettracetest.FlagPayloadSize,
				MetadataID:     2,
				StackID:        1,
				TimestampDelta: 500_000_000,
				Payload:        []byte{1, 0, 1, 0},
			},
		).
		End().Bytes()
}

func TestEvents(t *testing.T) {
	var out bytes.Buffer
	err := Events(bytes.NewReader(testStream(t)), &out, DefaultEventFilter())
	require.NoError(t, err)
	snaps.MatchSnapshot(t, out.String())
}

func TestEventsVerbosePrintsStacks(t *testing.T) {
	filter := DefaultEventFilter()
	filter.Verbose = true

	var out bytes.Buffer
	err := Events(bytes.NewReader(testStream(t)), &out, filter)
	require.NoError(t, err)
	require.Contains(t, out.String(), "0xdeadbeef")
	require.Contains(t, out.String(), "0xcafebabe")
}

func TestEventsFilterByEventID(t *testing.T) {
	filter := DefaultEventFilter()
	filter.EventID = 80

	var out bytes.Buffer
	err := Events(bytes.NewReader(testStream(t)), &out, filter)
	require.NoError(t, err)
	require.Contains(t, out.String(), "Exception")
	require.NotContains(t, out.String(), "ContentionStart")
}

// TestRecordedCaptureMatchesLive decodes the same stream once "live" while
// recording it, then again from the recorded capture, and requires
// identical output.
func TestRecordedCaptureMatchesLive(t *testing.T) {
	data := testStream(t)

	var capture bytes.Buffer
	rec := dotnetipc.NewRecordingStream(io.NopCloser(bytes.NewReader(data)), &capture)

	var live bytes.Buffer
	require.NoError(t, Events(rec, &live, DefaultEventFilter()))
	require.Equal(t, data, capture.Bytes())

	var replayed bytes.Buffer
	rp := dotnetipc.NewReplayStream(io.NopCloser(bytes.NewReader(capture.Bytes())))
	require.NoError(t, Events(rp, &replayed, DefaultEventFilter()))

	require.NotEmpty(t, live.String())
	require.Equal(t, live.String(), replayed.String())
}

func TestEventsFilterByThread(t *testing.T) {
	filter := DefaultEventFilter()
	filter.ThreadID = 7 // matches nothing

	var out bytes.Buffer
	err := Events(bytes.NewReader(testStream(t)), &out, filter)
	require.NoError(t, err)
	require.Empty(t, out.String())
}
