package gcpause

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dotnetrace/dotnetrace/pkg/nettrace/nettracetest"
)

func gcStream(blobs ...nettracetest.Blob) []byte {
	return nettracetest.NewStream(nettracetest.TraceInfo{
		PointerSize:  8,
		QPCFrequency: 1_000_000, // 1 tick == 1us
	}).
		MetadataBlock(
			nettracetest.Blob{
				Flags: nettracetest.FlagPayloadSize,
				Payload: nettracetest.MetadataPayload(
					1, "Microsoft-Windows-DotNETRuntime", 9, "GCSuspendEEBegin", 0x1, 1, 4),
			},
			nettracetest.Blob{
				Flags: nettracetest.FlagPayloadSize,
				Payload: nettracetest.MetadataPayload(
					2, "Microsoft-Windows-DotNETRuntime", 3, "GCRestartEEEnd", 0x1, 1, 4),
			},
		).
		EventBlock(blobs...).
		End().Bytes()
}

func blob(metadataID uint32, tsDelta uint64) nettracetest.Blob {
	return nettracetest.Blob{
		Flags:          nettracetest.FlagMetadataID | nettracetest.FlagPayloadSize,
		MetadataID:     metadataID,
		TimestampDelta: tsDelta,
	}
}

func TestEvents(t *testing.T) {
	data := gcStream(
		blob(1, 1000), // suspend at 1000us
		blob(2, 500),  // restart at 1500us
		blob(1, 8500), // suspend at 10000us
		blob(2, 2000), // restart at 12000us
	)

	pauses, err := Events(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, pauses, 2)

	require.Equal(t, 1000*time.Microsecond, pauses[0].Start)
	require.Equal(t, 500*time.Microsecond, pauses[0].Duration())
	require.Equal(t, 10000*time.Microsecond, pauses[1].Start)
	require.Equal(t, 2000*time.Microsecond, pauses[1].Duration())
}

func TestEventsDropsOpenPause(t *testing.T) {
	data := gcStream(
		blob(1, 1000),
		blob(2, 500),
		blob(1, 100), // suspend never restarted before capture end
	)

	pauses, err := Events(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, pauses, 1)
}

func TestEventsRejectsDoubleSuspend(t *testing.T) {
	data := gcStream(
		blob(1, 1000),
		blob(1, 100),
	)
	_, err := Events(bytes.NewReader(data))
	require.ErrorContains(t, err, "already suspended")
}

func TestEventsRejectsRestartWithoutSuspend(t *testing.T) {
	data := gcStream(blob(2, 1000))
	_, err := Events(bytes.NewReader(data))
	require.ErrorContains(t, err, "not suspended")
}
