package pprof

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/require"

	"github.com/dotnetrace/dotnetrace/pkg/nettrace/nettracetest"
)

func allocPayload(amount64 uint64, typeName string) []byte {
	var p bytes.Buffer
	w := func(v any) { _ = binary.Write(&p, binary.LittleEndian, v) }
	w(uint32(amount64)) // AllocationAmount
	w(uint32(0))        // AllocationKind
	w(uint16(1))        // ClrInstanceID
	w(amount64)         // AllocationAmount64
	w(uint64(0x1234))   // TypeID
	p.Write(nettracetest.UTF16z(typeName))
	w(uint32(0))      // HeapIndex
	w(uint64(0xbeef)) // Address
	return p.Bytes()
}

func TestConvert(t *testing.T) {
	data := nettracetest.NewStream(nettracetest.TraceInfo{
		PointerSize:  8,
		QPCFrequency: 1_000_000,
	}).
		MetadataBlock(nettracetest.Blob{
			Flags: nettracetest.FlagPayloadSize,
			Payload: nettracetest.MetadataPayload(
				1, "Microsoft-Windows-DotNETRuntime", 10, "AllocationTick", 0x1, 4, 5),
		}).
		StackBlock(1, []uint64{0x1000, 0x2000}).
		EventBlock(
			nettracetest.Blob{
				Flags: nettracetest.FlagMetadataID | nettracetest.FlagStackID |
					nettracetest.FlagPayloadSize,
				MetadataID:     1,
				StackID:        1,
				TimestampDelta: 100,
				Payload:        allocPayload(102400, "System.String"),
			},
			nettracetest.Blob{
				Flags:          nettracetest.FlagMetadataID | nettracetest.FlagPayloadSize,
				MetadataID:     1,
				StackID:        0, // carried StackID 1 still applies
				TimestampDelta: 100,
				Payload:        allocPayload(51200, "System.String"),
			},
		).
		End().Bytes()

	var out bytes.Buffer
	require.NoError(t, Convert(bytes.NewReader(data), &out, Options{}))

	p, err := profile.Parse(&out)
	require.NoError(t, err)
	require.NoError(t, p.CheckValid())

	require.Len(t, p.SampleType, 2)
	require.Equal(t, "alloc_objects", p.SampleType[0].Type)
	require.Equal(t, "alloc_space", p.SampleType[1].Type)

	// Both events share the stack and type: one aggregated sample.
	require.Len(t, p.Sample, 1)
	require.Equal(t, int64(2), p.Sample[0].Value[0])
	require.Equal(t, int64(153600), p.Sample[0].Value[1])
	require.Equal(t, []string{"System.String"}, p.Sample[0].Label["type"])

	require.Len(t, p.Sample[0].Location, 2)
	require.Equal(t, uint64(0x1000), p.Sample[0].Location[0].Address)
	require.Equal(t, uint64(0x2000), p.Sample[0].Location[1].Address)
}

func TestConvertSampleRate(t *testing.T) {
	data := nettracetest.NewStream(nettracetest.TraceInfo{PointerSize: 8}).
		MetadataBlock(nettracetest.Blob{
			Flags: nettracetest.FlagPayloadSize,
			Payload: nettracetest.MetadataPayload(
				1, "Microsoft-Windows-DotNETRuntime", 10, "AllocationTick", 0x1, 4, 5),
		}).
		EventBlock(nettracetest.Blob{
			Flags:      nettracetest.FlagMetadataID | nettracetest.FlagPayloadSize,
			MetadataID: 1,
			Payload:    allocPayload(1000, "T"),
		}).
		End().Bytes()

	var out bytes.Buffer
	require.NoError(t, Convert(bytes.NewReader(data), &out, Options{SampleRate: 10}))

	p, err := profile.Parse(&out)
	require.NoError(t, err)
	require.Equal(t, int64(100), p.Sample[0].Value[1])
}
