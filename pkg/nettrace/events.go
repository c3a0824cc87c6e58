package nettrace

import (
	"fmt"
	"math"
)

// Well known event ids of the Microsoft-Windows-DotNETRuntime provider.
const (
	EventIDGCStart          = 1
	EventIDGCEnd            = 2
	EventIDGCRestartEEEnd   = 3
	EventIDGCSuspendEEBegin = 9
	EventIDAllocationTick   = 10
	EventIDExceptionThrown  = 80
	EventIDContentionStart  = 81
	EventIDContentionStop   = 91
)

// RuntimeProvider is the CLR runtime provider name.
const RuntimeProvider = "Microsoft-Windows-DotNETRuntime"

// TraceFields is the fixed record of capture-time metadata carried by the
// Trace object. The decoder itself only consumes PointerSize, which fixes
// the stack frame width for the rest of the stream.
type TraceFields struct {
	Year                    uint16
	Month                   uint16
	DayOfWeek               uint16
	Day                     uint16
	Hour                    uint16
	Minute                  uint16
	Second                  uint16
	Millisecond             uint16
	SyncTimeQPC             uint64
	QPCFrequency            uint64
	PointerSize             uint32
	ProcessID               uint32
	NumProcessors           uint32
	ExpectedCPUSamplingRate uint32
}

// MetadataRecord binds a metadata id to the identity of an event. Records
// are installed by metadata blobs and live for the whole session.
type MetadataRecord struct {
	MetadataID   uint32
	ProviderName string
	EventID      uint32
	EventName    string // may be empty
	Keywords     uint64
	Version      uint32
	Level        uint32
}

// Stack is a captured call stack. Frames are raw instruction addresses,
// widened to 64 bits for 32-bit captures. Empty stacks are legal.
type Stack struct {
	ID     uint32
	Frames []uint64
}

// SequencePoint is a per-thread sequence checkpoint emitted by a
// sequence-point block.
type SequencePoint struct {
	Timestamp uint64
	Threads   []ThreadSequence
}

// ThreadSequence pairs a capture thread with its sequence number at a
// sequence point.
type ThreadSequence struct {
	ThreadID       uint64
	SequenceNumber uint32
}

// Event is one decoded event blob. Payload borrows the session's block
// buffer and is only valid during the Handler callback; callers that keep
// events must copy it.
type Event struct {
	Header  EventHeader
	Meta    MetadataRecord
	Payload []byte
	// Exception is set for ExceptionThrown events of the runtime provider
	// whose payload decodes; it is nil otherwise.
	Exception *ExceptionInfo
}

// ExceptionInfo is the decoded payload of an ExceptionThrown event: the
// exception type name, the message, and the faulting instruction pointer.
// The payload tail beyond the instruction pointer stays opaque.
type ExceptionInfo struct {
	TypeName string
	Message  string
	IP       uint64
}

// AllocationTickInfo is the decoded payload of an AllocationTick event,
// emitted roughly every 100KB of allocations.
type AllocationTickInfo struct {
	AllocationAmount   uint32
	AllocationKind     uint32
	ClrInstanceID      uint16
	AllocationAmount64 uint64
	TypeID             uint64
	TypeName           string
	HeapIndex          uint32
	Address            uint64
}

// ContentionStopInfo is the decoded payload of a ContentionStop event.
type ContentionStopInfo struct {
	Flags         uint8
	ClrInstanceID uint16
	DurationNs    float64
}

// decodeException decodes the two leading strings and the instruction
// pointer of an ExceptionThrown payload. ipSize is 4 or 8 per the capture's
// pointer size.
func decodeException(payload []byte, ipSize uint32) (*ExceptionInfo, error) {
	br := newBlockReader(payload)
	typeName, _, err := br.utf16String()
	if err != nil {
		return nil, fmt.Errorf("exception type name: %w", err)
	}
	msg, _, err := br.utf16String()
	if err != nil {
		return nil, fmt.Errorf("exception message: %w", err)
	}
	info := &ExceptionInfo{TypeName: typeName, Message: msg}
	switch {
	case ipSize == 8 && br.remaining() >= 8:
		info.IP, err = br.u64()
	case br.remaining() >= 4:
		var ip32 uint32
		ip32, err = br.u32()
		info.IP = uint64(ip32)
	}
	if err != nil {
		return nil, fmt.Errorf("exception instruction pointer: %w", err)
	}
	return info, nil
}

// DecodeAllocationTick decodes an AllocationTick payload. pointerSize comes
// from the session's trace fields.
func DecodeAllocationTick(payload []byte, pointerSize uint32) (*AllocationTickInfo, error) {
	br := newBlockReader(payload)
	var info AllocationTickInfo
	var err error
	if info.AllocationAmount, err = br.u32(); err != nil {
		return nil, err
	}
	if info.AllocationKind, err = br.u32(); err != nil {
		return nil, err
	}
	if info.ClrInstanceID, err = br.u16(); err != nil {
		return nil, err
	}
	if info.AllocationAmount64, err = br.u64(); err != nil {
		return nil, err
	}
	if info.TypeID, err = br.pointer(pointerSize); err != nil {
		return nil, err
	}
	if info.TypeName, _, err = br.utf16String(); err != nil {
		return nil, err
	}
	if info.HeapIndex, err = br.u32(); err != nil {
		return nil, err
	}
	if info.Address, err = br.pointer(pointerSize); err != nil {
		return nil, err
	}
	return &info, nil
}

// DecodeContentionStop decodes a ContentionStop payload. Older runtimes do
// not include the duration; it is left zero when absent.
func DecodeContentionStop(payload []byte) (*ContentionStopInfo, error) {
	br := newBlockReader(payload)
	var info ContentionStopInfo
	flags, err := br.readByte()
	if err != nil {
		return nil, err
	}
	info.Flags = flags
	if info.ClrInstanceID, err = br.u16(); err != nil {
		return nil, err
	}
	if br.remaining() >= 8 {
		bits, err := br.u64()
		if err != nil {
			return nil, err
		}
		info.DurationNs = math.Float64frombits(bits)
	}
	return &info, nil
}

// pointer reads a 4 or 8 byte address and widens it to 64 bits.
func (b *blockReader) pointer(pointerSize uint32) (uint64, error) {
	if pointerSize == 8 {
		return b.u64()
	}
	v, err := b.u32()
	return uint64(v), err
}
