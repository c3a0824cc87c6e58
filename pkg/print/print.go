// Package print renders decoded CLR events as text, one line per event.
package print

import (
	"fmt"
	"io"
	"time"

	"github.com/dotnetrace/dotnetrace/pkg/nettrace"
)

// DefaultEventFilter returns a filter that matches all events.
func DefaultEventFilter() EventFilter {
	return EventFilter{EventID: -1, ThreadID: -1}
}

// EventFilter is used to filter events.
type EventFilter struct {
	// Provider prints only events of this provider. Empty matches all.
	Provider string
	// EventID prints only events with this id. -1 matches all.
	EventID int64
	// ThreadID prints only events of this thread. -1 matches all.
	ThreadID int64
	// Verbose prints resolved stacks under each event.
	Verbose bool
}

// Events decodes the stream in r and prints all events matching the filter
// to w.
func Events(r io.Reader, w io.Writer, filter EventFilter) error {
	s := nettrace.NewSession(r)
	return s.Listen(NewPrinter(s, w, filter))
}

// Printer is a nettrace.Handler that renders matching events to a writer.
// It resolves stacks against the session it was built for.
type Printer struct {
	s      *nettrace.Session
	w      io.Writer
	filter EventFilter
}

func NewPrinter(s *nettrace.Session, w io.Writer, filter EventFilter) *Printer {
	return &Printer{s: s, w: w, filter: filter}
}

func (p *Printer) HandleEvent(ev *nettrace.Event) error {
	if !match(ev, p.filter) {
		return nil
	}
	printEvent(p.w, p.s, ev)
	if p.filter.Verbose && ev.Header.StackID != 0 {
		if st, ok := p.s.Stack(ev.Header.StackID); ok {
			printStack(p.w, st)
		}
	}
	return nil
}

func match(ev *nettrace.Event, f EventFilter) bool {
	if f.Provider != "" && ev.Meta.ProviderName != f.Provider {
		return false
	}
	if f.EventID != -1 && int64(ev.Meta.EventID) != f.EventID {
		return false
	}
	if f.ThreadID != -1 && int64(ev.Header.ThreadID) != f.ThreadID {
		return false
	}
	return true
}

// printEvent prints a single event to w.
func printEvent(w io.Writer, s *nettrace.Session, ev *nettrace.Event) {
	name := ev.Meta.EventName
	if name == "" {
		name = fmt.Sprintf("#%d", ev.Meta.EventID)
	}
	fmt.Fprintf(w, "%-12s %s/%s tid=%d seq=%d",
		formatTimestamp(s, ev.Header.Timestamp),
		ev.Meta.ProviderName, name,
		ev.Header.ThreadID, ev.Header.SequenceNumber)
	if ev.Header.StackID != 0 {
		fmt.Fprintf(w, " stack=%d", ev.Header.StackID)
	}

	switch {
	case ev.Exception != nil:
		fmt.Fprintf(w, " type=%s message=%q", ev.Exception.TypeName, ev.Exception.Message)
	case ev.Meta.ProviderName == nettrace.RuntimeProvider && ev.Meta.EventID == nettrace.EventIDAllocationTick:
		if info, err := nettrace.DecodeAllocationTick(ev.Payload, s.TraceFields().PointerSize); err == nil {
			fmt.Fprintf(w, " type=%s bytes=%d", info.TypeName, info.AllocationAmount64)
		}
	case ev.Meta.ProviderName == nettrace.RuntimeProvider && ev.Meta.EventID == nettrace.EventIDContentionStop:
		if info, err := nettrace.DecodeContentionStop(ev.Payload); err == nil {
			fmt.Fprintf(w, " duration=%s", time.Duration(info.DurationNs))
		}
	default:
		fmt.Fprintf(w, " payload=%d bytes", len(ev.Payload))
	}
	io.WriteString(w, "\n")
}

// printStack prints a resolved stack under its event.
func printStack(w io.Writer, st nettrace.Stack) {
	for _, addr := range st.Frames {
		fmt.Fprintf(w, "\t0x%x\n", addr)
	}
}

// formatTimestamp converts a QPC timestamp to a duration since capture
// start. Streams without a QPC frequency print raw ticks.
func formatTimestamp(s *nettrace.Session, qpc uint64) string {
	tf := s.TraceFields()
	if tf.QPCFrequency == 0 {
		return fmt.Sprintf("%dt", qpc)
	}
	var since float64
	if qpc >= tf.SyncTimeQPC {
		since = float64(qpc-tf.SyncTimeQPC) / float64(tf.QPCFrequency)
	}
	return time.Duration(since * float64(time.Second)).String()
}
