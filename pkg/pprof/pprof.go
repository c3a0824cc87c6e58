// Package pprof converts AllocationTick events of a capture into a pprof
// allocation profile. Frames keep their raw instruction addresses; no
// symbolization is attempted.
package pprof

import (
	"fmt"
	"io"
	"time"

	"github.com/google/pprof/profile"

	"github.com/dotnetrace/dotnetrace/pkg/nettrace"
)

type Options struct {
	// SampleRate divides the reported byte amounts, for captures taken with
	// a scaled AllocationTick. Zero means no scaling.
	SampleRate int64
}

// Convert decodes the stream in r and writes an allocation profile to w.
func Convert(r io.Reader, w io.Writer, opt Options) error {
	type sampleKey struct {
		stackID  uint32
		typeName string
	}
	type total struct {
		count int64
		bytes int64
	}

	totals := map[sampleKey]*total{}
	var firstTs, lastTs uint64

	s := nettrace.NewSession(r)
	err := s.Listen(nettrace.HandlerFunc(func(ev *nettrace.Event) error {
		if firstTs == 0 {
			firstTs = ev.Header.Timestamp
		}
		lastTs = ev.Header.Timestamp
		if ev.Meta.ProviderName != nettrace.RuntimeProvider ||
			ev.Meta.EventID != nettrace.EventIDAllocationTick {
			return nil
		}
		info, err := nettrace.DecodeAllocationTick(ev.Payload, s.TraceFields().PointerSize)
		if err != nil {
			return fmt.Errorf("decode AllocationTick: %w", err)
		}
		key := sampleKey{stackID: ev.Header.StackID, typeName: info.TypeName}
		tot, ok := totals[key]
		if !ok {
			tot = &total{}
			totals[key] = tot
		}
		tot.count++
		tot.bytes += int64(info.AllocationAmount64)
		return nil
	}))
	if err != nil {
		return err
	}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "alloc_objects", Unit: "count"},
			{Type: "alloc_space", Unit: "bytes"},
		},
		DefaultSampleType: "alloc_space",
	}
	if tf := s.TraceFields(); tf.QPCFrequency > 0 && lastTs > firstTs {
		p.DurationNanos = int64(float64(lastTs-firstTs) / float64(tf.QPCFrequency) * float64(time.Second))
	}

	// Stacks resolve after the session: the decoder has installed every
	// stack block by now.
	locationIdx := map[uint64]*profile.Location{}
	locationsFor := func(stackID uint32) []*profile.Location {
		st, ok := s.Stack(stackID)
		if !ok {
			return nil
		}
		locations := make([]*profile.Location, 0, len(st.Frames))
		for _, addr := range st.Frames {
			loc, ok := locationIdx[addr]
			if !ok {
				loc = &profile.Location{
					ID:      uint64(len(p.Location) + 1),
					Address: addr,
				}
				p.Location = append(p.Location, loc)
				locationIdx[addr] = loc
			}
			locations = append(locations, loc)
		}
		return locations
	}

	for key, tot := range totals {
		bytes := tot.bytes
		if opt.SampleRate > 0 {
			bytes /= opt.SampleRate
		}
		sample := &profile.Sample{
			Value:    []int64{tot.count, bytes},
			Location: locationsFor(key.stackID),
		}
		if key.typeName != "" {
			sample.Label = map[string][]string{"type": {key.typeName}}
		}
		p.Sample = append(p.Sample, sample)
	}

	if err := p.CheckValid(); err != nil {
		return err
	}
	return p.Write(w)
}
