// Package summary aggregates a decoded capture into per event totals.
package summary

import (
	"io"
	"sort"

	"github.com/dotnetrace/dotnetrace/pkg/nettrace"
)

// Key identifies an event kind within a capture.
type Key struct {
	Provider string
	EventID  uint32
}

// EventSummary totals one event kind.
type EventSummary struct {
	Provider  string
	EventName string
	EventID   uint32
	Count     int64
	// Bytes counts on-wire header and payload bytes of the kind's blobs.
	Bytes int64
}

// ByEvent decodes the stream in r and returns totals per (provider, event).
func ByEvent(r io.Reader) (map[Key]EventSummary, error) {
	out := map[Key]EventSummary{}
	s := nettrace.NewSession(r)
	err := s.Listen(nettrace.HandlerFunc(func(ev *nettrace.Event) error {
		k := Key{Provider: ev.Meta.ProviderName, EventID: ev.Meta.EventID}
		es := out[k]
		es.Provider = k.Provider
		es.EventID = k.EventID
		es.EventName = ev.Meta.EventName
		es.Count++
		es.Bytes += int64(ev.Header.HeaderSize) + int64(ev.Header.PayloadSize)
		out[k] = es
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Sorted flattens a ByEvent result in descending count order.
func Sorted(m map[Key]EventSummary) []EventSummary {
	out := make([]EventSummary, 0, len(m))
	for _, es := range m {
		out = append(out, es)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}
