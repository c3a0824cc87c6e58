// Package gcpause extracts GC induced execution pauses from a decoded
// capture. A pause spans from GCSuspendEEBegin to the matching
// GCRestartEEEnd of the runtime provider.
package gcpause

import (
	"fmt"
	"io"
	"time"

	"github.com/dotnetrace/dotnetrace/pkg/nettrace"
)

// Pause is one suspend/restart span, normalized to time since capture
// start.
type Pause struct {
	Start  time.Duration
	End    time.Duration
	Thread uint64
}

func (p Pause) Duration() time.Duration {
	return p.End - p.Start
}

// Events decodes the stream in r and returns all completed GC pauses in
// capture order.
func Events(r io.Reader) ([]*Pause, error) {
	type rawPause struct {
		startQPC uint64
		endQPC   uint64
		thread   uint64
	}
	var (
		pauses    []*rawPause
		suspended bool
	)

	s := nettrace.NewSession(r)
	err := s.Listen(nettrace.HandlerFunc(func(ev *nettrace.Event) error {
		if ev.Meta.ProviderName != nettrace.RuntimeProvider {
			return nil
		}
		switch ev.Meta.EventID {
		case nettrace.EventIDGCSuspendEEBegin:
			if suspended {
				return fmt.Errorf("unexpected GCSuspendEEBegin at seq %d: already suspended", ev.Header.SequenceNumber)
			}
			pauses = append(pauses, &rawPause{
				startQPC: ev.Header.Timestamp,
				thread:   ev.Header.ThreadID,
			})
			suspended = true
		case nettrace.EventIDGCRestartEEEnd:
			if !suspended {
				return fmt.Errorf("unexpected GCRestartEEEnd at seq %d: not suspended", ev.Header.SequenceNumber)
			}
			pauses[len(pauses)-1].endQPC = ev.Header.Timestamp
			suspended = false
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}

	tf := s.TraceFields()
	if tf.QPCFrequency == 0 {
		return nil, fmt.Errorf("capture has no QPC frequency")
	}
	scale := float64(time.Second) / float64(tf.QPCFrequency)

	out := make([]*Pause, 0, len(pauses))
	for _, rp := range pauses {
		if rp.endQPC == 0 {
			// Capture stopped mid pause; drop the open span.
			continue
		}
		out = append(out, &Pause{
			Start:  time.Duration(float64(rp.startQPC-tf.SyncTimeQPC) * scale),
			End:    time.Duration(float64(rp.endQPC-tf.SyncTimeQPC) * scale),
			Thread: rp.thread,
		})
	}
	return out, nil
}
