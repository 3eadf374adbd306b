// Translation of a decoded record stream into Chrome Trace Event Format,
// the interval model consumed by timeline viewers such as Perfetto.
package wire

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Trace event phases used by the translation.
const (
	phaseComplete = "X"
	phaseInstant  = "i"
)

// TimelineEvent is one Trace Event Format object. Timestamps and durations
// are microseconds, per the format.
type TimelineEvent struct {
	Name      string         `json:"name,omitempty"`
	Category  string         `json:"cat,omitempty"`
	Phase     string         `json:"ph"`
	Timestamp int64          `json:"ts"`
	Duration  int64          `json:"dur,omitempty"`
	ProcessID int64          `json:"pid,omitempty"`
	ThreadID  int64          `json:"tid,omitempty"`
	Scope     string         `json:"s,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
}

// Timeline converts a record stream into timeline events: one complete event
// per matched enter/exit interval and one instant event per log event. Open
// metadata is joined by span id; intervals whose SpanOpen was lost (dropped
// before a sync gap) fall back to the span id as the name, so a reader that
// attached late still gets a coherent timeline.
func Timeline(records []*Record) []TimelineEvent {
	type openInfo struct {
		name   string
		target string
	}
	opens := make(map[uint64]openInfo)
	// Pending enters keyed by thread, a stack per thread to pair nesting.
	pending := make(map[uint64][]*Record)

	var events []TimelineEvent
	for _, r := range records {
		switch r.Kind {
		case KindSpanOpen:
			opens[r.SpanID] = openInfo{name: r.Name, target: r.Target}
		case KindSpanEnter:
			pending[r.TID] = append(pending[r.TID], r)
		case KindSpanExit:
			if r.Flags&FlagUnmatched != 0 {
				// The writer never saw this span's enter; there is no
				// interval to close and the thread's stack is not ours to pop.
				continue
			}
			stack := pending[r.TID]
			if len(stack) == 0 {
				continue
			}
			enter := stack[len(stack)-1]
			pending[r.TID] = stack[:len(stack)-1]

			info := opens[r.SpanID]
			name := info.name
			if name == "" {
				name = fmt.Sprintf("span-%d", r.SpanID)
			}
			events = append(events, TimelineEvent{
				Name:      name,
				Category:  info.target,
				Phase:     phaseComplete,
				Timestamp: int64(enter.Time / 1000),
				Duration:  int64(r.Duration / 1000),
				ProcessID: int64(r.PID),
				ThreadID:  int64(r.TID),
			})
		case KindLogEvent:
			ev := TimelineEvent{
				Name:      r.Name,
				Phase:     phaseInstant,
				Timestamp: int64(r.Time / 1000),
				ProcessID: int64(r.PID),
				ThreadID:  int64(r.TID),
				Scope:     "t",
			}
			if len(r.Fields) > 0 {
				ev.Args = make(map[string]any, len(r.Fields))
				for _, f := range r.Fields {
					ev.Args[f.Key] = f.Value
				}
			}
			events = append(events, ev)
		case KindSpanClose, KindStreamStart, KindSync:
			// No timeline representation.
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})
	return events
}

// WriteTimeline writes events as a JSON array, one object per line, the shape
// timeline viewers load directly.
func WriteTimeline(w io.Writer, events []TimelineEvent) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	for i, ev := range events {
		delim := "\n"
		if i > 0 {
			delim = ",\n"
		}
		if _, err := io.WriteString(w, delim); err != nil {
			return err
		}
		b, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n]\n")
	return err
}
