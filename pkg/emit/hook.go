// logrus hook forwarding application log entries into the trace stream as
// log event records bound to the calling task's active span.
package emit

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/andrewh/spanwire/pkg/wire"
)

// Hook is a logrus.Hook that emits a LogEvent record for every entry. The
// task identity comes from the supplied function, so the host decides what a
// "thread" is: a worker index, a request id, anything stable per logical
// task. Install it on the application's logger, never on the logger the
// Layer itself diagnoses to.
type Hook struct {
	layer *Layer
	tid   func() uint64
}

// NewHook builds a Hook bound to layer. tid must not be nil.
func NewHook(layer *Layer, tid func() uint64) *Hook {
	return &Hook{layer: layer, tid: tid}
}

// Levels registers the hook for every severity.
func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire translates the entry into a LogEvent. It never returns an error:
// failing the host's logging call over a tracing problem would invert the
// propagation policy.
func (h *Hook) Fire(entry *logrus.Entry) error {
	var fields []wire.Field
	if len(entry.Data) > 0 {
		fields = make([]wire.Field, 0, len(entry.Data))
		for k, v := range entry.Data {
			fields = append(fields, wire.Field{Key: k, Value: fmt.Sprint(v)})
		}
	}
	h.layer.OnEvent(h.tid(), uint8(entry.Level), entry.Message, fields)
	return nil
}
