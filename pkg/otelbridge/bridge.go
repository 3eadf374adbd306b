// Package otelbridge installs a spanwire emission layer as an OpenTelemetry
// SDK span processor, so hosts instrumented with the OTel API feed the trace
// stream without any extra call sites.
//
// The SDK delivers span starts and ends; the bridge translates a start into
// new_span + enter and an end into exit + close, forwarding span events as
// log records in between. Task identity is derived from the trace id, so all
// spans of one trace share an enter/exit stack no matter which goroutines
// carry them.
package otelbridge

import (
	"context"
	"encoding/binary"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/andrewh/spanwire/pkg/emit"
	"github.com/andrewh/spanwire/pkg/wire"
)

// eventLevel is the severity stamped on forwarded span events, logrus
// numbering; the OTel span event API carries no severity of its own.
const eventLevel = 4

// Processor adapts an emit.Layer to the sdktrace.SpanProcessor interface.
type Processor struct {
	layer *emit.Layer
}

var _ sdktrace.SpanProcessor = (*Processor)(nil)

// New returns a Processor feeding layer. The layer's lifecycle stays with
// the caller: shutting the tracer provider down does not close the layer.
func New(layer *emit.Layer) *Processor {
	return &Processor{layer: layer}
}

// OnStart registers the span and enters it on its trace's task.
func (p *Processor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {
	sc := s.SpanContext()
	id := spanID(sc.SpanID())
	tid := taskID(sc.TraceID())

	var parentID uint64
	if ps := s.Parent(); ps.HasSpanID() {
		parentID = spanID(ps.SpanID())
	}

	p.layer.OnNewSpan(emit.SpanStart{
		ID:       id,
		Name:     s.Name(),
		Target:   s.InstrumentationScope().Name,
		ParentID: parentID,
		TID:      tid,
	})
	p.layer.OnEnter(tid, id)
}

// OnEnd forwards the span's events, exits, and closes it. The SDK calls
// OnEnd exactly once per span, matching the close contract.
func (p *Processor) OnEnd(s sdktrace.ReadOnlySpan) {
	sc := s.SpanContext()
	id := spanID(sc.SpanID())
	tid := taskID(sc.TraceID())

	for _, ev := range s.Events() {
		fields := make([]wire.Field, 0, len(ev.Attributes))
		for _, attr := range ev.Attributes {
			fields = append(fields, wire.Field{
				Key:   string(attr.Key),
				Value: attr.Value.Emit(),
			})
		}
		p.layer.OnEvent(tid, eventLevel, ev.Name, fields)
	}

	p.layer.OnExit(tid, id)
	p.layer.OnClose(id)
}

// Shutdown implements sdktrace.SpanProcessor. The layer is closed by its
// owner, not by the tracer provider.
func (p *Processor) Shutdown(context.Context) error { return nil }

// ForceFlush implements sdktrace.SpanProcessor. The transport drains
// continuously; there is nothing synchronous to flush.
func (p *Processor) ForceFlush(context.Context) error { return nil }

func spanID(id trace.SpanID) uint64 {
	return binary.BigEndian.Uint64(id[:])
}

// taskID folds the 128-bit trace id to the 64-bit thread identity used by
// the wire format.
func taskID(id trace.TraceID) uint64 {
	return binary.BigEndian.Uint64(id[:8]) ^ binary.BigEndian.Uint64(id[8:])
}
