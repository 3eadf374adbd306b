// Package emit bridges span lifecycle callbacks from an in-process
// instrumentation framework to an externally-read trace stream.
//
// The layer runs synchronously on whatever task triggers a lifecycle
// transition. Its obligations, in order: never unwind into host code, never
// block the caller beyond short lock acquisitions, and keep records totally
// ordered by the transport's sequence counter. Under overload it guarantees
// safety and ordering, not completeness: the drop and discard counters say
// how much was lost.
//
// Construction is explicit: Setup wires the clock, span table, per-thread
// stacks, and transport into a single Layer that the host installs as its
// instrumentation subscriber before any spans are created, and Close tears
// it down, flushing what it can within the caller's deadline.
package emit

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"

	"github.com/andrewh/spanwire/pkg/wire"
)

// Layer is the emission pipeline: the single authoritative consumer of the
// lifecycle callbacks. Safe for arbitrary concurrent, reentrant invocation.
type Layer struct {
	clock     *Clock
	table     *SpanTable
	stacks    *stackArena
	transport *Transport
	log       *logrus.Entry

	anomalies      atomic.Uint64
	implicitExits  atomic.Uint64
	implicitCloses atomic.Uint64
}

// Stats is a point-in-time snapshot of the pipeline's accounting.
type Stats struct {
	Enqueued       uint64 `json:"enqueued"`
	Dropped        uint64 `json:"dropped"`
	Discarded      uint64 `json:"discarded"`
	Anomalies      uint64 `json:"anomalies"`
	ImplicitExits  uint64 `json:"implicit_exits"`
	ImplicitCloses uint64 `json:"implicit_closes"`
	LiveSpans      int    `json:"live_spans"`
}

// Setup builds a ready-to-attach Layer. This is the one place a failure is
// surfaced: with SinkRequired set, an unopenable sink is returned as an
// error so the host can decide whether tracing is mandatory. Everything
// after Setup absorbs its own faults.
func Setup(cfg Config) (*Layer, error) {
	return SetupWithClock(cfg, clockz.RealClock)
}

// SetupWithClock is Setup with an injected time source.
func SetupWithClock(cfg Config, clk clockz.Clock) (*Layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("emit: invalid config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
		logger.SetOutput(os.Stderr)
	}
	log := logger.WithField("component", "spanwire")

	open := cfg.OpenSink
	if open == nil {
		open = fileSink(cfg.SinkPath)
	}

	snk := newSink(open, log)
	if !snk.reattach() && cfg.SinkRequired {
		return nil, fmt.Errorf("emit: sink unavailable at setup")
	}

	clock := NewClock(clk)
	l := &Layer{
		clock:  clock,
		table:  NewSpanTable(),
		stacks: newStackArena(),
		log:    log,
	}
	l.transport = newTransport(cfg, uint32(os.Getpid()), clock, snk, log)
	return l, nil
}

// Close shuts the pipeline down: spans still live are emitted as implicitly
// closed, then the transport flushes its queue best-effort within ctx.
func (l *Layer) Close(ctx context.Context) error {
	now := l.clock.Now()
	for id, meta := range l.table.Drain() {
		for _, ex := range l.stacks.collect(id) {
			l.emitImplicitExit(ex, now)
		}
		l.implicitCloses.Add(1)
		l.transport.Enqueue(wire.Record{
			Kind:     wire.KindSpanClose,
			Flags:    wire.FlagImplicit,
			Time:     now,
			TID:      meta.TID,
			SpanID:   id,
			ParentID: meta.ParentID,
		})
	}
	return l.transport.Close(ctx)
}

// Stats returns the current counters.
func (l *Layer) Stats() Stats {
	return Stats{
		Enqueued:       l.transport.Enqueued(),
		Dropped:        l.transport.Dropped(),
		Discarded:      l.transport.Discarded(),
		Anomalies:      l.anomalies.Load(),
		ImplicitExits:  l.implicitExits.Load(),
		ImplicitCloses: l.implicitCloses.Load(),
		LiveSpans:      l.table.Len(),
	}
}

// Transport exposes the transport for hosts that need its counters directly.
func (l *Layer) Transport() *Transport { return l.transport }

// discardSink is a sink for hosts that want the pipeline exercised with no
// external reader at all, mainly in benchmarks.
type discardSink struct{}

func (discardSink) Write(p []byte) (int, error) { return len(p), nil }
func (discardSink) Close() error                { return nil }

// DiscardSink returns an OpenSinkFunc that throws all bytes away.
func DiscardSink() OpenSinkFunc {
	return func() (io.WriteCloser, error) { return discardSink{}, nil }
}
