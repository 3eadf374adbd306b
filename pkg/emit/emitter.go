// The emission layer: the five lifecycle callbacks delivered by the host
// instrumentation framework, translated into wire records.
package emit

import (
	"unicode/utf8"

	"github.com/andrewh/spanwire/pkg/wire"
)

// SpanStart carries the metadata delivered with a new-span callback.
type SpanStart struct {
	ID       uint64
	Name     string
	Target   string
	ParentID uint64
	// TID is the identity of the task creating the span. Thread ids are
	// caller-supplied throughout: any stable identity for a logical task
	// works, and an explicit id is what lets a task keep its stack when it
	// migrates between OS threads.
	TID uint64
}

// OnNewSpan registers a span and emits its SpanOpen record. The start
// timestamp is taken exactly once, here. A duplicate live id is overwritten
// and counted as an anomaly, never failed.
func (l *Layer) OnNewSpan(s SpanStart) {
	defer l.absorb()

	now := l.clock.Now()
	name := clip(s.Name, wire.MaxNameLen)
	target := clip(s.Target, wire.MaxNameLen)
	if l.table.Insert(s.ID, SpanMeta{
		Name:      name,
		Target:    target,
		ParentID:  s.ParentID,
		TID:       s.TID,
		StartTime: now,
	}) {
		l.anomalies.Add(1)
		l.log.WithField("span_id", s.ID).Debug("duplicate new_span on live id, overwriting")
	}

	l.transport.Enqueue(wire.Record{
		Kind:     wire.KindSpanOpen,
		Time:     now,
		TID:      s.TID,
		SpanID:   s.ID,
		ParentID: s.ParentID,
		Name:     name,
		Target:   target,
	})
}

// OnEnter makes id the current span on tid and emits a SpanEnter record. The
// stamped depth is the thread's stack depth at this instant, not the span's
// creation depth, so a re-entered or migrated span renders at its actual
// runtime position.
func (l *Layer) OnEnter(tid, id uint64) {
	defer l.absorb()

	now := l.clock.Now()
	depth := l.stacks.push(tid, id, now)
	meta, _ := l.table.Lookup(id)
	l.transport.Enqueue(wire.Record{
		Kind:     wire.KindSpanEnter,
		Time:     now,
		TID:      tid,
		SpanID:   id,
		ParentID: meta.ParentID,
		Depth:    depth,
	})
}

// OnExit ends the current enter/exit interval of id on tid and emits a
// SpanExit record carrying the measured duration. An exit with no matching
// enter is a protocol violation: it is counted, flagged on the wire with
// zero duration, and never surfaced to the host. An exit that skips over
// deeper unmatched enters first synthesises their implicit exits so stack
// discipline holds for the reader.
func (l *Layer) OnExit(tid, id uint64) {
	defer l.absorb()

	now := l.clock.Now()
	entry, above, depth, ok := l.stacks.pop(tid, id)
	if !ok {
		l.anomalies.Add(1)
		l.log.WithField("span_id", id).Debug("exit without matching enter")
		l.transport.Enqueue(wire.Record{
			Kind:   wire.KindSpanExit,
			Flags:  wire.FlagUnmatched,
			Time:   now,
			TID:    tid,
			SpanID: id,
			Depth:  depth,
		})
		return
	}

	for _, ex := range above {
		l.emitImplicitExit(ex, now)
	}

	meta, _ := l.table.Lookup(id)
	l.transport.Enqueue(wire.Record{
		Kind:     wire.KindSpanExit,
		Time:     now,
		TID:      tid,
		SpanID:   id,
		ParentID: meta.ParentID,
		Depth:    depth,
		Duration: now - entry.enterTS,
	})
}

// OnClose permanently closes id: any unmatched enters on any thread get
// implicit exits first, then the SpanClose record is emitted and the span is
// evicted so the framework may recycle the id. Exactly one close record is
// emitted per live id; closing an unknown id still emits the record, since
// the span may simply predate this layer.
func (l *Layer) OnClose(id uint64) {
	defer l.absorb()

	now := l.clock.Now()
	if l.stacks.outstanding(id) > 0 {
		l.anomalies.Add(1)
		l.log.WithField("span_id", id).Debug("close with unmatched enter, synthesising exits")
		for _, ex := range l.stacks.collect(id) {
			l.emitImplicitExit(ex, now)
		}
	}

	meta, _ := l.table.Remove(id)
	l.transport.Enqueue(wire.Record{
		Kind:     wire.KindSpanClose,
		Time:     now,
		TID:      meta.TID,
		SpanID:   id,
		ParentID: meta.ParentID,
	})
}

// OnEvent emits a LogEvent record bound to the current span on tid, or to
// span id 0 when the thread has no active span. Level follows logrus
// numbering. At most wire.MaxFields fields survive encoding.
func (l *Layer) OnEvent(tid uint64, level uint8, msg string, fields []wire.Field) {
	defer l.absorb()

	now := l.clock.Now()
	var parentID uint64
	spanID, ok := l.stacks.top(tid)
	if ok {
		if meta, found := l.table.Lookup(spanID); found {
			parentID = meta.ParentID
		}
	}
	l.transport.Enqueue(wire.Record{
		Kind:     wire.KindLogEvent,
		Time:     now,
		TID:      tid,
		SpanID:   spanID,
		ParentID: parentID,
		Level:    level,
		Name:     msg,
		Fields:   fields,
	})
}

func (l *Layer) emitImplicitExit(ex implicitExit, now uint64) {
	l.implicitExits.Add(1)
	meta, _ := l.table.Lookup(ex.entry.id)
	l.transport.Enqueue(wire.Record{
		Kind:     wire.KindSpanExit,
		Flags:    wire.FlagImplicit,
		Time:     now,
		TID:      ex.tid,
		SpanID:   ex.entry.id,
		ParentID: meta.ParentID,
		Depth:    ex.depth,
		Duration: now - ex.entry.enterTS,
	})
}

// absorb keeps internal faults out of host code: a panic anywhere in a
// callback is swallowed and counted. The hot path must never unwind into the
// instrumented application.
func (l *Layer) absorb() {
	if r := recover(); r != nil {
		l.anomalies.Add(1)
		l.log.WithField("panic", r).Warn("recovered emission-layer fault")
	}
}

// clip bounds s to max bytes, backing off to a rune boundary so a cut never
// leaves a partial UTF-8 sequence.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
