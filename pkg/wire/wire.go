// Record model and binary encoding for the span trace stream.
// Records are self-delimiting so a reader can attach late and skip damage.
package wire

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Kind tags a record on the wire.
type Kind uint8

// Record kinds. StreamStart opens a stream segment and Sync marks a gap; the
// remaining kinds mirror the span lifecycle plus leaf log events.
const (
	KindInvalid Kind = iota
	KindSpanOpen
	KindSpanEnter
	KindSpanExit
	KindSpanClose
	KindLogEvent
	KindStreamStart
	KindSync
)

// String returns the short name used in dumps and diagnostics.
func (k Kind) String() string {
	switch k {
	case KindSpanOpen:
		return "open"
	case KindSpanEnter:
		return "enter"
	case KindSpanExit:
		return "exit"
	case KindSpanClose:
		return "close"
	case KindLogEvent:
		return "event"
	case KindStreamStart:
		return "start"
	case KindSync:
		return "sync"
	default:
		return "invalid"
	}
}

// Flags carry per-record qualifiers.
type Flags uint8

const (
	// FlagImplicit marks an exit or close synthesised by the emission layer
	// rather than observed from the instrumentation framework.
	FlagImplicit Flags = 1 << iota
	// FlagUnmatched marks an exit that had no corresponding enter.
	FlagUnmatched
	// FlagTruncated marks a record whose name, message, or field text was cut
	// to fit the wire bounds.
	FlagTruncated
)

// Wire bounds. Strings are length-prefixed with a single byte, so nothing may
// exceed 255; names are kept shorter because they repeat on every open.
const (
	MaxNameLen  = 127
	MaxValueLen = 255
	MaxFields   = 16

	// Version is the stream format version carried by StreamStart records.
	Version = 1

	// MaxRecordSize bounds any encoded record including its length prefix.
	// Derived from the LogEvent worst case: fixed header plus message plus
	// MaxFields key/value pairs.
	MaxRecordSize = 2 + fixedHeaderSize + 2 + MaxNameLen + 1 + MaxFields*(2+MaxNameLen+MaxValueLen)
)

// Magic opens every StreamStart payload so a scanning reader can locate
// segment boundaries in a raw byte stream.
var Magic = [4]byte{'S', 'P', 'W', 'R'}

// fixedHeaderSize is the encoded size of the fields every record carries:
// kind, flags, seq, time, pid, tid, span id, parent id, depth.
const fixedHeaderSize = 1 + 1 + 8 + 8 + 4 + 8 + 8 + 8 + 2

// Field is one key/value pair attached to a log event.
type Field struct {
	Key   string
	Value string
}

// Record is the unit of the sink stream. It is a plain value: the transport
// owns queued records outright and nothing points back into live span state.
//
// Time is nanoseconds since the emitting process's start epoch, from a
// monotonic source. Seq is the process-wide enqueue sequence number and is
// the only cross-thread ordering authority; timestamps may tie or regress
// across cores.
type Record struct {
	Kind     Kind
	Flags    Flags
	Seq      uint64
	Time     uint64
	PID      uint32
	TID      uint64
	SpanID   uint64
	ParentID uint64
	Depth    uint16

	// Name is the span name for SpanOpen and the message for LogEvent.
	Name string
	// Target is the instrumentation module tag, SpanOpen only.
	Target string

	// Duration is the measured enter-to-exit time in nanoseconds, SpanExit only.
	Duration uint64

	// Level is the severity of a LogEvent (logrus numbering: 0 panic .. 6 trace).
	Level uint8
	// Fields are the log event's key/value pairs, at most MaxFields.
	Fields []Field

	// Stream identifies the emitting stream segment, StreamStart and Sync only.
	Stream uuid.UUID
	// Epoch is the wall-clock unix nanosecond time of the process epoch,
	// StreamStart only, letting a reader map record times to wall time.
	Epoch uint64
	// Dropped and Discarded are the transport's loss counters at the time a
	// Sync record was written, letting a reader size the gap.
	Dropped   uint64
	Discarded uint64
}

// Append encodes r onto buf and returns the extended slice. It allocates only
// when buf lacks capacity, so a reused buffer makes the steady state
// allocation-free. Strings beyond the wire bounds are truncated and the
// record is flagged, never rejected.
func Append(buf []byte, r *Record) []byte {
	start := len(buf)
	buf = append(buf, 0, 0) // length prefix, patched below

	flags := r.Flags
	name, nameCut := truncate(r.Name, MaxNameLen)
	target, targetCut := truncate(r.Target, MaxNameLen)
	if nameCut || targetCut {
		flags |= FlagTruncated
	}

	buf = append(buf, byte(r.Kind), byte(flags))
	buf = binary.LittleEndian.AppendUint64(buf, r.Seq)
	buf = binary.LittleEndian.AppendUint64(buf, r.Time)
	buf = binary.LittleEndian.AppendUint32(buf, r.PID)
	buf = binary.LittleEndian.AppendUint64(buf, r.TID)
	buf = binary.LittleEndian.AppendUint64(buf, r.SpanID)
	buf = binary.LittleEndian.AppendUint64(buf, r.ParentID)
	buf = binary.LittleEndian.AppendUint16(buf, r.Depth)

	switch r.Kind {
	case KindSpanOpen:
		buf = appendString(buf, name)
		buf = appendString(buf, target)
	case KindSpanExit:
		buf = binary.LittleEndian.AppendUint64(buf, r.Duration)
	case KindLogEvent:
		buf = append(buf, r.Level)
		buf = appendString(buf, name)
		n := len(r.Fields)
		if n > MaxFields {
			n = MaxFields
			buf[start+3] |= byte(FlagTruncated)
		}
		buf = append(buf, byte(n))
		for i := 0; i < n; i++ {
			key, keyCut := truncate(r.Fields[i].Key, MaxNameLen)
			val, valCut := truncate(r.Fields[i].Value, MaxValueLen)
			if keyCut || valCut {
				buf[start+3] |= byte(FlagTruncated)
			}
			buf = appendString(buf, key)
			buf = appendString(buf, val)
		}
	case KindStreamStart:
		buf = append(buf, Magic[:]...)
		buf = append(buf, Version)
		buf = append(buf, r.Stream[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, r.Epoch)
	case KindSync:
		buf = append(buf, r.Stream[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, r.Dropped)
		buf = binary.LittleEndian.AppendUint64(buf, r.Discarded)
	case KindSpanEnter, KindSpanClose:
		// Fixed header only.
	}

	binary.LittleEndian.PutUint16(buf[start:], uint16(len(buf)-start-2))
	return buf
}

func truncate(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	// Back off to a rune boundary so the cut never leaves a partial
	// UTF-8 sequence in the stream.
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max], true
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}
