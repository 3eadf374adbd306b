// Incremental decoder for the span trace stream.
// Tolerates unknown kinds and short damage by skipping framed records.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// ErrBadFrame reports a record whose payload does not parse. The decoder has
// already consumed the frame, so callers may keep reading after it.
var ErrBadFrame = errors.New("wire: malformed record frame")

// Decoder reads records from a byte stream produced by Append. It handles
// streams that begin mid-segment (a reader attaching after loss) and skips
// record kinds it does not understand, counting them in Skipped.
type Decoder struct {
	r       io.Reader
	buf     [MaxRecordSize]byte
	Skipped int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next returns the next decodable record, or io.EOF at a clean end of stream.
// Unknown kinds are skipped transparently.
func (d *Decoder) Next() (*Record, error) {
	for {
		if _, err := io.ReadFull(d.r, d.buf[:2]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				// A torn final record; treat it as end of stream.
				return nil, io.EOF
			}
			return nil, err
		}
		n := int(binary.LittleEndian.Uint16(d.buf[:2]))
		if n < fixedHeaderSize {
			return nil, fmt.Errorf("%w: frame length %d below header size", ErrBadFrame, n)
		}
		if n > MaxRecordSize {
			// Garbage length, typically from attaching mid-record. Consume
			// what it claims so the caller can try to keep reading.
			if _, err := io.CopyN(io.Discard, d.r, int64(n)); err != nil {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: frame length %d exceeds record limit", ErrBadFrame, n)
		}
		if _, err := io.ReadFull(d.r, d.buf[:n]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, err
		}

		rec, err := parse(d.buf[:n])
		if err != nil {
			return nil, err
		}
		if rec == nil {
			d.Skipped++
			continue
		}
		return rec, nil
	}
}

// parse decodes one framed payload. A nil record with nil error means the
// kind is unknown and the caller should skip it.
func parse(p []byte) (*Record, error) {
	r := &Record{
		Kind:  Kind(p[0]),
		Flags: Flags(p[1]),
	}
	r.Seq = binary.LittleEndian.Uint64(p[2:])
	r.Time = binary.LittleEndian.Uint64(p[10:])
	r.PID = binary.LittleEndian.Uint32(p[18:])
	r.TID = binary.LittleEndian.Uint64(p[22:])
	r.SpanID = binary.LittleEndian.Uint64(p[30:])
	r.ParentID = binary.LittleEndian.Uint64(p[38:])
	r.Depth = binary.LittleEndian.Uint16(p[46:])
	rest := p[fixedHeaderSize:]

	var err error
	switch r.Kind {
	case KindSpanOpen:
		if r.Name, rest, err = readString(rest); err != nil {
			return nil, err
		}
		if r.Target, _, err = readString(rest); err != nil {
			return nil, err
		}
	case KindSpanEnter, KindSpanClose:
		// Fixed header only.
	case KindSpanExit:
		if len(rest) < 8 {
			return nil, fmt.Errorf("%w: short exit payload", ErrBadFrame)
		}
		r.Duration = binary.LittleEndian.Uint64(rest)
	case KindLogEvent:
		if len(rest) < 1 {
			return nil, fmt.Errorf("%w: short event payload", ErrBadFrame)
		}
		r.Level, rest = rest[0], rest[1:]
		if r.Name, rest, err = readString(rest); err != nil {
			return nil, err
		}
		if len(rest) < 1 {
			return nil, fmt.Errorf("%w: missing field count", ErrBadFrame)
		}
		count := int(rest[0])
		rest = rest[1:]
		if count > MaxFields {
			return nil, fmt.Errorf("%w: field count %d", ErrBadFrame, count)
		}
		if count > 0 {
			r.Fields = make([]Field, count)
			for i := 0; i < count; i++ {
				if r.Fields[i].Key, rest, err = readString(rest); err != nil {
					return nil, err
				}
				if r.Fields[i].Value, rest, err = readString(rest); err != nil {
					return nil, err
				}
			}
		}
	case KindStreamStart:
		if len(rest) < 4+1+16+8 {
			return nil, fmt.Errorf("%w: short stream start", ErrBadFrame)
		}
		if [4]byte(rest[:4]) != Magic {
			return nil, fmt.Errorf("%w: bad magic", ErrBadFrame)
		}
		if rest[4] != Version {
			return nil, fmt.Errorf("wire: unsupported stream version %d", rest[4])
		}
		r.Stream = uuid.UUID(rest[5:21])
		r.Epoch = binary.LittleEndian.Uint64(rest[21:])
	case KindSync:
		if len(rest) < 16+8+8 {
			return nil, fmt.Errorf("%w: short sync payload", ErrBadFrame)
		}
		r.Stream = uuid.UUID(rest[:16])
		r.Dropped = binary.LittleEndian.Uint64(rest[16:])
		r.Discarded = binary.LittleEndian.Uint64(rest[24:])
	default:
		return nil, nil
	}
	return r, nil
}

func readString(p []byte) (string, []byte, error) {
	if len(p) < 1 {
		return "", nil, fmt.Errorf("%w: missing string length", ErrBadFrame)
	}
	n := int(p[0])
	if len(p) < 1+n {
		return "", nil, fmt.Errorf("%w: string overruns frame", ErrBadFrame)
	}
	return string(p[1 : 1+n]), p[1+n:], nil
}
