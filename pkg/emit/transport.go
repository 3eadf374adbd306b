// Bounded many-writer/one-drain channel moving records to the sink.
// Enqueue never blocks; overload drops newest and counts the loss.
package emit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/andrewh/spanwire/pkg/wire"
)

// Transport owns the queue of pending records until they are drained to the
// sink. Enqueue is safe for arbitrary concurrent callers; a single background
// goroutine encodes and batches writes.
type Transport struct {
	ch     chan wire.Record
	sink   *sink
	clock  *Clock
	stream uuid.UUID
	pid    uint32

	batchBytes    int
	flushInterval time.Duration
	reattachEvery time.Duration

	seq       atomic.Uint64
	enqueued  atomic.Uint64
	dropped   atomic.Uint64
	discarded atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	log      *logrus.Entry
}

func newTransport(cfg Config, pid uint32, clock *Clock, snk *sink, log *logrus.Entry) *Transport {
	t := &Transport{
		ch:            make(chan wire.Record, cfg.BufferSize),
		sink:          snk,
		clock:         clock,
		stream:        uuid.New(),
		pid:           pid,
		batchBytes:    cfg.BatchBytes,
		flushInterval: cfg.FlushInterval,
		reattachEvery: cfg.ReattachInterval,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
		log:           log,
	}
	go t.drain()
	return t
}

// Enqueue stamps r with the next global sequence number and the process id,
// then queues it. Dropped records still consume a sequence number, so a gap
// in the numbering the reader sees is itself evidence of loss. Returns false
// when the buffer was full and the record was dropped.
func (t *Transport) Enqueue(r wire.Record) bool {
	r.Seq = t.seq.Add(1)
	r.PID = t.pid
	select {
	case t.ch <- r:
		t.enqueued.Add(1)
		return true
	default:
		t.dropped.Add(1)
		return false
	}
}

// Dropped returns the count of records rejected by a full buffer.
func (t *Transport) Dropped() uint64 { return t.dropped.Load() }

// Discarded returns the count of records lost to an unwritable sink.
func (t *Transport) Discarded() uint64 { return t.discarded.Load() }

// Enqueued returns the count of records accepted into the queue.
func (t *Transport) Enqueued() uint64 { return t.enqueued.Load() }

// Close stops the drain after flushing whatever is queued, bounded by ctx.
// Safe to call more than once.
func (t *Transport) Close(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.stopCh) })
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain is the single consumer: it encodes queued records into a batch
// buffer and writes the batch when it fills, when the flush interval fires,
// or at shutdown. While the sink is detached records are discarded and
// counted; the transition back to attached writes a fresh stream header and
// a sync record so the reader can size the gap.
func (t *Transport) drain() {
	defer close(t.done)
	defer t.sink.close()

	enc := make([]byte, 0, wire.MaxRecordSize)
	batch := make([]byte, 0, t.batchBytes)
	batchRecords := 0

	flush := time.NewTicker(t.flushInterval)
	defer flush.Stop()
	reattach := time.NewTicker(t.reattachEvery)
	defer reattach.Stop()

	writeBatch := func() {
		if len(batch) == 0 {
			return
		}
		if !t.sink.write(batch) {
			t.discarded.Add(uint64(batchRecords))
		}
		batch = batch[:0]
		batchRecords = 0
	}

	// writeDirect bypasses batching for stream control records.
	writeDirect := func(r *wire.Record) {
		enc = wire.Append(enc[:0], r)
		t.sink.write(enc)
	}

	streamStart := func() {
		writeDirect(&wire.Record{
			Kind:   wire.KindStreamStart,
			Time:   t.clock.Now(),
			PID:    t.pid,
			Stream: t.stream,
			Epoch:  t.clock.EpochWall(),
		})
	}

	syncMarker := func() {
		writeDirect(&wire.Record{
			Kind:      wire.KindSync,
			Seq:       t.seq.Load(),
			Time:      t.clock.Now(),
			PID:       t.pid,
			Stream:    t.stream,
			Dropped:   t.dropped.Load(),
			Discarded: t.discarded.Load(),
		})
	}

	handle := func(r wire.Record) {
		if !t.sink.attached() {
			t.discarded.Add(1)
			return
		}
		enc = wire.Append(enc[:0], &r)
		batch = append(batch, enc...)
		batchRecords++
		if len(batch) >= t.batchBytes {
			writeBatch()
		}
	}

	if t.sink.attached() {
		streamStart()
	}

	for {
		select {
		case <-t.stopCh:
			for {
				select {
				case r := <-t.ch:
					handle(r)
				default:
					writeBatch()
					return
				}
			}
		case r := <-t.ch:
			handle(r)
		case <-flush.C:
			writeBatch()
		case <-reattach.C:
			if t.sink.reattach() {
				t.log.WithFields(logrus.Fields{
					"stream":    t.stream,
					"discarded": t.discarded.Load(),
				}).Info("sink attached, resyncing stream")
				streamStart()
				syncMarker()
			}
		}
	}
}
