// Tests for the transport's overload and sink-failure behaviour.
// Validates drop accounting, non-blocking enqueue, and resynchronization.
package emit

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/andrewh/spanwire/pkg/wire"
)

func TestEnqueueDropsNewestWhenFull(t *testing.T) {
	t.Parallel()

	snk := &memSink{}
	cfg := testConfig(snk)
	cfg.BufferSize = 8
	layer, err := SetupWithClock(cfg, clockz.NewFakeClock())
	require.NoError(t, err)

	// Stop the drain so the queue can only fill.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, layer.Close(ctx))

	tr := layer.Transport()
	accepted := 0
	for i := 0; i < 20; i++ {
		if tr.Enqueue(wire.Record{Kind: wire.KindLogEvent, Name: "x"}) {
			accepted++
		}
	}
	assert.Equal(t, 8, accepted)
	assert.Equal(t, uint64(12), tr.Dropped(),
		"dropped counter must increase by exactly the number of rejected records")
}

func TestEnqueueNeverBlocks(t *testing.T) {
	t.Parallel()

	snk := &memSink{}
	cfg := testConfig(snk)
	cfg.BufferSize = 4
	layer, err := SetupWithClock(cfg, clockz.NewFakeClock())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, layer.Close(ctx))

	start := time.Now()
	for i := 0; i < 10_000; i++ {
		layer.Transport().Enqueue(wire.Record{Kind: wire.KindSpanEnter})
	}
	assert.Less(t, time.Since(start), time.Second,
		"enqueue against a full buffer must stay bounded-time")
}

func TestSinkDisconnectDiscardsAndResyncs(t *testing.T) {
	t.Parallel()

	const during = 1000

	layer, snk, _ := newTestLayer(t)

	layer.OnEvent(1, 4, "before", nil)
	require.Eventually(t, func() bool {
		return len(snk.snapshot()) > 0
	}, 2*time.Second, time.Millisecond, "pre-disconnect records should flush")

	snk.setFailing(true)
	for i := 0; i < during; i++ {
		layer.OnEvent(1, 4, "during outage", nil)
	}
	// All outage-period records must end up discarded, not queued forever.
	require.Eventually(t, func() bool {
		return layer.Stats().Discarded >= during
	}, 5*time.Second, time.Millisecond)

	preReconnect := len(snk.snapshot())
	snk.setFailing(false)
	require.Eventually(t, func() bool {
		return len(snk.snapshot()) > preReconnect
	}, 5*time.Second, time.Millisecond, "reattach probe should restore the sink")

	layer.OnEvent(1, 4, "after", nil)
	records := closeAndDecode(t, layer, snk)

	// The post-reconnect stream carries a fresh header and a sync record
	// sizing the gap for the reader.
	starts := byKind(records, wire.KindStreamStart)
	syncs := byKind(records, wire.KindSync)
	require.GreaterOrEqual(t, len(starts), 2)
	require.NotEmpty(t, syncs)
	last := syncs[len(syncs)-1]
	assert.GreaterOrEqual(t, last.Discarded, uint64(during))
	assert.Equal(t, starts[0].Stream, last.Stream, "stream identity persists across reattach")

	events := byKind(records, wire.KindLogEvent)
	var seen []string
	for _, ev := range events {
		seen = append(seen, ev.Name)
	}
	assert.Contains(t, seen, "before")
	assert.Contains(t, seen, "after")
}

func TestCloseFlushesQueuedRecords(t *testing.T) {
	t.Parallel()

	snk := &memSink{}
	cfg := testConfig(snk)
	// A long flush interval: only the shutdown path can be responsible for
	// the records reaching the sink.
	cfg.FlushInterval = time.Hour
	layer, err := SetupWithClock(cfg, clockz.NewFakeClock())
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		layer.OnEvent(1, 4, "queued", nil)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, layer.Close(ctx))

	dec := wire.NewDecoder(bytes.NewReader(snk.snapshot()))
	count := 0
	for {
		rec, err := dec.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if rec.Kind == wire.KindLogEvent {
			count++
		}
	}
	assert.Equal(t, 100, count)
}
