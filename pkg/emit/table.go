// Process-wide registry of live span metadata, keyed by span id.
package emit

import (
	"sync"
	"sync/atomic"
)

// SpanMeta is the metadata held for a live span. Name and Target are already
// truncated to the wire bounds at insert time, so the enter/exit path never
// re-processes strings.
type SpanMeta struct {
	Name      string
	Target    string
	ParentID  uint64
	TID       uint64
	StartTime uint64
}

// tableShards spreads lock contention across independent buckets. Sized for
// the expected live span count (recursion depth times thread count), which
// stays small because spans are evicted on close.
const tableShards = 16

type tableShard struct {
	mu sync.Mutex
	m  map[uint64]SpanMeta
}

// SpanTable maps a live span id to its metadata. Safe for concurrent use;
// every operation holds exactly one shard lock for a few map operations.
type SpanTable struct {
	shards     [tableShards]tableShard
	duplicates atomic.Uint64
}

// NewSpanTable returns an empty table.
func NewSpanTable() *SpanTable {
	t := &SpanTable{}
	for i := range t.shards {
		t.shards[i].m = make(map[uint64]SpanMeta, 8)
	}
	return t
}

func (t *SpanTable) shard(id uint64) *tableShard {
	return &t.shards[id%tableShards]
}

// Insert registers a live span. A duplicate id is overwritten and reported
// by the return value; the caller counts it as a protocol anomaly.
func (t *SpanTable) Insert(id uint64, meta SpanMeta) (overwrote bool) {
	s := t.shard(id)
	s.mu.Lock()
	_, overwrote = s.m[id]
	s.m[id] = meta
	s.mu.Unlock()
	if overwrote {
		t.duplicates.Add(1)
	}
	return overwrote
}

// Lookup returns the metadata for id. A miss is a legitimate outcome: the
// span may predate this layer's attachment.
func (t *SpanTable) Lookup(id uint64) (SpanMeta, bool) {
	s := t.shard(id)
	s.mu.Lock()
	meta, ok := s.m[id]
	s.mu.Unlock()
	return meta, ok
}

// Remove evicts id and returns its metadata, if it was live.
func (t *SpanTable) Remove(id uint64) (SpanMeta, bool) {
	s := t.shard(id)
	s.mu.Lock()
	meta, ok := s.m[id]
	if ok {
		delete(s.m, id)
	}
	s.mu.Unlock()
	return meta, ok
}

// Len returns the number of live spans.
func (t *SpanTable) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}

// Drain removes and returns all live spans, used at shutdown to synthesise
// implicit closes.
func (t *SpanTable) Drain() map[uint64]SpanMeta {
	out := make(map[uint64]SpanMeta)
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id, meta := range s.m {
			out[id] = meta
			delete(s.m, id)
		}
		s.mu.Unlock()
	}
	return out
}
