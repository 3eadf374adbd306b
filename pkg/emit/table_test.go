// Tests for the span table and the per-thread stack arena.
package emit

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpanTableInsertLookupRemove(t *testing.T) {
	t.Parallel()

	table := NewSpanTable()
	assert.False(t, table.Insert(1, SpanMeta{Name: "a"}))
	assert.True(t, table.Insert(1, SpanMeta{Name: "b"}), "duplicate id reports overwrite")

	meta, ok := table.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, "b", meta.Name)

	_, ok = table.Lookup(2)
	assert.False(t, ok, "miss is a recoverable outcome, not an error")

	meta, ok = table.Remove(1)
	require.True(t, ok)
	assert.Equal(t, "b", meta.Name)
	_, ok = table.Remove(1)
	assert.False(t, ok)
	assert.Zero(t, table.Len())
}

func TestSpanTableConcurrentChurn(t *testing.T) {
	t.Parallel()

	table := NewSpanTable()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			for i := uint64(0); i < 500; i++ {
				id := base*1000 + i
				table.Insert(id, SpanMeta{TID: base})
				_, ok := table.Lookup(id)
				assert.True(t, ok)
				table.Remove(id)
			}
		}(uint64(w))
	}
	wg.Wait()
	assert.Zero(t, table.Len(), "spans are evicted on close, table size tracks live spans only")
}

func TestStackArenaPushPop(t *testing.T) {
	t.Parallel()

	arena := newStackArena()
	assert.Equal(t, uint16(1), arena.push(1, 10, 100))
	assert.Equal(t, uint16(2), arena.push(1, 11, 200))

	top, ok := arena.top(1)
	require.True(t, ok)
	assert.Equal(t, uint64(11), top)

	entry, above, depth, ok := arena.pop(1, 11)
	require.True(t, ok)
	assert.Empty(t, above)
	assert.Equal(t, uint16(2), depth)
	assert.Equal(t, uint64(200), entry.enterTS)

	_, _, _, ok = arena.pop(1, 11)
	assert.False(t, ok, "second pop of the same id has no matching enter")
}

func TestStackArenaPopBelowTopReturnsAbandoned(t *testing.T) {
	t.Parallel()

	arena := newStackArena()
	arena.push(1, 10, 100)
	arena.push(1, 11, 200)
	arena.push(1, 12, 300)

	entry, above, depth, ok := arena.pop(1, 10)
	require.True(t, ok)
	assert.Equal(t, uint16(1), depth)
	assert.Equal(t, uint64(100), entry.enterTS)
	require.Len(t, above, 2)
	assert.Equal(t, uint64(12), above[0].entry.id, "abandoned entries come deepest-first")
	assert.Equal(t, uint64(11), above[1].entry.id)

	_, ok = arena.top(1)
	assert.False(t, ok)
	assert.Zero(t, arena.outstanding(11))
}

func TestStackArenaCollectAcrossThreads(t *testing.T) {
	t.Parallel()

	arena := newStackArena()
	arena.push(1, 10, 100)
	arena.push(2, 10, 150) // same span entered on two threads
	assert.Equal(t, 2, arena.outstanding(10))

	removed := arena.collect(10)
	assert.Len(t, removed, 2)
	assert.Zero(t, arena.outstanding(10))
	assert.Empty(t, arena.collect(10))
}
