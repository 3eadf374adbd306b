// Per-thread current-span stacks, an arena indexed by thread id.
// Tracks which span is current on each thread and when it was entered.
package emit

import "sync"

// stackEntry is one unmatched enter on a thread's stack.
type stackEntry struct {
	id      uint64
	enterTS uint64
}

// implicitExit describes an entry removed without a matching exit from the
// host, carrying enough context to synthesise the exit record.
type implicitExit struct {
	tid   uint64
	entry stackEntry
	depth uint16
}

const stackShards = 16

type stackShard struct {
	mu sync.Mutex
	m  map[uint64][]stackEntry
}

type enterShard struct {
	mu sync.Mutex
	m  map[uint64]int
}

// stackArena holds one enter/exit stack per thread id, plus a per-span count
// of outstanding enters so close can skip the cross-thread scan in the common
// fully-balanced case. Stacks are indexed by thread id rather than linked to
// any thread-local state, so a thread terminating mid-span leaves nothing
// dangling.
type stackArena struct {
	shards [stackShards]stackShard
	enters [stackShards]enterShard
}

func newStackArena() *stackArena {
	a := &stackArena{}
	for i := range a.shards {
		a.shards[i].m = make(map[uint64][]stackEntry, 4)
		a.enters[i].m = make(map[uint64]int, 8)
	}
	return a
}

func (a *stackArena) shard(tid uint64) *stackShard {
	return &a.shards[tid%stackShards]
}

// push records an enter of id on tid and returns the depth of the entry,
// counting from 1 at the bottom of the stack.
func (a *stackArena) push(tid, id, ts uint64) uint16 {
	s := a.shard(tid)
	s.mu.Lock()
	stack := append(s.m[tid], stackEntry{id: id, enterTS: ts})
	s.m[tid] = stack
	depth := uint16(len(stack))
	s.mu.Unlock()
	a.addEnter(id, 1)
	return depth
}

// pop removes the entry for id from tid's stack. Entries pushed above it,
// returned deepest-first, were abandoned by the host and need implicit exits.
// ok is false when id has no unmatched enter on this thread.
func (a *stackArena) pop(tid, id uint64) (entry stackEntry, above []implicitExit, depth uint16, ok bool) {
	s := a.shard(tid)
	s.mu.Lock()
	stack := s.m[tid]
	idx := -1
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return stackEntry{}, nil, uint16(len(stack)), false
	}
	entry = stack[idx]
	depth = uint16(idx + 1)
	for i := len(stack) - 1; i > idx; i-- {
		above = append(above, implicitExit{tid: tid, entry: stack[i], depth: uint16(i + 1)})
	}
	if idx == 0 {
		delete(s.m, tid)
	} else {
		s.m[tid] = stack[:idx]
	}
	s.mu.Unlock()

	a.addEnter(id, -1)
	for _, ex := range above {
		a.addEnter(ex.entry.id, -1)
	}
	return entry, above, depth, true
}

// top returns the id of the current span on tid, false when the thread has
// no active span.
func (a *stackArena) top(tid uint64) (uint64, bool) {
	s := a.shard(tid)
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := s.m[tid]
	if len(stack) == 0 {
		return 0, false
	}
	return stack[len(stack)-1].id, true
}

// outstanding reports how many enters of id have not been matched by an exit.
func (a *stackArena) outstanding(id uint64) int {
	e := &a.enters[id%stackShards]
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.m[id]
}

// collect removes every entry for id across all threads, returning them for
// implicit-exit synthesis at close time. Entries stacked above a removed
// entry are removed too: the host abandoned them by closing their ancestor.
func (a *stackArena) collect(id uint64) []implicitExit {
	var out []implicitExit
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.Lock()
		for tid, stack := range s.m {
			idx := -1
			for j := range stack {
				if stack[j].id == id {
					idx = j
					break
				}
			}
			if idx < 0 {
				continue
			}
			for j := len(stack) - 1; j >= idx; j-- {
				out = append(out, implicitExit{tid: tid, entry: stack[j], depth: uint16(j + 1)})
			}
			if idx == 0 {
				delete(s.m, tid)
			} else {
				s.m[tid] = stack[:idx]
			}
		}
		s.mu.Unlock()
	}
	for _, ex := range out {
		a.addEnter(ex.entry.id, -1)
	}
	return out
}

func (a *stackArena) addEnter(id uint64, delta int) {
	e := &a.enters[id%stackShards]
	e.mu.Lock()
	n := e.m[id] + delta
	if n <= 0 {
		delete(e.m, id)
	} else {
		e.m[id] = n
	}
	e.mu.Unlock()
}
