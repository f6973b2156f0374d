package exec

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/gdex/gdex/driver"
	"github.com/gdex/gdex/internal/xslices"
)

// DefaultReplayCapacity is the per-device bound on cached replay graphs.
// Each entry pins nontrivial device-side state, so the default is small.
const DefaultReplayCapacity = 8

// noEntry marks an absent arena link.
const noEntry = -1

// replayEntry is one arena slot of a replayCache.
type replayEntry struct {
	key   ConfigKey
	ptrs  []uintptr // Full pointer tuple, re-checked on hit to guard against key collisions.
	graph driver.ExecGraph

	// Doubly-linked recency order, encoded as arena indices.
	prev, next int
	live       bool
}

// ReplayStats counts the activity of one device's replay cache.
type ReplayStats struct {
	// Lookups is the number of get calls, Hits + Misses.
	Lookups int64
	Hits    int64
	// Misses includes stale index entries and key collisions, both of which
	// force a re-capture.
	Misses int64
	// Captures is the number of graphs inserted.
	Captures int64
	// Evictions is the number of graphs destroyed by capacity pressure or
	// same-key replacement.
	Evictions int64
}

// replayCache keeps the captured replay graphs of one device, bounded by
// capacity and reused by exact buffer-configuration match.
//
// Entries live in an arena addressed by index, with the most-recently-used
// order encoded as prev/next index pairs and a key→index lookup table. All
// operations take the cache's single mutex: capture and eviction are rare
// next to thunk dispatch, so correctness beats cache-internal parallelism
// here. The lock is never held while waiting on a device stream.
type replayCache struct {
	mu       sync.Mutex
	capacity int

	entries    []replayEntry
	freeSlots  []int
	head, tail int // MRU and LRU arena indices, noEntry when empty.
	index      map[ConfigKey]int
	size       int

	stats ReplayStats
}

func newReplayCache(capacity int) *replayCache {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	return &replayCache{
		capacity: capacity,
		head:     noEntry,
		tail:     noEntry,
		index:    make(map[ConfigKey]int),
	}
}

// get returns the graph captured for the exact buffer configuration
// (key, ptrs), promoting it to most-recently-used.
//
// A stale index entry -- the key maps to a slot that was concurrently
// evicted or reused for another key -- is cleaned up and reported absent
// rather than crashing. A key collision (same key, different pointer tuple)
// is reported absent as well, and logged: replaying a graph captured for a
// different configuration would corrupt buffers silently.
func (c *replayCache) get(key ConfigKey, ptrs []uintptr) (driver.ExecGraph, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Lookups++
	slot, found := c.index[key]
	if !found {
		c.stats.Misses++
		return nil, false
	}
	entry := &c.entries[slot]
	if !entry.live || entry.key != key {
		// Stale index entry, self-heal.
		delete(c.index, key)
		c.stats.Misses++
		return nil, false
	}
	if !ptrsEqual(entry.ptrs, ptrs) {
		klog.Warningf("replay cache key collision: key %#x matched a different buffer configuration; not replaying", uint64(key))
		c.stats.Misses++
		return nil, false
	}
	c.unlink(slot)
	c.linkFront(slot)
	c.stats.Hits++
	return entry.graph, true
}

// put inserts a freshly captured graph at most-recently-used position,
// evicting (and destroying) the least-recently-used entry if the cache is
// over capacity. If the key is already present, the previous graph is
// replaced and destroyed.
func (c *replayCache) put(key ConfigKey, ptrs []uintptr, graph driver.ExecGraph) {
	var evicted []driver.ExecGraph
	c.mu.Lock()
	c.stats.Captures++
	if slot, found := c.index[key]; found && c.entries[slot].live && c.entries[slot].key == key {
		evicted = append(evicted, c.entries[slot].graph)
		c.stats.Evictions++
		c.entries[slot].graph = graph
		c.entries[slot].ptrs = xslices.Copy(ptrs)
		c.unlink(slot)
		c.linkFront(slot)
		c.mu.Unlock()
		destroyGraphs(evicted)
		return
	}

	slot := c.allocSlot()
	c.entries[slot] = replayEntry{
		key:   key,
		ptrs:  xslices.Copy(ptrs),
		graph: graph,
		prev:  noEntry,
		next:  noEntry,
		live:  true,
	}
	c.index[key] = slot
	c.linkFront(slot)
	c.size++

	for c.size > c.capacity {
		lru := c.tail
		entry := &c.entries[lru]
		evicted = append(evicted, entry.graph)
		c.stats.Evictions++
		delete(c.index, entry.key)
		c.unlink(lru)
		entry.live = false
		entry.graph = nil
		entry.ptrs = nil
		c.freeSlots = append(c.freeSlots, lru)
		c.size--
	}
	c.mu.Unlock()
	// Release device state outside the lock.
	destroyGraphs(evicted)
}

// drop destroys every cached graph. Used on Finalize.
func (c *replayCache) drop() {
	c.mu.Lock()
	var graphs []driver.ExecGraph
	for i := range c.entries {
		if c.entries[i].live {
			graphs = append(graphs, c.entries[i].graph)
		}
	}
	c.entries = nil
	c.freeSlots = nil
	c.index = make(map[ConfigKey]int)
	c.head, c.tail = noEntry, noEntry
	c.size = 0
	c.mu.Unlock()
	destroyGraphs(graphs)
}

// len returns the current number of live entries.
func (c *replayCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// statsSnapshot returns a copy of the activity counters. Counters survive
// drop, they count since cache creation.
func (c *replayCache) statsSnapshot() ReplayStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// allocSlot returns a free arena index, growing the arena if needed.
// Must be called with c.mu held.
func (c *replayCache) allocSlot() int {
	if n := len(c.freeSlots); n > 0 {
		slot := c.freeSlots[n-1]
		c.freeSlots = c.freeSlots[:n-1]
		return slot
	}
	c.entries = append(c.entries, replayEntry{})
	return len(c.entries) - 1
}

// unlink removes the slot from the recency list.
// Must be called with c.mu held.
func (c *replayCache) unlink(slot int) {
	entry := &c.entries[slot]
	if entry.prev != noEntry {
		c.entries[entry.prev].next = entry.next
	} else if c.head == slot {
		c.head = entry.next
	}
	if entry.next != noEntry {
		c.entries[entry.next].prev = entry.prev
	} else if c.tail == slot {
		c.tail = entry.prev
	}
	entry.prev, entry.next = noEntry, noEntry
}

// linkFront inserts the slot at most-recently-used position.
// Must be called with c.mu held.
func (c *replayCache) linkFront(slot int) {
	entry := &c.entries[slot]
	entry.prev = noEntry
	entry.next = c.head
	if c.head != noEntry {
		c.entries[c.head].prev = slot
	}
	c.head = slot
	if c.tail == noEntry {
		c.tail = slot
	}
}

func ptrsEqual(a, b []uintptr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func destroyGraphs(graphs []driver.ExecGraph) {
	for _, graph := range graphs {
		if err := graph.Destroy(); err != nil {
			klog.Warningf("failed to destroy evicted replay graph: %+v", err)
		}
	}
}
