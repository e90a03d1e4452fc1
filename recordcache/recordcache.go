// Package recordcache implements the shared, bounded, best-effort record
// cache (spec.md §4.6). Weight is variable per entry
// (key_size + record.EstimatedEncodedSize()), matching
// original_source/crates/types/src/logs/record_cache.rs's weighted-LRU
// eviction rather than a flat per-entry cost.
package recordcache

import (
	"container/list"
	"sync"

	"github.com/restatedev/bifrost/logs"
)

// Key identifies a cached record by the loglet it belongs to and its
// offset within that loglet.
type Key struct {
	Loglet logs.LogletID
	Offset logs.LogletOffset
}

const keySize = 8 + 4 // Loglet (uint64) + Offset (uint32); the on-disk data key (logs.DataKeyLen) is wider

type entry struct {
	key    Key
	rec    logs.Record
	weight int
}

// Cache is a sharded, byte-budgeted LRU. When budget is 0 it is a no-op:
// correctness never depends on a hit (spec.md §4.6), so Get always misses
// and Put always discards.
type Cache struct {
	shards    []*shard
	shardMask uint64
}

const shardCount = 16 // power of two, for shardMask

// New creates a Cache with the given total byte budget split evenly across
// shards, so concurrent producers (writers, readers across loglets) don't
// contend on one lock.
func New(budgetBytes int) *Cache {
	c := &Cache{shards: make([]*shard, shardCount), shardMask: shardCount - 1}
	perShard := budgetBytes / shardCount
	for i := range c.shards {
		c.shards[i] = newShard(perShard)
	}
	return c
}

func (c *Cache) shardFor(k Key) *shard {
	h := uint64(k.Loglet)*1099511628211 ^ uint64(k.Offset)
	return c.shards[h&c.shardMask]
}

// Get returns the cached record for key, if present. Non-blocking.
func (c *Cache) Get(k Key) (logs.Record, bool) {
	return c.shardFor(k).get(k)
}

// Put inserts or refreshes a record in the cache. Non-blocking on the hot
// read/write path; eviction runs inline under a per-shard lock that's never
// held across I/O.
func (c *Cache) Put(k Key, rec logs.Record) {
	c.shardFor(k).put(k, rec)
}

type shard struct {
	mu       sync.Mutex
	budget   int
	used     int
	ll       *list.List
	elements map[Key]*list.Element
}

func newShard(budget int) *shard {
	return &shard{budget: budget, ll: list.New(), elements: make(map[Key]*list.Element)}
}

func (s *shard) get(k Key) (logs.Record, bool) {
	if s.budget <= 0 {
		return logs.Record{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elements[k]
	if !ok {
		return logs.Record{}, false
	}
	s.ll.MoveToFront(el)
	return el.Value.(*entry).rec, true
}

func (s *shard) put(k Key, rec logs.Record) {
	if s.budget <= 0 {
		return
	}
	weight := keySize + rec.EstimatedEncodedSize()
	if weight > s.budget {
		// Never fits; don't bother (best-effort cache, per spec.md §4.6).
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.elements[k]; ok {
		old := el.Value.(*entry)
		s.used += weight - old.weight
		old.rec = rec
		old.weight = weight
		s.ll.MoveToFront(el)
	} else {
		el := s.ll.PushFront(&entry{key: k, rec: rec, weight: weight})
		s.elements[k] = el
		s.used += weight
	}

	for s.used > s.budget {
		back := s.ll.Back()
		if back == nil {
			break
		}
		ev := back.Value.(*entry)
		s.ll.Remove(back)
		delete(s.elements, ev.key)
		s.used -= ev.weight
	}
}

// Len reports the number of cached entries across all shards, for tests and
// diagnostics.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.ll.Len()
		s.mu.Unlock()
	}
	return total
}
