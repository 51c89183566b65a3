// Copyright 2025 The keel Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package index maps 64-bit key hashes to payload windows in the
// store file.  The map is sharded so point lookups never contend with
// updates to unrelated keys; all mutation happens under the store's
// writer lock, so each shard sees at most one writer.
package index

import "sync"

const numShards = 64

// Entry locates one live payload inside the mapped file.
type Entry struct {
	Start uint64 // absolute payload start, PayloadAlign-aligned for values
	End   uint64 // absolute payload end; the trailer begins here
}

// Len returns the payload length in bytes.
func (e Entry) Len() uint64 {
	return e.End - e.Start
}

// KV pairs a key hash with its entry for snapshot iteration.
type KV struct {
	Hash  uint64
	Entry Entry
}

type shard struct {
	mu sync.RWMutex
	m  map[uint64]Entry
}

// Map is the concurrent key index.  Keys are XXH3-64 hashes; two keys
// with the same hash alias, which is the documented collision policy.
type Map struct {
	shards [numShards]shard
}

func New() *Map {
	m := &Map{}
	for i := range m.shards {
		m.shards[i].m = make(map[uint64]Entry)
	}
	return m
}

func (m *Map) shardFor(hash uint64) *shard {
	return &m.shards[hash%numShards]
}

// Get returns the live entry for hash, if any.
func (m *Map) Get(hash uint64) (Entry, bool) {
	s := m.shardFor(hash)
	s.mu.RLock()
	e, ok := s.m[hash]
	s.mu.RUnlock()
	return e, ok
}

// Put installs the latest entry for hash and returns the one it
// replaced, if any.
func (m *Map) Put(hash uint64, e Entry) (prev Entry, replaced bool) {
	s := m.shardFor(hash)
	s.mu.Lock()
	prev, replaced = s.m[hash]
	s.m[hash] = e
	s.mu.Unlock()
	return prev, replaced
}

// Delete removes hash from the index (tombstone application) and
// returns the evicted entry, if any.
func (m *Map) Delete(hash uint64) (Entry, bool) {
	s := m.shardFor(hash)
	s.mu.Lock()
	prev, ok := s.m[hash]
	if ok {
		delete(s.m, hash)
	}
	s.mu.Unlock()
	return prev, ok
}

// Len returns the number of live keys.
func (m *Map) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Snapshot returns a point-in-time copy of all live entries in
// unspecified order.
func (m *Map) Snapshot() []KV {
	out := make([]KV, 0, m.Len())
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		for h, e := range s.m {
			out = append(out, KV{Hash: h, Entry: e})
		}
		s.mu.RUnlock()
	}
	return out
}

// Reset discards all entries.  Used when the index is rebuilt after a
// compaction swap.
func (m *Map) Reset() {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		s.m = make(map[uint64]Entry)
		s.mu.Unlock()
	}
}
