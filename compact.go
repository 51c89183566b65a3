// Copyright 2025 The keel Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package keel

import (
	"bufio"
	"fmt"
	"os"
	"sort"

	"github.com/keelkv/keel/internal/codec"
	"github.com/keelkv/keel/internal/index"
	"github.com/keelkv/keel/internal/zero"
)

// Compact rewrites the live set into <path>.compact and atomically
// renames it over the store file.  Live entries are copied in
// ascending payload order; alignment, chain offsets, and checksums are
// recomputed as they land in the new file.  Readers holding Handles on
// the old map keep them until they close; new reads see the compacted
// file.
func (s *Store) Compact() error {
	if err := s.writable(); err != nil {
		return err
	}
	if !s.compacting.CompareAndSwap(false, true) {
		return ErrCompactionConflict
	}
	defer s.compacting.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.retryRollbackLocked(); err != nil {
		return err
	}

	live := s.idx.Snapshot()
	sort.Slice(live, func(i, j int) bool {
		return live[i].Entry.Start < live[j].Entry.Start
	})

	m := s.view.Snapshot()
	defer m.Release()

	tmpPath := s.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("os.OpenFile(%s): %w", tmpPath, err)
	}
	// Best effort: the temp file only survives an error return.
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	w := bufio.NewWriterSize(tmp, writeBufferSize)
	data := m.Bytes()
	var tail uint64
	var pad [codec.PayloadAlign]byte
	rebuilt := make([]index.KV, 0, len(live))

	for _, kv := range live {
		prevTail := tail
		payload := data[kv.Entry.Start:kv.Entry.End]

		padLen := codec.PadLen(prevTail)
		zero.Bytes(pad[:padLen])
		if _, err := w.Write(pad[:padLen]); err != nil {
			cleanup()
			return fmt.Errorf("compact write: %w", err)
		}
		tail += padLen
		start := tail

		if _, err := w.Write(payload); err != nil {
			cleanup()
			return fmt.Errorf("compact write: %w", err)
		}
		tail += uint64(len(payload))

		tr := codec.Trailer{
			KeyHash:  kv.Hash,
			PrevTail: prevTail,
			Checksum: codec.Checksum(payload),
		}
		var trBuf [codec.TrailerSize]byte
		tr.Encode(trBuf[:])
		if _, err := w.Write(trBuf[:]); err != nil {
			cleanup()
			return fmt.Errorf("compact write: %w", err)
		}
		rebuilt = append(rebuilt, index.KV{Hash: kv.Hash, Entry: index.Entry{Start: start, End: tail}})
		tail += codec.TrailerSize
	}

	if err := w.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("compact flush: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("compact sync: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return fmt.Errorf("os.Rename: %w", err)
	}

	// Swap the mapped view onto the new file; outstanding snapshots of
	// the old mapping stay alive until their handles drop.  Readers
	// pair index and map under swapMu, so the coordinate change is one
	// atomic step from their point of view.
	s.swapMu.Lock()
	if err := s.view.SwapFile(tmp, tail); err != nil {
		s.swapMu.Unlock()
		return fmt.Errorf("compact remap: %w", err)
	}
	s.f = tmp
	s.w = bufio.NewWriterSize(tmp, writeBufferSize)

	s.idx.Reset()
	for _, kv := range rebuilt {
		s.idx.Put(kv.Hash, kv.Entry)
	}
	s.tail.Store(tail)
	s.swapMu.Unlock()

	s.opts.logger.Info("compaction complete",
		"path", s.path, "live", len(rebuilt), "len", tail)
	return nil
}
