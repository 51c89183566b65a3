// Copyright 2025 The keel Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package keel

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/keelkv/keel/internal/mmap"
	"github.com/keelkv/keel/internal/tailscan"
)

// EntryIter walks a point-in-time snapshot of the store's live
// entries, newest first, returning each key's latest version exactly
// once and skipping tombstoned keys.  Make sure to call Close.
type EntryIter struct {
	m      *mmap.Mapping
	cursor uint64
	seen   map[uint64]struct{}
}

// IterEntries returns an iterator over all live entries as of the
// call.  Writes performed afterwards are not observed.
func (s *Store) IterEntries() *EntryIter {
	// Load the tail before pinning the map: the tail is advanced only
	// after the matching remap, so cursor ≤ m.Len() always holds.
	s.swapMu.RLock()
	cursor := s.tail.Load()
	m := s.view.Snapshot()
	s.swapMu.RUnlock()
	return &EntryIter{
		m:      m,
		cursor: cursor,
		seen:   make(map[uint64]struct{}),
	}
}

// Next returns the next live entry.  The returned Handle must be
// closed by the caller.
func (it *EntryIter) Next() (*Handle, bool) {
	data := it.m.Bytes()
	for it.cursor > 0 {
		e, ok := tailscan.ParseEntryAt(data, it.cursor)
		if !ok {
			// The snapshot was validated at open and grows only by
			// whole entries, so the chain cannot dangle mid-file.
			it.cursor = 0
			return nil, false
		}
		tr := trailerAt(data, e.End)
		it.cursor = tr.PrevTail

		if _, dup := it.seen[e.KeyHash]; dup {
			continue
		}
		it.seen[e.KeyHash] = struct{}{}
		if e.Tombstone {
			continue
		}
		return newHandle(it.m.Ref(), e.Start, e.End, tr), true
	}
	return nil, false
}

// Close releases the iterator's map snapshot.  Handles returned by
// Next stay valid.
func (it *EntryIter) Close() {
	if it.m != nil {
		it.m.Release()
		it.m = nil
	}
}

// ForEach calls fn for every live entry in the snapshot, closing each
// handle after fn returns.  Iteration stops on the first error.
func (s *Store) ForEach(fn func(*Handle) error) error {
	it := s.IterEntries()
	defer it.Close()
	for {
		h, ok := it.Next()
		if !ok {
			return nil
		}
		err := fn(h)
		h.Close()
		if err != nil {
			return err
		}
	}
}

// ForEachParallel fans live entries out to workers goroutines.  Entry
// order across workers is unspecified.  fn owns each handle only for
// the duration of the call.
func (s *Store) ForEachParallel(ctx context.Context, workers int, fn func(*Handle) error) error {
	if workers < 1 {
		workers = 1
	}
	it := s.IterEntries()
	defer it.Close()

	g, ctx := errgroup.WithContext(ctx)
	ch := make(chan *Handle, workers)

	g.Go(func() error {
		defer close(ch)
		for {
			h, ok := it.Next()
			if !ok {
				return nil
			}
			select {
			case ch <- h:
			case <-ctx.Done():
				h.Close()
				return ctx.Err()
			}
		}
	})

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for h := range ch {
				err := fn(h)
				h.Close()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}
