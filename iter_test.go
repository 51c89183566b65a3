// Copyright 2025 The keel Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package keel

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIterEntries(t *testing.T) {
	s := openTestStore(t)

	expected := make(map[uint64][]byte)
	for i := 0; i < 50; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		v := []byte(fmt.Sprintf("value-%d", i))
		require.NoError(t, s.Write(k, v))
		expected[hashKey(k)] = v
	}
	// Overwrites and deletes must not produce duplicates or ghosts.
	require.NoError(t, s.Write([]byte("key-0"), []byte("value-0")))
	require.NoError(t, s.Delete([]byte("key-13")))
	delete(expected, hashKey([]byte("key-13")))

	it := s.IterEntries()
	defer it.Close()

	seen := make(map[uint64][]byte)
	for {
		h, ok := it.Next()
		if !ok {
			break
		}
		_, dup := seen[h.KeyHash()]
		require.False(t, dup, "key hash seen twice")
		seen[h.KeyHash()] = append([]byte(nil), h.Bytes()...)
		h.Close()
	}
	assert.Equal(t, expected, seen)
}

func TestIterSnapshotIgnoresLaterWrites(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Write([]byte("a"), []byte("1")))

	it := s.IterEntries()
	defer it.Close()

	require.NoError(t, s.Write([]byte("b"), []byte("2")))

	count := 0
	for {
		h, ok := it.Next()
		if !ok {
			break
		}
		count++
		h.Close()
	}
	assert.Equal(t, 1, count)
}

func TestForEachParallel(t *testing.T) {
	s := openTestStore(t)
	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, s.Write([]byte(fmt.Sprintf("key-%d", i)), []byte{byte(i), byte(i >> 8)}))
	}

	var mu sync.Mutex
	seen := make(map[uint64]struct{})
	err := s.ForEachParallel(context.Background(), 8, func(h *Handle) error {
		if err := h.VerifyChecksum(); err != nil {
			return err
		}
		mu.Lock()
		seen[h.KeyHash()] = struct{}{}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, n)
}

func TestForEachParallelPropagatesError(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Write([]byte(fmt.Sprintf("key-%d", i)), []byte("v")))
	}

	wantErr := fmt.Errorf("visitor failed")
	err := s.ForEachParallel(context.Background(), 4, func(h *Handle) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestForEachParallelCancel(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Write([]byte(fmt.Sprintf("key-%d", i)), []byte("v")))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.ForEachParallel(ctx, 4, func(h *Handle) error {
		return nil
	})
	// The producer reports the cancellation; a nil error is possible
	// only if iteration finished first.
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
