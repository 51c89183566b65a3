// Copyright 2025 The keel Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package mmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempFile(t *testing.T, contents []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "view.data")
	require.NoError(t, os.WriteFile(path, contents, 0o644))
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	return f
}

func TestViewEmptyFile(t *testing.T) {
	f := tempFile(t, nil)
	v, err := NewView(f, 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, v.Close()) }()

	require.Zero(t, v.Len())
	m := v.Snapshot()
	require.Empty(t, m.Bytes())
	m.Release()
}

func TestSnapshotSurvivesRemap(t *testing.T) {
	f := tempFile(t, []byte("hello"))
	v, err := NewView(f, 5)
	require.NoError(t, err)
	defer func() { require.NoError(t, v.Close()) }()

	old := v.Snapshot()
	require.Equal(t, []byte("hello"), old.Bytes())

	_, err = f.WriteAt([]byte(" world"), 5)
	require.NoError(t, err)
	require.NoError(t, v.Remap(11))

	// The pinned snapshot still sees only the old prefix.
	require.Equal(t, uint64(5), old.Len())
	require.Equal(t, []byte("hello"), old.Bytes())

	cur := v.Snapshot()
	require.Equal(t, []byte("hello world"), cur.Bytes())
	cur.Release()
	old.Release()
}

func TestSwapFile(t *testing.T) {
	f1 := tempFile(t, []byte("first"))
	v, err := NewView(f1, 5)
	require.NoError(t, err)

	pinned := v.Snapshot()

	f2 := tempFile(t, []byte("second"))
	require.NoError(t, v.SwapFile(f2, 6))

	require.Equal(t, []byte("first"), pinned.Bytes())
	cur := v.Snapshot()
	require.Equal(t, []byte("second"), cur.Bytes())
	cur.Release()
	pinned.Release()
	require.NoError(t, v.Close())
}
