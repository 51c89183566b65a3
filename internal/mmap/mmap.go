// Copyright 2025 The keel Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package mmap owns the read-only memory mapping of a store file and
// its replacement as the file grows.  Readers pin the current mapping
// with Snapshot; a pinned mapping stays valid after any number of
// remaps and is unmapped only when the last reference drops.
package mmap

import (
	"os"
	"sync"
	"sync/atomic"
)

// Mapping is a reference-counted read-only view of a file prefix.
// The zero-length mapping carries no OS resources.
type Mapping struct {
	data []byte
	refs atomic.Int64
}

// Bytes returns the mapped bytes.  The slice must not be written to
// and must not be used after the last reference is released.
func (m *Mapping) Bytes() []byte {
	return m.data
}

// Len returns the mapped length in bytes.
func (m *Mapping) Len() uint64 {
	return uint64(len(m.data))
}

// Ref takes an additional reference on the mapping.
func (m *Mapping) Ref() *Mapping {
	m.refs.Add(1)
	return m
}

// Release drops one reference.  The underlying pages are unmapped when
// the count reaches zero.
func (m *Mapping) Release() {
	if m.refs.Add(-1) == 0 && m.data != nil {
		_ = munmap(m.data)
		m.data = nil
	}
}

// View pairs a file handle with the current mapping of its committed
// prefix.  Remap and SwapFile are only called with the store's writer
// lock held; Snapshot may be called from any goroutine.
type View struct {
	mu  sync.Mutex
	f   *os.File
	cur *Mapping
}

// NewView maps the first length bytes of f.
func NewView(f *os.File, length uint64) (*View, error) {
	m, err := mapFile(f, length)
	if err != nil {
		return nil, err
	}
	return &View{f: f, cur: m}, nil
}

// Snapshot pins and returns the current mapping.  The caller owns one
// reference and must Release it.
func (v *View) Snapshot() *Mapping {
	v.mu.Lock()
	m := v.cur.Ref()
	v.mu.Unlock()
	return m
}

// Len returns the length of the current mapping.
func (v *View) Len() uint64 {
	v.mu.Lock()
	n := v.cur.Len()
	v.mu.Unlock()
	return n
}

// File returns the underlying file handle.
func (v *View) File() *os.File {
	return v.f
}

// Remap installs a fresh mapping covering [0, newLen).  Outstanding
// snapshots keep the previous mapping alive until released.
func (v *View) Remap(newLen uint64) error {
	m, err := mapFile(v.f, newLen)
	if err != nil {
		return err
	}
	v.mu.Lock()
	old := v.cur
	v.cur = m
	v.mu.Unlock()
	old.Release()
	return nil
}

// SwapFile replaces the view's file handle and mapping in one step.
// The previous file is closed; previous snapshots stay valid.
func (v *View) SwapFile(f *os.File, length uint64) error {
	m, err := mapFile(f, length)
	if err != nil {
		return err
	}
	v.mu.Lock()
	old, oldF := v.cur, v.f
	v.cur, v.f = m, f
	v.mu.Unlock()
	old.Release()
	return oldF.Close()
}

// Close releases the view's own reference and closes the file.
func (v *View) Close() error {
	v.mu.Lock()
	old := v.cur
	v.cur = &Mapping{}
	v.cur.refs.Store(1)
	v.mu.Unlock()
	if old != nil {
		old.Release()
	}
	return v.f.Close()
}

// mapFile returns a mapping of the first length bytes of f with one
// reference held.  A zero length yields an empty mapping without
// touching the OS.
func mapFile(f *os.File, length uint64) (*Mapping, error) {
	m := &Mapping{}
	m.refs.Store(1)
	if length == 0 {
		return m, nil
	}
	data, err := mmapFile(f, int(length))
	if err != nil {
		return nil, err
	}
	m.data = data
	return m, nil
}
