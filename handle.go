// Copyright 2025 The keel Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package keel

import (
	"io"
	"runtime"

	"github.com/keelkv/keel/internal/codec"
	"github.com/keelkv/keel/internal/mmap"
)

// Handle is a zero-copy, read-only view of one entry's payload bytes.
// It pins the map snapshot it was created against, so the bytes stay
// valid after any number of later appends, remaps, or compactions.
// Call Close when done; a finalizer backstops leaked handles.
type Handle struct {
	m       *mmap.Mapping
	start   uint64
	end     uint64
	trailer codec.Trailer
	closed  bool
}

func newHandle(m *mmap.Mapping, start, end uint64, tr codec.Trailer) *Handle {
	h := &Handle{m: m, start: start, end: end, trailer: tr}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h
}

// Bytes returns the payload as a slice of the mapped file.  The slice
// must not be written to and must not outlive the Handle.
func (h *Handle) Bytes() []byte {
	return h.m.Bytes()[h.start:h.end]
}

// Len returns the payload length in bytes.
func (h *Handle) Len() int {
	return int(h.end - h.start)
}

// KeyHash returns the stored XXH3-64 of the entry's key.
func (h *Handle) KeyHash() uint64 {
	return h.trailer.KeyHash
}

// Checksum returns the stored CRC32C of the payload.
func (h *Handle) Checksum() uint32 {
	return h.trailer.Checksum
}

// StartOffset returns the absolute payload start within the file.
func (h *Handle) StartOffset() uint64 {
	return h.start
}

// EndOffset returns the absolute payload end; the trailer begins here.
func (h *Handle) EndOffset() uint64 {
	return h.end
}

// VerifyChecksum recomputes the payload CRC32C and returns
// ErrChecksumMismatch if it disagrees with the trailer.
func (h *Handle) VerifyChecksum() error {
	if !h.trailer.Verify(h.Bytes()) {
		return ErrChecksumMismatch
	}
	return nil
}

// Clone returns an independent Handle for the same entry.  The clone
// pins the mapping on its own and must be Closed separately.
func (h *Handle) Clone() *Handle {
	return newHandle(h.m.Ref(), h.start, h.end, h.trailer)
}

// Close releases the Handle's pin on its map snapshot.  It is safe to
// call more than once.
func (h *Handle) Close() {
	if h.closed {
		return
	}
	h.closed = true
	runtime.SetFinalizer(h, nil)
	h.m.Release()
}

// Stream returns a reader over the payload bytes.  The stream owns
// its own pin on the mapping, so the Handle may be closed while the
// stream is still being consumed.
func (h *Handle) Stream() *EntryStream {
	return &EntryStream{h: h.Clone()}
}

// EntryStream is a finite, non-restartable reader over one entry's
// payload.
type EntryStream struct {
	h   *Handle
	pos int
}

var _ io.ReadCloser = (*EntryStream)(nil)

func (es *EntryStream) Read(p []byte) (int, error) {
	data := es.h.Bytes()
	if es.pos >= len(data) {
		return 0, io.EOF
	}
	n := copy(p, data[es.pos:])
	es.pos += n
	return n, nil
}

// Close releases the stream's pin on the map snapshot.
func (es *EntryStream) Close() error {
	es.h.Close()
	return nil
}
