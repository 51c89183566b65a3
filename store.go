// Copyright 2025 The keel Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package keel

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"

	"github.com/keelkv/keel/internal/codec"
	"github.com/keelkv/keel/internal/index"
	"github.com/keelkv/keel/internal/lockfile"
	"github.com/keelkv/keel/internal/mmap"
	"github.com/keelkv/keel/internal/tailscan"
	"github.com/keelkv/keel/internal/unsafestring"
	"github.com/keelkv/keel/internal/zero"
)

const writeBufferSize = 4 * 1024 * 1024

// Store is an append-only single-file key/value container.  One Store
// owns its file exclusively within the process and across processes
// (advisory lock); all mutating calls serialize on an internal writer
// lock, while reads never take it and work against a pinned map
// snapshot.
type Store struct {
	path string
	opts options

	mu   sync.Mutex // writer lock: file, w, dirtyTail, index mutation
	f    *os.File
	w    *bufio.Writer
	view *mmap.View
	idx  *index.Map
	tail atomic.Uint64 // committed tail; advanced only after sync+remap

	// swapMu pairs an index lookup with its map snapshot.  Appends
	// never take it (offsets are stable across remaps); only the
	// compaction swap write-locks it, for the duration of the pointer
	// swap, so readers are never blocked behind file I/O.
	swapMu sync.RWMutex

	flock      *lockfile.Lock
	closed     atomic.Bool
	compacting atomic.Bool

	// dirtyTail is set when a failed append may have left bytes past
	// the committed tail; the next mutation retries the rollback first.
	dirtyTail bool

	pad [codec.PayloadAlign]byte
}

// Open opens or creates the store at path, recovering the entry chain
// and rebuilding the key index.  A torn tail is truncated (with a
// warning on the configured logger) unless the store is read-only.
func Open(path string, optFns ...Option) (*Store, error) {
	opts := defaultOptions()
	for _, opt := range optFns {
		opt(&opts)
	}

	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("filepath.Abs: %w", err)
	}

	flock, err := lockfile.Acquire(path)
	if err != nil {
		return nil, err
	}

	flag := os.O_RDWR | os.O_CREATE
	if opts.readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		_ = flock.Release()
		return nil, fmt.Errorf("os.OpenFile(%s): %w", path, err)
	}

	s, err := newStore(path, f, flock, opts)
	if err != nil {
		_ = f.Close()
		_ = flock.Release()
		return nil, err
	}
	return s, nil
}

func newStore(path string, f *os.File, flock *lockfile.Lock, opts options) (*Store, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("f.Stat: %w", err)
	}
	fileLen := uint64(fi.Size())

	view, err := mmap.NewView(f, fileLen)
	if err != nil {
		return nil, err
	}

	m := view.Snapshot()
	res, err := tailscan.Scan(m.Bytes())
	m.Release()
	if err != nil {
		_ = view.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if res.AcceptedLen < fileLen {
		if opts.readOnly {
			_ = view.Close()
			return nil, fmt.Errorf("%s: %d trailing bytes: %w", path, fileLen-res.AcceptedLen, ErrTruncatedTail)
		}
		opts.logger.Warn("truncating torn tail",
			"path", path, "from", fileLen, "to", res.AcceptedLen)
		if err := f.Truncate(int64(res.AcceptedLen)); err != nil {
			_ = view.Close()
			return nil, fmt.Errorf("f.Truncate: %w", err)
		}
		if err := f.Sync(); err != nil {
			_ = view.Close()
			return nil, fmt.Errorf("f.Sync: %w", err)
		}
		if err := view.Remap(res.AcceptedLen); err != nil {
			_ = view.Close()
			return nil, err
		}
	}

	idx := index.New()
	for _, e := range res.Entries {
		if e.Tombstone {
			idx.Delete(e.KeyHash)
		} else {
			idx.Put(e.KeyHash, index.Entry{Start: e.Start, End: e.End})
		}
	}

	s := &Store{
		path:  path,
		opts:  opts,
		f:     f,
		view:  view,
		idx:   idx,
		flock: flock,
	}
	s.tail.Store(res.AcceptedLen)

	if !opts.readOnly {
		if _, err := f.Seek(int64(res.AcceptedLen), io.SeekStart); err != nil {
			_ = view.Close()
			return nil, fmt.Errorf("f.Seek: %w", err)
		}
		s.w = bufio.NewWriterSize(f, writeBufferSize)
	}

	opts.logger.Debug("store opened",
		"path", path, "len", res.AcceptedLen, "live", idx.Len())
	return s, nil
}

// Path returns the absolute path of the store file.
func (s *Store) Path() string {
	return s.path
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	return s.idx.Len()
}

// Size returns the current store file size in bytes.
func (s *Store) Size() (uint64, error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return uint64(fi.Size()), nil
}

// Close flushes pending writes and releases the map, the file, and
// the process lock.  Outstanding Handles stay valid until closed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.w != nil {
		if err := s.w.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.view.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.flock.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// hashKey is the store's single key hash: XXH3-64 over the raw key
// bytes, the same value written to disk.
func hashKey(key []byte) uint64 {
	return xxh3.Hash(key)
}

// ---------------------------------------------------------------------
// Write path

type hashedItem struct {
	hash      uint64
	payload   []byte
	tombstone bool
}

// Write appends a single key/value entry.  A completed Write is
// immediately visible to readers and durable once it returns (unless
// the store was opened WithoutSync).
func (s *Store) Write(key, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validatePayload(value); err != nil {
		return err
	}
	return s.append([]hashedItem{{hash: hashKey(key), payload: value}})
}

// WriteString is Write for string keys, without copying the key.
func (s *Store) WriteString(key string, value []byte) error {
	return s.Write(unsafestring.ToBytes(key), value)
}

// BatchWrite appends all items with one lock acquisition, one flush,
// one sync, and one remap.  Either every item commits or none does;
// duplicate keys within the batch resolve last-writer-wins.
func (s *Store) BatchWrite(items []KV) error {
	if len(items) == 0 {
		return nil
	}
	hashed := make([]hashedItem, len(items))
	for i, kv := range items {
		if err := validateKey(kv.Key); err != nil {
			return err
		}
		if err := validatePayload(kv.Value); err != nil {
			return err
		}
		hashed[i] = hashedItem{hash: hashKey(kv.Key), payload: kv.Value}
	}
	return s.append(hashed)
}

// KV is one BatchWrite item.
type KV struct {
	Key   []byte
	Value []byte
}

// Delete appends a tombstone for key and evicts it from the index.
func (s *Store) Delete(key []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.append([]hashedItem{{hash: hashKey(key), tombstone: true}})
}

// DeleteString is Delete for string keys.
func (s *Store) DeleteString(key string) error {
	return s.Delete(unsafestring.ToBytes(key))
}

// Flush forces everything appended so far onto durable storage.
func (s *Store) Flush() error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Sync()
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("empty key: %w", ErrInvalidArgument)
	}
	return nil
}

func validatePayload(value []byte) error {
	if len(value) == 0 {
		return fmt.Errorf("empty payload: %w", ErrInvalidArgument)
	}
	if len(value) == 1 && value[0] == codec.TombstoneByte {
		return fmt.Errorf("single NULL byte payloads are reserved for tombstones: %w", ErrInvalidArgument)
	}
	return nil
}

func (s *Store) writable() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.opts.readOnly {
		return ErrReadOnly
	}
	return nil
}

// append is the single mutation path: every Write, BatchWrite, and
// Delete funnels through here.
func (s *Store) append(items []hashedItem) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.retryRollbackLocked(); err != nil {
		return err
	}

	base := s.tail.Load()
	tail := base
	type pub struct {
		hash      uint64
		entry     index.Entry
		tombstone bool
	}
	pubs := make([]pub, 0, len(items))

	for _, item := range items {
		prevTail := tail
		payload := item.payload
		if item.tombstone {
			payload = []byte{codec.TombstoneByte}
		} else {
			padLen := codec.PadLen(prevTail)
			zero.Bytes(s.pad[:padLen])
			if _, err := s.w.Write(s.pad[:padLen]); err != nil {
				return s.rollbackLocked(base, err)
			}
			tail += padLen
		}
		start := tail
		if _, err := s.w.Write(payload); err != nil {
			return s.rollbackLocked(base, err)
		}
		tail += uint64(len(payload))

		tr := codec.Trailer{
			KeyHash:  item.hash,
			PrevTail: prevTail,
			Checksum: codec.Checksum(payload),
		}
		var trBuf [codec.TrailerSize]byte
		tr.Encode(trBuf[:])
		if _, err := s.w.Write(trBuf[:]); err != nil {
			return s.rollbackLocked(base, err)
		}
		end := tail
		tail += codec.TrailerSize

		pubs = append(pubs, pub{hash: item.hash, entry: index.Entry{Start: start, End: end}, tombstone: item.tombstone})
	}

	if err := s.commitLocked(base, tail); err != nil {
		return err
	}
	for _, p := range pubs {
		if p.tombstone {
			s.idx.Delete(p.hash)
		} else {
			s.idx.Put(p.hash, p.entry)
		}
	}
	s.tail.Store(tail)
	return nil
}

// commitLocked flushes and syncs the appended bytes, then installs a
// mapping that covers them.  The index and tail are only touched by
// the caller after commitLocked succeeds, so readers never observe a
// partially committed operation.
func (s *Store) commitLocked(base, tail uint64) error {
	if err := s.w.Flush(); err != nil {
		return s.rollbackLocked(base, err)
	}
	if s.opts.syncWrites {
		if err := s.f.Sync(); err != nil {
			return s.rollbackLocked(base, err)
		}
	}
	if err := s.view.Remap(tail); err != nil {
		return s.rollbackLocked(base, fmt.Errorf("remap: %w", err))
	}
	return nil
}

// rollbackLocked discards any bytes written past the committed tail
// after a failed append, so the next append continues a clean chain.
func (s *Store) rollbackLocked(base uint64, cause error) error {
	s.w.Reset(s.f)
	if err := s.f.Truncate(int64(base)); err != nil {
		s.dirtyTail = true
		return fmt.Errorf("append failed (%v); tail rollback also failed: %w", cause, err)
	}
	if _, err := s.f.Seek(int64(base), io.SeekStart); err != nil {
		s.dirtyTail = true
		return fmt.Errorf("append failed (%v); tail reseek also failed: %w", cause, err)
	}
	s.dirtyTail = false
	return cause
}

// retryRollbackLocked clears a failed rollback from an earlier append
// before new bytes are written.
func (s *Store) retryRollbackLocked() error {
	if !s.dirtyTail {
		return nil
	}
	base := s.tail.Load()
	if err := s.f.Truncate(int64(base)); err != nil {
		return fmt.Errorf("tail still dirty from failed append: %w", err)
	}
	if _, err := s.f.Seek(int64(base), io.SeekStart); err != nil {
		return fmt.Errorf("tail still dirty from failed append: %w", err)
	}
	s.w.Reset(s.f)
	s.dirtyTail = false
	return nil
}

// WriteStream appends a payload of unknown length read incrementally
// from r, producing one contiguous entry.  The checksum is accumulated
// as chunks arrive and the trailer is written last, so a crash
// mid-stream leaves only a torn tail, and a reader failure is rolled
// back to the committed tail.
func (s *Store) WriteStream(key []byte, r io.Reader) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.writeStreamHashed(hashKey(key), r)
}

func (s *Store) writeStreamHashed(hash uint64, r io.Reader) error {
	if err := s.writable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.retryRollbackLocked(); err != nil {
		return err
	}

	base := s.tail.Load()
	prevTail := base
	tail := base

	padLen := codec.PadLen(prevTail)
	zero.Bytes(s.pad[:padLen])
	if _, err := s.w.Write(s.pad[:padLen]); err != nil {
		return s.rollbackLocked(base, err)
	}
	tail += padLen
	start := tail

	buf := make([]byte, s.opts.streamBufferLen)
	sum := codec.NewChecksum()
	total := uint64(0)
	nullOnly := true

	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			for _, b := range chunk {
				if b != codec.TombstoneByte {
					nullOnly = false
					break
				}
			}
			if _, werr := s.w.Write(chunk); werr != nil {
				return s.rollbackLocked(base, werr)
			}
			sum = codec.UpdateChecksum(sum, chunk)
			total += uint64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return s.rollbackLocked(base, fmt.Errorf("stream source: %w", err))
		}
	}

	if total == 0 {
		return s.rollbackLocked(base, fmt.Errorf("empty stream payload: %w", ErrInvalidArgument))
	}
	if nullOnly {
		return s.rollbackLocked(base, fmt.Errorf("NULL-byte-only stream payloads cannot be written: %w", ErrInvalidArgument))
	}
	tail += total

	tr := codec.Trailer{KeyHash: hash, PrevTail: prevTail, Checksum: sum}
	var trBuf [codec.TrailerSize]byte
	tr.Encode(trBuf[:])
	if _, err := s.w.Write(trBuf[:]); err != nil {
		return s.rollbackLocked(base, err)
	}
	end := tail
	tail += codec.TrailerSize

	if err := s.commitLocked(base, tail); err != nil {
		return err
	}
	s.idx.Put(hash, index.Entry{Start: start, End: end})
	s.tail.Store(tail)
	return nil
}

// ---------------------------------------------------------------------
// Read path

// Read returns a zero-copy Handle for the latest value of key, or
// false if the key is absent or deleted.  The caller must Close the
// Handle.
func (s *Store) Read(key []byte) (*Handle, bool) {
	if len(key) == 0 || s.closed.Load() {
		return nil, false
	}
	return s.readHashed(hashKey(key))
}

// ReadString is Read for string keys.
func (s *Store) ReadString(key string) (*Handle, bool) {
	return s.Read(unsafestring.ToBytes(key))
}

func (s *Store) readHashed(hash uint64) (*Handle, bool) {
	s.swapMu.RLock()
	e, ok := s.idx.Get(hash)
	if !ok {
		s.swapMu.RUnlock()
		return nil, false
	}
	// Entries are published only after the map covering them is
	// installed, so a snapshot taken now always contains e.
	m := s.view.Snapshot()
	s.swapMu.RUnlock()
	if e.End+codec.TrailerSize > m.Len() {
		m.Release()
		return nil, false
	}
	return newHandle(m, e.Start, e.End, trailerAt(m.Bytes(), e.End)), true
}

// BatchRead looks up many keys against a single map snapshot.  The
// i-th result is the handle for the i-th key, or nil when absent.
func (s *Store) BatchRead(keys [][]byte) []*Handle {
	out := make([]*Handle, len(keys))
	if s.closed.Load() {
		return out
	}
	s.swapMu.RLock()
	m := s.view.Snapshot()
	for i, key := range keys {
		if len(key) == 0 {
			continue
		}
		e, ok := s.idx.Get(hashKey(key))
		if !ok || e.End+codec.TrailerSize > m.Len() {
			continue
		}
		out[i] = newHandle(m.Ref(), e.Start, e.End, trailerAt(m.Bytes(), e.End))
	}
	s.swapMu.RUnlock()
	m.Release()
	return out
}

// Exists reports whether key has a live value.
func (s *Store) Exists(key []byte) bool {
	if len(key) == 0 || s.closed.Load() {
		return false
	}
	s.swapMu.RLock()
	_, ok := s.idx.Get(hashKey(key))
	s.swapMu.RUnlock()
	return ok
}

// ReadStream returns a streaming reader over the latest value of key.
func (s *Store) ReadStream(key []byte) (*EntryStream, bool) {
	h, ok := s.Read(key)
	if !ok {
		return nil, false
	}
	defer h.Close()
	return h.Stream(), true
}

// LastEntry returns a handle for the most recently appended live
// entry, whatever key it belongs to, or false when the store holds no
// live entry.  Tombstones and the versions they or later writes
// superseded are skipped.
func (s *Store) LastEntry() (*Handle, bool) {
	s.swapMu.RLock()
	tail := s.tail.Load()
	m := s.view.Snapshot()
	s.swapMu.RUnlock()
	data := m.Bytes()
	seen := make(map[uint64]struct{})
	for tail > 0 {
		e, ok := tailscan.ParseEntryAt(data, tail)
		if !ok {
			break
		}
		tr := trailerAt(data, e.End)
		if _, dup := seen[e.KeyHash]; !dup && !e.Tombstone {
			return newHandle(m, e.Start, e.End, tr), true
		}
		seen[e.KeyHash] = struct{}{}
		tail = tr.PrevTail
	}
	m.Release()
	return nil, false
}

// trailerAt decodes the trailer that begins at off.
func trailerAt(data []byte, off uint64) codec.Trailer {
	return codec.DecodeTrailer(data[off : off+codec.TrailerSize])
}

// ---------------------------------------------------------------------
// Cross-container and key maintenance operations

// Rename stores old's value under newKey and tombstones oldKey.
func (s *Store) Rename(oldKey, newKey []byte) error {
	if err := validateKey(oldKey); err != nil {
		return err
	}
	if err := validateKey(newKey); err != nil {
		return err
	}
	if string(oldKey) == string(newKey) {
		return fmt.Errorf("cannot rename a key to itself: %w", ErrInvalidArgument)
	}
	h, ok := s.Read(oldKey)
	if !ok {
		return fmt.Errorf("rename %q: %w", oldKey, ErrKeyNotFound)
	}
	stream := h.Stream()
	h.Close()
	defer func() { _ = stream.Close() }()

	if err := s.WriteStream(newKey, stream); err != nil {
		return err
	}
	return s.Delete(oldKey)
}

// CopyTo copies key's latest value into target, which must be a
// different store.
func (s *Store) CopyTo(key []byte, target *Store) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if target == nil || target.path == s.path {
		return fmt.Errorf("cannot copy an entry to the same store: %w", ErrInvalidArgument)
	}
	h, ok := s.Read(key)
	if !ok {
		return fmt.Errorf("copy %q: %w", key, ErrKeyNotFound)
	}
	stream := h.Stream()
	h.Close()
	defer func() { _ = stream.Close() }()

	return target.writeStreamHashed(hashKey(key), stream)
}

// MoveTo copies key into target and tombstones it here.
func (s *Store) MoveTo(key []byte, target *Store) error {
	if err := s.CopyTo(key, target); err != nil {
		return err
	}
	return s.Delete(key)
}

// EstimateCompactionSavings returns the number of bytes a Compact
// would reclaim: the difference between the file size and the space
// the live set needs.
func (s *Store) EstimateCompactionSavings() uint64 {
	total, err := s.Size()
	if err != nil {
		return 0
	}
	live := s.idx.Snapshot()
	sort.Slice(live, func(i, j int) bool {
		return live[i].Entry.Start < live[j].Entry.Start
	})
	var tail uint64
	for _, kv := range live {
		tail += codec.PadLen(tail) + kv.Entry.Len() + codec.TrailerSize
	}
	if tail >= total {
		return 0
	}
	return total - tail
}
