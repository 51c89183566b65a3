// Copyright 2025 The keel Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package keel

import (
	"errors"

	"github.com/keelkv/keel/internal/tailscan"
)

var (
	// ErrCorruptChain reports mid-file corruption discovered on open;
	// the store refuses to open.
	ErrCorruptChain = tailscan.ErrCorruptChain

	// ErrTruncatedTail is returned by read-only opens that would
	// otherwise need to truncate a torn tail.
	ErrTruncatedTail = errors.New("store has a torn tail and was opened read-only")

	// ErrChecksumMismatch is returned by Handle.VerifyChecksum when
	// the payload bytes no longer match the stored CRC32C.
	ErrChecksumMismatch = errors.New("payload checksum mismatch")

	// ErrCompactionConflict is returned by Compact while another
	// compaction is in progress.
	ErrCompactionConflict = errors.New("compaction already in progress")

	// ErrInvalidArgument covers empty keys, empty payloads, payloads
	// indistinguishable from tombstones, and self-renames.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrKeyNotFound is returned by operations that require the key to
	// exist (Rename, CopyTo, MoveTo).  Read and ReadStream report a
	// missing key with a false second return instead.
	ErrKeyNotFound = errors.New("key not found")

	// ErrReadOnly is returned by mutating calls on a read-only store.
	ErrReadOnly = errors.New("store is read-only")

	// ErrClosed is returned by writes, deletes, Flush, and Compact
	// after Close; reads on a closed store report every key as absent.
	ErrClosed = errors.New("store is closed")
)
