// Copyright 2025 The keel Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package tailscan validates the entry chain of a store file on open.
//
// The chain is anchored at the file tail: each trailer names the
// offset where the previous entry's trailer ended, so walking
// trailers backward from the end must land exactly on offset 0.
// Bytes past the last offset that anchors a complete chain are a torn
// tail from an interrupted append and are safe to discard.  A
// complete, checksum-valid entry sitting above bytes that do not
// chain to 0 means the damage is in the middle of the file, which is
// not recoverable.
package tailscan

import (
	"errors"

	"github.com/keelkv/keel/internal/codec"
)

// ErrCorruptChain reports mid-file corruption: at least one intact
// entry exists above bytes that do not form a valid chain back to
// offset 0.
var ErrCorruptChain = errors.New("entry chain corrupt before file tail")

// Entry is one decoded chain element.
type Entry struct {
	KeyHash   uint64
	Start     uint64 // absolute payload start
	End       uint64 // absolute payload end (trailer offset)
	Tombstone bool
}

// Result is the outcome of a scan.
type Result struct {
	// AcceptedLen is the length of the valid prefix.  Anything
	// between AcceptedLen and the scanned length is torn tail.
	AcceptedLen uint64

	// Entries holds every entry of the accepted chain in file order,
	// oldest first, including tombstones and overwritten versions.
	Entries []Entry
}

// Scan walks the chain in data from the tail.  It returns the longest
// prefix anchoring a complete chain, or ErrCorruptChain when an intact
// entry sits above unrecoverable bytes.
func Scan(data []byte) (Result, error) {
	l := uint64(len(data))
	if l == 0 {
		return Result{}, nil
	}

	// Walk the cursor down from the end.  The first offset that ends
	// a structurally valid, checksum-passing entry decides the file's
	// fate: its chain either reaches 0 (accept everything up to the
	// cursor) or it does not (corrupt middle).
	for cursor := l; cursor >= codec.TrailerSize+1; cursor-- {
		head, ok := ParseEntryAt(data, cursor)
		if !ok {
			continue
		}
		entries, ok := walkChain(data, head)
		if !ok {
			return Result{}, ErrCorruptChain
		}
		return Result{AcceptedLen: cursor, Entries: entries}, nil
	}

	// No valid entry anywhere: the whole file is torn tail.
	return Result{}, nil
}

// walkChain collects the chain ending at head, oldest first.  It
// reports false when the chain does not reach offset 0.
func walkChain(data []byte, head Entry) ([]Entry, bool) {
	// Chain length is unknown; collect newest-first then reverse.
	rev := []Entry{head}
	cursor := prevTailOf(data, head)

	for cursor != 0 {
		e, ok := ParseEntryAt(data, cursor)
		if !ok {
			return nil, false
		}
		rev = append(rev, e)
		cursor = prevTailOf(data, e)
	}

	entries := make([]Entry, 0, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		entries = append(entries, rev[i])
	}
	return entries, true
}

// prevTailOf re-reads the prev_tail field of e's trailer.
func prevTailOf(data []byte, e Entry) uint64 {
	tr := codec.DecodeTrailer(data[e.End : e.End+codec.TrailerSize])
	return tr.PrevTail
}

// ParseEntryAt validates a single entry whose trailer ends at end.
// Structure and checksum are both required; the deeper chain is not
// examined.
func ParseEntryAt(data []byte, end uint64) (Entry, bool) {
	if end < codec.TrailerSize+1 || end > uint64(len(data)) {
		return Entry{}, false
	}
	trailerOff := end - codec.TrailerSize
	tr := codec.DecodeTrailer(data[trailerOff:end])

	p := tr.PrevTail
	if p >= trailerOff {
		return Entry{}, false
	}

	// Tombstones are the single byte 0x00 directly after the previous
	// tail, with no pre-pad.
	if trailerOff-p == 1 && data[p] == codec.TombstoneByte {
		if !tr.Verify(data[p:trailerOff]) {
			return Entry{}, false
		}
		return Entry{KeyHash: tr.KeyHash, Start: p, End: trailerOff, Tombstone: true}, true
	}

	start := p + codec.PadLen(p)
	if start >= trailerOff {
		return Entry{}, false
	}
	if !tr.Verify(data[start:trailerOff]) {
		return Entry{}, false
	}
	return Entry{KeyHash: tr.KeyHash, Start: start, End: trailerOff}, true
}
