// Copyright 2025 The keel Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package keel is a single-file, append-only, schema-less key/value
// storage engine with zero-copy reads through a memory-mapped view.
//
// Keys are arbitrary byte strings collapsed to their 64-bit XXH3
// hash; values are opaque blobs.  A store file is nothing but a chain
// of entries:
//
//	┌───────────────────┐
//	│ pad (0–63 zeros)  │  brings the payload start to a
//	├───────────────────┤  64-byte boundary
//	│ payload           │
//	├───────────────────┤
//	│ 20-byte trailer   │  key hash | prev tail | CRC32C
//	├───────────────────┤
//	│ pad               │
//	│ payload           │
//	│ trailer           │
//	├───────────────────┤
//	│ …                 │
//	└───────────────────┘
//
// Each trailer records the offset at which the previous entry's
// trailer ended, so the whole file can be validated by walking the
// chain from the tail back to offset 0.  On open, bytes past the last
// offset that anchors a complete chain (a torn tail from an
// interrupted append) are truncated away; damage underneath intact
// entries refuses to open with ErrCorruptChain.
//
// Writes append: overwriting a key appends a new version, deleting a
// key appends a tombstone (a single 0x00 payload byte).  Compact
// rewrites the live set into a sibling file and atomically renames it
// over the original.
//
// All mutating calls serialize on one writer lock.  Reads never take
// it: they look up the in-memory key index and pin the current map
// with a reference-counted Handle, which stays valid — along with its
// payload bytes — however many appends or remaps happen afterwards.
//
// The payload alignment (64) is a compile-time constant of the file
// format; files written with a different alignment are incompatible.
// Hash collisions alias: two keys with the same XXH3-64 value are the
// same key as far as the store is concerned.
package keel
