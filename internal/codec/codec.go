// Copyright 2025 The keel Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package codec implements the fixed 20-byte entry trailer and the
// pad/checksum math shared by the writer, the recovery scanner, and
// readers.
//
// An entry on disk is `pad + payload + trailer`, where pad is zero
// bytes bringing the payload start up to PayloadAlign, and the trailer
// is:
//
//	 0    1    2    3    4    5    6    7
//	+----+----+----+----+----+----+----+----+
//	| key hash (XXH3-64, little-endian)     |
//	+----+----+----+----+----+----+----+----+
//	| prev tail (absolute offset, LE)       |
//	+----+----+----+----+----+----+----+----+
//	| CRC32C of payload |
//	+----+----+----+----+
//
// prev tail is the offset at which the previous entry's trailer ended,
// equivalently where this entry's pad begins.  All fields are
// little-endian and the encoding is bit-exact across platforms.
package codec

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	// TrailerSize is the fixed on-disk metadata size per entry.
	TrailerSize = 20

	// PayloadAlign is the required alignment of every non-tombstone
	// payload start.  Changing it changes the file format.
	PayloadAlign = 64

	keyHashOff  = 0
	prevTailOff = 8
	checksumOff = 16
)

// TombstoneByte is the single payload byte of a deletion marker.
const TombstoneByte = 0x00

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Trailer is the decoded form of the 20-byte entry suffix.
type Trailer struct {
	KeyHash  uint64
	PrevTail uint64
	Checksum uint32
}

// PadLen returns the number of zero bytes inserted after a tail at
// offset p so the next payload starts PayloadAlign-aligned.  The
// result is in [0, PayloadAlign).
func PadLen(p uint64) uint64 {
	return (PayloadAlign - (p % PayloadAlign)) & (PayloadAlign - 1)
}

// Checksum returns the CRC32C (Castagnoli) of the payload bytes.
func Checksum(payload []byte) uint32 {
	return crc32.Checksum(payload, castagnoli)
}

// NewChecksum returns a running CRC32C seeded empty, for streaming
// writes that cannot hold the payload in memory.
func NewChecksum() uint32 { return 0 }

// UpdateChecksum folds chunk into a running CRC32C.
func UpdateChecksum(sum uint32, chunk []byte) uint32 {
	return crc32.Update(sum, castagnoli, chunk)
}

// AppendTrailer appends the encoded trailer to dst and returns the
// extended slice.
func AppendTrailer(dst []byte, t Trailer) []byte {
	var buf [TrailerSize]byte
	t.Encode(buf[:])
	return append(dst, buf[:]...)
}

// Encode writes the trailer into buf, which must be at least
// TrailerSize bytes.
func (t Trailer) Encode(buf []byte) {
	_ = buf[TrailerSize-1] // bounds check elimination
	binary.LittleEndian.PutUint64(buf[keyHashOff:], t.KeyHash)
	binary.LittleEndian.PutUint64(buf[prevTailOff:], t.PrevTail)
	binary.LittleEndian.PutUint32(buf[checksumOff:], t.Checksum)
}

// DecodeTrailer parses a trailer from buf, which must be at least
// TrailerSize bytes.
func DecodeTrailer(buf []byte) Trailer {
	_ = buf[TrailerSize-1] // bounds check elimination
	return Trailer{
		KeyHash:  binary.LittleEndian.Uint64(buf[keyHashOff:]),
		PrevTail: binary.LittleEndian.Uint64(buf[prevTailOff:]),
		Checksum: binary.LittleEndian.Uint32(buf[checksumOff:]),
	}
}

// Verify reports whether the trailer's checksum matches the payload
// window.
func (t Trailer) Verify(payload []byte) bool {
	return Checksum(payload) == t.Checksum
}

// IsTombstone reports whether a payload window marks a deletion.
// Tombstones are written without pre-pad, so the window is the single
// byte immediately after the previous tail.
func IsTombstone(payload []byte) bool {
	return len(payload) == 1 && payload[0] == TombstoneByte
}
