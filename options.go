// Copyright 2025 The keel Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package keel

import (
	"io"
	"log/slog"
)

const defaultStreamBufferSize = 64 * 1024

// Option configures a Store at Open time.
type Option func(*options)

type options struct {
	logger          *slog.Logger
	readOnly        bool
	syncWrites      bool
	streamBufferLen int
}

func defaultOptions() options {
	return options{
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		syncWrites:      true,
		streamBufferLen: defaultStreamBufferSize,
	}
}

// WithLogger sets the logger the store uses for recovery and
// compaction reporting.  If not provided, no logging output will be
// produced.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithReadOnly opens the store for reads only.  Mutating calls return
// ErrReadOnly, and a torn tail fails the open with ErrTruncatedTail
// instead of being truncated.
func WithReadOnly() Option {
	return func(o *options) {
		o.readOnly = true
	}
}

// WithoutSync disables the per-operation file sync.  Writes remain
// ordered and crash-recoverable up to the last sync, but durability of
// the most recent operations is only guaranteed after Flush.  Meant
// for bulk loads.
func WithoutSync() Option {
	return func(o *options) {
		o.syncWrites = false
	}
}

// WithStreamBufferSize sets the chunk size WriteStream reads from its
// source.  Values below 4 KiB are rounded up.
func WithStreamBufferSize(n int) Option {
	return func(o *options) {
		if n < 4*1024 {
			n = 4 * 1024
		}
		o.streamBufferLen = n
	}
}
