// Copyright 2025 The keel Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

//go:build unix

// Package lockfile guards a store file against a second process.
// Cross-process sharing is unsupported; the advisory lock turns a
// silent corruption hazard into an open error.
package lockfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock holds an exclusive advisory lock for the lifetime of the
// returned value.
type Lock struct {
	f *os.File
}

// Acquire takes an exclusive, non-blocking flock on <path>.lock.
// The lock file handle must stay open for the duration of the lock.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("store %s is in use by another process: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock and closes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
