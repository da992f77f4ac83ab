// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
//go:build linux || darwin || freebsd
// +build linux darwin freebsd

// Package syswrap wraps the unix calls used for mmap-backed block files and
// location locks, imposing a global in-process limit on active mmaps.
package syswrap

import (
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var mapCount uint64

var ErrMaxMapCountReached = errors.New("maximum map count reached")

// ErrWouldBlock is returned by Flock when another descriptor holds the lock.
var ErrWouldBlock = errors.New("lock held by another descriptor")

// MaxMapCount default to slightly less than the typical
// default on Linux (65K). We want to leave some
// overhead for (e.g.) the Go runtime.
var MaxMapCount uint64 = 60000

// MmapReadOnly maps length bytes of f shared and read-only. It increments the
// global map count and fails once the limit is reached.
func MmapReadOnly(f *os.File, length int) (data []byte, err error) {
	if newCount := atomic.AddUint64(&mapCount, 1); newCount > MaxMapCount {
		atomic.AddUint64(&mapCount, ^uint64(0)) // decrement
		return nil, ErrMaxMapCountReached
	}
	data, err = unix.Mmap(int(f.Fd()), 0, length, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		atomic.AddUint64(&mapCount, ^uint64(0)) // decrement
		return nil, errors.Wrap(err, "mmap")
	}
	// Page access is random.
	_ = unix.Madvise(data, unix.MADV_RANDOM)
	return data, nil
}

// Munmap unmaps b and then decrements the global map count if there was no
// error.
func Munmap(b []byte) (err error) {
	if err = unix.Munmap(b); err == nil {
		atomic.AddUint64(&mapCount, ^uint64(0)) // decrement
	}
	return err
}

// MapCount returns the number of active maps.
func MapCount() uint64 {
	return atomic.LoadUint64(&mapCount)
}

// Flock takes an exclusive, non-blocking advisory lock on f.
func Flock(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err == unix.EWOULDBLOCK {
		return ErrWouldBlock
	} else if err != nil {
		return errors.Wrap(err, "flock")
	}
	return nil
}

// Funlock releases a lock taken by Flock.
func Funlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
