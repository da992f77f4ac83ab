// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
//go:build linux || darwin || freebsd
// +build linux darwin freebsd

package block

import (
	"os"
	"sync"

	"github.com/molecula/quadstore/errors"
	"github.com/molecula/quadstore/syswrap"
)

var _ DiskManager = (*MmapDiskManager)(nil)

// MmapDiskManager serves reads from a shared read-only mapping of the file
// and writes pages with pwrite. The mapping covers maxSize bytes up front so
// the file can grow without remapping.
type MmapDiskManager struct {
	mu      sync.RWMutex
	f       *os.File
	data    []byte
	pageN   uint32
	maxSize int64
	fsync   bool
}

// OpenMmapDiskManager opens or creates path and maps maxSize bytes of it.
func OpenMmapDiskManager(path string, maxSize int64, fsync bool) (*MmapDiskManager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.IOError(err, "open block file")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.IOError(err, "stat block file")
	} else if fi.Size() > maxSize {
		f.Close()
		return nil, errors.Newf(errors.ErrIO, "block file %s is %d bytes, larger than max size %d", path, fi.Size(), maxSize)
	}

	data, err := syswrap.MmapReadOnly(f, int(maxSize))
	if err != nil {
		f.Close()
		return nil, errors.IOError(err, "map block file")
	}
	return &MmapDiskManager{
		f:       f,
		data:    data,
		pageN:   uint32(fi.Size() / PageSize),
		maxSize: maxSize,
		fsync:   fsync,
	}, nil
}

func (d *MmapDiskManager) ReadPage(pgno uint32, buf []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	// Touching the mapping past EOF faults, so bound by the file size.
	if pgno >= d.pageN {
		return errors.Newf(errors.ErrBlockNotFound, "page %d not found", pgno)
	}
	offset := int64(pgno) * PageSize
	copy(buf, d.data[offset:offset+PageSize])
	return nil
}

func (d *MmapDiskManager) WritePage(pgno uint32, buf []byte) error {
	offset := int64(pgno) * PageSize
	if offset+PageSize > d.maxSize {
		return errors.Newf(errors.ErrOutOfSpace, "page %d exceeds max block file size %d", pgno, d.maxSize)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.WriteAt(buf[:PageSize], offset); err != nil {
		return errors.IOError(err, "write page")
	}
	if pgno >= d.pageN {
		d.pageN = pgno + 1
	}
	return nil
}

func (d *MmapDiskManager) PageN() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pageN
}

func (d *MmapDiskManager) Sync() error {
	if !d.fsync {
		return nil
	}
	if err := d.f.Sync(); err != nil {
		return errors.IOError(err, "sync block file")
	}
	return nil
}

func (d *MmapDiskManager) Close() (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.data != nil {
		if e := syswrap.Munmap(d.data); e != nil {
			err = errors.IOError(e, "unmap block file")
		}
		d.data = nil
	}
	if e := d.f.Close(); e != nil && err == nil {
		err = errors.IOError(e, "close block file")
	}
	return err
}
