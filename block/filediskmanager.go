// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package block

import (
	"io"
	"os"
	"sync"

	"github.com/molecula/quadstore/errors"
	"github.com/spf13/afero"
)

var _ DiskManager = (*FileDiskManager)(nil)

// FileDiskManager reads and writes pages with positioned I/O on a single
// file.
type FileDiskManager struct {
	mu    sync.RWMutex
	f     afero.File
	pageN uint32
	fsync bool
}

// OpenFileDiskManager opens or creates path on fs.
func OpenFileDiskManager(fs afero.Fs, path string, fsync bool) (*FileDiskManager, error) {
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.IOError(err, "open block file")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.IOError(err, "stat block file")
	}
	return &FileDiskManager{
		f:     f,
		pageN: uint32(fi.Size() / PageSize),
		fsync: fsync,
	}, nil
}

func (d *FileDiskManager) ReadPage(pgno uint32, buf []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if pgno >= d.pageN {
		return errors.Newf(errors.ErrBlockNotFound, "page %d not found", pgno)
	}
	if _, err := d.f.ReadAt(buf[:PageSize], int64(pgno)*PageSize); err != nil && err != io.EOF {
		return errors.IOError(err, "read page")
	}
	return nil
}

func (d *FileDiskManager) WritePage(pgno uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.WriteAt(buf[:PageSize], int64(pgno)*PageSize); err != nil {
		return errors.IOError(err, "write page")
	}
	if pgno >= d.pageN {
		d.pageN = pgno + 1
	}
	return nil
}

func (d *FileDiskManager) PageN() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pageN
}

func (d *FileDiskManager) Sync() error {
	if !d.fsync {
		return nil
	}
	if err := d.f.Sync(); err != nil {
		return errors.IOError(err, "sync block file")
	}
	return nil
}

func (d *FileDiskManager) Close() error {
	if err := d.f.Close(); err != nil {
		return errors.IOError(err, "close block file")
	}
	return nil
}
