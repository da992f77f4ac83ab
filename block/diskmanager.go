// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package block

import (
	"sync"

	"github.com/molecula/quadstore/errors"
)

// DiskManager is responsible for moving pages between memory and the
// backing medium.
type DiskManager interface {
	// ReadPage fills buf with the image of pgno. Reading past the end
	// of the backing returns ErrBlockNotFound.
	ReadPage(pgno uint32, buf []byte) error

	// WritePage stores buf as the image of pgno, growing the backing
	// if needed.
	WritePage(pgno uint32, buf []byte) error

	// PageN returns the number of pages physically present.
	PageN() uint32

	// Sync forces written pages to stable storage.
	Sync() error

	Close() error
}

var _ DiskManager = (*MemDiskManager)(nil)

// MemDiskManager keeps every page in memory.
type MemDiskManager struct {
	mu    sync.RWMutex
	pages [][]byte
}

func NewMemDiskManager() *MemDiskManager {
	return &MemDiskManager{}
}

func (d *MemDiskManager) ReadPage(pgno uint32, buf []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if int(pgno) >= len(d.pages) || d.pages[pgno] == nil {
		return errors.Newf(errors.ErrBlockNotFound, "page %d not found", pgno)
	}
	copy(buf, d.pages[pgno])
	return nil
}

func (d *MemDiskManager) WritePage(pgno uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for int(pgno) >= len(d.pages) {
		d.pages = append(d.pages, nil)
	}
	if d.pages[pgno] == nil {
		d.pages[pgno] = make([]byte, PageSize)
	}
	copy(d.pages[pgno], buf)
	return nil
}

func (d *MemDiskManager) PageN() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return uint32(len(d.pages))
}

func (d *MemDiskManager) Sync() error { return nil }

func (d *MemDiskManager) Close() error { return nil }
