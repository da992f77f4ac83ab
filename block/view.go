// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package block

import (
	"encoding/binary"
	"sort"

	"github.com/molecula/quadstore/errors"
)

// View is page access to one block file as seen by a single actor: a
// transaction, a bulk load or a diagnostic tool.
type View interface {
	// Get returns a read-only image of pgno.
	Get(pgno uint32) (*Page, error)

	// Mutable returns a private copy of pgno staged in the view. The
	// caller may modify it in place until the view is committed.
	Mutable(pgno uint32) (*Page, error)

	// Stage installs p, which must be owned by the caller, as the new
	// image of p.ID().
	Stage(p *Page) error

	// Allocate returns a fresh staged page of the given type.
	Allocate(typ PageType) (*Page, error)

	// Free releases pgno to the file's free list.
	Free(pgno uint32) error

	Writable() bool

	// Version changes every time the view hands out or stages a page
	// for writing.
	Version() uint64
}

// Pager is the subset of View the allocator is built on.
type Pager interface {
	Get(pgno uint32) (*Page, error)
	Mutable(pgno uint32) (*Page, error)
	Stage(p *Page) error
}

// freelistCap is the number of page numbers a free-list page holds.
const freelistCap = (PageSize - HeaderSize) / 4

// Allocate pops a page off the free list, or extends the file when the free
// list is empty, and stages it zeroed with the given type.
func Allocate(v Pager, typ PageType) (*Page, error) {
	meta, err := v.Mutable(0)
	if err != nil {
		return nil, errors.Wrap(err, "allocate: meta")
	}

	var pgno uint32
	if head := meta.FreeHead(); head != 0 {
		fl, err := v.Mutable(head)
		if err != nil {
			return nil, errors.Wrap(err, "allocate: freelist")
		} else if fl.Type() != PageTypeFreelist {
			return nil, errors.Newf(errors.ErrCorrupt, "free-list head %d has type %s", head, fl.Type())
		}

		if n := fl.Count(); n > 0 {
			pgno = binary.BigEndian.Uint32(fl.Body()[(n-1)*4:])
			fl.SetCount(n - 1)
		} else {
			// An exhausted free-list page is itself handed out.
			pgno = head
			meta.SetFreeHead(fl.Next())
		}
		meta.SetFreeN(meta.FreeN() - 1)
	} else {
		pgno = meta.PageN()
		meta.SetPageN(pgno + 1)
	}

	p := NewPage(pgno, typ)
	if err := v.Stage(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Free adds pgno to the free list and marks its image free. Freed pages are
// reused by later allocations in the same file.
func Free(v Pager, pgno uint32) error {
	if pgno == 0 {
		return errors.New(errors.ErrInvalidRecord, "cannot free meta page")
	}
	if _, err := v.Get(pgno); err != nil {
		return errors.Wrap(err, "free")
	}

	meta, err := v.Mutable(0)
	if err != nil {
		return errors.Wrap(err, "free: meta")
	}
	meta.SetFreeN(meta.FreeN() + 1)

	if head := meta.FreeHead(); head != 0 {
		fl, err := v.Mutable(head)
		if err != nil {
			return errors.Wrap(err, "free: freelist")
		}
		if n := fl.Count(); n < freelistCap {
			binary.BigEndian.PutUint32(fl.Body()[n*4:], pgno)
			fl.SetCount(n + 1)
			return v.Stage(NewPage(pgno, PageTypeFree))
		}
	}

	// The freed page becomes the new free-list head.
	fl := NewPage(pgno, PageTypeFreelist)
	fl.SetNext(meta.FreeHead())
	meta.SetFreeHead(pgno)
	return v.Stage(fl)
}

// Direct is a View that stages pages in memory and writes them straight into
// a Store on Flush, with no journal. It assumes exclusive access to the file.
type Direct struct {
	store   *Store
	dirty   map[uint32]*Page
	version uint64
}

var _ View = (*Direct)(nil)

func NewDirect(store *Store) *Direct {
	return &Direct{
		store: store,
		dirty: make(map[uint32]*Page),
	}
}

func (d *Direct) Get(pgno uint32) (*Page, error) {
	if p, ok := d.dirty[pgno]; ok {
		if p.Type() == PageTypeFree {
			return nil, errors.Newf(errors.ErrBlockNotFound, "%s: page %d not allocated", d.store.name, pgno)
		}
		return p, nil
	}
	return d.store.Get(pgno)
}

func (d *Direct) Mutable(pgno uint32) (*Page, error) {
	if p, ok := d.dirty[pgno]; ok && p.Type() != PageTypeFree {
		d.version++
		return p, nil
	}
	p, err := d.Get(pgno)
	if err != nil {
		return nil, err
	}
	p = p.Clone()
	d.dirty[pgno] = p
	d.version++
	return p, nil
}

func (d *Direct) Stage(p *Page) error {
	d.dirty[p.ID()] = p
	d.version++
	return nil
}

func (d *Direct) Allocate(typ PageType) (*Page, error) { return Allocate(d, typ) }
func (d *Direct) Free(pgno uint32) error               { return Free(d, pgno) }
func (d *Direct) Writable() bool                       { return true }
func (d *Direct) Version() uint64                      { return d.version }

// DirtyN returns the number of staged pages.
func (d *Direct) DirtyN() int { return len(d.dirty) }

// Flush writes staged pages to the store in page order. A page modified
// after a Flush must be staged again to be written.
func (d *Direct) Flush() error {
	pgnos := make([]uint32, 0, len(d.dirty))
	for pgno := range d.dirty {
		pgnos = append(pgnos, pgno)
	}
	sort.Slice(pgnos, func(i, j int) bool { return pgnos[i] < pgnos[j] })

	for _, pgno := range pgnos {
		if err := d.store.Write(d.dirty[pgno]); err != nil {
			return err
		}
	}
	d.dirty = make(map[uint32]*Page)
	return nil
}

// Sync flushes and then syncs the store.
func (d *Direct) Sync() error {
	if err := d.Flush(); err != nil {
		return err
	}
	return d.store.Sync()
}
