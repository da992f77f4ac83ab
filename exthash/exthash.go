// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package exthash implements an extendible hash table of (hash, value) pairs
// stored in the pages of one block file. A hash may map to several values;
// callers resolve collisions themselves.
package exthash

import (
	"encoding/binary"
	"sort"

	"github.com/molecula/quadstore/block"
	"github.com/molecula/quadstore/errors"
	"github.com/zeebo/xxh3"
)

// use the same seed all the time - this is not for crypto
const protoSeed uint64 = 20041973

// Offsets in the meta page user area.
const (
	metaDepthOffset = 0 // global depth
	metaDirNOffset  = 2 // number of directory pages
	metaCountOffset = 8
	metaDirOffset   = 16 // directory page numbers
)

const (
	entrySize = 16

	// bucketCap is the number of entries a bucket page holds.
	bucketCap = (block.PageSize - block.HeaderSize) / entrySize

	// dirCap is the number of bucket pointers a directory page holds.
	dirCap = (block.PageSize - block.HeaderSize) / 4

	// maxDirPages is the number of directory page numbers the meta page
	// can record.
	maxDirPages = (block.PageSize - block.MetaUserOffset - metaDirOffset) / 4

	// MaxDepth is the largest global depth whose directory fits.
	MaxDepth = 21
)

// spread maps a stored hash to the bits the directory is indexed by.
func spread(h uint64) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h)
	return xxh3.HashSeed(buf[:], protoSeed)
}

// Table is a handle on the hash table stored in a block file, as seen through
// one view.
type Table struct {
	v block.View

	// Small capacities for tests.
	bucketCap int
	dirCap    int
}

// Open returns a handle on the table in v.
func Open(v block.View) (*Table, error) {
	meta, err := v.Get(0)
	if err != nil {
		return nil, errors.Wrap(err, "open hash table")
	} else if meta.FileKind() != block.FileKindHash {
		return nil, errors.Newf(errors.ErrCorrupt, "open hash table: file kind %s", meta.FileKind())
	}
	return &Table{v: v, bucketCap: bucketCap, dirCap: dirCap}, nil
}

type header struct {
	depth uint
	dir   []uint32
	count uint64
}

func (t *Table) header() (header, error) {
	meta, err := t.v.Get(0)
	if err != nil {
		return header{}, err
	}
	u := meta.User()
	h := header{
		depth: uint(binary.BigEndian.Uint16(u[metaDepthOffset:])),
		count: binary.BigEndian.Uint64(u[metaCountOffset:]),
	}
	n := int(binary.BigEndian.Uint16(u[metaDirNOffset:]))
	if n > maxDirPages || h.depth > MaxDepth {
		return header{}, errors.Newf(errors.ErrCorrupt, "hash table header: depth %d with %d directory pages", h.depth, n)
	}
	h.dir = make([]uint32, n)
	for i := range h.dir {
		h.dir[i] = binary.BigEndian.Uint32(u[metaDirOffset+i*4:])
	}
	return h, nil
}

func (t *Table) writeHeader(h header) error {
	meta, err := t.v.Mutable(0)
	if err != nil {
		return err
	}
	u := meta.User()
	binary.BigEndian.PutUint16(u[metaDepthOffset:], uint16(h.depth))
	binary.BigEndian.PutUint16(u[metaDirNOffset:], uint16(len(h.dir)))
	binary.BigEndian.PutUint64(u[metaCountOffset:], h.count)
	for i, pgno := range h.dir {
		binary.BigEndian.PutUint32(u[metaDirOffset+i*4:], pgno)
	}
	return nil
}

// Count returns the number of entries in the table.
func (t *Table) Count() (uint64, error) {
	h, err := t.header()
	return h.count, err
}

// Depth returns the global depth of the directory.
func (t *Table) Depth() (uint, error) {
	h, err := t.header()
	return h.depth, err
}

func (t *Table) dirEntry(h header, i uint64) (uint32, error) {
	pg := int(i / uint64(t.dirCap))
	if pg >= len(h.dir) {
		return 0, errors.Newf(errors.ErrCorrupt, "directory slot %d beyond %d pages", i, len(h.dir))
	}
	p, err := t.v.Get(h.dir[pg])
	if err != nil {
		return 0, errors.Wrap(err, "read directory")
	}
	return binary.BigEndian.Uint32(p.Body()[int(i%uint64(t.dirCap))*4:]), nil
}

func (t *Table) setDirEntry(h header, i uint64, pgno uint32) error {
	p, err := t.v.Mutable(h.dir[i/uint64(t.dirCap)])
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(p.Body()[int(i%uint64(t.dirCap))*4:], pgno)
	return nil
}

// bucketFor returns the directory slot and bucket page for hash.
func (t *Table) bucketFor(h header, hash uint64) (uint64, *block.Page, error) {
	slot := spread(hash) & (1<<h.depth - 1)
	pgno, err := t.dirEntry(h, slot)
	if err != nil {
		return 0, nil, err
	}
	p, err := t.v.Get(pgno)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "read bucket %d", pgno)
	} else if p.Type() != block.PageTypeHashBucket {
		return 0, nil, errors.Newf(errors.ErrCorrupt, "directory slot %d points at %s page %d", slot, p.Type(), pgno)
	}
	return slot, p, nil
}

func entryAt(p *block.Page, i int) (hash, value uint64) {
	b := p.Body()[i*entrySize:]
	return binary.BigEndian.Uint64(b), binary.BigEndian.Uint64(b[8:])
}

func setEntry(p *block.Page, i int, hash, value uint64) {
	b := p.Body()[i*entrySize:]
	binary.BigEndian.PutUint64(b, hash)
	binary.BigEndian.PutUint64(b[8:], value)
}

// search returns the position of the first entry >= (hash, value).
func search(p *block.Page, hash, value uint64) (int, bool) {
	n := p.Count()
	i := sort.Search(n, func(i int) bool {
		h, v := entryAt(p, i)
		return h > hash || (h == hash && v >= value)
	})
	if i < n {
		h, v := entryAt(p, i)
		return i, h == hash && v == value
	}
	return i, false
}

// Get returns every value stored under hash, in ascending order.
func (t *Table) Get(hash uint64) ([]uint64, error) {
	h, err := t.header()
	if err != nil || len(h.dir) == 0 {
		return nil, err
	}
	_, p, err := t.bucketFor(h, hash)
	if err != nil {
		return nil, err
	}

	var values []uint64
	for i, _ := search(p, hash, 0); i < p.Count(); i++ {
		eh, ev := entryAt(p, i)
		if eh != hash {
			break
		}
		values = append(values, ev)
	}
	return values, nil
}

// Put stores (hash, value). It returns false if the pair is already present.
func (t *Table) Put(hash, value uint64) (bool, error) {
	if !t.v.Writable() {
		return false, errors.New(errors.ErrTxNotWritable, "put into read-only view")
	}
	h, err := t.header()
	if err != nil {
		return false, err
	}
	if len(h.dir) == 0 {
		if h, err = t.init(); err != nil {
			return false, err
		}
	}

	for {
		_, p, err := t.bucketFor(h, hash)
		if err != nil {
			return false, err
		}
		i, found := search(p, hash, value)
		if found {
			return false, nil
		}

		if p.Count() < t.bucketCap {
			if p, err = t.v.Mutable(p.ID()); err != nil {
				return false, err
			}
			body := p.Body()
			copy(body[(i+1)*entrySize:(p.Count()+1)*entrySize], body[i*entrySize:p.Count()*entrySize])
			setEntry(p, i, hash, value)
			p.SetCount(p.Count() + 1)

			h.count++
			return true, t.writeHeader(h)
		}

		if h, err = t.split(h, p, hash); err != nil {
			return false, err
		}
	}
}

// init creates the first directory page and bucket of an empty table.
func (t *Table) init() (header, error) {
	bucket, err := t.v.Allocate(block.PageTypeHashBucket)
	if err != nil {
		return header{}, err
	}
	dir, err := t.v.Allocate(block.PageTypeHashDir)
	if err != nil {
		return header{}, err
	}
	binary.BigEndian.PutUint32(dir.Body(), bucket.ID())
	dir.SetCount(1)

	h := header{dir: []uint32{dir.ID()}}
	return h, t.writeHeader(h)
}

// split divides a full bucket on its next hash bit, doubling the directory
// first when the bucket is already as deep as the directory.
func (t *Table) split(h header, page *block.Page, hash uint64) (header, error) {
	ld := uint(page.Aux())
	if ld == h.depth {
		var err error
		if h, err = t.double(h); err != nil {
			return h, err
		}
	}

	p0, err := t.v.Mutable(page.ID())
	if err != nil {
		return h, err
	}
	p1, err := t.v.Allocate(block.PageTypeHashBucket)
	if err != nil {
		return h, err
	}

	hiBit := uint64(1) << ld
	n, n0, n1 := p0.Count(), 0, 0
	for i := 0; i < n; i++ {
		eh, ev := entryAt(p0, i)
		if spread(eh)&hiBit != 0 {
			setEntry(p1, n1, eh, ev)
			n1++
		} else {
			setEntry(p0, n0, eh, ev)
			n0++
		}
	}
	body := p0.Body()
	for i := n0 * entrySize; i < n*entrySize; i++ {
		body[i] = 0
	}
	p0.SetCount(n0)
	p1.SetCount(n1)
	p0.SetAux(uint32(ld + 1))
	p1.SetAux(uint32(ld + 1))

	size := uint64(1) << h.depth
	for j := spread(hash) & (hiBit - 1); j < size; j += hiBit {
		pgno := p0.ID()
		if j&hiBit != 0 {
			pgno = p1.ID()
		}
		if err := t.setDirEntry(h, j, pgno); err != nil {
			return h, err
		}
	}
	return h, t.writeHeader(h)
}

// double doubles the directory, copying each slot i to i+size.
func (t *Table) double(h header) (header, error) {
	if h.depth >= MaxDepth {
		return h, errors.Newf(errors.ErrOutOfSpace, "hash table directory at maximum depth %d", h.depth)
	}
	size := uint64(1) << h.depth

	need := int((2*size + uint64(t.dirCap) - 1) / uint64(t.dirCap))
	if need > maxDirPages {
		return h, errors.Newf(errors.ErrOutOfSpace, "hash table directory needs %d pages", need)
	}
	for len(h.dir) < need {
		p, err := t.v.Allocate(block.PageTypeHashDir)
		if err != nil {
			return h, err
		}
		h.dir = append(h.dir, p.ID())
	}

	grown := h
	grown.depth++
	for i := uint64(0); i < size; i++ {
		pgno, err := t.dirEntry(h, i)
		if err != nil {
			return h, err
		} else if err := t.setDirEntry(grown, i+size, pgno); err != nil {
			return h, err
		}
	}
	for pg, pgno := range grown.dir {
		p, err := t.v.Mutable(pgno)
		if err != nil {
			return h, err
		}
		used := int(2*size) - pg*t.dirCap
		if used > t.dirCap {
			used = t.dirCap
		} else if used < 0 {
			used = 0
		}
		p.SetCount(used)
	}
	return grown, nil
}
