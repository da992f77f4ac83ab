// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package exthash

import (
	"github.com/molecula/quadstore/block"
	"github.com/molecula/quadstore/errors"
)

// Buckets calls fn once for every distinct bucket page, in directory order.
func (t *Table) Buckets(fn func(p *block.Page) error) error {
	h, err := t.header()
	if err != nil || len(h.dir) == 0 {
		return err
	}
	seen := make(map[uint32]bool)
	for i := uint64(0); i < 1<<h.depth; i++ {
		pgno, err := t.dirEntry(h, i)
		if err != nil {
			return err
		} else if seen[pgno] {
			continue
		}
		seen[pgno] = true

		p, err := t.v.Get(pgno)
		if err != nil {
			return errors.Wrapf(err, "read bucket %d", pgno)
		} else if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

// ForEach calls fn for every entry in the table.
func (t *Table) ForEach(fn func(hash, value uint64) error) error {
	return t.Buckets(func(p *block.Page) error {
		for i := 0; i < p.Count(); i++ {
			if err := fn(entryAt(p, i)); err != nil {
				return err
			}
		}
		return nil
	})
}

// DirPages returns the page numbers of the directory.
func (t *Table) DirPages() ([]uint32, error) {
	h, err := t.header()
	return h.dir, err
}

// Check verifies that every directory slot points at a bucket whose local
// depth and entries agree with the slot, that buckets are sorted and that
// the entry count matches the header.
func (t *Table) Check() error {
	h, err := t.header()
	if err != nil {
		return err
	} else if len(h.dir) == 0 {
		if h.count != 0 {
			return errors.Newf(errors.ErrCorrupt, "empty hash table records %d entries", h.count)
		}
		return nil
	}

	var total uint64
	seen := make(map[uint32]uint64)
	for i := uint64(0); i < 1<<h.depth; i++ {
		pgno, err := t.dirEntry(h, i)
		if err != nil {
			return err
		}
		p, err := t.v.Get(pgno)
		if err != nil {
			return errors.Wrapf(err, "directory slot %d", i)
		} else if p.Type() != block.PageTypeHashBucket {
			return errors.Newf(errors.ErrCorrupt, "directory slot %d points at %s page %d", i, p.Type(), pgno)
		}

		ld := uint(p.Aux())
		if ld > h.depth {
			return errors.Newf(errors.ErrCorrupt, "bucket %d local depth %d exceeds global depth %d", pgno, ld, h.depth)
		}
		mask := uint64(1)<<ld - 1
		if first, ok := seen[pgno]; ok {
			if first&mask != i&mask {
				return errors.Newf(errors.ErrCorrupt, "bucket %d reachable from slots %d and %d", pgno, first, i)
			}
			continue
		}
		seen[pgno] = i

		if p.Count() > t.bucketCap {
			return errors.Newf(errors.ErrCorrupt, "bucket %d holds %d entries", pgno, p.Count())
		}
		for j := 0; j < p.Count(); j++ {
			eh, ev := entryAt(p, j)
			if spread(eh)&mask != i&mask {
				return errors.Newf(errors.ErrCorrupt, "bucket %d entry %d belongs in slot %d", pgno, j, spread(eh)&(1<<h.depth-1))
			}
			if j > 0 {
				ph, pv := entryAt(p, j-1)
				if ph > eh || (ph == eh && pv >= ev) {
					return errors.Newf(errors.ErrCorrupt, "bucket %d entry %d out of order", pgno, j)
				}
			}
		}
		total += uint64(p.Count())
	}

	if total != h.count {
		return errors.Newf(errors.ErrCorrupt, "hash table holds %d entries, header records %d", total, h.count)
	}
	return nil
}
