// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package bptree

import (
	"io"

	"github.com/molecula/quadstore/block"
	"github.com/molecula/quadstore/errors"
)

// Flusher is implemented by views that can write staged pages out early.
// Build flushes such views periodically so a large load does not hold every
// page in memory.
type Flusher interface {
	Flush() error
	DirtyN() int
}

// flushThreshold is the staged page count at which Build flushes.
const flushThreshold = 4096

type buildEntry struct {
	key  []byte
	pgno uint32
}

// Build loads an empty tree bottom-up from src, which must yield records in
// ascending key order. Duplicates are skipped. Pages are left about 90% full
// so later inserts do not split immediately. Returns the number of records
// stored.
func Build(t *Tree, src Source) (uint64, error) {
	if !t.v.Writable() {
		return 0, errors.New(errors.ErrTxNotWritable, "build into read-only view")
	}
	if err := t.resetEmpty(); err != nil {
		return 0, err
	}

	fill := t.leafCap - t.leafCap/10
	var (
		level []buildEntry
		cur   *block.Page
		last  []byte
		n     uint64
	)
	for {
		rec, err := src.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return 0, err
		} else if err := t.validate(rec); err != nil {
			return 0, err
		}

		key := recordBytes(rec)
		if last != nil {
			if cmp := compareKeys(key, last); cmp == 0 {
				continue
			} else if cmp < 0 {
				return 0, errors.Newf(errors.ErrInvalidRecord, "build input out of order at %s", rec)
			}
		}

		if cur == nil || cur.Count() >= fill {
			leaf, err := t.v.Allocate(block.PageTypeLeaf)
			if err != nil {
				return 0, err
			}
			if cur != nil {
				cur.SetNext(leaf.ID())
				leaf.SetAux(cur.ID())
				if err := t.stageBuilt(cur); err != nil {
					return 0, err
				}
			}
			cur = leaf
			level = append(level, buildEntry{key: key, pgno: leaf.ID()})
		}
		copy(t.leafKey(cur, cur.Count()), key)
		cur.SetCount(cur.Count() + 1)
		last, n = key, n+1
	}
	if cur == nil {
		return 0, nil
	} else if err := t.stageBuilt(cur); err != nil {
		return 0, err
	}

	bfill := t.branchCap - t.branchCap/10
	if bfill == t.branchCap {
		bfill--
	}
	for len(level) > 1 {
		groups := make([][]buildEntry, 0, len(level)/bfill+1)
		for i := 0; i < len(level); i += bfill {
			end := i + bfill
			if end > len(level) {
				end = len(level)
			}
			groups = append(groups, level[i:end])
		}
		// A branch needs two children; fold a lone trailing child into
		// the previous group, which always has room.
		if k := len(groups); k > 1 && len(groups[k-1]) == 1 {
			groups[k-2] = level[(k-2)*bfill:]
			groups = groups[:k-1]
		}

		next := make([]buildEntry, 0, len(groups))
		for _, g := range groups {
			br, err := t.v.Allocate(block.PageTypeBranch)
			if err != nil {
				return 0, err
			}
			buf := make([]byte, 0, len(g)*t.entrySize())
			for _, e := range g {
				buf = append(buf, makeEntry(e.pgno, e.key, t.entrySize())...)
			}
			setCells(br, t.entrySize(), buf)
			if err := t.stageBuilt(br); err != nil {
				return 0, err
			}
			next = append(next, buildEntry{key: g[0].key, pgno: br.ID()})
		}
		level = next
	}

	if err := t.setRoot(level[0].pgno); err != nil {
		return 0, err
	} else if err := t.addCount(int64(n)); err != nil {
		return 0, err
	}
	return n, nil
}

// resetEmpty prepares an empty tree for Build, freeing a leftover empty root.
func (t *Tree) resetEmpty() error {
	if n, err := t.Count(); err != nil {
		return err
	} else if n != 0 {
		return errors.Newf(errors.ErrInvalidRecord, "build into tree holding %d records", n)
	}
	root, err := t.Root()
	if err != nil || root == 0 {
		return err
	}
	if err := t.v.Free(root); err != nil {
		return err
	}
	return t.setRoot(0)
}

// stageBuilt stages a completed page and flushes the view when enough pages
// have accumulated.
func (t *Tree) stageBuilt(p *block.Page) error {
	if err := t.v.Stage(p); err != nil {
		return err
	}
	if f, ok := t.v.(Flusher); ok && f.DirtyN() >= flushThreshold {
		return f.Flush()
	}
	return nil
}
