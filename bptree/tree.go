// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package bptree implements a B+Tree of fixed-length records stored in the
// pages of one block file. One tree type serves every column permutation;
// callers project records into key order with a Permutation.
package bptree

import (
	"encoding/binary"
	"sort"

	"github.com/molecula/quadstore/block"
	"github.com/molecula/quadstore/errors"
)

// Offsets in the meta page user area.
const (
	metaRootOffset  = 0 // root page number, zero for an empty tree
	metaArityOffset = 4
	metaCountOffset = 8
)

// MaxArity is the widest record a tree accepts.
const MaxArity = 8

// Tree is a handle on the B+Tree stored in a block file, as seen through one
// view. Handles are cheap; open one per transaction.
//
// Leaf pages hold sorted records with next/prev sibling links in the page
// link and aux fields. Branch pages hold (child, key) entries where key is a
// lower bound of the child's subtree; the key of entry zero is ignored.
type Tree struct {
	v         block.View
	arity     int
	recSize   int
	leafCap   int
	branchCap int
}

// Open returns a handle on the tree in v for records of the given arity.
func Open(v block.View, arity int) (*Tree, error) {
	if arity < 1 || arity > MaxArity {
		return nil, errors.Newf(errors.ErrInvalidRecord, "invalid arity %d", arity)
	}
	meta, err := v.Get(0)
	if err != nil {
		return nil, errors.Wrap(err, "open tree")
	}
	if stored := int(binary.BigEndian.Uint16(meta.User()[metaArityOffset:])); stored != 0 && stored != arity {
		return nil, errors.Newf(errors.ErrCorrupt, "tree arity is %d, opened with %d", stored, arity)
	}

	t := &Tree{v: v, arity: arity, recSize: arity * 8}
	t.leafCap = (block.PageSize - block.HeaderSize) / t.recSize
	t.branchCap = (block.PageSize - block.HeaderSize) / t.entrySize()
	return t, nil
}

func (t *Tree) Arity() int       { return t.arity }
func (t *Tree) View() block.View { return t.v }

// Count returns the number of records in the tree.
func (t *Tree) Count() (uint64, error) {
	meta, err := t.v.Get(0)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(meta.User()[metaCountOffset:]), nil
}

// Root returns the root page number, or zero for an empty tree.
func (t *Tree) Root() (uint32, error) {
	meta, err := t.v.Get(0)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(meta.User()[metaRootOffset:]), nil
}

func (t *Tree) setRoot(pgno uint32) error {
	meta, err := t.v.Mutable(0)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(meta.User()[metaRootOffset:], pgno)
	binary.BigEndian.PutUint16(meta.User()[metaArityOffset:], uint16(t.arity))
	return nil
}

func (t *Tree) addCount(delta int64) error {
	meta, err := t.v.Mutable(0)
	if err != nil {
		return err
	}
	n := binary.BigEndian.Uint64(meta.User()[metaCountOffset:])
	binary.BigEndian.PutUint64(meta.User()[metaCountOffset:], uint64(int64(n)+delta))
	return nil
}

func (t *Tree) entrySize() int { return 4 + t.recSize }

func (t *Tree) minLeaf() int {
	if n := t.leafCap / 4; n > 1 {
		return n
	}
	return 1
}

func (t *Tree) minBranch() int {
	if n := t.branchCap / 4; n > 2 {
		return n
	}
	return 2
}

// validate rejects records that cannot be stored.
func (t *Tree) validate(rec Record) error {
	if len(rec) != t.arity {
		return errors.Newf(errors.ErrInvalidRecord, "record %s has arity %d, tree has %d", rec, len(rec), t.arity)
	}
	for _, v := range rec {
		if v == Any {
			return errors.Newf(errors.ErrInvalidRecord, "record %s contains a wildcard", rec)
		}
	}
	return nil
}

func (t *Tree) leafKey(p *block.Page, i int) []byte {
	off := block.HeaderSize + i*t.recSize
	return p.Data()[off : off+t.recSize]
}

func (t *Tree) branchChild(p *block.Page, i int) uint32 {
	return binary.BigEndian.Uint32(p.Data()[block.HeaderSize+i*t.entrySize():])
}

func (t *Tree) branchKey(p *block.Page, i int) []byte {
	off := block.HeaderSize + i*t.entrySize() + 4
	return p.Data()[off : off+t.recSize]
}

// leafSearch returns the position of the first record >= key.
func (t *Tree) leafSearch(p *block.Page, key []byte) (int, bool) {
	n := p.Count()
	i := sort.Search(n, func(i int) bool { return compareKeys(t.leafKey(p, i), key) >= 0 })
	return i, i < n && compareKeys(t.leafKey(p, i), key) == 0
}

// branchSearch returns the child whose range holds key.
func (t *Tree) branchSearch(p *block.Page, key []byte) int {
	return sort.Search(p.Count()-1, func(j int) bool {
		return compareKeys(t.branchKey(p, j+1), key) > 0
	})
}

type pathElem struct {
	pgno  uint32
	index int
}

// descend walks from the root to the leaf responsible for key, returning the
// leaf and the branch path above it. A nil leaf means the tree is empty.
func (t *Tree) descend(key []byte) (*block.Page, []pathElem, error) {
	pgno, err := t.Root()
	if err != nil || pgno == 0 {
		return nil, nil, err
	}

	var stack []pathElem
	for depth := 0; ; depth++ {
		p, err := t.v.Get(pgno)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "descend: page %d", pgno)
		}
		switch p.Type() {
		case block.PageTypeLeaf:
			return p, stack, nil
		case block.PageTypeBranch:
			if p.Count() == 0 {
				return nil, nil, errors.Newf(errors.ErrCorrupt, "empty branch page %d", pgno)
			} else if depth > 64 {
				return nil, nil, errors.Newf(errors.ErrCorrupt, "tree deeper than %d at page %d", depth, pgno)
			}
			i := t.branchSearch(p, key)
			stack = append(stack, pathElem{pgno: pgno, index: i})
			pgno = t.branchChild(p, i)
		default:
			return nil, nil, errors.Newf(errors.ErrCorrupt, "unexpected %s page %d in tree", p.Type(), pgno)
		}
	}
}

// Contains reports whether rec is stored in the tree.
func (t *Tree) Contains(rec Record) (bool, error) {
	if len(rec) != t.arity {
		return false, errors.Newf(errors.ErrInvalidRecord, "record %s has arity %d, tree has %d", rec, len(rec), t.arity)
	}
	key := recordBytes(rec)
	leaf, _, err := t.descend(key)
	if err != nil || leaf == nil {
		return false, err
	}
	_, found := t.leafSearch(leaf, key)
	return found, nil
}

// Insert adds rec to the tree. It returns false, and changes nothing, if rec
// is already present.
func (t *Tree) Insert(rec Record) (bool, error) {
	if !t.v.Writable() {
		return false, errors.New(errors.ErrTxNotWritable, "insert into read-only view")
	} else if err := t.validate(rec); err != nil {
		return false, err
	}
	key := recordBytes(rec)

	leaf, stack, err := t.descend(key)
	if err != nil {
		return false, err
	} else if leaf == nil {
		if leaf, err = t.v.Allocate(block.PageTypeLeaf); err != nil {
			return false, err
		} else if err := t.setRoot(leaf.ID()); err != nil {
			return false, err
		}
	}

	idx, found := t.leafSearch(leaf, key)
	if found {
		return false, nil
	}
	if leaf, err = t.v.Mutable(leaf.ID()); err != nil {
		return false, err
	}

	buf := insertCell(cells(leaf, t.recSize), t.recSize, idx, key)
	if leaf.Count() < t.leafCap {
		setCells(leaf, t.recSize, buf)
		return true, t.addCount(1)
	}

	// Split the full leaf, moving the upper half into a new right sibling.
	right, err := t.v.Allocate(block.PageTypeLeaf)
	if err != nil {
		return false, err
	}
	mid := len(buf) / t.recSize / 2
	setCells(leaf, t.recSize, buf[:mid*t.recSize])
	setCells(right, t.recSize, buf[mid*t.recSize:])

	right.SetNext(leaf.Next())
	right.SetAux(leaf.ID())
	if next := leaf.Next(); next != 0 {
		np, err := t.v.Mutable(next)
		if err != nil {
			return false, err
		}
		np.SetAux(right.ID())
	}
	leaf.SetNext(right.ID())

	sep := append([]byte(nil), buf[mid*t.recSize:(mid+1)*t.recSize]...)
	if err := t.insertSeparator(stack, leaf.ID(), sep, right.ID()); err != nil {
		return false, err
	}
	return true, t.addCount(1)
}

// insertSeparator adds (sep, child) to the right of the path's last entry,
// splitting full branches upward. A root split grows the tree by a level.
func (t *Tree) insertSeparator(stack []pathElem, left uint32, sep []byte, child uint32) error {
	es := t.entrySize()
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		br, err := t.v.Mutable(e.pgno)
		if err != nil {
			return err
		}
		buf := insertCell(cells(br, es), es, e.index+1, makeEntry(child, sep, es))
		if br.Count() < t.branchCap {
			setCells(br, es, buf)
			return nil
		}

		right, err := t.v.Allocate(block.PageTypeBranch)
		if err != nil {
			return err
		}
		mid := len(buf) / es / 2
		setCells(br, es, buf[:mid*es])
		setCells(right, es, buf[mid*es:])
		sep = append([]byte(nil), buf[mid*es+4:(mid+1)*es]...)
		left, child = br.ID(), right.ID()
	}

	root, err := t.v.Allocate(block.PageTypeBranch)
	if err != nil {
		return err
	}
	buf := append(makeEntry(left, make([]byte, t.recSize), es), makeEntry(child, sep, es)...)
	setCells(root, es, buf)
	return t.setRoot(root.ID())
}

// Delete removes rec from the tree. It returns false if rec was not present.
func (t *Tree) Delete(rec Record) (bool, error) {
	if !t.v.Writable() {
		return false, errors.New(errors.ErrTxNotWritable, "delete from read-only view")
	} else if err := t.validate(rec); err != nil {
		return false, err
	}
	key := recordBytes(rec)

	leaf, stack, err := t.descend(key)
	if err != nil || leaf == nil {
		return false, err
	}
	idx, found := t.leafSearch(leaf, key)
	if !found {
		return false, nil
	}
	if leaf, err = t.v.Mutable(leaf.ID()); err != nil {
		return false, err
	}
	setCells(leaf, t.recSize, removeCell(cells(leaf, t.recSize), t.recSize, idx))
	if err := t.addCount(-1); err != nil {
		return false, err
	}

	// Underflow is handled lazily: nothing happens until a node is
	// sparser than a quarter of its capacity.
	if len(stack) > 0 && leaf.Count() < t.minLeaf() {
		if err := t.rebalance(stack, leaf); err != nil {
			return false, err
		}
	}
	return true, nil
}

// rebalance merges or redistributes an underfull node with a sibling under
// the same parent, walking up while parents underflow in turn.
func (t *Tree) rebalance(stack []pathElem, node *block.Page) error {
	es := t.entrySize()
	for len(stack) > 0 {
		isLeaf := node.Type() == block.PageTypeLeaf
		size, capacity, min := es, t.branchCap, t.minBranch()
		if isLeaf {
			size, capacity, min = t.recSize, t.leafCap, t.minLeaf()
		}
		if node.Count() >= min {
			break
		}

		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		parent, err := t.v.Mutable(e.pgno)
		if err != nil {
			return err
		} else if parent.Count() < 2 {
			break
		}

		var left, right *block.Page
		var sepIdx int
		if e.index+1 < parent.Count() {
			sepIdx = e.index + 1
			left = node
			if right, err = t.v.Mutable(t.branchChild(parent, sepIdx)); err != nil {
				return err
			}
		} else {
			sepIdx = e.index
			right = node
			if left, err = t.v.Mutable(t.branchChild(parent, sepIdx-1)); err != nil {
				return err
			}
		}

		rc := append([]byte(nil), cells(right, size)...)
		if !isLeaf {
			// The right node's first key becomes meaningful once its
			// entries sit behind others, so pull it down from the parent.
			copy(rc[4:es], t.branchKey(parent, sepIdx))
		}
		all := append(append([]byte(nil), cells(left, size)...), rc...)
		total := len(all) / size

		if total <= capacity*3/4 {
			setCells(left, size, all)
			if isLeaf {
				left.SetNext(right.Next())
				if next := right.Next(); next != 0 {
					np, err := t.v.Mutable(next)
					if err != nil {
						return err
					}
					np.SetAux(left.ID())
				}
			}
			if err := t.v.Free(right.ID()); err != nil {
				return err
			}
			setCells(parent, es, removeCell(cells(parent, es), es, sepIdx))
			node = parent
			continue
		}

		mid := total / 2
		setCells(left, size, all[:mid*size])
		setCells(right, size, all[mid*size:])
		if isLeaf {
			copy(t.branchKey(parent, sepIdx), all[mid*size:(mid+1)*size])
		} else {
			copy(t.branchKey(parent, sepIdx), all[mid*size+4:(mid+1)*size])
		}
		break
	}
	return t.collapseRoot()
}

// collapseRoot removes root branches that are left with a single child.
func (t *Tree) collapseRoot() error {
	for {
		root, err := t.Root()
		if err != nil {
			return err
		}
		p, err := t.v.Get(root)
		if err != nil {
			return err
		}
		if p.Type() != block.PageTypeBranch || p.Count() != 1 {
			return nil
		}
		child := t.branchChild(p, 0)
		if err := t.v.Free(root); err != nil {
			return err
		} else if err := t.setRoot(child); err != nil {
			return err
		}
	}
}

// cells returns the used cell area of p for cells of the given size.
func cells(p *block.Page, size int) []byte {
	return p.Data()[block.HeaderSize : block.HeaderSize+p.Count()*size]
}

// setCells replaces the cells of p with b and zeroes the rest of the page.
func setCells(p *block.Page, size int, b []byte) {
	data := p.Data()[block.HeaderSize:]
	n := copy(data, b)
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
	p.SetCount(len(b) / size)
}

func insertCell(b []byte, size, i int, cell []byte) []byte {
	out := make([]byte, 0, len(b)+size)
	out = append(out, b[:i*size]...)
	out = append(out, cell...)
	return append(out, b[i*size:]...)
}

func removeCell(b []byte, size, i int) []byte {
	out := make([]byte, 0, len(b)-size)
	out = append(out, b[:i*size]...)
	return append(out, b[(i+1)*size:]...)
}

func makeEntry(child uint32, key []byte, size int) []byte {
	e := make([]byte, size)
	binary.BigEndian.PutUint32(e, child)
	copy(e[4:], key)
	return e
}
