// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package bptree

import (
	"fmt"

	"github.com/molecula/quadstore/block"
	"github.com/molecula/quadstore/errors"
)

// Walk calls fn for every page of the tree in depth-first order.
func (t *Tree) Walk(fn func(p *block.Page, depth int) error) error {
	root, err := t.Root()
	if err != nil || root == 0 {
		return err
	}
	return t.walk(root, 0, make(map[uint32]bool), fn)
}

func (t *Tree) walk(pgno uint32, depth int, seen map[uint32]bool, fn func(*block.Page, int) error) error {
	if seen[pgno] {
		return errors.Newf(errors.ErrCorrupt, "page %d reachable twice", pgno)
	}
	seen[pgno] = true

	p, err := t.v.Get(pgno)
	if err != nil {
		return err
	} else if err := fn(p, depth); err != nil {
		return err
	}
	if p.Type() != block.PageTypeBranch {
		return nil
	}
	for i := 0; i < p.Count(); i++ {
		if err := t.walk(t.branchChild(p, i), depth+1, seen, fn); err != nil {
			return err
		}
	}
	return nil
}

// Check verifies the structure of the tree: page types, key order and
// bounds, uniform leaf depth, sibling links and the stored record count.
// It returns an ErrCorrupt error describing the first problem found.
func (t *Tree) Check() error {
	root, err := t.Root()
	if err != nil {
		return err
	}
	count, err := t.Count()
	if err != nil {
		return err
	}
	if root == 0 {
		if count != 0 {
			return errors.Newf(errors.ErrCorrupt, "empty tree records %d entries", count)
		}
		return nil
	}

	c := &checker{t: t, seen: make(map[uint32]bool), leafDepth: -1}
	if err := c.check(root, 0, nil, nil); err != nil {
		return err
	}

	for i, pgno := range c.leaves {
		p, err := t.v.Get(pgno)
		if err != nil {
			return err
		}
		var prev, next uint32
		if i > 0 {
			prev = c.leaves[i-1]
		}
		if i+1 < len(c.leaves) {
			next = c.leaves[i+1]
		}
		if p.Aux() != prev || p.Next() != next {
			return errors.Newf(errors.ErrCorrupt, "leaf %d links prev=%d next=%d, want prev=%d next=%d", pgno, p.Aux(), p.Next(), prev, next)
		}
	}

	if c.records != count {
		return errors.Newf(errors.ErrCorrupt, "tree holds %d records, meta records %d", c.records, count)
	}
	return nil
}

type checker struct {
	t         *Tree
	seen      map[uint32]bool
	leaves    []uint32
	leafDepth int
	records   uint64
}

// check verifies the subtree at pgno holds keys in [lo, hi). Nil bounds are
// open.
func (c *checker) check(pgno uint32, depth int, lo, hi []byte) error {
	t := c.t
	if c.seen[pgno] {
		return errors.Newf(errors.ErrCorrupt, "page %d reachable twice", pgno)
	}
	c.seen[pgno] = true

	p, err := t.v.Get(pgno)
	if err != nil {
		return errors.Wrapf(err, "check: page %d", pgno)
	}
	corrupt := func(format string, a ...interface{}) error {
		return errors.Newf(errors.ErrCorrupt, "%s page %d: %s", p.Type(), pgno, fmt.Sprintf(format, a...))
	}
	inBounds := func(key []byte) bool {
		return (lo == nil || compareKeys(key, lo) >= 0) && (hi == nil || compareKeys(key, hi) < 0)
	}

	switch p.Type() {
	case block.PageTypeLeaf:
		if c.leafDepth == -1 {
			c.leafDepth = depth
		} else if c.leafDepth != depth {
			return corrupt("leaf at depth %d, expected %d", depth, c.leafDepth)
		}
		if p.Count() > t.leafCap {
			return corrupt("%d records exceeds capacity %d", p.Count(), t.leafCap)
		} else if p.Count() == 0 && depth > 0 {
			return corrupt("empty non-root leaf")
		}
		for i := 0; i < p.Count(); i++ {
			key := t.leafKey(p, i)
			if i > 0 && compareKeys(t.leafKey(p, i-1), key) >= 0 {
				return corrupt("record %d out of order", i)
			} else if !inBounds(key) {
				return corrupt("record %s outside parent bounds", decodeRecord(key, t.arity))
			}
		}
		c.leaves = append(c.leaves, pgno)
		c.records += uint64(p.Count())
		return nil

	case block.PageTypeBranch:
		if p.Count() < 2 {
			return corrupt("branch with %d children", p.Count())
		} else if p.Count() > t.branchCap {
			return corrupt("%d entries exceeds capacity %d", p.Count(), t.branchCap)
		}
		for i := 1; i < p.Count(); i++ {
			key := t.branchKey(p, i)
			if i > 1 && compareKeys(t.branchKey(p, i-1), key) >= 0 {
				return corrupt("separator %d out of order", i)
			} else if !inBounds(key) {
				return corrupt("separator %d outside parent bounds", i)
			}
		}
		for i := 0; i < p.Count(); i++ {
			clo, chi := lo, hi
			if i > 0 {
				clo = t.branchKey(p, i)
			}
			if i+1 < p.Count() {
				chi = t.branchKey(p, i+1)
			}
			if err := c.check(t.branchChild(p, i), depth+1, clo, chi); err != nil {
				return err
			}
		}
		return nil

	default:
		return corrupt("unexpected page type in tree")
	}
}
