// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package bptree

import (
	"io"

	"github.com/molecula/quadstore/block"
	"github.com/molecula/quadstore/errors"
)

// Source yields records in ascending key order, returning io.EOF after the
// last one. An Iterator is a Source.
type Source interface {
	Next() (Record, error)
}

// Iterator walks the records matching a key-order pattern. The leading bound
// positions of the pattern select a contiguous key range; bound positions
// after the first wildcard are filtered record by record.
//
// An Iterator survives modifications made through the same view: when the
// view's version changes it seeks again just past the last record returned.
type Iterator struct {
	t       *Tree
	pattern Record
	prefix  []byte
	lower   []byte

	page    *block.Page
	idx     int
	last    []byte
	version uint64
	done    bool

	guard func() error
}

// Find returns an iterator over records matching pattern, which is given in
// key order with Any in unbound positions.
func (t *Tree) Find(pattern Record) (*Iterator, error) {
	if len(pattern) != t.arity {
		return nil, errors.Newf(errors.ErrInvalidRecord, "pattern %s has arity %d, tree has %d", pattern, len(pattern), t.arity)
	}
	prefixN := 0
	for prefixN < len(pattern) && pattern[prefixN] != Any {
		prefixN++
	}
	lower := make(Record, t.arity)
	copy(lower, pattern[:prefixN])

	itr := &Iterator{
		t:       t,
		pattern: pattern.Copy(),
		lower:   recordBytes(lower),
	}
	itr.prefix = itr.lower[:prefixN*8]
	return itr, nil
}

// SetGuard installs a check run before every step. A non-nil error from the
// guard is returned by Next.
func (itr *Iterator) SetGuard(fn func() error) { itr.guard = fn }

// Reset positions the iterator back before the first match.
func (itr *Iterator) Reset() {
	itr.page, itr.idx, itr.last, itr.done = nil, 0, nil, false
}

// Next returns the next matching record, or io.EOF when there are no more.
func (itr *Iterator) Next() (Record, error) {
	if itr.guard != nil {
		if err := itr.guard(); err != nil {
			return nil, err
		}
	}
	if itr.done {
		return nil, io.EOF
	}
	if itr.page == nil || itr.version != itr.t.v.Version() {
		if err := itr.seek(); err != nil {
			return nil, err
		}
	}

	t := itr.t
	for itr.page != nil {
		if itr.idx >= itr.page.Count() {
			next := itr.page.Next()
			if next == 0 {
				break
			}
			p, err := t.v.Get(next)
			if err != nil {
				return nil, errors.Wrapf(err, "iterate: page %d", next)
			}
			itr.page, itr.idx = p, 0
			continue
		}

		key := t.leafKey(itr.page, itr.idx)
		if compareKeys(key[:len(itr.prefix)], itr.prefix) != 0 {
			break
		}
		itr.idx++
		itr.last = append(itr.last[:0], key...)

		rec := decodeRecord(key, t.arity)
		if itr.matches(rec) {
			return rec, nil
		}
	}
	itr.done = true
	return nil, io.EOF
}

func (itr *Iterator) matches(rec Record) bool {
	for i, v := range itr.pattern {
		if v != Any && rec[i] != v {
			return false
		}
	}
	return true
}

// seek positions the iterator at the lower bound, or strictly after the last
// record returned.
func (itr *Iterator) seek() error {
	t := itr.t
	itr.version = t.v.Version()

	key := itr.lower
	if itr.last != nil {
		key = itr.last
	}
	leaf, _, err := t.descend(key)
	if err != nil {
		return err
	} else if leaf == nil {
		itr.done = true
		return nil
	}
	idx, found := t.leafSearch(leaf, key)
	if found && itr.last != nil {
		idx++
	}
	itr.page, itr.idx = leaf, idx
	return nil
}

// FindAll collects every record matching pattern.
func (t *Tree) FindAll(pattern Record) ([]Record, error) {
	itr, err := t.Find(pattern)
	if err != nil {
		return nil, err
	}
	var out []Record
	for {
		rec, err := itr.Next()
		if err == io.EOF {
			return out, nil
		} else if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}
