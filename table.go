// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package quadstore

import (
	"io"

	"github.com/molecula/quadstore/bptree"
	"github.com/molecula/quadstore/errors"
)

// Table is the set of records of one shape as seen by a transaction. Every
// record is held once per index, each index ordering the columns
// differently. Records are given and returned in canonical column order
// (SPO or GSPO).
type Table struct {
	tx     *Tx
	schema *TableSchema
}

// Schema returns the table's schema.
func (t *Table) Schema() *TableSchema { return t.schema }

func (t *Table) tree(i int) (*bptree.Tree, error) {
	tree, err := bptree.Open(t.tx.tx.View(t.schema.Files[i]), t.schema.Arity())
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", t.schema.Perms[i].Name)
	}
	return tree, nil
}

func (t *Table) checkRecord(rec bptree.Record, wildcards bool) error {
	if len(rec) != t.schema.Arity() {
		return errors.Newf(errors.ErrInvalidRecord, "%s record %s has arity %d", t.schema.Name, rec, len(rec))
	}
	if wildcards {
		return nil
	}
	for _, v := range rec {
		if v == bptree.Any {
			return errors.Newf(errors.ErrInvalidRecord, "%s record %s has a wildcard", t.schema.Name, rec)
		}
	}
	return nil
}

// Add inserts rec into every index. It reports whether rec was new; adding
// an existing record changes nothing.
func (t *Table) Add(rec bptree.Record) (bool, error) {
	if err := t.checkRecord(rec, false); err != nil {
		return false, err
	}
	var added bool
	for i, perm := range t.schema.Perms {
		tree, err := t.tree(i)
		if err != nil {
			return false, err
		}
		ok, err := tree.Insert(perm.Project(rec))
		if err != nil {
			return false, errors.Wrapf(err, "insert into %s", perm.Name)
		}
		if i == 0 {
			if !ok {
				return false, nil
			}
			added = true
		}
	}
	return added, nil
}

// Delete removes rec from every index. It reports whether rec was present.
func (t *Table) Delete(rec bptree.Record) (bool, error) {
	if err := t.checkRecord(rec, false); err != nil {
		return false, err
	}
	var deleted bool
	for i, perm := range t.schema.Perms {
		tree, err := t.tree(i)
		if err != nil {
			return false, err
		}
		ok, err := tree.Delete(perm.Project(rec))
		if err != nil {
			return false, errors.Wrapf(err, "delete from %s", perm.Name)
		}
		if i == 0 {
			if !ok {
				return false, nil
			}
			deleted = true
		}
	}
	return deleted, nil
}

// Contains reports whether any record matches pattern.
func (t *Table) Contains(pattern bptree.Record) (bool, error) {
	itr, err := t.Find(pattern)
	if err != nil {
		return false, err
	}
	if _, err := itr.Next(); err == io.EOF {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// Size returns the number of records, read from the primary index.
func (t *Table) Size() (uint64, error) {
	tree, err := t.tree(0)
	if err != nil {
		return 0, err
	}
	return tree.Count()
}

// Find returns an iterator over records matching pattern, in the key order
// of the index whose leading columns pattern binds the most of.
func (t *Table) Find(pattern bptree.Record) (*Iterator, error) {
	if err := t.checkRecord(pattern, true); err != nil {
		return nil, err
	}
	i := bptree.Choose(t.schema.Perms, pattern)
	return t.FindIn(i, pattern)
}

// FindIn is Find on the i'th index of the schema.
func (t *Table) FindIn(i int, pattern bptree.Record) (*Iterator, error) {
	if err := t.checkRecord(pattern, true); err != nil {
		return nil, err
	}
	tree, err := t.tree(i)
	if err != nil {
		return nil, err
	}
	perm := t.schema.Perms[i]
	itr, err := tree.Find(perm.Project(pattern))
	if err != nil {
		return nil, err
	}
	return &Iterator{itr: itr, perm: perm}, nil
}

// FindAll collects every record matching pattern.
func (t *Table) FindAll(pattern bptree.Record) ([]bptree.Record, error) {
	itr, err := t.Find(pattern)
	if err != nil {
		return nil, err
	}
	defer itr.Close()
	var out []bptree.Record
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

// Iterator yields records in canonical column order. It is valid while its
// transaction is active.
type Iterator struct {
	itr     *bptree.Iterator
	perm    bptree.Permutation
	onClose func()
}

// Index returns the name of the index being scanned.
func (itr *Iterator) Index() string { return itr.perm.Name }

// Next returns the next matching record, or io.EOF. Any error, io.EOF
// included, closes the iterator.
func (itr *Iterator) Next() (bptree.Record, error) {
	key, err := itr.itr.Next()
	if err != nil {
		itr.Close()
		return nil, err
	}
	return itr.perm.Unproject(key), nil
}

// Reset restarts the iterator from the first match.
func (itr *Iterator) Reset() { itr.itr.Reset() }

// Close releases resources held for the iterator. It is safe to call more
// than once.
func (itr *Iterator) Close() {
	if itr.onClose != nil {
		fn := itr.onClose
		itr.onClose = nil
		fn()
	}
}
