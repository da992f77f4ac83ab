// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package quadstore

import (
	"context"

	"github.com/molecula/quadstore/bptree"
	"github.com/molecula/quadstore/errors"
)

// Unsafe is the direct mutation surface. Each mutation runs in its own write
// transaction and commits at once. Iterators hold a read transaction and
// fail with ErrConcurrentModification on the first step after any unsafe
// mutation of the store that changed something, including their own
// goroutine's.
type Unsafe struct {
	db *DB
}

// Unsafe returns the store's direct mutation surface.
func (db *DB) Unsafe() *Unsafe { return &Unsafe{db: db} }

func (u *Unsafe) update(ctx context.Context, fn func(tx *Tx) (bool, error)) (changed bool, err error) {
	err = u.db.Update(ctx, func(tx *Tx) error {
		changed, err = fn(tx)
		return err
	})
	if err == nil && changed {
		u.db.bumpVersion()
	}
	return changed, err
}

// AddQuad adds q and commits.
func (u *Unsafe) AddQuad(ctx context.Context, q Quad) (bool, error) {
	return u.update(ctx, func(tx *Tx) (bool, error) { return tx.AddQuad(q) })
}

// DeleteQuad deletes q and commits.
func (u *Unsafe) DeleteQuad(ctx context.Context, q Quad) (bool, error) {
	return u.update(ctx, func(tx *Tx) (bool, error) { return tx.DeleteQuad(q) })
}

// Add adds rec to the table described by schema and commits.
func (u *Unsafe) Add(ctx context.Context, schema *TableSchema, rec bptree.Record) (bool, error) {
	return u.update(ctx, func(tx *Tx) (bool, error) { return tx.table(schema).Add(rec) })
}

// Delete removes rec from the table described by schema and commits.
func (u *Unsafe) Delete(ctx context.Context, schema *TableSchema, rec bptree.Record) (bool, error) {
	return u.update(ctx, func(tx *Tx) (bool, error) { return tx.table(schema).Delete(rec) })
}

// Find returns an iterator over the records of schema matching pattern. The
// iterator's read transaction ends at io.EOF, on error, or on Close.
func (u *Unsafe) Find(ctx context.Context, schema *TableSchema, pattern bptree.Record) (*Iterator, error) {
	tx, err := u.db.Begin(ctx, false)
	if err != nil {
		return nil, err
	}
	itr, err := tx.table(schema).Find(pattern)
	if err != nil {
		tx.End()
		return nil, err
	}

	stamp := u.db.loadVersion()
	itr.itr.SetGuard(func() error {
		if v := u.db.loadVersion(); v != stamp {
			return errors.Newf(errors.ErrConcurrentModification, "store modified during iteration (version %d, now %d)", stamp, v)
		}
		return nil
	})
	itr.onClose = tx.End
	return itr, nil
}

func (tx *Tx) table(schema *TableSchema) *Table { return &Table{tx: tx, schema: schema} }
