// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package quadstore

import (
	"context"

	"github.com/molecula/quadstore/bptree"
	"github.com/molecula/quadstore/errors"
	"github.com/molecula/quadstore/nodetable"
	"github.com/molecula/quadstore/txn"
)

// Quad is a statement at the term level. A zero G means the default graph,
// whose statements live in the triple table.
type Quad struct {
	G, S, P, O nodetable.Term
}

// Triple returns a default graph quad.
func Triple(s, p, o nodetable.Term) Quad { return Quad{S: s, P: p, O: o} }

func (q Quad) validate() error {
	for _, t := range []nodetable.Term{q.S, q.P, q.O} {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	if q.G.IsZero() {
		return nil
	}
	return q.G.Validate()
}

// Tx is a store transaction. It is not safe for concurrent use.
type Tx struct {
	db *DB
	tx *txn.Tx
}

// Writable reports whether tx can mutate.
func (tx *Tx) Writable() bool { return tx.tx.Writable() }

// Txn returns the underlying manager transaction.
func (tx *Tx) Txn() *txn.Tx { return tx.tx }

// Triples returns the triple table as seen by tx.
func (tx *Tx) Triples() *Table { return &Table{tx: tx, schema: TripleSchema} }

// Quads returns the named graph quad table as seen by tx.
func (tx *Tx) Quads() *Table { return &Table{tx: tx, schema: QuadSchema} }

func (tx *Tx) Commit() error  { return tx.tx.Commit() }
func (tx *Tx) Abort() error   { return tx.tx.Abort() }
func (tx *Tx) End()           { tx.tx.End() }
func (tx *Tx) Promote() error { return tx.tx.Promote() }

// PromoteContext is Promote bounded by ctx.
func (tx *Tx) PromoteContext(ctx context.Context) error { return tx.tx.PromoteContext(ctx) }

// PromoteReadCommitted makes a later Promote re-base onto the latest
// generation instead of failing when a writer committed in between.
func (tx *Tx) PromoteReadCommitted() { tx.tx.PromoteReadCommitted() }

func (tx *Tx) nodeViews() nodetable.Views {
	return nodetable.Views{
		Hash: tx.tx.View(FileNodesHash),
		IDs:  tx.tx.View(FileNodesID),
	}
}

// Encode returns the id of term, assigning one if term is new.
func (tx *Tx) Encode(term nodetable.Term) (nodetable.NodeID, error) {
	return tx.db.nodes.Encode(tx.nodeViews(), term)
}

// Lookup returns the id of term, or NotExist.
func (tx *Tx) Lookup(term nodetable.Term) (nodetable.NodeID, error) {
	return tx.db.nodes.Lookup(tx.nodeViews(), term)
}

// Decode returns the term of id.
func (tx *Tx) Decode(id nodetable.NodeID) (nodetable.Term, error) {
	return tx.db.nodes.Decode(tx.nodeViews(), id)
}

// NodeN returns the number of node ids assigned as of tx.
func (tx *Tx) NodeN() (uint64, error) { return tx.db.nodes.NodeN(tx.tx.View(FileNodesID)) }

// AddQuad encodes q and adds it to the triple table or, for a named graph,
// the quad table. It reports whether the statement was new.
func (tx *Tx) AddQuad(q Quad) (bool, error) {
	if err := q.validate(); err != nil {
		return false, err
	}
	terms := []nodetable.Term{q.S, q.P, q.O}
	table := tx.Triples()
	if !q.G.IsZero() {
		terms = []nodetable.Term{q.G, q.S, q.P, q.O}
		table = tx.Quads()
	}

	rec := make(bptree.Record, len(terms))
	for i, term := range terms {
		id, err := tx.Encode(term)
		if err != nil {
			return false, err
		}
		rec[i] = uint64(id)
	}
	return table.Add(rec)
}

// DeleteQuad removes q. Terms never seen mean q is absent; no ids are
// assigned.
func (tx *Tx) DeleteQuad(q Quad) (bool, error) {
	if err := q.validate(); err != nil {
		return false, err
	} else if !tx.Writable() {
		return false, errors.New(errors.ErrTxNotWritable, "delete in read-only transaction")
	}
	rec, ok, err := tx.lookupQuad(q)
	if err != nil || !ok {
		return false, err
	}
	if q.G.IsZero() {
		return tx.Triples().Delete(rec)
	}
	return tx.Quads().Delete(rec)
}

// ContainsQuad reports whether q is stored.
func (tx *Tx) ContainsQuad(q Quad) (bool, error) {
	if err := q.validate(); err != nil {
		return false, err
	}
	rec, ok, err := tx.lookupQuad(q)
	if err != nil || !ok {
		return false, err
	}
	if q.G.IsZero() {
		return tx.Triples().Contains(rec)
	}
	return tx.Quads().Contains(rec)
}

func (tx *Tx) lookupQuad(q Quad) (bptree.Record, bool, error) {
	terms := []nodetable.Term{q.S, q.P, q.O}
	if !q.G.IsZero() {
		terms = []nodetable.Term{q.G, q.S, q.P, q.O}
	}
	rec := make(bptree.Record, len(terms))
	for i, term := range terms {
		id, err := tx.Lookup(term)
		if err != nil {
			return nil, false, err
		} else if id == nodetable.NotExist {
			return nil, false, nil
		}
		rec[i] = uint64(id)
	}
	return rec, true, nil
}

// DecodeRecord decodes every id of rec.
func (tx *Tx) DecodeRecord(rec bptree.Record) ([]nodetable.Term, error) {
	terms := make([]nodetable.Term, len(rec))
	for i, id := range rec {
		term, err := tx.Decode(nodetable.NodeID(id))
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s", rec)
		}
		terms[i] = term
	}
	return terms, nil
}

// ScanNodes calls fn for every node id assigned as of tx, in id order.
func (tx *Tx) ScanNodes(fn func(rec nodetable.ObjectRecord) error) error {
	return tx.db.nodes.Scan(tx.nodeViews(), fn)
}
