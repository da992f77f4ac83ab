// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package txn

import (
	"context"
	"fmt"

	"github.com/molecula/quadstore/block"
	"github.com/molecula/quadstore/errors"
)

// State is the lifecycle position of a transaction.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateAborted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Tx is a transaction. It reads the generation it pinned at Begin and, when
// writable, stages changes in a private overlay until Commit.
//
// A Tx is not safe for concurrent use.
type Tx struct {
	m        *Manager
	id       uint64
	gen      *Generation
	pinned   bool
	writable bool
	state    State
	dirty    []map[uint32]*block.Page // per file overlay
	version  uint64

	readCommitted bool
}

func newOverlay(n int) []map[uint32]*block.Page {
	o := make([]map[uint32]*block.Page, n)
	for i := range o {
		o[i] = make(map[uint32]*block.Page)
	}
	return o
}

func (tx *Tx) ID() uint64               { return tx.id }
func (tx *Tx) Writable() bool           { return tx.writable }
func (tx *Tx) State() State             { return tx.state }
func (tx *Tx) Generation() *Generation  { return tx.gen }
func (tx *Tx) Manager() *Manager        { return tx.m }
func (tx *Tx) View(file int) block.View { return &view{tx: tx, file: file} }
func (tx *Tx) PromoteReadCommitted()    { tx.readCommitted = true }

// DirtyN returns the number of pages staged by the transaction.
func (tx *Tx) DirtyN() int {
	var n int
	for _, o := range tx.dirty {
		n += len(o)
	}
	return n
}

func (tx *Tx) checkActive() error {
	switch tx.state {
	case StateActive:
		return nil
	case StateClosed:
		return errors.Newf(errors.ErrTxClosed, "transaction %d closed", tx.id)
	default:
		return errors.Newf(errors.ErrTxState, "transaction %d is %s", tx.id, tx.state)
	}
}

// Promote turns an active reader into a writer. See PromoteContext.
func (tx *Tx) Promote() error { return tx.PromoteContext(context.Background()) }

// PromoteContext waits for the writer slot, then turns the reader into a
// writer if no commit happened since it began. Otherwise, with read-committed
// promotion, it moves to the latest generation; without, it fails with
// ErrPromotionConflict and gives the slot back.
func (tx *Tx) PromoteContext(ctx context.Context) error {
	if err := tx.checkActive(); err != nil {
		return err
	} else if tx.writable {
		return errors.Newf(errors.ErrTxState, "transaction %d is already a writer", tx.id)
	}

	if err := tx.m.slot.acquire(ctx, tx.m.opts.WriterTimeout); err != nil {
		return err
	}
	if err := tx.m.promote(tx, tx.readCommitted || tx.m.opts.ReadCommittedPromotion); err != nil {
		tx.m.slot.release()
		return err
	}
	return nil
}

// Commit makes the transaction's changes durable and visible. Structural and
// resource failures abort the transaction.
func (tx *Tx) Commit() error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if tx.writable && tx.DirtyN() > 0 {
		if err := tx.m.commit(tx); err != nil {
			tx.abort()
			return err
		}
	}
	tx.finish(StateCommitted)
	return nil
}

// Abort discards the transaction's changes.
func (tx *Tx) Abort() error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	tx.abort()
	return nil
}

func (tx *Tx) abort() {
	if tx.writable {
		CounterAborts.Inc()
	}
	tx.finish(StateAborted)
}

// finish drops the overlay and unpins the generation.
func (tx *Tx) finish(state State) {
	tx.dirty = nil
	tx.state = state
	tx.version++
	if tx.pinned {
		tx.m.mu.Lock()
		tx.m.unpin(tx.gen)
		tx.m.mu.Unlock()
		tx.pinned = false
	}
}

// End releases the transaction. An active transaction is aborted first. End
// is safe to call more than once; readers normally end without committing.
func (tx *Tx) End() {
	if tx.state == StateClosed {
		return
	} else if tx.state == StateActive {
		if tx.DirtyN() > 0 {
			tx.m.Logger.Warnf("transaction %d ended while active, discarding %d pages", tx.id, tx.DirtyN())
		}
		tx.abort()
	}

	if tx.writable {
		tx.m.slot.release()
	}
	tx.m.exclmu.RUnlock()
	tx.state = StateClosed
	tx.m.maybeCheckpoint()
}

// view is a transaction's page view of one block file: the overlay, then the
// pinned generation, then the store.
type view struct {
	tx   *Tx
	file int
}

var _ block.View = (*view)(nil)

func (v *view) Get(pgno uint32) (*block.Page, error) {
	tx := v.tx
	if err := tx.checkActive(); err != nil {
		return nil, err
	}

	var p *block.Page
	var ok bool
	if tx.dirty != nil {
		p, ok = tx.dirty[v.file][pgno]
	}
	if !ok {
		p, ok = tx.gen.page(v.file, pgno)
	}
	if !ok {
		return tx.m.stores[v.file].Get(pgno)
	}
	if p.Type() == block.PageTypeFree {
		return nil, errors.Newf(errors.ErrBlockNotFound, "%s: page %d not allocated", tx.m.stores[v.file].Name(), pgno)
	}
	return p, nil
}

func (v *view) Mutable(pgno uint32) (*block.Page, error) {
	tx := v.tx
	if err := v.checkWritable(); err != nil {
		return nil, err
	}
	if p, ok := tx.dirty[v.file][pgno]; ok && p.Type() != block.PageTypeFree {
		tx.version++
		return p, nil
	}
	p, err := v.Get(pgno)
	if err != nil {
		return nil, err
	}
	p = p.Clone()
	tx.dirty[v.file][pgno] = p
	tx.version++
	return p, nil
}

func (v *view) Stage(p *block.Page) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	v.tx.dirty[v.file][p.ID()] = p
	v.tx.version++
	return nil
}

func (v *view) checkWritable() error {
	if err := v.tx.checkActive(); err != nil {
		return err
	} else if !v.tx.writable {
		return errors.Newf(errors.ErrTxNotWritable, "transaction %d is read-only", v.tx.id)
	}
	return nil
}

func (v *view) Allocate(typ block.PageType) (*block.Page, error) { return block.Allocate(v, typ) }
func (v *view) Free(pgno uint32) error                           { return block.Free(v, pgno) }
func (v *view) Writable() bool                                   { return v.tx.writable && v.tx.state == StateActive }
func (v *view) Version() uint64                                  { return v.tx.version }
