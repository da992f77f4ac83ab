// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package txn implements the transaction manager: a single writer and any
// number of readers over a set of block files, with snapshot isolation by
// generation, reader-to-writer promotion, journaled commits and
// checkpointing.
package txn

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/molecula/quadstore/block"
	"github.com/molecula/quadstore/errors"
	"github.com/molecula/quadstore/journal"
	"github.com/molecula/quadstore/logger"
	"github.com/ricochet2200/go-disk-usage/du"
)

// Participant is prepared before a commit's journal entry is written. The
// node table uses it to make its object file durable.
type Participant interface {
	Prepare() error
}

// Options configure a Manager.
type Options struct {
	// Promotions re-base onto the latest generation instead of failing
	// with ErrPromotionConflict.
	ReadCommittedPromotion bool

	// Zero waits forever for the writer slot.
	WriterTimeout time.Duration

	// Checkpoint once this many pages are pending. Zero checkpoints after
	// every commit.
	CheckpointThreshold int

	// Directory whose filesystem is checked for MinFreeSpace before a
	// commit. Empty disables the check.
	Dir          string
	MinFreeSpace int64

	Logger logger.Logger
}

// Manager coordinates transactions over a fixed list of block files. File
// numbers in journal entries are indexes into that list.
type Manager struct {
	mu      sync.Mutex
	stores  []*block.Store
	journal *journal.Journal
	current *Generation
	pins    map[uint64]int // generation id to live transaction count
	nextTx  uint64
	closed  bool

	participants []Participant

	slot   writerSlot
	exclmu sync.RWMutex // held shared by every transaction, exclusively by bulk loads

	opts   Options
	Logger logger.Logger
}

// Open recovers the stores from the journal and returns a Manager. Committed
// entries are written to the stores, which are synced before the journal is
// reset.
func Open(stores []*block.Store, j *journal.Journal, opts Options) (*Manager, error) {
	if len(stores) > 255 {
		return nil, errors.Newf(errors.ErrInvalidRecord, "%d block files exceeds journal file ids", len(stores))
	}
	m := &Manager{
		stores:  stores,
		journal: j,
		pins:    make(map[uint64]int),
		opts:    opts,
		Logger:  opts.Logger,
	}
	if m.Logger == nil {
		m.Logger = logger.NopLogger
	}

	var replayed int
	gen, err := j.Replay(func(gen uint64, entries []journal.Entry) error {
		for _, e := range entries {
			if int(e.File) >= len(stores) {
				return errors.Newf(errors.ErrJournalCorrupt, "journal entry %d names file %d", gen, e.File)
			} else if err := stores[e.File].Write(e.Page); err != nil {
				return err
			}
		}
		replayed++
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "replay journal")
	}
	if replayed > 0 {
		for _, s := range stores {
			if err := s.Sync(); err != nil {
				return nil, err
			}
		}
		if err := j.Reset(gen); err != nil {
			return nil, err
		}
		m.Logger.Infof("replayed %d journal entries up to generation %d", replayed, gen)
	}

	m.current = newGeneration(gen, len(stores))
	GaugeGeneration.Set(float64(gen))
	return m, nil
}

// Generation returns the current generation.
func (m *Manager) Generation() *Generation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Register adds a participant prepared before every commit.
func (m *Manager) Register(p Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants = append(m.participants, p)
}

// Store returns the block store of file.
func (m *Manager) Store(file int) *block.Store { return m.stores[file] }

// FileN returns the number of block files.
func (m *Manager) FileN() int { return len(m.stores) }

// Begin starts a transaction. A writable transaction waits for the writer
// slot until ctx is done or the configured WriterTimeout expires.
func (m *Manager) Begin(ctx context.Context, writable bool) (*Tx, error) {
	m.exclmu.RLock()
	if writable {
		if err := m.slot.acquire(ctx, m.opts.WriterTimeout); err != nil {
			m.exclmu.RUnlock()
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		if writable {
			m.slot.release()
		}
		m.exclmu.RUnlock()
		return nil, errors.New(errors.ErrTxClosed, "transaction manager closed")
	}

	m.nextTx++
	tx := &Tx{
		m:        m,
		id:       m.nextTx,
		gen:      m.current,
		writable: writable,
		state:    StateActive,
		pinned:   true,
	}
	m.pins[tx.gen.id]++
	if writable {
		tx.dirty = newOverlay(len(m.stores))
		CounterTxBegun.WithLabelValues("write").Inc()
	} else {
		CounterTxBegun.WithLabelValues("read").Inc()
	}
	return tx, nil
}

// unpin releases a transaction's hold on its generation. The caller holds
// m.mu.
func (m *Manager) unpin(g *Generation) {
	if m.pins[g.id]--; m.pins[g.id] <= 0 {
		delete(m.pins, g.id)
	}
}

// promote turns tx into a writer. The caller holds the writer slot.
func (m *Manager) promote(tx *Tx, readCommitted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.gen.id != m.current.id {
		if !readCommitted {
			CounterPromotionConflicts.Inc()
			return errors.Newf(errors.ErrPromotionConflict, "transaction pinned generation %d, current is %d", tx.gen.id, m.current.id)
		}
		m.unpin(tx.gen)
		tx.gen = m.current
		m.pins[tx.gen.id]++
	}
	tx.writable = true
	tx.dirty = newOverlay(len(m.stores))
	CounterPromotions.Inc()
	return nil
}

// commit makes tx's overlay durable and publishes it as the next generation.
func (m *Manager) commit(tx *Tx) error {
	start := time.Now()
	m.mu.Lock()
	participants := m.participants
	m.mu.Unlock()

	for _, p := range participants {
		if err := p.Prepare(); err != nil {
			return errors.Wrap(err, "prepare commit")
		}
	}

	var entries []journal.Entry
	for file, overlay := range tx.dirty {
		pgnos := make([]uint32, 0, len(overlay))
		for pgno := range overlay {
			pgnos = append(pgnos, pgno)
		}
		sort.Slice(pgnos, func(i, j int) bool { return pgnos[i] < pgnos[j] })
		for _, pgno := range pgnos {
			entries = append(entries, journal.Entry{File: uint8(file), Page: overlay[pgno]})
		}
	}

	if err := m.checkFreeSpace(int64(len(entries)) * (block.PageSize + journal.FrameHeaderSize)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New(errors.ErrTxClosed, "transaction manager closed")
	}

	gen := m.current.derive(tx.dirty)
	if err := m.journal.Write(gen.id, entries); err != nil {
		return err
	}
	m.current = gen
	m.unpin(tx.gen)
	tx.pinned = false
	GaugeGeneration.Set(float64(gen.id))
	CounterCommits.Inc()
	HistogramCommitDuration.Observe(time.Since(start).Seconds())

	if gen.PendingN() >= m.opts.CheckpointThreshold {
		if err := m.checkpoint(false); err != nil {
			// The commit is durable; a failed checkpoint is retried later.
			m.Logger.Errorf("checkpoint after generation %d: %v", gen.id, err)
		}
	}
	return nil
}

func (m *Manager) checkFreeSpace(need int64) error {
	if m.opts.Dir == "" || m.opts.MinFreeSpace <= 0 {
		return nil
	}
	avail := du.NewDiskUsage(m.opts.Dir).Available()
	if want := uint64(m.opts.MinFreeSpace + need); avail < want {
		return errors.Newf(errors.ErrOutOfSpace, "%d bytes available under %s, commit needs %d", avail, m.opts.Dir, want)
	}
	return nil
}

// Checkpoint writes pending pages back to the block stores and resets the
// journal. It is a no-op while a transaction pins an older generation.
func (m *Manager) Checkpoint() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New(errors.ErrTxClosed, "transaction manager closed")
	}
	return m.checkpoint(false)
}

// checkpoint copies the current generation's pages into the stores. The
// caller holds m.mu. Unless force is set it does nothing while older
// generations are pinned, since their readers fall back to the stores for
// pages missing from their maps.
func (m *Manager) checkpoint(force bool) error {
	cur := m.current
	pending := cur.PendingN()
	if pending == 0 {
		return nil
	}
	if !force {
		for id := range m.pins {
			if id < cur.id {
				m.Logger.Debugf("checkpoint deferred: generation %d pinned", id)
				return nil
			}
		}
	}

	start := time.Now()
	for file, pages := range cur.pages {
		itr := pages.Iterator()
		for !itr.Done() {
			_, v := itr.Next()
			if err := m.stores[file].Write(v.(*block.Page)); err != nil {
				return err
			}
		}
		if err := m.stores[file].Sync(); err != nil {
			return err
		}
	}
	if err := m.journal.Reset(cur.id); err != nil {
		return err
	}

	// Transactions pinned to cur keep its maps; they now agree with the
	// stores page for page.
	m.current = newGeneration(cur.id, len(m.stores))
	CounterCheckpointPages.Add(float64(pending))
	HistogramCheckpointDuration.Observe(time.Since(start).Seconds())
	m.Logger.Debugf("checkpointed %d pages at generation %d", pending, cur.id)
	return nil
}

// maybeCheckpoint runs a deferred checkpoint once a transaction ends.
func (m *Manager) maybeCheckpoint() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.current.PendingN() < m.opts.CheckpointThreshold || m.current.PendingN() == 0 {
		return
	}
	if err := m.checkpoint(false); err != nil {
		m.Logger.Errorf("checkpoint: %v", err)
	}
}

// Exclusive waits for every transaction to end, blocks new ones and
// checkpoints, leaving the block stores as the whole truth. The bulk loader
// writes the stores directly while it holds the lock. The returned function
// releases it; with advance set, the generation number is bumped so that
// nothing begun before the load can be mistaken for current.
func (m *Manager) Exclusive(ctx context.Context) (release func(advance bool) error, err error) {
	acquired := make(chan struct{})
	go func() {
		m.exclmu.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-ctx.Done():
		go func() {
			<-acquired
			m.exclmu.Unlock()
		}()
		return nil, ctx.Err()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.exclmu.Unlock()
		return nil, errors.New(errors.ErrTxClosed, "transaction manager closed")
	}
	err = m.checkpoint(true)
	m.mu.Unlock()
	if err != nil {
		m.exclmu.Unlock()
		return nil, err
	}

	var once sync.Once
	return func(advance bool) (err error) {
		once.Do(func() {
			defer m.exclmu.Unlock()
			if !advance {
				return
			}
			m.mu.Lock()
			defer m.mu.Unlock()
			id := m.current.id + 1
			if err = m.journal.Reset(id); err != nil {
				return
			}
			m.current = newGeneration(id, len(m.stores))
			GaugeGeneration.Set(float64(id))
		})
		return err
	}, nil
}

// Close checkpoints and marks the manager closed. It does not close the
// stores or the journal. Live transactions must have ended.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if len(m.pins) > 0 {
		m.Logger.Warnf("closing with %d pinned generations", len(m.pins))
		return nil
	}
	return m.checkpoint(true)
}
