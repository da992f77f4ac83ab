// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package quadstore opens a store location and composes its range indexes,
// node table and transaction manager into triple and quad tables.
package quadstore

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/molecula/quadstore/block"
	"github.com/molecula/quadstore/bptree"
	"github.com/molecula/quadstore/cfg"
	"github.com/molecula/quadstore/errors"
	"github.com/molecula/quadstore/journal"
	"github.com/molecula/quadstore/logger"
	"github.com/molecula/quadstore/nodetable"
	"github.com/molecula/quadstore/txn"
	"github.com/spf13/afero"
)

// File names within a location.
const (
	JournalFile = "journal.jrnl"
	NodesFile   = "nodes.dat"
	LockFile    = "quadstore.lock"
	StatsFile   = "stats.toml"
)

// Index names. The first of each group is the primary index of its table.
var (
	TripleIndexes = []string{"SPO", "POS", "OSP"}
	QuadIndexes   = []string{"GSPO", "GPOS", "GOSP", "SPOG", "POSG", "OSPG"}
)

// Block file numbers. Journal entries name files by these numbers, so the
// order is part of the on-disk format.
const (
	FileSPO = iota
	FilePOS
	FileOSP
	FileGSPO
	FileGPOS
	FileGOSP
	FileSPOG
	FilePOSG
	FileOSPG
	FileNodesHash
	FileNodesID

	fileN
)

// BlockFiles lists the block file names in file number order.
var BlockFiles = []string{
	"SPO.idx", "POS.idx", "OSP.idx",
	"GSPO.idx", "GPOS.idx", "GOSP.idx", "SPOG.idx", "POSG.idx", "OSPG.idx",
	"nodes-hash.idx", "nodes-id.idx",
}

// FileKindOf returns the kind of block file number file.
func FileKindOf(file int) block.FileKind {
	switch file {
	case FileNodesHash:
		return block.FileKindHash
	case FileNodesID:
		return block.FileKindIDTable
	default:
		return block.FileKindIndex
	}
}

// FileByName returns the file number of a block file, given either its file
// name or its index name.
func FileByName(name string) (int, bool) {
	for i, fn := range BlockFiles {
		if name == fn || name+".idx" == fn {
			return i, true
		}
	}
	return 0, false
}

// TableSchema describes one table: its arity and its indexes, primary first.
type TableSchema struct {
	Name  string
	Perms []bptree.Permutation
	Files []int
}

var (
	TripleSchema = newSchema("triples", bptree.TripleColumns, TripleIndexes, FileSPO)
	QuadSchema   = newSchema("quads", bptree.QuadColumns, QuadIndexes, FileGSPO)
)

func newSchema(name, canonical string, indexes []string, first int) *TableSchema {
	s := &TableSchema{Name: name}
	for i, idx := range indexes {
		s.Perms = append(s.Perms, bptree.MustPermutation(idx, canonical))
		s.Files = append(s.Files, first+i)
	}
	return s
}

// Arity returns the record length of the table.
func (s *TableSchema) Arity() int { return len(s.Perms[0].Order) }

// DB is an open store location.
type DB struct {
	config *cfg.Config
	fs     afero.Fs
	path   string

	lock    *locationLock
	stores  []*block.Store
	journal *journal.Journal
	txm     *txn.Manager
	nodes   *nodetable.Table

	// Bumped by every mutation made through the unsafe surface.
	version uint64

	closed bool

	Logger logger.Logger
}

// OpenOption configures Open.
type OpenOption func(db *DB) error

// OptLogger sets the logger used by the store and its components.
func OptLogger(l logger.Logger) OpenOption {
	return func(db *DB) error {
		db.Logger = l
		return nil
	}
}

// Open opens or creates the location described by config. A mem backing
// keeps every file in memory and ignores the path.
func Open(config *cfg.Config, opts ...OpenOption) (_ *DB, err error) {
	if config == nil {
		config = cfg.NewDefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Newf(errors.ErrInvalidRecord, "config: %v", err)
	}

	db := &DB{
		config: config,
		path:   config.Path,
		Logger: logger.NopLogger,
	}
	for _, opt := range opts {
		if err := opt(db); err != nil {
			return nil, err
		}
	}
	defer func() {
		if err != nil {
			db.closeFiles()
		}
	}()

	if config.Backing == cfg.BackingMem {
		db.fs, db.path = afero.NewMemMapFs(), ""
	} else {
		db.fs = afero.NewOsFs()
		if err := os.MkdirAll(db.path, 0o750); err != nil {
			return nil, errors.IOError(err, "create location")
		}
		if db.lock, err = acquireLock(filepath.Join(db.path, LockFile), db.Logger); err != nil {
			return nil, err
		}
	}

	for i, name := range BlockFiles {
		dm, err := db.openDiskManager(name)
		if err != nil {
			return nil, err
		}
		s, err := block.NewStore(name, dm, config.CacheSize)
		if err != nil {
			dm.Close()
			return nil, err
		}
		db.stores = append(db.stores, s)
		if err := s.Init(FileKindOf(i)); err != nil {
			return nil, err
		}
	}

	if db.journal, err = journal.Open(db.fs, db.file(JournalFile), config.FsyncEnabled); err != nil {
		return nil, err
	}
	db.journal.Logger = db.Logger.WithPrefix("journal: ")

	if db.txm, err = txn.Open(db.stores, db.journal, txn.Options{
		ReadCommittedPromotion: config.ReadCommittedPromotion,
		WriterTimeout:          config.WriterTimeoutDuration(),
		CheckpointThreshold:    config.CheckpointThreshold,
		Dir:                    db.path,
		MinFreeSpace:           config.MinFreeSpace,
		Logger:                 db.Logger.WithPrefix("txn: "),
	}); err != nil {
		return nil, err
	}

	// Recovery left the id store complete, so its committed object length
	// is read straight from it.
	if db.nodes, err = nodetable.Open(db.fs, db.file(NodesFile), block.NewDirect(db.stores[FileNodesID]), config.NodeCacheSize, config.FsyncEnabled); err != nil {
		return nil, err
	}
	db.nodes.Logger = db.Logger.WithPrefix("nodes: ")
	db.txm.Register(db.nodes)

	db.Logger.Infof("opened %s location %q at generation %d", config.Backing, db.path, db.txm.Generation().ID())
	return db, nil
}

func (db *DB) openDiskManager(name string) (block.DiskManager, error) {
	switch db.config.Backing {
	case cfg.BackingMmap:
		return block.OpenMmapDiskManager(db.file(name), db.config.MaxSize, db.config.FsyncEnabled)
	case cfg.BackingFile:
		return block.OpenFileDiskManager(db.fs, db.file(name), db.config.FsyncEnabled)
	default:
		return block.NewMemDiskManager(), nil
	}
}

func (db *DB) file(name string) string {
	if db.path == "" {
		return name
	}
	return filepath.Join(db.path, name)
}

// Path returns the location directory, empty for a mem backing.
func (db *DB) Path() string { return db.path }

// Fs returns the filesystem holding the location's non-block files.
func (db *DB) Fs() afero.Fs { return db.fs }

// Config returns the configuration the store was opened with.
func (db *DB) Config() *cfg.Config { return db.config }

// Manager returns the transaction manager.
func (db *DB) Manager() *txn.Manager { return db.txm }

// Nodes returns the node table.
func (db *DB) Nodes() *nodetable.Table { return db.nodes }

// Store returns the block store of file number file.
func (db *DB) Store(file int) *block.Store { return db.stores[file] }

// Begin starts a transaction. Writers wait for the writer slot.
func (db *DB) Begin(ctx context.Context, writable bool) (*Tx, error) {
	tx, err := db.txm.Begin(ctx, writable)
	if err != nil {
		return nil, err
	}
	return &Tx{db: db, tx: tx}, nil
}

// View runs fn in a read-only transaction.
func (db *DB) View(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := db.Begin(ctx, false)
	if err != nil {
		return err
	}
	defer tx.End()
	return fn(tx)
}

// Update runs fn in a write transaction and commits it if fn succeeds.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := db.Begin(ctx, true)
	if err != nil {
		return err
	}
	defer tx.End()
	if err := fn(tx); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}

// Checkpoint writes committed pages back to the block files and resets the
// journal, unless a reader still pins an older generation.
func (db *DB) Checkpoint() error { return db.txm.Checkpoint() }

// Exclusive waits for every transaction to end and blocks new ones until the
// returned release function is called. See txn.Manager.Exclusive.
func (db *DB) Exclusive(ctx context.Context) (func(advance bool) error, error) {
	return db.txm.Exclusive(ctx)
}

// Sync flushes the node object file and every block store.
func (db *DB) Sync() error {
	if err := db.nodes.Sync(); err != nil {
		return err
	}
	for _, s := range db.stores {
		if err := s.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close checkpoints and closes every file of the location.
func (db *DB) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true

	var firstErr error
	if err := db.txm.Close(); err != nil {
		firstErr = err
	}
	if err := db.closeFiles(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// closeFiles closes whatever Open got to.
func (db *DB) closeFiles() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if db.nodes != nil {
		keep(db.nodes.Close())
	}
	if db.journal != nil {
		keep(db.journal.Close())
	}
	for _, s := range db.stores {
		keep(s.Close())
	}
	if db.lock != nil {
		keep(db.lock.release())
	}
	return firstErr
}

// bumpVersion invalidates iterators of the unsafe surface.
func (db *DB) bumpVersion() { atomic.AddUint64(&db.version, 1) }

func (db *DB) loadVersion() uint64 { return atomic.LoadUint64(&db.version) }

// Check verifies every index tree and the node table as of one read
// transaction: key order, sibling links, stored counts, and that every node
// id decodes and re-encodes to itself.
func (db *DB) Check(ctx context.Context) error {
	return db.View(ctx, func(tx *Tx) error {
		for _, schema := range []*TableSchema{TripleSchema, QuadSchema} {
			var primaryN uint64
			for i, file := range schema.Files {
				t, err := bptree.Open(tx.tx.View(file), schema.Arity())
				if err != nil {
					return errors.Wrapf(err, "%s", BlockFiles[file])
				}
				if err := t.Check(); err != nil {
					return errors.Wrapf(err, "%s", BlockFiles[file])
				}
				n, err := t.Count()
				if err != nil {
					return err
				}
				if i == 0 {
					primaryN = n
				} else if n != primaryN {
					return errors.Newf(errors.ErrCorrupt, "%s holds %d records, %s holds %d", BlockFiles[file], n, BlockFiles[schema.Files[0]], primaryN)
				}
			}
		}
		return db.nodes.Check(tx.nodeViews())
	})
}
