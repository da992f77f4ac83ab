// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package nodetable implements the node dictionary: a bijection between RDF
// terms and node ids. Encoded terms are appended to an object file; an
// extendible hash on the terms' content hash finds ids by term and an id
// table finds object file offsets by id.
//
// The object file is not journaled. Its committed length lives in the id
// table's meta page, which is. Bytes written by an aborted transaction are
// overwritten by the next writer.
package nodetable

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/molecula/quadstore/block"
	"github.com/molecula/quadstore/errors"
	"github.com/molecula/quadstore/exthash"
	"github.com/molecula/quadstore/hash"
	"github.com/molecula/quadstore/logger"
	"github.com/spf13/afero"
)

// Views are the page views of the two block files behind the dictionary, as
// seen by one transaction or load.
type Views struct {
	Hash block.View
	IDs  block.View
}

func (v Views) writable() bool { return v.Hash.Writable() && v.IDs.Writable() }

// Table is the node dictionary of one location. Page state is supplied by the
// caller's Views on each call; the Table itself owns the object file and the
// decode cache.
type Table struct {
	mu     sync.Mutex // serializes object file I/O
	fs     afero.Fs
	path   string
	f      afero.File
	fsync  bool
	cache  *lru.Cache
	hasher *hash.Blake3Hasher

	Logger logger.Logger
}

// Open opens the object file at path and truncates it to the committed
// length recorded in ids.
func Open(fs afero.Fs, path string, ids block.View, cacheSize int, fsync bool) (_ *Table, err error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	t := &Table{
		fs:     fs,
		path:   path,
		fsync:  fsync,
		hasher: hash.NewBlake3Hasher(),
		Logger: logger.NopLogger,
	}
	if t.cache, err = lru.New(cacheSize); err != nil {
		return nil, errors.Wrap(err, "node cache")
	}

	m, err := readIDMeta(ids)
	if err != nil {
		return nil, err
	}
	if t.f, err = fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600); err != nil {
		return nil, errors.IOError(err, "open object file")
	}
	fi, err := t.f.Stat()
	if err != nil {
		t.f.Close()
		return nil, errors.IOError(err, "stat object file")
	}
	switch {
	case fi.Size() < m.objLen:
		t.f.Close()
		return nil, errors.Newf(errors.ErrCorrupt, "object file is %d bytes, %d committed", fi.Size(), m.objLen)
	case fi.Size() > m.objLen:
		if err := t.f.Truncate(m.objLen); err != nil {
			t.f.Close()
			return nil, errors.IOError(err, "truncate object file")
		}
	}
	return t, nil
}

// Path returns the object file path.
func (t *Table) Path() string { return t.path }

// Close closes the object file.
func (t *Table) Close() error {
	if err := t.f.Close(); err != nil {
		return errors.IOError(err, "close object file")
	}
	return nil
}

// Sync fsyncs the object file. The transaction manager calls it before
// writing a commit marker so committed ids never point past durable bytes.
func (t *Table) Sync() error {
	if !t.fsync {
		return nil
	}
	if err := t.f.Sync(); err != nil {
		return errors.IOError(err, "sync object file")
	}
	return nil
}

// Prepare implements the transaction manager's commit participant hook.
func (t *Table) Prepare() error { return t.Sync() }

// NodeN returns the number of ids assigned as seen by v.
func (t *Table) NodeN(ids block.View) (uint64, error) {
	m, err := readIDMeta(ids)
	return m.nodeN, err
}

// Encode returns the id of term, assigning the next id if term is new.
func (t *Table) Encode(v Views, term Term) (NodeID, error) {
	if err := term.Validate(); err != nil {
		return 0, err
	}
	enc := term.Encode()
	h := t.hasher.Sum64(enc)

	id, err := t.find(v, h, enc)
	if err != nil || id != NotExist {
		return id, err
	} else if !v.writable() {
		return 0, errors.Newf(errors.ErrTxNotWritable, "encode new term %s in read-only view", term)
	}

	ht, err := exthash.Open(v.Hash)
	if err != nil {
		return 0, err
	}
	m, err := readIDMeta(v.IDs)
	if err != nil {
		return 0, err
	}

	n, err := t.writeObject(m.objLen, enc)
	if err != nil {
		return 0, err
	}
	if err := appendOffset(v.IDs, &m, m.objLen); err != nil {
		return 0, err
	}
	m.nodeN++
	m.objLen += int64(n)
	id = NodeID(m.nodeN)

	if _, err := ht.Put(h, uint64(id)); err != nil {
		return 0, err
	} else if err := writeIDMeta(v.IDs, m); err != nil {
		return 0, err
	}
	CounterNodesCreated.Inc()
	return id, nil
}

// Lookup returns the id of term, or NotExist if it was never encoded.
func (t *Table) Lookup(v Views, term Term) (NodeID, error) {
	if err := term.Validate(); err != nil {
		return 0, err
	}
	enc := term.Encode()
	return t.find(v, t.hasher.Sum64(enc), enc)
}

// find resolves hash collisions by comparing stored encodings.
func (t *Table) find(v Views, h uint64, enc []byte) (NodeID, error) {
	ht, err := exthash.Open(v.Hash)
	if err != nil {
		return 0, err
	}
	candidates, err := ht.Get(h)
	if err != nil || len(candidates) == 0 {
		return NotExist, err
	}

	m, err := readIDMeta(v.IDs)
	if err != nil {
		return 0, err
	}
	for _, c := range candidates {
		off, err := offsetOf(v.IDs, m, NodeID(c))
		if err != nil {
			return 0, err
		}
		stored, err := t.readObject(off, m.objLen)
		if err != nil {
			return 0, err
		} else if bytes.Equal(stored, enc) {
			return NodeID(c), nil
		}
	}
	return NotExist, nil
}

// Decode returns the term assigned id. Unassigned ids return ErrUnknownKey.
func (t *Table) Decode(v Views, id NodeID) (Term, error) {
	// The cache is shared by every view, so the id is first checked
	// against the ids assigned as of v.
	m, err := readIDMeta(v.IDs)
	if err != nil {
		return Term{}, err
	} else if id == Any || uint64(id) > m.nodeN {
		return Term{}, errors.Newf(errors.ErrUnknownKey, "node id %d not assigned", id)
	}
	if term, ok := t.cache.Get(id); ok {
		CounterDecodeCacheHits.Inc()
		return term.(Term), nil
	}

	off, err := offsetOf(v.IDs, m, id)
	if err != nil {
		return Term{}, err
	}
	enc, err := t.readObject(off, m.objLen)
	if err != nil {
		return Term{}, err
	}
	term, err := DecodeTerm(enc)
	if err != nil {
		return Term{}, errors.Wrapf(err, "node id %d", id)
	}

	// Only committed ids are cached: an id assigned by a writer that
	// later aborts is handed out again for a different term.
	if !v.IDs.Writable() {
		t.cache.Add(id, term)
	}
	return term, nil
}

// writeObject writes the length-prefixed encoding at off and returns the
// number of bytes written.
func (t *Table) writeObject(off int64, enc []byte) (int, error) {
	buf := make([]byte, binary.MaxVarintLen64+len(enc))
	n := binary.PutUvarint(buf, uint64(len(enc)))
	n += copy(buf[n:], enc)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.f.WriteAt(buf[:n], off); err != nil {
		return 0, errors.IOError(err, "write object file")
	}
	return n, nil
}

// readObject reads the length-prefixed encoding at off. Records may not
// extend past limit, the committed length seen by the caller.
func (t *Table) readObject(off, limit int64) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var hdr [binary.MaxVarintLen64]byte
	n, err := t.f.ReadAt(hdr[:], off)
	if err != nil && err != io.EOF {
		return nil, errors.IOError(err, "read object file")
	}
	size, k := binary.Uvarint(hdr[:n])
	if k <= 0 || off+int64(k)+int64(size) > limit {
		return nil, errors.Newf(errors.ErrCorrupt, "bad object record at offset %d", off)
	}

	buf := make([]byte, size)
	if _, err := t.f.ReadAt(buf, off+int64(k)); err != nil && !(err == io.EOF && size == 0) {
		return nil, errors.IOError(err, "read object file")
	}
	return buf, nil
}

// ObjectRecord is one entry of the object file, as reported by Scan.
type ObjectRecord struct {
	ID     NodeID
	Offset int64
	Term   Term
}

// Scan calls fn for every assigned id in order.
func (t *Table) Scan(v Views, fn func(rec ObjectRecord) error) error {
	m, err := readIDMeta(v.IDs)
	if err != nil {
		return err
	}
	for id := NodeID(1); uint64(id) <= m.nodeN; id++ {
		off, err := offsetOf(v.IDs, m, id)
		if err != nil {
			return err
		}
		enc, err := t.readObject(off, m.objLen)
		if err != nil {
			return err
		}
		term, err := DecodeTerm(enc)
		if err != nil {
			return errors.Wrapf(err, "node id %d", id)
		}
		if err := fn(ObjectRecord{ID: id, Offset: off, Term: term}); err != nil {
			return err
		}
	}
	return nil
}

// Check verifies that every assigned id decodes to a term that looks up to
// the same id, and that the hash index holds one entry per id.
func (t *Table) Check(v Views) error {
	ht, err := exthash.Open(v.Hash)
	if err != nil {
		return err
	} else if err := ht.Check(); err != nil {
		return err
	}
	nodeN, err := t.NodeN(v.IDs)
	if err != nil {
		return err
	}
	if n, err := ht.Count(); err != nil {
		return err
	} else if n != nodeN {
		return errors.Newf(errors.ErrCorrupt, "hash index holds %d entries for %d node ids", n, nodeN)
	}

	return t.Scan(v, func(rec ObjectRecord) error {
		id, err := t.Lookup(v, rec.Term)
		if err != nil {
			return err
		} else if id != rec.ID {
			return errors.Newf(errors.ErrCorrupt, "node id %d term %s looks up to %d", rec.ID, rec.Term, id)
		}
		return nil
	})
}
