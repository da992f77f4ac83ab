// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package journal implements the write-ahead log of page images that makes a
// multi-page commit atomic and recoverable.
//
// The file starts with a fixed header followed by frames. A committing
// transaction appends one page frame per modified page and then a commit
// frame carrying its generation. Only frames followed by a valid commit frame
// are ever replayed.
package journal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	"github.com/molecula/quadstore/block"
	"github.com/molecula/quadstore/errors"
	"github.com/molecula/quadstore/logger"
	"github.com/spf13/afero"
	"github.com/zeebo/xxh3"
)

const (
	// Magic is the first 4 bytes of a journal file.
	Magic = "\xFFQSJ"

	// HeaderSize is the size of the journal file header.
	HeaderSize = 32

	// FrameHeaderSize is the size of every frame header.
	FrameHeaderSize = 24
)

// Frame types.
const (
	FrameTypePage   = 1
	FrameTypeCommit = 2
)

// Entry is one page image in a journal entry.
type Entry struct {
	File uint8
	Page *block.Page
}

// Journal is an append-only log file. It is safe for concurrent use, though
// the transaction manager only ever has one writer.
type Journal struct {
	mu      sync.Mutex
	fs      afero.Fs
	path    string
	f       afero.File
	size    int64 // end of the last complete entry
	baseGen uint64
	fsync   bool

	Logger logger.Logger
}

// Open opens or creates the journal at path. Existing contents are kept
// until Replay.
func Open(fs afero.Fs, path string, fsync bool) (_ *Journal, err error) {
	j := &Journal{
		fs:     fs,
		path:   path,
		fsync:  fsync,
		Logger: logger.NopLogger,
	}
	if j.f, err = fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600); err != nil {
		return nil, errors.IOError(err, "open journal")
	}

	fi, err := j.f.Stat()
	if err != nil {
		j.f.Close()
		return nil, errors.IOError(err, "stat journal")
	}

	if fi.Size() < HeaderSize {
		if err := j.writeHeader(0); err != nil {
			j.f.Close()
			return nil, err
		}
		j.size = HeaderSize
		return j, nil
	}

	hdr := make([]byte, HeaderSize)
	if _, err := j.f.ReadAt(hdr, 0); err != nil {
		j.f.Close()
		return nil, errors.IOError(err, "read journal header")
	} else if string(hdr[0:4]) != Magic {
		j.f.Close()
		return nil, errors.Newf(errors.ErrJournalCorrupt, "invalid journal magic: %x", hdr[0:4])
	} else if xxh3.Hash(hdr[:24]) != binary.BigEndian.Uint64(hdr[24:32]) {
		j.f.Close()
		return nil, errors.New(errors.ErrJournalCorrupt, "journal header checksum mismatch")
	}
	j.baseGen = binary.BigEndian.Uint64(hdr[8:16])
	j.size = fi.Size()
	return j, nil
}

func (j *Journal) Path() string { return j.path }

// Size returns the size of the journal in bytes, header included.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size
}

// BaseGeneration returns the generation recorded by the last Reset.
func (j *Journal) BaseGeneration() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.baseGen
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.f.Close(); err != nil {
		return errors.IOError(err, "close journal")
	}
	return nil
}

// Write appends one entry for generation gen and returns once it is durable.
// If the write fails the file is rolled back to its previous end so the
// partial entry can never be replayed.
func (j *Journal) Write(gen uint64, entries []Entry) error {
	buf := bytes.NewBuffer(make([]byte, 0, len(entries)*(FrameHeaderSize+block.PageSize)+FrameHeaderSize))
	for _, e := range entries {
		writeFrame(buf, FrameTypePage, e.File, e.Page.ID(), gen, e.Page.Data())
	}
	writeFrame(buf, FrameTypeCommit, 0, uint32(len(entries)), gen, nil)

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.f.WriteAt(buf.Bytes(), j.size); err != nil {
		j.rollback()
		return errors.IOError(err, "write journal entry")
	}
	if err := j.sync(); err != nil {
		j.rollback()
		return err
	}
	j.size += int64(buf.Len())

	CounterJournalBytes.Add(float64(buf.Len()))
	CounterJournalFrames.Add(float64(len(entries) + 1))
	return nil
}

// rollback is best effort; Replay ignores an unterminated tail anyway.
func (j *Journal) rollback() {
	if err := j.f.Truncate(j.size); err != nil {
		j.Logger.Errorf("truncate journal after failed write: %s", err)
	}
}

func (j *Journal) sync() error {
	if !j.fsync {
		return nil
	}
	t := time.Now()
	defer func() { HistogramJournalSync.Observe(time.Since(t).Seconds()) }()
	if err := j.f.Sync(); err != nil {
		return errors.IOError(err, "sync journal")
	}
	return nil
}

// Replay calls fn for every complete entry in order. The first torn or
// unterminated entry ends the replay and the file is truncated there.
// It returns the latest generation seen, or the base generation if the
// journal holds no complete entry.
func (j *Journal) Replay(fn func(gen uint64, entries []Entry) error) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	lastGen := j.baseGen
	end := int64(HeaderSize)
	r := bufio.NewReaderSize(io.NewSectionReader(j.f, HeaderSize, j.size-HeaderSize), 1<<20)

	var pending []Entry
	var n int
	for {
		hdr := make([]byte, FrameHeaderSize)
		if _, err := io.ReadFull(r, hdr); err != nil {
			break // clean end or torn frame header
		}
		typ, file, pgno, gen := hdr[0], hdr[1], binary.BigEndian.Uint32(hdr[4:8]), binary.BigEndian.Uint64(hdr[8:16])

		var payload []byte
		if typ == FrameTypePage {
			payload = make([]byte, block.PageSize)
			if _, err := io.ReadFull(r, payload); err != nil {
				break
			}
		}
		if frameChecksum(hdr, payload) != binary.BigEndian.Uint64(hdr[16:24]) {
			j.Logger.Warnf("journal checksum mismatch at offset %d, discarding tail", end)
			break
		}

		switch typ {
		case FrameTypePage:
			pending = append(pending, Entry{File: file, Page: block.PageFromBytes(payload)})
			n += FrameHeaderSize + block.PageSize
			continue
		case FrameTypeCommit:
			if int(pgno) != len(pending) {
				return lastGen, errors.Newf(errors.ErrJournalCorrupt, "commit frame for gen %d counts %d pages, found %d", gen, pgno, len(pending))
			}
			if err := fn(gen, pending); err != nil {
				return lastGen, err
			}
			end += int64(n + FrameHeaderSize)
			if gen > lastGen {
				lastGen = gen
			}
			pending, n = nil, 0
			continue
		default:
			return lastGen, errors.Newf(errors.ErrJournalCorrupt, "unknown frame type %d at offset %d", typ, end+int64(n))
		}
	}

	if pending != nil || end != j.size {
		j.Logger.Warnf("discarding %d bytes of incomplete journal entry", j.size-end)
		if err := j.f.Truncate(end); err != nil {
			return lastGen, errors.IOError(err, "truncate journal")
		}
		j.size = end
	}
	return lastGen, nil
}

// Reset clears every entry and records gen as the base generation. It must
// only be called once all entries are durable in the block files.
func (j *Journal) Reset(gen uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	// Header first, so entries a failed truncate leaves behind replay
	// on top of the new base generation.
	if err := j.writeHeader(gen); err != nil {
		return err
	}
	j.baseGen = gen
	if err := j.f.Truncate(HeaderSize); err != nil {
		return errors.IOError(err, "truncate journal")
	}
	j.size = HeaderSize
	return j.sync()
}

func (j *Journal) writeHeader(gen uint64) error {
	hdr := make([]byte, HeaderSize)
	copy(hdr[0:4], Magic)
	binary.BigEndian.PutUint32(hdr[4:8], 1)
	binary.BigEndian.PutUint64(hdr[8:16], gen)
	binary.BigEndian.PutUint64(hdr[24:32], xxh3.Hash(hdr[:24]))
	if _, err := j.f.WriteAt(hdr, 0); err != nil {
		return errors.IOError(err, "write journal header")
	}
	return j.sync()
}

func writeFrame(buf *bytes.Buffer, typ, file uint8, pgno uint32, gen uint64, payload []byte) {
	hdr := make([]byte, FrameHeaderSize)
	hdr[0], hdr[1] = typ, file
	binary.BigEndian.PutUint32(hdr[4:8], pgno)
	binary.BigEndian.PutUint64(hdr[8:16], gen)
	binary.BigEndian.PutUint64(hdr[16:24], frameChecksum(hdr, payload))
	buf.Write(hdr)
	buf.Write(payload)
}

func frameChecksum(hdr, payload []byte) uint64 {
	h := xxh3.New()
	h.Write(hdr[:16])
	h.Write(payload)
	return h.Sum64()
}
