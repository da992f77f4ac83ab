// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package journal_test

import (
	"os"
	"testing"

	"github.com/molecula/quadstore/block"
	"github.com/molecula/quadstore/errors"
	"github.com/molecula/quadstore/journal"
	"github.com/molecula/quadstore/logger"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const path = "/loc/journal.jrnl"

// MustOpenJournal opens a journal on fs, failing the test on error.
func MustOpenJournal(tb testing.TB, fs afero.Fs) *journal.Journal {
	tb.Helper()
	j, err := journal.Open(fs, path, true)
	if err != nil {
		tb.Fatal(err)
	}
	j.Logger = logger.NewLogfLogger(tb)
	return j
}

func leaf(pgno uint32, count int) *block.Page {
	p := block.NewPage(pgno, block.PageTypeLeaf)
	p.SetCount(count)
	return p
}

func truncate(tb testing.TB, fs afero.Fs, size int64) {
	tb.Helper()
	f, err := fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		tb.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		tb.Fatal(err)
	}
}

type replayed struct {
	gen   uint64
	pages map[uint8][]uint32
}

func replayAll(tb testing.TB, j *journal.Journal) ([]replayed, uint64) {
	tb.Helper()
	var out []replayed
	last, err := j.Replay(func(gen uint64, entries []journal.Entry) error {
		r := replayed{gen: gen, pages: make(map[uint8][]uint32)}
		for _, e := range entries {
			r.pages[e.File] = append(r.pages[e.File], e.Page.ID())
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		tb.Fatal(err)
	}
	return out, last
}

func TestJournal_WriteReplay(t *testing.T) {
	fs := afero.NewMemMapFs()
	j := MustOpenJournal(t, fs)
	require.NoError(t, j.Write(1, []journal.Entry{{File: 0, Page: leaf(1, 3)}, {File: 2, Page: leaf(4, 1)}}))
	require.NoError(t, j.Write(2, []journal.Entry{{File: 0, Page: leaf(1, 4)}}))
	require.NoError(t, j.Close())

	j = MustOpenJournal(t, fs)
	defer j.Close()
	got, last := replayAll(t, j)
	assert.Equal(t, uint64(2), last)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].gen)
	assert.Equal(t, []uint32{1}, got[0].pages[0])
	assert.Equal(t, []uint32{4}, got[0].pages[2])
	assert.Equal(t, uint64(2), got[1].gen)

	var counts []int
	_, err := j.Replay(func(gen uint64, entries []journal.Entry) error {
		counts = append(counts, entries[0].Page.Count())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, counts)
}

func TestJournal_Replay(t *testing.T) {
	t.Run("TornTail", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		j := MustOpenJournal(t, fs)
		require.NoError(t, j.Write(1, []journal.Entry{{Page: leaf(1, 1)}}))
		good := j.Size()
		require.NoError(t, j.Write(2, []journal.Entry{{Page: leaf(1, 2)}, {Page: leaf(2, 2)}}))
		require.NoError(t, j.Close())

		// Simulate a crash in the middle of the second entry.
		truncate(t, fs, good+journal.FrameHeaderSize+100)

		j = MustOpenJournal(t, fs)
		defer j.Close()
		got, last := replayAll(t, j)
		assert.Len(t, got, 1)
		assert.Equal(t, uint64(1), last)
		assert.Equal(t, good, j.Size())

		fi, err := fs.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, good, fi.Size())
	})

	t.Run("MissingCommitFrame", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		j := MustOpenJournal(t, fs)
		require.NoError(t, j.Write(1, []journal.Entry{{Page: leaf(1, 1)}}))
		require.NoError(t, j.Close())
		truncate(t, fs, journal.HeaderSize+journal.FrameHeaderSize+block.PageSize)

		j = MustOpenJournal(t, fs)
		defer j.Close()
		got, last := replayAll(t, j)
		assert.Empty(t, got)
		assert.Equal(t, uint64(0), last)
		assert.Equal(t, int64(journal.HeaderSize), j.Size())
	})

	t.Run("ChecksumMismatch", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		j := MustOpenJournal(t, fs)
		require.NoError(t, j.Write(1, []journal.Entry{{Page: leaf(1, 1)}}))
		good := j.Size()
		require.NoError(t, j.Write(2, []journal.Entry{{Page: leaf(1, 2)}}))
		require.NoError(t, j.Close())

		f, err := fs.OpenFile(path, os.O_RDWR, 0)
		require.NoError(t, err)
		_, err = f.WriteAt([]byte{0xAB}, good+journal.FrameHeaderSize+50)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		j = MustOpenJournal(t, fs)
		defer j.Close()
		got, _ := replayAll(t, j)
		assert.Len(t, got, 1)
	})

	t.Run("CallbackError", func(t *testing.T) {
		j := MustOpenJournal(t, afero.NewMemMapFs())
		defer j.Close()
		require.NoError(t, j.Write(1, []journal.Entry{{Page: leaf(1, 1)}}))
		_, err := j.Replay(func(uint64, []journal.Entry) error {
			return errors.New(errors.ErrIO, "disk gone")
		})
		assert.True(t, errors.Is(err, errors.ErrIO))
	})
}

func TestJournal_Reset(t *testing.T) {
	fs := afero.NewMemMapFs()
	j := MustOpenJournal(t, fs)
	require.NoError(t, j.Write(7, []journal.Entry{{Page: leaf(1, 1)}}))
	require.NoError(t, j.Reset(7))
	assert.Equal(t, int64(journal.HeaderSize), j.Size())
	require.NoError(t, j.Close())

	j = MustOpenJournal(t, fs)
	defer j.Close()
	assert.Equal(t, uint64(7), j.BaseGeneration())
	got, last := replayAll(t, j)
	assert.Empty(t, got)
	assert.Equal(t, uint64(7), last)
}

// truncateFailFs is a filesystem whose files cannot be truncated.
type truncateFailFs struct{ afero.Fs }

func (fs truncateFailFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := fs.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return truncateFailFile{f}, nil
}

type truncateFailFile struct{ afero.File }

func (truncateFailFile) Truncate(int64) error { return os.ErrPermission }

// Ensure a reset interrupted before the entries are dropped still records
// the new base generation.
func TestJournal_ResetTruncateFails(t *testing.T) {
	fs := afero.NewMemMapFs()
	j := MustOpenJournal(t, truncateFailFs{fs})
	require.NoError(t, j.Write(4, []journal.Entry{{Page: leaf(1, 1)}}))
	require.NoError(t, j.Write(5, []journal.Entry{{Page: leaf(1, 2)}}))
	err := j.Reset(5)
	assert.True(t, errors.Is(err, errors.ErrIO), "%v", err)
	require.NoError(t, j.Close())

	j = MustOpenJournal(t, fs)
	defer j.Close()
	assert.Equal(t, uint64(5), j.BaseGeneration())
	got, last := replayAll(t, j)
	assert.Len(t, got, 2)
	assert.Equal(t, uint64(5), last)
}

func TestJournal_Open(t *testing.T) {
	t.Run("BadMagic", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, path, make([]byte, journal.HeaderSize), 0o600))
		_, err := journal.Open(fs, path, true)
		assert.True(t, errors.Is(err, errors.ErrJournalCorrupt), err)
	})

	t.Run("BadHeaderChecksum", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		j := MustOpenJournal(t, fs)
		require.NoError(t, j.Reset(3))
		require.NoError(t, j.Close())

		f, err := fs.OpenFile(path, os.O_RDWR, 0)
		require.NoError(t, err)
		_, err = f.WriteAt([]byte{9}, 12)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		_, err = journal.Open(fs, path, true)
		assert.True(t, errors.Is(err, errors.ErrJournalCorrupt), err)
	})
}
