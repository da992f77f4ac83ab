// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package block_test

import (
	"path/filepath"
	"testing"

	"github.com/molecula/quadstore/block"
	"github.com/molecula/quadstore/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MustOpenStore returns an initialized in-memory index store.
func MustOpenStore(tb testing.TB) *block.Store {
	tb.Helper()
	s, err := block.NewStore("test.idx", block.NewMemDiskManager(), 16)
	if err != nil {
		tb.Fatal(err)
	} else if err := s.Init(block.FileKindIndex); err != nil {
		tb.Fatal(err)
	}
	return s
}

func TestPage_Header(t *testing.T) {
	p := block.NewPage(7, block.PageTypeLeaf)
	p.SetCount(3)
	p.SetNext(8)
	p.SetAux(6)

	q := block.PageFromBytes(p.Clone().Data())
	assert.Equal(t, uint32(7), q.ID())
	assert.Equal(t, block.PageTypeLeaf, q.Type())
	assert.Equal(t, 3, q.Count())
	assert.Equal(t, uint32(8), q.Next())
	assert.Equal(t, uint32(6), q.Aux())
	assert.Len(t, q.Body(), block.PageSize-block.HeaderSize)
}

func TestMetaPage(t *testing.T) {
	m := block.NewMetaPage(block.FileKindHash)
	require.NoError(t, block.ValidateMeta(m))
	assert.Equal(t, block.FileKindHash, m.FileKind())
	assert.Equal(t, uint32(1), m.PageN())
	assert.Equal(t, uint32(0), m.FreeHead())

	m.Data()[16] = 0
	assert.Error(t, block.ValidateMeta(m))
}

func TestStore_Init(t *testing.T) {
	t.Run("WrongKind", func(t *testing.T) {
		dm := block.NewMemDiskManager()
		s, err := block.NewStore("a", dm, 4)
		require.NoError(t, err)
		require.NoError(t, s.Init(block.FileKindIndex))

		s2, err := block.NewStore("a", dm, 4)
		require.NoError(t, err)
		err = s2.Init(block.FileKindHash)
		assert.True(t, errors.Is(err, errors.ErrCorrupt), err)
	})
}

func TestStore_Get(t *testing.T) {
	t.Run("NotFound", func(t *testing.T) {
		s := MustOpenStore(t)
		if _, err := s.Get(9); !errors.Is(err, errors.ErrBlockNotFound) {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("WriteBack", func(t *testing.T) {
		s := MustOpenStore(t)
		p := block.NewPage(1, block.PageTypeLeaf)
		p.SetCount(42)
		require.NoError(t, s.Write(p))

		got, err := s.Get(1)
		require.NoError(t, err)
		assert.Equal(t, 42, got.Count())
	})

	t.Run("FreedPage", func(t *testing.T) {
		s := MustOpenStore(t)
		require.NoError(t, s.Write(block.NewPage(1, block.PageTypeLeaf)))
		require.NoError(t, s.Write(block.NewPage(1, block.PageTypeFree)))
		_, err := s.Get(1)
		assert.True(t, errors.Is(err, errors.ErrBlockNotFound), err)
	})

	t.Run("Misplaced", func(t *testing.T) {
		dm := block.NewMemDiskManager()
		require.NoError(t, dm.WritePage(0, block.NewMetaPage(block.FileKindIndex).Data()))
		require.NoError(t, dm.WritePage(1, block.NewPage(5, block.PageTypeLeaf).Data()))
		s, err := block.NewStore("x", dm, 4)
		require.NoError(t, err)
		_, err = s.Get(1)
		assert.True(t, errors.Is(err, errors.ErrCorrupt), err)
	})

	// More pages than cache slots must still read back correctly.
	t.Run("Eviction", func(t *testing.T) {
		s := MustOpenStore(t)
		for i := uint32(1); i <= 64; i++ {
			p := block.NewPage(i, block.PageTypeLeaf)
			p.SetAux(i * 10)
			require.NoError(t, s.Write(p))
		}
		for i := uint32(1); i <= 64; i++ {
			p, err := s.Get(i)
			require.NoError(t, err)
			assert.Equal(t, i*10, p.Aux())
		}
	})
}

func TestDiskManagers(t *testing.T) {
	dir := t.TempDir()
	fdm, err := block.OpenFileDiskManager(afero.NewOsFs(), filepath.Join(dir, "file.idx"), true)
	require.NoError(t, err)
	mdm, err := block.OpenMmapDiskManager(filepath.Join(dir, "mmap.idx"), 1<<20, true)
	require.NoError(t, err)

	for name, dm := range map[string]block.DiskManager{
		"mem":  block.NewMemDiskManager(),
		"file": fdm,
		"mmap": mdm,
	} {
		dm := dm
		t.Run(name, func(t *testing.T) {
			defer dm.Close()
			buf := make([]byte, block.PageSize)
			assert.True(t, errors.Is(dm.ReadPage(0, buf), errors.ErrBlockNotFound))

			p := block.NewPage(2, block.PageTypeLeaf)
			p.SetCount(5)
			require.NoError(t, dm.WritePage(2, p.Data()))
			assert.Equal(t, uint32(3), dm.PageN())
			require.NoError(t, dm.Sync())

			require.NoError(t, dm.ReadPage(2, buf))
			assert.Equal(t, p.Data(), buf)
		})
	}
}

func TestMmapDiskManager_MaxSize(t *testing.T) {
	dm, err := block.OpenMmapDiskManager(filepath.Join(t.TempDir(), "small.idx"), 2*block.PageSize, false)
	require.NoError(t, err)
	defer dm.Close()

	require.NoError(t, dm.WritePage(1, block.NewPage(1, block.PageTypeLeaf).Data()))
	err = dm.WritePage(2, block.NewPage(2, block.PageTypeLeaf).Data())
	assert.True(t, errors.Is(err, errors.ErrOutOfSpace), err)
}

func TestAllocator(t *testing.T) {
	t.Run("Extend", func(t *testing.T) {
		v := block.NewDirect(MustOpenStore(t))
		for want := uint32(1); want <= 3; want++ {
			p, err := v.Allocate(block.PageTypeLeaf)
			require.NoError(t, err)
			assert.Equal(t, want, p.ID())
		}
		meta, err := v.Get(0)
		require.NoError(t, err)
		assert.Equal(t, uint32(4), meta.PageN())
	})

	t.Run("ReuseFreed", func(t *testing.T) {
		v := block.NewDirect(MustOpenStore(t))
		for i := 0; i < 4; i++ {
			_, err := v.Allocate(block.PageTypeLeaf)
			require.NoError(t, err)
		}
		// Page 2 becomes a free-list page, page 3 an entry on it.
		require.NoError(t, v.Free(2))
		require.NoError(t, v.Free(3))

		_, err := v.Get(3)
		assert.True(t, errors.Is(err, errors.ErrBlockNotFound), err)

		meta, err := v.Get(0)
		require.NoError(t, err)
		assert.Equal(t, uint32(2), meta.FreeN())

		p, err := v.Allocate(block.PageTypeBranch)
		require.NoError(t, err)
		assert.Equal(t, uint32(3), p.ID())
		assert.Equal(t, block.PageTypeBranch, p.Type())

		p, err = v.Allocate(block.PageTypeBranch)
		require.NoError(t, err)
		assert.Equal(t, uint32(2), p.ID())

		p, err = v.Allocate(block.PageTypeBranch)
		require.NoError(t, err)
		assert.Equal(t, uint32(5), p.ID())
	})

	t.Run("FreeMeta", func(t *testing.T) {
		v := block.NewDirect(MustOpenStore(t))
		assert.Error(t, v.Free(0))
	})

	t.Run("FreeUnallocated", func(t *testing.T) {
		v := block.NewDirect(MustOpenStore(t))
		err := v.Free(12)
		assert.True(t, errors.Is(err, errors.ErrBlockNotFound), err)
	})
}

func TestDirect_Flush(t *testing.T) {
	s := MustOpenStore(t)
	v := block.NewDirect(s)
	p, err := v.Allocate(block.PageTypeLeaf)
	require.NoError(t, err)
	p.SetCount(9)
	assert.Equal(t, 2, v.DirtyN())

	// Nothing reaches the store before a flush.
	_, err = s.Get(p.ID())
	assert.Error(t, err)

	require.NoError(t, v.Sync())
	assert.Equal(t, 0, v.DirtyN())

	got, err := s.Get(p.ID())
	require.NoError(t, err)
	assert.Equal(t, 9, got.Count())
	meta, err := s.Get(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), meta.PageN())
}
