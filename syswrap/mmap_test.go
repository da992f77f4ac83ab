// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package syswrap_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/molecula/quadstore/syswrap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMmapReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o600))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	before := syswrap.MapCount()
	data, err := syswrap.MmapReadOnly(f, 4096)
	require.NoError(t, err)
	assert.Equal(t, before+1, syswrap.MapCount())
	assert.Equal(t, "hello world", string(data[:11]))

	require.NoError(t, syswrap.Munmap(data))
	assert.Equal(t, before, syswrap.MapCount())
}

func TestFlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	a, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	defer a.Close()
	b, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, syswrap.Flock(a))
	assert.Equal(t, syswrap.ErrWouldBlock, syswrap.Flock(b))
	require.NoError(t, syswrap.Funlock(a))
	require.NoError(t, syswrap.Flock(b))
}
