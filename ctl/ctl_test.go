// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/molecula/quadstore"
	"github.com/molecula/quadstore/cfg"
	"github.com/molecula/quadstore/errors"
	"github.com/molecula/quadstore/loader"
	"github.com/molecula/quadstore/logger"
	"github.com/molecula/quadstore/nodetable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ex(name string) nodetable.Term { return nodetable.IRI("http://example.org/" + name) }

// mustCreateLocation returns a location directory holding two triples,
// alice=1 knows=2 bob=3 carol=4, and one named graph quad.
func mustCreateLocation(tb testing.TB) string {
	tb.Helper()
	c := cfg.NewDefaultConfig()
	c.Path = tb.TempDir()
	c.MinFreeSpace = 0
	db, err := quadstore.Open(c, quadstore.OptLogger(logger.NewLogfLogger(tb)))
	require.NoError(tb, err)
	defer db.Close()

	require.NoError(tb, db.Update(context.Background(), func(tx *quadstore.Tx) error {
		for _, q := range []quadstore.Quad{
			quadstore.Triple(ex("alice"), ex("knows"), ex("bob")),
			quadstore.Triple(ex("bob"), ex("knows"), ex("carol")),
			{G: ex("g"), S: ex("carol"), P: ex("age"), O: nodetable.Literal("42")},
		} {
			if _, err := tx.AddQuad(q); err != nil {
				return err
			}
		}
		return nil
	}))
	return c.Path
}

func TestCheckCommand_Run(t *testing.T) {
	var stdout, stderr bytes.Buffer
	cmd := NewCheckCommand(nil, &stdout, &stderr)
	cmd.Path = mustCreateLocation(t)
	require.NoError(t, cmd.Run(context.Background()))
	assert.Equal(t, "ok\n", stdout.String())
}

func TestDumpIndexCommand_Run(t *testing.T) {
	path := mustCreateLocation(t)

	t.Run("Terms", func(t *testing.T) {
		want := `
<http://example.org/alice> <http://example.org/knows> <http://example.org/bob>
<http://example.org/bob> <http://example.org/knows> <http://example.org/carol>
`[1:]
		var stdout, stderr bytes.Buffer
		cmd := NewDumpIndexCommand(nil, &stdout, &stderr)
		cmd.Path, cmd.Index = path, "SPO"
		require.NoError(t, cmd.Run(context.Background()))
		assert.Equal(t, want, stdout.String())
	})

	t.Run("Raw", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		cmd := NewDumpIndexCommand(nil, &stdout, &stderr)
		cmd.Path, cmd.Index, cmd.Raw = path, "pos.idx", true
		require.NoError(t, cmd.Run(context.Background()))
		assert.Equal(t, "2 3 1\n2 4 3\n", stdout.String())
	})

	t.Run("Quads", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		cmd := NewDumpIndexCommand(nil, &stdout, &stderr)
		cmd.Path, cmd.Index = path, "OSPG"
		require.NoError(t, cmd.Run(context.Background()))
		assert.Equal(t, `"42" <http://example.org/carol> <http://example.org/age> <http://example.org/g>`+"\n", stdout.String())
	})

	t.Run("ErrUnknownIndex", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		cmd := NewDumpIndexCommand(nil, &stdout, &stderr)
		cmd.Path, cmd.Index = path, "SOP"
		err := cmd.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "GSPO")
	})
}

func TestDumpNodesCommand_Run(t *testing.T) {
	var stdout, stderr bytes.Buffer
	cmd := NewDumpNodesCommand(nil, &stdout, &stderr)
	cmd.Path = mustCreateLocation(t)
	require.NoError(t, cmd.Run(context.Background()))

	lines := strings.Split(strings.TrimSuffix(stdout.String(), "\n"), "\n")
	require.Len(t, lines, 7)
	assert.True(t, strings.HasPrefix(lines[0], "1\t"), lines[0])
	assert.True(t, strings.HasSuffix(lines[0], "\t<http://example.org/alice>"), lines[0])
	assert.True(t, strings.HasSuffix(lines[6], "\t\"42\""), lines[6])
}

func TestPagesCommand_Run(t *testing.T) {
	path := mustCreateLocation(t)

	var stdout, stderr bytes.Buffer
	cmd := NewPagesCommand(nil, &stdout, &stderr)
	cmd.Path, cmd.File = path, "SPO.idx"
	require.NoError(t, cmd.Run(context.Background()))
	assert.Contains(t, stdout.String(), "TYPE")
	assert.Contains(t, stdout.String(), "meta")
	assert.Contains(t, stdout.String(), "leaf")

	cmd = NewPagesCommand(nil, &stdout, &stderr)
	cmd.Path, cmd.File = path, "nodes.dat"
	assert.Error(t, cmd.Run(context.Background()))
}

func TestStatsCommand_Run(t *testing.T) {
	path := mustCreateLocation(t)

	var stdout, stderr bytes.Buffer
	cmd := NewStatsCommand(nil, &stdout, &stderr)
	cmd.Path = path
	require.NoError(t, cmd.Run(context.Background()))
	assert.Contains(t, stdout.String(), "2 triples, 1 quads, 7 nodes")
	assert.Contains(t, stdout.String(), "nodes-hash.idx")
	assert.Contains(t, stdout.String(), "no stats file")

	// A bulk load writes the stats file.
	c := cfg.NewDefaultConfig()
	c.Path, c.MinFreeSpace = path, 0
	db, err := quadstore.Open(c, quadstore.OptLogger(logger.NewLogfLogger(t)))
	require.NoError(t, err)
	_, err = loader.New(db).LoadDefaultGraph(context.Background(), &loader.SliceSource{Quads: []quadstore.Quad{
		quadstore.Triple(ex("dave"), ex("likes"), ex("erin")),
	}})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	stdout.Reset()
	require.NoError(t, cmd.Run(context.Background()))
	assert.Contains(t, stdout.String(), "<http://example.org/likes>")
	assert.NotContains(t, stdout.String(), "no stats file")
}

func TestCheckpointCommand_Run(t *testing.T) {
	var stdout, stderr bytes.Buffer
	cmd := NewCheckpointCommand(nil, &stdout, &stderr)
	cmd.Path = mustCreateLocation(t)
	require.NoError(t, cmd.Run(context.Background()))
	assert.True(t, strings.HasPrefix(stdout.String(), "checkpointed at generation "), stdout.String())
}

func TestGenerateConfigCommand_Run(t *testing.T) {
	var stdout, stderr bytes.Buffer
	cmd := NewGenerateConfigCommand(nil, &stdout, &stderr)
	require.NoError(t, cmd.Run(context.Background()))
	assert.Contains(t, stdout.String(), `backing = "file"`)
	assert.Contains(t, stdout.String(), "writer-timeout")
}

func TestCompactCommand_Run(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "dst")

	var stdout, stderr bytes.Buffer
	cmd := NewCompactCommand(nil, &stdout, &stderr)
	cmd.Path, cmd.Dst = mustCreateLocation(t), dst
	require.NoError(t, cmd.Run(context.Background()))
	assert.Equal(t, "compacted 2 triples and 1 quads, 7 of 7 nodes kept\n", stdout.String())

	stdout.Reset()
	check := NewCheckCommand(nil, &stdout, &stderr)
	check.Path = dst
	require.NoError(t, check.Run(context.Background()))
	assert.Equal(t, "ok\n", stdout.String())

	cmd.Dst = ""
	err := cmd.Run(context.Background())
	assert.True(t, errors.Is(err, errors.ErrInvalidRecord), "got %v", err)
}
