// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package loader_test

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/molecula/quadstore"
	"github.com/molecula/quadstore/bptree"
	"github.com/molecula/quadstore/cfg"
	"github.com/molecula/quadstore/loader"
	"github.com/molecula/quadstore/logger"
	"github.com/molecula/quadstore/nodetable"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func MustOpenDB(tb testing.TB) *quadstore.DB {
	tb.Helper()
	c := cfg.NewDefaultConfig()
	c.Backing = cfg.BackingMem
	c.CacheSize = 256
	db, err := quadstore.Open(c, quadstore.OptLogger(logger.NewLogfLogger(tb)))
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { db.Close() })
	return db
}

func ex(name string) nodetable.Term { return nodetable.IRI("http://example.org/" + name) }

var dataset = []quadstore.Quad{
	quadstore.Triple(ex("alice"), ex("knows"), ex("bob")),
	quadstore.Triple(ex("bob"), ex("knows"), ex("carol")),
	quadstore.Triple(ex("alice"), ex("name"), nodetable.LangLiteral("Alice", "en")),
	quadstore.Triple(ex("alice"), ex("knows"), ex("bob")), // duplicate
	{G: ex("g1"), S: ex("carol"), P: ex("knows"), O: ex("alice")},
	{G: ex("g2"), S: ex("carol"), P: ex("age"), O: nodetable.TypedLiteral("42", "http://www.w3.org/2001/XMLSchema#int")},
}

func contains(tb testing.TB, db *quadstore.DB, q quadstore.Quad) bool {
	tb.Helper()
	var ok bool
	require.NoError(tb, db.View(context.Background(), func(tx *quadstore.Tx) (err error) {
		ok, err = tx.ContainsQuad(q)
		return err
	}))
	return ok
}

func TestLoader_LoadDataset(t *testing.T) {
	db := MustOpenDB(t)
	gen := db.Manager().Generation().ID()
	before := testutil.ToFloat64(loader.CounterLoadedStatements.WithLabelValues("quads"))

	res, err := loader.New(db).LoadDataset(context.Background(), &loader.SliceSource{Quads: dataset})
	require.NoError(t, err)
	assert.Equal(t, uint64(6), res.Read)
	assert.Equal(t, uint64(3), res.Triples)
	assert.Equal(t, uint64(2), res.Quads)
	assert.Equal(t, uint64(1), res.Duplicates)
	assert.Equal(t, uint64(10), res.Nodes)
	assert.Equal(t, float64(2), testutil.ToFloat64(loader.CounterLoadedStatements.WithLabelValues("quads"))-before)

	assert.Equal(t, gen+1, db.Manager().Generation().ID())
	require.NoError(t, db.Check(context.Background()))
	for _, q := range dataset {
		assert.True(t, contains(t, db, q), "%v", q)
	}

	// Secondary indexes are usable.
	require.NoError(t, db.View(context.Background(), func(tx *quadstore.Tx) error {
		knows, err := tx.Lookup(ex("knows"))
		require.NoError(t, err)
		itr, err := tx.Triples().Find(bptree.Record{bptree.Any, uint64(knows), bptree.Any})
		require.NoError(t, err)
		assert.Equal(t, "POS", itr.Index())
		var n int
		for {
			_, err := itr.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			n++
		}
		assert.Equal(t, 2, n)
		return nil
	}))

	stats, err := db.ReadStats()
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, gen+1, stats.Generation)
	assert.Equal(t, uint64(3), stats.Triples)
	assert.Equal(t, uint64(2), stats.Quads)
	assert.Equal(t, uint64(10), stats.Nodes)
	assert.Equal(t, uint64(3), stats.PredicateMap()[ex("knows").String()])
}

func TestLoader_Graphs(t *testing.T) {
	db := MustOpenDB(t)
	l := loader.New(db)

	_, err := l.LoadNamedGraph(context.Background(), ex("g"), &loader.SliceSource{Quads: dataset[:3]})
	require.NoError(t, err)
	for _, q := range dataset[:3] {
		q.G = ex("g")
		assert.True(t, contains(t, db, q), "%v", q)
	}

	_, err = l.LoadDefaultGraph(context.Background(), &loader.SliceSource{Quads: dataset[4:]})
	require.NoError(t, err)
	for _, q := range dataset[4:] {
		q.G = nodetable.Term{}
		assert.True(t, contains(t, db, q), "%v", q)
	}
	require.NoError(t, db.Check(context.Background()))

	_, err = l.LoadNamedGraph(context.Background(), nodetable.Term{}, &loader.SliceSource{})
	assert.Error(t, err)
}

// Ensure loading into tables that already hold statements inserts into the
// secondary indexes rather than rebuilding them.
func TestLoader_NonEmpty(t *testing.T) {
	db := MustOpenDB(t)
	require.NoError(t, db.Update(context.Background(), func(tx *quadstore.Tx) error {
		_, err := tx.AddQuad(quadstore.Triple(ex("zed"), ex("knows"), ex("alice")))
		return err
	}))

	_, err := loader.New(db).LoadDataset(context.Background(), &loader.SliceSource{Quads: dataset})
	require.NoError(t, err)
	require.NoError(t, db.Check(context.Background()))
	assert.True(t, contains(t, db, quadstore.Triple(ex("zed"), ex("knows"), ex("alice"))))

	// Transactions work on top of the load.
	require.NoError(t, db.Update(context.Background(), func(tx *quadstore.Tx) error {
		ok, err := tx.DeleteQuad(dataset[0])
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	}))
	require.NoError(t, db.Check(context.Background()))
}

func TestLoader_Large(t *testing.T) {
	if testing.Short() {
		t.Skip("short")
	}
	db := MustOpenDB(t)
	quads := make([]quadstore.Quad, 0, 30000)
	for i := 0; i < cap(quads); i++ {
		q := quadstore.Triple(ex(fmt.Sprintf("s%d", i%997)), ex(fmt.Sprintf("p%d", i%13)), nodetable.Literal(fmt.Sprint(i)))
		if i%3 == 0 {
			q.G = ex(fmt.Sprintf("g%d", i%5))
		}
		quads = append(quads, q)
	}

	l := loader.New(db)
	l.Parallelism = 2
	res, err := l.LoadDataset(context.Background(), &loader.SliceSource{Quads: quads})
	require.NoError(t, err)
	assert.Equal(t, uint64(20000), res.Triples)
	assert.Equal(t, uint64(10000), res.Quads)
	require.NoError(t, db.Check(context.Background()))
}

type failingSource struct{ n int }

func (s *failingSource) Next() (quadstore.Quad, error) {
	if s.n == 0 {
		return quadstore.Quad{}, fmt.Errorf("parse error")
	}
	s.n--
	return quadstore.Triple(ex("s"), ex("p"), nodetable.Literal(fmt.Sprint(s.n))), nil
}

func TestLoader_Error(t *testing.T) {
	db := MustOpenDB(t)
	_, err := loader.New(db).LoadDataset(context.Background(), &failingSource{n: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse error")

	// The exclusive lock was released.
	tx, err := db.Begin(context.Background(), true)
	require.NoError(t, err)
	tx.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reader, err := db.Begin(context.Background(), false)
	require.NoError(t, err)
	_, err = loader.New(db).LoadDataset(ctx, &loader.SliceSource{Quads: dataset})
	assert.Equal(t, context.Canceled, err)
	reader.End()
}
