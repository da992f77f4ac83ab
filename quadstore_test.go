// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package quadstore_test

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/molecula/quadstore"
	"github.com/molecula/quadstore/bptree"
	"github.com/molecula/quadstore/cfg"
	"github.com/molecula/quadstore/errors"
	"github.com/molecula/quadstore/logger"
	"github.com/molecula/quadstore/nodetable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewTestConfig returns a file backed config in a fresh temporary directory.
func NewTestConfig(tb testing.TB) *cfg.Config {
	c := cfg.NewDefaultConfig()
	c.Path = tb.TempDir()
	c.MinFreeSpace = 0
	c.CacheSize = 64
	c.NodeCacheSize = 64
	return c
}

// MustOpenDB opens a store at c, closing it at the end of the test.
func MustOpenDB(tb testing.TB, c *cfg.Config) *quadstore.DB {
	tb.Helper()
	db, err := quadstore.Open(c, quadstore.OptLogger(logger.NewLogfLogger(tb)))
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		if err := db.Close(); err != nil {
			tb.Error(err)
		}
	})
	return db
}

func ex(name string) nodetable.Term { return nodetable.IRI("http://example.org/" + name) }

func mustUpdate(tb testing.TB, db *quadstore.DB, fn func(tx *quadstore.Tx) error) {
	tb.Helper()
	if err := db.Update(context.Background(), fn); err != nil {
		tb.Fatal(err)
	}
}

func collect(tb testing.TB, itr *quadstore.Iterator) []bptree.Record {
	tb.Helper()
	defer itr.Close()
	var out []bptree.Record
	for {
		rec, err := itr.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(tb, err)
		out = append(out, rec)
	}
}

// Ensure a range scan sees inserts in key order and drops deleted records.
func TestTable_FindAfterDelete(t *testing.T) {
	db := MustOpenDB(t, NewTestConfig(t))
	ctx := context.Background()

	var s, p uint64
	var want []bptree.Record
	mustUpdate(t, db, func(tx *quadstore.Tx) error {
		sid, err := tx.Encode(ex("s"))
		if err != nil {
			return err
		}
		pid, err := tx.Encode(ex("p"))
		if err != nil {
			return err
		}
		s, p = uint64(sid), uint64(pid)
		for i := 1; i <= 9; i++ {
			o, err := tx.Encode(nodetable.TypedLiteral(strconv.Itoa(i), "http://www.w3.org/2001/XMLSchema#integer"))
			if err != nil {
				return err
			}
			rec := bptree.Record{s, p, uint64(o)}
			want = append(want, rec)
			if ok, err := tx.Triples().Add(rec); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("record %s not new", rec)
			}
		}
		return nil
	})

	tx, err := db.Begin(ctx, true)
	require.NoError(t, err)
	defer tx.End()

	itr, err := tx.Triples().Find(bptree.Record{s, p, bptree.Any})
	require.NoError(t, err)
	assert.Equal(t, "SPO", itr.Index())
	if diff := cmp.Diff(want, collect(t, itr)); diff != "" {
		t.Fatalf("unexpected records (-want +got):\n%s", diff)
	}

	ok, err := tx.Triples().Delete(want[4])
	require.NoError(t, err)
	require.True(t, ok)
	want = append(want[:4:4], want[5:]...)

	itr, err = tx.Triples().Find(bptree.Record{s, p, bptree.Any})
	require.NoError(t, err)
	if diff := cmp.Diff(want, collect(t, itr)); diff != "" {
		t.Fatalf("unexpected records after delete (-want +got):\n%s", diff)
	}

	// Every index agrees.
	n, err := tx.Triples().Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(8), n)
	itr, err = tx.Triples().Find(bptree.Record{bptree.Any, bptree.Any, want[0][2]})
	require.NoError(t, err)
	assert.Equal(t, "OSP", itr.Index())
	assert.Equal(t, []bptree.Record{want[0]}, collect(t, itr))

	require.NoError(t, tx.Commit())
}

func TestTable_AddIdempotent(t *testing.T) {
	db := MustOpenDB(t, NewTestConfig(t))
	mustUpdate(t, db, func(tx *quadstore.Tx) error {
		rec := bptree.Record{1, 2, 3}
		ok, err := tx.Triples().Add(rec)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tx.Triples().Add(rec)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = tx.Triples().Delete(bptree.Record{3, 2, 1})
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = tx.Triples().Add(bptree.Record{1, 2})
		assert.True(t, errors.Is(err, errors.ErrInvalidRecord))
		_, err = tx.Quads().Add(bptree.Record{1, 2, bptree.Any, 4})
		assert.True(t, errors.Is(err, errors.ErrInvalidRecord))

		n, err := tx.Triples().Size()
		require.NoError(t, err)
		assert.Equal(t, uint64(1), n)
		return nil
	})
}

func TestTx_Quads(t *testing.T) {
	db := MustOpenDB(t, NewTestConfig(t))
	ctx := context.Background()

	def := quadstore.Triple(ex("alice"), ex("knows"), ex("bob"))
	named := quadstore.Quad{G: ex("g1"), S: ex("alice"), P: ex("knows"), O: nodetable.LangLiteral("carol", "en")}

	mustUpdate(t, db, func(tx *quadstore.Tx) error {
		for _, q := range []quadstore.Quad{def, named} {
			if ok, err := tx.AddQuad(q); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("quad %v not new", q)
			}
		}
		return nil
	})

	tx, err := db.Begin(ctx, false)
	require.NoError(t, err)
	defer tx.End()

	for _, q := range []quadstore.Quad{def, named} {
		ok, err := tx.ContainsQuad(q)
		require.NoError(t, err)
		assert.True(t, ok, "%v", q)
	}
	ok, err := tx.ContainsQuad(quadstore.Triple(ex("bob"), ex("knows"), ex("nobody")))
	require.NoError(t, err)
	assert.False(t, ok)

	nt, err := tx.Triples().Size()
	require.NoError(t, err)
	nq, err := tx.Quads().Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nt)
	assert.Equal(t, uint64(1), nq)

	// Graph-less patterns over quads use an index with G last.
	knows, err := tx.Lookup(ex("knows"))
	require.NoError(t, err)
	itr, err := tx.Quads().Find(bptree.Record{bptree.Any, bptree.Any, uint64(knows), bptree.Any})
	require.NoError(t, err)
	assert.Equal(t, "POSG", itr.Index())
	recs := collect(t, itr)
	require.Len(t, recs, 1)
	terms, err := tx.DecodeRecord(recs[0])
	require.NoError(t, err)
	assert.Equal(t, []nodetable.Term{named.G, named.S, named.P, named.O}, terms)

	// Deleting from a reader fails; unknown terms are simply absent.
	_, err = tx.DeleteQuad(def)
	assert.True(t, errors.Is(err, errors.ErrTxNotWritable))
	require.NoError(t, tx.Promote())
	ok, err = tx.DeleteQuad(quadstore.Triple(ex("x"), ex("y"), ex("z")))
	require.NoError(t, err)
	assert.False(t, ok)
	n, err := tx.NodeN()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)

	ok, err = tx.DeleteQuad(named)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, tx.Commit())
}

func TestDB_SnapshotIsolation(t *testing.T) {
	db := MustOpenDB(t, NewTestConfig(t))
	ctx := context.Background()

	reader, err := db.Begin(ctx, false)
	require.NoError(t, err)
	defer reader.End()

	mustUpdate(t, db, func(tx *quadstore.Tx) error {
		_, err := tx.AddQuad(quadstore.Triple(ex("a"), ex("b"), ex("c")))
		return err
	})

	n, err := reader.Triples().Size()
	require.NoError(t, err)
	assert.Zero(t, n)
	id, err := reader.Lookup(ex("a"))
	require.NoError(t, err)
	assert.Equal(t, nodetable.NotExist, id)

	err = reader.Promote()
	assert.True(t, errors.Is(err, errors.ErrPromotionConflict))
}

// Ensure a reader cannot decode an id assigned after its snapshot, even once
// a newer reader has cached the term.
func TestDB_DecodeAfterSnapshot(t *testing.T) {
	db := MustOpenDB(t, NewTestConfig(t))
	ctx := context.Background()

	r1, err := db.Begin(ctx, false)
	require.NoError(t, err)
	defer r1.End()

	var id nodetable.NodeID
	mustUpdate(t, db, func(tx *quadstore.Tx) (err error) {
		id, err = tx.Encode(ex("late"))
		return err
	})

	require.NoError(t, db.View(ctx, func(r2 *quadstore.Tx) error {
		term, err := r2.Decode(id)
		require.NoError(t, err)
		assert.Equal(t, ex("late"), term)
		return nil
	}))

	n, err := r1.NodeN()
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = r1.Decode(id)
	assert.True(t, errors.Is(err, errors.ErrUnknownKey), "%v", err)
}

func TestDB_Reopen(t *testing.T) {
	for _, backing := range []string{cfg.BackingFile, cfg.BackingMmap} {
		t.Run(backing, func(t *testing.T) {
			c := NewTestConfig(t)
			c.Backing = backing
			c.MaxSize = 64 << 20

			db, err := quadstore.Open(c)
			require.NoError(t, err)

			quads := []quadstore.Quad{
				quadstore.Triple(ex("a"), ex("p"), nodetable.Literal("one")),
				quadstore.Triple(ex("b"), ex("p"), nodetable.Blank("b0")),
				{G: ex("g"), S: ex("a"), P: ex("q"), O: nodetable.TypedLiteral("2", "http://www.w3.org/2001/XMLSchema#int")},
			}
			require.NoError(t, db.Update(context.Background(), func(tx *quadstore.Tx) error {
				for _, q := range quads {
					if _, err := tx.AddQuad(q); err != nil {
						return err
					}
				}
				return nil
			}))
			require.NoError(t, db.Close())

			db = MustOpenDB(t, c)
			require.NoError(t, db.Check(context.Background()))
			require.NoError(t, db.View(context.Background(), func(tx *quadstore.Tx) error {
				for _, q := range quads {
					ok, err := tx.ContainsQuad(q)
					require.NoError(t, err)
					assert.True(t, ok, "%v", q)
				}
				n, err := tx.NodeN()
				require.NoError(t, err)
				assert.Equal(t, uint64(8), n)
				return nil
			}))
		})
	}
}

func TestDB_Mem(t *testing.T) {
	c := cfg.NewDefaultConfig()
	c.Backing = cfg.BackingMem
	db := MustOpenDB(t, c)
	assert.Equal(t, "", db.Path())

	mustUpdate(t, db, func(tx *quadstore.Tx) error {
		_, err := tx.AddQuad(quadstore.Triple(ex("a"), ex("b"), ex("c")))
		return err
	})
	require.NoError(t, db.Checkpoint())
	require.NoError(t, db.Check(context.Background()))
}

func TestDB_Lock(t *testing.T) {
	c := NewTestConfig(t)
	db, err := quadstore.Open(c)
	require.NoError(t, err)

	_, err = quadstore.Open(c)
	assert.True(t, errors.Is(err, errors.ErrLocationLocked), "got %v", err)
	require.NoError(t, db.Close())

	lockPath := filepath.Join(c.Path, quadstore.LockFile)

	// A PID no process has is stale.
	require.NoError(t, os.WriteFile(lockPath, []byte("2147483600\n"), 0o600))
	db, err = quadstore.Open(c)
	require.NoError(t, err)
	b, err := os.ReadFile(lockPath)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(b))
	require.NoError(t, db.Close())

	// A live process other than ours holds the location.
	require.NoError(t, os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getppid())), 0o600))
	_, err = quadstore.Open(c)
	assert.True(t, errors.Is(err, errors.ErrLocationLocked), "got %v", err)
}

func TestUnsafe(t *testing.T) {
	db := MustOpenDB(t, NewTestConfig(t))
	ctx := context.Background()
	u := db.Unsafe()

	for _, o := range []string{"x", "y", "z"} {
		ok, err := u.AddQuad(ctx, quadstore.Triple(ex("s"), ex("p"), ex(o)))
		require.NoError(t, err)
		require.True(t, ok)
	}

	itr, err := u.Find(ctx, quadstore.TripleSchema, bptree.Record{bptree.Any, bptree.Any, bptree.Any})
	require.NoError(t, err)
	_, err = itr.Next()
	require.NoError(t, err)

	// A no-op mutation leaves iterators valid.
	ok, err := u.AddQuad(ctx, quadstore.Triple(ex("s"), ex("p"), ex("x")))
	require.NoError(t, err)
	require.False(t, ok)
	_, err = itr.Next()
	require.NoError(t, err)

	ok, err = u.DeleteQuad(ctx, quadstore.Triple(ex("s"), ex("p"), ex("x")))
	require.NoError(t, err)
	require.True(t, ok)
	_, err = itr.Next()
	assert.True(t, errors.Is(err, errors.ErrConcurrentModification), "got %v", err)
	itr.Close()

	// A fresh iterator runs to the end and releases its transaction, so an
	// exclusive lock can be taken.
	itr, err = u.Find(ctx, quadstore.TripleSchema, bptree.Record{bptree.Any, bptree.Any, bptree.Any})
	require.NoError(t, err)
	assert.Len(t, collect(t, itr), 2)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	release, err := db.Exclusive(ctx)
	require.NoError(t, err)
	require.NoError(t, release(false))
}

// An iterator that fails releases its read transaction without Close.
func TestUnsafe_ErrorReleasesTx(t *testing.T) {
	db := MustOpenDB(t, NewTestConfig(t))
	ctx := context.Background()
	u := db.Unsafe()

	for _, o := range []string{"x", "y"} {
		_, err := u.AddQuad(ctx, quadstore.Triple(ex("s"), ex("p"), ex(o)))
		require.NoError(t, err)
	}

	itr, err := u.Find(ctx, quadstore.TripleSchema, bptree.Record{bptree.Any, bptree.Any, bptree.Any})
	require.NoError(t, err)
	_, err = itr.Next()
	require.NoError(t, err)

	_, err = u.DeleteQuad(ctx, quadstore.Triple(ex("s"), ex("p"), ex("y")))
	require.NoError(t, err)
	_, err = itr.Next()
	require.True(t, errors.Is(err, errors.ErrConcurrentModification), "got %v", err)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	release, err := db.Exclusive(ctx)
	require.NoError(t, err)
	require.NoError(t, release(false))

	// Close after the error is a no-op.
	itr.Close()
}

// statements returns every statement of db as sorted decoded strings.
func statements(tb testing.TB, db *quadstore.DB) []string {
	tb.Helper()
	var out []string
	err := db.View(context.Background(), func(tx *quadstore.Tx) error {
		for _, tbl := range []*quadstore.Table{tx.Triples(), tx.Quads()} {
			recs, err := tbl.FindAll(make(bptree.Record, tbl.Schema().Arity()))
			if err != nil {
				return err
			}
			for _, rec := range recs {
				terms, err := tx.DecodeRecord(rec)
				if err != nil {
					return err
				}
				out = append(out, fmt.Sprint(terms))
			}
		}
		return nil
	})
	require.NoError(tb, err)
	sort.Strings(out)
	return out
}

// Ensure compaction drops unreferenced terms and keeps every statement.
func TestDB_Compact(t *testing.T) {
	ctx := context.Background()
	db := MustOpenDB(t, NewTestConfig(t))

	mustUpdate(t, db, func(tx *quadstore.Tx) error {
		for i := 0; i < 500; i++ {
			q := quadstore.Triple(ex("s"+strconv.Itoa(i%7)), ex("p"+strconv.Itoa(i%3)), ex("o"+strconv.Itoa(i)))
			if i%5 == 0 {
				q.G = ex("g" + strconv.Itoa(i%2))
			}
			if _, err := tx.AddQuad(q); err != nil {
				return err
			}
		}
		return nil
	})
	mustUpdate(t, db, func(tx *quadstore.Tx) error {
		for i := 0; i < 500; i += 2 {
			q := quadstore.Triple(ex("s"+strconv.Itoa(i%7)), ex("p"+strconv.Itoa(i%3)), ex("o"+strconv.Itoa(i)))
			if i%5 == 0 {
				q.G = ex("g" + strconv.Itoa(i%2))
			}
			if ok, err := tx.DeleteQuad(q); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("statement %d missing", i)
			}
		}
		return nil
	})
	want := statements(t, db)
	require.Len(t, want, 250)

	var nodesBefore uint64
	require.NoError(t, db.View(ctx, func(tx *quadstore.Tx) (err error) {
		nodesBefore, err = tx.NodeN()
		return err
	}))

	dst := filepath.Join(t.TempDir(), "compacted")
	res, err := db.Compact(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), res.Triples)
	assert.Equal(t, uint64(50), res.Quads)
	assert.Equal(t, nodesBefore, res.NodesBefore)
	assert.Less(t, res.Nodes, res.NodesBefore)

	_, err = db.Compact(ctx, dst)
	assert.True(t, errors.Is(err, errors.ErrInvalidRecord), "got %v", err)
	_, err = db.Compact(ctx, db.Path())
	assert.True(t, errors.Is(err, errors.ErrInvalidRecord), "got %v", err)

	// The source is untouched.
	require.NoError(t, db.Check(ctx))
	assert.Equal(t, want, statements(t, db))

	c := *db.Config()
	c.Path = dst
	out := MustOpenDB(t, &c)
	require.NoError(t, out.Check(ctx))
	if diff := cmp.Diff(want, statements(t, out)); diff != "" {
		t.Fatalf("compacted statements differ (-want +got):\n%s", diff)
	}
	require.NoError(t, out.View(ctx, func(tx *quadstore.Tx) error {
		n, err := tx.NodeN()
		assert.Equal(t, res.Nodes, n)
		return err
	}))

	stats, err := out.ReadStats()
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, uint64(200), stats.Triples)
	assert.Equal(t, uint64(50), stats.Quads)
	assert.Equal(t, res.Nodes, stats.Nodes)

	// The compacted store takes further writes.
	mustUpdate(t, out, func(tx *quadstore.Tx) error {
		_, err := tx.AddQuad(quadstore.Triple(ex("s0"), ex("p0"), ex("new")))
		return err
	})
	require.NoError(t, out.Check(ctx))
}

func TestDB_Stats(t *testing.T) {
	db := MustOpenDB(t, NewTestConfig(t))

	s, err := db.ReadStats()
	require.NoError(t, err)
	assert.Nil(t, s)

	in := &quadstore.Stats{Generation: 3, Triples: 10, Quads: 2, Nodes: 7}
	in.SetPredicates(map[string]uint64{"<b>": 4, "<a>": 4, "<c>": 9})
	require.NoError(t, db.WriteStats(in))

	out, err := db.ReadStats()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, []quadstore.PredicateCount{
		{Predicate: "<c>", Count: 9},
		{Predicate: "<a>", Count: 4},
		{Predicate: "<b>", Count: 4},
	}, out.Predicates)
	assert.Equal(t, uint64(10), out.Triples)
	assert.Equal(t, in.PredicateMap(), out.PredicateMap())
}
