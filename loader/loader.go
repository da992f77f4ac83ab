// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package loader bulk loads pre-parsed statements into a store without
// transactions. A load holds the store's exclusive lock, writes the node
// table and the primary index of each table directly, then builds the
// secondary indexes from the primaries in parallel and syncs once.
//
// A failed load leaves the location in whatever state it reached. There is
// no rollback.
package loader

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/molecula/quadstore"
	"github.com/molecula/quadstore/block"
	"github.com/molecula/quadstore/bptree"
	"github.com/molecula/quadstore/errors"
	"github.com/molecula/quadstore/logger"
	"github.com/molecula/quadstore/nodetable"
	"golang.org/x/sync/errgroup"
)

// Source yields statements to load, returning io.EOF after the last.
type Source interface {
	Next() (quadstore.Quad, error)
}

// SliceSource is a Source over a slice.
type SliceSource struct {
	Quads []quadstore.Quad
	i     int
}

func (s *SliceSource) Next() (quadstore.Quad, error) {
	if s.i >= len(s.Quads) {
		return quadstore.Quad{}, io.EOF
	}
	s.i++
	return s.Quads[s.i-1], nil
}

// flushPages is the number of staged pages a direct view may hold before it
// is written out.
const flushPages = 4096

// Result summarizes one load.
type Result struct {
	Read       uint64 // statements read from the source
	Triples    uint64 // new default graph statements
	Quads      uint64 // new named graph statements
	Duplicates uint64
	Nodes      uint64 // node ids assigned
	Duration   time.Duration
}

// Loader bulk loads into one store.
type Loader struct {
	db *quadstore.DB

	// Number of secondary indexes built at once. Zero builds all at once.
	Parallelism int

	Logger logger.Logger
}

// New returns a Loader for db.
func New(db *quadstore.DB) *Loader {
	return &Loader{db: db, Logger: db.Logger.WithPrefix("loader: ")}
}

// LoadDefaultGraph loads every statement of src into the default graph,
// ignoring any graph the source gives.
func (l *Loader) LoadDefaultGraph(ctx context.Context, src Source) (*Result, error) {
	return l.load(ctx, src, func(q *quadstore.Quad) { q.G = nodetable.Term{} })
}

// LoadNamedGraph loads every statement of src into graph.
func (l *Loader) LoadNamedGraph(ctx context.Context, graph nodetable.Term, src Source) (*Result, error) {
	if graph.IsZero() {
		return nil, errors.New(errors.ErrInvalidRecord, "named graph load without a graph")
	} else if err := graph.Validate(); err != nil {
		return nil, err
	}
	return l.load(ctx, src, func(q *quadstore.Quad) { q.G = graph })
}

// LoadDataset loads statements into the graphs the source names. Statements
// without a graph go to the default graph.
func (l *Loader) LoadDataset(ctx context.Context, src Source) (*Result, error) {
	return l.load(ctx, src, nil)
}

// load is one bulk load. Everything between taking and releasing the
// exclusive lock happens through direct views of the block stores.
func (l *Loader) load(ctx context.Context, src Source, rewrite func(q *quadstore.Quad)) (_ *Result, err error) {
	start := time.Now()
	release, err := l.db.Exclusive(ctx)
	if err != nil {
		return nil, err
	}
	gen := l.db.Manager().Generation().ID() + 1
	defer func() {
		// Stores were written directly, so readers from before the load
		// must never promote, whether or not it completed.
		if rerr := release(true); rerr != nil && err == nil {
			err = rerr
		}
	}()

	j := &job{
		l:       l,
		ctx:     ctx,
		rewrite: rewrite,
		views:   make([]*block.Direct, len(quadstore.BlockFiles)),
		preds:   make(map[string]uint64),
		res:     &Result{},
	}
	for i := range j.views {
		j.views[i] = block.NewDirect(l.db.Store(i))
	}

	if err := j.loadPrimaries(src); err != nil {
		return nil, err
	}
	HistogramLoadDuration.WithLabelValues("data").Observe(time.Since(start).Seconds())
	l.Logger.Infof("data phase: %d statements read, %d triples and %d quads new, %d nodes", j.res.Read, j.res.Triples, j.res.Quads, j.res.Nodes)

	indexStart := time.Now()
	if err := j.buildSecondaries(); err != nil {
		return nil, err
	}
	HistogramLoadDuration.WithLabelValues("index").Observe(time.Since(indexStart).Seconds())

	if err := j.finish(gen); err != nil {
		return nil, err
	}
	j.res.Duration = time.Since(start)
	l.Logger.Infof("loaded in %s", j.res.Duration)
	return j.res, nil
}

// job is the state of one load.
type job struct {
	l       *Loader
	ctx     context.Context
	rewrite func(q *quadstore.Quad)
	views   []*block.Direct
	preds   map[string]uint64
	res     *Result

	triples, quads bool // whether the table received statements
}

func (j *job) nodeViews() nodetable.Views {
	return nodetable.Views{
		Hash: j.views[quadstore.FileNodesHash],
		IDs:  j.views[quadstore.FileNodesID],
	}
}

// flush writes out views holding too many staged pages.
func (j *job) flush(force bool) error {
	for _, v := range j.views {
		if force || v.DirtyN() >= flushPages {
			if err := v.Flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (j *job) loadPrimaries(src Source) error {
	nodes := j.l.db.Nodes()
	before, err := nodes.NodeN(j.views[quadstore.FileNodesID])
	if err != nil {
		return err
	}

	spo, err := bptree.Open(j.views[quadstore.FileSPO], quadstore.TripleSchema.Arity())
	if err != nil {
		return err
	}
	gspo, err := bptree.Open(j.views[quadstore.FileGSPO], quadstore.QuadSchema.Arity())
	if err != nil {
		return err
	}

	for {
		q, err := src.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return errors.Wrapf(err, "read statement %d", j.res.Read+1)
		}
		j.res.Read++
		if j.res.Read%10000 == 0 {
			if err := j.ctx.Err(); err != nil {
				return err
			}
			if err := j.flush(false); err != nil {
				return err
			}
		}
		if j.rewrite != nil {
			j.rewrite(&q)
		}

		terms := []nodetable.Term{q.S, q.P, q.O}
		tree, table := spo, quadstore.TripleSchema.Name
		if !q.G.IsZero() {
			terms = []nodetable.Term{q.G, q.S, q.P, q.O}
			tree, table = gspo, quadstore.QuadSchema.Name
		}
		rec := make(bptree.Record, len(terms))
		for i, term := range terms {
			id, err := nodes.Encode(j.nodeViews(), term)
			if err != nil {
				return errors.Wrapf(err, "statement %d", j.res.Read)
			}
			rec[i] = uint64(id)
		}

		ok, err := tree.Insert(rec)
		if err != nil {
			return errors.Wrapf(err, "statement %d", j.res.Read)
		} else if !ok {
			j.res.Duplicates++
			continue
		}
		if tree == spo {
			j.triples = true
			j.res.Triples++
		} else {
			j.quads = true
			j.res.Quads++
		}
		j.preds[q.P.String()]++
		CounterLoadedStatements.WithLabelValues(table).Inc()
	}

	after, err := nodes.NodeN(j.views[quadstore.FileNodesID])
	if err != nil {
		return err
	}
	j.res.Nodes = after - before

	// Node bytes are made durable before any id pointing at them.
	if err := nodes.Sync(); err != nil {
		return err
	}
	return j.flush(true)
}

// buildSecondaries rebuilds the secondary indexes of every table that
// received statements, in parallel.
func (j *job) buildSecondaries() error {
	g, ctx := errgroup.WithContext(j.ctx)
	if j.l.Parallelism > 0 {
		g.SetLimit(j.l.Parallelism)
	}
	for _, schema := range []*quadstore.TableSchema{quadstore.TripleSchema, quadstore.QuadSchema} {
		if (schema == quadstore.TripleSchema && !j.triples) || (schema == quadstore.QuadSchema && !j.quads) {
			continue
		}
		for i := 1; i < len(schema.Perms); i++ {
			schema, i := schema, i
			g.Go(func() error { return j.buildSecondary(ctx, schema, i) })
		}
	}
	return g.Wait()
}

// buildSecondary fills the i'th index of schema from a scan of its primary.
// An empty index is built bottom-up from the sorted projection; otherwise
// every record is inserted.
func (j *job) buildSecondary(ctx context.Context, schema *quadstore.TableSchema, i int) error {
	perm := schema.Perms[i]
	primary, err := bptree.Open(block.NewDirect(j.l.db.Store(schema.Files[0])), schema.Arity())
	if err != nil {
		return err
	}
	target := block.NewDirect(j.l.db.Store(schema.Files[i]))
	tree, err := bptree.Open(target, schema.Arity())
	if err != nil {
		return err
	}
	n, err := tree.Count()
	if err != nil {
		return err
	}

	itr, err := primary.Find(make(bptree.Record, schema.Arity()))
	if err != nil {
		return err
	}
	var keys []bptree.Record
	for {
		rec, err := itr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return errors.Wrapf(err, "scan for %s", perm.Name)
		}
		key := perm.Project(rec)
		if n > 0 {
			if _, err := tree.Insert(key); err != nil {
				return errors.Wrapf(err, "insert into %s", perm.Name)
			}
			if target.DirtyN() >= flushPages {
				if err := target.Flush(); err != nil {
					return err
				}
			}
			continue
		}
		keys = append(keys, key)
		if len(keys)%100000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}

	if n == 0 {
		sort.Slice(keys, func(a, b int) bool { return keys[a].Compare(keys[b]) < 0 })
		if _, err := bptree.Build(tree, &recordSource{recs: keys}); err != nil {
			return errors.Wrapf(err, "build %s", perm.Name)
		}
	}
	if err := target.Sync(); err != nil {
		return err
	}
	j.l.Logger.Debugf("built %s in %s", perm.Name, schema.Name)
	return nil
}

// finish syncs every store and writes the stats file.
func (j *job) finish(gen uint64) error {
	db := j.l.db
	for _, v := range j.views {
		if err := v.Sync(); err != nil {
			return err
		}
	}

	stats, err := db.ReadStats()
	if err != nil {
		j.l.Logger.Warnf("replacing unreadable stats: %v", err)
		stats = nil
	}
	if stats == nil {
		stats = &quadstore.Stats{}
	}
	preds := stats.PredicateMap()
	for p, n := range j.preds {
		preds[p] += n
	}
	stats.SetPredicates(preds)
	stats.Generation = gen
	stats.Updated = time.Now().UTC()

	for _, s := range []struct {
		schema *quadstore.TableSchema
		n      *uint64
	}{{quadstore.TripleSchema, &stats.Triples}, {quadstore.QuadSchema, &stats.Quads}} {
		t, err := bptree.Open(j.views[s.schema.Files[0]], s.schema.Arity())
		if err != nil {
			return err
		}
		if *s.n, err = t.Count(); err != nil {
			return err
		}
	}
	if stats.Nodes, err = db.Nodes().NodeN(j.views[quadstore.FileNodesID]); err != nil {
		return err
	}
	return db.WriteStats(stats)
}

// recordSource yields a sorted slice of records.
type recordSource struct {
	recs []bptree.Record
	i    int
}

func (s *recordSource) Next() (bptree.Record, error) {
	if s.i >= len(s.recs) {
		return nil, io.EOF
	}
	s.i++
	return s.recs[s.i-1], nil
}
