// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package quadstore

import (
	"context"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/molecula/quadstore/block"
	"github.com/molecula/quadstore/bptree"
	"github.com/molecula/quadstore/cfg"
	"github.com/molecula/quadstore/errors"
	"github.com/molecula/quadstore/nodetable"
)

// compactFlushPages is the number of staged node pages written out at once
// while compacting.
const compactFlushPages = 4096

// CompactResult summarizes one compaction.
type CompactResult struct {
	Triples     uint64
	Quads       uint64
	Nodes       uint64 // node ids in the compacted store
	NodesBefore uint64 // node ids in the source store
	Duration    time.Duration
}

// Compact writes a copy of the store into the empty location dst. The copy
// holds the live records and only the terms they reference, renumbered in
// primary index order, and every index is built bottom-up. The store is held
// exclusively for the duration and is not modified. A mem-backed store is
// copied to a file-backed location.
func (db *DB) Compact(ctx context.Context, dst string) (_ *CompactResult, err error) {
	start := time.Now()
	if dst == "" {
		return nil, errors.New(errors.ErrInvalidRecord, "compact: no destination")
	} else if db.path != "" && filepath.Clean(dst) == filepath.Clean(db.path) {
		return nil, errors.Newf(errors.ErrInvalidRecord, "compact: destination %q is the source", dst)
	}

	release, err := db.Exclusive(ctx)
	if err != nil {
		return nil, err
	}
	defer release(false)

	config := *db.config
	config.Path = dst
	if config.Backing == cfg.BackingMem {
		config.Backing = cfg.BackingFile
	}
	out, err := Open(&config, OptLogger(db.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "compact: open destination")
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	outRelease, err := out.Exclusive(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := outRelease(true); rerr != nil && err == nil {
			err = rerr
		}
	}()

	c := &compaction{
		ctx:   ctx,
		src:   db,
		dst:   out,
		ids:   make(map[nodetable.NodeID]nodetable.NodeID),
		preds: make(map[string]uint64),
		res:   &CompactResult{},
	}
	for i := range BlockFiles {
		c.srcViews = append(c.srcViews, block.NewDirect(db.Store(i)))
		c.dstViews = append(c.dstViews, block.NewDirect(out.Store(i)))
	}
	if err := c.checkEmpty(); err != nil {
		return nil, err
	}
	if c.res.NodesBefore, err = db.nodes.NodeN(c.srcViews[FileNodesID]); err != nil {
		return nil, err
	}

	for _, schema := range []*TableSchema{TripleSchema, QuadSchema} {
		if err := c.copyTable(schema); err != nil {
			return nil, errors.Wrapf(err, "compact %s", schema.Name)
		}
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	c.res.Duration = time.Since(start)
	db.Logger.Infof("compacted into %q: %d triples, %d quads, %d of %d nodes in %s",
		dst, c.res.Triples, c.res.Quads, c.res.Nodes, c.res.NodesBefore, c.res.Duration)
	return c.res, nil
}

// compaction is the state of one Compact call.
type compaction struct {
	ctx                context.Context
	src, dst           *DB
	srcViews, dstViews []*block.Direct

	// Source node id to destination node id.
	ids   map[nodetable.NodeID]nodetable.NodeID
	preds map[string]uint64
	res   *CompactResult
}

func nodeViewsOf(views []*block.Direct) nodetable.Views {
	return nodetable.Views{Hash: views[FileNodesHash], IDs: views[FileNodesID]}
}

func (c *compaction) checkEmpty() error {
	n, err := c.dst.nodes.NodeN(c.dstViews[FileNodesID])
	if err != nil {
		return err
	} else if n > 0 {
		return errors.Newf(errors.ErrInvalidRecord, "compact: destination %q holds %d nodes", c.dst.path, n)
	}
	for _, schema := range []*TableSchema{TripleSchema, QuadSchema} {
		t, err := bptree.Open(c.dstViews[schema.Files[0]], schema.Arity())
		if err != nil {
			return err
		}
		if n, err := t.Count(); err != nil {
			return err
		} else if n > 0 {
			return errors.Newf(errors.ErrInvalidRecord, "compact: destination %q holds %d %s", c.dst.path, n, schema.Name)
		}
	}
	return nil
}

// remap returns the destination id of a source node, copying its term on
// first sight.
func (c *compaction) remap(id nodetable.NodeID) (nodetable.NodeID, error) {
	if nid, ok := c.ids[id]; ok {
		return nid, nil
	}
	term, err := c.src.nodes.Decode(nodeViewsOf(c.srcViews), id)
	if err != nil {
		return 0, errors.Wrapf(err, "decode node %d", id)
	}
	nid, err := c.dst.nodes.Encode(nodeViewsOf(c.dstViews), term)
	if err != nil {
		return 0, errors.Wrapf(err, "encode node %d", id)
	}
	c.ids[id] = nid
	if len(c.ids)%10000 == 0 {
		for _, file := range []int{FileNodesHash, FileNodesID} {
			if v := c.dstViews[file]; v.DirtyN() >= compactFlushPages {
				if err := v.Flush(); err != nil {
					return 0, err
				}
			}
		}
	}
	return nid, nil
}

// copyTable scans the primary index of schema, remaps every record and
// builds each destination index from the sorted projection.
func (c *compaction) copyTable(schema *TableSchema) error {
	primary, err := bptree.Open(c.srcViews[schema.Files[0]], schema.Arity())
	if err != nil {
		return err
	}
	itr, err := primary.Find(make(bptree.Record, schema.Arity()))
	if err != nil {
		return err
	}

	// The predicate is the second to last canonical column in both shapes.
	pcol := schema.Arity() - 2
	var recs []bptree.Record
	for {
		key, err := itr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		rec := schema.Perms[0].Unproject(key)
		for i, id := range rec {
			nid, err := c.remap(nodetable.NodeID(id))
			if err != nil {
				return err
			}
			rec[i] = uint64(nid)
		}
		recs = append(recs, rec)

		if len(recs)%100000 == 0 {
			if err := c.ctx.Err(); err != nil {
				return err
			}
		}
	}
	if len(recs) == 0 {
		return nil
	}

	// Predicate names come from the destination, which already holds every
	// term the records reference.
	predN := make(map[uint64]uint64)
	for _, rec := range recs {
		predN[rec[pcol]]++
	}
	for id, n := range predN {
		term, err := c.dst.nodes.Decode(nodeViewsOf(c.dstViews), nodetable.NodeID(id))
		if err != nil {
			return err
		}
		c.preds[term.String()] += n
	}

	for i, perm := range schema.Perms {
		keys := make([]bptree.Record, len(recs))
		for j, rec := range recs {
			keys[j] = perm.Project(rec)
		}
		sort.Slice(keys, func(a, b int) bool { return keys[a].Compare(keys[b]) < 0 })

		view := c.dstViews[schema.Files[i]]
		tree, err := bptree.Open(view, schema.Arity())
		if err != nil {
			return err
		}
		n, err := bptree.Build(tree, &sliceSource{recs: keys})
		if err != nil {
			return errors.Wrapf(err, "build %s", perm.Name)
		}
		if err := view.Sync(); err != nil {
			return err
		}
		if schema == TripleSchema {
			c.res.Triples = n
		} else {
			c.res.Quads = n
		}
	}
	return nil
}

// finish makes the node table durable and writes the destination's stats.
func (c *compaction) finish() error {
	// Node bytes are made durable before any id pointing at them.
	if err := c.dst.nodes.Sync(); err != nil {
		return err
	}
	for _, v := range c.dstViews {
		if err := v.Sync(); err != nil {
			return err
		}
	}

	var err error
	if c.res.Nodes, err = c.dst.nodes.NodeN(c.dstViews[FileNodesID]); err != nil {
		return err
	}
	stats := &Stats{
		Generation: c.dst.Manager().Generation().ID() + 1,
		Updated:    time.Now().UTC(),
		Triples:    c.res.Triples,
		Quads:      c.res.Quads,
		Nodes:      c.res.Nodes,
	}
	stats.SetPredicates(c.preds)
	return c.dst.WriteStats(stats)
}

// sliceSource yields a sorted slice of records.
type sliceSource struct {
	recs []bptree.Record
	i    int
}

func (s *sliceSource) Next() (bptree.Record, error) {
	if s.i >= len(s.recs) {
		return nil, io.EOF
	}
	s.i++
	return s.recs[s.i-1], nil
}
