// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package block

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/molecula/quadstore/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Store is a cached page store over one DiskManager. It only ever holds
// checkpointed page images; uncommitted pages live in transaction overlays.
// Pages returned by Get are shared and must not be modified.
type Store struct {
	mu    sync.Mutex // serializes write-back against cache fills
	name  string
	dm    DiskManager
	cache *lru.Cache

	hits   prometheus.Counter
	misses prometheus.Counter
}

// NewStore returns a Store caching up to cacheSize pages of dm.
func NewStore(name string, dm DiskManager, cacheSize int) (*Store, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "page cache")
	}
	return &Store{
		name:   name,
		dm:     dm,
		cache:  cache,
		hits:   CounterCacheHits.WithLabelValues(name),
		misses: CounterCacheMisses.WithLabelValues(name),
	}, nil
}

// Name returns the file name the store was opened for.
func (s *Store) Name() string { return s.name }

// Init writes a fresh meta page if the backing is empty, and validates the
// existing one otherwise.
func (s *Store) Init(kind FileKind) error {
	if s.dm.PageN() == 0 {
		if err := s.Write(NewMetaPage(kind)); err != nil {
			return err
		}
		return s.Sync()
	}

	meta, err := s.Get(0)
	if err != nil {
		return errors.Wrapf(err, "%s: read meta page", s.name)
	} else if err := ValidateMeta(meta); err != nil {
		return errors.Newf(errors.ErrCorrupt, "%s: %s", s.name, err)
	} else if meta.FileKind() != kind {
		return errors.Newf(errors.ErrCorrupt, "%s: file kind %s, expected %s", s.name, meta.FileKind(), kind)
	}
	return nil
}

// Get returns the checkpointed image of pgno. Never-written and freed pages
// return ErrBlockNotFound.
func (s *Store) Get(pgno uint32) (*Page, error) {
	if v, ok := s.cache.Get(pgno); ok {
		s.hits.Inc()
		return v.(*Page), nil
	}
	s.misses.Inc()

	s.mu.Lock()
	defer s.mu.Unlock()

	p := &Page{data: make([]byte, PageSize)}
	if err := s.dm.ReadPage(pgno, p.data); err != nil {
		return nil, errors.Wrapf(err, "%s", s.name)
	}
	switch p.Type() {
	case 0, PageTypeFree:
		return nil, errors.Newf(errors.ErrBlockNotFound, "%s: page %d not allocated", s.name, pgno)
	}
	if p.ID() != pgno {
		return nil, errors.Newf(errors.ErrCorrupt, "%s: page %d holds image of page %d", s.name, pgno, p.ID())
	}
	s.cache.Add(pgno, p)
	return p, nil
}

// Write writes p back to the backing and replaces any cached image with a
// copy of p.
func (s *Store) Write(p *Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.dm.WritePage(p.ID(), p.data); err != nil {
		return errors.Wrapf(err, "%s", s.name)
	}
	if p.Type() == PageTypeFree {
		s.cache.Remove(p.ID())
	} else {
		s.cache.Add(p.ID(), p.Clone())
	}
	return nil
}

// Sync forces all written pages to stable storage.
func (s *Store) Sync() error {
	return s.dm.Sync()
}

// PageN returns the number of pages present in the backing.
func (s *Store) PageN() uint32 { return s.dm.PageN() }

// Close releases the backing. The cache is dropped.
func (s *Store) Close() error {
	s.cache.Purge()
	return s.dm.Close()
}
