// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package quadstore

import (
	"os"
	"sort"
	"time"

	"github.com/molecula/quadstore/errors"
	"github.com/pelletier/go-toml"
	"github.com/spf13/afero"
)

// Stats is the content of a location's stats file, written by bulk loads.
type Stats struct {
	Generation uint64    `toml:"generation"`
	Updated    time.Time `toml:"updated"`
	Triples    uint64    `toml:"triples"`
	Quads      uint64    `toml:"quads"`
	Nodes      uint64    `toml:"nodes"`

	// Statement counts per predicate, most frequent first.
	Predicates []PredicateCount `toml:"predicate"`
}

// PredicateCount is the number of statements using one predicate.
type PredicateCount struct {
	Predicate string `toml:"predicate"`
	Count     uint64 `toml:"count"`
}

// SetPredicates replaces Predicates with the counts of m, most frequent
// first and ties by name.
func (s *Stats) SetPredicates(m map[string]uint64) {
	s.Predicates = s.Predicates[:0]
	for p, n := range m {
		s.Predicates = append(s.Predicates, PredicateCount{Predicate: p, Count: n})
	}
	sort.Slice(s.Predicates, func(i, j int) bool {
		a, b := s.Predicates[i], s.Predicates[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Predicate < b.Predicate
	})
}

// PredicateMap returns the predicate counts as a map.
func (s *Stats) PredicateMap() map[string]uint64 {
	m := make(map[string]uint64, len(s.Predicates))
	for _, pc := range s.Predicates {
		m[pc.Predicate] = pc.Count
	}
	return m
}

// ReadStats reads the stats file. It returns nil and no error if the
// location has none.
func (db *DB) ReadStats() (*Stats, error) {
	data, err := afero.ReadFile(db.fs, db.file(StatsFile))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.IOError(err, "read stats")
	}
	var s Stats
	if err := toml.Unmarshal(data, &s); err != nil {
		return nil, errors.Newf(errors.ErrCorrupt, "%s: %v", StatsFile, err)
	}
	return &s, nil
}

// WriteStats replaces the stats file.
func (db *DB) WriteStats(s *Stats) error {
	data, err := toml.Marshal(*s)
	if err != nil {
		return errors.Wrap(err, "marshal stats")
	}
	tmp := db.file(StatsFile + ".tmp")
	f, err := db.fs.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.IOError(err, "create stats")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.IOError(err, "write stats")
	}
	if db.config.FsyncEnabled {
		if err := f.Sync(); err != nil {
			f.Close()
			return errors.IOError(err, "sync stats")
		}
	}
	if err := f.Close(); err != nil {
		return errors.IOError(err, "close stats")
	}
	if err := db.fs.Rename(tmp, db.file(StatsFile)); err != nil {
		return errors.IOError(err, "rename stats")
	}
	return nil
}
