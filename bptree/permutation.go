// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package bptree

import (
	"strings"

	"github.com/molecula/quadstore/errors"
)

// Canonical column orders of the two record shapes.
const (
	TripleColumns = "SPO"
	QuadColumns   = "GSPO"
)

// Permutation maps records between canonical column order and the key order
// of one index. POS over SPO has Order [1 2 0]: key position 0 holds
// canonical column 1 (P).
type Permutation struct {
	Name  string
	Order []int
}

// NewPermutation builds the permutation named by name, a reordering of the
// letters of canonical.
func NewPermutation(name, canonical string) (Permutation, error) {
	if len(name) != len(canonical) {
		return Permutation{}, errors.Newf(errors.ErrInvalidRecord, "permutation %q does not match columns %q", name, canonical)
	}
	p := Permutation{Name: name, Order: make([]int, len(name))}
	seen := make(map[byte]bool)
	for i := 0; i < len(name); i++ {
		col := strings.IndexByte(canonical, name[i])
		if col < 0 || seen[name[i]] {
			return Permutation{}, errors.Newf(errors.ErrInvalidRecord, "permutation %q does not match columns %q", name, canonical)
		}
		seen[name[i]] = true
		p.Order[i] = col
	}
	return p, nil
}

// MustPermutation is NewPermutation that panics on error.
func MustPermutation(name, canonical string) Permutation {
	p, err := NewPermutation(name, canonical)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Permutation) Arity() int { return len(p.Order) }

// Project reorders a canonical record into key order.
func (p Permutation) Project(canonical Record) Record {
	key := make(Record, len(p.Order))
	for i, col := range p.Order {
		key[i] = canonical[col]
	}
	return key
}

// Unproject reorders a key back into canonical order.
func (p Permutation) Unproject(key Record) Record {
	canonical := make(Record, len(p.Order))
	for i, col := range p.Order {
		canonical[col] = key[i]
	}
	return canonical
}

// BoundPrefix returns how many leading key positions the canonical pattern
// binds.
func (p Permutation) BoundPrefix(pattern Record) int {
	for i, col := range p.Order {
		if pattern[col] == Any {
			return i
		}
	}
	return len(p.Order)
}

// Choose returns the index of the permutation with the longest bound prefix
// for pattern. Ties go to the earliest permutation.
func Choose(perms []Permutation, pattern Record) int {
	best, bestN := 0, -1
	for i, p := range perms {
		if n := p.BoundPrefix(pattern); n > bestN {
			best, bestN = i, n
		}
	}
	return best
}
