// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package txn

import (
	"github.com/benbjohnson/immutable"
	"github.com/molecula/quadstore/block"
)

// Generation is a published, immutable state of every block file: the
// checkpointed store contents overlaid with the page images committed since
// the last checkpoint. Committing never modifies a generation; it derives a
// new one sharing structure with its parent.
type Generation struct {
	id    uint64
	pages []*immutable.Map // per file, pgno to *block.Page
}

func newGeneration(id uint64, fileN int) *Generation {
	g := &Generation{id: id, pages: make([]*immutable.Map, fileN)}
	for i := range g.pages {
		g.pages[i] = immutable.NewMap(&uint32Hasher{})
	}
	return g
}

// ID returns the generation number.
func (g *Generation) ID() uint64 { return g.id }

// PendingN returns the number of pages not yet checkpointed.
func (g *Generation) PendingN() int {
	var n int
	for _, m := range g.pages {
		n += m.Len()
	}
	return n
}

func (g *Generation) page(file int, pgno uint32) (*block.Page, bool) {
	v, ok := g.pages[file].Get(pgno)
	if !ok {
		return nil, false
	}
	return v.(*block.Page), true
}

// derive returns the next generation with the overlay pages applied.
func (g *Generation) derive(overlay []map[uint32]*block.Page) *Generation {
	next := &Generation{id: g.id + 1, pages: make([]*immutable.Map, len(g.pages))}
	for file, m := range g.pages {
		for pgno, p := range overlay[file] {
			m = m.Set(pgno, p)
		}
		next.pages[file] = m
	}
	return next
}

// uint32Hasher implements Hasher for uint32 keys.
type uint32Hasher struct{}

// Hash returns a hash for key.
func (h *uint32Hasher) Hash(key interface{}) uint32 {
	return hashUint64(uint64(key.(uint32)))
}

// Equal returns true if a is equal to b.
func (h *uint32Hasher) Equal(a, b interface{}) bool {
	return a.(uint32) == b.(uint32)
}

// hashUint64 returns a 32-bit hash for a 64-bit value.
func hashUint64(value uint64) uint32 {
	hash := value
	for value > 0xffffffff {
		value /= 0xffffffff
		hash ^= value
	}
	return uint32(hash)
}
