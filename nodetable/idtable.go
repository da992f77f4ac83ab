// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package nodetable

import (
	"encoding/binary"

	"github.com/molecula/quadstore/block"
	"github.com/molecula/quadstore/errors"
)

// The id file maps node ids to object file offsets through two levels of
// IDTable pages. Index pages (aux 1) hold leaf page numbers; leaf pages
// (aux 0) hold offsets. The meta user area records the counters and the
// index page numbers.
const (
	metaNodeNOffset  = 0
	metaObjLenOffset = 8
	metaIndexNOffset = 16
	metaIndexOffset  = 24

	offsetsPerLeaf = (block.PageSize - block.HeaderSize) / 8
	leavesPerIndex = (block.PageSize - block.HeaderSize) / 4
	maxIndexPages  = (block.PageSize - block.MetaUserOffset - metaIndexOffset) / 4

	idLevelLeaf  = 0
	idLevelIndex = 1
)

// idMeta is the decoded user area of the id file meta page.
type idMeta struct {
	nodeN  uint64
	objLen int64
	index  []uint32
}

func readIDMeta(v block.View) (idMeta, error) {
	meta, err := v.Get(0)
	if err != nil {
		return idMeta{}, errors.Wrap(err, "read id table meta")
	} else if meta.FileKind() != block.FileKindIDTable {
		return idMeta{}, errors.Newf(errors.ErrCorrupt, "id table file kind %s", meta.FileKind())
	}
	u := meta.User()
	m := idMeta{
		nodeN:  binary.BigEndian.Uint64(u[metaNodeNOffset:]),
		objLen: int64(binary.BigEndian.Uint64(u[metaObjLenOffset:])),
	}
	n := int(binary.BigEndian.Uint16(u[metaIndexNOffset:]))
	if n > maxIndexPages {
		return idMeta{}, errors.Newf(errors.ErrCorrupt, "id table meta lists %d index pages", n)
	}
	m.index = make([]uint32, n)
	for i := range m.index {
		m.index[i] = binary.BigEndian.Uint32(u[metaIndexOffset+i*4:])
	}
	return m, nil
}

func writeIDMeta(v block.View, m idMeta) error {
	meta, err := v.Mutable(0)
	if err != nil {
		return err
	}
	u := meta.User()
	binary.BigEndian.PutUint64(u[metaNodeNOffset:], m.nodeN)
	binary.BigEndian.PutUint64(u[metaObjLenOffset:], uint64(m.objLen))
	binary.BigEndian.PutUint16(u[metaIndexNOffset:], uint16(len(m.index)))
	for i, pgno := range m.index {
		binary.BigEndian.PutUint32(u[metaIndexOffset+i*4:], pgno)
	}
	return nil
}

// offsetOf returns the object file offset of id.
func offsetOf(v block.View, m idMeta, id NodeID) (int64, error) {
	if id == Any || uint64(id) > m.nodeN {
		return 0, errors.Newf(errors.ErrUnknownKey, "node id %d not assigned", id)
	}
	k := uint64(id) - 1
	leaf, slot := k/offsetsPerLeaf, k%offsetsPerLeaf

	idx := leaf / leavesPerIndex
	if idx >= uint64(len(m.index)) {
		return 0, errors.Newf(errors.ErrCorrupt, "node id %d beyond id table index", id)
	}
	ip, err := v.Get(m.index[idx])
	if err != nil {
		return 0, errors.Wrapf(err, "node id %d", id)
	}
	lp, err := v.Get(binary.BigEndian.Uint32(ip.Body()[(leaf%leavesPerIndex)*4:]))
	if err != nil {
		return 0, errors.Wrapf(err, "node id %d", id)
	} else if lp.Type() != block.PageTypeIDTable || lp.Aux() != idLevelLeaf {
		return 0, errors.Newf(errors.ErrCorrupt, "node id %d maps to %s page %d", id, lp.Type(), lp.ID())
	}
	return int64(binary.BigEndian.Uint64(lp.Body()[slot*8:])), nil
}

// appendOffset records the offset of id m.nodeN+1, allocating table pages as
// the id crosses page boundaries. The caller bumps nodeN and writes m back.
func appendOffset(v block.View, m *idMeta, off int64) error {
	k := m.nodeN
	leaf, slot := k/offsetsPerLeaf, k%offsetsPerLeaf
	idx := leaf / leavesPerIndex

	if idx == uint64(len(m.index)) {
		if len(m.index) >= maxIndexPages {
			return errors.Newf(errors.ErrOutOfSpace, "id table full at %d ids", m.nodeN)
		}
		ip, err := v.Allocate(block.PageTypeIDTable)
		if err != nil {
			return err
		}
		ip.SetAux(idLevelIndex)
		m.index = append(m.index, ip.ID())
	}

	var lp *block.Page
	if slot == 0 {
		ip, err := v.Mutable(m.index[idx])
		if err != nil {
			return err
		}
		if lp, err = v.Allocate(block.PageTypeIDTable); err != nil {
			return err
		}
		binary.BigEndian.PutUint32(ip.Body()[(leaf%leavesPerIndex)*4:], lp.ID())
		ip.SetCount(ip.Count() + 1)
	} else {
		ip, err := v.Get(m.index[idx])
		if err != nil {
			return err
		}
		if lp, err = v.Mutable(binary.BigEndian.Uint32(ip.Body()[(leaf%leavesPerIndex)*4:])); err != nil {
			return err
		}
	}
	binary.BigEndian.PutUint64(lp.Body()[slot*8:], uint64(off))
	lp.SetCount(int(slot) + 1)
	return nil
}
