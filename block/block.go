// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package block implements the fixed-size page layer shared by every file of
// a store location: page layout, pluggable disk backings, a cached page store
// and the free-list allocator.
package block

import (
	"encoding/binary"
	"fmt"
)

const (
	// Magic is the first 4 bytes of every meta page body.
	Magic = "\xFFQSB"

	// PageSize is the fixed size for every page.
	PageSize = 8192

	// HeaderSize is the size of the header common to all page types.
	HeaderSize = 16

	// MetaUserOffset is where a meta page's structure-specific area begins.
	MetaUserOffset = 64

	// Version of the block file layout.
	Version = 1
)

// PageType tags the layout of a page. Zero means the page was never written.
type PageType uint16

// Page types.
const (
	PageTypeMeta       PageType = 1
	PageTypeFree       PageType = 2
	PageTypeFreelist   PageType = 3
	PageTypeBranch     PageType = 4
	PageTypeLeaf       PageType = 5
	PageTypeHashDir    PageType = 6
	PageTypeHashBucket PageType = 7
	PageTypeIDTable    PageType = 8
)

func (typ PageType) String() string {
	switch typ {
	case 0:
		return "unused"
	case PageTypeMeta:
		return "meta"
	case PageTypeFree:
		return "free"
	case PageTypeFreelist:
		return "freelist"
	case PageTypeBranch:
		return "branch"
	case PageTypeLeaf:
		return "leaf"
	case PageTypeHashDir:
		return "hashdir"
	case PageTypeHashBucket:
		return "bucket"
	case PageTypeIDTable:
		return "idtable"
	default:
		return fmt.Sprintf("unknown<%d>", uint16(typ))
	}
}

// FileKind records which structure owns a block file.
type FileKind uint16

const (
	FileKindIndex   FileKind = 1
	FileKindHash    FileKind = 2
	FileKindIDTable FileKind = 3
)

func (k FileKind) String() string {
	switch k {
	case FileKindIndex:
		return "index"
	case FileKindHash:
		return "hash"
	case FileKindIDTable:
		return "idtable"
	default:
		return fmt.Sprintf("unknown<%d>", uint16(k))
	}
}

// Page is one PageSize buffer.
//
//	[0:4]   page number
//	[4:6]   page type
//	[6:8]   count (cells, records, entries)
//	[8:12]  link (sibling, free-list next)
//	[12:16] aux (prev sibling, local depth)
type Page struct {
	data []byte
}

// NewPage returns a zeroed page with its number and type set.
func NewPage(pgno uint32, typ PageType) *Page {
	p := &Page{data: make([]byte, PageSize)}
	p.SetID(pgno)
	p.SetType(typ)
	return p
}

// PageFromBytes wraps buf, which must be PageSize long, without copying.
func PageFromBytes(buf []byte) *Page {
	if len(buf) != PageSize {
		panic(fmt.Sprintf("page buffer is %d bytes", len(buf)))
	}
	return &Page{data: buf}
}

func (p *Page) ID() uint32        { return binary.BigEndian.Uint32(p.data[0:4]) }
func (p *Page) SetID(pgno uint32) { binary.BigEndian.PutUint32(p.data[0:4], pgno) }

func (p *Page) Type() PageType       { return PageType(binary.BigEndian.Uint16(p.data[4:6])) }
func (p *Page) SetType(typ PageType) { binary.BigEndian.PutUint16(p.data[4:6], uint16(typ)) }

func (p *Page) Count() int     { return int(binary.BigEndian.Uint16(p.data[6:8])) }
func (p *Page) SetCount(n int) { binary.BigEndian.PutUint16(p.data[6:8], uint16(n)) }

func (p *Page) Next() uint32        { return binary.BigEndian.Uint32(p.data[8:12]) }
func (p *Page) SetNext(pgno uint32) { binary.BigEndian.PutUint32(p.data[8:12], pgno) }

func (p *Page) Aux() uint32     { return binary.BigEndian.Uint32(p.data[12:16]) }
func (p *Page) SetAux(v uint32) { binary.BigEndian.PutUint32(p.data[12:16], v) }

// Data returns the whole page buffer.
func (p *Page) Data() []byte { return p.data }

// Body returns the page buffer after the common header.
func (p *Page) Body() []byte { return p.data[HeaderSize:] }

// Clone returns a deep copy of the page.
func (p *Page) Clone() *Page {
	other := &Page{data: make([]byte, PageSize)}
	copy(other.data, p.data)
	return other
}

// Reset zeroes the page and sets its number and type.
func (p *Page) Reset(pgno uint32, typ PageType) {
	for i := range p.data {
		p.data[i] = 0
	}
	p.SetID(pgno)
	p.SetType(typ)
}

// Meta page helpers. Only valid when Type() == PageTypeMeta.

// NewMetaPage returns page zero of a fresh file of the given kind.
func NewMetaPage(kind FileKind) *Page {
	p := NewPage(0, PageTypeMeta)
	copy(p.data[16:20], Magic)
	binary.BigEndian.PutUint16(p.data[20:22], uint16(kind))
	binary.BigEndian.PutUint16(p.data[22:24], Version)
	p.SetPageN(1)
	return p
}

// ValidateMeta returns an error if p is not a well-formed meta page.
func ValidateMeta(p *Page) error {
	if p.Type() != PageTypeMeta {
		return fmt.Errorf("page 0 has type %s", p.Type())
	} else if string(p.data[16:20]) != Magic {
		return fmt.Errorf("invalid meta magic: %x", p.data[16:20])
	} else if v := binary.BigEndian.Uint16(p.data[22:24]); v != Version {
		return fmt.Errorf("unsupported block file version: %d", v)
	}
	return nil
}

func (p *Page) FileKind() FileKind { return FileKind(binary.BigEndian.Uint16(p.data[20:22])) }

// PageN is the number of pages ever allocated in the file, meta included.
func (p *Page) PageN() uint32     { return binary.BigEndian.Uint32(p.data[24:28]) }
func (p *Page) SetPageN(n uint32) { binary.BigEndian.PutUint32(p.data[24:28], n) }

// FreeHead is the first free-list page, or zero.
func (p *Page) FreeHead() uint32        { return binary.BigEndian.Uint32(p.data[28:32]) }
func (p *Page) SetFreeHead(pgno uint32) { binary.BigEndian.PutUint32(p.data[28:32], pgno) }

// FreeN is the number of free pages on the free list.
func (p *Page) FreeN() uint32     { return binary.BigEndian.Uint32(p.data[32:36]) }
func (p *Page) SetFreeN(n uint32) { binary.BigEndian.PutUint32(p.data[32:36], n) }

// User returns the area of a meta page owned by the file's structure.
func (p *Page) User() []byte { return p.data[MetaUserOffset:] }
