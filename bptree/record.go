// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package bptree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Any is the wildcard value in a find pattern.
const Any = 0

// Record is a fixed-length tuple of node ids. Records order by the unsigned
// byte-wise comparison of their big-endian encoding.
type Record []uint64

// Compare returns -1, 0 or 1 as r sorts before, equal to or after other.
func (r Record) Compare(other Record) int {
	for i := 0; i < len(r) && i < len(other); i++ {
		if r[i] < other[i] {
			return -1
		} else if r[i] > other[i] {
			return 1
		}
	}
	switch {
	case len(r) < len(other):
		return -1
	case len(r) > len(other):
		return 1
	}
	return 0
}

// Equal reports whether r and other hold the same ids.
func (r Record) Equal(other Record) bool { return r.Compare(other) == 0 }

// Copy returns a copy of r.
func (r Record) Copy() Record {
	other := make(Record, len(r))
	copy(other, r)
	return other
}

func (r Record) String() string {
	parts := make([]string, len(r))
	for i, v := range r {
		if v == Any {
			parts[i] = "*"
		} else {
			parts[i] = fmt.Sprint(v)
		}
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// encodeRecord writes r big-endian into b.
func encodeRecord(b []byte, r Record) {
	for i, v := range r {
		binary.BigEndian.PutUint64(b[i*8:], v)
	}
}

func decodeRecord(b []byte, arity int) Record {
	r := make(Record, arity)
	for i := range r {
		r[i] = binary.BigEndian.Uint64(b[i*8:])
	}
	return r
}

func recordBytes(r Record) []byte {
	b := make([]byte, len(r)*8)
	encodeRecord(b, r)
	return b
}

func compareKeys(a, b []byte) int { return bytes.Compare(a, b) }
