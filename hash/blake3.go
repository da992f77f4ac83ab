// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package hash provides the content hash used to key the node dictionary.
package hash

import (
	"encoding/binary"
	"sync"

	"github.com/zeebo/blake3"
)

// Blake3Hasher is a thread/goroutine safe way to
// obtain a blake3 cryptographic hash of input []byte.
type Blake3Hasher struct {
	hasher   *blake3.Hasher
	hasherMu sync.Mutex
}

// NewBlake3Hasher returns a new Blake3Hasher.
func NewBlake3Hasher() *Blake3Hasher {
	return &Blake3Hasher{
		hasher: blake3.New(),
	}
}

// CryptoHash writes the blake3 cryptographic hash of
// input into buffer and returns it. The caller determines the
// hash length by the size of buffer.
func (w *Blake3Hasher) CryptoHash(input []byte, buffer []byte) []byte {
	w.hasherMu.Lock()
	w.hasher.Reset()

	// "Write implements part of the hash.Hash interface. It never returns an error."
	_, _ = w.hasher.Write(input)

	// "It always fills the entire buffer and never errors."
	_, _ = w.hasher.Digest().Read(buffer)

	w.hasherMu.Unlock()
	return buffer
}

// Sum64 returns the first 8 bytes of the blake3 hash of input as a
// big-endian integer.
func (w *Blake3Hasher) Sum64(input []byte) uint64 {
	var buf [8]byte
	return binary.BigEndian.Uint64(w.CryptoHash(input, buf[:]))
}
