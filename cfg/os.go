// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
//go:build !386
// +build !386

package cfg

// DefaultMaxSize is the default mmap size and therefore the maximum size of a
// single block file opened with the mmap backing. It mainly affects virtual
// space usage.
const DefaultMaxSize = 4 * (1 << 30)
