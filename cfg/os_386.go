// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cfg

// DefaultMaxSize is the default mmap size and therefore the maximum size of a
// single block file opened with the mmap backing.
const DefaultMaxSize = 256 * (1 << 20) // 256MB
