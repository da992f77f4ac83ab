// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package cfg defines externally configurable store options.
// The separate package avoids circular import.
package cfg

import (
	"fmt"
	"time"

	"github.com/molecula/quadstore/toml"
	"github.com/spf13/pflag"
)

// Block file backings.
const (
	BackingMem  = "mem"
	BackingFile = "file"
	BackingMmap = "mmap"
)

// Config holds the options used to open a store location.
type Config struct {
	// Location directory. Empty means a purely in-memory store.
	Path string `toml:"path"`

	// One of BackingMem, BackingFile or BackingMmap.
	Backing string `toml:"backing"`

	// Number of checkpointed pages cached per block file.
	CacheSize int `toml:"cache-size"`

	// Number of decoded terms cached by the node table.
	NodeCacheSize int `toml:"node-cache-size"`

	// The maximum allowed size of an mmap-backed block file.
	MaxSize int64 `toml:"max-size"`

	// Set before opening. Disabling is only safe for throwaway stores.
	FsyncEnabled bool `toml:"fsync"`

	// Promotion of a reader re-bases onto the latest generation instead of
	// failing when a writer committed in between.
	ReadCommittedPromotion bool `toml:"read-committed-promotion"`

	// Zero means a writer waits forever for the previous writer to end.
	WriterTimeout toml.Duration `toml:"writer-timeout"`

	// Checkpoint once at least this many pages are pending in the
	// published generation. Zero means checkpoint after every commit.
	CheckpointThreshold int `toml:"checkpoint-threshold"`

	// Commits fail with ErrOutOfSpace when the location's filesystem has
	// fewer free bytes than this plus the size of the journal entry.
	MinFreeSpace int64 `toml:"min-free-space"`

	Verbose bool `toml:"verbose"`
}

func NewDefaultConfig() *Config {
	return &Config{
		Backing:             BackingFile,
		CacheSize:           4096,
		NodeCacheSize:       100000,
		MaxSize:             DefaultMaxSize,
		FsyncEnabled:        true,
		CheckpointThreshold: 1024,
		MinFreeSpace:        16 << 20,
	}
}

// Validate checks option combinations that cannot work.
func (cfg *Config) Validate() error {
	switch cfg.Backing {
	case BackingMem:
	case BackingFile, BackingMmap:
		if cfg.Path == "" {
			return fmt.Errorf("backing %q requires a path", cfg.Backing)
		}
	default:
		return fmt.Errorf("unknown backing %q", cfg.Backing)
	}
	if cfg.CacheSize <= 0 {
		return fmt.Errorf("cache size must be positive: %d", cfg.CacheSize)
	}
	if cfg.NodeCacheSize <= 0 {
		return fmt.Errorf("node cache size must be positive: %d", cfg.NodeCacheSize)
	}
	if cfg.WriterTimeout < 0 {
		return fmt.Errorf("writer timeout must not be negative: %s", cfg.WriterTimeout)
	}
	return nil
}

// WriterTimeoutDuration returns WriterTimeout as a time.Duration.
func (cfg *Config) WriterTimeoutDuration() time.Duration {
	return time.Duration(cfg.WriterTimeout)
}

func (cfg *Config) DefineFlags(flags *pflag.FlagSet) {
	default0 := NewDefaultConfig()
	flags.StringVar(&cfg.Backing, "backing", default0.Backing, "Block file backing: mem, file or mmap")
	flags.IntVar(&cfg.CacheSize, "cache-size", default0.CacheSize, "Number of pages cached per block file")
	flags.IntVar(&cfg.NodeCacheSize, "node-cache-size", default0.NodeCacheSize, "Number of decoded terms cached by the node table")
	flags.Int64Var(&cfg.MaxSize, "max-size", default0.MaxSize, "Maximum size in bytes of an mmap-backed block file")
	flags.BoolVar(&cfg.FsyncEnabled, "fsync", default0.FsyncEnabled, "Enable fsync of the journal and block files")
	flags.BoolVar(&cfg.ReadCommittedPromotion, "read-committed-promotion", default0.ReadCommittedPromotion, "Promote readers onto the latest committed generation instead of failing")
	cfg.WriterTimeout = default0.WriterTimeout
	flags.Var(&cfg.WriterTimeout, "writer-timeout", "How long a writer waits for the previous writer. 0 waits forever.")
	flags.IntVar(&cfg.CheckpointThreshold, "checkpoint-threshold", default0.CheckpointThreshold, "Checkpoint once this many pages are pending. 0 checkpoints after every commit.")
	flags.Int64Var(&cfg.MinFreeSpace, "min-free-space", default0.MinFreeSpace, "Minimum free bytes required on the location filesystem to commit")
	flags.BoolVar(&cfg.Verbose, "verbose", default0.Verbose, "Enable debug logging")
}
