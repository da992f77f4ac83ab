// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cfg_test

import (
	"testing"
	"time"

	"github.com/molecula/quadstore/cfg"
	"github.com/pelletier/go-toml"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_DefineFlags(t *testing.T) {
	c := cfg.NewDefaultConfig()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.DefineFlags(flags)

	require.NoError(t, flags.Parse([]string{
		"--backing=mmap",
		"--writer-timeout=250ms",
		"--read-committed-promotion",
		"--checkpoint-threshold=0",
	}))
	assert.Equal(t, cfg.BackingMmap, c.Backing)
	assert.Equal(t, 250*time.Millisecond, c.WriterTimeoutDuration())
	assert.True(t, c.ReadCommittedPromotion)
	assert.Equal(t, 0, c.CheckpointThreshold)
	assert.Equal(t, cfg.NewDefaultConfig().CacheSize, c.CacheSize)
}

func TestConfig_Validate(t *testing.T) {
	c := cfg.NewDefaultConfig()
	assert.Error(t, c.Validate(), "file backing without a path")

	c.Backing = cfg.BackingMem
	assert.NoError(t, c.Validate())

	c.Backing = "tape"
	assert.Error(t, c.Validate())

	c = cfg.NewDefaultConfig()
	c.Path = t.TempDir()
	c.CacheSize = 0
	assert.Error(t, c.Validate())
}

func TestConfig_TOML(t *testing.T) {
	c := cfg.NewDefaultConfig()
	c.Path = "/var/lib/quadstore"
	require.NoError(t, c.WriterTimeout.Set("5s"))

	buf, err := toml.Marshal(*c)
	require.NoError(t, err)
	assert.Contains(t, string(buf), `path = "/var/lib/quadstore"`)
	assert.Contains(t, string(buf), `writer-timeout = "5s"`)
	assert.Contains(t, string(buf), `backing = "file"`)
}
