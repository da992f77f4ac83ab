// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package cmd wires the commands of package ctl to cobra.
package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix prefixes the environment variable of every flag.
const envPrefix = "QUADSTORE"

func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "quadstore",
		Short: "Inspect and maintain quadstore locations.",
		Long: `Inspect and maintain quadstore locations.

Every command that takes a <path> opens the location the same way the store
does, replaying any committed transactions left in its journal. Store options
may be given as flags, as QUADSTORE_* environment variables or in a TOML file
passed with --config.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			return setAllConfig(v, cmd.Flags())
		},
	}
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from.")

	rc.AddCommand(newCheckCommand(stdin, stdout, stderr))
	rc.AddCommand(newCheckpointCommand(stdin, stdout, stderr))
	rc.AddCommand(newCompactCommand(stdin, stdout, stderr))
	rc.AddCommand(newDumpIndexCommand(stdin, stdout, stderr))
	rc.AddCommand(newDumpNodesCommand(stdin, stdout, stderr))
	rc.AddCommand(newGenerateConfigCommand(stdin, stdout, stderr))
	rc.AddCommand(newPagesCommand(stdin, stdout, stderr))
	rc.AddCommand(newStatsCommand(stdin, stdout, stderr))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// setAllConfig takes a FlagSet to be the definition of all configuration
// options, as well as their defaults. It then reads from the command line, the
// environment, and a config file (if specified), and applies the configuration
// in that priority order. Since each flag in the set contains a pointer to
// where its value should be stored, setAllConfig can directly modify the value
// of each config variable.
//
// Environment variables are capitalized flag names with dashes replaced by
// underscores, prefixed with QUADSTORE_.
func setAllConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	validTags := make(map[string]bool)
	flags.VisitAll(func(f *pflag.Flag) {
		validTags[f.Name] = true
	})

	if c := v.GetString("config"); c != "" {
		v.SetConfigFile(c)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading configuration file '%s': %v", c, err)
		}
		for _, key := range v.AllKeys() {
			if !validTags[key] {
				return fmt.Errorf("invalid option in configuration file: %v", key)
			}
		}
	}

	var flagErr error
	flags.VisitAll(func(f *pflag.Flag) {
		// A flag given on the command line has the highest priority and is
		// already set.
		if flagErr != nil || f.Changed {
			return
		}
		if err := f.Value.Set(v.GetString(f.Name)); err != nil {
			flagErr = fmt.Errorf("%s: %w", f.Name, err)
		}
	})
	return flagErr
}
