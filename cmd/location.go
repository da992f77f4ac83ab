// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"

	"github.com/molecula/quadstore/ctl"
	"github.com/molecula/quadstore/logger"
	"github.com/spf13/cobra"
)

// bindLocation defines the store flags of c on cmd and returns a function
// that applies the positional path and the verbose flag before a run.
func bindLocation(cmd *cobra.Command, c *ctl.LocationCommand, stderr io.Writer) func(path string) {
	c.Config.DefineFlags(cmd.Flags())
	return func(path string) {
		c.Path = path
		if c.Config.Verbose {
			c.SetLogger(logger.NewVerboseLogger(stderr))
		}
	}
}

func newCheckCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	c := ctl.NewCheckCommand(stdin, stdout, stderr)
	cmd := &cobra.Command{
		Use:   "check <path>",
		Short: "Run a consistency check on a location.",
		Long: `
Checks the ordering and sibling links of every index, that every secondary
index holds as many records as its primary, and that every node id decodes
and re-encodes to itself.
`,
		Args: cobra.ExactArgs(1),
	}
	apply := bindLocation(cmd, &c.LocationCommand, stderr)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		apply(args[0])
		return c.Run(context.Background())
	}
	return cmd
}

func newCheckpointCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	c := ctl.NewCheckpointCommand(stdin, stdout, stderr)
	cmd := &cobra.Command{
		Use:   "checkpoint <path>",
		Short: "Replay the journal of a location and checkpoint it.",
		Args:  cobra.ExactArgs(1),
	}
	apply := bindLocation(cmd, &c.LocationCommand, stderr)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		apply(args[0])
		return c.Run(context.Background())
	}
	return cmd
}

func newCompactCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	c := ctl.NewCompactCommand(stdin, stdout, stderr)
	cmd := &cobra.Command{
		Use:   "compact <path> <dst>",
		Short: "Copy a location into a new one without dead records or terms.",
		Long: `
Writes every statement of the location at path into the empty location dst.
Only terms still referenced by a statement are copied, node ids are assigned
afresh, and every index is rebuilt bottom-up. The source is not modified.
`,
		Args: cobra.ExactArgs(2),
	}
	apply := bindLocation(cmd, &c.LocationCommand, stderr)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		apply(args[0])
		c.Dst = args[1]
		return c.Run(context.Background())
	}
	return cmd
}

func newDumpIndexCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	c := ctl.NewDumpIndexCommand(stdin, stdout, stderr)
	cmd := &cobra.Command{
		Use:   "dump-index <path> <index>",
		Short: "Print every record of an index.",
		Long: `
Prints every record of one index, such as SPO or GPOS, in index order. Each
line holds the terms of one record in the column order of the index.
`,
		Args: cobra.ExactArgs(2),
	}
	apply := bindLocation(cmd, &c.LocationCommand, stderr)
	cmd.Flags().BoolVar(&c.Raw, "raw", false, "Print node ids instead of terms")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		apply(args[0])
		c.Index = args[1]
		return c.Run(context.Background())
	}
	return cmd
}

func newDumpNodesCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	c := ctl.NewDumpNodesCommand(stdin, stdout, stderr)
	cmd := &cobra.Command{
		Use:   "dump-nodes <path>",
		Short: "Print the id, object file offset and term of every node.",
		Args:  cobra.ExactArgs(1),
	}
	apply := bindLocation(cmd, &c.LocationCommand, stderr)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		apply(args[0])
		return c.Run(context.Background())
	}
	return cmd
}

func newPagesCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	c := ctl.NewPagesCommand(stdin, stdout, stderr)
	cmd := &cobra.Command{
		Use:   "pages <path> <file>",
		Short: "Print the page table of a block file.",
		Long: `
Prints the type and header fields of every page of one block file, such as
SPO.idx or nodes-hash.idx.
`,
		Args: cobra.ExactArgs(2),
	}
	apply := bindLocation(cmd, &c.LocationCommand, stderr)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		apply(args[0])
		c.File = args[1]
		return c.Run(context.Background())
	}
	return cmd
}

func newStatsCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	c := ctl.NewStatsCommand(stdin, stdout, stderr)
	cmd := &cobra.Command{
		Use:   "stats <path>",
		Short: "Print table sizes, block file sizes and predicate statistics.",
		Args:  cobra.ExactArgs(1),
	}
	apply := bindLocation(cmd, &c.LocationCommand, stderr)
	cmd.Flags().IntVar(&c.Top, "top", c.Top, "Number of predicates to print, 0 for all")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		apply(args[0])
		return c.Run(context.Background())
	}
	return cmd
}
