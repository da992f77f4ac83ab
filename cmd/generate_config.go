// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"

	"github.com/molecula/quadstore/ctl"
	"github.com/spf13/cobra"
)

func newGenerateConfigCommand(stdin io.Reader, stdout io.Writer, stderr io.Writer) *cobra.Command {
	generateConf := ctl.NewGenerateConfigCommand(stdin, stdout, stderr)
	return &cobra.Command{
		Use:   "generate-config",
		Short: "Print the default configuration.",
		Long: `generate-config prints the default configuration to stdout
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return generateConf.Run(context.Background())
		},
	}
}
