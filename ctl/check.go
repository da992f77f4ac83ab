// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"
)

// CheckCommand runs an integrity check of a location.
type CheckCommand struct {
	LocationCommand
}

// NewCheckCommand returns a new instance of CheckCommand.
func NewCheckCommand(stdin io.Reader, stdout, stderr io.Writer) *CheckCommand {
	return &CheckCommand{LocationCommand: newLocationCommand(stdin, stdout, stderr)}
}

// Run checks every index and the node table.
func (cmd *CheckCommand) Run(ctx context.Context) error {
	db, err := cmd.open()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Check(ctx); err != nil {
		fmt.Fprintln(cmd.Stdout, err)
		return fmt.Errorf("check failed")
	}
	fmt.Fprintln(cmd.Stdout, "ok")
	return nil
}
