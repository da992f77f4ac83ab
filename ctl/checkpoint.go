// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"
)

// CheckpointCommand recovers a location from its journal and checkpoints it,
// leaving the journal empty.
type CheckpointCommand struct {
	LocationCommand
}

// NewCheckpointCommand returns a new instance of CheckpointCommand.
func NewCheckpointCommand(stdin io.Reader, stdout, stderr io.Writer) *CheckpointCommand {
	return &CheckpointCommand{LocationCommand: newLocationCommand(stdin, stdout, stderr)}
}

// Run opens the location, which replays the journal, and checkpoints.
func (cmd *CheckpointCommand) Run(_ context.Context) error {
	db, err := cmd.open()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Checkpoint(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.Stdout, "checkpointed at generation %d\n", db.Manager().Generation().ID())
	return nil
}
