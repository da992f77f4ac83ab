// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"

	"github.com/molecula/quadstore/errors"
)

// CompactCommand copies a location into a new one holding only live records
// and the terms they reference.
type CompactCommand struct {
	LocationCommand

	// Destination location directory. It must not hold any records.
	Dst string
}

// NewCompactCommand returns a new instance of CompactCommand.
func NewCompactCommand(stdin io.Reader, stdout, stderr io.Writer) *CompactCommand {
	return &CompactCommand{LocationCommand: newLocationCommand(stdin, stdout, stderr)}
}

// Run opens the source location and compacts it into Dst.
func (cmd *CompactCommand) Run(ctx context.Context) error {
	if cmd.Dst == "" {
		return errors.New(errors.ErrInvalidRecord, "destination required")
	}
	db, err := cmd.open()
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := db.Compact(ctx, cmd.Dst)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.Stdout, "compacted %d triples and %d quads, %d of %d nodes kept\n", res.Triples, res.Quads, res.Nodes, res.NodesBefore)
	return nil
}
