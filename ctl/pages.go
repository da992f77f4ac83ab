// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/table"
	"github.com/molecula/quadstore"
	"github.com/molecula/quadstore/block"
	"github.com/molecula/quadstore/errors"
)

// PagesCommand prints a table of the pages of one block file.
type PagesCommand struct {
	LocationCommand

	// Block file name, such as POS.idx or nodes-hash.idx. The .idx suffix
	// may be left off.
	File string
}

// NewPagesCommand returns a new instance of PagesCommand.
func NewPagesCommand(stdin io.Reader, stdout, stderr io.Writer) *PagesCommand {
	return &PagesCommand{LocationCommand: newLocationCommand(stdin, stdout, stderr)}
}

// Run prints one row per page, as seen by a read transaction.
func (cmd *PagesCommand) Run(ctx context.Context) error {
	file, ok := quadstore.FileByName(cmd.File)
	if !ok {
		return fmt.Errorf("unknown block file %q", cmd.File)
	}

	db, err := cmd.open()
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(ctx, func(tx *quadstore.Tx) error {
		v := tx.Txn().View(file)
		meta, err := v.Get(0)
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(cmd.Stdout)
		t.AppendHeader(table.Row{"ID", "TYPE", "COUNT", "NEXT", "AUX"})
		t.AppendRow(table.Row{0, block.PageTypeMeta, "-", "-", fmt.Sprintf("kind=%s,pageN=%d,freeN=%d", meta.FileKind(), meta.PageN(), meta.FreeN())})
		for pgno := uint32(1); pgno < meta.PageN(); pgno++ {
			p, err := v.Get(pgno)
			if errors.Is(err, errors.ErrBlockNotFound) {
				t.AppendRow(table.Row{pgno, block.PageTypeFree, "-", "-", "-"})
				continue
			} else if err != nil {
				return err
			}
			t.AppendRow(table.Row{pgno, p.Type(), p.Count(), p.Next(), p.Aux()})
		}
		t.Render()
		return nil
	})
}
