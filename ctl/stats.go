// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/table"
	"github.com/molecula/quadstore"
	"github.com/molecula/quadstore/block"
)

// StatsCommand prints the stats file and the size of every block file.
type StatsCommand struct {
	LocationCommand

	// Number of predicates to list. Zero lists all.
	Top int
}

// NewStatsCommand returns a new instance of StatsCommand.
func NewStatsCommand(stdin io.Reader, stdout, stderr io.Writer) *StatsCommand {
	return &StatsCommand{
		LocationCommand: newLocationCommand(stdin, stdout, stderr),
		Top:             20,
	}
}

// Run prints the statistics.
func (cmd *StatsCommand) Run(ctx context.Context) error {
	db, err := cmd.open()
	if err != nil {
		return err
	}
	defer db.Close()

	files := table.NewWriter()
	files.SetOutputMirror(cmd.Stdout)
	files.AppendHeader(table.Row{"FILE", "PAGES", "SIZE"})
	for i, name := range quadstore.BlockFiles {
		n := db.Store(i).PageN()
		files.AppendRow(table.Row{name, humanize.Comma(int64(n)), humanize.IBytes(uint64(n) * block.PageSize)})
	}

	if err := db.View(ctx, func(tx *quadstore.Tx) error {
		triples, err := tx.Triples().Size()
		if err != nil {
			return err
		}
		quads, err := tx.Quads().Size()
		if err != nil {
			return err
		}
		nodes, err := tx.NodeN()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.Stdout, "generation %d: %s triples, %s quads, %s nodes\n",
			tx.Txn().Generation().ID(), humanize.Comma(int64(triples)), humanize.Comma(int64(quads)), humanize.Comma(int64(nodes)))
		return nil
	}); err != nil {
		return err
	}
	files.Render()

	stats, err := db.ReadStats()
	if err != nil {
		return err
	} else if stats == nil {
		fmt.Fprintln(cmd.Stdout, "no stats file")
		return nil
	}
	fmt.Fprintf(cmd.Stdout, "\nstats of generation %d, %s\n", stats.Generation, humanize.Time(stats.Updated))
	preds := table.NewWriter()
	preds.SetOutputMirror(cmd.Stdout)
	preds.AppendHeader(table.Row{"PREDICATE", "COUNT"})
	for i, pc := range stats.Predicates {
		if cmd.Top > 0 && i >= cmd.Top {
			break
		}
		preds.AppendRow(table.Row{pc.Predicate, humanize.Comma(int64(pc.Count))})
	}
	preds.Render()
	return nil
}
