// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/molecula/quadstore"
	"github.com/molecula/quadstore/bptree"
	"github.com/molecula/quadstore/nodetable"
)

// DumpIndexCommand prints every record of one index in index order.
type DumpIndexCommand struct {
	LocationCommand

	// Index name, such as SPO or GPOS.
	Index string

	// Print node ids instead of terms.
	Raw bool
}

// NewDumpIndexCommand returns a new instance of DumpIndexCommand.
func NewDumpIndexCommand(stdin io.Reader, stdout, stderr io.Writer) *DumpIndexCommand {
	return &DumpIndexCommand{LocationCommand: newLocationCommand(stdin, stdout, stderr)}
}

// findIndex returns the schema holding the named index and its position.
func findIndex(name string) (*quadstore.TableSchema, int, error) {
	name = strings.ToUpper(strings.TrimSuffix(name, ".idx"))
	for _, schema := range []*quadstore.TableSchema{quadstore.TripleSchema, quadstore.QuadSchema} {
		for i, perm := range schema.Perms {
			if perm.Name == name {
				return schema, i, nil
			}
		}
	}
	return nil, 0, fmt.Errorf("unknown index %q, want one of %s", name, strings.Join(quadstore.TripleIndexes, ", ")+", "+strings.Join(quadstore.QuadIndexes, ", "))
}

// Run prints the index. Terms are written in N-Triples form with the
// columns in index order.
func (cmd *DumpIndexCommand) Run(ctx context.Context) error {
	schema, i, err := findIndex(cmd.Index)
	if err != nil {
		return err
	}
	perm := schema.Perms[i]

	db, err := cmd.open()
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(ctx, func(tx *quadstore.Tx) error {
		table := tx.Triples()
		if schema == quadstore.QuadSchema {
			table = tx.Quads()
		}
		itr, err := table.FindIn(i, make(bptree.Record, schema.Arity()))
		if err != nil {
			return err
		}
		defer itr.Close()

		fields := make([]string, schema.Arity())
		for {
			rec, err := itr.Next()
			if err == io.EOF {
				return nil
			} else if err != nil {
				return err
			}
			key := perm.Project(rec)
			for j, id := range key {
				if cmd.Raw {
					fields[j] = fmt.Sprint(id)
					continue
				}
				term, err := tx.Decode(nodetable.NodeID(id))
				if err != nil {
					return err
				}
				fields[j] = term.String()
			}
			fmt.Fprintln(cmd.Stdout, strings.Join(fields, " "))
		}
	})
}

// DumpNodesCommand prints every entry of the node table.
type DumpNodesCommand struct {
	LocationCommand
}

// NewDumpNodesCommand returns a new instance of DumpNodesCommand.
func NewDumpNodesCommand(stdin io.Reader, stdout, stderr io.Writer) *DumpNodesCommand {
	return &DumpNodesCommand{LocationCommand: newLocationCommand(stdin, stdout, stderr)}
}

// Run prints one "id offset term" line per node id.
func (cmd *DumpNodesCommand) Run(ctx context.Context) error {
	db, err := cmd.open()
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(ctx, func(tx *quadstore.Tx) error {
		return tx.ScanNodes(func(rec nodetable.ObjectRecord) error {
			_, err := fmt.Fprintf(cmd.Stdout, "%d\t%d\t%s\n", rec.ID, rec.Offset, rec.Term)
			return err
		})
	})
}
