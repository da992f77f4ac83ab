// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package ctl implements the diagnostic commands of the quadstore binary.
// Each command is a struct with exported options and a Run method; package
// cmd wires them to cobra.
package ctl

import (
	"io"

	"github.com/molecula/quadstore"
	"github.com/molecula/quadstore/cfg"
	"github.com/molecula/quadstore/logger"
)

// CmdIO holds standard unix inputs and outputs.
type CmdIO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	logger logger.Logger
}

// NewCmdIO returns a new instance of CmdIO with inputs and outputs set to the
// arguments.
func NewCmdIO(stdin io.Reader, stdout, stderr io.Writer) *CmdIO {
	return &CmdIO{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		logger: logger.NewStandardLogger(stderr),
	}
}

func (c *CmdIO) Logger() logger.Logger {
	return c.logger
}

// SetLogger replaces the logger commands pass to the store.
func (c *CmdIO) SetLogger(l logger.Logger) { c.logger = l }

// LocationCommand holds what every command that opens a location needs.
type LocationCommand struct {
	*CmdIO

	// Location directory.
	Path string

	// Store options. Path is overridden by the field above.
	Config *cfg.Config
}

func newLocationCommand(stdin io.Reader, stdout, stderr io.Writer) LocationCommand {
	return LocationCommand{
		CmdIO:  NewCmdIO(stdin, stdout, stderr),
		Config: cfg.NewDefaultConfig(),
	}
}

// open opens the location, recovering it from its journal.
func (cmd *LocationCommand) open() (*quadstore.DB, error) {
	c := *cmd.Config
	c.Path = cmd.Path
	if c.Backing == cfg.BackingMem {
		c.Backing = cfg.BackingFile
	}
	return quadstore.Open(&c, quadstore.OptLogger(cmd.Logger()))
}
