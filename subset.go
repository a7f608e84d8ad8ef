// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"errors"
	"flag"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

type subsetcmd struct {
	mitoPattern string
}

// subset extracts an independent child dataset for recursive
// analysis: normalize, reduce, cluster and diffexp all rerun on the
// child from scratch, with their own cluster label space.
func (cmd *subsetcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "", "input dataset `file`")
	outputFilename := flags.String("o", "", "output dataset `file`")
	group := flags.String("group", "", "cells to keep (`cluster=...` or `sample=...`)")
	flags.StringVar(&cmd.mitoPattern, "mito-pattern", DefaultMitoPattern, "`regexp` matching mitochondrial gene names")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *inputFilename == "" || *outputFilename == "" || *group == "" {
		flags.Usage()
		return 2
	}

	spec, err := ParseGroupSpec(*group)
	if err != nil {
		return 2
	}
	if spec.Rest {
		err = fmt.Errorf("subset: %q does not name a concrete group", *group)
		return 2
	}

	log.Printf("%s: reading", *inputFilename)
	ds, err := LoadDatasetFile(*inputFilename)
	if err != nil {
		return 1
	}
	child, err := ds.SubsetWhere("subset", func(_ int, ci *CellInfo) bool {
		return spec.matches(ci)
	})
	var warn *EmptyResultWarning
	if errors.As(err, &warn) {
		log.Warnf("%s: group %q matches no cells (input %s)", warn, spec.Name, *inputFilename)
		err = nil
	} else if err != nil {
		return 1
	}
	err = child.EnsureMetrics(cmd.mitoPattern)
	if err != nil {
		return 1
	}
	log.Printf("extracted %d of %d cells for group %q", child.NumCells(), ds.NumCells(), spec.Name)
	err = SaveDatasetFile(*outputFilename, child)
	if err != nil {
		return 1
	}
	return 0
}
