// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"

	log "github.com/sirupsen/logrus"
)

type ingester struct {
	matrixFile  string
	genesFile   string
	cellsFile   string
	sample      string
	outputFile  string
	minCells    int
	minFeatures int
	mitoPattern string
}

func (cmd *ingester) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.matrixFile, "matrix", "", "MatrixMarket counts `file` (.mtx or .mtx.gz)")
	flags.StringVar(&cmd.genesFile, "genes", "", "gene identifier list `file`")
	flags.StringVar(&cmd.cellsFile, "cells", "", "cell identifier list `file`")
	flags.StringVar(&cmd.sample, "sample", "", "sample `label` attached to every cell")
	flags.StringVar(&cmd.outputFile, "o", "", "output dataset `file`")
	flags.IntVar(&cmd.minCells, "min-cells", 3, "drop genes detected in fewer than `N` cells")
	flags.IntVar(&cmd.minFeatures, "min-features", 200, "drop cells with fewer than `N` detected genes")
	flags.StringVar(&cmd.mitoPattern, "mito-pattern", DefaultMitoPattern, "`regexp` matching mitochondrial gene names")
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if cmd.matrixFile == "" || cmd.genesFile == "" || cmd.cellsFile == "" || cmd.sample == "" || cmd.outputFile == "" {
		flags.Usage()
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	log.Printf("%s: reading", cmd.matrixFile)
	ds, err := LoadMatrix(cmd.matrixFile, cmd.genesFile, cmd.cellsFile, IngestOptions{
		MinCells:    cmd.minCells,
		MinFeatures: cmd.minFeatures,
	})
	if err != nil {
		return 1
	}
	ds.SetSample(cmd.sample)
	err = ds.EnsureMetrics(cmd.mitoPattern)
	if err != nil {
		return 1
	}
	log.Printf("sample %s: %d genes x %d cells after ingest filters", cmd.sample, ds.NumGenes(), ds.NumCells())
	err = SaveDatasetFile(cmd.outputFile, ds)
	if err != nil {
		return 1
	}
	return 0
}
