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

type reducecmd struct {
	pcaOpts  PCAOptions
	umapOpts UMAPOptions
	usePCs   int
}

func (cmd *reducecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "", "input dataset `file`")
	outputFilename := flags.String("o", "", "output dataset `file`")
	flags.IntVar(&cmd.pcaOpts.Components, "components", 50, "number of principal `components`")
	flags.BoolVar(&cmd.pcaOpts.UnitVariance, "unit-variance", false, "scale genes to unit variance before projection")
	flags.Float64Var(&cmd.pcaOpts.ScaleMax, "scale-max", 10, "clip scaled values to +/- `MAX`")
	flags.IntVar(&cmd.usePCs, "use-pcs", 30, "embed from the leading `N` components")
	flags.IntVar(&cmd.umapOpts.Neighbors, "neighbors", 15, "UMAP neighborhood size `K`")
	flags.Float64Var(&cmd.umapOpts.MinDist, "min-dist", 0.1, "UMAP minimum `distance` between embedded points")
	flags.IntVar(&cmd.umapOpts.Epochs, "epochs", 200, "UMAP optimization `epochs`")
	flags.Uint64Var(&cmd.umapOpts.Seed, "seed", 1, "random `seed`")
	flags.IntVar(&cmd.umapOpts.Workers, "workers", 0, "worker threads (`0` = all CPUs)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *inputFilename == "" || *outputFilename == "" {
		flags.Usage()
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	log.Printf("%s: reading", *inputFilename)
	ds, err := LoadDatasetFile(*inputFilename)
	if err != nil {
		return 1
	}
	log.Printf("projecting %d cells onto %d components", ds.NumCells(), cmd.pcaOpts.Components)
	err = ds.RunPCA(cmd.pcaOpts)
	if err != nil {
		return 1
	}
	log.Printf("embedding from leading %d components (seed=%d)", cmd.usePCs, cmd.umapOpts.Seed)
	err = ds.RunUMAP(cmd.usePCs, cmd.umapOpts)
	if err != nil {
		return 1
	}
	err = SaveDatasetFile(*outputFilename, ds)
	if err != nil {
		return 1
	}
	return 0
}
