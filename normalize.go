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

type normalizecmd struct {
	opts NormOptions
}

func (cmd *normalizecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.Float64Var(&cmd.opts.ClipMax, "clip", 0, "clip residuals to +/- `MAX` (0 = sqrt of cell count)")
	flags.IntVar(&cmd.opts.NumHVG, "hvg", 3000, "flag the top `N` genes by residual variance as highly variable")
	flags.IntVar(&cmd.opts.Workers, "workers", 0, "worker threads (`0` = all CPUs)")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
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

	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	log.Printf("%s: reading", *inputFilename)
	ds, err := LoadDatasetFile(*inputFilename)
	if err != nil {
		return 1
	}
	log.Printf("fitting depth regression for %d genes over %d cells", ds.NumGenes(), ds.NumCells())
	err = ds.Normalize(cmd.opts)
	if err != nil {
		return 1
	}
	if n := len(ds.Norm.Skipped); n > 0 {
		log.Warnf("%d genes skipped during normalization", n)
		for _, sk := range ds.Norm.Skipped {
			log.Debugf("skipped %s: %s", sk.Gene, sk.Reason)
		}
	}
	log.Printf("flagged %d highly variable genes", len(ds.HighlyVariableGenes()))
	err = SaveDatasetFile(*outputFilename, ds)
	if err != nil {
		return 1
	}
	return 0
}
