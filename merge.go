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

// MergeDatasets concatenates per-sample datasets into one. The output
// gene axis is the union of all input gene axes in first-seen order
// (stable across reruns, so downstream indexing is reproducible);
// entries for genes absent from a sample are zero. Cell identifiers
// are prefixed with their sample label to guarantee global
// uniqueness. Returns a *MergeError if the input set is empty, a
// sample label is missing, or the same label appears in two inputs.
func MergeDatasets(inputs []*Dataset) (*Dataset, error) {
	if len(inputs) == 0 {
		return nil, &MergeError{Reason: "no input datasets"}
	}
	sampleOf := map[string]int{}
	for n, in := range inputs {
		for _, label := range in.Samples() {
			if label == "" {
				return nil, &MergeError{Reason: fmt.Sprintf("input %d has cells with no sample label", n)}
			}
			if prev, ok := sampleOf[label]; ok && prev != n {
				return nil, &MergeError{Sample: label, Reason: fmt.Sprintf("label appears in inputs %d and %d", prev, n)}
			}
			sampleOf[label] = n
		}
	}

	var genes []string
	geneIdx := map[string]int{}
	for _, in := range inputs {
		for _, g := range in.Genes {
			if _, ok := geneIdx[g]; !ok {
				geneIdx[g] = len(genes)
				genes = append(genes, g)
			}
		}
	}

	var cells []string
	var samples []string
	var ri, ci []int
	var vals []float64
	for _, in := range inputs {
		rowmap := make([]int, in.NumGenes())
		for i, g := range in.Genes {
			rowmap[i] = geneIdx[g]
		}
		offset := len(cells)
		for j, cell := range in.Cells {
			cells = append(cells, in.CellMeta[j].Sample+"_"+cell)
			samples = append(samples, in.CellMeta[j].Sample)
		}
		in.Counts().DoNonZero(func(i, j int, v float64) {
			ri = append(ri, rowmap[i])
			ci = append(ci, offset+j)
			vals = append(vals, v)
		})
	}
	counts := sparseCSR(len(genes), len(cells), ri, ci, vals)
	out, err := NewDataset(genes, cells, counts)
	if err != nil {
		return nil, err
	}
	for j := range out.CellMeta {
		out.CellMeta[j].Sample = samples[j]
	}
	return out, nil
}

type merger struct {
	outputFile  string
	mitoPattern string
}

func (cmd *merger) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	flags.StringVar(&cmd.outputFile, "o", "", "output dataset `file`")
	flags.StringVar(&cmd.mitoPattern, "mito-pattern", DefaultMitoPattern, "`regexp` matching mitochondrial gene names")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if cmd.outputFile == "" || flags.NArg() == 0 {
		flags.Usage()
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	var inputs []*Dataset
	for _, path := range flags.Args() {
		log.Printf("%s: reading", path)
		ds, err2 := LoadDatasetFile(path)
		if err2 != nil {
			err = err2
			return 1
		}
		inputs = append(inputs, ds)
	}
	merged, err := MergeDatasets(inputs)
	if err != nil {
		return 1
	}
	err = merged.EnsureMetrics(cmd.mitoPattern)
	if err != nil {
		return 1
	}
	log.Printf("merged %d inputs: %d genes x %d cells", len(inputs), merged.NumGenes(), merged.NumCells())
	err = SaveDatasetFile(cmd.outputFile, merged)
	if err != nil {
		return 1
	}
	return 0
}
