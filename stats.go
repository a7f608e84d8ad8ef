// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
)

type statscmd struct{}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "", "input dataset `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *inputFilename == "" {
		flags.Usage()
		return 2
	}

	ds, err := LoadDatasetFile(*inputFilename)
	if err != nil {
		return 1
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	err = doStats(ds, bufw)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

func doStats(ds *Dataset, output io.Writer) error {
	var ret struct {
		Genes          int
		Cells          int
		NonZeroEntries int
		CellsPerSample map[string]int
		Layers         []string
		HighlyVariable int
		Clusters       []int `json:",omitempty"`
		SkippedGenes   int
		MedianCounts   float64
		MedianFeatures float64
	}
	ret.Genes = ds.NumGenes()
	ret.Cells = ds.NumCells()
	ret.NonZeroEntries = ds.Counts().NNZ()
	ret.CellsPerSample = map[string]int{}
	var totals, feats []float64
	for _, ci := range ds.CellMeta {
		ret.CellsPerSample[ci.Sample]++
		totals = append(totals, ci.TotalCount)
		feats = append(feats, float64(ci.FeatureCount))
	}
	ret.MedianCounts = median(totals)
	ret.MedianFeatures = median(feats)
	var layers []string
	for kind := range ds.Layers {
		layers = append(layers, kind.String())
	}
	sort.Strings(layers)
	ret.Layers = layers
	for _, gi := range ds.GeneMeta {
		if gi.HighlyVariable {
			ret.HighlyVariable++
		}
	}
	if n := ds.NumClusters(); n > 0 {
		ret.Clusters = make([]int, n)
		for _, ci := range ds.CellMeta {
			ret.Clusters[ci.Cluster]++
		}
	}
	if ds.Norm != nil {
		ret.SkippedGenes = len(ds.Norm.Skipped)
	}
	return json.NewEncoder(output).Encode(ret)
}
