// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

type exportNumpy struct{}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	which := flags.String("data", "residual", "matrix to export (`residual`, corrected, pca, or umap)")
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

	var data []float64
	var rows, cols int
	switch *which {
	case "residual", "corrected":
		kind := LayerResidual
		if *which == "corrected" {
			kind = LayerCorrected
		}
		layer, ok := ds.Layers[kind]
		if !ok {
			err = fmt.Errorf("%s: no %s layer; run normalize first", *inputFilename, *which)
			return 1
		}
		rows, cols, data = layer.Rows, layer.Cols, layer.Data
	case "pca":
		for j, ci := range ds.CellMeta {
			if len(ci.PCA) == 0 {
				err = fmt.Errorf("%s: cell %q has no PCA coordinates; run reduce first", *inputFilename, ds.Cells[j])
				return 1
			}
			if cols == 0 {
				cols = len(ci.PCA)
			}
			data = append(data, ci.PCA...)
		}
		rows = ds.NumCells()
	case "umap":
		for j, ci := range ds.CellMeta {
			if len(ci.UMAP) == 0 {
				err = fmt.Errorf("%s: cell %q has no UMAP coordinates; run reduce first", *inputFilename, ds.Cells[j])
				return 1
			}
			data = append(data, ci.UMAP...)
		}
		rows, cols = ds.NumCells(), 2
	default:
		err = fmt.Errorf("unknown -data %q", *which)
		return 2
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
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return 1
	}
	npw.Shape = []int{rows, cols}
	log.Printf("writing %s matrix: %d rows, %d cols", *which, rows, cols)
	err = npw.WriteFloat64(data)
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
