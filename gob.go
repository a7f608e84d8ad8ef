// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/pgzip"
)

// datasetEnt is the gob wire form of a Dataset. The sparse counts
// travel as coordinate triplets and are rebuilt on load, so a
// save/load round trip reproduces the matrix, axis order and derived
// layers exactly.
type datasetEnt struct {
	Genes       []string
	Cells       []string
	CellMeta    []CellInfo
	GeneMeta    []GeneInfo
	Layers      map[LayerKind]*Layer
	Norm        *NormInfo
	Rows, Cols  int
	RowInd      []int
	ColInd      []int
	Values      []float64
	MetricsFP   []byte
	MitoPattern string
}

// WriteDataset encodes ds to w, pgzip-compressed when gz is true.
func WriteDataset(w io.Writer, ds *Dataset, gz bool) error {
	var out io.Writer = w
	var gzw *pgzip.Writer
	if gz {
		gzw = pgzip.NewWriter(w)
		out = gzw
	}
	ent := datasetEnt{
		Genes:       ds.Genes,
		Cells:       ds.Cells,
		CellMeta:    ds.CellMeta,
		GeneMeta:    ds.GeneMeta,
		Layers:      ds.Layers,
		Norm:        ds.Norm,
		MetricsFP:   ds.metricsFP,
		MitoPattern: ds.mitoPattern,
	}
	ent.Rows, ent.Cols = ds.counts.Dims()
	nnz := ds.counts.NNZ()
	ent.RowInd = make([]int, 0, nnz)
	ent.ColInd = make([]int, 0, nnz)
	ent.Values = make([]float64, 0, nnz)
	ds.counts.DoNonZero(func(i, j int, v float64) {
		ent.RowInd = append(ent.RowInd, i)
		ent.ColInd = append(ent.ColInd, j)
		ent.Values = append(ent.Values, v)
	})
	err := gob.NewEncoder(out).Encode(ent)
	if err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if gzw != nil {
		return gzw.Close()
	}
	return nil
}

// LoadDataset decodes a Dataset from rdr, decompressing when gz is
// true.
func LoadDataset(rdr io.Reader, gz bool) (*Dataset, error) {
	if gz {
		gzr, err := pgzip.NewReader(bufio.NewReaderSize(rdr, 1<<22))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gzr.Close()
		rdr = gzr
	}
	var ent datasetEnt
	err := gob.NewDecoder(bufio.NewReaderSize(rdr, 1<<22)).Decode(&ent)
	if err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	counts := sparseCSR(ent.Rows, ent.Cols, ent.RowInd, ent.ColInd, ent.Values)
	ds, err := NewDataset(ent.Genes, ent.Cells, counts)
	if err != nil {
		return nil, err
	}
	if len(ent.CellMeta) == len(ent.Cells) {
		ds.CellMeta = ent.CellMeta
	}
	if len(ent.GeneMeta) == len(ent.Genes) {
		ds.GeneMeta = ent.GeneMeta
	}
	if ent.Layers != nil {
		ds.Layers = ent.Layers
	}
	ds.Norm = ent.Norm
	ds.metricsFP = ent.MetricsFP
	ds.mitoPattern = ent.MitoPattern
	return ds, nil
}

// SaveDatasetFile writes ds to path, compressing when the name ends
// in .gz.
func SaveDatasetFile(path string, ds *Dataset) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	err = WriteDataset(bufw, ds, strings.HasSuffix(path, ".gz"))
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}

// LoadDatasetFile reads a Dataset written by SaveDatasetFile.
func LoadDatasetFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadDataset(f, strings.HasSuffix(path, ".gz"))
}
