// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
)

// IngestOptions control thresholds applied while loading a raw
// sample: genes detected in fewer than MinCells cells and cells with
// fewer than MinFeatures detected genes are dropped.
type IngestOptions struct {
	MinCells    int
	MinFeatures int
}

// openMaybeGzip opens path, transparently decompressing when the name
// ends in .gz.
func openMaybeGzip(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	gz, err := pgzip.NewReader(bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: gzip: %w", path, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{gz, f}, nil
}

// readIdentifiers reads one identifier per line. Tab-separated lines
// use the second field (10x feature files carry id, name, type) and
// fall back to the first.
func readIdentifiers(path string) ([]string, error) {
	rdr, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()
	var ids []string
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) >= 2 {
			ids = append(ids, fields[1])
		} else {
			ids = append(ids, fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ids, nil
}

type mtxEntry struct {
	row, col int
	val      float64
}

// readMatrixMarket parses a MatrixMarket coordinate-format matrix.
func readMatrixMarket(name string, rdr io.Reader) (rows, cols int, entries []mtxEntry, err error) {
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	sawSize := false
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		fields := strings.Fields(line)
		if !sawSize {
			if len(fields) != 3 {
				return 0, 0, nil, &IngestionError{Input: name, Reason: fmt.Sprintf("line %d: expected size header with 3 fields, got %d", lineno, len(fields))}
			}
			rows, err = strconv.Atoi(fields[0])
			if err == nil {
				cols, err = strconv.Atoi(fields[1])
			}
			if err != nil {
				return 0, 0, nil, &IngestionError{Input: name, Reason: fmt.Sprintf("line %d: bad size header: %s", lineno, err)}
			}
			sawSize = true
			continue
		}
		if len(fields) != 3 {
			return 0, 0, nil, &IngestionError{Input: name, Reason: fmt.Sprintf("line %d: expected 3 fields, got %d", lineno, len(fields))}
		}
		r, err1 := strconv.Atoi(fields[0])
		c, err2 := strconv.Atoi(fields[1])
		v, err3 := strconv.ParseFloat(fields[2], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return 0, 0, nil, &IngestionError{Input: name, Reason: fmt.Sprintf("line %d: bad entry %q", lineno, line)}
		}
		if r < 1 || r > rows || c < 1 || c > cols {
			return 0, 0, nil, &IngestionError{Input: name, Reason: fmt.Sprintf("line %d: entry (%d,%d) outside %dx%d matrix", lineno, r, c, rows, cols)}
		}
		entries = append(entries, mtxEntry{row: r - 1, col: c - 1, val: v})
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, nil, fmt.Errorf("%s: %w", name, err)
	}
	if !sawSize {
		return 0, 0, nil, &IngestionError{Input: name, Reason: "missing size header"}
	}
	return rows, cols, entries, nil
}

// LoadMatrix ingests one sample from three co-indexed sources: a
// MatrixMarket sparse counts file (genes x cells), a gene identifier
// list, and a cell identifier list. Genes below opt.MinCells and
// cells below opt.MinFeatures are dropped. Returns an
// *IngestionError on mismatched dimensions or if nothing survives
// filtering.
func LoadMatrix(matrixPath, genesPath, cellsPath string, opt IngestOptions) (*Dataset, error) {
	rdr, err := openMaybeGzip(matrixPath)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()
	rows, cols, entries, err := readMatrixMarket(matrixPath, rdr)
	if err != nil {
		return nil, err
	}
	genes, err := readIdentifiers(genesPath)
	if err != nil {
		return nil, err
	}
	cells, err := readIdentifiers(cellsPath)
	if err != nil {
		return nil, err
	}
	if len(genes) != rows {
		return nil, &IngestionError{Input: genesPath, Reason: fmt.Sprintf("%d identifiers but matrix has %d rows", len(genes), rows)}
	}
	if len(cells) != cols {
		return nil, &IngestionError{Input: cellsPath, Reason: fmt.Sprintf("%d identifiers but matrix has %d columns", len(cells), cols)}
	}

	geneCells := make([]int, rows)
	cellFeats := make([]int, cols)
	for _, e := range entries {
		if e.val > 0 {
			geneCells[e.row]++
			cellFeats[e.col]++
		}
	}
	keepGene := make([]int, rows)
	ngenes := 0
	for i, n := range geneCells {
		if n >= opt.MinCells {
			keepGene[i] = ngenes
			ngenes++
		} else {
			keepGene[i] = -1
		}
	}
	keepCell := make([]int, cols)
	ncells := 0
	for j, n := range cellFeats {
		if n >= opt.MinFeatures {
			keepCell[j] = ncells
			ncells++
		} else {
			keepCell[j] = -1
		}
	}
	if ngenes == 0 || ncells == 0 {
		return nil, &IngestionError{Input: matrixPath, Reason: fmt.Sprintf("matrix empty after filtering (%d genes, %d cells remain)", ngenes, ncells)}
	}

	outGenes := make([]string, 0, ngenes)
	for i, g := range genes {
		if keepGene[i] >= 0 {
			outGenes = append(outGenes, g)
		}
	}
	outCells := make([]string, 0, ncells)
	for j, c := range cells {
		if keepCell[j] >= 0 {
			outCells = append(outCells, c)
		}
	}
	var ri, ci []int
	var vals []float64
	for _, e := range entries {
		i, j := keepGene[e.row], keepCell[e.col]
		if i >= 0 && j >= 0 {
			ri = append(ri, i)
			ci = append(ci, j)
			vals = append(vals, e.val)
		}
	}
	counts := sparseCSR(ngenes, ncells, ri, ci, vals)
	return NewDataset(outGenes, outCells, counts)
}
