// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"fmt"
	"math"

	"github.com/james-bowman/nlp"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// PCAOptions configure the linear projection. Components defaults to
// 50, capped at the number of highly variable genes and cells.
type PCAOptions struct {
	Components   int
	UnitVariance bool
	// ScaleMax clips scaled values; 0 means 10.
	ScaleMax float64
}

// scaleRows centers each row of m to zero mean, optionally divides by
// the row standard deviation, and clips to +/- scaleMax.
func scaleRows(m *mat.Dense, unitVariance bool, scaleMax float64) {
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		row := m.RawRowView(i)
		mean, std := stat.MeanStdDev(row, nil)
		for j := 0; j < cols; j++ {
			v := row[j] - mean
			if unitVariance && std > 0 {
				v /= std
			}
			if v > scaleMax {
				v = scaleMax
			} else if v < -scaleMax {
				v = -scaleMax
			}
			row[j] = v
		}
	}
}

// RunPCA scales the residuals of the highly variable gene set and
// projects every cell onto the top principal components. Requires a
// prior Normalize. Deterministic: the decomposition is exact, so the
// same input and parameters always give the same coordinates.
func (ds *Dataset) RunPCA(opt PCAOptions) error {
	resid, ok := ds.Layers[LayerResidual]
	if !ok {
		return fmt.Errorf("pca: no residual layer; run normalize first")
	}
	hvg := ds.HighlyVariableGenes()
	if len(hvg) == 0 {
		return fmt.Errorf("pca: no highly variable genes flagged; run normalize first")
	}
	if opt.Components <= 0 {
		opt.Components = 50
	}
	if opt.ScaleMax <= 0 {
		opt.ScaleMax = 10
	}
	ncells := ds.NumCells()
	k := opt.Components
	if k > len(hvg) {
		k = len(hvg)
	}
	if k > ncells {
		k = ncells
	}

	// Dense genes x cells working matrix over the HVG rows only.
	dense := mat.NewDense(len(hvg), ncells, nil)
	for r, i := range hvg {
		dense.SetRow(r, resid.Row(i))
	}
	scaleRows(dense, opt.UnitVariance, opt.ScaleMax)

	transformer := nlp.NewPCA(k)
	transformer.Fit(dense)
	proj, err := transformer.Transform(dense)
	if err != nil {
		return fmt.Errorf("pca: %w", err)
	}
	pr, pc := proj.Dims()
	if pc != ncells {
		return fmt.Errorf("pca: unexpected projection shape %dx%d", pr, pc)
	}
	for j := 0; j < ncells; j++ {
		coords := make([]float64, pr)
		for d := 0; d < pr; d++ {
			coords[d] = proj.At(d, j)
		}
		ds.CellMeta[j].PCA = coords
	}
	return nil
}

// pcaCoords gathers per-cell PCA coordinates truncated to the leading
// usePCs components.
func (ds *Dataset) pcaCoords(usePCs int) ([][]float64, error) {
	n := ds.NumCells()
	out := make([][]float64, n)
	for j := 0; j < n; j++ {
		pca := ds.CellMeta[j].PCA
		if len(pca) == 0 {
			return nil, fmt.Errorf("cell %q has no PCA coordinates; run reduce first", ds.Cells[j])
		}
		d := usePCs
		if d <= 0 || d > len(pca) {
			d = len(pca)
		}
		out[j] = pca[:d]
	}
	return out, nil
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for d := range a {
		diff := a[d] - b[d]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
