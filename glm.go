// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"sync"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/stat"
)

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.PoissonFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            log.New(io.Discard, "", 0),
}

// theta is clamped to this range before pooling; beyond the upper
// bound the model is indistinguishable from Poisson.
const (
	minTheta = 1e-3
	maxTheta = 1e6
)

// NormOptions configure the variance-stabilizing normalization.
type NormOptions struct {
	// ClipMax bounds the absolute value of Pearson residuals.
	// 0 means sqrt(number of cells).
	ClipMax float64
	// NumHVG is how many genes to flag as highly variable.
	NumHVG int
	// Workers is the per-gene fit parallelism (NumCPU if < 1).
	Workers int
}

type geneFit struct {
	ok       bool
	icept    float64
	slope    float64
	theta    float64
	thetaReg float64
}

// fitGeneGLM regresses one gene's counts against log10 sequencing
// depth with a Poisson GLM and estimates the negative-binomial
// overdispersion theta from the residuals by method of moments. A
// non-converging or singular fit is reported as a *ConvergenceError.
func fitGeneGLM(gene string, y, logDepth []float64) (geneFit, error) {
	n := len(y)
	counts := make([]statmodel.Dtype, n)
	icept := make([]statmodel.Dtype, n)
	depth := make([]statmodel.Dtype, n)
	for j := 0; j < n; j++ {
		counts[j] = y[j]
		icept[j] = 1
		depth[j] = logDepth[j]
	}
	data := [][]statmodel.Dtype{counts, icept, depth}
	names := []string{"counts", "icept", "logdepth"}
	dataset := statmodel.NewDataset(data, names)

	var fit geneFit
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = &ConvergenceError{Gene: gene, Reason: fmt.Sprint(p)}
			}
		}()
		model, err := glm.NewGLM(dataset, "counts", names[1:], glmConfig)
		if err != nil {
			return &ConvergenceError{Gene: gene, Reason: err.Error()}
		}
		result := model.Fit()
		params := result.Params()
		if len(params) != 2 || math.IsNaN(params[0]) || math.IsInf(params[0], 0) || math.IsNaN(params[1]) || math.IsInf(params[1], 0) {
			return &ConvergenceError{Gene: gene, Reason: "non-finite coefficients"}
		}
		fit.icept, fit.slope = params[0], params[1]
		return nil
	}()
	if err != nil {
		return geneFit{}, err
	}

	// Method-of-moments theta from the Poisson fit residuals.
	var num, denom float64
	for j := 0; j < n; j++ {
		mu := math.Exp(fit.icept + fit.slope*logDepth[j])
		d := y[j] - mu
		num += mu * mu
		denom += d*d - mu
	}
	if denom <= 0 {
		fit.theta = maxTheta
	} else {
		fit.theta = num / denom
	}
	if fit.theta < minTheta {
		fit.theta = minTheta
	} else if fit.theta > maxTheta {
		fit.theta = maxTheta
	}
	fit.ok = true
	return fit, nil
}

// regularizeTheta replaces each per-gene theta with a kernel-smoothed
// estimate over all fitted genes, regressing log10 theta on log10
// gene mean. Pooling across genes keeps low-count genes from getting
// wildly unstable overdispersion estimates.
func regularizeTheta(fits []geneFit, means []float64) {
	var xs, ys []float64
	for i := range fits {
		if fits[i].ok && means[i] > 0 {
			xs = append(xs, math.Log10(means[i]))
			ys = append(ys, math.Log10(fits[i].theta))
		}
	}
	if len(xs) < 2 {
		for i := range fits {
			fits[i].thetaReg = fits[i].theta
		}
		return
	}
	sd := stat.StdDev(xs, nil)
	bw := 1.06 * sd * math.Pow(float64(len(xs)), -0.2)
	if bw <= 0 || math.IsNaN(bw) {
		bw = 0.3
	}
	for i := range fits {
		if !fits[i].ok {
			continue
		}
		x := math.Log10(math.Max(means[i], 1e-12))
		var wsum, ysum float64
		for k := range xs {
			d := (xs[k] - x) / bw
			w := math.Exp(-0.5 * d * d)
			wsum += w
			ysum += w * ys[k]
		}
		if wsum > 0 {
			fits[i].thetaReg = math.Pow(10, ysum/wsum)
		} else {
			fits[i].thetaReg = fits[i].theta
		}
	}
}

// Normalize fits the depth regression for every gene, attaches
// corrected and Pearson-residual layers, and ranks genes by residual
// variance to flag the highly variable set. Genes whose fit fails
// are skipped (recorded in NormInfo.Skipped) rather than aborting.
func (ds *Dataset) Normalize(opt NormOptions) error {
	ngenes, ncells := ds.NumGenes(), ds.NumCells()
	if ncells < 2 {
		return fmt.Errorf("normalize: need at least 2 cells, have %d", ncells)
	}
	if opt.ClipMax <= 0 {
		opt.ClipMax = math.Sqrt(float64(ncells))
	}
	if opt.NumHVG <= 0 {
		opt.NumHVG = 3000
	}
	err := ds.EnsureMetrics(ds.mitoPattern)
	if err != nil {
		return err
	}

	logDepth := make([]float64, ncells)
	for j, ci := range ds.CellMeta {
		if ci.TotalCount > 0 {
			logDepth[j] = math.Log10(ci.TotalCount)
		}
	}
	medianLD := median(logDepth)

	fits := make([]geneFit, ngenes)
	means := make([]float64, ngenes)
	var mtx sync.Mutex
	var skipped []SkippedGene
	inParallel(ngenes, opt.Workers, func(i int) {
		y := ds.GeneRow(i)
		mean, variance := stat.MeanVariance(y, nil)
		ds.GeneMeta[i].Mean = mean
		ds.GeneMeta[i].Variance = variance
		means[i] = mean
		if mean == 0 {
			mtx.Lock()
			skipped = append(skipped, SkippedGene{Gene: ds.Genes[i], Reason: "no expression"})
			mtx.Unlock()
			return
		}
		fit, err := fitGeneGLM(ds.Genes[i], y, logDepth)
		if err != nil {
			mtx.Lock()
			skipped = append(skipped, SkippedGene{Gene: ds.Genes[i], Reason: err.Error()})
			mtx.Unlock()
			return
		}
		fits[i] = fit
	})
	regularizeTheta(fits, means)

	resid := NewLayer(ngenes, ncells)
	corr := NewLayer(ngenes, ncells)
	inParallel(ngenes, opt.Workers, func(i int) {
		fit := fits[i]
		if !fit.ok {
			ds.GeneMeta[i].ResidualVariance = 0
			ds.GeneMeta[i].HighlyVariable = false
			return
		}
		y := ds.GeneRow(i)
		muMed := math.Exp(fit.icept + fit.slope*medianLD)
		sdMed := math.Sqrt(muMed + muMed*muMed/fit.thetaReg)
		rrow := resid.Row(i)
		crow := corr.Row(i)
		for j := 0; j < ncells; j++ {
			mu := math.Exp(fit.icept + fit.slope*logDepth[j])
			sd := math.Sqrt(mu + mu*mu/fit.thetaReg)
			r := (y[j] - mu) / sd
			if r > opt.ClipMax {
				r = opt.ClipMax
			} else if r < -opt.ClipMax {
				r = -opt.ClipMax
			}
			rrow[j] = r
			c := muMed + r*sdMed
			if c < 0 {
				c = 0
			}
			crow[j] = c
		}
		ds.GeneMeta[i].ResidualVariance = stat.Variance(rrow, nil)
	})

	// HVG: top genes by residual variance, skipped genes excluded.
	order := make([]int, 0, ngenes)
	for i := range fits {
		if fits[i].ok {
			order = append(order, i)
		}
	}
	sort.Slice(order, func(a, b int) bool {
		va, vb := ds.GeneMeta[order[a]].ResidualVariance, ds.GeneMeta[order[b]].ResidualVariance
		if va != vb {
			return va > vb
		}
		return order[a] < order[b]
	})
	for i := range ds.GeneMeta {
		ds.GeneMeta[i].HighlyVariable = false
	}
	for rank, i := range order {
		if rank >= opt.NumHVG {
			break
		}
		ds.GeneMeta[i].HighlyVariable = true
	}

	sort.Slice(skipped, func(a, b int) bool { return skipped[a].Gene < skipped[b].Gene })
	ds.Layers[LayerResidual] = resid
	ds.Layers[LayerCorrected] = corr
	ds.Norm = &NormInfo{
		Fingerprint:    append([]byte(nil), ds.fingerprint...),
		ClipMax:        opt.ClipMax,
		MedianLogDepth: medianLD,
		Skipped:        skipped,
	}
	return nil
}

// HighlyVariableGenes returns the indices of flagged genes ranked by
// decreasing residual variance.
func (ds *Dataset) HighlyVariableGenes() []int {
	var out []int
	for i := range ds.GeneMeta {
		if ds.GeneMeta[i].HighlyVariable {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		va, vb := ds.GeneMeta[out[a]].ResidualVariance, ds.GeneMeta[out[b]].ResidualVariance
		if va != vb {
			return va > vb
		}
		return out[a] < out[b]
	})
	return out
}

func median(a []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	s := append([]float64(nil), a...)
	sort.Float64s(s)
	if len(s)%2 == 1 {
		return s[len(s)/2]
	}
	return (s[len(s)/2-1] + s[len(s)/2]) / 2
}
