// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"math"
	"sort"

	"golang.org/x/exp/rand"
)

// UMAPOptions configure the 2-D embedding. All randomness comes from
// a single source seeded by Seed, so the same seed, input and
// parameters reproduce the same coordinates.
type UMAPOptions struct {
	Neighbors       int     // default 15
	MinDist         float64 // default 0.1
	Spread          float64 // default 1.0
	Epochs          int     // default 200
	LearningRate    float64 // default 1.0
	NegativeSamples int     // default 5
	Seed            uint64
	Workers         int
}

func (opt *UMAPOptions) setDefaults() {
	if opt.Neighbors <= 0 {
		opt.Neighbors = 15
	}
	if opt.MinDist <= 0 {
		opt.MinDist = 0.1
	}
	if opt.Spread <= 0 {
		opt.Spread = 1.0
	}
	if opt.Epochs <= 0 {
		opt.Epochs = 200
	}
	if opt.LearningRate <= 0 {
		opt.LearningRate = 1.0
	}
	if opt.NegativeSamples <= 0 {
		opt.NegativeSamples = 5
	}
}

type umapEdge struct {
	a, b   int
	weight float64
}

// smoothWeights calibrates per-point kernel widths (binary search for
// sigma so the effective neighbor count is log2(k)) and returns
// directed membership strengths for each kNN link.
func smoothWeights(idx [][]int, dist [][]float64) map[[2]int]float64 {
	w := map[[2]int]float64{}
	for i := range idx {
		if len(idx[i]) == 0 {
			continue
		}
		rho := math.Inf(1)
		for _, d := range dist[i] {
			if d > 0 && d < rho {
				rho = d
			}
		}
		if math.IsInf(rho, 1) {
			rho = 0
		}
		target := math.Log2(float64(len(idx[i])) + 1)
		lo, hi, sigma := 0.0, math.Inf(1), 1.0
		for iter := 0; iter < 64; iter++ {
			var sum float64
			for _, d := range dist[i] {
				x := d - rho
				if x <= 0 {
					sum++
				} else {
					sum += math.Exp(-x / sigma)
				}
			}
			if math.Abs(sum-target) < 1e-5 {
				break
			}
			if sum > target {
				hi = sigma
				sigma = (lo + hi) / 2
			} else {
				lo = sigma
				if math.IsInf(hi, 1) {
					sigma *= 2
				} else {
					sigma = (lo + hi) / 2
				}
			}
		}
		for m, j := range idx[i] {
			x := dist[i][m] - rho
			if x <= 0 {
				w[[2]int{i, j}] = 1
			} else {
				w[[2]int{i, j}] = math.Exp(-x / sigma)
			}
		}
	}
	return w
}

// symmetrize combines directed strengths by fuzzy union:
// w + w' - w*w'.
func symmetrize(w map[[2]int]float64) []umapEdge {
	seen := map[[2]int]bool{}
	var edges []umapEdge
	for key, wij := range w {
		i, j := key[0], key[1]
		a, b := i, j
		if a > b {
			a, b = b, a
		}
		if seen[[2]int{a, b}] {
			continue
		}
		seen[[2]int{a, b}] = true
		wji := w[[2]int{j, i}]
		edges = append(edges, umapEdge{a: a, b: b, weight: wij + wji - wij*wji})
	}
	sort.Slice(edges, func(x, y int) bool {
		if edges[x].a != edges[y].a {
			return edges[x].a < edges[y].a
		}
		return edges[x].b < edges[y].b
	})
	return edges
}

// fitABParams fits the rational low-dimensional kernel
// 1/(1+a*d^(2b)) to the target curve defined by minDist and spread,
// by coarse-to-fine grid search. Deterministic.
func fitABParams(minDist, spread float64) (a, b float64) {
	const samples = 300
	xs := make([]float64, samples)
	ys := make([]float64, samples)
	for i := 0; i < samples; i++ {
		x := 3 * spread * float64(i+1) / samples
		xs[i] = x
		if x <= minDist {
			ys[i] = 1
		} else {
			ys[i] = math.Exp(-(x - minDist) / spread)
		}
	}
	loss := func(a, b float64) float64 {
		var sum float64
		for i := range xs {
			f := 1 / (1 + a*math.Pow(xs[i], 2*b))
			d := f - ys[i]
			sum += d * d
		}
		return sum
	}
	a, b = 1.0, 1.0
	best := loss(a, b)
	loA, hiA, loB, hiB := 0.05, 5.0, 0.2, 3.0
	for pass := 0; pass < 4; pass++ {
		stepA := (hiA - loA) / 40
		stepB := (hiB - loB) / 40
		for ca := loA; ca <= hiA; ca += stepA {
			for cb := loB; cb <= hiB; cb += stepB {
				if l := loss(ca, cb); l < best {
					best, a, b = l, ca, cb
				}
			}
		}
		loA, hiA = math.Max(0.01, a-2*stepA), a+2*stepA
		loB, hiB = math.Max(0.05, b-2*stepB), b+2*stepB
	}
	return a, b
}

func clipGrad(g float64) float64 {
	if g > 4 {
		return 4
	}
	if g < -4 {
		return -4
	}
	return g
}

// umapEmbed computes a 2-D embedding of the given points: exact kNN,
// fuzzy simplicial set construction, then SGD layout with negative
// sampling.
func umapEmbed(x [][]float64, opt UMAPOptions) [][]float64 {
	opt.setDefaults()
	n := len(x)
	rng := rand.New(rand.NewSource(opt.Seed))
	emb := make([][]float64, n)
	for i := range emb {
		emb[i] = []float64{rng.Float64()*20 - 10, rng.Float64()*20 - 10}
	}
	if n < 3 {
		return emb
	}

	idx, dist := nearestNeighbors(x, opt.Neighbors, opt.Workers)
	edges := symmetrize(smoothWeights(idx, dist))
	if len(edges) == 0 {
		return emb
	}
	a, b := fitABParams(opt.MinDist, opt.Spread)

	var wmax float64
	for _, e := range edges {
		if e.weight > wmax {
			wmax = e.weight
		}
	}
	// Edges are sampled in proportion to weight, as in the
	// reference epochs-per-sample schedule.
	epochsPer := make([]float64, len(edges))
	nextEpoch := make([]float64, len(edges))
	for i, e := range edges {
		if e.weight <= 0 {
			epochsPer[i] = math.Inf(1)
		} else {
			epochsPer[i] = wmax / e.weight
		}
		nextEpoch[i] = epochsPer[i]
	}

	alpha := opt.LearningRate
	for epoch := 1; epoch <= opt.Epochs; epoch++ {
		for ei, e := range edges {
			if nextEpoch[ei] > float64(epoch) {
				continue
			}
			nextEpoch[ei] += epochsPer[ei]
			p, q := emb[e.a], emb[e.b]
			d2 := (p[0]-q[0])*(p[0]-q[0]) + (p[1]-q[1])*(p[1]-q[1])
			if d2 > 0 {
				grad := -2 * a * b * math.Pow(d2, b-1) / (1 + a*math.Pow(d2, b))
				for dim := 0; dim < 2; dim++ {
					g := clipGrad(grad * (p[dim] - q[dim]))
					p[dim] += alpha * g
					q[dim] -= alpha * g
				}
			}
			for s := 0; s < opt.NegativeSamples; s++ {
				k := rng.Intn(n)
				if k == e.a {
					continue
				}
				r := emb[k]
				d2 := (p[0]-r[0])*(p[0]-r[0]) + (p[1]-r[1])*(p[1]-r[1])
				grad := 2 * b / ((0.001 + d2) * (1 + a*math.Pow(d2, b)))
				for dim := 0; dim < 2; dim++ {
					g := clipGrad(grad * (p[dim] - r[dim]))
					p[dim] += alpha * g
				}
			}
		}
		alpha = opt.LearningRate * (1 - float64(epoch)/float64(opt.Epochs))
	}
	return emb
}

// RunUMAP embeds every cell in two dimensions from the leading usePCs
// principal components. Requires a prior RunPCA.
func (ds *Dataset) RunUMAP(usePCs int, opt UMAPOptions) error {
	coords, err := ds.pcaCoords(usePCs)
	if err != nil {
		return err
	}
	emb := umapEmbed(coords, opt)
	for j := range ds.CellMeta {
		ds.CellMeta[j].UMAP = emb[j]
	}
	return nil
}
