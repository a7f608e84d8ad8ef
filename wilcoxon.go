// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// TestFunc is a two-sample test returning a two-sided p-value for the
// hypothesis that a and b come from the same distribution.
type TestFunc func(a, b []float64) float64

// WilcoxonRankSum is the two-sided Wilcoxon rank-sum (Mann-Whitney U)
// test via normal approximation with tie correction and continuity
// correction.
func WilcoxonRankSum(a, b []float64) float64 {
	n1, n2 := len(a), len(b)
	if n1 == 0 || n2 == 0 {
		return 1
	}
	type obs struct {
		v     float64
		first bool
	}
	all := make([]obs, 0, n1+n2)
	for _, v := range a {
		all = append(all, obs{v: v, first: true})
	}
	for _, v := range b {
		all = append(all, obs{v: v})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].v < all[j].v })

	n := len(all)
	ranks := make([]float64, n)
	var tieSum float64
	for i := 0; i < n; {
		j := i
		for j < n && all[j].v == all[i].v {
			j++
		}
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[k] = avg
		}
		if t := float64(j - i); t > 1 {
			tieSum += t*t*t - t
		}
		i = j
	}
	var r1 float64
	for i, o := range all {
		if o.first {
			r1 += ranks[i]
		}
	}
	f1, f2, fn := float64(n1), float64(n2), float64(n)
	u1 := r1 - f1*(f1+1)/2
	u2 := f1*f2 - u1
	u := math.Min(u1, u2)
	mu := f1 * f2 / 2
	sigma := math.Sqrt(f1 * f2 * ((fn + 1) - tieSum/(fn*(fn-1))) / 12)
	if sigma < 1e-12 {
		return 1
	}
	z := (u - mu + 0.5) / sigma
	p := 2 * distuv.UnitNormal.CDF(-math.Abs(z))
	if p > 1 {
		p = 1
	}
	return p
}

// WelchT is the two-sided Welch unequal-variance t-test.
func WelchT(a, b []float64) float64 {
	n1, n2 := len(a), len(b)
	if n1 < 2 || n2 < 2 {
		return 1
	}
	m1, v1 := stat.MeanVariance(a, nil)
	m2, v2 := stat.MeanVariance(b, nil)
	se1 := v1 / float64(n1)
	se2 := v2 / float64(n2)
	se := math.Sqrt(se1 + se2)
	if se < 1e-15 {
		if m1 == m2 {
			return 1
		}
		return 0
	}
	t := (m1 - m2) / se
	num := (se1 + se2) * (se1 + se2)
	var den float64
	if se1 > 0 {
		den += se1 * se1 / float64(n1-1)
	}
	if se2 > 0 {
		den += se2 * se2 / float64(n2-1)
	}
	if den < 1e-15 {
		return 1
	}
	df := num / den
	if df < 1 {
		df = 1
	}
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return 2 * dist.CDF(-math.Abs(t))
}

// testByName maps a -test flag value to its implementation.
func testByName(name string) (TestFunc, error) {
	switch name {
	case "", "wilcoxon":
		return WilcoxonRankSum, nil
	case "ttest":
		return WelchT, nil
	default:
		return nil, fmt.Errorf("unknown test %q (have wilcoxon, ttest)", name)
	}
}

// BenjaminiHochberg adjusts p-values to control the false discovery
// rate across the whole set.
func BenjaminiHochberg(pvals []float64) []float64 {
	n := len(pvals)
	if n == 0 {
		return nil
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return pvals[idx[i]] < pvals[idx[j]] })
	adj := make([]float64, n)
	minP := 1.0
	for i := n - 1; i >= 0; i-- {
		orig := idx[i]
		p := pvals[orig] * float64(n) / float64(i+1)
		if p > 1 {
			p = 1
		}
		if p < minP {
			minP = p
		} else {
			p = minP
		}
		adj[orig] = p
	}
	return adj
}

// Bonferroni adjusts p-values by the number of tests.
func Bonferroni(pvals []float64) []float64 {
	adj := make([]float64, len(pvals))
	n := float64(len(pvals))
	for i, p := range pvals {
		adj[i] = math.Min(1, p*n)
	}
	return adj
}

// correctionByName maps a -correction flag value to its
// implementation.
func correctionByName(name string) (func([]float64) []float64, error) {
	switch name {
	case "", "bh", "fdr":
		return BenjaminiHochberg, nil
	case "bonferroni":
		return Bonferroni, nil
	default:
		return nil, fmt.Errorf("unknown correction %q (have bh, bonferroni)", name)
	}
}
