// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"math/rand"

	"gopkg.in/check.v1"
)

type wilcoxonSuite struct{}

var _ = check.Suite(&wilcoxonSuite{})

func (s *wilcoxonSuite) TestWilcoxonSeparated(c *check.C) {
	rnd := rand.New(rand.NewSource(1))
	a := make([]float64, 30)
	b := make([]float64, 30)
	for i := range a {
		a[i] = 10 + rnd.Float64()
		b[i] = rnd.Float64()
	}
	c.Check(WilcoxonRankSum(a, b) < 1e-6, check.Equals, true)
	c.Check(WelchT(a, b) < 1e-6, check.Equals, true)
}

func (s *wilcoxonSuite) TestWilcoxonNoDifference(c *check.C) {
	// All observations tied: no evidence either way.
	a := []float64{1, 1, 1, 1}
	b := []float64{1, 1, 1, 1}
	c.Check(WilcoxonRankSum(a, b), check.Equals, 1.0)
	c.Check(WelchT(a, b), check.Equals, 1.0)

	// Same distribution, different draws: p should not be small.
	rnd := rand.New(rand.NewSource(2))
	a = make([]float64, 50)
	b = make([]float64, 50)
	for i := range a {
		a[i] = rnd.NormFloat64()
		b[i] = rnd.NormFloat64()
	}
	c.Check(WilcoxonRankSum(a, b) > 0.01, check.Equals, true)
}

func (s *wilcoxonSuite) TestWilcoxonEmptyGroup(c *check.C) {
	c.Check(WilcoxonRankSum(nil, []float64{1, 2}), check.Equals, 1.0)
	c.Check(WilcoxonRankSum([]float64{1, 2}, nil), check.Equals, 1.0)
	c.Check(WelchT([]float64{1}, []float64{1, 2}), check.Equals, 1.0)
}

func (s *wilcoxonSuite) TestWilcoxonSymmetric(c *check.C) {
	a := []float64{1, 3, 5, 7, 7, 9}
	b := []float64{2, 2, 4, 6, 8}
	c.Check(WilcoxonRankSum(a, b), check.Equals, WilcoxonRankSum(b, a))
}

func (s *wilcoxonSuite) TestBenjaminiHochberg(c *check.C) {
	c.Check(BenjaminiHochberg([]float64{0.005, 0.5}), check.DeepEquals, []float64{0.01, 0.5})
	c.Check(BenjaminiHochberg([]float64{0.5, 0.005}), check.DeepEquals, []float64{0.5, 0.01})
	c.Check(BenjaminiHochberg(nil), check.IsNil)

	// Adjustment preserves the ranking of sorted inputs.
	adj0 := BenjaminiHochberg([]float64{0.001, 0.01, 0.02, 0.8})
	for i := 1; i < len(adj0); i++ {
		c.Check(adj0[i] >= adj0[i-1], check.Equals, true)
	}

	// Adjusted values never fall below raw values and never
	// exceed 1.
	pvals := []float64{0.9, 0.001, 0.31, 0.05, 0.05, 0.7, 1}
	adj := BenjaminiHochberg(pvals)
	for i := range pvals {
		c.Check(adj[i] >= pvals[i], check.Equals, true)
		c.Check(adj[i] <= 1.0, check.Equals, true)
	}
}

func (s *wilcoxonSuite) TestBonferroni(c *check.C) {
	c.Check(Bonferroni([]float64{0.125, 0.25, 0.5}), check.DeepEquals, []float64{0.375, 0.75, 1})
}

func (s *wilcoxonSuite) TestByName(c *check.C) {
	for _, name := range []string{"", "wilcoxon", "ttest"} {
		fn, err := testByName(name)
		c.Check(err, check.IsNil)
		c.Check(fn, check.NotNil)
	}
	_, err := testByName("anova")
	c.Check(err, check.NotNil)

	for _, name := range []string{"", "bh", "fdr", "bonferroni"} {
		fn, err := correctionByName(name)
		c.Check(err, check.IsNil)
		c.Check(fn, check.NotNil)
	}
	_, err = correctionByName("holm")
	c.Check(err, check.NotNil)
}
