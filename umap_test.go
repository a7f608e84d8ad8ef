// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"math"

	"gopkg.in/check.v1"
)

type umapSuite struct{}

var _ = check.Suite(&umapSuite{})

// blobCoords returns two well-separated point clouds with
// deterministic jitter.
func blobCoords(n int) [][]float64 {
	x := make([][]float64, n)
	for i := range x {
		cx, cy := 0.0, 0.0
		if i >= n/2 {
			cx, cy = 50, 50
		}
		x[i] = []float64{
			cx + float64(i%5)*0.1,
			cy + float64(i%3)*0.1,
		}
	}
	return x
}

func (s *umapSuite) TestFitABParams(c *check.C) {
	a, b := fitABParams(0.1, 1.0)
	c.Check(a > 0, check.Equals, true)
	c.Check(b > 0, check.Equals, true)
	// The fitted curve is a decreasing membership function.
	at := func(d float64) float64 { return 1 / (1 + a*math.Pow(d, 2*b)) }
	c.Check(at(0.05) > at(1), check.Equals, true)
	c.Check(at(1) > at(3), check.Equals, true)
	c.Check(at(0.05) > 0.9, check.Equals, true)
}

func (s *umapSuite) TestSmoothWeights(c *check.C) {
	x := blobCoords(20)
	idx, dist := nearestNeighbors(x, 5, 1)
	w := smoothWeights(idx, dist)
	c.Check(len(w) > 0, check.Equals, true)
	for _, v := range w {
		c.Check(v > 0 && v <= 1, check.Equals, true)
		c.Check(math.IsNaN(v), check.Equals, false)
	}
}

func (s *umapSuite) TestSymmetrize(c *check.C) {
	w := map[[2]int]float64{
		{0, 1}: 0.5,
		{1, 0}: 0.5,
		{2, 3}: 1,
	}
	edges := symmetrize(w)
	c.Assert(len(edges), check.Equals, 2)
	for _, e := range edges {
		// Fuzzy union: w + w' - w*w'.
		if e.a == 0 || e.b == 0 {
			c.Check(e.weight, check.Equals, 0.75)
		} else {
			c.Check(e.weight, check.Equals, 1.0)
		}
	}
}

func (s *umapSuite) TestUMAPEmbed(c *check.C) {
	x := blobCoords(30)
	opt := UMAPOptions{Neighbors: 5, Epochs: 200, Seed: 42}
	emb := umapEmbed(x, opt)
	c.Assert(len(emb), check.Equals, 30)
	for _, e := range emb {
		c.Assert(len(e), check.Equals, 2)
		c.Check(math.IsNaN(e[0]) || math.IsNaN(e[1]), check.Equals, false)
	}

	// Same seed reproduces the embedding exactly.
	emb2 := umapEmbed(x, opt)
	for i := range emb {
		c.Check(emb2[i], check.DeepEquals, emb[i])
	}

	// The two blobs stay separated: mean within-blob distance is
	// smaller than the distance between blob centroids.
	var c0, c1 [2]float64
	for i, e := range emb {
		if i < 15 {
			c0[0] += e[0] / 15
			c0[1] += e[1] / 15
		} else {
			c1[0] += e[0] / 15
			c1[1] += e[1] / 15
		}
	}
	between := math.Hypot(c0[0]-c1[0], c0[1]-c1[1])
	var within float64
	for i, e := range emb {
		cen := c0
		if i >= 15 {
			cen = c1
		}
		within += math.Hypot(e[0]-cen[0], e[1]-cen[1]) / 30
	}
	c.Check(within < between, check.Equals, true)
}

func (s *umapSuite) TestRunUMAP(c *check.C) {
	ds := mkDataset(c, geneNames(1), cellNames(20), [][]float64{make([]float64, 20)})
	coords := blobCoords(20)
	for j := range ds.CellMeta {
		ds.CellMeta[j].PCA = coords[j]
	}
	err := ds.RunUMAP(0, UMAPOptions{Neighbors: 5, Epochs: 20, Seed: 1})
	c.Assert(err, check.IsNil)
	for j := range ds.CellMeta {
		c.Check(len(ds.CellMeta[j].UMAP), check.Equals, 2)
	}
}

func (s *umapSuite) TestRunUMAPRequiresPCA(c *check.C) {
	ds := mkDataset(c, geneNames(1), cellNames(2), [][]float64{{1, 2}})
	c.Check(ds.RunUMAP(0, UMAPOptions{}), check.NotNil)
}
