// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import "sort"

// nearestNeighbors computes the exact k nearest neighbors of every
// point by Euclidean distance (self excluded), parallel per point.
// Ties break on index so results are deterministic.
func nearestNeighbors(x [][]float64, k, workers int) (idx [][]int, dist [][]float64) {
	n := len(x)
	if k > n-1 {
		k = n - 1
	}
	if k < 1 {
		k = 1
	}
	idx = make([][]int, n)
	dist = make([][]float64, n)
	inParallel(n, workers, func(i int) {
		type cand struct {
			j int
			d float64
		}
		cands := make([]cand, 0, n-1)
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			cands = append(cands, cand{j: j, d: euclidean(x[i], x[j])})
		}
		sort.Slice(cands, func(a, b int) bool {
			if cands[a].d != cands[b].d {
				return cands[a].d < cands[b].d
			}
			return cands[a].j < cands[b].j
		})
		if len(cands) > k {
			cands = cands[:k]
		}
		idx[i] = make([]int, len(cands))
		dist[i] = make([]float64, len(cands))
		for m, c := range cands {
			idx[i][m] = c.j
			dist[i][m] = c.d
		}
	})
	return idx, dist
}

type snnEdge struct {
	a, b   int
	weight float64
}

// snnEdges converts a kNN index into shared-nearest-neighbor edges
// weighted by the Jaccard overlap of the two neighbor sets (each set
// taken to include the point itself). Edges below cutoff are pruned,
// which desensitizes the graph to local density variation.
func snnEdges(idx [][]int, cutoff float64) []snnEdge {
	n := len(idx)
	sets := make([]map[int]bool, n)
	for i := range idx {
		s := make(map[int]bool, len(idx[i])+1)
		s[i] = true
		for _, j := range idx[i] {
			s[j] = true
		}
		sets[i] = s
	}
	// Candidate pairs are all kNN links, normalized to a < b so a
	// pair is scored once no matter which side listed the other.
	pairSet := map[[2]int]bool{}
	for i := 0; i < n; i++ {
		for _, j := range idx[i] {
			if i < j {
				pairSet[[2]int{i, j}] = true
			} else if j < i {
				pairSet[[2]int{j, i}] = true
			}
		}
	}
	pairs := make([][2]int, 0, len(pairSet))
	for p := range pairSet {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a][0] != pairs[b][0] {
			return pairs[a][0] < pairs[b][0]
		}
		return pairs[a][1] < pairs[b][1]
	})
	var edges []snnEdge
	for _, p := range pairs {
		i, j := p[0], p[1]
		shared := 0
		for m := range sets[i] {
			if sets[j][m] {
				shared++
			}
		}
		union := len(sets[i]) + len(sets[j]) - shared
		if union == 0 {
			continue
		}
		w := float64(shared) / float64(union)
		if w >= cutoff {
			edges = append(edges, snnEdge{a: i, b: j, weight: w})
		}
	}
	return edges
}
