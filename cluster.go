// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"
)

// ClusterOptions configure neighbor graph construction and community
// detection.
type ClusterOptions struct {
	Neighbors  int     // kNN size, default 20
	UsePCs     int     // leading components, default 30
	Resolution float64 // modularity resolution, default 1.0
	SNNCutoff  float64 // prune SNN edges below this, default 1/15
	Seed       uint64
	Workers    int
}

func (opt *ClusterOptions) Flags(flags *flag.FlagSet) {
	flags.IntVar(&opt.Neighbors, "neighbors", 20, "neighbors `K` for the kNN graph")
	flags.IntVar(&opt.UsePCs, "use-pcs", 30, "use the leading `N` principal components")
	flags.Float64Var(&opt.Resolution, "resolution", 1.0, "community detection `resolution` (higher means more, smaller clusters)")
	flags.Float64Var(&opt.SNNCutoff, "snn-cutoff", 1.0/15, "prune shared-neighbor edges with Jaccard weight below `W`")
	flags.Uint64Var(&opt.Seed, "seed", 1, "random `seed`")
	flags.IntVar(&opt.Workers, "workers", 0, "worker threads (`0` = all CPUs)")
}

// Cluster builds a shared-nearest-neighbor graph over cells in PCA
// space and partitions it by modularity optimization. Cells get
// contiguous labels from 0 in decreasing cluster size order, which
// together with the seeded source makes reruns reproducible. Cluster
// labels belong to this dataset alone; a subset started from here has
// its own label space.
func (ds *Dataset) Cluster(opt ClusterOptions) (int, error) {
	if opt.Neighbors <= 0 {
		opt.Neighbors = 20
	}
	if opt.Resolution <= 0 {
		opt.Resolution = 1.0
	}
	if opt.SNNCutoff <= 0 {
		opt.SNNCutoff = 1.0 / 15
	}
	coords, err := ds.pcaCoords(opt.UsePCs)
	if err != nil {
		return 0, fmt.Errorf("cluster: %w", err)
	}
	n := len(coords)
	if n == 0 {
		return 0, fmt.Errorf("cluster: dataset has no cells")
	}
	if n == 1 {
		ds.CellMeta[0].Cluster = 0
		return 1, nil
	}

	idx, _ := nearestNeighbors(coords, opt.Neighbors, opt.Workers)
	edges := snnEdges(idx, opt.SNNCutoff)
	g := simple.NewWeightedUndirectedGraph(0, 0)
	for i := 0; i < n; i++ {
		g.AddNode(simple.Node(i))
	}
	for _, e := range edges {
		g.SetWeightedEdge(g.NewWeightedEdge(simple.Node(e.a), simple.Node(e.b), e.weight))
	}

	reduced := community.Modularize(g, opt.Resolution, rand.NewSource(opt.Seed))
	comms := reduced.Communities()

	// Relabel communities 0..n-1 by decreasing size, ties by
	// smallest member, so labels are stable for a given seed.
	type comm struct {
		members []int
		min     int
	}
	ordered := make([]comm, 0, len(comms))
	for _, nodes := range comms {
		c := comm{min: n}
		for _, node := range nodes {
			id := int(node.ID())
			c.members = append(c.members, id)
			if id < c.min {
				c.min = id
			}
		}
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(a, b int) bool {
		if len(ordered[a].members) != len(ordered[b].members) {
			return len(ordered[a].members) > len(ordered[b].members)
		}
		return ordered[a].min < ordered[b].min
	})
	for label, c := range ordered {
		for _, j := range c.members {
			ds.CellMeta[j].Cluster = label
		}
	}
	return len(ordered), nil
}

type clustercmd struct {
	opts ClusterOptions
}

func (cmd *clustercmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "", "input dataset `file`")
	outputFilename := flags.String("o", "", "output dataset `file`")
	cmd.opts.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *inputFilename == "" || *outputFilename == "" {
		flags.Usage()
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	log.Printf("%s: reading", *inputFilename)
	ds, err := LoadDatasetFile(*inputFilename)
	if err != nil {
		return 1
	}
	log.Printf("clustering %d cells (neighbors=%d, resolution=%g, seed=%d)", ds.NumCells(), cmd.opts.Neighbors, cmd.opts.Resolution, cmd.opts.Seed)
	nclusters, err := ds.Cluster(cmd.opts)
	if err != nil {
		return 1
	}
	sizes := make([]int, nclusters)
	for _, ci := range ds.CellMeta {
		sizes[ci.Cluster]++
	}
	log.Printf("found %d clusters, sizes %v", nclusters, sizes)
	err = SaveDatasetFile(*outputFilename, ds)
	if err != nil {
		return 1
	}
	return 0
}
