// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"bufio"
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// GroupSpec names one cell group for a differential expression
// comparison. Exactly one selector is active: cluster labels, sample
// labels, or Rest (the complement of the other group). Groups are
// always passed explicitly; there is no ambient "current grouping".
type GroupSpec struct {
	Name     string
	Clusters []int
	Samples  []string
	Rest     bool
}

// ParseGroupSpec parses "cluster=1,2", "sample=wt" or "rest".
func ParseGroupSpec(s string) (GroupSpec, error) {
	if s == "rest" {
		return GroupSpec{Name: "rest", Rest: true}, nil
	}
	eq := strings.IndexByte(s, '=')
	if eq < 0 {
		return GroupSpec{}, fmt.Errorf("bad group %q: want cluster=..., sample=..., or rest", s)
	}
	kind, vals := s[:eq], s[eq+1:]
	spec := GroupSpec{Name: s}
	switch kind {
	case "cluster":
		for _, f := range strings.Split(vals, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(f))
			if err != nil {
				return GroupSpec{}, fmt.Errorf("bad group %q: %w", s, err)
			}
			spec.Clusters = append(spec.Clusters, n)
		}
	case "sample":
		for _, f := range strings.Split(vals, ",") {
			spec.Samples = append(spec.Samples, strings.TrimSpace(f))
		}
	default:
		return GroupSpec{}, fmt.Errorf("bad group %q: unknown selector %q", s, kind)
	}
	return spec, nil
}

func (g GroupSpec) matches(ci *CellInfo) bool {
	for _, cl := range g.Clusters {
		if ci.Cluster == cl {
			return true
		}
	}
	for _, s := range g.Samples {
		if ci.Sample == s {
			return true
		}
	}
	return false
}

// DEOptions configure a differential expression run.
type DEOptions struct {
	Test       string  // "wilcoxon" (default) or "ttest"
	Correction string  // "bh" (default) or "bonferroni"
	MinPct     float64 // test only genes detected in at least this fraction of one group
	MinLogFC   float64 // |log2FC| classification threshold, default 0.5
	Alpha      float64 // adjusted p-value classification threshold, default 0.05
	Workers    int
	Norm       NormOptions // used when normalization must be (re)fitted
}

// DEResult is one immutable per-gene record from a single
// comparison.
type DEResult struct {
	Gene        string
	PctA, PctB  float64
	Log2FC      float64
	P, AdjP     float64
	Significant bool
	Upregulated bool
}

const dePseudocount = 1e-9

// DiffExp tests every eligible gene for differential expression
// between the two named groups, corrects for multiple testing, and
// classifies results. A gene is significant iff adjusted p < Alpha
// and |log2FC| > MinLogFC; significant genes with positive log2FC are
// upregulated (group A over group B), the rest downregulated.
//
// If the dataset's normalization predates the current counts snapshot
// (or is missing), it is refitted first, so a subset of a previously
// normalized dataset never reuses stale whole-dataset parameters.
func (ds *Dataset) DiffExp(groupA, groupB GroupSpec, opt DEOptions) ([]DEResult, error) {
	test, err := testByName(opt.Test)
	if err != nil {
		return nil, err
	}
	correct, err := correctionByName(opt.Correction)
	if err != nil {
		return nil, err
	}
	if opt.MinLogFC == 0 {
		opt.MinLogFC = 0.5
	}
	if opt.Alpha == 0 {
		opt.Alpha = 0.05
	}
	if groupA.Rest {
		return nil, errors.New("group A must name clusters or samples; \"rest\" is only valid as group B")
	}

	var cellsA, cellsB []int
	for j := range ds.CellMeta {
		if groupA.matches(&ds.CellMeta[j]) {
			cellsA = append(cellsA, j)
		} else if groupB.Rest || groupB.matches(&ds.CellMeta[j]) {
			cellsB = append(cellsB, j)
		}
	}
	if len(cellsA) == 0 {
		return nil, &EmptyGroupError{Group: groupA.Name}
	}
	if len(cellsB) == 0 {
		return nil, &EmptyGroupError{Group: groupB.Name}
	}

	if ds.Norm == nil || !bytes.Equal(ds.Norm.Fingerprint, ds.fingerprint) {
		log.Printf("diffexp: normalization stale or missing, refitting on %d cells", ds.NumCells())
		err = ds.Normalize(opt.Norm)
		if err != nil {
			return nil, err
		}
	}
	corr := ds.Layers[LayerCorrected]

	type geneOut struct {
		tested bool
		res    DEResult
	}
	outs := make([]geneOut, ds.NumGenes())
	inParallel(ds.NumGenes(), opt.Workers, func(i int) {
		raw := ds.GeneRow(i)
		var detA, detB int
		for _, j := range cellsA {
			if raw[j] > 0 {
				detA++
			}
		}
		for _, j := range cellsB {
			if raw[j] > 0 {
				detB++
			}
		}
		pctA := float64(detA) / float64(len(cellsA))
		pctB := float64(detB) / float64(len(cellsB))
		if pctA < opt.MinPct && pctB < opt.MinPct {
			return
		}
		crow := corr.Row(i)
		va := make([]float64, len(cellsA))
		vb := make([]float64, len(cellsB))
		var sumA, sumB float64
		for m, j := range cellsA {
			va[m] = math.Log1p(crow[j])
			sumA += crow[j]
		}
		for m, j := range cellsB {
			vb[m] = math.Log1p(crow[j])
			sumB += crow[j]
		}
		meanA := sumA / float64(len(cellsA))
		meanB := sumB / float64(len(cellsB))
		outs[i] = geneOut{tested: true, res: DEResult{
			Gene:   ds.Genes[i],
			PctA:   pctA,
			PctB:   pctB,
			Log2FC: math.Log2((meanA + dePseudocount) / (meanB + dePseudocount)),
			P:      test(va, vb),
		}}
	})

	var results []DEResult
	var pvals []float64
	for i := range outs {
		if outs[i].tested {
			results = append(results, outs[i].res)
			pvals = append(pvals, outs[i].res.P)
		}
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("diffexp: no genes pass the min-pct=%g detection filter", opt.MinPct)
	}
	adj := correct(pvals)
	for i := range results {
		results[i].AdjP = adj[i]
		results[i].Significant = adj[i] < opt.Alpha && math.Abs(results[i].Log2FC) > opt.MinLogFC
		results[i].Upregulated = results[i].Significant && results[i].Log2FC > 0
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].AdjP != results[j].AdjP {
			return results[i].AdjP < results[j].AdjP
		}
		la, lb := math.Abs(results[i].Log2FC), math.Abs(results[j].Log2FC)
		if la != lb {
			return la > lb
		}
		return results[i].Gene < results[j].Gene
	})
	return results, nil
}

// WriteDEResults writes one tab-delimited row per tested gene.
func WriteDEResults(w io.Writer, results []DEResult) error {
	bufw := bufio.NewWriter(w)
	_, err := fmt.Fprintln(bufw, "gene\tlog2_fc\tp_value\tadj_p_value\tpct_group1\tpct_group2\tsignificant\tregulation")
	if err != nil {
		return err
	}
	for _, r := range results {
		reg := "ns"
		if r.Significant {
			if r.Upregulated {
				reg = "up"
			} else {
				reg = "down"
			}
		}
		_, err = fmt.Fprintf(bufw, "%s\t%g\t%g\t%g\t%g\t%g\t%v\t%s\n",
			r.Gene, r.Log2FC, r.P, r.AdjP, r.PctA, r.PctB, r.Significant, reg)
		if err != nil {
			return err
		}
	}
	return bufw.Flush()
}

type diffexpcmd struct {
	opts DEOptions
}

func (cmd *diffexpcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "-", "output `file` (tab-delimited)")
	groupA := flags.String("group-a", "", "first cell `group` (cluster=..., sample=..., e.g. cluster=0)")
	groupB := flags.String("group-b", "rest", "second cell `group` (cluster=..., sample=..., or rest)")
	flags.StringVar(&cmd.opts.Test, "test", "wilcoxon", "per-gene `test` (wilcoxon or ttest)")
	flags.StringVar(&cmd.opts.Correction, "correction", "bh", "multiple-testing `correction` (bh or bonferroni)")
	flags.Float64Var(&cmd.opts.MinPct, "min-pct", 0.1, "test only genes detected in at least this `fraction` of cells in one group")
	flags.Float64Var(&cmd.opts.MinLogFC, "min-logfc", 0.5, "|log2FC| significance `threshold`")
	flags.Float64Var(&cmd.opts.Alpha, "alpha", 0.05, "adjusted p-value significance `threshold`")
	flags.IntVar(&cmd.opts.Workers, "workers", 0, "worker threads (`0` = all CPUs)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *inputFilename == "" || *groupA == "" {
		flags.Usage()
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	specA, err := ParseGroupSpec(*groupA)
	if err != nil {
		return 2
	}
	specB, err := ParseGroupSpec(*groupB)
	if err != nil {
		return 2
	}

	log.Printf("%s: reading", *inputFilename)
	ds, err := LoadDatasetFile(*inputFilename)
	if err != nil {
		return 1
	}
	log.Printf("diffexp %s vs %s over %d genes, %d cells", specA.Name, specB.Name, ds.NumGenes(), ds.NumCells())
	results, err := ds.DiffExp(specA, specB, cmd.opts)
	if err != nil {
		return 1
	}
	nsig := 0
	for _, r := range results {
		if r.Significant {
			nsig++
		}
	}
	log.Printf("tested %d genes, %d significant", len(results), nsig)

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	err = WriteDEResults(output, results)
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}
