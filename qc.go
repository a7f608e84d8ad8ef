// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"errors"
	"flag"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// QCBounds are the per-cell filter predicates: minimums are
// inclusive, maximums exclusive, and the mitochondrial bound is a
// strict upper limit. Negative maximums disable that bound.
type QCBounds struct {
	MinCounts   float64
	MaxCounts   float64
	MinFeatures int
	MaxFeatures int
	MaxMitoPct  float64
}

func (b *QCBounds) Flags(flags *flag.FlagSet) {
	flags.Float64Var(&b.MinCounts, "min-counts", 0, "drop cells with total count below `N` (inclusive bound)")
	flags.Float64Var(&b.MaxCounts, "max-counts", -1, "drop cells with total count at or above `N` (exclusive bound, -1 = no bound)")
	flags.IntVar(&b.MinFeatures, "min-features", 0, "drop cells with fewer than `N` detected genes (inclusive bound)")
	flags.IntVar(&b.MaxFeatures, "max-features", -1, "drop cells with `N` or more detected genes (exclusive bound, -1 = no bound)")
	flags.Float64Var(&b.MaxMitoPct, "max-mito", -1, "drop cells with mitochondrial percentage of `P` or more (-1 = no bound)")
}

// Keep reports whether a cell passes every configured predicate.
func (b *QCBounds) Keep(ci *CellInfo) bool {
	if ci.TotalCount < b.MinCounts {
		return false
	}
	if b.MaxCounts >= 0 && ci.TotalCount >= b.MaxCounts {
		return false
	}
	if ci.FeatureCount < b.MinFeatures {
		return false
	}
	if b.MaxFeatures >= 0 && ci.FeatureCount >= b.MaxFeatures {
		return false
	}
	if b.MaxMitoPct >= 0 && ci.MitoPct >= b.MaxMitoPct {
		return false
	}
	return true
}

// ApplyQC recomputes QC metrics for the current counts snapshot and
// returns a new dataset without the cells failing bounds. A filter
// that removes every cell is reported with an *EmptyResultWarning
// alongside the (valid, empty) result.
func (ds *Dataset) ApplyQC(bounds QCBounds, mitoPattern string) (*Dataset, error) {
	err := ds.EnsureMetrics(mitoPattern)
	if err != nil {
		return nil, err
	}
	return ds.SubsetWhere("qc", func(_ int, ci *CellInfo) bool {
		return bounds.Keep(ci)
	})
}

type qccmd struct {
	bounds      QCBounds
	mitoPattern string
}

func (cmd *qccmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "", "input dataset `file`")
	outputFilename := flags.String("o", "", "output dataset `file`")
	flags.StringVar(&cmd.mitoPattern, "mito-pattern", DefaultMitoPattern, "`regexp` matching mitochondrial gene names")
	cmd.bounds.Flags(flags)
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

	log.Printf("%s: reading", *inputFilename)
	ds, err := LoadDatasetFile(*inputFilename)
	if err != nil {
		return 1
	}
	before := ds.NumCells()
	filtered, err := ds.ApplyQC(cmd.bounds, cmd.mitoPattern)
	var warn *EmptyResultWarning
	if errors.As(err, &warn) {
		log.Warnf("%s (input %s)", warn, *inputFilename)
		err = nil
	} else if err != nil {
		return 1
	}
	err = filtered.EnsureMetrics(cmd.mitoPattern)
	if err != nil {
		return 1
	}
	log.Printf("qc kept %d of %d cells", filtered.NumCells(), before)
	err = SaveDatasetFile(*outputFilename, filtered)
	if err != nil {
		return 1
	}
	return 0
}
