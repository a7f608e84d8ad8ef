// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import "fmt"

// IngestionError indicates malformed or mismatched raw input. It is
// fatal to the pipeline run that encountered it.
type IngestionError struct {
	Input  string
	Reason string
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingest: %s: %s", e.Input, e.Reason)
}

// MergeError indicates a sample label collision or an empty input set.
type MergeError struct {
	Sample string
	Reason string
}

func (e *MergeError) Error() string {
	if e.Sample == "" {
		return fmt.Sprintf("merge: %s", e.Reason)
	}
	return fmt.Sprintf("merge: sample %q: %s", e.Sample, e.Reason)
}

// ConvergenceError records a single gene whose depth regression did
// not converge. The gene is excluded from downstream selection; the
// pipeline continues.
type ConvergenceError struct {
	Gene   string
	Reason string
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("normalize: gene %q: fit did not converge: %s", e.Gene, e.Reason)
}

// EmptyGroupError indicates a differential expression comparison
// where one of the named groups selected zero cells. Fatal to that
// comparison only.
type EmptyGroupError struct {
	Group string
}

func (e *EmptyGroupError) Error() string {
	return fmt.Sprintf("diffexp: group %q is empty after cell selection", e.Group)
}

// EmptyResultWarning reports a filter or subset that produced zero
// cells. Non-fatal: callers log it and propagate the empty dataset.
type EmptyResultWarning struct {
	Stage string
}

func (e *EmptyResultWarning) Error() string {
	return fmt.Sprintf("%s: zero cells remain", e.Stage)
}
