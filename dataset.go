// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"regexp"

	"github.com/james-bowman/sparse"
	"golang.org/x/crypto/blake2b"
)

// DefaultMitoPattern matches mouse-style mitochondrial gene names.
const DefaultMitoPattern = `^mt-`

// LayerKind identifies a derived expression layer attached to a
// Dataset alongside the raw counts.
type LayerKind int

const (
	// LayerCorrected holds depth-corrected expression values.
	LayerCorrected LayerKind = iota
	// LayerResidual holds clipped Pearson residuals.
	LayerResidual
)

func (k LayerKind) String() string {
	switch k {
	case LayerCorrected:
		return "corrected"
	case LayerResidual:
		return "residual"
	default:
		return fmt.Sprintf("layer%d", int(k))
	}
}

// Layer is a dense gene,cell matrix stored row-major.
type Layer struct {
	Rows, Cols int
	Data       []float64
}

func NewLayer(rows, cols int) *Layer {
	return &Layer{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

func (l *Layer) At(i, j int) float64 { return l.Data[i*l.Cols+j] }

func (l *Layer) Set(i, j int, v float64) { l.Data[i*l.Cols+j] = v }

// Row returns a view of gene i across all cells.
func (l *Layer) Row(i int) []float64 { return l.Data[i*l.Cols : (i+1)*l.Cols] }

// CellInfo is the per-cell metadata record. QC metrics are derived
// from the counts matrix and stamped with its fingerprint; cluster
// and embedding fields are assigned by later stages.
type CellInfo struct {
	Sample       string
	TotalCount   float64
	FeatureCount int
	MitoPct      float64
	Cluster      int
	PCA          []float64
	UMAP         []float64
}

// GeneInfo is the per-gene metadata record. All fields are derived
// and reset whenever the underlying matrix changes.
type GeneInfo struct {
	Mean             float64
	Variance         float64
	ResidualVariance float64
	HighlyVariable   bool
}

// SkippedGene records one gene excluded from normalization, with the
// reason, so exclusions are auditable downstream.
type SkippedGene struct {
	Gene   string
	Reason string
}

// NormInfo describes the normalization fitted to a Dataset. The
// fingerprint ties the fit to the exact counts snapshot it was
// computed from; a mismatch means the fit is stale (e.g. after
// subsetting) and must be redone.
type NormInfo struct {
	Fingerprint    []byte
	ClipMax        float64
	MedianLogDepth float64
	Skipped        []SkippedGene
}

// Dataset is one gene-by-cell expression matrix with its metadata and
// derived layers. Raw counts are immutable after construction; every
// transformation yields a new Dataset or attaches a new layer.
type Dataset struct {
	Genes    []string
	Cells    []string
	CellMeta []CellInfo
	GeneMeta []GeneInfo
	Layers   map[LayerKind]*Layer
	Norm     *NormInfo

	counts      *sparse.CSR
	fingerprint []byte
	metricsFP   []byte
	mitoPattern string
}

// NewDataset wraps a sparse counts matrix (genes x cells) and its
// identifier axes.
func NewDataset(genes, cells []string, counts *sparse.CSR) (*Dataset, error) {
	r, c := counts.Dims()
	if r != len(genes) || c != len(cells) {
		return nil, fmt.Errorf("axis mismatch: matrix is %dx%d but %d genes, %d cells given", r, c, len(genes), len(cells))
	}
	ds := &Dataset{
		Genes:    genes,
		Cells:    cells,
		CellMeta: make([]CellInfo, len(cells)),
		GeneMeta: make([]GeneInfo, len(genes)),
		Layers:   map[LayerKind]*Layer{},
		counts:   counts,
	}
	for i := range ds.CellMeta {
		ds.CellMeta[i].Cluster = -1
	}
	ds.fingerprint = fingerprintCounts(counts)
	return ds, nil
}

func (ds *Dataset) NumGenes() int { return len(ds.Genes) }

func (ds *Dataset) NumCells() int { return len(ds.Cells) }

func (ds *Dataset) Counts() *sparse.CSR { return ds.counts }

// Fingerprint identifies the raw counts snapshot.
func (ds *Dataset) Fingerprint() []byte { return ds.fingerprint }

// SetSample assigns the same sample label to every cell.
func (ds *Dataset) SetSample(label string) {
	for i := range ds.CellMeta {
		ds.CellMeta[i].Sample = label
	}
}

// Samples returns the distinct sample labels in first-seen order.
func (ds *Dataset) Samples() []string {
	var out []string
	seen := map[string]bool{}
	for _, ci := range ds.CellMeta {
		if !seen[ci.Sample] {
			seen[ci.Sample] = true
			out = append(out, ci.Sample)
		}
	}
	return out
}

// GeneRow returns gene i as a dense vector over cells.
func (ds *Dataset) GeneRow(i int) []float64 {
	row := make([]float64, ds.NumCells())
	ds.counts.DoRowNonZero(i, func(_, j int, v float64) {
		row[j] = v
	})
	return row
}

func (ds *Dataset) geneIndex() map[string]int {
	idx := make(map[string]int, len(ds.Genes))
	for i, g := range ds.Genes {
		idx[g] = i
	}
	return idx
}

func sparseCSR(rows, cols int, ri, ci []int, vals []float64) *sparse.CSR {
	return sparse.NewCOO(rows, cols, ri, ci, vals).ToCSR()
}

func fingerprintCounts(m *sparse.CSR) []byte {
	h, _ := blake2b.New256(nil)
	r, c := m.Dims()
	binary.Write(h, binary.LittleEndian, int64(r))
	binary.Write(h, binary.LittleEndian, int64(c))
	m.DoNonZero(func(i, j int, v float64) {
		binary.Write(h, binary.LittleEndian, int64(i))
		binary.Write(h, binary.LittleEndian, int64(j))
		binary.Write(h, binary.LittleEndian, v)
	})
	return h.Sum(nil)
}

// EnsureMetrics computes per-cell QC metrics (total count, detected
// feature count, mitochondrial percentage) if they have not yet been
// computed for the current counts snapshot and mito pattern. Metrics
// are computed at most once per distinct snapshot.
func (ds *Dataset) EnsureMetrics(mitoPattern string) error {
	if mitoPattern == "" {
		mitoPattern = DefaultMitoPattern
	}
	if bytes.Equal(ds.metricsFP, ds.fingerprint) && ds.mitoPattern == mitoPattern {
		return nil
	}
	mitoRe, err := regexp.Compile(mitoPattern)
	if err != nil {
		return fmt.Errorf("bad mito pattern %q: %w", mitoPattern, err)
	}
	isMito := make([]bool, ds.NumGenes())
	for i, g := range ds.Genes {
		isMito[i] = mitoRe.MatchString(g)
	}
	total := make([]float64, ds.NumCells())
	feats := make([]int, ds.NumCells())
	mito := make([]float64, ds.NumCells())
	ds.counts.DoNonZero(func(i, j int, v float64) {
		if v <= 0 {
			return
		}
		total[j] += v
		feats[j]++
		if isMito[i] {
			mito[j] += v
		}
	})
	for j := range ds.CellMeta {
		ds.CellMeta[j].TotalCount = total[j]
		ds.CellMeta[j].FeatureCount = feats[j]
		if total[j] > 0 {
			ds.CellMeta[j].MitoPct = 100 * mito[j] / total[j]
		} else {
			ds.CellMeta[j].MitoPct = 0
		}
	}
	ds.metricsFP = append([]byte(nil), ds.fingerprint...)
	ds.mitoPattern = mitoPattern
	return nil
}

// Subset produces an independent child dataset containing only the
// cells whose indices appear in keep (in the given order). Gene-level
// derived statistics, cluster labels, embeddings, layers and the
// normalization fit are all reset: the child must be re-normalized
// and re-clustered on its own. Mutating the child never affects the
// parent.
//
// A keep list selecting zero cells yields an empty dataset and an
// *EmptyResultWarning so the caller can report it; the empty dataset
// is still valid to propagate.
func (ds *Dataset) Subset(keep []int, stage string) (*Dataset, error) {
	for _, j := range keep {
		if j < 0 || j >= ds.NumCells() {
			return nil, fmt.Errorf("%s: cell index %d out of range", stage, j)
		}
	}
	colmap := make(map[int]int, len(keep))
	cells := make([]string, len(keep))
	for newj, oldj := range keep {
		colmap[oldj] = newj
		cells[newj] = ds.Cells[oldj]
	}
	var ri, ci []int
	var vals []float64
	ds.counts.DoNonZero(func(i, j int, v float64) {
		if newj, ok := colmap[j]; ok {
			ri = append(ri, i)
			ci = append(ci, newj)
			vals = append(vals, v)
		}
	})
	counts := sparseCSR(ds.NumGenes(), len(keep), ri, ci, vals)
	genes := append([]string(nil), ds.Genes...)
	child, err := NewDataset(genes, cells, counts)
	if err != nil {
		return nil, err
	}
	for newj, oldj := range keep {
		child.CellMeta[newj].Sample = ds.CellMeta[oldj].Sample
	}
	if len(keep) == 0 {
		return child, &EmptyResultWarning{Stage: stage}
	}
	return child, nil
}

// SubsetWhere selects cells matching the predicate.
func (ds *Dataset) SubsetWhere(stage string, pred func(j int, ci *CellInfo) bool) (*Dataset, error) {
	var keep []int
	for j := range ds.CellMeta {
		if pred(j, &ds.CellMeta[j]) {
			keep = append(keep, j)
		}
	}
	return ds.Subset(keep, stage)
}

// NumClusters returns the number of distinct cluster labels assigned,
// or 0 if clustering has not run.
func (ds *Dataset) NumClusters() int {
	max := -1
	for _, ci := range ds.CellMeta {
		if ci.Cluster > max {
			max = ci.Cluster
		}
	}
	return max + 1
}
