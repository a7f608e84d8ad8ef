// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/check.v1"
)

type pipelineSuite struct{}

var _ = check.Suite(&pipelineSuite{})

// writeSampleFiles writes one synthetic sample (20 genes x 25 cells)
// in MatrixMarket form. Gene0 is strongly elevated when marker is
// true.
func writeSampleFiles(c *check.C, dir string, marker bool) (mtx, genes, cells string) {
	ngenes, ncells := 20, 25
	var entries []string
	for i := 0; i < ngenes; i++ {
		for j := 0; j < ncells; j++ {
			v := (i%5+1)*(1+j%7) + (i*j)%3
			if i == 0 {
				if marker {
					v = 40 + j%5
				} else {
					v = j % 2
				}
			}
			if v > 0 {
				entries = append(entries, fmt.Sprintf("%d %d %d", i+1, j+1, v))
			}
		}
	}
	var mtxBuf strings.Builder
	fmt.Fprintf(&mtxBuf, "%%%%MatrixMarket matrix coordinate integer general\n%d %d %d\n", ngenes, ncells, len(entries))
	mtxBuf.WriteString(strings.Join(entries, "\n") + "\n")
	mtx = writeTestFile(c, dir, "matrix.mtx", mtxBuf.String(), false)
	genes = writeTestFile(c, dir, "genes.tsv", strings.Join(geneNames(ngenes), "\n")+"\n", false)
	cells = writeTestFile(c, dir, "barcodes.tsv", strings.Join(cellNames(ncells), "\n")+"\n", false)
	return mtx, genes, cells
}

func (s *pipelineSuite) TestEndToEnd(c *check.C) {
	tmpdir := c.MkDir()
	qcFiles := make([]string, 2)
	for i, sample := range []string{"wt", "ko"} {
		dir := filepath.Join(tmpdir, sample)
		c.Assert(os.Mkdir(dir, 0777), check.IsNil)
		mtx, genes, cells := writeSampleFiles(c, dir, sample == "wt")

		raw := filepath.Join(tmpdir, sample+".gob.gz")
		code := (&ingester{}).RunCommand("singlet ingest", []string{
			"-matrix", mtx, "-genes", genes, "-cells", cells,
			"-sample", sample, "-min-cells", "1", "-min-features", "1",
			"-o", raw,
		}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
		c.Assert(code, check.Equals, 0)

		qcFiles[i] = filepath.Join(tmpdir, sample+".qc.gob.gz")
		code = (&qccmd{}).RunCommand("singlet qc", []string{
			"-i", raw, "-o", qcFiles[i], "-min-counts", "1",
		}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
		c.Assert(code, check.Equals, 0)
	}

	merged := filepath.Join(tmpdir, "merged.gob.gz")
	code := (&merger{}).RunCommand("singlet merge", []string{
		"-o", merged, qcFiles[0], qcFiles[1],
	}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)

	ds, err := LoadDatasetFile(merged)
	c.Assert(err, check.IsNil)
	c.Check(ds.NumCells(), check.Equals, 50)
	c.Check(ds.NumGenes(), check.Equals, 20)
	c.Check(ds.Samples(), check.DeepEquals, []string{"wt", "ko"})

	normalized := filepath.Join(tmpdir, "normalized.gob.gz")
	code = (&normalizecmd{}).RunCommand("singlet normalize", []string{
		"-i", merged, "-o", normalized, "-hvg", "10",
	}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)

	reduced := filepath.Join(tmpdir, "reduced.gob.gz")
	code = (&reducecmd{}).RunCommand("singlet reduce", []string{
		"-i", normalized, "-o", reduced,
		"-components", "5", "-use-pcs", "5", "-neighbors", "5",
		"-epochs", "20", "-seed", "1",
	}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)

	clustered := filepath.Join(tmpdir, "clustered.gob.gz")
	code = (&clustercmd{}).RunCommand("singlet cluster", []string{
		"-i", reduced, "-o", clustered,
		"-neighbors", "5", "-use-pcs", "5", "-seed", "1",
	}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)

	ds, err = LoadDatasetFile(clustered)
	c.Assert(err, check.IsNil)
	c.Check(ds.NumClusters() >= 1, check.Equals, true)
	for j := range ds.CellMeta {
		c.Assert(ds.CellMeta[j].Cluster >= 0, check.Equals, true)
		c.Assert(len(ds.CellMeta[j].PCA), check.Equals, 5)
		c.Assert(len(ds.CellMeta[j].UMAP), check.Equals, 2)
	}

	deOut := &bytes.Buffer{}
	code = (&diffexpcmd{}).RunCommand("singlet diffexp", []string{
		"-i", clustered, "-group-a", "sample=wt", "-group-b", "sample=ko",
	}, bytes.NewReader(nil), deOut, os.Stderr)
	c.Assert(code, check.Equals, 0)
	lines := strings.Split(strings.TrimRight(deOut.String(), "\n"), "\n")
	c.Assert(len(lines) > 1, check.Equals, true)
	c.Check(strings.HasPrefix(lines[0], "gene\t"), check.Equals, true)
	var markerLine string
	for _, line := range lines[1:] {
		if strings.HasPrefix(line, "Gene0\t") {
			markerLine = line
		}
	}
	c.Assert(markerLine, check.Not(check.Equals), "")
	c.Check(strings.HasSuffix(markerLine, "\tup"), check.Equals, true)

	statsOut := &bytes.Buffer{}
	code = (&statscmd{}).RunCommand("singlet stats", []string{
		"-i", clustered,
	}, bytes.NewReader(nil), statsOut, os.Stderr)
	c.Assert(code, check.Equals, 0)
	var stats struct {
		Genes, Cells   int
		CellsPerSample map[string]int
		HighlyVariable int
	}
	c.Assert(json.Unmarshal(statsOut.Bytes(), &stats), check.IsNil)
	c.Check(stats.Genes, check.Equals, 20)
	c.Check(stats.Cells, check.Equals, 50)
	c.Check(stats.CellsPerSample["wt"], check.Equals, 25)
	c.Check(stats.HighlyVariable, check.Equals, 10)

	subsetFile := filepath.Join(tmpdir, "cluster0.gob.gz")
	code = (&subsetcmd{}).RunCommand("singlet subset", []string{
		"-i", clustered, "-group", "cluster=0", "-o", subsetFile,
	}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)
	child, err := LoadDatasetFile(subsetFile)
	c.Assert(err, check.IsNil)
	c.Check(child.NumCells() > 0, check.Equals, true)
	c.Check(child.NumCells() <= 50, check.Equals, true)
	c.Check(child.Norm, check.IsNil)

	npyFile := filepath.Join(tmpdir, "pca.npy")
	code = (&exportNumpy{}).RunCommand("singlet export-numpy", []string{
		"-i", reduced, "-data", "pca", "-o", npyFile,
	}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)
	fi, err := os.Stat(npyFile)
	c.Assert(err, check.IsNil)
	c.Check(fi.Size() > 0, check.Equals, true)
}

func (s *pipelineSuite) TestVersion(c *check.C) {
	out := &bytes.Buffer{}
	code := handler.RunCommand("singlet", []string{"version"}, bytes.NewReader(nil), out, os.Stderr)
	c.Check(code, check.Equals, 0)
	c.Check(len(out.String()) > 0, check.Equals, true)
}

func (s *pipelineSuite) TestUsage(c *check.C) {
	stderr := &bytes.Buffer{}
	code := handler.RunCommand("singlet", []string{"no-such-command"}, bytes.NewReader(nil), &bytes.Buffer{}, stderr)
	c.Check(code, check.Equals, 2)
	c.Check(strings.Contains(stderr.String(), "ingest"), check.Equals, true)
}
