// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"
	"gopkg.in/check.v1"
)

type mtxSuite struct{}

var _ = check.Suite(&mtxSuite{})

const testMtx = `%%MatrixMarket matrix coordinate integer general
% comment line
3 2 4
1 1 5
2 1 1
2 2 3
3 2 2
`

func writeTestFile(c *check.C, dir, name, content string, gz bool) string {
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	c.Assert(err, check.IsNil)
	defer f.Close()
	if gz {
		w := pgzip.NewWriter(f)
		_, err = w.Write([]byte(content))
		c.Assert(err, check.IsNil)
		c.Assert(w.Close(), check.IsNil)
	} else {
		_, err = f.WriteString(content)
		c.Assert(err, check.IsNil)
	}
	return path
}

func (s *mtxSuite) TestLoadMatrix(c *check.C) {
	dir := c.MkDir()
	mtx := writeTestFile(c, dir, "matrix.mtx", testMtx, false)
	genes := writeTestFile(c, dir, "genes.tsv", "ENSMUSG01\tActb\nENSMUSG02\tGapdh\nENSMUSG03\tXist\n", false)
	cells := writeTestFile(c, dir, "barcodes.tsv", "AAACCTG-1\nAAACGGG-1\n", false)

	ds, err := LoadMatrix(mtx, genes, cells, IngestOptions{})
	c.Assert(err, check.IsNil)
	c.Check(ds.Genes, check.DeepEquals, []string{"Actb", "Gapdh", "Xist"})
	c.Check(ds.Cells, check.DeepEquals, []string{"AAACCTG-1", "AAACGGG-1"})
	c.Check(ds.GeneRow(0), check.DeepEquals, []float64{5, 0})
	c.Check(ds.GeneRow(1), check.DeepEquals, []float64{1, 3})
	c.Check(ds.GeneRow(2), check.DeepEquals, []float64{0, 2})
}

func (s *mtxSuite) TestLoadMatrixGzip(c *check.C) {
	dir := c.MkDir()
	mtx := writeTestFile(c, dir, "matrix.mtx.gz", testMtx, true)
	genes := writeTestFile(c, dir, "genes.tsv.gz", "Actb\nGapdh\nXist\n", true)
	cells := writeTestFile(c, dir, "barcodes.tsv", "AAACCTG-1\nAAACGGG-1\n", false)

	ds, err := LoadMatrix(mtx, genes, cells, IngestOptions{})
	c.Assert(err, check.IsNil)
	c.Check(ds.NumGenes(), check.Equals, 3)
	c.Check(ds.NumCells(), check.Equals, 2)
}

func (s *mtxSuite) TestLoadMatrixFilters(c *check.C) {
	dir := c.MkDir()
	mtx := writeTestFile(c, dir, "matrix.mtx", `%%MatrixMarket matrix coordinate integer general
3 3 5
1 1 4
1 2 5
2 1 2
2 2 2
3 3 1
`, false)
	genes := writeTestFile(c, dir, "genes.tsv", "Actb\nGapdh\nXist\n", false)
	cells := writeTestFile(c, dir, "barcodes.tsv", "c0\nc1\nc2\n", false)

	// Xist is detected in one cell and c2 detects one gene; both
	// fall under the thresholds.
	ds, err := LoadMatrix(mtx, genes, cells, IngestOptions{MinCells: 2, MinFeatures: 2})
	c.Assert(err, check.IsNil)
	c.Check(ds.Genes, check.DeepEquals, []string{"Actb", "Gapdh"})
	c.Check(ds.Cells, check.DeepEquals, []string{"c0", "c1"})
}

func (s *mtxSuite) TestLoadMatrixAxisMismatch(c *check.C) {
	dir := c.MkDir()
	mtx := writeTestFile(c, dir, "matrix.mtx", testMtx, false)
	genes := writeTestFile(c, dir, "genes.tsv", "Actb\nGapdh\n", false) // one short
	cells := writeTestFile(c, dir, "barcodes.tsv", "c0\nc1\n", false)

	_, err := LoadMatrix(mtx, genes, cells, IngestOptions{})
	var ingErr *IngestionError
	c.Check(errors.As(err, &ingErr), check.Equals, true)
}

func (s *mtxSuite) TestReadMatrixMarketErrors(c *check.C) {
	for _, input := range []string{
		"",
		"2 2\n1 1 5\n",
		"2 2 1\n1 1\n",
		"2 2 1\n3 1 5\n",
		"2 2 1\n1 1 x\n",
		"not a header\n",
	} {
		_, _, _, err := readMatrixMarket("test.mtx", strings.NewReader(input))
		c.Check(err, check.NotNil, check.Commentf("input %q", input))
	}
}
