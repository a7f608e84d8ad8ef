// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"

	"gopkg.in/check.v1"
)

type enrichSuite struct{}

var _ = check.Suite(&enrichSuite{})

func enrichStub(c *check.C) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/addList":
			c.Check(r.Method, check.Equals, "POST")
			c.Check(r.FormValue("list"), check.Equals, "Cd4\nCd8a")
			json.NewEncoder(w).Encode(map[string]interface{}{"userListId": 12345})
		case r.URL.Path == "/enrich":
			c.Check(r.URL.Query().Get("userListId"), check.Equals, "12345")
			db := r.URL.Query().Get("backgroundType")
			json.NewEncoder(w).Encode(map[string]interface{}{
				db: [][]interface{}{
					{1, "T cell activation", 0.0001, 3.2, 42.5, []interface{}{"Cd4", "Cd8a"}, 0.002},
					{2, "immune response", 0.01, 1.1, 7.5, []interface{}{"Cd4"}, 0.09},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func (s *enrichSuite) TestEnrichClient(c *check.C) {
	srv := enrichStub(c)
	defer srv.Close()

	client := &EnrichClient{BaseURL: srv.URL}
	results, err := client.Enrich(context.Background(), []string{"Cd4", "Cd8a"}, []string{"GO_Biological_Process"})
	c.Assert(err, check.IsNil)
	terms := results["GO_Biological_Process"]
	c.Assert(len(terms), check.Equals, 2)
	c.Check(terms[0].Term, check.Equals, "T cell activation")
	c.Check(terms[0].Score, check.Equals, 42.5)
	c.Check(terms[0].AdjP, check.Equals, 0.002)
	c.Check(terms[0].Overlap, check.DeepEquals, []string{"Cd4", "Cd8a"})
}

func (s *enrichSuite) TestEnrichEmptyGeneList(c *check.C) {
	client := &EnrichClient{BaseURL: "http://localhost:0"}
	_, err := client.Enrich(context.Background(), nil, []string{"GO"})
	c.Check(err, check.NotNil)
}

func (s *enrichSuite) TestEnrichCommand(c *check.C) {
	srv := enrichStub(c)
	defer srv.Close()

	out := &bytes.Buffer{}
	code := (&enrichcmd{}).RunCommand("singlet enrich", []string{
		"-base-url", srv.URL, "-db", "GO_Biological_Process",
	}, strings.NewReader("Cd4\nCd8a\n"), out, os.Stderr)
	c.Assert(code, check.Equals, 0)
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	c.Assert(len(lines), check.Equals, 3)
	c.Check(lines[0], check.Equals, "database\tterm\tscore\tp_value\tadj_p_value\toverlap")
	c.Check(strings.Contains(lines[1], "T cell activation"), check.Equals, true)
	c.Check(strings.HasSuffix(lines[1], "Cd4;Cd8a"), check.Equals, true)
}
