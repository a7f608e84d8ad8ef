// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// EnrichTerm is one ranked annotation term returned by the
// enrichment service for a single database.
type EnrichTerm struct {
	Term    string
	Score   float64
	P       float64
	AdjP    float64
	Overlap []string
}

// EnrichClient queries an Enrichr-compatible functional enrichment
// service. The scoring itself is entirely the service's business;
// this client only uploads a gene list and fetches ranked terms.
type EnrichClient struct {
	BaseURL string
	Client  *http.Client
}

func (c *EnrichClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// addList uploads the gene list and returns the service's list ID.
func (c *EnrichClient) addList(ctx context.Context, genes []string) (int64, error) {
	var body strings.Builder
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormField("list")
	if err != nil {
		return 0, err
	}
	fmt.Fprint(fw, strings.Join(genes, "\n"))
	err = mw.Close()
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/addList", strings.NewReader(body.String()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("addList: %s", resp.Status)
	}
	var out struct {
		UserListID int64 `json:"userListId"`
	}
	err = json.NewDecoder(resp.Body).Decode(&out)
	if err != nil {
		return 0, fmt.Errorf("addList: decode: %w", err)
	}
	return out.UserListID, nil
}

// Enrich uploads genes and fetches ranked terms for each named
// database.
func (c *EnrichClient) Enrich(ctx context.Context, genes, databases []string) (map[string][]EnrichTerm, error) {
	if len(genes) == 0 {
		return nil, fmt.Errorf("enrich: empty gene list")
	}
	listID, err := c.addList(ctx, genes)
	if err != nil {
		return nil, err
	}
	out := map[string][]EnrichTerm{}
	for _, db := range databases {
		q := url.Values{}
		q.Set("userListId", fmt.Sprint(listID))
		q.Set("backgroundType", db)
		req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/enrich?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient().Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("enrich %s: %s", db, resp.Status)
		}
		// Rows are positional arrays: rank, term, p-value,
		// z-score, combined score, overlapping genes, adjusted
		// p-value, ...
		var raw map[string][][]interface{}
		err = json.NewDecoder(resp.Body).Decode(&raw)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("enrich %s: decode: %w", db, err)
		}
		for _, row := range raw[db] {
			if len(row) < 7 {
				continue
			}
			term := EnrichTerm{}
			term.Term, _ = row[1].(string)
			term.P, _ = row[2].(float64)
			term.Score, _ = row[4].(float64)
			if genes, ok := row[5].([]interface{}); ok {
				for _, g := range genes {
					if s, ok := g.(string); ok {
						term.Overlap = append(term.Overlap, s)
					}
				}
			}
			term.AdjP, _ = row[6].(float64)
			out[db] = append(out[db], term)
		}
	}
	return out, nil
}

type enrichcmd struct{}

func (cmd *enrichcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	genesFile := flags.String("genes", "-", "gene list `file`, one identifier per line (- for stdin)")
	dbs := flags.String("db", "", "comma-separated enrichment `databases`")
	baseURL := flags.String("base-url", "https://maayanlab.cloud/Enrichr", "enrichment service `URL`")
	outputFilename := flags.String("o", "-", "output `file` (tab-delimited)")
	timeout := flags.Duration("timeout", time.Minute, "request `timeout`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *dbs == "" {
		flags.Usage()
		return 2
	}

	var input io.ReadCloser
	if *genesFile == "-" {
		input = io.NopCloser(stdin)
	} else {
		input, err = os.Open(*genesFile)
		if err != nil {
			return 1
		}
		defer input.Close()
	}
	var genes []string
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		if g := strings.TrimSpace(scanner.Text()); g != "" {
			genes = append(genes, g)
		}
	}
	err = scanner.Err()
	if err != nil {
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := &EnrichClient{BaseURL: *baseURL}
	log.Printf("querying %s with %d genes", *baseURL, len(genes))
	results, err := client.Enrich(ctx, genes, strings.Split(*dbs, ","))
	if err != nil {
		return 1
	}

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
	bufw := bufio.NewWriter(output)
	fmt.Fprintln(bufw, "database\tterm\tscore\tp_value\tadj_p_value\toverlap")
	for _, db := range strings.Split(*dbs, ",") {
		for _, term := range results[db] {
			fmt.Fprintf(bufw, "%s\t%s\t%g\t%g\t%g\t%s\n",
				db, term.Term, term.Score, term.P, term.AdjP, strings.Join(term.Overlap, ";"))
		}
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}
