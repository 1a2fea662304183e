// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/kraklabs/kge/internal/errors"
	"github.com/kraklabs/kge/internal/output"
	"github.com/kraklabs/kge/internal/ui"
	"github.com/kraklabs/kge/pkg/ingest"
)

// runSearch executes the 'search' CLI command: embed the query and rank
// the ontology's concepts by cosine similarity.
//
// Flags:
//   - --ontology: Ontology to search (required)
//   - --top: Maximum number of hits (default: 10)
//   - --threshold: Minimum similarity (default: 0.3)
//
// Examples:
//
//	kge search "wave function" --ontology physics
//	kge search "trade routes" --ontology history --top 5 --json
func runSearch(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	ontology := fs.String("ontology", "", "Ontology to search (required)")
	topK := fs.Int("top", 10, "Maximum number of hits")
	threshold := fs.Float64("threshold", ingest.DefaultSearchThreshold, "Minimum similarity (0..1)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: kge search <query> [options]

Semantic search over an ontology's concepts.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(1)
	}
	query := strings.Join(fs.Args(), " ")

	if *ontology == "" {
		errors.FatalError(errors.NewInputError(
			"Missing ontology",
			"Search is always scoped to one ontology",
			"Pass --ontology, e.g. --ontology physics",
		), globals.JSON)
	}

	logger := newLogger(globals)
	ctx := context.Background()

	rt, _, err := openRuntime(ctx, globals, logger)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer rt.Close()

	searcher := ingest.NewSearcher(rt.Graph, rt.Provider, rt.Logger)
	results, err := searcher.Search(ctx, *ontology, query, *topK, *threshold)
	if err != nil {
		errors.FatalError(errors.NewNetworkError(
			"Search failed",
			err.Error(),
			"Check the AI provider and Postgres connections",
			err,
		), globals.JSON)
	}

	if globals.JSON {
		if err := output.JSON(results); err != nil {
			errors.FatalError(err, true)
		}
		return
	}

	if len(results) == 0 {
		ui.Info("No concepts matched")
		return
	}
	ui.Header(fmt.Sprintf("Concepts matching %q in %s", query, *ontology))
	for _, r := range results {
		fmt.Printf("  %.3f  %s", r.Similarity, ui.Label(r.Label))
		if r.Description != "" {
			fmt.Printf("  %s", ui.DimText(truncate(r.Description, 80)))
		}
		fmt.Println()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
