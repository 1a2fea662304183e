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
	"time"

	"github.com/kraklabs/kge/internal/errors"
	"github.com/kraklabs/kge/internal/output"
	"github.com/kraklabs/kge/internal/ui"
	"github.com/kraklabs/kge/pkg/graph"
	"github.com/kraklabs/kge/pkg/jobs"
)

// StatusResult represents the graph and queue status for JSON output.
type StatusResult struct {
	Graph      *graph.GraphStats    `json:"graph"`
	Ontologies []graph.OntologyInfo `json:"ontologies"`
	Staleness  jobs.StalenessInfo   `json:"staleness"`
	Jobs       map[string]int       `json:"jobs"`
	Timestamp  time.Time            `json:"timestamp"`
}

// runStatus executes the 'status' CLI command, displaying graph node
// counts per namespace, the known ontologies, metric staleness, and job
// counts per queue state.
//
// Flags:
//   - --json: Output results as JSON (default: false)
//
// Examples:
//
//	kge status           Display formatted status
//	kge status --json    Output as JSON for programmatic use
func runStatus(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: kge status [options]

Shows graph, metrics, and job queue status.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	jsonMode := globals.JSON || *jsonOutput

	logger := newLogger(globals)
	ctx := context.Background()

	rt, _, err := openRuntime(ctx, globals, logger)
	if err != nil {
		errors.FatalError(err, jsonMode)
	}
	defer rt.Close()

	result := &StatusResult{
		Jobs:      make(map[string]int),
		Timestamp: time.Now(),
	}

	facade := graph.NewFacade(rt.Graph, rt.Logger)
	if result.Graph, err = facade.GetGraphStats(ctx); err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Cannot read graph statistics",
			err.Error(),
			"Check the Postgres connection and that Apache AGE is installed",
			err,
		), jsonMode)
	}

	if result.Ontologies, err = rt.Graph.ListOntologies(ctx); err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Cannot list ontologies",
			err.Error(),
			"Check the Postgres connection and retry",
			err,
		), jsonMode)
	}

	staleness, err := rt.Metrics.Staleness(ctx)
	if err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Cannot read metric staleness",
			err.Error(),
			"Check the Postgres connection and retry",
			err,
		), jsonMode)
	}
	result.Staleness = staleness

	for _, status := range []string{jobs.StatusQueued, jobs.StatusApproved,
		jobs.StatusProcessing, jobs.StatusCompleted, jobs.StatusFailed} {
		list, err := rt.Queue.List(ctx, status, 1000)
		if err != nil {
			errors.FatalError(errors.NewDatabaseError(
				"Cannot read job queue",
				err.Error(),
				"Check the Postgres connection and retry",
				err,
			), jsonMode)
		}
		result.Jobs[status] = len(list)
	}

	if jsonMode {
		if err := output.JSON(result); err != nil {
			errors.FatalError(err, true)
		}
		return
	}

	printStatus(result)
}

func printStatus(result *StatusResult) {
	ui.Header("Knowledge Graph Status")
	fmt.Println()

	ui.SubHeader("Concept graph")
	fmt.Printf("  Concepts:  %s\n", ui.CountText(int(result.Graph.ConceptGraph.Concepts)))
	fmt.Printf("  Sources:   %s\n", ui.CountText(int(result.Graph.ConceptGraph.Sources)))
	fmt.Printf("  Evidence:  %s\n", ui.CountText(int(result.Graph.ConceptGraph.Instances)))
	fmt.Println()

	ui.SubHeader("Vocabulary graph")
	fmt.Printf("  Types:      %s\n", ui.CountText(int(result.Graph.VocabularyGraph.Types)))
	fmt.Printf("  Categories: %s\n", ui.CountText(int(result.Graph.VocabularyGraph.Categories)))
	fmt.Println()

	ui.SubHeader("Ontologies")
	if len(result.Ontologies) == 0 {
		fmt.Printf("  %s\n", ui.DimText("none yet - run 'kge ingest' first"))
	}
	for _, o := range result.Ontologies {
		fmt.Printf("  %s  %s sources, %s documents\n",
			ui.Label(o.Name), ui.CountText(o.Sources), ui.CountText(o.Documents))
	}
	fmt.Println()

	ui.SubHeader("Epistemic staleness")
	fmt.Printf("  Vocabulary delta: %s (urgency: %s)\n",
		ui.CountText(int(result.Staleness.VocabularyDelta)), urgencyText(result.Staleness.Urgency))
	if result.Staleness.LastMeasuredAt != nil {
		fmt.Printf("  Last measured:    %s\n",
			ui.DimText(result.Staleness.LastMeasuredAt.Format(time.RFC3339)))
	}
	fmt.Println()

	ui.SubHeader("Job queue")
	fmt.Printf("  Queued: %s  Approved: %s  Processing: %s  Completed: %s  Failed: %s\n",
		ui.CountText(result.Jobs[jobs.StatusQueued]),
		ui.CountText(result.Jobs[jobs.StatusApproved]),
		ui.CountText(result.Jobs[jobs.StatusProcessing]),
		ui.CountText(result.Jobs[jobs.StatusCompleted]),
		ui.CountText(result.Jobs[jobs.StatusFailed]))
}

// urgencyText colors the urgency level the way the rest of the CLI
// colors severities.
func urgencyText(urgency string) string {
	switch urgency {
	case "high":
		return ui.Red.Sprint(urgency)
	case "medium":
		return ui.Yellow.Sprint(urgency)
	case "low":
		return ui.Cyan.Sprint(urgency)
	default:
		return ui.Dim.Sprint(urgency)
	}
}
