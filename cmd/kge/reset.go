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
	"os/signal"
	"syscall"

	"github.com/kraklabs/kge/internal/contract"
	kgeerrors "github.com/kraklabs/kge/internal/errors"
	"github.com/kraklabs/kge/internal/output"
	"github.com/kraklabs/kge/internal/ui"
	"github.com/kraklabs/kge/pkg/ingest"
)

// runReset executes the 'reset' CLI command, which cascades one
// ontology out of every store: graph, object storage, embedding rows,
// queue and checkpoints.
func runReset(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	ontology := fs.String("ontology", "", "Ontology to delete (required)")
	confirm := fs.Bool("yes", false, "Confirm the deletion (required)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: kge reset --ontology <name> --yes

Description:
  Delete every trace of one ontology so it can be re-ingested cleanly:
  graph nodes and edges, stored source blobs and images, source
  embedding rows, queued jobs and ingestion checkpoints. Concepts with
  evidence in other ontologies survive.

WARNING: This operation is destructive and cannot be undone!

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  kge reset --ontology scratch --yes
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if v := contract.ValidateOntology(*ontology); !v.OK {
		kgeerrors.FatalError(kgeerrors.NewInputError(
			"Invalid ontology name",
			v.Message,
			"Pass the ontology with --ontology; 'kge status' lists them",
		), globals.JSON)
	}
	if !*confirm {
		fmt.Fprintf(os.Stderr, "Error: you must pass --yes to confirm the deletion\n")
		fmt.Fprintf(os.Stderr, "This will delete all data for ontology %q.\n", *ontology)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(globals)
	rt, _, err := openRuntime(ctx, globals, logger)
	if err != nil {
		kgeerrors.FatalError(err, globals.JSON)
	}
	defer rt.Close()

	progress := NewProgressConfig(globals)
	spinner := NewSpinner(progress, phaseDescription("deleting"))

	deleter := ingest.NewDeleter(rt.Graph, rt.Storage, rt.Pool, rt.Queue, rt.Checkpoints, rt.Logger)
	report, err := deleter.DeleteOntology(ctx, *ontology)
	if spinner != nil {
		_ = spinner.Finish()
	}
	if err != nil {
		kgeerrors.FatalError(kgeerrors.NewDatabaseError(
			"Failed to delete ontology",
			fmt.Sprintf("The cascade for %q did not complete", *ontology),
			"Re-run the command; the cascade is idempotent",
			err,
		), globals.JSON)
	}

	if globals.JSON {
		if err := output.JSON(report); err != nil {
			kgeerrors.FatalError(err, true)
		}
		return
	}

	ui.Success(fmt.Sprintf("Ontology %q deleted", *ontology))
	fmt.Printf("  Instances:   %s\n", ui.CountText(report.Graph.Instances))
	fmt.Printf("  Sources:     %s\n", ui.CountText(report.Graph.Sources))
	fmt.Printf("  Documents:   %s\n", ui.CountText(report.Graph.Documents))
	fmt.Printf("  Orphans:     %s concepts removed\n", ui.CountText(report.Graph.OrphanConcepts))
	fmt.Printf("  Objects:     %s removed from storage\n", ui.CountText(report.ObjectsRemoved))
	fmt.Printf("  Embeddings:  %s rows\n", ui.CountText(int(report.EmbeddingRows)))
	fmt.Printf("  Jobs:        %s rows\n", ui.CountText(int(report.JobRows)))
	fmt.Printf("  Checkpoints: %s\n", ui.CountText(report.Checkpoints))
}
