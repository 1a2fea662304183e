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
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"

	"github.com/kraklabs/kge/internal/bootstrap"
	"github.com/kraklabs/kge/internal/contract"
	"github.com/kraklabs/kge/internal/errors"
	"github.com/kraklabs/kge/internal/output"
	"github.com/kraklabs/kge/internal/ui"
	"github.com/kraklabs/kge/pkg/garage"
	"github.com/kraklabs/kge/pkg/ingest"
)

// runIngest executes the 'ingest' CLI command.
//
// By default the document is processed in-process with a progress bar.
// With --enqueue the document is submitted to the job queue instead and
// waits for approval before a worker picks it up.
//
// Interrupting a direct run is safe: a checkpoint is saved after every
// chunk, and re-running the same file resumes where it stopped.
func runIngest(args []string, globals GlobalFlags) {
	fs := pflag.NewFlagSet("ingest", pflag.ExitOnError)
	ontology := fs.StringP("ontology", "o", "", "Target ontology (required)")
	by := fs.String("by", "cli", "Attribution recorded on created nodes")
	enqueue := fs.Bool("enqueue", false, "Submit as a job instead of running directly")
	image := fs.Bool("image", false, "Treat the file as an image (vision description + ingest)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: kge ingest <file> [options]

Ingests a document into the knowledge graph: the file is stored
content-addressed in object storage, chunked by word budget, sent
through concept extraction, and deduplicated against existing concepts
by embedding similarity.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  kge ingest notes.md --ontology physics
  kge ingest diagram.png --ontology physics --image
  kge ingest big-corpus.md -o history --enqueue
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	filePath := fs.Arg(0)

	if res := contract.ValidateOntology(*ontology); !res.OK {
		errors.FatalError(errors.NewInputError(
			"Invalid ontology",
			res.Message,
			"Pass a short name with --ontology, e.g. --ontology physics",
		), globals.JSON)
	}

	content, err := os.ReadFile(filePath) //nolint:gosec // G304: path comes from the user's own argument
	if err != nil {
		errors.FatalError(errors.NewInputError(
			"Cannot read document",
			err.Error(),
			"Check the file path and permissions",
		), globals.JSON)
	}
	if res := contract.ValidateDocument(content); !res.OK {
		errors.FatalError(errors.NewInputError(
			"Document rejected",
			res.Message,
			"Split the document or raise KGE_SOFT_LIMIT_BYTES",
		), globals.JSON)
	}

	logger := newLogger(globals)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, _, err := openRuntime(ctx, globals, logger)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	defer rt.Close()

	filename := filepath.Base(filePath)
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		absPath = filePath
	}

	if *enqueue {
		enqueueIngestion(ctx, rt, globals, *ontology, filename, absPath, *by, *image)
		return
	}

	pipeline := buildPipeline(rt)
	opts := ingest.Options{
		Ontology:   *ontology,
		Filename:   filename,
		FilePath:   absPath,
		IngestedBy: *by,
	}

	var result *ingest.Result
	if *image {
		spinner := NewSpinner(NewProgressConfig(globals), phaseDescription("extracting"))
		// No visual embedding model is wired yet; the vision prose
		// alone drives extraction.
		ingestor := ingest.NewImageIngestor(rt.Provider, nil, garage.NewImageStore(rt.Storage, rt.Logger), rt.Logger)
		result, err = pipeline.IngestImage(ctx, ingestor, content, opts)
		if spinner != nil {
			_ = spinner.Finish()
		}
	} else {
		progressCfg := NewProgressConfig(globals)
		// The bar is created on first callback so a deduplicated
		// document never flashes an empty bar.
		var bar *progressbar.ProgressBar
		pipeline.Progress = func(chunk, total int, _ ingest.Stats) {
			if bar == nil {
				bar = NewProgressBar(progressCfg, int64(total), phaseDescription("extracting"))
			}
			if bar != nil {
				_ = bar.Set(chunk)
			}
		}
		result, err = pipeline.IngestDocument(ctx, content, opts)
		if bar != nil {
			_ = bar.Finish()
		}
	}
	if err != nil {
		errors.FatalError(errors.NewNetworkError(
			"Ingestion failed",
			err.Error(),
			"The run is checkpointed; re-run the same command to resume",
			err,
		), globals.JSON)
	}

	if globals.JSON {
		if err := output.JSON(result); err != nil {
			errors.FatalError(err, true)
		}
		return
	}

	if result.Deduplicated {
		ui.Warningf("Document already ingested (hash %s); nothing to do", result.ContentHash[:12])
		return
	}
	ui.Successf("Ingested %s into %s", filename, *ontology)
	fmt.Printf("  Chunks:        %s\n", ui.CountText(result.Chunks))
	fmt.Printf("  Concepts:      %s new, %s linked\n",
		ui.CountText(result.Stats.ConceptsCreated), ui.CountText(result.Stats.ConceptsLinked))
	fmt.Printf("  Relationships: %s\n", ui.CountText(result.Stats.RelationshipsCreated))
	fmt.Printf("  Evidence:      %s quotes\n", ui.CountText(result.Stats.InstancesCreated))
	fmt.Printf("  Document:      %s\n", ui.DimText(result.DocumentID))
}

// buildPipeline wires the ingestion pipeline from an open runtime.
func buildPipeline(rt *bootstrap.Runtime) *ingest.Pipeline {
	sources := garage.NewSourceStore(rt.Storage, rt.Logger)
	return ingest.NewPipeline(rt.Graph, rt.Vocab, rt.Provider, rt.Provider, rt.Provider,
		sources, rt.Checkpoints, rt.Metrics, rt.Logger)
}

// enqueueIngestion submits the document as a queued job. Ingestion is
// not a maintenance type, so the job waits for explicit approval.
func enqueueIngestion(ctx context.Context, rt *bootstrap.Runtime, globals GlobalFlags,
	ontology, filename, absPath, by string, image bool) {
	data := map[string]any{
		"ontology":    ontology,
		"filename":    filename,
		"file_path":   absPath,
		"ingested_by": by,
	}
	if image {
		data["content_type"] = "image"
	}

	id, err := rt.Queue.Enqueue(ctx, "ingestion", data)
	if err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Cannot enqueue ingestion job",
			err.Error(),
			"Check the Postgres connection and retry",
			err,
		), globals.JSON)
	}

	if globals.JSON {
		_ = output.JSON(map[string]any{"job_id": id, "status": "queued"})
		return
	}
	ui.Successf("Job %s queued", id)
	fmt.Println()
	fmt.Println("The job waits for approval before a worker runs it:")
	fmt.Printf("  kge jobs approve %s --by <you>\n", id)
}
