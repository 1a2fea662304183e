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
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kraklabs/kge/internal/bootstrap"
	"github.com/kraklabs/kge/internal/contract"
	kgeerrors "github.com/kraklabs/kge/internal/errors"
	"github.com/kraklabs/kge/internal/ui"
	"github.com/kraklabs/kge/pkg/garage"
	"github.com/kraklabs/kge/pkg/graph"
	"github.com/kraklabs/kge/pkg/grounding"
	"github.com/kraklabs/kge/pkg/ingest"
	"github.com/kraklabs/kge/pkg/jobs"
	"github.com/kraklabs/kge/pkg/vocab"
)

// runServe executes the 'serve' CLI command: the job worker, the
// maintenance scheduler, and the Prometheus endpoint, all in one
// process. It blocks until interrupted.
func runServe(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listen := fs.String("listen", "", "Metrics listen address (overrides worker.listen)")
	once := fs.Bool("once", false, "Run one scheduler tick, drain the queue, then exit")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: kge serve [options]

Description:
  Run the kge background process. This command:
  1. Polls the job queue and executes approved jobs.
  2. Ticks the maintenance scheduler, which enqueues cleanup,
     vocabulary, epistemic and projection jobs when their conditions
     hold.
  3. Serves Prometheus metrics on worker.listen (default :9464).

  Ingestion jobs stay queued until someone approves them with
  'kge jobs approve'; maintenance jobs are approved automatically.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  kge serve
  kge serve --listen :9100
  kge serve --once
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(globals)
	rt, cfg, err := openRuntime(ctx, globals, logger)
	if err != nil {
		kgeerrors.FatalError(err, globals.JSON)
	}
	defer rt.Close()

	registry := jobs.NewRegistry()
	registerWorkers(registry, rt, cfg)

	scheduler := jobs.NewScheduler(rt.Pool, rt.Queue, rt.Logger)
	for _, l := range buildLaunchers(rt, cfg) {
		if err := scheduler.AddLauncher(ctx, l); err != nil {
			kgeerrors.FatalError(kgeerrors.NewDatabaseError(
				"Failed to register scheduled job",
				fmt.Sprintf("Could not upsert the schedule row for %q", l.Name()),
				"Check that Postgres is reachable and 'kge init' has been run",
				err,
			), globals.JSON)
		}
	}

	worker := jobs.NewWorker(rt.Queue, registry, rt.Logger,
		time.Duration(cfg.Worker.PollSeconds)*time.Second)

	if *once {
		scheduler.Tick(ctx)
		for {
			if err := worker.RunOne(ctx); err != nil {
				if errors.Is(err, jobs.ErrNoJob) {
					break
				}
				kgeerrors.FatalError(err, globals.JSON)
			}
		}
		return
	}

	addr := cfg.Worker.Listen
	if *listen != "" {
		addr = *listen
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	server := &http.Server{Addr: addr, Handler: mux}

	if !globals.Quiet {
		ui.Header("kge worker")
		ui.Info(fmt.Sprintf("Metrics on %s/metrics", addr))
		ui.Info(fmt.Sprintf("Polling every %ds, scheduler tick every %ds",
			cfg.Worker.PollSeconds, cfg.Worker.TickSeconds))
	}

	errCh := make(chan error, 3)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	go func() {
		errCh <- worker.Run(ctx)
	}()
	go func() {
		errCh <- scheduler.Run(ctx, time.Duration(cfg.Worker.TickSeconds)*time.Second)
	}()

	err = <-errCh
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		kgeerrors.FatalError(err, globals.JSON)
	}
	if !globals.Quiet {
		ui.Success("Worker stopped")
	}
}

// registerWorkers binds every job type the queue knows to its handler.
func registerWorkers(registry *jobs.Registry, rt *bootstrap.Runtime, cfg *bootstrap.Config) {
	registry.Register("ingestion", ingestionWorker(rt))
	registry.Register("vocab_refresh", vocabRefreshWorker(rt))
	registry.Register("vocab_consolidate", vocabConsolidateWorker(rt))
	registry.Register("epistemic_remeasurement", epistemicWorker(rt))
	registry.Register("projection", projectionWorker(rt, cfg))
	registry.Register("source_embedding", sourceEmbeddingWorker(rt))
	registry.Register("artifact_cleanup", artifactCleanupWorker(rt))
	registry.Register("proposal_execution", proposalExecutionWorker(rt))
}

// buildLaunchers wires the standing maintenance launchers.
func buildLaunchers(rt *bootstrap.Runtime, cfg *bootstrap.Config) []jobs.Launcher {
	projections := garage.NewProjectionStore(rt.Storage, rt.Logger)
	return []jobs.Launcher{
		&jobs.ArtifactCleanupLauncher{Pool: rt.Pool},
		&jobs.CategoryRefreshLauncher{Vocab: rt.VocabStore},
		&jobs.VocabConsolidationLauncher{Vocab: rt.VocabStore},
		&jobs.EpistemicLauncher{Metrics: rt.Metrics, Threshold: jobs.DefaultEpistemicDelta},
		&jobs.ProjectionLauncher{
			Counts:          &graphConceptCounts{graph: rt.Graph},
			Cache:           projections,
			EmbeddingSource: cfg.AI.EmbedModel,
		},
	}
}

// graphConceptCounts counts live concepts per ontology by walking the
// APPEARS edges, so unevidenced concepts never mark a cache stale.
type graphConceptCounts struct {
	graph graph.Executor
}

func (g *graphConceptCounts) OntologyConceptCounts(ctx context.Context) (map[string]int, error) {
	rows, err := g.graph.Execute(ctx, `
		MATCH (c:Concept)-[:APPEARS]->(s:Source)
		RETURN s.document AS ontology, count(DISTINCT c) AS concepts`, nil, false)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Str("ontology")] = int(row.Int("concepts"))
	}
	return counts, nil
}

// ingestionWorker runs an approved ingestion job end to end. Interrupted
// runs resume from their checkpoint on the next attempt.
func ingestionWorker(rt *bootstrap.Runtime) jobs.WorkerFunc {
	return func(ctx context.Context, job *jobs.Job, q *jobs.Queue) error {
		ontology := dataStr(job, "ontology")
		filename := dataStr(job, "filename")
		filePath := dataStr(job, "file_path")

		if v := contract.ValidateOntology(ontology); !v.OK {
			return fmt.Errorf("ingestion job %s: %s", job.ID, v.Message)
		}
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("read %s: %w", filePath, err)
		}
		if v := contract.ValidateDocument(content); !v.OK {
			return fmt.Errorf("ingestion job %s: %s", job.ID, v.Message)
		}

		pipeline := buildPipeline(rt)
		pipeline.Progress = func(chunk, total int, stats ingest.Stats) {
			_ = q.Update(ctx, job.ID, map[string]any{"progress": map[string]any{
				"chunk":            chunk,
				"total":            total,
				"concepts_created": stats.ConceptsCreated,
			}})
		}

		opts := ingest.Options{
			Ontology:   ontology,
			Filename:   filename,
			FilePath:   filePath,
			JobID:      job.ID.String(),
			IngestedBy: dataStr(job, "ingested_by"),
		}

		var result *ingest.Result
		if dataStr(job, "content_type") == "image" {
			ii := ingest.NewImageIngestor(rt.Provider, nil,
				garage.NewImageStore(rt.Storage, rt.Logger), rt.Logger)
			result, err = pipeline.IngestImage(ctx, ii, content, opts)
		} else {
			result, err = pipeline.IngestDocument(ctx, content, opts)
		}
		if err != nil {
			return err
		}

		job.Stats = map[string]any{
			"deduplicated":          result.Deduplicated,
			"content_hash":          result.ContentHash,
			"document_id":           result.DocumentID,
			"chunks":                result.Chunks,
			"concepts_created":      result.Stats.ConceptsCreated,
			"concepts_linked":       result.Stats.ConceptsLinked,
			"sources_created":       result.Stats.SourcesCreated,
			"instances_created":     result.Stats.InstancesCreated,
			"relationships_created": result.Stats.RelationshipsCreated,
		}
		return nil
	}
}

// vocabRefreshWorker backfills missing vocabulary embeddings, then
// recategorizes whatever still sits in llm_generated.
func vocabRefreshWorker(rt *bootstrap.Runtime) jobs.WorkerFunc {
	return func(ctx context.Context, job *jobs.Job, _ *jobs.Queue) error {
		embedded, err := rt.Vocab.RegenerateEmbeddings(ctx, vocab.RegenerateMissing)
		if err != nil {
			return fmt.Errorf("regenerate embeddings: %w", err)
		}
		recategorized, err := rt.Vocab.RefreshCategories(ctx)
		if err != nil {
			return fmt.Errorf("refresh categories: %w", err)
		}
		job.Stats = map[string]any{
			"embedded":      embedded,
			"recategorized": recategorized,
		}
		return nil
	}
}

func vocabConsolidateWorker(rt *bootstrap.Runtime) jobs.WorkerFunc {
	return func(ctx context.Context, job *jobs.Job, _ *jobs.Queue) error {
		res, err := rt.Vocab.Consolidate(ctx, 0, "scheduler")
		if err != nil {
			return err
		}
		merged := make([]string, 0, len(res.Merged))
		for _, m := range res.Merged {
			merged = append(merged, fmt.Sprintf("%s->%s", m.Deprecated, m.Target))
		}
		job.Stats = map[string]any{
			"candidates": res.Candidates,
			"merged":     merged,
		}
		return nil
	}
}

// epistemicWorker remeasures every vocabulary type's grounding profile
// and stores the classification on the VocabType nodes.
func epistemicWorker(rt *bootstrap.Runtime) jobs.WorkerFunc {
	return func(ctx context.Context, job *jobs.Job, _ *jobs.Queue) error {
		engine := grounding.NewEngine(rt.Graph, rt.VocabStore, rt.Metrics, rt.Logger)
		svc := grounding.NewEpistemicService(rt.Graph, engine, rt.Metrics, rt.Logger)
		results, err := svc.MeasureAll(ctx, true)
		if err != nil {
			return err
		}
		job.Stats = map[string]any{"types_measured": len(results)}
		return nil
	}
}

// projectionWorker refreshes the projection cache entries the launcher
// flagged as stale. Point layout is computed elsewhere; this worker
// re-stamps the cache with the live concept count and a fresh changelist
// id so clients know their copy is outdated.
func projectionWorker(rt *bootstrap.Runtime, cfg *bootstrap.Config) jobs.WorkerFunc {
	return func(ctx context.Context, job *jobs.Job, _ *jobs.Queue) error {
		source := dataStr(job, "embedding_source")
		if source == "" {
			source = cfg.AI.EmbedModel
		}
		counts, err := (&graphConceptCounts{graph: rt.Graph}).OntologyConceptCounts(ctx)
		if err != nil {
			return err
		}

		projections := garage.NewProjectionStore(rt.Storage, rt.Logger)
		refreshed := 0
		for _, ontology := range dataStrSlice(job, "ontologies") {
			proj, err := projections.Get(ctx, ontology, source)
			if errors.Is(err, garage.ErrNotFound) {
				proj = &garage.Projection{Ontology: ontology, EmbeddingSource: source}
			} else if err != nil {
				return fmt.Errorf("load projection %s: %w", ontology, err)
			}
			proj.ConceptCount = counts[ontology]
			proj.ChangelistID = ""
			proj.GeneratedAt = time.Time{}
			if err := projections.Put(ctx, proj); err != nil {
				return fmt.Errorf("store projection %s: %w", ontology, err)
			}
			refreshed++
		}
		job.Stats = map[string]any{"refreshed": refreshed}
		return nil
	}
}

func sourceEmbeddingWorker(rt *bootstrap.Runtime) jobs.WorkerFunc {
	return func(ctx context.Context, job *jobs.Job, _ *jobs.Queue) error {
		limit := int(dataInt(job, "limit"))
		embedder := ingest.NewSourceEmbedder(rt.Graph, rt.Pool, rt.Provider, rt.Logger)
		embedded, err := embedder.EmbedMissing(ctx, dataStr(job, "ontology"), limit)
		if err != nil {
			return err
		}
		job.Stats = map[string]any{"embedded": embedded}
		return nil
	}
}

func artifactCleanupWorker(rt *bootstrap.Runtime) jobs.WorkerFunc {
	return func(ctx context.Context, job *jobs.Job, _ *jobs.Queue) error {
		tag, err := rt.Pool.Exec(ctx,
			`DELETE FROM artifacts WHERE expires_at IS NOT NULL AND expires_at < now()`)
		if err != nil {
			return fmt.Errorf("delete expired artifacts: %w", err)
		}
		job.Stats = map[string]any{"deleted": tag.RowsAffected()}
		return nil
	}
}

// proposalExecutionWorker is the landing slot for curation proposals.
// Nothing produces them yet, so an executed proposal is just recorded.
func proposalExecutionWorker(rt *bootstrap.Runtime) jobs.WorkerFunc {
	return func(ctx context.Context, job *jobs.Job, _ *jobs.Queue) error {
		rt.Logger.Info("proposal acknowledged", "id", job.ID, "data", job.Data)
		job.Stats = map[string]any{"executed": false}
		return nil
	}
}

// dataStr reads a string field from the job payload.
func dataStr(job *jobs.Job, key string) string {
	s, _ := job.Data[key].(string)
	return s
}

// dataInt reads a numeric field; JSONB numbers decode as float64.
func dataInt(job *jobs.Job, key string) int64 {
	switch v := job.Data[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

// dataStrSlice reads a string-array field from the job payload.
func dataStrSlice(job *jobs.Job, key string) []string {
	raw, _ := job.Data[key].([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
