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

package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kraklabs/kge/pkg/garage"
	"github.com/kraklabs/kge/pkg/graph"
)

// JobPurger removes the queue rows of one ontology.
type JobPurger interface {
	DeleteByOntology(ctx context.Context, ontology string) (int64, error)
}

// DeleteReport summarizes a full ontology cascade.
type DeleteReport struct {
	Graph          graph.OntologyDeleteStats `json:"graph"`
	ObjectsRemoved int                       `json:"objects_removed"`
	EmbeddingRows  int64                     `json:"embedding_rows"`
	JobRows        int64                     `json:"job_rows"`
	Checkpoints    int                       `json:"checkpoints"`
}

// Deleter cascades an ontology out of every store: graph nodes, object
// storage blobs, source-embedding rows, job rows, checkpoints. Order
// matters: graph first so a partial failure leaves orphaned blobs
// rather than dangling graph references.
type Deleter struct {
	graph       *graph.Client
	backend     garage.Backend
	pool        *pgxpool.Pool
	jobs        JobPurger
	checkpoints *CheckpointManager
	logger      *slog.Logger
}

// NewDeleter wires a deleter; backend, pool, jobs and checkpoints may
// each be nil when the deployment lacks that store.
func NewDeleter(g *graph.Client, backend garage.Backend, pool *pgxpool.Pool, jobs JobPurger,
	checkpoints *CheckpointManager, logger *slog.Logger) *Deleter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deleter{graph: g, backend: backend, pool: pool, jobs: jobs, checkpoints: checkpoints, logger: logger}
}

// DeleteOntology removes every trace of an ontology so it can be
// re-ingested cleanly.
func (d *Deleter) DeleteOntology(ctx context.Context, ontology string) (*DeleteReport, error) {
	report := &DeleteReport{}

	stats, err := d.graph.DeleteOntology(ctx, ontology)
	if err != nil {
		return nil, fmt.Errorf("delete ontology graph: %w", err)
	}
	report.Graph = stats

	if d.backend != nil {
		sanitized := garage.SanitizePathComponent(ontology)
		for _, prefix := range []string{
			"images/" + sanitized + "/",
			"sources/" + sanitized + "/",
			"projections/" + sanitized + "/",
		} {
			n, err := garage.DeleteByPrefix(ctx, d.backend, prefix)
			if err != nil {
				return report, fmt.Errorf("delete objects under %s: %w", prefix, err)
			}
			report.ObjectsRemoved += n
		}
	}

	if d.pool != nil {
		tag, err := d.pool.Exec(ctx,
			`DELETE FROM source_embeddings WHERE ontology = $1`, ontology)
		if err != nil {
			d.logger.Warn("source embedding cleanup failed", "ontology", ontology, "error", err)
		} else {
			report.EmbeddingRows = tag.RowsAffected()
		}
	}

	if d.jobs != nil {
		n, err := d.jobs.DeleteByOntology(ctx, ontology)
		if err != nil {
			return report, fmt.Errorf("delete job rows: %w", err)
		}
		report.JobRows = n
	}

	if d.checkpoints != nil {
		cps, err := d.checkpoints.List()
		if err == nil {
			for _, cp := range cps {
				if cp.DocumentName == "" {
					continue
				}
				// Checkpoints key by document name; ontology-scoped jobs
				// record the ontology there when no filename was given.
				if normalizeDocName(cp.DocumentName) == normalizeDocName(ontology) {
					if err := d.checkpoints.Delete(cp.DocumentName); err == nil {
						report.Checkpoints++
					}
				}
			}
		}
	}

	d.logger.Info("ontology deleted",
		"ontology", ontology,
		"sources", report.Graph.Sources,
		"instances", report.Graph.Instances,
		"orphan_concepts", report.Graph.OrphanConcepts,
		"objects_removed", report.ObjectsRemoved,
		"job_rows", report.JobRows)
	return report, nil
}
