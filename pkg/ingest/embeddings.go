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
	"github.com/pgvector/pgvector-go"

	"github.com/kraklabs/kge/pkg/ai"
	"github.com/kraklabs/kge/pkg/graph"
)

// SourceEmbedder backfills the source_embeddings table for Source nodes
// whose full text has not been embedded yet. The table feeds grounding
// measurements and ontology-level cleanup; the graph itself only stores
// concept embeddings.
type SourceEmbedder struct {
	graph    graph.Executor
	pool     *pgxpool.Pool
	embedder ai.Embedder
	logger   *slog.Logger
}

func NewSourceEmbedder(g graph.Executor, pool *pgxpool.Pool, embedder ai.Embedder, logger *slog.Logger) *SourceEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceEmbedder{graph: g, pool: pool, embedder: embedder, logger: logger}
}

// EnsureSchema creates the source_embeddings table when absent.
func (s *SourceEmbedder) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS source_embeddings (
			source_id TEXT PRIMARY KEY,
			ontology TEXT NOT NULL,
			embedding vector,
			model TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_source_embeddings_ontology
			ON source_embeddings (ontology)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure source_embeddings schema: %w", err)
		}
	}
	return nil
}

// EmbedMissing embeds up to limit sources of an ontology that have no
// embedding row yet. Returns the number of sources embedded. A failed
// embedding aborts the batch so the job layer can retry it.
func (s *SourceEmbedder) EmbedMissing(ctx context.Context, ontology string, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.graph.Execute(ctx, `
		MATCH (s:Source {document: $ontology})
		RETURN s.source_id AS source_id, s.full_text AS full_text`,
		map[string]any{"ontology": ontology}, false)
	if err != nil {
		return 0, fmt.Errorf("list sources: %w", err)
	}

	done := 0
	for _, row := range rows {
		if done >= limit {
			break
		}
		sourceID := row.Str("source_id")
		text := row.Str("full_text")
		if sourceID == "" || text == "" {
			continue
		}

		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM source_embeddings WHERE source_id = $1)`,
			sourceID).Scan(&exists)
		if err != nil {
			return done, fmt.Errorf("check source %s: %w", sourceID, err)
		}
		if exists {
			continue
		}

		embedding, err := s.embedder.Embed(ctx, text)
		if err != nil {
			return done, fmt.Errorf("embed source %s: %w", sourceID, err)
		}

		_, err = s.pool.Exec(ctx, `
			INSERT INTO source_embeddings (source_id, ontology, embedding, model)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (source_id) DO NOTHING`,
			sourceID, ontology, pgvector.NewVector(embedding), s.embedder.Name())
		if err != nil {
			return done, fmt.Errorf("store source %s: %w", sourceID, err)
		}
		done++
	}

	s.logger.Info("source_embeddings.backfill", "ontology", ontology, "embedded", done)
	return done, nil
}
