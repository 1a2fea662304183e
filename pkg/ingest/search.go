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
	"strings"

	"github.com/kraklabs/kge/pkg/ai"
	"github.com/kraklabs/kge/pkg/graph"
)

// DefaultSearchThreshold filters out hits that merely share vocabulary
// with the query rather than meaning.
const DefaultSearchThreshold = 0.3

// Searcher answers free-text concept queries: embed the query, then run
// a vector search over the ontology's concepts.
type Searcher struct {
	graph    GraphStore
	embedder ai.Embedder
	logger   *slog.Logger
}

func NewSearcher(g GraphStore, embedder ai.Embedder, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{graph: g, embedder: embedder, logger: logger}
}

// Search embeds the query text and returns the topK concepts above the
// similarity threshold. A threshold <= 0 falls back to
// DefaultSearchThreshold; topK <= 0 falls back to 10.
func (s *Searcher) Search(ctx context.Context, ontology, query string, topK int, threshold float64) ([]graph.SearchResult, error) {
	query = strings.TrimSpace(query)
	if ontology == "" {
		return nil, fmt.Errorf("ontology is required")
	}
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if topK <= 0 {
		topK = 10
	}
	if threshold <= 0 {
		threshold = DefaultSearchThreshold
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := s.graph.VectorSearch(ctx, ontology, embedding, topK, threshold)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	s.logger.Debug("search.done",
		"ontology", ontology,
		"top_k", topK,
		"hits", len(results),
	)
	return results, nil
}
