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

package graph

import (
	"context"
	"math"
	"sort"
)

// SearchResult is one vector-search hit.
type SearchResult struct {
	ConceptID   string  `json:"concept_id"`
	Label       string  `json:"label"`
	Description string  `json:"description,omitempty"`
	Similarity  float64 `json:"similarity"`
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched dimensions or a zero vector yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// VectorSearch streams all Concepts carrying an embedding within an
// ontology, scores them against the query vector in memory, and returns
// the top k above the threshold, sorted by similarity descending.
//
// AGE has no native vector index; the brute-force scan is acceptable at
// the current graph sizes and keeps the contract portable.
func (c *Client) VectorSearch(ctx context.Context, ontology string, query []float32, topK int, threshold float64) ([]SearchResult, error) {
	cypher := `
		MATCH (c:Concept)-[:APPEARS]->(s:Source {document: $ontology})
		WHERE c.embedding IS NOT NULL
		RETURN DISTINCT c.concept_id AS concept_id, c.label AS label,
		       c.description AS description, c.embedding AS embedding`
	params := map[string]any{"ontology": ontology}
	if ontology == "" {
		cypher = `
			MATCH (c:Concept)
			WHERE c.embedding IS NOT NULL
			RETURN c.concept_id AS concept_id, c.label AS label,
			       c.description AS description, c.embedding AS embedding`
		params = nil
	}

	rows, err := c.Execute(ctx, cypher, params, false)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(rows))
	for _, row := range rows {
		emb := row.Vector("embedding")
		if len(emb) == 0 {
			continue
		}
		sim := CosineSimilarity(query, emb)
		if sim < threshold {
			continue
		}
		results = append(results, SearchResult{
			ConceptID:   row.Str("concept_id"),
			Label:       row.Str("label"),
			Description: row.Str("description"),
			Similarity:  sim,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}
