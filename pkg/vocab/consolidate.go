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

package vocab

import (
	"context"

	"github.com/kraklabs/kge/pkg/graph"
)

// DefaultConsolidateSimilarity is the cosine threshold above which two
// active types count as synonyms during consolidation.
const DefaultConsolidateSimilarity = 0.92

// RefreshCategories re-runs probabilistic categorization for every
// active type still parked in the llm_generated placeholder category.
// Returns the number of types whose category changed.
func (m *Manager) RefreshCategories(ctx context.Context) (int, error) {
	types, err := m.store.List(ctx, true)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, t := range types {
		if t.Category != "llm_generated" {
			continue
		}
		emb, _, err := m.store.GetEmbedding(ctx, t.Name)
		if err != nil {
			return changed, err
		}
		if len(emb) == 0 {
			continue
		}
		cat, err := m.recategorize(ctx, t.Name, emb)
		if err != nil {
			m.logger.Warn("recategorization failed", "type", t.Name, "error", err)
			continue
		}
		if cat.Category == "llm_generated" {
			continue
		}
		if err := m.ensureGraphNodes(ctx, t.Name, cat.Category); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// ConsolidateResult reports one consolidation sweep.
type ConsolidateResult struct {
	Candidates int            `json:"candidates"`
	Merged     []*MergeResult `json:"merged,omitempty"`
}

// Consolidate detects synonym pairs among active non-builtin types by
// embedding similarity and merges each into the more used of the pair.
// minSimilarity <= 0 falls back to DefaultConsolidateSimilarity.
//
// Ties on usage keep the lexicographically smaller name, so repeated
// sweeps are deterministic.
func (m *Manager) Consolidate(ctx context.Context, minSimilarity float64, performedBy string) (*ConsolidateResult, error) {
	if minSimilarity <= 0 {
		minSimilarity = DefaultConsolidateSimilarity
	}

	types, err := m.store.List(ctx, true)
	if err != nil {
		return nil, err
	}

	embeddings := make(map[string][]float32, len(types))
	byName := make(map[string]Type, len(types))
	var names []string
	for _, t := range types {
		if t.IsBuiltin {
			continue
		}
		emb, _, err := m.store.GetEmbedding(ctx, t.Name)
		if err != nil {
			return nil, err
		}
		if len(emb) == 0 {
			continue
		}
		embeddings[t.Name] = emb
		byName[t.Name] = t
		names = append(names, t.Name)
	}

	result := &ConsolidateResult{}
	absorbed := make(map[string]bool)
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			a, b := names[i], names[j]
			if absorbed[a] || absorbed[b] {
				continue
			}
			sim := graph.CosineSimilarity(embeddings[a], embeddings[b])
			if sim < minSimilarity {
				continue
			}
			result.Candidates++

			deprecated, target := a, b
			ua, ub := byName[a].UsageCount, byName[b].UsageCount
			if ua > ub || (ua == ub && a < b) {
				deprecated, target = b, a
			}

			merged, err := m.Merge(ctx, deprecated, target, performedBy)
			if err != nil {
				m.logger.Warn("synonym merge failed",
					"deprecated", deprecated, "target", target, "error", err)
				continue
			}
			absorbed[deprecated] = true
			result.Merged = append(result.Merged, merged)
		}
	}

	m.logger.Info("vocabulary consolidation",
		"candidates", result.Candidates, "merged", len(result.Merged))
	return result, nil
}
