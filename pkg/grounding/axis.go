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

// Package grounding scores concepts on a support/contradict polarity axis
// derived from vocabulary embeddings, and classifies vocabulary types by
// sampling the grounding of their edge targets.
package grounding

import (
	"context"
	"math"
)

// PolarityPair holds two vocabulary types with opposing semantics.
type PolarityPair struct {
	Positive string
	Negative string
}

// PolarityPairs are the opposing vocabulary pairs that triangulate the
// axis. A pair contributes only when both members carry an embedding.
var PolarityPairs = []PolarityPair{
	{"SUPPORTS", "CONTRADICTS"},
	{"VALIDATES", "REFUTES"},
	{"CONFIRMS", "DISPROVES"},
	{"REINFORCES", "OPPOSES"},
	{"ENABLES", "PREVENTS"},
}

// EmbeddingSource resolves a vocabulary type to its stored embedding.
// Satisfied by vocab.Store. A missing embedding is (nil, "", nil).
type EmbeddingSource interface {
	GetEmbedding(ctx context.Context, name string) ([]float32, string, error)
}

// GenerationSource reports the vocabulary change counter, used to decide
// when a cached axis must be recomputed.
type GenerationSource interface {
	VocabularyGeneration(ctx context.Context) (int64, error)
}

// computeAxis averages the difference vectors of surviving pairs and
// unit-normalizes. Returns nil when no pair has both embeddings or the
// mean collapses to zero.
func computeAxis(ctx context.Context, store EmbeddingSource) ([]float32, error) {
	var sum []float64
	pairs := 0
	for _, pair := range PolarityPairs {
		pos, _, err := store.GetEmbedding(ctx, pair.Positive)
		if err != nil {
			return nil, err
		}
		neg, _, err := store.GetEmbedding(ctx, pair.Negative)
		if err != nil {
			return nil, err
		}
		if len(pos) == 0 || len(neg) == 0 || len(pos) != len(neg) {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(pos))
		}
		if len(pos) != len(sum) {
			continue
		}
		for i := range pos {
			sum[i] += float64(pos[i]) - float64(neg[i])
		}
		pairs++
	}
	if pairs == 0 {
		return nil, nil
	}

	var norm float64
	for i := range sum {
		sum[i] /= float64(pairs)
		norm += sum[i] * sum[i]
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return nil, nil
	}
	axis := make([]float32, len(sum))
	for i := range sum {
		axis[i] = float32(sum[i] / norm)
	}
	return axis, nil
}

func dot(a []float32, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
