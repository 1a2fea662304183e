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

package grounding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kraklabs/kge/pkg/graph"
)

// Options narrows which edge types contribute to a grounding score. The
// vocabulary-level epistemic filter lives in the graph facade, not here.
type Options struct {
	IncludeTypes []string
	ExcludeTypes []string
}

// Engine computes grounding strength from a concept's incoming edges.
//
// The polarity axis is vocabulary-level state shared across all concepts,
// so it is cached against the vocabulary change counter and recomputed
// only when the vocabulary mutates. Without a GenerationSource the axis
// is computed once and kept until InvalidateAxis.
type Engine struct {
	graph  graph.Executor
	store  EmbeddingSource
	gen    GenerationSource
	logger *slog.Logger

	mu        sync.Mutex
	axis      []float32
	axisGen   int64
	axisReady bool
}

// NewEngine builds an engine. gen may be nil.
func NewEngine(g graph.Executor, store EmbeddingSource, gen GenerationSource, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{graph: g, store: store, gen: gen, logger: logger}
}

// InvalidateAxis forces the next call to recompute the polarity axis.
func (e *Engine) InvalidateAxis() {
	e.mu.Lock()
	e.axisReady = false
	e.mu.Unlock()
}

// Axis returns the unit polarity axis, or nil when the vocabulary has no
// surviving pair.
func (e *Engine) Axis(ctx context.Context) ([]float32, error) {
	gen := int64(0)
	if e.gen != nil {
		var err error
		gen, err = e.gen.VocabularyGeneration(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading vocabulary generation: %w", err)
		}
	}

	e.mu.Lock()
	if e.axisReady && (e.gen == nil || e.axisGen == gen) {
		axis := e.axis
		e.mu.Unlock()
		return axis, nil
	}
	e.mu.Unlock()

	axis, err := computeAxis(ctx, e.store)
	if err != nil {
		return nil, err
	}
	if axis == nil {
		e.logger.Warn("no polarity pairs available for axis calculation")
	} else {
		e.logger.Info("polarity axis computed", "dimensions", len(axis), "vocab_generation", gen)
	}

	e.mu.Lock()
	e.axis = axis
	e.axisGen = gen
	e.axisReady = true
	e.mu.Unlock()
	return axis, nil
}

// Strength scores one concept by projecting the vocabulary embeddings of
// its incoming edge types onto the polarity axis, weighted by edge
// confidence. The result lies approximately in [-1, 1]; a concept with no
// usable edges scores 0.
func (e *Engine) Strength(ctx context.Context, conceptID string, opts Options) (float64, error) {
	axis, err := e.Axis(ctx)
	if err != nil {
		return 0, err
	}
	if axis == nil {
		return 0, nil
	}

	rows, err := e.graph.Execute(ctx, `
		MATCH (c:Concept {concept_id: $concept_id})<-[r]-(source)
		RETURN type(r) AS rel_type, r.confidence AS confidence`,
		map[string]any{"concept_id": conceptID}, false)
	if err != nil {
		return 0, fmt.Errorf("fetching incoming edges for %s: %w", conceptID, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	include := toSet(opts.IncludeTypes)
	exclude := toSet(opts.ExcludeTypes)

	// One embedding fetch per distinct type, projections reused per edge.
	projections := map[string]float64{}
	missing := map[string]bool{}
	var num, den float64
	for _, row := range rows {
		relType := row.Str("rel_type")
		if relType == "" || missing[relType] {
			continue
		}
		if len(include) > 0 && !include[relType] {
			continue
		}
		if exclude[relType] {
			continue
		}

		p, ok := projections[relType]
		if !ok {
			emb, _, err := e.store.GetEmbedding(ctx, relType)
			if err != nil {
				return 0, fmt.Errorf("fetching embedding for %s: %w", relType, err)
			}
			if len(emb) == 0 {
				missing[relType] = true
				continue
			}
			p = dot(emb, axis)
			projections[relType] = p
		}

		confidence := 1.0
		if c, ok := row.FloatOK("confidence"); ok {
			confidence = c
		}
		num += confidence * p
		den += confidence
	}

	if den == 0 {
		return 0, nil
	}
	return num / den, nil
}

// StrengthBatch scores many concepts. A failed concept is skipped with a
// debug log rather than failing the batch.
func (e *Engine) StrengthBatch(ctx context.Context, conceptIDs []string, opts Options) (map[string]float64, error) {
	out := make(map[string]float64, len(conceptIDs))
	for _, id := range conceptIDs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		g, err := e.Strength(ctx, id, opts)
		if err != nil {
			e.logger.Debug("skipping concept in grounding batch", "concept_id", id, "error", err)
			continue
		}
		out[id] = g
	}
	return out, nil
}

// Distribution buckets grounding values for operational telemetry. The
// score distribution is typically multi-modal, so coarse buckets read
// better than moments.
type Distribution struct {
	StrongPositive   int `json:"strong_positive"`   // > 0.7
	ModeratePositive int `json:"moderate_positive"` // 0.3 .. 0.7
	WeakPositive     int `json:"weak_positive"`     // 0 .. 0.3
	WeakNegative     int `json:"weak_negative"`     // -0.3 .. 0
	ModerateNegative int `json:"moderate_negative"` // -0.7 .. -0.3
	StrongNegative   int `json:"strong_negative"`   // < -0.7
}

// Add places one value in its bucket.
func (d *Distribution) Add(g float64) {
	switch {
	case g > 0.7:
		d.StrongPositive++
	case g > 0.3:
		d.ModeratePositive++
	case g >= 0:
		d.WeakPositive++
	case g >= -0.3:
		d.WeakNegative++
	case g >= -0.7:
		d.ModerateNegative++
	default:
		d.StrongNegative++
	}
}

// RecalcStats summarizes a full grounding recalculation.
type RecalcStats struct {
	Concepts     int          `json:"concepts"`
	Updated      int          `json:"updated"`
	Failed       int          `json:"failed"`
	Distribution Distribution `json:"distribution"`
}

// RecalculateAll pages through every concept, recomputes grounding, and
// writes it back to Concept.grounding_strength.
func (e *Engine) RecalculateAll(ctx context.Context, pageSize int) (*RecalcStats, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	stats := &RecalcStats{}
	for offset := 0; ; offset += pageSize {
		rows, err := e.graph.Execute(ctx, `
			MATCH (c:Concept)
			RETURN c.concept_id AS concept_id
			ORDER BY c.concept_id
			SKIP $skip LIMIT $limit`,
			map[string]any{"skip": offset, "limit": pageSize}, false)
		if err != nil {
			return stats, fmt.Errorf("paging concepts at offset %d: %w", offset, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			id := row.Str("concept_id")
			if id == "" {
				continue
			}
			stats.Concepts++
			g, err := e.Strength(ctx, id, Options{})
			if err != nil {
				stats.Failed++
				e.logger.Warn("grounding recalculation failed", "concept_id", id, "error", err)
				continue
			}
			_, err = e.graph.Execute(ctx, `
				MATCH (c:Concept {concept_id: $concept_id})
				SET c.grounding_strength = $grounding
				RETURN c.concept_id AS concept_id`,
				map[string]any{"concept_id": id, "grounding": g}, true)
			if err != nil {
				stats.Failed++
				e.logger.Warn("grounding write-back failed", "concept_id", id, "error", err)
				continue
			}
			stats.Updated++
			stats.Distribution.Add(g)
		}

		if len(rows) < pageSize {
			break
		}
	}

	e.logger.Info("grounding recalculation complete",
		"concepts", stats.Concepts, "updated", stats.Updated, "failed", stats.Failed)
	return stats, nil
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	s := make(map[string]bool, len(items))
	for _, it := range items {
		s[it] = true
	}
	return s
}
