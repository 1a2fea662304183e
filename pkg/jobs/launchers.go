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

package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kraklabs/kge/pkg/garage"
	"github.com/kraklabs/kge/pkg/vocab"
)

// Consolidation thresholds. Between the low and high ratio the previous
// decision is kept (hysteresis), so the launcher does not flap when the
// ratio hovers around the boundary.
const (
	consolidateRatioHigh = 0.20
	consolidateRatioLow  = 0.10
	consolidateMinActive = 50
)

// projectionDriftThreshold is how far the live concept count may drift
// from the cached projection before a refresh job fires.
const projectionDriftThreshold = 5

// DefaultEpistemicDelta is the vocabulary-change delta that triggers a
// remeasurement.
const DefaultEpistemicDelta = 10

// ArtifactCleanupLauncher fires daily when expired artifact rows exist.
type ArtifactCleanupLauncher struct {
	Pool *pgxpool.Pool
}

func (l *ArtifactCleanupLauncher) Name() string            { return "artifact_cleanup" }
func (l *ArtifactCleanupLauncher) JobType() string         { return "artifact_cleanup" }
func (l *ArtifactCleanupLauncher) Interval() time.Duration { return 24 * time.Hour }

func (l *ArtifactCleanupLauncher) CheckConditions(ctx context.Context) (bool, error) {
	var n int64
	row := l.Pool.QueryRow(ctx,
		`SELECT count(*) FROM artifacts WHERE expires_at < now()`)
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n >= 1, nil
}

func (l *ArtifactCleanupLauncher) PrepareJobData(context.Context) (map[string]any, error) {
	return map[string]any{"scope": "expired"}, nil
}

// CategoryRefreshLauncher fires every 6h while any active VocabType
// still carries an llm_generated category.
type CategoryRefreshLauncher struct {
	Vocab vocab.Store
}

func (l *CategoryRefreshLauncher) Name() string            { return "category_refresh" }
func (l *CategoryRefreshLauncher) JobType() string         { return "vocab_refresh" }
func (l *CategoryRefreshLauncher) Interval() time.Duration { return 6 * time.Hour }

func (l *CategoryRefreshLauncher) CheckConditions(ctx context.Context) (bool, error) {
	types, err := l.Vocab.List(ctx, true)
	if err != nil {
		return false, err
	}
	for _, t := range types {
		if t.Category == "llm_generated" {
			return true, nil
		}
	}
	return false, nil
}

func (l *CategoryRefreshLauncher) PrepareJobData(context.Context) (map[string]any, error) {
	return map[string]any{"reason": "llm_generated categories pending"}, nil
}

// VocabConsolidationLauncher fires every 12h when the inactive/active
// ratio exceeds 20% with at least 50 active types. The persisted state
// implements the hysteresis band between 10% and 20%.
type VocabConsolidationLauncher struct {
	Vocab vocab.Store

	prevState string
}

func (l *VocabConsolidationLauncher) Name() string            { return "vocab_consolidation" }
func (l *VocabConsolidationLauncher) JobType() string         { return "vocab_consolidate" }
func (l *VocabConsolidationLauncher) Interval() time.Duration { return 12 * time.Hour }

func (l *VocabConsolidationLauncher) LoadState(state string) { l.prevState = state }
func (l *VocabConsolidationLauncher) SaveState() string      { return l.prevState }

func (l *VocabConsolidationLauncher) CheckConditions(ctx context.Context) (bool, error) {
	types, err := l.Vocab.List(ctx, false)
	if err != nil {
		return false, err
	}
	var active, inactive int
	for _, t := range types {
		if t.IsActive {
			active++
		} else {
			inactive++
		}
	}
	if active < consolidateMinActive || active == 0 {
		l.prevState = ""
		return false, nil
	}

	ratio := float64(inactive) / float64(active)
	switch {
	case ratio > consolidateRatioHigh:
		l.prevState = "consolidate"
		return true, nil
	case ratio < consolidateRatioLow:
		l.prevState = ""
		return false, nil
	default:
		// Hysteresis band: fire only when we were already consolidating.
		return l.prevState == "consolidate", nil
	}
}

func (l *VocabConsolidationLauncher) PrepareJobData(context.Context) (map[string]any, error) {
	return map[string]any{"mode": "inactive_sweep"}, nil
}

// DeltaSource is the metrics slice the epistemic launcher reads.
type DeltaSource interface {
	GetDelta(ctx context.Context, metric string) (int64, error)
}

// EpistemicLauncher fires when the vocabulary has changed enough since
// the last measurement.
type EpistemicLauncher struct {
	Metrics   DeltaSource
	Threshold int64
}

func (l *EpistemicLauncher) Name() string            { return "epistemic_remeasurement" }
func (l *EpistemicLauncher) JobType() string         { return "epistemic_remeasurement" }
func (l *EpistemicLauncher) Interval() time.Duration { return 24 * time.Hour }

func (l *EpistemicLauncher) CheckConditions(ctx context.Context) (bool, error) {
	threshold := l.Threshold
	if threshold <= 0 {
		threshold = DefaultEpistemicDelta
	}
	delta, err := l.Metrics.GetDelta(ctx, MetricVocabularyChange)
	if err != nil {
		return false, err
	}
	return delta >= threshold, nil
}

func (l *EpistemicLauncher) PrepareJobData(ctx context.Context) (map[string]any, error) {
	delta, err := l.Metrics.GetDelta(ctx, MetricVocabularyChange)
	if err != nil {
		return nil, err
	}
	return map[string]any{"vocabulary_delta": delta}, nil
}

// ConceptCounts yields live per-ontology concept counts.
type ConceptCounts interface {
	OntologyConceptCounts(ctx context.Context) (map[string]int, error)
}

// ProjectionCache is the read slice of the projection store.
type ProjectionCache interface {
	Get(ctx context.Context, ontology, embeddingSource string) (*garage.Projection, error)
}

// ProjectionLauncher fires hourly for ontologies whose projection cache
// is absent or has drifted ≥5 concepts from the live graph.
type ProjectionLauncher struct {
	Counts          ConceptCounts
	Cache           ProjectionCache
	EmbeddingSource string
}

func (l *ProjectionLauncher) Name() string            { return "projection" }
func (l *ProjectionLauncher) JobType() string         { return "projection" }
func (l *ProjectionLauncher) Interval() time.Duration { return time.Hour }

// staleOntologies returns the ontologies whose cache needs refreshing.
func (l *ProjectionLauncher) staleOntologies(ctx context.Context) ([]string, error) {
	counts, err := l.Counts.OntologyConceptCounts(ctx)
	if err != nil {
		return nil, err
	}
	var stale []string
	for ontology, live := range counts {
		cached, err := l.Cache.Get(ctx, ontology, l.EmbeddingSource)
		if err != nil {
			if errors.Is(err, garage.ErrNotFound) {
				stale = append(stale, ontology)
				continue
			}
			return nil, err
		}
		drift := live - cached.ConceptCount
		if drift < 0 {
			drift = -drift
		}
		if drift >= projectionDriftThreshold {
			stale = append(stale, ontology)
		}
	}
	return stale, nil
}

func (l *ProjectionLauncher) CheckConditions(ctx context.Context) (bool, error) {
	stale, err := l.staleOntologies(ctx)
	if err != nil {
		return false, err
	}
	return len(stale) > 0, nil
}

func (l *ProjectionLauncher) PrepareJobData(ctx context.Context) (map[string]any, error) {
	stale, err := l.staleOntologies(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ontologies":       stale,
		"embedding_source": l.EmbeddingSource,
	}, nil
}
