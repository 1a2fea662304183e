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
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Well-known metric names.
const (
	MetricVocabularyChange     = "vocabulary_change_counter"
	MetricConceptCreation      = "concept_creation_counter"
	MetricRelationshipCreation = "relationship_creation_counter"
	MetricDocumentIngestion    = "document_ingestion_counter"
	MetricEpistemicMeasurement = "epistemic_measurement_counter"
)

// Staleness urgency thresholds on the vocabulary delta.
const (
	stalenessHigh   = 50
	stalenessMedium = 20
	stalenessLow    = 10
)

// MetricRow is one graph_metrics counter with its measurement watermark.
type MetricRow struct {
	Metric              string     `json:"metric"`
	Counter             int64      `json:"counter"`
	LastMeasuredCounter int64      `json:"last_measured_counter"`
	LastMeasuredAt      *time.Time `json:"last_measured_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Delta is the unmeasured growth of one counter.
func (r MetricRow) Delta() int64 { return r.Counter - r.LastMeasuredCounter }

// StalenessInfo summarizes how far measurements lag behind graph change.
type StalenessInfo struct {
	VocabularyDelta int64      `json:"vocabulary_delta"`
	Urgency         string     `json:"urgency"` // high, medium, low, none
	LastMeasuredAt  *time.Time `json:"last_measured_at,omitempty"`
}

// Metrics is the graph_metrics table: monotonic change counters with a
// companion last-measured watermark per row. Increments are single
// atomic row updates so concurrent workers never need coordination.
type Metrics struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewMetrics wraps a pool.
func NewMetrics(pool *pgxpool.Pool, logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Metrics{pool: pool, logger: logger}
}

// EnsureSchema creates graph_metrics if missing.
func (m *Metrics) EnsureSchema(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS graph_metrics (
    metric                TEXT PRIMARY KEY,
    counter               BIGINT NOT NULL DEFAULT 0,
    last_measured_counter BIGINT NOT NULL DEFAULT 0,
    last_measured_at      TIMESTAMPTZ,
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	if err != nil {
		return fmt.Errorf("ensure graph_metrics schema: %w", err)
	}
	return nil
}

// Increment bumps a counter, creating the row on first use.
func (m *Metrics) Increment(ctx context.Context, metric string) error {
	_, err := m.pool.Exec(ctx, `
INSERT INTO graph_metrics (metric, counter) VALUES ($1, 1)
ON CONFLICT (metric) DO UPDATE
SET counter = graph_metrics.counter + 1, updated_at = now()`, metric)
	if err != nil {
		return fmt.Errorf("increment %s: %w", metric, err)
	}
	return nil
}

// get fetches one row; a missing metric reads as all zeroes.
func (m *Metrics) get(ctx context.Context, metric string) (MetricRow, error) {
	row := m.pool.QueryRow(ctx, `
SELECT metric, counter, last_measured_counter, last_measured_at, updated_at
FROM graph_metrics WHERE metric = $1`, metric)

	var r MetricRow
	err := row.Scan(&r.Metric, &r.Counter, &r.LastMeasuredCounter, &r.LastMeasuredAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return MetricRow{Metric: metric, UpdatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return MetricRow{}, fmt.Errorf("get metric %s: %w", metric, err)
	}
	return r, nil
}

// GetDelta returns counter − last_measured_counter.
func (m *Metrics) GetDelta(ctx context.Context, metric string) (int64, error) {
	r, err := m.get(ctx, metric)
	if err != nil {
		return 0, err
	}
	return r.Delta(), nil
}

// MarkMeasured snaps the watermark to the current counter. A missing row
// is fine: measuring a metric nothing ever incremented is a no-op.
func (m *Metrics) MarkMeasured(ctx context.Context, metric string) error {
	_, err := m.pool.Exec(ctx, `
UPDATE graph_metrics
SET last_measured_counter = counter, last_measured_at = now(), updated_at = now()
WHERE metric = $1`, metric)
	if err != nil {
		return fmt.Errorf("mark %s measured: %w", metric, err)
	}
	return nil
}

// Reset zeroes a counter and its watermark. Operator-only.
func (m *Metrics) Reset(ctx context.Context, metric string) error {
	_, err := m.pool.Exec(ctx, `
UPDATE graph_metrics
SET counter = 0, last_measured_counter = 0, updated_at = now()
WHERE metric = $1`, metric)
	if err != nil {
		return fmt.Errorf("reset %s: %w", metric, err)
	}
	m.logger.Warn("metric counter reset", "metric", metric)
	return nil
}

// All returns every counter row.
func (m *Metrics) All(ctx context.Context) ([]MetricRow, error) {
	rows, err := m.pool.Query(ctx, `
SELECT metric, counter, last_measured_counter, last_measured_at, updated_at
FROM graph_metrics ORDER BY metric`)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricRow
	for rows.Next() {
		var r MetricRow
		if err := rows.Scan(&r.Metric, &r.Counter, &r.LastMeasuredCounter, &r.LastMeasuredAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Staleness maps the vocabulary delta onto an operator urgency.
func (m *Metrics) Staleness(ctx context.Context) (StalenessInfo, error) {
	r, err := m.get(ctx, MetricVocabularyChange)
	if err != nil {
		return StalenessInfo{}, err
	}
	info := StalenessInfo{VocabularyDelta: r.Delta(), LastMeasuredAt: r.LastMeasuredAt}
	switch {
	case info.VocabularyDelta >= stalenessHigh:
		info.Urgency = "high"
	case info.VocabularyDelta >= stalenessMedium:
		info.Urgency = "medium"
	case info.VocabularyDelta >= stalenessLow:
		info.Urgency = "low"
	default:
		info.Urgency = "none"
	}
	return info, nil
}

// VocabularyGeneration exposes the raw vocabulary change counter, used
// by the grounding engine to invalidate its cached polarity axis.
func (m *Metrics) VocabularyGeneration(ctx context.Context) (int64, error) {
	r, err := m.get(ctx, MetricVocabularyChange)
	if err != nil {
		return 0, err
	}
	return r.Counter, nil
}
