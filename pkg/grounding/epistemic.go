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
	"math"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/kraklabs/kge/pkg/graph"
)

// Epistemic status classifications. Each run is a measurement, not a
// verdict: results are sample-based and temporal.
const (
	StatusAffirmative      = "AFFIRMATIVE"       // mean grounding > 0.8
	StatusContested        = "CONTESTED"         // 0.15 .. 0.8
	StatusEmerging         = "EMERGING"          // 0 .. 0.15 (exclusive of 0)
	StatusUnclassified     = "UNCLASSIFIED"      // -0.5 .. 0.0
	StatusContradictory    = "CONTRADICTORY"     // < -0.5
	StatusHistorical       = "HISTORICAL"        // temporal marker in the name
	StatusInsufficientData = "INSUFFICIENT_DATA" // < 3 successful samples
)

// DefaultSampleSize bounds how many edges one measurement inspects.
const DefaultSampleSize = 100

var historicalMarkers = []string{
	"WAS", "WERE", "HAD", "HISTORICAL", "FORMER", "PREVIOUS",
	"PAST", "ANCIENT", "ORIGINALLY",
}

var vocabTypeNameRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Measurement is the outcome of sampling one vocabulary type.
type Measurement struct {
	VocabType    string    `json:"vocab_type"`
	Status       string    `json:"status"`
	Rationale    string    `json:"rationale"`
	TotalEdges   int       `json:"total_edges"`
	SampledEdges int       `json:"sampled_edges"`
	Measured     int       `json:"measured_concepts"`
	AvgGrounding float64   `json:"avg_grounding"`
	StdGrounding float64   `json:"std_grounding"`
	MinGrounding float64   `json:"min_grounding"`
	MaxGrounding float64   `json:"max_grounding"`
	MeasuredAt   time.Time `json:"measured_at"`
}

// MeasurementMarker records measurement completion in the metrics table.
// Implemented by the jobs metrics service.
type MeasurementMarker interface {
	Increment(ctx context.Context, metric string) error
	MarkMeasured(ctx context.Context, metric string) error
}

// EpistemicService classifies vocabulary types by the grounding of a
// random sample of their edge targets.
type EpistemicService struct {
	graph      graph.Executor
	engine     *Engine
	marker     MeasurementMarker
	logger     *slog.Logger
	sampleSize int
	rng        *rand.Rand
}

// NewEpistemicService builds a service. marker may be nil.
func NewEpistemicService(g graph.Executor, engine *Engine, marker MeasurementMarker, logger *slog.Logger) *EpistemicService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EpistemicService{
		graph:      g,
		engine:     engine,
		marker:     marker,
		logger:     logger,
		sampleSize: DefaultSampleSize,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetSampleSize overrides the per-type edge sample bound.
func (s *EpistemicService) SetSampleSize(n int) {
	if n > 0 {
		s.sampleSize = n
	}
}

// IsHistoricalName reports whether the type name carries a temporal
// marker. Historical vocabulary is classified by name, not by grounding.
func IsHistoricalName(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range historicalMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// Measure samples edges of one vocabulary type and classifies it.
func (s *EpistemicService) Measure(ctx context.Context, vocabType string) (*Measurement, error) {
	if !vocabTypeNameRe.MatchString(vocabType) {
		return nil, fmt.Errorf("invalid vocabulary type name: %q", vocabType)
	}

	m := &Measurement{VocabType: vocabType, MeasuredAt: time.Now().UTC()}

	// Relationship types cannot be parameterized in Cypher; the name was
	// validated against the identifier pattern above.
	rows, err := s.graph.Execute(ctx, fmt.Sprintf(`
		MATCH (c1:Concept)-[r:%s]->(c2:Concept)
		RETURN c2.concept_id AS target_id`, vocabType), nil, false)
	if err != nil {
		return nil, fmt.Errorf("fetching edges for %s: %w", vocabType, err)
	}
	m.TotalEdges = len(rows)
	if m.TotalEdges == 0 {
		m.Status = StatusInsufficientData
		m.Rationale = "no edges of this type exist"
		return m, nil
	}

	targets := make([]string, 0, len(rows))
	for _, row := range rows {
		if id := row.Str("target_id"); id != "" {
			targets = append(targets, id)
		}
	}
	if len(targets) > s.sampleSize {
		s.rng.Shuffle(len(targets), func(i, j int) {
			targets[i], targets[j] = targets[j], targets[i]
		})
		targets = targets[:s.sampleSize]
	}
	m.SampledEdges = len(targets)

	grounding, err := s.engine.StrengthBatch(ctx, targets, Options{})
	if err != nil {
		return nil, err
	}
	values := make([]float64, 0, len(grounding))
	for _, g := range grounding {
		values = append(values, g)
	}
	m.Measured = len(values)

	if m.Measured >= 3 {
		m.AvgGrounding, m.StdGrounding, m.MinGrounding, m.MaxGrounding = summarize(values)
	}
	m.Status, m.Rationale = classify(vocabType, m)
	return m, nil
}

func classify(vocabType string, m *Measurement) (string, string) {
	if m.Measured < 3 {
		return StatusInsufficientData, fmt.Sprintf(
			"only %d successful measurements from %d sampled edges (total: %d)",
			m.Measured, m.SampledEdges, m.TotalEdges)
	}
	if IsHistoricalName(vocabType) {
		return StatusHistorical, fmt.Sprintf("temporal marker detected in name: %s", vocabType)
	}

	detail := fmt.Sprintf("avg grounding %.3f from %d measurements (%d/%d edges sampled)",
		m.AvgGrounding, m.Measured, m.SampledEdges, m.TotalEdges)
	switch {
	case m.AvgGrounding > 0.8:
		return StatusAffirmative, "consistently high grounding: " + detail
	case m.AvgGrounding >= 0.15:
		return StatusContested, "mixed grounding: " + detail
	case m.AvgGrounding > 0:
		return StatusEmerging, "weak positive grounding: " + detail
	case m.AvgGrounding < -0.5:
		return StatusContradictory, "strong negative grounding: " + detail
	default:
		return StatusUnclassified, "weak negative grounding: " + detail
	}
}

func summarize(values []float64) (avg, std, min, max float64) {
	min = values[0]
	max = values[0]
	var sum float64
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	avg = sum / float64(len(values))
	if len(values) > 1 {
		var ss float64
		for _, v := range values {
			ss += (v - avg) * (v - avg)
		}
		std = math.Sqrt(ss / float64(len(values)-1))
	}
	return avg, std, min, max
}

// MeasureAll measures every VocabType node. When store is true, results
// are written back to the graph and the metrics counters are updated.
func (s *EpistemicService) MeasureAll(ctx context.Context, store bool) (map[string]*Measurement, error) {
	rows, err := s.graph.Execute(ctx, `
		MATCH (v:VocabType)
		RETURN v.name AS name
		ORDER BY v.name`, nil, false)
	if err != nil {
		return nil, fmt.Errorf("fetching vocabulary types: %w", err)
	}

	results := make(map[string]*Measurement, len(rows))
	for _, row := range rows {
		name := row.Str("name")
		if name == "" {
			continue
		}
		m, err := s.Measure(ctx, name)
		if err != nil {
			s.logger.Warn("epistemic measurement failed", "vocab_type", name, "error", err)
			continue
		}
		results[name] = m
		s.logger.Debug("epistemic status measured", "vocab_type", name, "status", m.Status)
	}

	if store {
		s.storeResults(ctx, results)
		if s.marker != nil {
			if err := s.marker.Increment(ctx, "epistemic_measurement_counter"); err != nil {
				s.logger.Warn("failed to bump epistemic measurement counter", "error", err)
			}
			if err := s.marker.MarkMeasured(ctx, "vocabulary_change_counter"); err != nil {
				s.logger.Warn("failed to mark vocabulary measurement complete", "error", err)
			}
		}
	}

	s.logger.Info("epistemic status measurement complete", "vocab_types", len(results), "stored", store)
	return results, nil
}

func (s *EpistemicService) storeResults(ctx context.Context, results map[string]*Measurement) {
	stored := 0
	for name, m := range results {
		_, err := s.graph.Execute(ctx, `
			MATCH (v:VocabType {name: $name})
			SET v.epistemic_status = $status,
			    v.epistemic_rationale = $rationale,
			    v.epistemic_measured_at = $measured_at
			RETURN v.name AS name`,
			map[string]any{
				"name":        name,
				"status":      m.Status,
				"rationale":   m.Rationale,
				"measured_at": m.MeasuredAt.Format(time.RFC3339),
			}, true)
		if err != nil {
			s.logger.Warn("failed to store epistemic status", "vocab_type", name, "error", err)
			continue
		}
		stored++
	}
	s.logger.Info("epistemic statuses stored", "stored", stored, "measured", len(results))
}
