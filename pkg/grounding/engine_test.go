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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/kge/pkg/graph"
)

// memEmbeddings is an in-memory EmbeddingSource.
type memEmbeddings struct {
	vals  map[string][]float32
	calls int
}

func (m *memEmbeddings) GetEmbedding(ctx context.Context, name string) ([]float32, string, error) {
	m.calls++
	if v, ok := m.vals[name]; ok {
		return v, "mock", nil
	}
	return nil, "", nil
}

// scriptedGraph replies to Execute from a query-substring keyed script.
type scriptedGraph struct {
	queries []string
	replies map[string][]graph.Row
}

func (g *scriptedGraph) Execute(ctx context.Context, query string, params map[string]any, fetchOne bool) ([]graph.Row, error) {
	g.queries = append(g.queries, query)
	for key, rows := range g.replies {
		if strings.Contains(query, key) {
			return rows, nil
		}
	}
	return nil, nil
}

type fixedGeneration struct{ gen int64 }

func (f *fixedGeneration) VocabularyGeneration(ctx context.Context) (int64, error) {
	return f.gen, nil
}

// Axis-friendly store: SUPPORTS points along +x, CONTRADICTS along -x,
// so the polarity axis is exactly +x.
func supportAxisStore() *memEmbeddings {
	return &memEmbeddings{vals: map[string][]float32{
		"SUPPORTS":    {1, 0, 0, 0},
		"CONTRADICTS": {-1, 0, 0, 0},
	}}
}

func TestComputeAxis_UnitNormalized(t *testing.T) {
	store := &memEmbeddings{vals: map[string][]float32{
		"SUPPORTS":    {2, 0, 0, 0},
		"CONTRADICTS": {-2, 0, 0, 0},
		"VALIDATES":   {0, 2, 0, 0},
		"REFUTES":     {0, -2, 0, 0},
	}}
	axis, err := computeAxis(context.Background(), store)
	require.NoError(t, err)
	require.Len(t, axis, 4)

	// Mean of (4,0,0,0) and (0,4,0,0) is (2,2,0,0), normalized.
	assert.InDelta(t, 1.0, dot(axis, axis), 1e-6)
	assert.InDelta(t, axis[0], axis[1], 1e-6)
	assert.InDelta(t, 0, axis[2], 1e-6)
}

func TestComputeAxis_NoSurvivingPairReturnsNil(t *testing.T) {
	// SUPPORTS alone cannot form a pair.
	store := &memEmbeddings{vals: map[string][]float32{"SUPPORTS": {1, 0}}}
	axis, err := computeAxis(context.Background(), store)
	require.NoError(t, err)
	assert.Nil(t, axis)
}

func TestComputeAxis_SkipsMismatchedDimensions(t *testing.T) {
	store := &memEmbeddings{vals: map[string][]float32{
		"SUPPORTS":    {1, 0, 0, 0},
		"CONTRADICTS": {-1, 0, 0, 0},
		"VALIDATES":   {0, 1}, // regenerated at a different dimension
		"REFUTES":     {0, -1},
	}}
	axis, err := computeAxis(context.Background(), store)
	require.NoError(t, err)
	require.Len(t, axis, 4)
	assert.InDelta(t, 1.0, axis[0], 1e-6)
}

func TestStrength_ConfidenceWeightedProjection(t *testing.T) {
	store := supportAxisStore()
	store.vals["MENTIONS"] = []float32{0.5, 0, 0, 0}

	g := &scriptedGraph{replies: map[string][]graph.Row{
		"<-[r]-": {
			{"rel_type": "SUPPORTS", "confidence": 0.8},
			{"rel_type": "MENTIONS", "confidence": 0.4},
		},
	}}
	e := NewEngine(g, store, nil, nil)

	got, err := e.Strength(context.Background(), "concept_1", Options{})
	require.NoError(t, err)
	// (0.8*1.0 + 0.4*0.5) / (0.8 + 0.4)
	assert.InDelta(t, 1.0/1.2, got, 1e-6)
}

func TestStrength_DefaultConfidenceIsOne(t *testing.T) {
	g := &scriptedGraph{replies: map[string][]graph.Row{
		"<-[r]-": {{"rel_type": "SUPPORTS", "confidence": nil}},
	}}
	e := NewEngine(g, supportAxisStore(), nil, nil)
	got, err := e.Strength(context.Background(), "concept_1", Options{})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got, 1e-6)
}

func TestStrength_NegativeEdgesPullNegative(t *testing.T) {
	g := &scriptedGraph{replies: map[string][]graph.Row{
		"<-[r]-": {
			{"rel_type": "CONTRADICTS", "confidence": 1.0},
			{"rel_type": "CONTRADICTS", "confidence": 1.0},
			{"rel_type": "SUPPORTS", "confidence": 1.0},
		},
	}}
	e := NewEngine(g, supportAxisStore(), nil, nil)
	got, err := e.Strength(context.Background(), "concept_1", Options{})
	require.NoError(t, err)
	assert.InDelta(t, -1.0/3.0, got, 1e-6)
}

func TestStrength_IncludeExcludeFilters(t *testing.T) {
	rows := []graph.Row{
		{"rel_type": "SUPPORTS", "confidence": 1.0},
		{"rel_type": "CONTRADICTS", "confidence": 1.0},
	}
	g := &scriptedGraph{replies: map[string][]graph.Row{"<-[r]-": rows}}
	e := NewEngine(g, supportAxisStore(), nil, nil)

	got, err := e.Strength(context.Background(), "c1", Options{IncludeTypes: []string{"SUPPORTS"}})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got, 1e-6)

	got, err = e.Strength(context.Background(), "c1", Options{ExcludeTypes: []string{"SUPPORTS"}})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, got, 1e-6)

	// Filtering everything out scores zero.
	got, err = e.Strength(context.Background(), "c1", Options{IncludeTypes: []string{"ABSENT"}})
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestStrength_NoAxisScoresZero(t *testing.T) {
	g := &scriptedGraph{replies: map[string][]graph.Row{
		"<-[r]-": {{"rel_type": "SUPPORTS", "confidence": 1.0}},
	}}
	e := NewEngine(g, &memEmbeddings{}, nil, nil)
	got, err := e.Strength(context.Background(), "c1", Options{})
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestStrength_EdgeTypeWithoutEmbeddingIsSkipped(t *testing.T) {
	g := &scriptedGraph{replies: map[string][]graph.Row{
		"<-[r]-": {
			{"rel_type": "SUPPORTS", "confidence": 1.0},
			{"rel_type": "UNEMBEDDED", "confidence": 1.0},
		},
	}}
	e := NewEngine(g, supportAxisStore(), nil, nil)
	got, err := e.Strength(context.Background(), "c1", Options{})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got, 1e-6)
}

func TestAxis_CachedAgainstVocabularyGeneration(t *testing.T) {
	store := supportAxisStore()
	gen := &fixedGeneration{gen: 1}
	e := NewEngine(&scriptedGraph{}, store, gen, nil)

	_, err := e.Axis(context.Background())
	require.NoError(t, err)
	callsAfterFirst := store.calls

	// Same generation: cached, no further embedding fetches.
	_, err = e.Axis(context.Background())
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, store.calls)

	// Bumped generation: recomputed.
	gen.gen = 2
	_, err = e.Axis(context.Background())
	require.NoError(t, err)
	assert.Greater(t, store.calls, callsAfterFirst)
}

func TestDistribution_Buckets(t *testing.T) {
	var d Distribution
	for _, g := range []float64{0.9, 0.5, 0.1, 0.0, -0.1, -0.5, -0.9} {
		d.Add(g)
	}
	assert.Equal(t, 1, d.StrongPositive)
	assert.Equal(t, 1, d.ModeratePositive)
	assert.Equal(t, 2, d.WeakPositive) // 0.1 and 0.0
	assert.Equal(t, 1, d.WeakNegative)
	assert.Equal(t, 1, d.ModerateNegative)
	assert.Equal(t, 1, d.StrongNegative)
}

func TestRecalculateAll_WritesBackAndBuckets(t *testing.T) {
	g := &scriptedGraph{replies: map[string][]graph.Row{
		"MATCH (c:Concept)\n": {
			{"concept_id": "c1"},
			{"concept_id": "c2"},
		},
		"<-[r]-": {{"rel_type": "SUPPORTS", "confidence": 1.0}},
		"SET c.grounding_strength": {{"concept_id": "ok"}},
	}}
	e := NewEngine(g, supportAxisStore(), nil, nil)

	stats, err := e.RecalculateAll(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Concepts)
	assert.Equal(t, 2, stats.Updated)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, 2, stats.Distribution.StrongPositive)

	var wroteBack int
	for _, q := range g.queries {
		if strings.Contains(q, "SET c.grounding_strength") {
			wroteBack++
		}
	}
	assert.Equal(t, 2, wroteBack)
}
