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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/kge/pkg/garage"
	"github.com/kraklabs/kge/pkg/vocab"
)

// listOnlyStore satisfies vocab.Store for the launcher tests; only List
// is exercised.
type listOnlyStore struct {
	vocab.Store
	types []vocab.Type
}

func (s *listOnlyStore) List(_ context.Context, activeOnly bool) ([]vocab.Type, error) {
	if !activeOnly {
		return s.types, nil
	}
	var out []vocab.Type
	for _, t := range s.types {
		if t.IsActive {
			out = append(out, t)
		}
	}
	return out, nil
}

func vocabMix(active, inactive int, activeCategory string) []vocab.Type {
	var types []vocab.Type
	for i := 0; i < active; i++ {
		types = append(types, vocab.Type{IsActive: true, Category: activeCategory})
	}
	for i := 0; i < inactive; i++ {
		types = append(types, vocab.Type{IsActive: false, Category: "causation"})
	}
	return types
}

func TestCategoryRefreshLauncher(t *testing.T) {
	ctx := context.Background()

	l := &CategoryRefreshLauncher{Vocab: &listOnlyStore{types: vocabMix(3, 0, "llm_generated")}}
	fire, err := l.CheckConditions(ctx)
	require.NoError(t, err)
	assert.True(t, fire)

	l.Vocab = &listOnlyStore{types: vocabMix(3, 0, "causation")}
	fire, err = l.CheckConditions(ctx)
	require.NoError(t, err)
	assert.False(t, fire)
}

func TestVocabConsolidationLauncher_Thresholds(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		active    int
		inactive  int
		prevState string
		wantFire  bool
		wantState string
	}{
		{"ratio above high fires", 100, 25, "", true, "consolidate"},
		{"ratio below low skips", 100, 5, "consolidate", false, ""},
		{"band without history skips", 100, 15, "", false, ""},
		{"band keeps consolidating", 100, 15, "consolidate", true, "consolidate"},
		{"too few active skips", 40, 20, "consolidate", false, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l := &VocabConsolidationLauncher{Vocab: &listOnlyStore{types: vocabMix(tc.active, tc.inactive, "computed")}}
			l.LoadState(tc.prevState)

			fire, err := l.CheckConditions(ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.wantFire, fire)
			assert.Equal(t, tc.wantState, l.SaveState())
		})
	}
}

type fixedDelta struct{ delta int64 }

func (f fixedDelta) GetDelta(context.Context, string) (int64, error) { return f.delta, nil }

func TestEpistemicLauncher_DeltaThreshold(t *testing.T) {
	ctx := context.Background()

	l := &EpistemicLauncher{Metrics: fixedDelta{delta: 12}}
	fire, err := l.CheckConditions(ctx)
	require.NoError(t, err)
	assert.True(t, fire)

	data, err := l.PrepareJobData(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12), data["vocabulary_delta"])

	l = &EpistemicLauncher{Metrics: fixedDelta{delta: 9}}
	fire, err = l.CheckConditions(ctx)
	require.NoError(t, err)
	assert.False(t, fire)

	l = &EpistemicLauncher{Metrics: fixedDelta{delta: 30}, Threshold: 40}
	fire, err = l.CheckConditions(ctx)
	require.NoError(t, err)
	assert.False(t, fire)
}

type fixedCounts map[string]int

func (f fixedCounts) OntologyConceptCounts(context.Context) (map[string]int, error) {
	return f, nil
}

type fakeCache map[string]*garage.Projection

func (f fakeCache) Get(_ context.Context, ontology, _ string) (*garage.Projection, error) {
	p, ok := f[ontology]
	if !ok {
		return nil, garage.ErrNotFound
	}
	return p, nil
}

func TestProjectionLauncher_DriftAndAbsence(t *testing.T) {
	ctx := context.Background()

	l := &ProjectionLauncher{
		Counts: fixedCounts{"fresh": 100, "drifted": 100, "uncached": 10},
		Cache: fakeCache{
			"fresh":   {ConceptCount: 98},
			"drifted": {ConceptCount: 90},
		},
		EmbeddingSource: "ollama",
	}

	fire, err := l.CheckConditions(ctx)
	require.NoError(t, err)
	assert.True(t, fire)

	data, err := l.PrepareJobData(ctx)
	require.NoError(t, err)
	stale := data["ontologies"].([]string)
	assert.ElementsMatch(t, []string{"drifted", "uncached"}, stale)
	assert.Equal(t, "ollama", data["embedding_source"])
}

func TestProjectionLauncher_NoDriftNoFire(t *testing.T) {
	l := &ProjectionLauncher{
		Counts:          fixedCounts{"ont": 50},
		Cache:           fakeCache{"ont": {ConceptCount: 47}},
		EmbeddingSource: "ollama",
	}
	fire, err := l.CheckConditions(context.Background())
	require.NoError(t, err)
	assert.False(t, fire)
}
