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
	"strings"
	"sync"
	"testing"

	"github.com/kraklabs/kge/pkg/ai"
	"github.com/kraklabs/kge/pkg/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu         sync.Mutex
	types      map[string]*Type
	embeddings map[string][]float32
	models     map[string]string
	history    []HistoryEntry
}

func newMemStore() *memStore {
	return &memStore{
		types:      map[string]*Type{},
		embeddings: map[string][]float32{},
		models:     map[string]string{},
	}
}

func (s *memStore) Get(ctx context.Context, name string) (*Type, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.types[name]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) List(ctx context.Context, activeOnly bool) ([]Type, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Type
	for _, t := range s.types {
		if activeOnly && !t.IsActive {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (s *memStore) Insert(ctx context.Context, t Type) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.types[t.Name]; exists {
		return false, nil
	}
	t.IsActive = true
	s.types[t.Name] = &t
	return true, nil
}

func (s *memStore) Update(ctx context.Context, name string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.types[name]
	if !ok {
		return nil
	}
	for k, v := range fields {
		switch k {
		case "category":
			t.Category = v.(string)
		case "category_source":
			t.CategorySource = v.(string)
		case "category_confidence":
			t.CategoryConfidence = v.(float64)
		case "category_scores":
			t.CategoryScores = v.(map[string]float64)
		case "category_ambiguous":
			t.CategoryAmbiguous = v.(bool)
		case "description":
			t.Description = v.(string)
		case "is_active":
			t.IsActive = v.(bool)
		case "deprecation_reason":
			t.DeprecationReason = v.(string)
		}
	}
	return nil
}

func (s *memStore) SetEmbedding(ctx context.Context, name string, embedding []float32, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddings[name] = embedding
	s.models[name] = model
	return nil
}

func (s *memStore) GetEmbedding(ctx context.Context, name string) ([]float32, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.embeddings[name], s.models[name], nil
}

func (s *memStore) ListMissingEmbeddings(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name, t := range s.types {
		if t.IsActive && len(s.embeddings[name]) == 0 {
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *memStore) AppendHistory(ctx context.Context, e HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, e)
	return nil
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

type countingCounter struct{ counts map[string]int }

func (c *countingCounter) Increment(ctx context.Context, metric string) error {
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[metric]++
	return nil
}

func TestManager_AddIsIdempotent(t *testing.T) {
	store := newMemStore()
	g := &scriptedGraph{}
	counter := &countingCounter{}
	m := NewManager(store, g, ai.NewMockProvider(4), counter, nil)

	res, err := m.Add(context.Background(), AddRequest{Name: "supports", Category: "causation", AddedBy: "admin"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "SUPPORTS", res.Name)

	// Embedding was generated and stored.
	emb, model, err := store.GetEmbedding(context.Background(), "SUPPORTS")
	require.NoError(t, err)
	assert.NotEmpty(t, emb)
	assert.Equal(t, "mock", model)

	// Duplicate returns without error or side effects.
	res, err = m.Add(context.Background(), AddRequest{Name: "SUPPORTS", Category: "causation", AddedBy: "admin"})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, 1, counter.counts["vocabulary_change_counter"])
}

func TestManager_AddRejectsSystemTypes(t *testing.T) {
	m := NewManager(newMemStore(), &scriptedGraph{}, nil, nil, nil)
	_, err := m.Add(context.Background(), AddRequest{Name: "APPEARS"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved")
}

func TestManager_Merge(t *testing.T) {
	store := newMemStore()
	_, err := store.Insert(context.Background(), Type{Name: "VERIFIES", Category: "causation"})
	require.NoError(t, err)
	_, err = store.Insert(context.Background(), Type{Name: "VALIDATES", Category: "causation"})
	require.NoError(t, err)

	g := &scriptedGraph{replies: map[string][]graph.Row{
		"rewritten": {{"rewritten": float64(5)}},
	}}
	counter := &countingCounter{}
	m := NewManager(store, g, nil, counter, nil)

	res, err := m.Merge(context.Background(), "VERIFIES", "VALIDATES", "admin")
	require.NoError(t, err)
	assert.Equal(t, 5, res.EdgesRewritten)

	dep, err := store.Get(context.Background(), "VERIFIES")
	require.NoError(t, err)
	assert.False(t, dep.IsActive)
	assert.Equal(t, "Merged into VALIDATES", dep.DeprecationReason)

	require.Len(t, store.history, 1)
	assert.Equal(t, "merged", store.history[0].Action)
	assert.Equal(t, "VALIDATES", store.history[0].TargetType)
	assert.Equal(t, 1, counter.counts["vocabulary_change_counter"])

	// The rewrite query both creates the new type and deletes the old.
	found := false
	for _, q := range g.queries {
		if strings.Contains(q, "[r:VERIFIES]") && strings.Contains(q, "[r2:VALIDATES]") {
			found = true
		}
	}
	assert.True(t, found, "expected an edge rewrite query")
}

func TestManager_MergeRequiresRegisteredTarget(t *testing.T) {
	m := NewManager(newMemStore(), &scriptedGraph{}, nil, nil, nil)
	_, err := m.Merge(context.Background(), "A", "B", "admin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a registered")
}

func TestManager_SyncFromGraph(t *testing.T) {
	store := newMemStore()
	_, err := store.Insert(context.Background(), Type{Name: "SUPPORTS", Category: "causation"})
	require.NoError(t, err)

	g := &scriptedGraph{replies: map[string][]graph.Row{
		"DISTINCT type(r)": {
			{"name": `"SUPPORTS"`},      // already registered
			{"name": `"ENABLES"`},       // new
			{"name": `"APPEARS"`},       // system blacklist
			{"name": `"lowercase_rel"`}, // not uppercase
		},
	}}
	m := NewManager(store, g, nil, nil, nil)

	res, err := m.SyncFromGraph(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"ENABLES"}, res.Discovered)

	added, err := store.Get(context.Background(), "ENABLES")
	require.NoError(t, err)
	require.NotNil(t, added)
	assert.Equal(t, "llm_generated", added.Category)
	assert.Equal(t, "graph_sync", added.AddedBy)
}

func TestManager_SyncFromGraphDryRun(t *testing.T) {
	store := newMemStore()
	g := &scriptedGraph{replies: map[string][]graph.Row{
		"DISTINCT type(r)": {{"name": `"ENABLES"`}},
	}}
	m := NewManager(store, g, nil, nil, nil)

	res, err := m.SyncFromGraph(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"ENABLES"}, res.Discovered)

	absent, err := store.Get(context.Background(), "ENABLES")
	require.NoError(t, err)
	assert.Nil(t, absent)
}

func TestManager_RegenerateEmbeddings_Missing(t *testing.T) {
	store := newMemStore()
	_, _ = store.Insert(context.Background(), Type{Name: "SUPPORTS"})
	_, _ = store.Insert(context.Background(), Type{Name: "ENABLES"})
	require.NoError(t, store.SetEmbedding(context.Background(), "SUPPORTS", []float32{1, 0, 0, 0}, "mock"))

	m := NewManager(store, &scriptedGraph{}, ai.NewMockProvider(4), nil, nil)
	n, err := m.RegenerateEmbeddings(context.Background(), RegenerateMissing)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	emb, _, _ := store.GetEmbedding(context.Background(), "ENABLES")
	assert.Len(t, emb, 4)
}

func TestManager_RegenerateEmbeddings_Incompatible(t *testing.T) {
	store := newMemStore()
	_, _ = store.Insert(context.Background(), Type{Name: "SUPPORTS"})
	// Wrong dimensionality for the active embedder.
	require.NoError(t, store.SetEmbedding(context.Background(), "SUPPORTS", []float32{1, 0}, "mock"))

	m := NewManager(store, &scriptedGraph{}, ai.NewMockProvider(4), nil, nil)
	n, err := m.RegenerateEmbeddings(context.Background(), RegenerateIncompatible)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	emb, _, _ := store.GetEmbedding(context.Background(), "SUPPORTS")
	assert.Len(t, emb, 4)
}
