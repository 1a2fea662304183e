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

package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/kge/pkg/ai"
	"github.com/kraklabs/kge/pkg/chunker"
	"github.com/kraklabs/kge/pkg/graph"
	"github.com/kraklabs/kge/pkg/vocab"
)

// memGraph is an in-memory GraphStore.
type memGraph struct {
	mu        sync.Mutex
	metas     map[string]*graph.DocumentMeta
	concepts  map[string]graph.Concept
	sources   map[string]graph.Source
	instances map[string]string
	appears   map[string]bool
	rels      []relRecord
	recent    []graph.Concept
}

type relRecord struct {
	fromID, toID, relType string
	prov                  graph.EdgeProvenance
}

func newMemGraph() *memGraph {
	return &memGraph{
		metas:     make(map[string]*graph.DocumentMeta),
		concepts:  make(map[string]graph.Concept),
		sources:   make(map[string]graph.Source),
		instances: make(map[string]string),
		appears:   make(map[string]bool),
	}
}

func (g *memGraph) GetDocumentMeta(_ context.Context, contentHash, ontology string) (*graph.DocumentMeta, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.metas[contentHash+":"+ontology], nil
}

func (g *memGraph) CreateDocumentMeta(_ context.Context, meta graph.DocumentMeta, sourceIDs []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	meta.SourceCount = len(sourceIDs)
	g.metas[meta.ContentHash+":"+meta.Ontology] = &meta
	return nil
}

func (g *memGraph) RecentConcepts(context.Context, string, int, int) ([]graph.Concept, error) {
	return g.recent, nil
}

func (g *memGraph) CreateSource(_ context.Context, s graph.Source) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sources[s.SourceID] = s
	return nil
}

func (g *memGraph) CreateConcept(_ context.Context, c graph.Concept) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.concepts[c.ConceptID] = c
	return nil
}

func (g *memGraph) UpdateConceptSearchTerms(_ context.Context, conceptID string, terms []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.concepts[conceptID]
	c.SearchTerms = append(c.SearchTerms, terms...)
	g.concepts[conceptID] = c
	return nil
}

func (g *memGraph) VectorSearch(_ context.Context, _ string, query []float32, _ int, threshold float64) ([]graph.SearchResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var best *graph.SearchResult
	for _, c := range g.concepts {
		sim := graph.CosineSimilarity(c.Embedding, query)
		if sim < threshold {
			continue
		}
		if best == nil || sim > best.Similarity {
			best = &graph.SearchResult{ConceptID: c.ConceptID, Label: c.Label, Similarity: sim}
		}
	}
	if best == nil {
		return nil, nil
	}
	return []graph.SearchResult{*best}, nil
}

func (g *memGraph) FindInstanceByQuote(_ context.Context, sourceID, quote string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.instances[sourceID+"|"+quote], nil
}

func (g *memGraph) CreateEvidence(_ context.Context, _, sourceID, instanceID, quote string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.instances[sourceID+"|"+quote] = instanceID
	return nil
}

func (g *memGraph) LinkAppears(_ context.Context, conceptID, sourceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.appears[conceptID+"->"+sourceID] = true
	return nil
}

func (g *memGraph) CreateRelationship(_ context.Context, fromID, toID, relType string, prov graph.EdgeProvenance) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rels = append(g.rels, relRecord{fromID: fromID, toID: toID, relType: relType, prov: prov})
	return nil
}

// vocabMem is a minimal vocab.Store for pipeline tests.
type vocabMem struct {
	mu    sync.Mutex
	types map[string]*vocab.Type
}

func newVocabMem(seed ...vocab.Type) *vocabMem {
	s := &vocabMem{types: make(map[string]*vocab.Type)}
	for _, t := range seed {
		cp := t
		s.types[t.Name] = &cp
	}
	return s
}

func (s *vocabMem) Get(_ context.Context, name string) (*vocab.Type, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.types[name]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (s *vocabMem) List(_ context.Context, activeOnly bool) ([]vocab.Type, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []vocab.Type
	for _, t := range s.types {
		if activeOnly && !t.IsActive {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (s *vocabMem) Insert(_ context.Context, t vocab.Type) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.types[t.Name]; exists {
		return false, nil
	}
	t.IsActive = true
	s.types[t.Name] = &t
	return true, nil
}

func (s *vocabMem) Update(_ context.Context, name string, fields map[string]any) error {
	return nil
}

func (s *vocabMem) SetEmbedding(_ context.Context, name string, embedding []float32, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.types[name]; ok {
		t.Embedding = embedding
		t.EmbeddingModel = model
	}
	return nil
}

func (s *vocabMem) GetEmbedding(_ context.Context, name string) ([]float32, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.types[name]; ok {
		return t.Embedding, t.EmbeddingModel, nil
	}
	return nil, "", nil
}

func (s *vocabMem) ListMissingEmbeddings(context.Context) ([]string, error) { return nil, nil }

func (s *vocabMem) AppendHistory(context.Context, vocab.HistoryEntry) error { return nil }

// nullExecutor satisfies graph.Executor with empty results; the
// vocabulary manager's graph-side MERGEs are not under test here.
type nullExecutor struct{}

func (nullExecutor) Execute(context.Context, string, map[string]any, bool) ([]graph.Row, error) {
	return nil, nil
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingMetrics) Increment(_ context.Context, metric string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[metric]++
	return nil
}

func testPipeline(t *testing.T) (*Pipeline, *memGraph, *ai.MockProvider, *vocabMem, *countingMetrics) {
	t.Helper()
	g := newMemGraph()
	provider := ai.NewMockProvider(64)
	store := newVocabMem(vocab.Type{Name: "SUPPORTS", Category: "evidence", IsActive: true, IsBuiltin: true})
	manager := vocab.NewManager(store, nullExecutor{}, provider, nil, nil)
	metrics := &countingMetrics{}

	checkpoints, err := NewCheckpointManager(t.TempDir(), nil)
	require.NoError(t, err)

	p := NewPipeline(g, manager, provider, provider, provider, nil, checkpoints, metrics, nil)
	return p, g, provider, store, metrics
}

func testOptions() Options {
	return Options{
		Ontology:    "test_ontology",
		Filename:    "notes.txt",
		IngestedBy:  "tester",
		JobID:       "job-1",
		ChunkConfig: chunker.Config{TargetWords: 10, MinWords: 8, MaxWords: 15, OverlapWords: 3},
	}
}

const shortDoc = "Alpha systems depend on beta structures. That much is settled."

func contentHashOf(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func TestIngestDocument_FullRun(t *testing.T) {
	p, g, provider, _, metrics := testPipeline(t)

	provider.QueueExtraction(ai.Extraction{
		Concepts: []ai.ExtractedConcept{
			{Label: "Alpha", Description: "first concept", Quotes: []string{"Alpha systems depend on beta structures."}},
			{Label: "Beta", Description: "second concept"},
		},
		Relationships: []ai.ExtractedRelationship{
			{FromLabel: "Alpha", ToLabel: "Beta", Type: "supports", Confidence: 0.9},
		},
	})

	result, err := p.IngestDocument(context.Background(), []byte(shortDoc), testOptions())
	require.NoError(t, err)

	assert.False(t, result.Deduplicated)
	assert.Equal(t, 1, result.Chunks)
	assert.Equal(t, 2, result.Stats.ConceptsCreated)
	assert.Equal(t, 0, result.Stats.ConceptsLinked)
	assert.Equal(t, 1, result.Stats.SourcesCreated)
	assert.Equal(t, 1, result.Stats.InstancesCreated)
	assert.Equal(t, 1, result.Stats.RelationshipsCreated)

	hash := contentHashOf(shortDoc)
	source, ok := g.sources[hash[:12]+"_chunk1"]
	require.True(t, ok, "source id is {hash_prefix}_chunk{n}")
	assert.Equal(t, "test_ontology", source.Document)
	assert.Equal(t, shortDoc, strings.TrimSpace(source.FullText))

	require.Len(t, g.rels, 1)
	assert.Equal(t, "SUPPORTS", g.rels[0].relType)
	assert.Equal(t, 0.9, g.rels[0].prov.Confidence)
	assert.Equal(t, "llm_extraction", g.rels[0].prov.Source)
	assert.Equal(t, "evidence", g.rels[0].prov.Category)

	meta := g.metas[hash+":test_ontology"]
	require.NotNil(t, meta)
	assert.Equal(t, 1, meta.SourceCount)
	assert.Equal(t, result.DocumentID, meta.DocumentID)

	assert.Equal(t, 2, metrics.counts[metricConceptCreation])
	assert.Equal(t, 1, metrics.counts[metricRelationshipCreation])
	assert.Equal(t, 1, metrics.counts[metricDocumentIngestion])

	// Success removes the checkpoint.
	cp, err := p.checkpoints.Load("notes.txt")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestIngestDocument_DedupIsNoOp(t *testing.T) {
	p, g, provider, _, _ := testPipeline(t)

	hash := contentHashOf(shortDoc)
	g.metas[hash+":test_ontology"] = &graph.DocumentMeta{DocumentID: "existing", ContentHash: hash}

	result, err := p.IngestDocument(context.Background(), []byte(shortDoc), testOptions())
	require.NoError(t, err)
	assert.True(t, result.Deduplicated)
	assert.Equal(t, "existing", result.DocumentID)
	assert.Zero(t, provider.Calls(), "dedup must short-circuit before extraction")
}

func TestIngestDocument_UpsertMergesSimilarConcept(t *testing.T) {
	p, g, provider, _, _ := testPipeline(t)

	// Pre-existing concept with the exact embedding the pipeline will
	// compute for "Alpha: first concept"; cosine is 1.0.
	existing, err := provider.Embed(context.Background(), "Alpha: first concept")
	require.NoError(t, err)
	g.concepts["pre-1"] = graph.Concept{ConceptID: "pre-1", Label: "Alpha", Embedding: existing}

	provider.QueueExtraction(ai.Extraction{
		Concepts: []ai.ExtractedConcept{
			{Label: "Alpha", Description: "first concept", SearchTerms: []string{"alfa"}},
			{Label: "Gamma", Description: "unrelated concept"},
		},
	})

	result, err := p.IngestDocument(context.Background(), []byte(shortDoc), testOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stats.ConceptsLinked)
	assert.Equal(t, 1, result.Stats.ConceptsCreated)

	// The merge extends search terms but never replaces the label.
	merged := g.concepts["pre-1"]
	assert.Equal(t, "Alpha", merged.Label)
	assert.Contains(t, merged.SearchTerms, "alfa")
}

func TestIngestDocument_UnknownTypeRegisteredAsLLMGenerated(t *testing.T) {
	p, g, provider, store, _ := testPipeline(t)

	provider.QueueExtraction(ai.Extraction{
		Concepts: []ai.ExtractedConcept{
			{Label: "Alpha"}, {Label: "Beta"},
		},
		Relationships: []ai.ExtractedRelationship{
			{FromLabel: "Alpha", ToLabel: "Beta", Type: "energizes", Confidence: 0.5},
		},
	})

	_, err := p.IngestDocument(context.Background(), []byte(shortDoc), testOptions())
	require.NoError(t, err)

	require.Len(t, g.rels, 1)
	assert.Equal(t, "ENERGIZES", g.rels[0].relType)

	added, err := store.Get(context.Background(), "ENERGIZES")
	require.NoError(t, err)
	require.NotNil(t, added)
	assert.True(t, added.IsActive)
}

func TestIngestDocument_ResumeSkipsProcessedChunks(t *testing.T) {
	p, _, provider, _, _ := testPipeline(t)
	opts := testOptions()

	require.NoError(t, p.checkpoints.Save(&Checkpoint{
		DocumentName:    "notes.txt",
		FileHash:        contentHashOf(shortDoc),
		ChunksProcessed: 1,
		Stats:           Stats{ConceptsCreated: 4},
	}))

	result, err := p.IngestDocument(context.Background(), []byte(shortDoc), opts)
	require.NoError(t, err)
	assert.Zero(t, provider.Calls(), "all chunks already processed")
	assert.Equal(t, 4, result.Stats.ConceptsCreated, "checkpoint stats carry over")
	assert.NotEmpty(t, result.DocumentID)
}

func TestIngestDocument_StaleCheckpointIsIgnored(t *testing.T) {
	p, _, provider, _, _ := testPipeline(t)

	require.NoError(t, p.checkpoints.Save(&Checkpoint{
		DocumentName:    "notes.txt",
		FileHash:        "0000000000000000",
		ChunksProcessed: 1,
	}))

	provider.QueueExtraction(ai.Extraction{})
	_, err := p.IngestDocument(context.Background(), []byte(shortDoc), testOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, provider.Calls(), "hash mismatch restarts from chunk zero")
}

func TestIngestDocument_RequiresOntology(t *testing.T) {
	p, _, _, _, _ := testPipeline(t)
	_, err := p.IngestDocument(context.Background(), []byte(shortDoc), Options{})
	assert.Error(t, err)
}
