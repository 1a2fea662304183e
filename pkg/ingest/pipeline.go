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

// Package ingest turns documents into graph structure: chunking,
// concept extraction, embedding-based upsert, provenance edges, and the
// per-chunk checkpoints that make jobs resumable.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kraklabs/kge/pkg/ai"
	"github.com/kraklabs/kge/pkg/chunker"
	"github.com/kraklabs/kge/pkg/garage"
	"github.com/kraklabs/kge/pkg/graph"
	"github.com/kraklabs/kge/pkg/vocab"
)

// DefaultUpsertThreshold is the cosine similarity above which an
// extracted concept merges into an existing one instead of creating a
// duplicate node.
const DefaultUpsertThreshold = 0.85

// contextWindowSize bounds the (concept_id, label) pairs fed back to
// the extraction model.
const contextWindowSize = 50

// Counter is the metrics slice the pipeline bumps.
type Counter interface {
	Increment(ctx context.Context, metric string) error
}

// GraphStore is the graph surface the pipeline writes through.
// *graph.Client is the production implementation.
type GraphStore interface {
	GetDocumentMeta(ctx context.Context, contentHash, ontology string) (*graph.DocumentMeta, error)
	CreateDocumentMeta(ctx context.Context, meta graph.DocumentMeta, sourceIDs []string) error
	RecentConcepts(ctx context.Context, ontology string, lastParagraphs, limit int) ([]graph.Concept, error)
	CreateSource(ctx context.Context, s graph.Source) error
	CreateConcept(ctx context.Context, c graph.Concept) error
	UpdateConceptSearchTerms(ctx context.Context, conceptID string, terms []string) error
	VectorSearch(ctx context.Context, ontology string, query []float32, topK int, threshold float64) ([]graph.SearchResult, error)
	FindInstanceByQuote(ctx context.Context, sourceID, quote string) (string, error)
	CreateEvidence(ctx context.Context, conceptID, sourceID, instanceID, quote string) error
	LinkAppears(ctx context.Context, conceptID, sourceID string) error
	CreateRelationship(ctx context.Context, fromID, toID, relType string, prov graph.EdgeProvenance) error
}

var _ GraphStore = (*graph.Client)(nil)

// Metric names the pipeline increments; they mirror the graph_metrics
// rows the launchers watch.
const (
	metricConceptCreation      = "concept_creation_counter"
	metricRelationshipCreation = "relationship_creation_counter"
	metricDocumentIngestion    = "document_ingestion_counter"
)

// Stats accumulates what one ingestion run did to the graph.
type Stats struct {
	ConceptsCreated      int `json:"concepts_created"`
	ConceptsLinked       int `json:"concepts_linked"`
	SourcesCreated       int `json:"sources_created"`
	InstancesCreated     int `json:"instances_created"`
	RelationshipsCreated int `json:"relationships_created"`
	TokensUsed           int `json:"tokens_used"`
}

// Options parameterizes one ingestion job.
type Options struct {
	Ontology   string
	Filename   string
	FilePath   string
	JobID      string
	IngestedBy string

	// ResumeFromChunk skips chunks already processed by a previous
	// attempt; the checkpoint supplies it.
	ResumeFromChunk int

	// Image jobs arrive with the vision prose as content plus these.
	ContentType     string
	StorageKey      string
	VisualEmbedding []float32

	UpsertThreshold float64
	ChunkConfig     chunker.Config
}

// Result reports one ingestion run.
type Result struct {
	Deduplicated bool   `json:"deduplicated"`
	ContentHash  string `json:"content_hash"`
	DocumentID   string `json:"document_id,omitempty"`
	Chunks       int    `json:"chunks"`
	Stats        Stats  `json:"stats"`
}

// ProgressFunc receives per-chunk progress for job reporting; nil is
// fine.
type ProgressFunc func(chunk, total int, stats Stats)

// Pipeline wires the ingestion collaborators together. One Pipeline
// serves many documents; each document's chunks run strictly serially
// so later chunks see earlier upserts.
type Pipeline struct {
	graph       GraphStore
	vocab       *vocab.Manager
	extractor   ai.Extractor
	embedder    ai.Embedder
	translator  ai.Completer
	sources     *garage.SourceStore
	checkpoints *CheckpointManager
	counter     Counter
	logger      *slog.Logger

	// Progress, when set, is invoked after every chunk.
	Progress ProgressFunc
}

// NewPipeline wires a pipeline. translator and counter may be nil;
// sources and checkpoints may be nil in tests.
func NewPipeline(g GraphStore, v *vocab.Manager, extractor ai.Extractor, embedder ai.Embedder,
	translator ai.Completer, sources *garage.SourceStore, checkpoints *CheckpointManager,
	counter Counter, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		graph:       g,
		vocab:       v,
		extractor:   extractor,
		embedder:    embedder,
		translator:  translator,
		sources:     sources,
		checkpoints: checkpoints,
		counter:     counter,
		logger:      logger,
	}
}

// IngestDocument runs the full pipeline on one document: hash, dedup
// check, content-addressed upload, serial chunk processing, DocumentMeta
// creation and a vocabulary sync.
func (p *Pipeline) IngestDocument(ctx context.Context, content []byte, opts Options) (*Result, error) {
	if opts.Ontology == "" {
		return nil, fmt.Errorf("ontology is required")
	}
	if opts.UpsertThreshold <= 0 {
		opts.UpsertThreshold = DefaultUpsertThreshold
	}

	sum := sha256.Sum256(content)
	contentHash := hex.EncodeToString(sum[:])
	result := &Result{ContentHash: contentHash}

	// Dedup: identical content in the same ontology is a no-op success.
	if meta, err := p.graph.GetDocumentMeta(ctx, contentHash, opts.Ontology); err != nil {
		return nil, fmt.Errorf("dedup check: %w", err)
	} else if meta != nil {
		p.logger.Info("document already ingested",
			"ontology", opts.Ontology, "content_hash", contentHash[:12], "document_id", meta.DocumentID)
		result.Deduplicated = true
		result.DocumentID = meta.DocumentID
		return result, nil
	}

	var garageKey string
	if p.sources != nil {
		identity, err := p.sources.Upload(ctx, content, opts.Ontology,
			strings.TrimPrefix(filepath.Ext(opts.Filename), "."), contentHash, nil)
		if err != nil {
			return nil, fmt.Errorf("store source document: %w", err)
		}
		garageKey = identity.GarageKey
	}

	chunks, err := chunker.ChunkDocument(ctx, opts.Filename, string(content), opts.ChunkConfig, p.translator, p.logger)
	if err != nil {
		return nil, fmt.Errorf("chunk document: %w", err)
	}
	result.Chunks = len(chunks)

	state := p.resumeState(opts, contentHash)

	sourceIDs := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		sourceIDs = append(sourceIDs, sourceID(contentHash, chunk.ChunkNumber))
	}

	for i, chunk := range chunks {
		if i < state.resumeFrom {
			continue
		}
		if err := p.processChunk(ctx, chunk, contentHash, garageKey, opts, state); err != nil {
			return nil, fmt.Errorf("chunk %d: %w", chunk.ChunkNumber, err)
		}
		p.saveCheckpoint(opts, contentHash, chunk, state)
		if p.Progress != nil {
			p.Progress(chunk.ChunkNumber, len(chunks), state.stats)
		}
		// Cancellation is observed at chunk boundaries, after the
		// checkpoint is durable.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	meta := graph.DocumentMeta{
		DocumentID:  uuid.New().String(),
		ContentHash: contentHash,
		Ontology:    opts.Ontology,
		SourceCount: len(sourceIDs),
		IngestedBy:  opts.IngestedBy,
		JobID:       opts.JobID,
		Filename:    opts.Filename,
		FilePath:    opts.FilePath,
		SourceType:  sourceType(opts),
		GarageKey:   garageKey,
	}
	if err := p.graph.CreateDocumentMeta(ctx, meta, sourceIDs); err != nil {
		return nil, fmt.Errorf("create document meta: %w", err)
	}
	result.DocumentID = meta.DocumentID
	p.bump(ctx, metricDocumentIngestion)

	if p.checkpoints != nil {
		if err := p.checkpoints.Delete(documentName(opts)); err != nil {
			p.logger.Warn("checkpoint cleanup failed", "document", documentName(opts), "error", err)
		}
	}

	if _, err := p.vocab.SyncFromGraph(ctx, false); err != nil {
		p.logger.Warn("vocabulary sync after ingestion failed", "error", err)
	}

	result.Stats = state.stats
	p.logger.Info("document ingested",
		"ontology", opts.Ontology,
		"document_id", meta.DocumentID,
		"chunks", len(chunks),
		"concepts_created", state.stats.ConceptsCreated,
		"concepts_linked", state.stats.ConceptsLinked,
		"relationships", state.stats.RelationshipsCreated)
	return result, nil
}

// runState is the mutable per-document ingestion state.
type runState struct {
	resumeFrom int
	stats      Stats
	recentIDs  []string
	labelToID  map[string]string
	idToLabel  map[string]string
}

func (p *Pipeline) resumeState(opts Options, contentHash string) *runState {
	state := &runState{
		resumeFrom: opts.ResumeFromChunk,
		labelToID:  make(map[string]string),
		idToLabel:  make(map[string]string),
	}
	if p.checkpoints == nil {
		return state
	}
	cp, err := p.checkpoints.Load(documentName(opts))
	if err != nil || cp == nil {
		return state
	}
	if cp.FileHash != contentHash {
		p.logger.Warn("checkpoint rejected: document content changed", "document", documentName(opts))
		return state
	}
	state.resumeFrom = cp.ChunksProcessed
	state.stats = cp.Stats
	state.recentIDs = cp.RecentConceptIDs
	p.logger.Info("resuming from checkpoint",
		"document", documentName(opts), "chunks_processed", cp.ChunksProcessed)
	return state
}

func (p *Pipeline) saveCheckpoint(opts Options, contentHash string, chunk chunker.Chunk, state *runState) {
	if p.checkpoints == nil {
		return
	}
	cp := &Checkpoint{
		DocumentName:     documentName(opts),
		FilePath:         opts.FilePath,
		FileHash:         contentHash,
		CharPosition:     chunk.EndPosition,
		ChunksProcessed:  chunk.ChunkNumber,
		RecentConceptIDs: state.recentIDs,
		Stats:            state.stats,
	}
	if err := p.checkpoints.Save(cp); err != nil {
		p.logger.Warn("checkpoint save failed", "document", cp.DocumentName, "error", err)
	}
}

// processChunk is the per-chunk contract: context window, extraction,
// upsert-by-meaning, Source + Instance provenance, typed relationships.
func (p *Pipeline) processChunk(ctx context.Context, chunk chunker.Chunk, contentHash, garageKey string, opts Options, state *runState) error {
	hints, err := p.contextWindow(ctx, opts.Ontology, state)
	if err != nil {
		return err
	}
	if len(hints) == 0 {
		p.logger.Info("empty context window", "ontology", opts.Ontology, "chunk", chunk.ChunkNumber)
	}

	vocabulary, err := p.vocab.ActiveTypeNames(ctx)
	if err != nil {
		return fmt.Errorf("list vocabulary: %w", err)
	}

	extraction, err := p.extractor.Extract(ctx, ai.ExtractionRequest{
		Text:          chunk.Text,
		ContextWindow: hints,
		Vocabulary:    vocabulary,
	})
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	srcID := sourceID(contentHash, chunk.ChunkNumber)
	conceptQuotes := make(map[string][]string)

	for _, ec := range extraction.Concepts {
		conceptID, created, err := p.upsertConcept(ctx, opts, ec)
		if err != nil {
			return err
		}
		state.labelToID[normalizeLabel(ec.Label)] = conceptID
		state.idToLabel[conceptID] = ec.Label
		state.recentIDs = append(state.recentIDs, conceptID)
		if len(state.recentIDs) > recentConceptKeep {
			state.recentIDs = state.recentIDs[len(state.recentIDs)-recentConceptKeep:]
		}
		conceptQuotes[conceptID] = ec.Quotes
		if created {
			state.stats.ConceptsCreated++
			p.bump(ctx, metricConceptCreation)
		} else {
			state.stats.ConceptsLinked++
		}
	}

	source := graph.Source{
		SourceID:        srcID,
		Document:        opts.Ontology,
		Paragraph:       chunk.ChunkNumber,
		FullText:        chunk.Text,
		ContentType:     opts.ContentType,
		StorageKey:      opts.StorageKey,
		GarageKey:       garageKey,
		ContentHash:     contentHash,
		CharOffsetStart: chunk.StartPosition,
		CharOffsetEnd:   chunk.EndPosition,
		ChunkIndex:      chunk.ChunkNumber,
		VisualEmbedding: opts.VisualEmbedding,
	}
	if err := p.graph.CreateSource(ctx, source); err != nil {
		return fmt.Errorf("create source: %w", err)
	}
	state.stats.SourcesCreated++

	for conceptID, quotes := range conceptQuotes {
		if err := p.linkEvidence(ctx, conceptID, srcID, quotes, state); err != nil {
			return err
		}
	}

	for _, rel := range extraction.Relationships {
		if err := p.createRelationship(ctx, rel, opts, state); err != nil {
			return err
		}
	}
	return nil
}

// contextWindow collects recent concept hints: this run's tail first,
// then the last paragraphs of the ontology from the graph.
func (p *Pipeline) contextWindow(ctx context.Context, ontology string, state *runState) ([]ai.ConceptHint, error) {
	hints := make([]ai.ConceptHint, 0, contextWindowSize)
	seen := make(map[string]bool)

	for i := len(state.recentIDs) - 1; i >= 0 && len(hints) < contextWindowSize; i-- {
		id := state.recentIDs[i]
		if seen[id] {
			continue
		}
		seen[id] = true
		hints = append(hints, ai.ConceptHint{ConceptID: id, Label: state.idToLabel[id]})
	}

	if len(hints) < contextWindowSize {
		recent, err := p.graph.RecentConcepts(ctx, ontology, 3, contextWindowSize-len(hints))
		if err != nil {
			return nil, fmt.Errorf("recent concepts: %w", err)
		}
		for _, c := range recent {
			if seen[c.ConceptID] {
				continue
			}
			seen[c.ConceptID] = true
			hints = append(hints, ai.ConceptHint{ConceptID: c.ConceptID, Label: c.Label})
		}
	}
	return hints, nil
}

// upsertConcept embeds the concept and either merges into the nearest
// existing Concept above the threshold or creates a new node. A merge
// never overwrites the existing label or embedding; it may extend
// search_terms.
func (p *Pipeline) upsertConcept(ctx context.Context, opts Options, ec ai.ExtractedConcept) (string, bool, error) {
	text := ec.Label
	if ec.Description != "" {
		text += ": " + ec.Description
	}
	embedding, err := p.embedder.Embed(ctx, text)
	if err != nil {
		return "", false, fmt.Errorf("embed concept %q: %w", ec.Label, err)
	}

	matches, err := p.graph.VectorSearch(ctx, opts.Ontology, embedding, 1, opts.UpsertThreshold)
	if err != nil {
		return "", false, fmt.Errorf("vector search: %w", err)
	}
	if len(matches) > 0 {
		existing := matches[0]
		if len(ec.SearchTerms) > 0 {
			if err := p.graph.UpdateConceptSearchTerms(ctx, existing.ConceptID, ec.SearchTerms); err != nil {
				p.logger.Warn("search term extension failed", "concept_id", existing.ConceptID, "error", err)
			}
		}
		p.logger.Debug("concept merged",
			"label", ec.Label, "existing", existing.Label, "similarity", existing.Similarity)
		return existing.ConceptID, false, nil
	}

	concept := graph.Concept{
		ConceptID:   uuid.New().String(),
		Label:       ec.Label,
		Description: ec.Description,
		Embedding:   embedding,
		SearchTerms: ec.SearchTerms,
	}
	if err := p.graph.CreateConcept(ctx, concept); err != nil {
		return "", false, fmt.Errorf("create concept %q: %w", ec.Label, err)
	}
	return concept.ConceptID, true, nil
}

// linkEvidence MERGEs Instances by (quote, source) and always ensures
// the APPEARS edge.
func (p *Pipeline) linkEvidence(ctx context.Context, conceptID, srcID string, quotes []string, state *runState) error {
	for _, quote := range quotes {
		if strings.TrimSpace(quote) == "" {
			continue
		}
		existing, err := p.graph.FindInstanceByQuote(ctx, srcID, quote)
		if err != nil {
			return fmt.Errorf("instance lookup: %w", err)
		}
		if existing != "" {
			continue
		}
		if err := p.graph.CreateEvidence(ctx, conceptID, srcID, uuid.New().String(), quote); err != nil {
			return fmt.Errorf("create evidence: %w", err)
		}
		state.stats.InstancesCreated++
	}
	if err := p.graph.LinkAppears(ctx, conceptID, srcID); err != nil {
		return fmt.Errorf("link appears: %w", err)
	}
	return nil
}

// createRelationship resolves endpoints by label, normalizes the type
// through the vocabulary (adding unknown types as llm_generated) and
// MERGEs the edge with full provenance.
func (p *Pipeline) createRelationship(ctx context.Context, rel ai.ExtractedRelationship, opts Options, state *runState) error {
	fromID, okFrom := state.labelToID[normalizeLabel(rel.FromLabel)]
	toID, okTo := state.labelToID[normalizeLabel(rel.ToLabel)]
	if !okFrom || !okTo {
		p.logger.Warn("relationship endpoint not found, skipped",
			"from", rel.FromLabel, "to", rel.ToLabel, "type", rel.Type)
		return nil
	}

	relType, category, err := p.resolveType(ctx, rel.Type)
	if err != nil {
		return err
	}

	prov := graph.EdgeProvenance{
		Confidence: rel.Confidence,
		Category:   category,
		Source:     "llm_extraction",
		CreatedBy:  opts.IngestedBy,
		JobID:      opts.JobID,
		DocumentID: opts.Ontology,
	}
	if err := p.graph.CreateRelationship(ctx, fromID, toID, relType, prov); err != nil {
		return fmt.Errorf("create relationship %s: %w", relType, err)
	}
	state.stats.RelationshipsCreated++
	p.bump(ctx, metricRelationshipCreation)
	return nil
}

// resolveType maps a raw extracted type onto the vocabulary: match
// against known types and synonyms first, else register it as a new
// llm_generated type.
func (p *Pipeline) resolveType(ctx context.Context, raw string) (name, category string, err error) {
	matcher, err := p.vocab.NewMatcherFromStore(ctx)
	if err != nil {
		return "", "", fmt.Errorf("load vocabulary matcher: %w", err)
	}
	if matched, ok := matcher.Match(raw); ok {
		t, err := p.vocab.Get(ctx, matched)
		if err != nil || t == nil {
			return matched, "", nil
		}
		return matched, t.Category, nil
	}

	name = vocab.NormalizeName(raw)
	if _, err := p.vocab.Add(ctx, vocab.AddRequest{
		Name:     name,
		Category: "llm_generated",
		AddedBy:  "ingestion",
	}); err != nil {
		return "", "", fmt.Errorf("register type %s: %w", name, err)
	}
	return name, "llm_generated", nil
}

func (p *Pipeline) bump(ctx context.Context, metric string) {
	if p.counter == nil {
		return
	}
	if err := p.counter.Increment(ctx, metric); err != nil {
		p.logger.Warn("metric increment failed", "metric", metric, "error", err)
	}
}

func sourceID(contentHash string, chunkNumber int) string {
	return fmt.Sprintf("%s_chunk%d", contentHash[:12], chunkNumber)
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

func documentName(opts Options) string {
	if opts.Filename != "" {
		return opts.Filename
	}
	return opts.Ontology
}

func sourceType(opts Options) string {
	if opts.ContentType == "image" {
		return "image"
	}
	if chunker.UseMarkdown(opts.Filename) {
		return "markdown"
	}
	return "text"
}
