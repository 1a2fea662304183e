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

package graph

import (
	"context"
	"fmt"
	"time"
)

// Concept is a deduplicated meaning unit in the concept graph.
type Concept struct {
	ConceptID         string    `json:"concept_id"`
	Label             string    `json:"label"`
	Description       string    `json:"description,omitempty"`
	Embedding         []float32 `json:"embedding,omitempty"`
	SearchTerms       []string  `json:"search_terms,omitempty"`
	GroundingStrength *float64  `json:"grounding_strength,omitempty"`
}

// Source is one retrievable chunk of evidence.
type Source struct {
	SourceID        string    `json:"source_id"`
	Document        string    `json:"document"`
	Paragraph       int       `json:"paragraph"`
	FullText        string    `json:"full_text"`
	ContentType     string    `json:"content_type"`
	StorageKey      string    `json:"storage_key,omitempty"`
	GarageKey       string    `json:"garage_key,omitempty"`
	ContentHash     string    `json:"content_hash,omitempty"`
	CharOffsetStart int       `json:"char_offset_start,omitempty"`
	CharOffsetEnd   int       `json:"char_offset_end,omitempty"`
	ChunkIndex      int       `json:"chunk_index,omitempty"`
	VisualEmbedding []float32 `json:"visual_embedding,omitempty"`
}

// Instance is a verbatim quote linking a Concept to a Source.
type Instance struct {
	InstanceID string `json:"instance_id"`
	Quote      string `json:"quote"`
}

// EdgeProvenance carries the mandatory properties of every
// concept-to-concept edge. Edges are never mutated after creation.
type EdgeProvenance struct {
	Confidence float64
	Category   string
	Source     string // "llm_extraction" or "human_curation"
	CreatedBy  string
	JobID      string
	DocumentID string
}

// CreateSource MERGEs a Source node keyed by source_id. Optional fields
// with zero values are omitted from the property map.
func (c *Client) CreateSource(ctx context.Context, s Source) error {
	if s.ContentType == "" {
		s.ContentType = "document"
	}
	props := map[string]any{
		"source_id":    s.SourceID,
		"document":     s.Document,
		"paragraph":    s.Paragraph,
		"full_text":    s.FullText,
		"content_type": s.ContentType,
	}
	if s.StorageKey != "" {
		props["storage_key"] = s.StorageKey
	}
	if s.GarageKey != "" {
		props["garage_key"] = s.GarageKey
	}
	if s.ContentHash != "" {
		props["content_hash"] = s.ContentHash
	}
	if s.CharOffsetEnd > 0 {
		props["char_offset_start"] = s.CharOffsetStart
		props["char_offset_end"] = s.CharOffsetEnd
		props["chunk_index"] = s.ChunkIndex
	}
	if len(s.VisualEmbedding) > 0 {
		props["visual_embedding"] = s.VisualEmbedding
	}

	setClause, params := buildSetClause("s", props, map[string]any{"source_id": s.SourceID})
	query := fmt.Sprintf(`
		MERGE (s:Source {source_id: $source_id})
		%s
		RETURN s.source_id AS source_id`, setClause)
	_, err := c.Execute(ctx, query, params, true)
	return err
}

// CreateConcept MERGEs a Concept node keyed by concept_id.
func (c *Client) CreateConcept(ctx context.Context, con Concept) error {
	props := map[string]any{
		"concept_id":   con.ConceptID,
		"label":        con.Label,
		"embedding":    con.Embedding,
		"search_terms": con.SearchTerms,
	}
	if con.Description != "" {
		props["description"] = con.Description
	}
	setClause, params := buildSetClause("c", props, map[string]any{"concept_id": con.ConceptID})
	query := fmt.Sprintf(`
		MERGE (c:Concept {concept_id: $concept_id})
		%s
		RETURN c.concept_id AS concept_id`, setClause)
	_, err := c.Execute(ctx, query, params, true)
	return err
}

// UpdateConceptSearchTerms replaces a Concept's search_terms. Used when an
// upsert-by-meaning matched an existing concept and the new extraction
// contributed terms. Label and embedding are never overwritten here.
func (c *Client) UpdateConceptSearchTerms(ctx context.Context, conceptID string, terms []string) error {
	query := `
		MATCH (c:Concept {concept_id: $concept_id})
		SET c.search_terms = $terms
		RETURN c.concept_id AS concept_id`
	_, err := c.Execute(ctx, query, map[string]any{
		"concept_id": conceptID,
		"terms":      terms,
	}, true)
	return err
}

// GetConcept fetches a Concept by id, returning nil when absent.
func (c *Client) GetConcept(ctx context.Context, conceptID string) (*Concept, error) {
	query := `
		MATCH (c:Concept {concept_id: $concept_id})
		RETURN c.concept_id AS concept_id, c.label AS label,
		       c.description AS description, c.search_terms AS search_terms,
		       c.grounding_strength AS grounding_strength`
	row, err := c.ExecuteOne(ctx, query, map[string]any{"concept_id": conceptID})
	if err != nil || row == nil {
		return nil, err
	}
	con := &Concept{
		ConceptID:   row.Str("concept_id"),
		Label:       row.Str("label"),
		Description: row.Str("description"),
		SearchTerms: row.StrSlice("search_terms"),
	}
	if g, ok := row.FloatOK("grounding_strength"); ok {
		con.GroundingStrength = &g
	}
	return con, nil
}

// SetGroundingStrength persists a computed grounding scalar on a Concept.
func (c *Client) SetGroundingStrength(ctx context.Context, conceptID string, strength float64) error {
	query := `
		MATCH (c:Concept {concept_id: $concept_id})
		SET c.grounding_strength = $strength
		RETURN c.concept_id AS concept_id`
	_, err := c.Execute(ctx, query, map[string]any{
		"concept_id": conceptID,
		"strength":   strength,
	}, true)
	return err
}

// LinkAppears ensures Concept -[:APPEARS]-> Source.
func (c *Client) LinkAppears(ctx context.Context, conceptID, sourceID string) error {
	query := `
		MATCH (c:Concept {concept_id: $concept_id})
		MATCH (s:Source {source_id: $source_id})
		MERGE (c)-[:APPEARS]->(s)
		RETURN c.concept_id AS concept_id`
	_, err := c.Execute(ctx, query, map[string]any{
		"concept_id": conceptID,
		"source_id":  sourceID,
	}, true)
	return err
}

// FindInstanceByQuote returns the id of an Instance with this exact quote
// already linked to the source, or "" when none exists. Ingestion reuses
// it instead of creating a duplicate evidence node.
func (c *Client) FindInstanceByQuote(ctx context.Context, sourceID, quote string) (string, error) {
	query := `
		MATCH (i:Instance {quote: $quote})-[:FROM_SOURCE]->(s:Source {source_id: $source_id})
		RETURN i.instance_id AS instance_id`
	row, err := c.ExecuteOne(ctx, query, map[string]any{
		"quote":     quote,
		"source_id": sourceID,
	})
	if err != nil || row == nil {
		return "", err
	}
	return row.Str("instance_id"), nil
}

// CreateEvidence creates an Instance and wires the full evidence triple:
// Concept -[:EVIDENCED_BY]-> Instance -[:FROM_SOURCE]-> Source.
func (c *Client) CreateEvidence(ctx context.Context, conceptID, sourceID, instanceID, quote string) error {
	query := `
		MATCH (c:Concept {concept_id: $concept_id})
		MATCH (s:Source {source_id: $source_id})
		MERGE (i:Instance {instance_id: $instance_id})
		SET i.quote = $quote
		MERGE (c)-[:EVIDENCED_BY]->(i)
		MERGE (i)-[:FROM_SOURCE]->(s)
		RETURN i.instance_id AS instance_id`
	_, err := c.Execute(ctx, query, map[string]any{
		"concept_id":  conceptID,
		"source_id":   sourceID,
		"instance_id": instanceID,
		"quote":       quote,
	}, true)
	return err
}

// CreateRelationship MERGEs a typed edge between two Concepts with full
// provenance. The relationship type is interpolated into the query text,
// so it must already be a validated vocabulary name (UPPER_SNAKE); it is
// not caller-controlled free text.
func (c *Client) CreateRelationship(ctx context.Context, fromID, toID, relType string, prov EdgeProvenance) error {
	if prov.Confidence < 0 || prov.Confidence > 1 {
		return fmt.Errorf("relationship confidence %v out of range [0,1]", prov.Confidence)
	}
	props := map[string]any{
		"confidence": prov.Confidence,
		"category":   prov.Category,
		"source":     prov.Source,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	if prov.CreatedBy != "" {
		props["created_by"] = prov.CreatedBy
	}
	if prov.JobID != "" {
		props["job_id"] = prov.JobID
	}
	if prov.DocumentID != "" {
		props["document_id"] = prov.DocumentID
	}
	setClause, params := buildSetClause("r", props, map[string]any{
		"from_id": fromID,
		"to_id":   toID,
	})
	query := fmt.Sprintf(`
		MATCH (a:Concept {concept_id: $from_id})
		MATCH (b:Concept {concept_id: $to_id})
		MERGE (a)-[r:%s]->(b)
		%s
		RETURN a.concept_id AS from_id`, relType, setClause)
	_, err := c.Execute(ctx, query, params, true)
	return err
}

// buildSetClause renders "SET alias.k = $k, ..." for props, merging the
// parameter maps. Keys already present in base keep their base value.
func buildSetClause(alias string, props, base map[string]any) (string, map[string]any) {
	params := make(map[string]any, len(props)+len(base))
	for k, v := range base {
		params[k] = v
	}
	clause := ""
	for k, v := range props {
		if _, taken := base[k]; !taken {
			params[k] = v
		}
		if clause != "" {
			clause += ", "
		}
		clause += fmt.Sprintf("%s.%s = $%s", alias, k, k)
	}
	if clause == "" {
		return "", params
	}
	return "SET " + clause, params
}
