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

// DocumentMeta is the provenance record of one ingested document. The
// document_id equals the content hash, making (content_hash, ontology)
// the deduplication key.
type DocumentMeta struct {
	DocumentID  string `json:"document_id"`
	ContentHash string `json:"content_hash"`
	Ontology    string `json:"ontology"`
	SourceCount int    `json:"source_count"`
	IngestedBy  string `json:"ingested_by"`
	JobID       string `json:"job_id,omitempty"`
	Filename    string `json:"filename,omitempty"`
	SourceType  string `json:"source_type,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	IngestedAt  string `json:"ingested_at,omitempty"`
	GarageKey   string `json:"garage_key,omitempty"`
}

// GetDocumentMeta looks up the provenance record for a content hash within
// an ontology. Nil result means the document has not been ingested there.
func (c *Client) GetDocumentMeta(ctx context.Context, contentHash, ontology string) (*DocumentMeta, error) {
	query := `
		MATCH (d:DocumentMeta {content_hash: $content_hash, ontology: $ontology})
		RETURN d.document_id AS document_id, d.content_hash AS content_hash,
		       d.ontology AS ontology, d.source_count AS source_count,
		       d.ingested_by AS ingested_by, d.job_id AS job_id,
		       d.filename AS filename, d.source_type AS source_type,
		       d.ingested_at AS ingested_at, d.garage_key AS garage_key`
	row, err := c.ExecuteOne(ctx, query, map[string]any{
		"content_hash": contentHash,
		"ontology":     ontology,
	})
	if err != nil || row == nil {
		return nil, err
	}
	return docMetaFromRow(row), nil
}

func docMetaFromRow(row Row) *DocumentMeta {
	return &DocumentMeta{
		DocumentID:  row.Str("document_id"),
		ContentHash: row.Str("content_hash"),
		Ontology:    row.Str("ontology"),
		SourceCount: int(row.Int("source_count")),
		IngestedBy:  row.Str("ingested_by"),
		JobID:       row.Str("job_id"),
		Filename:    row.Str("filename"),
		SourceType:  row.Str("source_type"),
		IngestedAt:  row.Str("ingested_at"),
		GarageKey:   row.Str("garage_key"),
	}
}

// CreateDocumentMeta persists the provenance record and links it to every
// Source it produced via HAS_SOURCE. Called once per successful ingestion.
func (c *Client) CreateDocumentMeta(ctx context.Context, meta DocumentMeta, sourceIDs []string) error {
	if meta.DocumentID == "" {
		meta.DocumentID = meta.ContentHash
	}
	if meta.IngestedAt == "" {
		meta.IngestedAt = time.Now().UTC().Format(time.RFC3339)
	}
	props := map[string]any{
		"document_id":  meta.DocumentID,
		"content_hash": meta.ContentHash,
		"ontology":     meta.Ontology,
		"source_count": meta.SourceCount,
		"ingested_by":  meta.IngestedBy,
		"ingested_at":  meta.IngestedAt,
	}
	for k, v := range map[string]string{
		"job_id":      meta.JobID,
		"filename":    meta.Filename,
		"source_type": meta.SourceType,
		"file_path":   meta.FilePath,
		"hostname":    meta.Hostname,
		"garage_key":  meta.GarageKey,
	} {
		if v != "" {
			props[k] = v
		}
	}

	setClause, params := buildSetClause("d", props, map[string]any{"document_id": meta.DocumentID})
	query := fmt.Sprintf(`
		MERGE (d:DocumentMeta {document_id: $document_id})
		%s
		RETURN d.document_id AS document_id`, setClause)
	if _, err := c.Execute(ctx, query, params, true); err != nil {
		return err
	}

	for _, sid := range sourceIDs {
		linkQuery := `
			MATCH (d:DocumentMeta {document_id: $document_id})
			MATCH (s:Source {source_id: $source_id})
			MERGE (d)-[:HAS_SOURCE]->(s)
			RETURN d.document_id AS document_id`
		if _, err := c.Execute(ctx, linkQuery, map[string]any{
			"document_id": meta.DocumentID,
			"source_id":   sid,
		}, true); err != nil {
			return fmt.Errorf("link source %s: %w", sid, err)
		}
	}
	return nil
}

// ListDocuments returns all provenance records in an ontology, newest first.
func (c *Client) ListDocuments(ctx context.Context, ontology string) ([]DocumentMeta, error) {
	query := `
		MATCH (d:DocumentMeta {ontology: $ontology})
		RETURN d.document_id AS document_id, d.content_hash AS content_hash,
		       d.ontology AS ontology, d.source_count AS source_count,
		       d.ingested_by AS ingested_by, d.job_id AS job_id,
		       d.filename AS filename, d.source_type AS source_type,
		       d.ingested_at AS ingested_at, d.garage_key AS garage_key
		ORDER BY d.ingested_at DESC`
	rows, err := c.Execute(ctx, query, map[string]any{"ontology": ontology}, false)
	if err != nil {
		return nil, err
	}
	out := make([]DocumentMeta, 0, len(rows))
	for _, row := range rows {
		out = append(out, *docMetaFromRow(row))
	}
	return out, nil
}

// GetSourceDetails fetches a Source's metadata, including the storage keys
// needed to retrieve the original blob from object storage.
func (c *Client) GetSourceDetails(ctx context.Context, sourceID string) (*Source, error) {
	query := `
		MATCH (s:Source {source_id: $source_id})
		RETURN s.source_id AS source_id, s.document AS document,
		       s.paragraph AS paragraph, s.full_text AS full_text,
		       s.content_type AS content_type, s.storage_key AS storage_key,
		       s.garage_key AS garage_key, s.content_hash AS content_hash,
		       s.chunk_index AS chunk_index`
	row, err := c.ExecuteOne(ctx, query, map[string]any{"source_id": sourceID})
	if err != nil || row == nil {
		return nil, err
	}
	return &Source{
		SourceID:    row.Str("source_id"),
		Document:    row.Str("document"),
		Paragraph:   int(row.Int("paragraph")),
		FullText:    row.Str("full_text"),
		ContentType: row.Str("content_type"),
		StorageKey:  row.Str("storage_key"),
		GarageKey:   row.Str("garage_key"),
		ContentHash: row.Str("content_hash"),
		ChunkIndex:  int(row.Int("chunk_index")),
	}, nil
}

// RecentConcepts returns (concept_id, label) pairs for concepts appearing
// in the last n paragraphs of an ontology. Feeds the extraction context
// window; an empty result on a fresh ontology is normal.
func (c *Client) RecentConcepts(ctx context.Context, ontology string, lastParagraphs, limit int) ([]Concept, error) {
	query := `
		MATCH (s:Source {document: $ontology})
		RETURN s.paragraph AS paragraph
		ORDER BY s.paragraph DESC
		LIMIT 1`
	row, err := c.ExecuteOne(ctx, query, map[string]any{"ontology": ontology})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	cutoff := row.Int("paragraph") - int64(lastParagraphs)

	query = `
		MATCH (c:Concept)-[:APPEARS]->(s:Source {document: $ontology})
		WHERE s.paragraph > $cutoff
		RETURN DISTINCT c.concept_id AS concept_id, c.label AS label
		LIMIT $limit`
	rows, err := c.Execute(ctx, query, map[string]any{
		"ontology": ontology,
		"cutoff":   cutoff,
		"limit":    limit,
	}, false)
	if err != nil {
		return nil, err
	}
	out := make([]Concept, 0, len(rows))
	for _, r := range rows {
		out = append(out, Concept{ConceptID: r.Str("concept_id"), Label: r.Str("label")})
	}
	return out, nil
}

// RenameOntology moves every Source and DocumentMeta from one ontology
// name to another. Object-storage keys are not rewritten; garage_key
// values remain valid because they are content-addressed.
func (c *Client) RenameOntology(ctx context.Context, from, to string) (int, error) {
	query := `
		MATCH (s:Source {document: $from})
		SET s.document = $to
		RETURN count(s) AS moved`
	row, err := c.ExecuteOne(ctx, query, map[string]any{"from": from, "to": to})
	if err != nil {
		return 0, err
	}
	moved := 0
	if row != nil {
		moved = int(row.Int("moved"))
	}
	query = `
		MATCH (d:DocumentMeta {ontology: $from})
		SET d.ontology = $to
		RETURN count(d) AS moved`
	if _, err := c.ExecuteOne(ctx, query, map[string]any{"from": from, "to": to}); err != nil {
		return moved, err
	}
	return moved, nil
}
