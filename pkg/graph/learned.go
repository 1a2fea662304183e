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

	"github.com/google/uuid"
)

// Cognitive-leap buckets for learned knowledge, derived from the mean
// similarity between the synthesized text and its supporting concepts.
const (
	LeapLow    = "LOW"
	LeapMedium = "MEDIUM"
	LeapHigh   = "HIGH"
)

// LearnedSource is a human- or agent-synthesized piece of knowledge,
// stored as an annotated Source outside any document ontology.
type LearnedSource struct {
	SourceID           string   `json:"source_id"`
	Text               string   `json:"text"`
	Creator            string   `json:"creator"`
	KnowledgeType      string   `json:"knowledge_type"`
	Confidence         float64  `json:"confidence"`
	CognitiveLeap      string   `json:"cognitive_leap"`
	SupportingConcepts []string `json:"supporting_concepts"`
	CreatedAt          string   `json:"created_at"`
}

// CognitiveLeap buckets a mean supporting-concept similarity. High
// similarity means the synthesis stays close to existing knowledge.
func CognitiveLeap(avgSimilarity float64) string {
	switch {
	case avgSimilarity >= 0.85:
		return LeapLow
	case avgSimilarity >= 0.70:
		return LeapMedium
	default:
		return LeapHigh
	}
}

// CreateLearnedSource stores a learned-knowledge Source and links it to
// its supporting Concepts via APPEARS. Every supporting concept must
// already exist.
func (c *Client) CreateLearnedSource(ctx context.Context, ls LearnedSource, avgSimilarity float64) (*LearnedSource, error) {
	if ls.SourceID == "" {
		ls.SourceID = "learned_" + uuid.NewString()[:12]
	}
	if ls.CognitiveLeap == "" {
		ls.CognitiveLeap = CognitiveLeap(avgSimilarity)
	}
	ls.CreatedAt = time.Now().UTC().Format(time.RFC3339)

	query := `
		CREATE (s:Source {
			source_id: $source_id,
			document: 'learned_knowledge',
			paragraph: 0,
			full_text: $text,
			content_type: 'learned',
			creator: $creator,
			knowledge_type: $knowledge_type,
			confidence: $confidence,
			cognitive_leap: $cognitive_leap,
			created_at: $created_at
		})
		RETURN s.source_id AS source_id`
	_, err := c.Execute(ctx, query, map[string]any{
		"source_id":      ls.SourceID,
		"text":           ls.Text,
		"creator":        ls.Creator,
		"knowledge_type": ls.KnowledgeType,
		"confidence":     ls.Confidence,
		"cognitive_leap": ls.CognitiveLeap,
		"created_at":     ls.CreatedAt,
	}, true)
	if err != nil {
		return nil, err
	}

	for _, cid := range ls.SupportingConcepts {
		if err := c.LinkAppears(ctx, cid, ls.SourceID); err != nil {
			return nil, fmt.Errorf("link supporting concept %s: %w", cid, err)
		}
	}
	return &ls, nil
}

// GetLearnedSource fetches a learned-knowledge Source with its supporting
// concept ids. Nil when absent or when the id names an ordinary Source.
func (c *Client) GetLearnedSource(ctx context.Context, sourceID string) (*LearnedSource, error) {
	query := `
		MATCH (s:Source {source_id: $source_id, content_type: 'learned'})
		RETURN s.source_id AS source_id, s.full_text AS text,
		       s.creator AS creator, s.knowledge_type AS knowledge_type,
		       s.confidence AS confidence, s.cognitive_leap AS cognitive_leap,
		       s.created_at AS created_at`
	row, err := c.ExecuteOne(ctx, query, map[string]any{"source_id": sourceID})
	if err != nil || row == nil {
		return nil, err
	}
	ls := &LearnedSource{
		SourceID:      row.Str("source_id"),
		Text:          row.Str("text"),
		Creator:       row.Str("creator"),
		KnowledgeType: row.Str("knowledge_type"),
		Confidence:    row.Float("confidence"),
		CognitiveLeap: row.Str("cognitive_leap"),
		CreatedAt:     row.Str("created_at"),
	}

	rows, err := c.Execute(ctx, `
		MATCH (c:Concept)-[:APPEARS]->(s:Source {source_id: $source_id})
		RETURN c.concept_id AS concept_id`, map[string]any{"source_id": sourceID}, false)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		ls.SupportingConcepts = append(ls.SupportingConcepts, r.Str("concept_id"))
	}
	return ls, nil
}

// DeleteLearnedSource removes a learned-knowledge Source and any orphan
// concepts the removal leaves behind.
func (c *Client) DeleteLearnedSource(ctx context.Context, sourceID string) (bool, error) {
	row, err := c.ExecuteOne(ctx, `
		MATCH (s:Source {source_id: $source_id, content_type: 'learned'})
		DETACH DELETE s
		RETURN count(s) AS deleted`, map[string]any{"source_id": sourceID})
	if err != nil {
		return false, err
	}
	deleted := row != nil && row.Int("deleted") > 0
	if deleted {
		if _, err := c.DeleteOrphanConcepts(ctx); err != nil {
			return true, err
		}
	}
	return deleted, nil
}
