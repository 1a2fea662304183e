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

import "context"

// OntologyDeleteStats reports what a cascade delete removed.
type OntologyDeleteStats struct {
	Instances      int `json:"instances"`
	Sources        int `json:"sources"`
	Documents      int `json:"documents"`
	OrphanConcepts int `json:"orphan_concepts"`
}

// OntologyInfo summarizes one ontology.
type OntologyInfo struct {
	Name      string `json:"name"`
	Sources   int    `json:"sources"`
	Documents int    `json:"documents"`
}

// ListOntologies enumerates the distinct ontology names with source and
// document counts.
func (c *Client) ListOntologies(ctx context.Context) ([]OntologyInfo, error) {
	query := `
		MATCH (s:Source)
		RETURN DISTINCT s.document AS name, count(s) AS sources`
	rows, err := c.Execute(ctx, query, nil, false)
	if err != nil {
		return nil, err
	}
	out := make([]OntologyInfo, 0, len(rows))
	for _, row := range rows {
		info := OntologyInfo{Name: row.Str("name"), Sources: int(row.Int("sources"))}
		docRow, err := c.ExecuteOne(ctx, `
			MATCH (d:DocumentMeta {ontology: $ontology})
			RETURN count(d) AS documents`, map[string]any{"ontology": info.Name})
		if err != nil {
			return nil, err
		}
		if docRow != nil {
			info.Documents = int(docRow.Int("documents"))
		}
		out = append(out, info)
	}
	return out, nil
}

// DeleteOntology removes all graph content belonging to one ontology:
// Instances first, then Sources, then DocumentMeta, then any Concept left
// without an APPEARS edge. Object-storage blobs and queue rows are the
// caller's responsibility (see the ingest package's cascade).
func (c *Client) DeleteOntology(ctx context.Context, ontology string) (OntologyDeleteStats, error) {
	var stats OntologyDeleteStats

	row, err := c.ExecuteOne(ctx, `
		MATCH (i:Instance)-[:FROM_SOURCE]->(s:Source {document: $ontology})
		DETACH DELETE i
		RETURN count(i) AS deleted`, map[string]any{"ontology": ontology})
	if err != nil {
		return stats, err
	}
	if row != nil {
		stats.Instances = int(row.Int("deleted"))
	}

	row, err = c.ExecuteOne(ctx, `
		MATCH (s:Source {document: $ontology})
		DETACH DELETE s
		RETURN count(s) AS deleted`, map[string]any{"ontology": ontology})
	if err != nil {
		return stats, err
	}
	if row != nil {
		stats.Sources = int(row.Int("deleted"))
	}

	row, err = c.ExecuteOne(ctx, `
		MATCH (d:DocumentMeta {ontology: $ontology})
		DETACH DELETE d
		RETURN count(d) AS deleted`, map[string]any{"ontology": ontology})
	if err != nil {
		return stats, err
	}
	if row != nil {
		stats.Documents = int(row.Int("deleted"))
	}

	orphans, err := c.DeleteOrphanConcepts(ctx)
	if err != nil {
		return stats, err
	}
	stats.OrphanConcepts = orphans
	return stats, nil
}

// DeleteOrphanConcepts removes Concepts with no remaining APPEARS edge.
// Run after source deletion; a concept with evidence in another ontology
// keeps its APPEARS edges there and survives.
func (c *Client) DeleteOrphanConcepts(ctx context.Context) (int, error) {
	row, err := c.ExecuteOne(ctx, `
		MATCH (c:Concept)
		WHERE NOT (c)-[:APPEARS]->(:Source)
		DETACH DELETE c
		RETURN count(c) AS deleted`, nil)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, nil
	}
	return int(row.Int("deleted")), nil
}
