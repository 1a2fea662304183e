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
	"log/slog"
	"strings"
	"sync"
)

// Namespace identifies which disjoint region of the graph a query
// addresses.
type Namespace string

const (
	NamespaceConcept    Namespace = "concept"
	NamespaceVocabulary Namespace = "vocabulary"
	NamespaceLearned    Namespace = "learned"
)

// AuditStats summarizes the facade's query traffic. SafetyRatio is
// safe/total; raw queries through the escape hatch reduce it.
type AuditStats struct {
	Total       int     `json:"total"`
	Safe        int     `json:"safe"`
	Raw         int     `json:"raw"`
	SafetyRatio float64 `json:"safety_ratio"`
}

// RawQueryRecord is one escape-hatch invocation retained for audit.
type RawQueryRecord struct {
	Namespace Namespace `json:"namespace"`
	Query     string    `json:"query"`
}

// Facade issues namespace-qualified queries so that a caller can never
// accidentally cross from the concept graph into the vocabulary graph or
// vice versa. Every emitted query pins at least one explicit node label.
type Facade struct {
	exec   Executor
	logger *slog.Logger

	mu         sync.Mutex
	safeCount  int
	rawCount   int
	rawQueries []RawQueryRecord
}

// NewFacade wraps an Executor. The facade is safe for concurrent use.
func NewFacade(exec Executor, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{exec: exec, logger: logger}
}

func (f *Facade) recordSafe() {
	f.mu.Lock()
	f.safeCount++
	f.mu.Unlock()
}

func (f *Facade) recordRaw(ns Namespace, query string) {
	f.mu.Lock()
	f.rawCount++
	f.rawQueries = append(f.rawQueries, RawQueryRecord{Namespace: ns, Query: query})
	f.mu.Unlock()
}

// Audit returns a snapshot of the query traffic counters.
func (f *Facade) Audit() AuditStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := f.safeCount + f.rawCount
	stats := AuditStats{Total: total, Safe: f.safeCount, Raw: f.rawCount}
	if total > 0 {
		stats.SafetyRatio = float64(f.safeCount) / float64(total)
	}
	return stats
}

// RawQueries returns the retained escape-hatch invocations.
func (f *Facade) RawQueries() []RawQueryRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RawQueryRecord, len(f.rawQueries))
	copy(out, f.rawQueries)
	return out
}

// MatchConcepts queries the concept namespace. The optional where clause
// refers to the concept as `c`; returnClause defaults to the whole node.
func (f *Facade) MatchConcepts(ctx context.Context, where string, params map[string]any, limit int, returnClause string) ([]Row, error) {
	f.recordSafe()
	if returnClause == "" {
		returnClause = "c"
	}
	query := "MATCH (c:Concept)"
	if where != "" {
		query += " WHERE " + where
	}
	query += " RETURN " + returnClause
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return f.exec.Execute(ctx, query, params, false)
}

// CountConcepts counts concepts matching an optional where clause.
func (f *Facade) CountConcepts(ctx context.Context, where string, params map[string]any) (int64, error) {
	f.recordSafe()
	query := "MATCH (c:Concept)"
	if where != "" {
		query += " WHERE " + where
	}
	query += " RETURN count(c) AS total"
	rows, err := f.exec.Execute(ctx, query, params, true)
	if err != nil || len(rows) == 0 {
		return 0, err
	}
	return rows[0].Int("total"), nil
}

// RelationshipFilter narrows MatchConceptRelationships.
type RelationshipFilter struct {
	RelTypes               []string
	Where                  string
	Params                 map[string]any
	IncludeEpistemicStatus []string
	ExcludeEpistemicStatus []string
	Limit                  int
}

// MatchConceptRelationships queries typed concept-to-concept edges.
// Epistemic filters resolve against the vocabulary namespace first; the
// resulting explicit type list is intersected with any caller-supplied
// RelTypes before the concept-graph query is issued.
func (f *Facade) MatchConceptRelationships(ctx context.Context, filter RelationshipFilter) ([]Row, error) {
	relTypes := filter.RelTypes
	if len(filter.IncludeEpistemicStatus) > 0 || len(filter.ExcludeEpistemicStatus) > 0 {
		resolved, err := f.vocabTypesByEpistemicStatus(ctx, filter.IncludeEpistemicStatus, filter.ExcludeEpistemicStatus)
		if err != nil {
			return nil, err
		}
		if len(relTypes) == 0 {
			relTypes = resolved
		} else {
			relTypes = intersect(relTypes, resolved)
		}
		if len(relTypes) == 0 {
			return nil, nil
		}
	}

	f.recordSafe()
	pattern := "(a:Concept)-[r]->(b:Concept)"
	if len(relTypes) > 0 {
		pattern = fmt.Sprintf("(a:Concept)-[r:%s]->(b:Concept)", strings.Join(relTypes, "|"))
	}
	query := "MATCH " + pattern
	if filter.Where != "" {
		query += " WHERE " + filter.Where
	}
	query += ` RETURN a.concept_id AS from_id, a.label AS from_label,
		type(r) AS rel_type, r.confidence AS confidence,
		b.concept_id AS to_id, b.label AS to_label`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return f.exec.Execute(ctx, query, filter.Params, false)
}

func (f *Facade) vocabTypesByEpistemicStatus(ctx context.Context, include, exclude []string) ([]string, error) {
	f.recordSafe()
	var conds []string
	params := map[string]any{}
	if len(include) > 0 {
		conds = append(conds, "v.epistemic_status IN $include_statuses")
		params["include_statuses"] = include
	}
	if len(exclude) > 0 {
		conds = append(conds, "NOT v.epistemic_status IN $exclude_statuses")
		params["exclude_statuses"] = exclude
	}
	query := "MATCH (v:VocabType) WHERE " + strings.Join(conds, " AND ") + " RETURN v.name AS name"
	rows, err := f.exec.Execute(ctx, query, params, false)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r.Str("name"))
	}
	return names, nil
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, s := range b {
		set[s] = true
	}
	var out []string
	for _, s := range a {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}

// MatchVocabTypes queries the vocabulary namespace.
func (f *Facade) MatchVocabTypes(ctx context.Context, where string, params map[string]any, limit int) ([]Row, error) {
	f.recordSafe()
	query := "MATCH (v:VocabType)"
	if where != "" {
		query += " WHERE " + where
	}
	query += " RETURN v"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return f.exec.Execute(ctx, query, params, false)
}

// CountVocabTypes counts vocabulary types matching an optional where clause.
func (f *Facade) CountVocabTypes(ctx context.Context, where string, params map[string]any) (int64, error) {
	f.recordSafe()
	query := "MATCH (v:VocabType)"
	if where != "" {
		query += " WHERE " + where
	}
	query += " RETURN count(v) AS total"
	rows, err := f.exec.Execute(ctx, query, params, true)
	if err != nil || len(rows) == 0 {
		return 0, err
	}
	return rows[0].Int("total"), nil
}

// MatchVocabCategories queries the category nodes of the vocabulary graph.
func (f *Facade) MatchVocabCategories(ctx context.Context, where string, params map[string]any) ([]Row, error) {
	f.recordSafe()
	query := "MATCH (cat:VocabCategory)"
	if where != "" {
		query += " WHERE " + where
	}
	query += " RETURN cat.name AS name"
	return f.exec.Execute(ctx, query, params, false)
}

// FindVocabularySynonyms returns SIMILAR_TO pairs above a similarity
// floor, optionally restricted to one category.
func (f *Facade) FindVocabularySynonyms(ctx context.Context, minSimilarity float64, category string, limit int) ([]Row, error) {
	f.recordSafe()
	query := `MATCH (a:VocabType)-[s:SIMILAR_TO]->(b:VocabType)
		WHERE s.similarity >= $min_similarity`
	params := map[string]any{"min_similarity": minSimilarity}
	if category != "" {
		query += ` AND (a)-[:IN_CATEGORY]->(:VocabCategory {name: $category})`
		params["category"] = category
	}
	query += ` RETURN a.name AS type_a, b.name AS type_b, s.similarity AS similarity
		ORDER BY s.similarity DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return f.exec.Execute(ctx, query, params, false)
}

// MatchSources queries Source nodes in the concept namespace.
func (f *Facade) MatchSources(ctx context.Context, where string, params map[string]any, limit int) ([]Row, error) {
	f.recordSafe()
	query := "MATCH (s:Source)"
	if where != "" {
		query += " WHERE " + where
	}
	query += " RETURN s"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return f.exec.Execute(ctx, query, params, false)
}

// MatchInstances queries Instance nodes in the concept namespace.
func (f *Facade) MatchInstances(ctx context.Context, where string, params map[string]any, limit int) ([]Row, error) {
	f.recordSafe()
	query := "MATCH (i:Instance)"
	if where != "" {
		query += " WHERE " + where
	}
	query += " RETURN i"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return f.exec.Execute(ctx, query, params, false)
}

// GraphStats reports node counts per namespace.
type GraphStats struct {
	ConceptGraph struct {
		Concepts  int64 `json:"concepts"`
		Sources   int64 `json:"sources"`
		Instances int64 `json:"instances"`
	} `json:"concept_graph"`
	VocabularyGraph struct {
		Types      int64 `json:"types"`
		Categories int64 `json:"categories"`
	} `json:"vocabulary_graph"`
	TotalNodes int64 `json:"total_nodes"`
}

// GetGraphStats counts nodes in both namespaces.
func (f *Facade) GetGraphStats(ctx context.Context) (*GraphStats, error) {
	count := func(label string) (int64, error) {
		f.recordSafe()
		query := fmt.Sprintf("MATCH (n:%s) RETURN count(n) AS total", label)
		rows, err := f.exec.Execute(ctx, query, nil, true)
		if err != nil || len(rows) == 0 {
			return 0, err
		}
		return rows[0].Int("total"), nil
	}

	var stats GraphStats
	var err error
	if stats.ConceptGraph.Concepts, err = count("Concept"); err != nil {
		return nil, err
	}
	if stats.ConceptGraph.Sources, err = count("Source"); err != nil {
		return nil, err
	}
	if stats.ConceptGraph.Instances, err = count("Instance"); err != nil {
		return nil, err
	}
	if stats.VocabularyGraph.Types, err = count("VocabType"); err != nil {
		return nil, err
	}
	if stats.VocabularyGraph.Categories, err = count("VocabCategory"); err != nil {
		return nil, err
	}
	stats.TotalNodes = stats.ConceptGraph.Concepts + stats.ConceptGraph.Sources +
		stats.ConceptGraph.Instances + stats.VocabularyGraph.Types + stats.VocabularyGraph.Categories
	return &stats, nil
}

// ExecuteRaw is the escape hatch for queries the typed surface cannot
// express. Every call is logged at WARNING and retained in the audit log.
func (f *Facade) ExecuteRaw(ctx context.Context, query string, params map[string]any, ns Namespace) ([]Row, error) {
	f.recordRaw(ns, query)
	f.logger.Warn("raw graph query outside the typed facade",
		slog.String("namespace", string(ns)),
		slog.String("query_head", truncate(query, 200)))
	return f.exec.Execute(ctx, query, params, false)
}
