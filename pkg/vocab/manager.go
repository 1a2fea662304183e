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
	"fmt"
	"log/slog"
	"strings"

	"github.com/kraklabs/kge/pkg/ai"
	"github.com/kraklabs/kge/pkg/graph"
)

// systemTypes are structural relationship types that must never enter the
// vocabulary; sync-from-graph skips them.
var systemTypes = map[string]bool{
	"APPEARS_IN":   true,
	"EVIDENCED_BY": true,
	"FROM_SOURCE":  true,
	"IN_CATEGORY":  true,
	"LOAD":         true,
	"SET":          true,
	"APPEARS":      true,
}

// ChangeCounter is the slice of the metrics service the manager needs.
type ChangeCounter interface {
	Increment(ctx context.Context, metric string) error
}

// Manager coordinates the vocabulary side table, the VocabType and
// VocabCategory graph nodes, and embedding generation.
type Manager struct {
	store    Store
	graph    graph.Executor
	embedder ai.Embedder // nil disables embedding generation
	counter  ChangeCounter
	logger   *slog.Logger
}

// NewManager wires a Manager. embedder and counter may be nil.
func NewManager(store Store, g graph.Executor, embedder ai.Embedder, counter ChangeCounter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, graph: g, embedder: embedder, counter: counter, logger: logger}
}

// AddRequest describes a new vocabulary type.
type AddRequest struct {
	Name               string
	Category           string
	Description        string
	AddedBy            string
	IsBuiltin          bool
	DirectionSemantics string
}

// AddResult reports the outcome of Add.
type AddResult struct {
	Name           string          `json:"name"`
	Created        bool            `json:"created"`
	Categorization *Categorization `json:"categorization,omitempty"`
}

// Add registers a vocabulary type: idempotent row insert, optional
// embedding, probabilistic categorization for llm_generated types, and the
// corresponding VocabType node with its IN_CATEGORY edge. A duplicate name
// returns Created=false without error.
func (m *Manager) Add(ctx context.Context, req AddRequest) (*AddResult, error) {
	name := NormalizeName(req.Name)
	if name == "" {
		return nil, fmt.Errorf("invalid relationship type name %q", req.Name)
	}
	if systemTypes[name] {
		return nil, fmt.Errorf("%s is a reserved system relationship type", name)
	}
	category := req.Category
	if category == "" {
		category = "llm_generated"
	}

	created, err := m.store.Insert(ctx, Type{
		Name:               name,
		Category:           category,
		CategorySource:     "builtin",
		Description:        req.Description,
		IsBuiltin:          req.IsBuiltin,
		DirectionSemantics: req.DirectionSemantics,
		AddedBy:            req.AddedBy,
	})
	if err != nil {
		return nil, err
	}
	result := &AddResult{Name: name, Created: created}
	if !created {
		m.logger.Debug("vocabulary type already exists", slog.String("type", name))
		return result, nil
	}

	if m.embedder != nil {
		embedding, err := m.embedder.Embed(ctx, embeddingText(name, req.Description))
		if err != nil {
			return nil, fmt.Errorf("embed vocabulary type %s: %w", name, err)
		}
		if err := m.store.SetEmbedding(ctx, name, embedding, m.embedder.Name()); err != nil {
			return nil, err
		}

		if category == "llm_generated" {
			cat, err := m.recategorize(ctx, name, embedding)
			if err != nil {
				// Not fatal: the type stays llm_generated until the next
				// category refresh job.
				m.logger.Warn("auto-categorization failed",
					slog.String("type", name), slog.String("error", err.Error()))
			} else if cat != nil {
				category = cat.Category
				result.Categorization = cat
			}
		}
	}

	if err := m.ensureGraphNodes(ctx, name, category); err != nil {
		return nil, err
	}
	if err := m.store.AppendHistory(ctx, HistoryEntry{Action: "added", Type: name, PerformedBy: req.AddedBy}); err != nil {
		return nil, err
	}
	m.bumpChangeCounter(ctx)
	return result, nil
}

func embeddingText(name, description string) string {
	text := strings.ReplaceAll(strings.ToLower(name), "_", " ")
	if description != "" {
		text += ": " + description
	}
	return text
}

func (m *Manager) recategorize(ctx context.Context, name string, embedding []float32) (*Categorization, error) {
	categories, err := m.categoryEmbeddings(ctx)
	if err != nil {
		return nil, err
	}
	cat, err := Categorize(embedding, categories)
	if err != nil {
		return nil, err
	}
	err = m.store.Update(ctx, name, map[string]any{
		"category":            cat.Category,
		"category_source":     cat.Source,
		"category_confidence": cat.Confidence,
		"category_scores":     cat.Scores,
		"category_ambiguous":  cat.Ambiguous,
	})
	if err != nil {
		return nil, err
	}
	return cat, nil
}

// categoryEmbeddings groups member embeddings per category and means them.
func (m *Manager) categoryEmbeddings(ctx context.Context) (map[string][]float32, error) {
	types, err := m.store.List(ctx, true)
	if err != nil {
		return nil, err
	}
	members := map[string][][]float32{}
	for _, t := range types {
		if t.Category == "llm_generated" {
			continue
		}
		emb, _, err := m.store.GetEmbedding(ctx, t.Name)
		if err != nil {
			return nil, err
		}
		if len(emb) > 0 {
			members[t.Category] = append(members[t.Category], emb)
		}
	}
	return CategoryEmbeddings(members), nil
}

func (m *Manager) ensureGraphNodes(ctx context.Context, name, category string) error {
	_, err := m.graph.Execute(ctx, `
		MERGE (v:VocabType {name: $name})
		SET v.is_active = true
		RETURN v.name AS name`, map[string]any{"name": name}, true)
	if err != nil {
		return err
	}
	_, err = m.graph.Execute(ctx, `
		MERGE (cat:VocabCategory {name: $category})
		RETURN cat.name AS name`, map[string]any{"category": category}, true)
	if err != nil {
		return err
	}
	// Category reassignment replaces the previous edge: every active type
	// keeps exactly one IN_CATEGORY edge.
	_, err = m.graph.Execute(ctx, `
		MATCH (v:VocabType {name: $name})-[old:IN_CATEGORY]->(prev:VocabCategory)
		WHERE prev.name <> $category
		DELETE old
		RETURN v.name AS name`, map[string]any{"name": name, "category": category}, true)
	if err != nil {
		return err
	}
	_, err = m.graph.Execute(ctx, `
		MATCH (v:VocabType {name: $name})
		MATCH (cat:VocabCategory {name: $category})
		MERGE (v)-[:IN_CATEGORY]->(cat)
		RETURN v.name AS name`, map[string]any{"name": name, "category": category}, true)
	return err
}

// Update applies a partial update to a vocabulary type. Providing no
// fields is a no-op. Deactivation and category changes propagate to the
// graph node.
func (m *Manager) Update(ctx context.Context, name string, fields map[string]any) error {
	name = NormalizeName(name)
	if len(fields) == 0 {
		return nil
	}
	if err := m.store.Update(ctx, name, fields); err != nil {
		return err
	}
	if active, ok := fields["is_active"].(bool); ok {
		if _, err := m.graph.Execute(ctx, `
			MATCH (v:VocabType {name: $name})
			SET v.is_active = $active
			RETURN v.name AS name`, map[string]any{"name": name, "active": active}, true); err != nil {
			return err
		}
	}
	if category, ok := fields["category"].(string); ok {
		if err := m.ensureGraphNodes(ctx, name, category); err != nil {
			return err
		}
	}
	return nil
}

// MergeResult reports what a vocabulary merge rewired.
type MergeResult struct {
	Deprecated     string `json:"deprecated"`
	Target         string `json:"target"`
	EdgesRewritten int    `json:"edges_rewritten"`
}

// Merge folds deprecatedType into targetType: every concept edge of the
// deprecated type is recreated as the target type with its properties
// copied, the original edge is deleted, and the deprecated row is
// deactivated with a reason.
func (m *Manager) Merge(ctx context.Context, deprecatedType, targetType, performedBy string) (*MergeResult, error) {
	deprecatedType = NormalizeName(deprecatedType)
	targetType = NormalizeName(targetType)
	if deprecatedType == targetType {
		return nil, fmt.Errorf("cannot merge %s into itself", targetType)
	}
	target, err := m.store.Get(ctx, targetType)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("merge target %s is not a registered vocabulary type", targetType)
	}

	query := fmt.Sprintf(`
		MATCH (a:Concept)-[r:%s]->(b:Concept)
		CREATE (a)-[r2:%s]->(b)
		SET r2 = properties(r)
		DELETE r
		RETURN count(r) AS rewritten`, deprecatedType, targetType)
	rows, err := m.graph.Execute(ctx, query, nil, true)
	if err != nil {
		return nil, err
	}
	rewritten := 0
	if len(rows) > 0 {
		rewritten = int(rows[0].Int("rewritten"))
	}

	reason := fmt.Sprintf("Merged into %s", targetType)
	if err := m.store.Update(ctx, deprecatedType, map[string]any{
		"is_active":          false,
		"deprecation_reason": reason,
	}); err != nil {
		return nil, err
	}
	if _, err := m.graph.Execute(ctx, `
		MATCH (v:VocabType {name: $name})
		SET v.is_active = false
		RETURN v.name AS name`, map[string]any{"name": deprecatedType}, true); err != nil {
		return nil, err
	}
	if err := m.store.AppendHistory(ctx, HistoryEntry{
		Action:      "merged",
		Type:        deprecatedType,
		PerformedBy: performedBy,
		TargetType:  targetType,
		Reason:      reason,
	}); err != nil {
		return nil, err
	}
	m.bumpChangeCounter(ctx)

	m.logger.Info("vocabulary types merged",
		slog.String("deprecated", deprecatedType),
		slog.String("target", targetType),
		slog.Int("edges_rewritten", rewritten))
	return &MergeResult{Deprecated: deprecatedType, Target: targetType, EdgesRewritten: rewritten}, nil
}

// SyncResult lists what a graph sync discovered.
type SyncResult struct {
	Discovered []string `json:"discovered"`
	DryRun     bool     `json:"dry_run"`
}

// SyncFromGraph registers relationship types used in the concept graph
// but missing from the vocabulary. Only uppercase, non-system types
// qualify. With dryRun, the candidates are reported without registration.
func (m *Manager) SyncFromGraph(ctx context.Context, dryRun bool) (*SyncResult, error) {
	rows, err := m.graph.Execute(ctx, `
		MATCH (:Concept)-[r]->(:Concept)
		RETURN DISTINCT type(r) AS name`, nil, false)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{DryRun: dryRun}
	for _, row := range rows {
		name := row.Str("name")
		if name == "" || name != strings.ToUpper(name) || systemTypes[name] {
			continue
		}
		existing, err := m.store.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			continue
		}
		result.Discovered = append(result.Discovered, name)
		if dryRun {
			continue
		}
		if _, err := m.Add(ctx, AddRequest{
			Name:     name,
			Category: "llm_generated",
			AddedBy:  "graph_sync",
		}); err != nil {
			return nil, fmt.Errorf("register discovered type %s: %w", name, err)
		}
	}
	if len(result.Discovered) > 0 {
		m.logger.Info("vocabulary sync from graph",
			slog.Int("discovered", len(result.Discovered)),
			slog.Bool("dry_run", dryRun))
	}
	return result, nil
}

// RegenerateMode selects which embeddings a bulk regeneration touches.
type RegenerateMode string

const (
	RegenerateAll          RegenerateMode = "all"
	RegenerateMissing      RegenerateMode = "missing"
	RegenerateIncompatible RegenerateMode = "incompatible"
)

// RegenerateEmbeddings rebuilds vocabulary embeddings with the bound
// embedder. Incompatible means a model-name or dimension mismatch with the
// active embedder.
func (m *Manager) RegenerateEmbeddings(ctx context.Context, mode RegenerateMode) (int, error) {
	if m.embedder == nil {
		return 0, fmt.Errorf("no embedding provider bound")
	}
	var names []string
	switch mode {
	case RegenerateMissing:
		missing, err := m.store.ListMissingEmbeddings(ctx)
		if err != nil {
			return 0, err
		}
		names = missing
	case RegenerateAll, RegenerateIncompatible:
		types, err := m.store.List(ctx, true)
		if err != nil {
			return 0, err
		}
		for _, t := range types {
			if mode == RegenerateAll {
				names = append(names, t.Name)
				continue
			}
			emb, model, err := m.store.GetEmbedding(ctx, t.Name)
			if err != nil {
				return 0, err
			}
			if len(emb) == 0 || model != m.embedder.Name() || len(emb) != m.embedder.Dimensions() {
				names = append(names, t.Name)
			}
		}
	default:
		return 0, fmt.Errorf("unknown regenerate mode %q", mode)
	}

	for _, name := range names {
		t, err := m.store.Get(ctx, name)
		if err != nil {
			return 0, err
		}
		desc := ""
		if t != nil {
			desc = t.Description
		}
		embedding, err := m.embedder.Embed(ctx, embeddingText(name, desc))
		if err != nil {
			return 0, fmt.Errorf("embed %s: %w", name, err)
		}
		if err := m.store.SetEmbedding(ctx, name, embedding, m.embedder.Name()); err != nil {
			return 0, err
		}
	}
	return len(names), nil
}

// Get fetches one vocabulary type, nil when unknown.
func (m *Manager) Get(ctx context.Context, name string) (*Type, error) {
	return m.store.Get(ctx, name)
}

// ActiveTypeNames lists the active vocabulary for extraction prompts.
func (m *Manager) ActiveTypeNames(ctx context.Context) ([]string, error) {
	types, err := m.store.List(ctx, true)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, t.Name)
	}
	return names, nil
}

// NewMatcherFromStore builds a Matcher over the active vocabulary.
func (m *Manager) NewMatcherFromStore(ctx context.Context) (*Matcher, error) {
	types, err := m.store.List(ctx, true)
	if err != nil {
		return nil, err
	}
	return NewMatcher(types), nil
}

func (m *Manager) bumpChangeCounter(ctx context.Context) {
	if m.counter == nil {
		return
	}
	if err := m.counter.Increment(ctx, "vocabulary_change_counter"); err != nil {
		m.logger.Warn("failed to bump vocabulary change counter", slog.String("error", err.Error()))
	}
}
