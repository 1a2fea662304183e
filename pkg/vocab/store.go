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

// Package vocab manages the relationship-type vocabulary: the
// relationship_vocabulary side table (embeddings, categories, synonyms),
// the VocabType/VocabCategory graph nodes, and the probabilistic
// categorizer that buckets llm-generated types.
package vocab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Type is one row of relationship_vocabulary plus the node-authoritative
// activity flag.
type Type struct {
	Name               string             `json:"name"`
	Category           string             `json:"category"`
	CategorySource     string             `json:"category_source"`
	CategoryConfidence float64            `json:"category_confidence,omitempty"`
	CategoryScores     map[string]float64 `json:"category_scores,omitempty"`
	CategoryAmbiguous  bool               `json:"category_ambiguous,omitempty"`
	Description        string             `json:"description,omitempty"`
	IsActive           bool               `json:"is_active"`
	IsBuiltin          bool               `json:"is_builtin"`
	UsageCount         int                `json:"usage_count"`
	DirectionSemantics string             `json:"direction_semantics,omitempty"`
	AddedBy            string             `json:"added_by,omitempty"`
	AddedAt            time.Time          `json:"added_at,omitempty"`
	Synonyms           []string           `json:"synonyms,omitempty"`
	DeprecationReason  string             `json:"deprecation_reason,omitempty"`
	Embedding          []float32          `json:"-"`
	EmbeddingModel     string             `json:"embedding_model,omitempty"`
}

// HistoryEntry records one administrative vocabulary action.
type HistoryEntry struct {
	Action      string `json:"action"`
	Type        string `json:"relationship_type"`
	PerformedBy string `json:"performed_by"`
	TargetType  string `json:"target_type,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Store is the persistence surface the Manager depends on. PGStore is the
// production implementation; tests substitute an in-memory fake.
type Store interface {
	Get(ctx context.Context, name string) (*Type, error)
	List(ctx context.Context, activeOnly bool) ([]Type, error)
	Insert(ctx context.Context, t Type) (created bool, err error)
	Update(ctx context.Context, name string, fields map[string]any) error
	SetEmbedding(ctx context.Context, name string, embedding []float32, model string) error
	GetEmbedding(ctx context.Context, name string) ([]float32, string, error)
	ListMissingEmbeddings(ctx context.Context) ([]string, error)
	AppendHistory(ctx context.Context, e HistoryEntry) error
}

// PGStore backs the vocabulary with PostgreSQL. Embeddings use the
// pgvector column type so that category means can also be computed
// server-side when needed.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps a pool. EnsureSchema must have run before first use.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// EnsureSchema creates the vocabulary tables when absent.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS relationship_vocabulary (
			relationship_type TEXT PRIMARY KEY,
			category TEXT NOT NULL DEFAULT 'llm_generated',
			category_source TEXT NOT NULL DEFAULT 'computed',
			category_confidence DOUBLE PRECISION,
			category_scores JSONB,
			category_ambiguous BOOLEAN NOT NULL DEFAULT FALSE,
			description TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_builtin BOOLEAN NOT NULL DEFAULT FALSE,
			usage_count INTEGER NOT NULL DEFAULT 0,
			direction_semantics TEXT,
			added_by TEXT,
			added_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			synonyms JSONB,
			deprecation_reason TEXT,
			embedding vector,
			embedding_model TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS vocabulary_history (
			id BIGSERIAL PRIMARY KEY,
			action TEXT NOT NULL,
			relationship_type TEXT NOT NULL,
			performed_by TEXT NOT NULL,
			target_type TEXT,
			reason TEXT,
			performed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure vocabulary schema: %w", err)
		}
	}
	return nil
}

const typeColumns = `relationship_type, category, category_source,
	coalesce(category_confidence, 0), coalesce(category_scores, '{}'::jsonb),
	category_ambiguous, coalesce(description, ''), is_active, is_builtin,
	usage_count, coalesce(direction_semantics, ''), coalesce(added_by, ''),
	added_at, coalesce(synonyms, '[]'::jsonb), coalesce(deprecation_reason, ''),
	coalesce(embedding_model, '')`

func scanType(row pgx.Row) (*Type, error) {
	var t Type
	var scores, synonyms []byte
	err := row.Scan(&t.Name, &t.Category, &t.CategorySource, &t.CategoryConfidence,
		&scores, &t.CategoryAmbiguous, &t.Description, &t.IsActive, &t.IsBuiltin,
		&t.UsageCount, &t.DirectionSemantics, &t.AddedBy, &t.AddedAt,
		&synonyms, &t.DeprecationReason, &t.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	if len(scores) > 0 {
		_ = json.Unmarshal(scores, &t.CategoryScores)
	}
	if len(synonyms) > 0 {
		_ = json.Unmarshal(synonyms, &t.Synonyms)
	}
	return &t, nil
}

func (s *PGStore) Get(ctx context.Context, name string) (*Type, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+typeColumns+` FROM relationship_vocabulary WHERE relationship_type = $1`, name)
	t, err := scanType(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *PGStore) List(ctx context.Context, activeOnly bool) ([]Type, error) {
	query := `SELECT ` + typeColumns + ` FROM relationship_vocabulary`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY relationship_type`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Type
	for rows.Next() {
		t, err := scanType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Insert adds a vocabulary row if the name is new. Reports whether a row
// was created; an existing name is not an error.
func (s *PGStore) Insert(ctx context.Context, t Type) (bool, error) {
	scores, _ := json.Marshal(t.CategoryScores)
	synonyms, _ := json.Marshal(t.Synonyms)
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO relationship_vocabulary
			(relationship_type, category, category_source, category_confidence,
			 category_scores, category_ambiguous, description, is_active,
			 is_builtin, direction_semantics, added_by, synonyms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8, nullif($9, ''), $10, $11)
		ON CONFLICT (relationship_type) DO NOTHING`,
		t.Name, t.Category, t.CategorySource, t.CategoryConfidence,
		scores, t.CategoryAmbiguous, t.Description,
		t.IsBuiltin, t.DirectionSemantics, t.AddedBy, synonyms)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// allowed column names for Update; keys outside this set are rejected.
var updatableColumns = map[string]bool{
	"category":            true,
	"category_source":     true,
	"category_confidence": true,
	"category_scores":     true,
	"category_ambiguous":  true,
	"description":         true,
	"is_active":           true,
	"direction_semantics": true,
	"deprecation_reason":  true,
	"synonyms":            true,
	"usage_count":         true,
}

// Update applies a partial update. No fields is a no-op, not an error.
func (s *PGStore) Update(ctx context.Context, name string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	set := ""
	args := []any{name}
	for k, v := range fields {
		if !updatableColumns[k] {
			return fmt.Errorf("vocabulary column %q is not updatable", k)
		}
		if k == "category_scores" || k == "synonyms" {
			v, _ = json.Marshal(v)
		}
		args = append(args, v)
		if set != "" {
			set += ", "
		}
		set += fmt.Sprintf("%s = $%d", k, len(args))
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE relationship_vocabulary SET `+set+` WHERE relationship_type = $1`, args...)
	return err
}

func (s *PGStore) SetEmbedding(ctx context.Context, name string, embedding []float32, model string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE relationship_vocabulary
		SET embedding = $2, embedding_model = $3
		WHERE relationship_type = $1`,
		name, pgvector.NewVector(embedding), model)
	return err
}

func (s *PGStore) GetEmbedding(ctx context.Context, name string) ([]float32, string, error) {
	var vec pgvector.Vector
	var model *string
	err := s.pool.QueryRow(ctx, `
		SELECT embedding, embedding_model FROM relationship_vocabulary
		WHERE relationship_type = $1 AND embedding IS NOT NULL`, name).Scan(&vec, &model)
	if err == pgx.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	m := ""
	if model != nil {
		m = *model
	}
	return vec.Slice(), m, nil
}

func (s *PGStore) ListMissingEmbeddings(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT relationship_type FROM relationship_vocabulary
		WHERE embedding IS NULL AND is_active
		ORDER BY relationship_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *PGStore) AppendHistory(ctx context.Context, e HistoryEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vocabulary_history (action, relationship_type, performed_by, target_type, reason)
		VALUES ($1, $2, $3, nullif($4, ''), nullif($5, ''))`,
		e.Action, e.Type, e.PerformedBy, e.TargetType, e.Reason)
	return err
}

var _ Store = (*PGStore)(nil)
