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

package garage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Projection is a cached 2D/3D embedding projection for one ontology and
// embedding source. ChangelistID changes whenever the underlying concept
// set changes, so clients can do conditional reads.
type Projection struct {
	Ontology        string           `json:"ontology"`
	EmbeddingSource string           `json:"embedding_source"`
	ChangelistID    string           `json:"changelist_id"`
	ConceptCount    int              `json:"concept_count"`
	GeneratedAt     time.Time        `json:"generated_at"`
	Points          []ProjectionPoint `json:"points"`
}

// ProjectionPoint is one concept placed in projected space.
type ProjectionPoint struct {
	ConceptID string    `json:"concept_id"`
	Name      string    `json:"name"`
	VocabType string    `json:"vocab_type,omitempty"`
	Coords    []float64 `json:"coords"`
}

// ProjectionStore caches projections under
// projections/{ontology}/{embedding_source}/latest.json, keeping a
// timestamped snapshot alongside for history.
type ProjectionStore struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
}

// NewProjectionStore wraps a backend.
func NewProjectionStore(b Backend, logger *slog.Logger) *ProjectionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProjectionStore{backend: b, logger: logger, now: time.Now}
}

// NewChangelistID derives a changelist id from the projection identity.
// Format: cl_{YYYYmmdd_HHMMSS}_{sha256(ontology:source:count:timestamp)[:8]}
func NewChangelistID(ontology, embeddingSource string, conceptCount int, at time.Time) string {
	ts := at.UTC().Format("20060102_150405")
	content := fmt.Sprintf("%s:%s:%d:%s", ontology, embeddingSource, conceptCount, ts)
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("cl_%s_%s", ts, hex.EncodeToString(sum[:])[:8])
}

func (p *ProjectionStore) prefix(ontology, embeddingSource string) string {
	return fmt.Sprintf("projections/%s/%s/",
		SanitizePathComponent(ontology), SanitizePathComponent(embeddingSource))
}

func (p *ProjectionStore) latestKey(ontology, embeddingSource string) string {
	return p.prefix(ontology, embeddingSource) + "latest.json"
}

// Put writes the projection as latest.json and a timestamped snapshot.
// A snapshot write failure is logged but does not fail the put; latest
// is the contract, history is best effort.
func (p *ProjectionStore) Put(ctx context.Context, proj *Projection) error {
	if proj.ChangelistID == "" {
		proj.ChangelistID = NewChangelistID(proj.Ontology, proj.EmbeddingSource, proj.ConceptCount, p.now())
	}
	if proj.GeneratedAt.IsZero() {
		proj.GeneratedAt = p.now().UTC()
	}

	data, err := json.Marshal(proj)
	if err != nil {
		return fmt.Errorf("marshal projection: %w", err)
	}

	latest := p.latestKey(proj.Ontology, proj.EmbeddingSource)
	if err := p.backend.Put(ctx, latest, data, "application/json", nil); err != nil {
		return err
	}

	snapshot := p.prefix(proj.Ontology, proj.EmbeddingSource) + proj.GeneratedAt.Format("20060102_150405") + ".json"
	if err := p.backend.Put(ctx, snapshot, data, "application/json", nil); err != nil {
		p.logger.Warn("projection snapshot write failed", "key", snapshot, "error", err)
	}

	p.logger.Info("projection cached",
		"ontology", proj.Ontology,
		"embedding_source", proj.EmbeddingSource,
		"changelist_id", proj.ChangelistID,
		"points", len(proj.Points))
	return nil
}

// Get returns the latest projection, or ErrNotFound.
func (p *ProjectionStore) Get(ctx context.Context, ontology, embeddingSource string) (*Projection, error) {
	data, err := p.backend.Get(ctx, p.latestKey(ontology, embeddingSource))
	if err != nil {
		return nil, err
	}
	var proj Projection
	if err := json.Unmarshal(data, &proj); err != nil {
		return nil, fmt.Errorf("unmarshal projection: %w", err)
	}
	return &proj, nil
}

// GetIfChanged is the conditional read: it returns (nil, false, nil) when
// the stored changelist id matches the one the caller already holds.
func (p *ProjectionStore) GetIfChanged(ctx context.Context, ontology, embeddingSource, haveChangelistID string) (*Projection, bool, error) {
	proj, err := p.Get(ctx, ontology, embeddingSource)
	if err != nil {
		return nil, false, err
	}
	if haveChangelistID != "" && proj.ChangelistID == haveChangelistID {
		return nil, false, nil
	}
	return proj, true, nil
}

// Delete invalidates the cache by removing latest.json only. Snapshots
// stay as history.
func (p *ProjectionStore) Delete(ctx context.Context, ontology, embeddingSource string) error {
	return p.backend.Remove(ctx, p.latestKey(ontology, embeddingSource))
}

// DeleteAll removes latest and every snapshot for the pair.
func (p *ProjectionStore) DeleteAll(ctx context.Context, ontology, embeddingSource string) (int, error) {
	return DeleteByPrefix(ctx, p.backend, p.prefix(ontology, embeddingSource))
}

// History lists snapshot objects, newest first, excluding latest.json.
func (p *ProjectionStore) History(ctx context.Context, ontology, embeddingSource string) ([]ObjectInfo, error) {
	objects, err := p.backend.List(ctx, p.prefix(ontology, embeddingSource))
	if err != nil {
		return nil, err
	}
	snapshots := make([]ObjectInfo, 0, len(objects))
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "latest.json") {
			continue
		}
		snapshots = append(snapshots, obj)
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].LastModified.After(snapshots[j].LastModified)
	})
	return snapshots, nil
}
