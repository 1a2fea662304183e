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
	"fmt"
	"log/slog"

	"github.com/kraklabs/kge/pkg/ai"
	"github.com/kraklabs/kge/pkg/garage"
)

// VisualEmbedder produces a fixed-dimension normalized embedding from
// raw image bytes. The production implementation pools the CLS token of
// a pretrained vision model; dimensionality is fixed per deployment.
type VisualEmbedder interface {
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
	Dimensions() int
}

// ImagePayload is what the image prefix hands to the text pipeline: the
// vision prose becomes the document content, the rest rides along on
// the Source node.
type ImagePayload struct {
	Prose           string        `json:"prose"`
	StorageKey      string        `json:"storage_key"`
	VisualEmbedding []float32     `json:"-"`
	ContentHash     string        `json:"content_hash"`
	Tokens          ai.TokenUsage `json:"tokens"`
}

// ImageIngestor runs the image prefix: visual embedding, vision prose,
// raw-byte upload.
type ImageIngestor struct {
	vision   ai.Vision
	embedder VisualEmbedder
	images   *garage.ImageStore
	logger   *slog.Logger
}

// NewImageIngestor wires the prefix. embedder may be nil when no visual
// embedding model is deployed.
func NewImageIngestor(vision ai.Vision, embedder VisualEmbedder, images *garage.ImageStore, logger *slog.Logger) *ImageIngestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageIngestor{vision: vision, embedder: embedder, images: images, logger: logger}
}

// Prepare turns raw image bytes into an ingestion payload.
func (ii *ImageIngestor) Prepare(ctx context.Context, data []byte, ontology, sourceID, filename string) (*ImagePayload, error) {
	sum := sha256.Sum256(data)
	payload := &ImagePayload{ContentHash: hex.EncodeToString(sum[:])}

	if ii.embedder != nil {
		embedding, err := ii.embedder.EmbedImage(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("visual embedding: %w", err)
		}
		payload.VisualEmbedding = embedding
	}

	described, err := ii.vision.Describe(ctx, data, ai.DefaultVisionPrompt)
	if err != nil {
		return nil, fmt.Errorf("vision description: %w", err)
	}
	payload.Prose = described.Text
	payload.Tokens = described.Tokens

	key, err := ii.images.Upload(ctx, ontology, sourceID, data, filename, nil)
	if err != nil {
		return nil, fmt.Errorf("image upload: %w", err)
	}
	payload.StorageKey = key

	ii.logger.Info("image prepared for ingestion",
		"ontology", ontology, "source_id", sourceID, "storage_key", key,
		"prose_chars", len(payload.Prose), "tokens", payload.Tokens.Total)
	return payload, nil
}

// IngestImage runs the image prefix then the standard pipeline with the
// vision prose as document content.
func (p *Pipeline) IngestImage(ctx context.Context, ii *ImageIngestor, data []byte, opts Options) (*Result, error) {
	sourceID := opts.JobID
	if sourceID == "" {
		sum := sha256.Sum256(data)
		sourceID = hex.EncodeToString(sum[:])[:12]
	}

	payload, err := ii.Prepare(ctx, data, opts.Ontology, sourceID, opts.Filename)
	if err != nil {
		return nil, err
	}

	opts.ContentType = "image"
	opts.StorageKey = payload.StorageKey
	opts.VisualEmbedding = payload.VisualEmbedding
	return p.IngestDocument(ctx, []byte(payload.Prose), opts)
}
