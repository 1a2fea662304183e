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
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// hashPrefixLength is the number of hash hex chars in a source key.
// 32 chars (128 bits) gives UUID-grade collision safety.
const hashPrefixLength = 32

// DocumentIdentity is the content-addressed identity of a source blob.
type DocumentIdentity struct {
	ContentHash string `json:"content_hash"` // full SHA-256 hex
	GarageKey   string `json:"garage_key"`
	Size        int    `json:"size"`
}

// SourceStore keeps original documents content-addressed under
// sources/{ontology}/{hash_prefix}.{ext}. Identical content re-ingested
// is a no-op put, which is the dedup guarantee and also the model
// evolution insurance: originals stay available for re-extraction.
type SourceStore struct {
	backend Backend
	logger  *slog.Logger
}

// NewSourceStore wraps a backend.
func NewSourceStore(b Backend, logger *slog.Logger) *SourceStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceStore{backend: b, logger: logger}
}

// NormalizeContentHash strips an optional "sha256:" prefix and validates
// the remainder as 64 hex chars.
func NormalizeContentHash(hash string) (string, error) {
	h := strings.TrimPrefix(hash, "sha256:")
	if len(h) != 64 {
		return "", fmt.Errorf("invalid hash length: expected 64 chars, got %d", len(h))
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", fmt.Errorf("invalid hex in content hash: %w", err)
	}
	return strings.ToLower(h), nil
}

// ComputeIdentity derives the content hash and object key for a blob.
// precomputedHash, when non-empty, skips rehashing (the dedup check has
// usually hashed the content already).
func ComputeIdentity(content []byte, ontology, ext, precomputedHash string) (DocumentIdentity, error) {
	var contentHash string
	if precomputedHash != "" {
		h, err := NormalizeContentHash(precomputedHash)
		if err != nil {
			return DocumentIdentity{}, err
		}
		contentHash = h
	} else {
		sum := sha256.Sum256(content)
		contentHash = hex.EncodeToString(sum[:])
	}

	if ext == "" {
		ext = "txt"
	}
	key := fmt.Sprintf("sources/%s/%s.%s",
		SanitizePathComponent(ontology),
		contentHash[:hashPrefixLength],
		strings.TrimPrefix(ext, "."))
	return DocumentIdentity{ContentHash: contentHash, GarageKey: key, Size: len(content)}, nil
}

// Upload stores a source document, skipping the put when the key already
// exists (identical content, by construction).
func (s *SourceStore) Upload(ctx context.Context, content []byte, ontology, ext, precomputedHash string, metadata map[string]string) (DocumentIdentity, error) {
	identity, err := ComputeIdentity(content, ontology, ext, precomputedHash)
	if err != nil {
		return DocumentIdentity{}, err
	}

	if _, err := s.backend.Stat(ctx, identity.GarageKey); err == nil {
		s.logger.Debug("source already stored", "key", identity.GarageKey)
		return identity, nil
	} else if !errors.Is(err, ErrNotFound) {
		return DocumentIdentity{}, err
	}

	contentType := "text/plain"
	if ext == "md" || ext == "markdown" {
		contentType = "text/markdown"
	}
	if err := s.backend.Put(ctx, identity.GarageKey, content, contentType, metadata); err != nil {
		return DocumentIdentity{}, err
	}
	s.logger.Info("source document stored", "key", identity.GarageKey, "bytes", identity.Size)
	return identity, nil
}

// Download retrieves a source document by key.
func (s *SourceStore) Download(ctx context.Context, key string) ([]byte, error) {
	return s.backend.Get(ctx, key)
}

// DeleteOntology removes every source blob of one ontology.
func (s *SourceStore) DeleteOntology(ctx context.Context, ontology string) (int, error) {
	prefix := fmt.Sprintf("sources/%s/", SanitizePathComponent(ontology))
	return DeleteByPrefix(ctx, s.backend, prefix)
}
