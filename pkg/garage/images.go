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
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
)

// ImageStore keeps ingested images under images/{ontology}/{source_id}.{ext}
// so a Source node maps directly to its blob.
type ImageStore struct {
	backend Backend
	logger  *slog.Logger
}

// NewImageStore wraps a backend.
func NewImageStore(b Backend, logger *slog.Logger) *ImageStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageStore{backend: b, logger: logger}
}

// ImageKey builds the object key for a source's image.
func ImageKey(ontology, sourceID, ext string) string {
	return fmt.Sprintf("images/%s/%s.%s", SanitizePathComponent(ontology), sourceID, strings.TrimPrefix(ext, "."))
}

var extByContentType = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
	"image/bmp":  "bmp",
}

// DetectImageContentType infers the MIME type from the filename extension
// first, then from magic bytes. Unknown data defaults to image/jpeg.
func DetectImageContentType(filename string, data []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); strings.HasPrefix(ct, "image/") {
		// mime may append parameters; the bare type is all we want.
		if i := strings.IndexByte(ct, ';'); i >= 0 {
			ct = ct[:i]
		}
		return ct
	}

	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case bytes.HasPrefix(data, []byte("RIFF")) && len(data) >= 12 && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	case bytes.HasPrefix(data, []byte("BM")):
		return "image/bmp"
	}
	return "image/jpeg"
}

// Upload stores an image and returns its final object key.
func (s *ImageStore) Upload(ctx context.Context, ontology, sourceID string, data []byte, filename string, metadata map[string]string) (string, error) {
	contentType := DetectImageContentType(filename, data)
	if contentType == "image/jpeg" && !bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) {
		s.logger.Warn("could not detect image content type, defaulting to image/jpeg", "filename", filename)
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if ext == "" {
		ext = extByContentType[contentType]
	}

	key := ImageKey(ontology, sourceID, ext)
	if err := s.backend.Put(ctx, key, data, contentType, metadata); err != nil {
		return "", err
	}
	s.logger.Debug("image uploaded", "key", key, "bytes", len(data), "content_type", contentType)
	return key, nil
}

// Download retrieves an image by its stored key.
func (s *ImageStore) Download(ctx context.Context, key string) ([]byte, error) {
	return s.backend.Get(ctx, key)
}

// Delete removes one image.
func (s *ImageStore) Delete(ctx context.Context, key string) error {
	return s.backend.Remove(ctx, key)
}

// DeleteOntology removes every image stored under an ontology.
func (s *ImageStore) DeleteOntology(ctx context.Context, ontology string) (int, error) {
	prefix := fmt.Sprintf("images/%s/", SanitizePathComponent(ontology))
	return DeleteByPrefix(ctx, s.backend, prefix)
}

// List returns the image objects of one ontology.
func (s *ImageStore) List(ctx context.Context, ontology string) ([]ObjectInfo, error) {
	prefix := fmt.Sprintf("images/%s/", SanitizePathComponent(ontology))
	return s.backend.List(ctx, prefix)
}
