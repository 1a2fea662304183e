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

// Package chunker splits documents into ordered chunks for ingestion.
//
// Two strategies are available: a markdown-aware chunker that parses the
// document into an AST, translates code blocks to prose, and groups
// sections into chunks at heading boundaries; and a plain word-budget
// chunker with sentence-boundary search for everything else. Chunks are
// numbered in document order and must be consumed in that order — later
// chunks rely on concept upserts performed while processing earlier ones.
package chunker

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
)

// Boundary types recorded on each emitted chunk.
const (
	BoundarySemantic      = "semantic"
	BoundaryHardCut       = "hard_cut"
	BoundaryEndOfDocument = "end_of_document"
)

// Config holds the word budgets shared by both strategies.
type Config struct {
	TargetWords  int `yaml:"target_words" json:"target_words"`
	MinWords     int `yaml:"min_words" json:"min_words"`
	MaxWords     int `yaml:"max_words" json:"max_words"`
	OverlapWords int `yaml:"overlap_words" json:"overlap_words"`

	// Markdown strategy only.
	MaxWorkers   int `yaml:"max_workers" json:"max_workers"`
	CodeMinLines int `yaml:"code_min_lines" json:"code_min_lines"`
}

// DefaultConfig returns the standard ingestion budgets.
func DefaultConfig() Config {
	return Config{
		TargetWords:  1000,
		MinWords:     800,
		MaxWords:     1500,
		OverlapWords: 200,
		MaxWorkers:   3,
		CodeMinLines: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TargetWords <= 0 {
		c.TargetWords = d.TargetWords
	}
	if c.MinWords <= 0 {
		c.MinWords = d.MinWords
	}
	if c.MaxWords <= 0 {
		c.MaxWords = d.MaxWords
	}
	if c.OverlapWords < 0 {
		c.OverlapWords = d.OverlapWords
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.CodeMinLines <= 0 {
		c.CodeMinLines = d.CodeMinLines
	}
	return c
}

// Chunk is one ordered unit of document text ready for extraction.
type Chunk struct {
	Text          string `json:"text"`
	ChunkNumber   int    `json:"chunk_number"`
	WordCount     int    `json:"word_count"`
	BoundaryType  string `json:"boundary_type"`
	StartPosition int    `json:"start_position"`
	EndPosition   int    `json:"end_position"`

	// Nodes backs markdown chunks; nil for the word-budget strategy.
	Nodes []Node `json:"-"`
}

// UseMarkdown reports whether the markdown AST strategy applies to the
// given filename. Selection is purely by extension.
func UseMarkdown(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown":
		return true
	}
	return false
}

// ChunkDocument picks a strategy by filename and runs it. translator may
// be nil, in which case markdown code blocks collapse to placeholders.
func ChunkDocument(ctx context.Context, filename, content string, cfg Config, translator Translator, logger *slog.Logger) ([]Chunk, error) {
	if UseMarkdown(filename) {
		mc := NewMarkdownChunker(cfg, translator, logger)
		return mc.Chunk(ctx, content)
	}
	return ChunkText(content, cfg), nil
}
