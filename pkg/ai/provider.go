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

// Package ai abstracts the AI providers behind three capability
// interfaces: extraction (text to structured concepts), embedding (text to
// vector), and vision (image to prose). Concrete providers: Ollama,
// OpenAI, Anthropic, and a mock for tests.
package ai

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ExtractedConcept is one meaning unit returned by the extraction model.
type ExtractedConcept struct {
	Label       string   `json:"label"`
	Description string   `json:"description,omitempty"`
	SearchTerms []string `json:"search_terms,omitempty"`
	Quotes      []string `json:"quotes,omitempty"`
}

// ExtractedRelationship is one typed edge proposal between two extracted
// concepts, referenced by label.
type ExtractedRelationship struct {
	FromLabel  string  `json:"from_label"`
	ToLabel    string  `json:"to_label"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Extraction is the structured output of one extraction call.
type Extraction struct {
	Concepts      []ExtractedConcept      `json:"concepts"`
	Relationships []ExtractedRelationship `json:"relationships"`
}

// ConceptHint is a (concept_id, label) pair fed back to the extraction
// model as context from earlier chunks.
type ConceptHint struct {
	ConceptID string `json:"concept_id"`
	Label     string `json:"label"`
}

// ExtractionRequest carries one chunk plus its context window and the
// active relationship vocabulary.
type ExtractionRequest struct {
	Text          string
	ContextWindow []ConceptHint
	Vocabulary    []string
}

// TokenUsage reports model token consumption for one call.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// VisionResult is the prose description of an image.
type VisionResult struct {
	Text     string     `json:"text"`
	Tokens   TokenUsage `json:"tokens"`
	Model    string     `json:"model"`
	Provider string     `json:"provider"`
}

// Extractor turns chunk text into structured concepts and relationships.
type Extractor interface {
	Extract(ctx context.Context, req ExtractionRequest) (*Extraction, error)
	Name() string
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Name() string
}

// Vision turns image bytes plus a prompt into prose.
type Vision interface {
	Describe(ctx context.Context, image []byte, prompt string) (*VisionResult, error)
	Name() string
}

// Completer answers a free-form prompt with plain text. Used by the
// markdown chunker to translate code blocks into prose.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, TokenUsage, error)
	Name() string
}

// DefaultVisionPrompt asks for a literal, verbatim-leaning description so
// that downstream extraction sees everything the image contains.
const DefaultVisionPrompt = `Describe everything visible in this image in complete detail. ` +
	`Transcribe all text verbatim. Describe every diagram, chart, label, and ` +
	`visual relationship exactly as shown. Do not summarize or interpret; be literal.`

// Policy is the per-provider concurrency and retry budget.
type Policy struct {
	MaxConcurrent int
	MaxRetries    int
	Timeout       time.Duration
}

// PolicyFor resolves a provider's policy: environment first
// ({PROVIDER}_MAX_CONCURRENT, {PROVIDER}_MAX_RETRIES), then hard defaults.
// Relational config, when present, is applied by the caller before this
// fallback chain.
func PolicyFor(provider string) Policy {
	p := defaultPolicy(provider)
	upper := strings.ToUpper(provider)
	if v, err := strconv.Atoi(os.Getenv(upper + "_MAX_CONCURRENT")); err == nil && v > 0 {
		p.MaxConcurrent = v
	}
	if v, err := strconv.Atoi(os.Getenv(upper + "_MAX_RETRIES")); err == nil && v >= 0 {
		p.MaxRetries = v
	}
	if cap, err := strconv.Atoi(os.Getenv("MAX_CONCURRENT_THREADS")); err == nil && cap > 0 && p.MaxConcurrent > cap {
		p.MaxConcurrent = cap
	} else if p.MaxConcurrent > 32 {
		p.MaxConcurrent = 32
	}
	return p
}

func defaultPolicy(provider string) Policy {
	switch strings.ToLower(provider) {
	case "ollama":
		return Policy{MaxConcurrent: 1, MaxRetries: 3, Timeout: 120 * time.Second}
	case "anthropic":
		return Policy{MaxConcurrent: 4, MaxRetries: 8, Timeout: 120 * time.Second}
	case "openai":
		return Policy{MaxConcurrent: 8, MaxRetries: 8, Timeout: 120 * time.Second}
	case "mock":
		return Policy{MaxConcurrent: 100, MaxRetries: 0, Timeout: time.Second}
	default:
		return Policy{MaxConcurrent: 4, MaxRetries: 8, Timeout: 120 * time.Second}
	}
}

// Config selects and parameterizes a concrete provider.
type Config struct {
	Type         string        `yaml:"type" json:"type"`
	BaseURL      string        `yaml:"base_url" json:"base_url,omitempty"`
	APIKey       string        `yaml:"api_key" json:"api_key,omitempty"`
	Model        string        `yaml:"model" json:"model,omitempty"`
	EmbedModel   string        `yaml:"embed_model" json:"embed_model,omitempty"`
	VisionModel  string        `yaml:"vision_model" json:"vision_model,omitempty"`
	Dimensions   int           `yaml:"dimensions" json:"dimensions,omitempty"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// Provider bundles the three capabilities of one backend. A backend that
// lacks a capability returns a descriptive error from the missing method.
type Provider interface {
	Extractor
	Embedder
	Vision
	Completer
}

// NewProvider builds a provider from configuration.
//
// Environment variables:
//   - OLLAMA_HOST: Ollama server URL (default: http://localhost:11434)
//   - OPENAI_API_KEY / OPENAI_BASE_URL
//   - ANTHROPIC_API_KEY
func NewProvider(cfg Config) (Provider, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	switch strings.ToLower(cfg.Type) {
	case "ollama", "local", "":
		return newOllamaProvider(cfg)
	case "openai", "openai-compatible":
		return newOpenAIProvider(cfg)
	case "anthropic", "claude":
		return newAnthropicProvider(cfg)
	case "mock", "test":
		return NewMockProvider(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown AI provider type: %s (supported: ollama, openai, anthropic, mock)", cfg.Type)
	}
}
