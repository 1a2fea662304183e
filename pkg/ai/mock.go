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

package ai

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
)

// MockProvider is a deterministic in-process provider for tests. Embed
// hashes the input text into a unit vector, so identical text always
// produces an identical embedding and distinct text is near-orthogonal.
type MockProvider struct {
	dims int

	mu          sync.Mutex
	extractions []Extraction
	calls       int
}

// NewMockProvider creates a mock with the given embedding dimensionality
// (default 8; small keeps test fixtures readable).
func NewMockProvider(dims int) *MockProvider {
	if dims <= 0 {
		dims = 8
	}
	return &MockProvider{dims: dims}
}

// QueueExtraction appends a canned extraction result. Extract pops them in
// order; when the queue is empty it returns an empty extraction.
func (m *MockProvider) QueueExtraction(ext Extraction) {
	m.mu.Lock()
	m.extractions = append(m.extractions, ext)
	m.mu.Unlock()
}

// Calls reports how many Extract invocations have occurred.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockProvider) Name() string    { return "mock" }
func (m *MockProvider) Dimensions() int { return m.dims }

func (m *MockProvider) Extract(ctx context.Context, req ExtractionRequest) (*Extraction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.extractions) == 0 {
		return &Extraction{}, nil
	}
	ext := m.extractions[0]
	m.extractions = m.extractions[1:]
	return &ext, nil
}

func (m *MockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, m.dims)
	var norm float64
	for i := range vec {
		// Four bytes per component, wrapping over the digest.
		off := (i * 4) % (len(sum) - 4)
		u := binary.BigEndian.Uint32(sum[off : off+4])
		v := float64(u)/float64(math.MaxUint32)*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func (m *MockProvider) Complete(ctx context.Context, prompt string) (string, TokenUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return "This code represents a conceptual structure. Key concepts include: structure, relationships, data.",
		TokenUsage{Input: 10, Output: 10, Total: 20}, nil
}

func (m *MockProvider) Describe(ctx context.Context, image []byte, prompt string) (*VisionResult, error) {
	return &VisionResult{
		Text:     "A diagram with labeled boxes connected by arrows.",
		Tokens:   TokenUsage{Input: 10, Output: 10, Total: 20},
		Model:    "mock-vision",
		Provider: m.Name(),
	}, nil
}

var _ Provider = (*MockProvider)(nil)
