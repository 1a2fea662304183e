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
	"encoding/json"
	"fmt"
	"strings"
)

const extractionSystemPrompt = `You extract a knowledge graph from text. Respond with a single JSON object:
{"concepts": [{"label": "...", "description": "...", "search_terms": ["..."], "quotes": ["verbatim quote from the text"]}],
 "relationships": [{"from_label": "...", "to_label": "...", "type": "UPPER_SNAKE_TYPE", "confidence": 0.0}]}
Labels must be short noun phrases. Quotes must appear verbatim in the input text.
Prefer relationship types from the provided vocabulary; invent a new UPPER_SNAKE type only when none fits.
Respond with JSON only, no prose or markdown fences.`

// buildExtractionPrompt renders the user message for one chunk: context
// window first (concepts already in the graph), then the active
// vocabulary, then the chunk text itself.
func buildExtractionPrompt(req ExtractionRequest) string {
	var b strings.Builder
	if len(req.ContextWindow) > 0 {
		b.WriteString("Concepts already present in this document (reuse their labels where the text refers to them):\n")
		for _, h := range req.ContextWindow {
			fmt.Fprintf(&b, "- %s\n", h.Label)
		}
		b.WriteString("\n")
	}
	if len(req.Vocabulary) > 0 {
		b.WriteString("Active relationship vocabulary:\n")
		b.WriteString(strings.Join(req.Vocabulary, ", "))
		b.WriteString("\n\n")
	}
	b.WriteString("Text:\n")
	b.WriteString(req.Text)
	return b.String()
}

// parseExtraction decodes a model response into an Extraction. Markdown
// fences around the JSON are tolerated; out-of-range confidences are an
// error (fail the chunk rather than poison the graph).
func parseExtraction(text string) (*Extraction, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	var ext Extraction
	if err := json.Unmarshal([]byte(text), &ext); err != nil {
		return nil, fmt.Errorf("extraction response is not valid JSON: %w", err)
	}
	for i, rel := range ext.Relationships {
		if rel.Confidence < 0 || rel.Confidence > 1 {
			return nil, fmt.Errorf("relationship %d (%s): confidence %v out of range [0,1]",
				i, rel.Type, rel.Confidence)
		}
	}
	return &ext, nil
}
