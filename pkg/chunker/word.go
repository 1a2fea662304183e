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

package chunker

import (
	"regexp"
	"strings"
	"unicode"
)

var sentenceBoundaryRe = regexp.MustCompile(`[.!?]\s+`)

type wordSpan struct {
	start int // byte offset of first byte
	end   int // byte offset past last byte
}

// splitWords splits on unicode whitespace while keeping each word's byte
// offsets so chunks can report positions into the original text.
func splitWords(text string) ([]string, []wordSpan) {
	var words []string
	var spans []wordSpan
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				words = append(words, text[start:i])
				spans = append(spans, wordSpan{start, i})
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, text[start:])
		spans = append(spans, wordSpan{start, len(text)})
	}
	return words, spans
}

// ChunkText splits plain text on a word budget. A chunk closes once the
// window reaches TargetWords and a sentence boundary falls within the last
// 20% of the window; if none is found by MaxWords the window is cut hard.
// Consecutive chunks overlap by OverlapWords. The final chunk always
// carries the end_of_document boundary.
func ChunkText(text string, cfg Config) []Chunk {
	cfg = cfg.withDefaults()
	words, spans := splitWords(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []Chunk
	pos := 0
	num := 1
	for pos < len(words) {
		end := pos + cfg.MaxWords
		last := false
		if end >= len(words) {
			end = len(words)
			last = true
		}
		window := words[pos:end]
		boundary := BoundaryHardCut

		if last {
			boundary = BoundaryEndOfDocument
		} else if len(window) >= cfg.TargetWords {
			joined := strings.Join(window, " ")
			searchStart := len(joined) * 8 / 10
			matches := sentenceBoundaryRe.FindAllStringIndex(joined[searchStart:], -1)
			if len(matches) > 0 {
				cut := searchStart + matches[len(matches)-1][1]
				n := len(strings.Fields(strings.TrimSpace(joined[:cut])))
				if n > 0 && n < len(window) {
					end = pos + n
					window = words[pos:end]
					boundary = BoundarySemantic
				}
			}
		}

		chunks = append(chunks, Chunk{
			Text:          strings.Join(window, " "),
			ChunkNumber:   num,
			WordCount:     len(window),
			BoundaryType:  boundary,
			StartPosition: spans[pos].start,
			EndPosition:   spans[end-1].end,
		})
		num++

		if last {
			break
		}
		next := end - cfg.OverlapWords
		if next <= pos {
			// Overlap would swallow the whole window; force progress.
			next = pos + 1
		}
		pos = next
	}
	return chunks
}
