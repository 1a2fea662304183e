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
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kraklabs/kge/pkg/ai"
)

// Translator turns code into prose. Satisfied by any ai.Provider.
type Translator = ai.Completer

// translateBlocks resolves every code-like node to prose in place.
// Translation runs on a bounded worker pool; the call returns only after
// every worker has finished, so grouping always sees final text. Blocks
// below the minimum line count are not worth a model call and collapse to
// a placeholder instead.
func (m *MarkdownChunker) translateBlocks(ctx context.Context, nodes []Node) error {
	var pending []*Node
	for i := range nodes {
		if nodes[i].IsCode() {
			pending = append(pending, &nodes[i])
		}
	}
	if len(pending) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, m.cfg.MaxWorkers)
	for _, node := range pending {
		lines := len(strings.Split(node.Content, "\n"))
		if m.translator == nil || lines < m.cfg.CodeMinLines {
			node.Translated = placeholder(node.Language, lines)
			m.mu.Lock()
			m.stats.BlocksStripped++
			m.mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			prose, usage, err := m.translator.Complete(ctx, translationPrompt(*n))
			m.mu.Lock()
			defer m.mu.Unlock()
			if err != nil {
				m.logger.Warn("code block translation failed",
					"language", n.Language, "lines", lines, "error", err)
				n.Translated = fmt.Sprintf("[Translation failed: %v]", err)
				m.stats.BlocksStripped++
				return
			}
			n.Translated = StripCode(prose)
			m.stats.BlocksTranslated++
			m.stats.TranslationTokens += usage.Total
		}(node)
	}

	// Synchronization barrier: grouping must not start early.
	wg.Wait()
	return ctx.Err()
}

func placeholder(language string, lines int) string {
	if language == "" {
		language = "unknown"
	}
	return fmt.Sprintf("[CODE BLOCK: %s - %d lines]", language, lines)
}

// translationPrompt asks for concepts and labels, never an explanation of
// mechanics; the model must answer in prose only.
func translationPrompt(n Node) string {
	switch n.Kind {
	case KindMermaid:
		return fmt.Sprintf(`What concepts and ideas does this Mermaid diagram represent?

Diagram:
%s

Provide:
1. A 1-2 sentence description of what this diagram represents (NOT how it works)
2. 3-5 conceptual labels or keywords that capture the main ideas

Example output format:
"This diagram represents a data processing pipeline with multiple transformation stages. Key concepts include: data ingestion, validation, transformation, storage, error handling."

CRITICAL: Output ONLY plain text sentences and comma-separated labels. NO code, NO syntax, NO special characters.
`, n.Content)

	case KindJSON, KindYAML:
		return fmt.Sprintf(`What concepts does this %s configuration represent?

Configuration:
%s

Provide:
1. A 1-2 sentence description of what this configuration defines (NOT the specific values)
2. 3-5 conceptual labels or keywords

Example output format:
"This configuration defines database connection settings and resource limits. Key concepts include: connection pooling, authentication, timeout management, performance tuning."

CRITICAL: Output ONLY plain text sentences and comma-separated labels. NO code, NO syntax, NO special characters.
`, n.Language, n.Content)

	default:
		lang := n.Language
		if lang == "" {
			lang = "unknown"
		}
		return fmt.Sprintf(`What concepts and ideas does this %s code represent?

Code:
%s

Provide:
1. A 1-2 sentence description of what this code represents (NOT a line-by-line explanation)
2. 3-5 conceptual labels or keywords that capture the main ideas

Example output format:
"This code represents graph database schema initialization and extension setup. Key concepts include: schema definition, database extensions, vector similarity, temporal data management, graph structure."

CRITICAL: Output ONLY plain text sentences and comma-separated labels. NO code, NO syntax, NO examples, NO special characters.
`, lang, n.Content)
	}
}
