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
	"log/slog"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	gast "github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// NodeKind classifies a document node.
type NodeKind string

const (
	KindHeading NodeKind = "HEADING"
	KindText    NodeKind = "TEXT"
	KindList    NodeKind = "LIST"
	KindCode    NodeKind = "CODE"
	KindMermaid NodeKind = "MERMAID"
	KindJSON    NodeKind = "JSON"
	KindYAML    NodeKind = "YAML"
	KindOther   NodeKind = "OTHER"
)

// Node is one positioned element of the parsed document. Code-like nodes
// carry a prose translation after the translation stage; all other nodes
// read straight from Content.
type Node struct {
	Kind         NodeKind
	Content      string
	Translated   string
	Language     string
	Position     int
	HeadingLevel int
}

// IsCode reports whether the node is subject to translation.
func (n Node) IsCode() bool {
	switch n.Kind {
	case KindCode, KindMermaid, KindJSON, KindYAML:
		return true
	}
	return false
}

// Text returns the node's contribution to chunk text. For code-like nodes
// that is the translation (possibly a placeholder, possibly empty).
func (n Node) Text() string {
	if n.IsCode() {
		return n.Translated
	}
	return n.Content
}

// Stats counts what happened to code blocks during preprocessing.
type Stats struct {
	BlocksDetected    int
	BlocksTranslated  int
	BlocksStripped    int
	TranslationTokens int
}

// MarkdownChunker parses markdown to an AST, translates code blocks to
// prose with bounded parallelism, and groups sections into chunks.
type MarkdownChunker struct {
	cfg        Config
	translator Translator
	logger     *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// NewMarkdownChunker builds a chunker. translator may be nil; code blocks
// then collapse to an explanatory placeholder.
func NewMarkdownChunker(cfg Config, translator Translator, logger *slog.Logger) *MarkdownChunker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MarkdownChunker{cfg: cfg.withDefaults(), translator: translator, logger: logger}
}

// Stats returns a copy of the preprocessing counters.
func (m *MarkdownChunker) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Chunk runs the full pipeline: parse, translate code blocks, group into
// ordered chunks. The returned chunks must be processed serially.
func (m *MarkdownChunker) Chunk(ctx context.Context, content string) ([]Chunk, error) {
	nodes := m.parse(content)
	if err := m.translateBlocks(ctx, nodes); err != nil {
		return nil, err
	}
	return m.group(nodes), nil
}

// parse turns markdown into position-ordered section and code nodes.
// Content between headings accumulates into one section node; a code
// fence always closes the current section and stands alone so it cannot
// be split across chunks.
func (m *MarkdownChunker) parse(content string) []Node {
	source := []byte(content)
	doc := goldmark.New().Parser().Parse(text.NewReader(source))

	var nodes []Node
	position := 0

	var sectionParts []string
	sectionLevel := 0
	flush := func() {
		if len(sectionParts) == 0 {
			return
		}
		kind := KindText
		if sectionLevel > 0 {
			kind = KindHeading
		}
		nodes = append(nodes, Node{
			Kind:         kind,
			Content:      strings.Join(sectionParts, "\n\n"),
			Position:     position,
			HeadingLevel: sectionLevel,
		})
		position++
		sectionParts = nil
		sectionLevel = 0
	}

	for child := doc.FirstChild(); child != nil; child = child.NextSibling() {
		switch n := child.(type) {
		case *gast.Heading:
			flush()
			sectionLevel = n.Level
			heading := strings.Repeat("#", n.Level) + " " + blockText(n, source)
			sectionParts = append(sectionParts, heading)

		case *gast.FencedCodeBlock:
			flush()
			lang := string(n.Language(source))
			nodes = append(nodes, Node{
				Kind:     classifyCode(lang),
				Content:  blockText(n, source),
				Language: lang,
				Position: position,
			})
			position++
			m.mu.Lock()
			m.stats.BlocksDetected++
			m.mu.Unlock()

		case *gast.CodeBlock:
			flush()
			nodes = append(nodes, Node{
				Kind:     KindCode,
				Content:  blockText(n, source),
				Position: position,
			})
			position++
			m.mu.Lock()
			m.stats.BlocksDetected++
			m.mu.Unlock()

		case *gast.List:
			if t := listText(n, source, ""); t != "" {
				sectionParts = append(sectionParts, t)
			}

		default:
			if t := blockText(child, source); strings.TrimSpace(t) != "" {
				sectionParts = append(sectionParts, t)
			}
		}
	}
	flush()
	return nodes
}

func classifyCode(lang string) NodeKind {
	switch strings.ToLower(lang) {
	case "mermaid", "mmd":
		return KindMermaid
	case "json":
		return KindJSON
	case "yaml", "yml":
		return KindYAML
	default:
		return KindCode
	}
}

// blockText reads a block node's raw source lines back out. Inline
// markdown survives verbatim, which is what extraction wants.
func blockText(n gast.Node, source []byte) string {
	lines := n.Lines()
	if lines.Len() == 0 {
		return ""
	}
	var sb strings.Builder
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(source))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func listText(list *gast.List, source []byte, indent string) string {
	var lines []string
	i := 0
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		i++
		var parts []string
		for c := item.FirstChild(); c != nil; c = c.NextSibling() {
			if nested, ok := c.(*gast.List); ok {
				if t := listText(nested, source, indent+"  "); t != "" {
					parts = append(parts, "\n"+t)
				}
				continue
			}
			if t := blockText(c, source); t != "" {
				parts = append(parts, t)
			}
		}
		marker := indent + "- "
		if list.IsOrdered() {
			marker = fmt.Sprintf("%s%d. ", indent, i)
		}
		lines = append(lines, marker+strings.Join(parts, " "))
	}
	return strings.Join(lines, "\n")
}

// group assembles nodes into chunks in position order. A heading opens a
// new chunk once the running count has reached the target; any node that
// would push the chunk past the maximum forces a new one; a single node
// over the maximum (a transcript paragraph, typically) is hard-cut on the
// word budget.
func (m *MarkdownChunker) group(nodes []Node) []Chunk {
	cfg := m.cfg
	var chunks []Chunk
	var cur []Node
	curWords := 0
	num := 1

	finalize := func(boundary string) {
		if len(cur) == 0 {
			return
		}
		var parts []string
		for _, n := range cur {
			if t := n.Text(); strings.TrimSpace(t) != "" {
				parts = append(parts, t)
			}
		}
		combined := StripCode(strings.Join(parts, "\n\n"))
		chunks = append(chunks, Chunk{
			Text:          combined,
			ChunkNumber:   num,
			WordCount:     len(strings.Fields(combined)),
			BoundaryType:  boundary,
			StartPosition: cur[0].Position,
			EndPosition:   cur[len(cur)-1].Position,
			Nodes:         append([]Node(nil), cur...),
		})
		num++
		cur = nil
		curWords = 0
	}

	for _, node := range nodes {
		text := node.Text()
		words := len(strings.Fields(text))
		if words < 5 {
			continue
		}

		if words > cfg.MaxWords {
			finalize(BoundarySemantic)
			for _, hc := range hardCutNode(node, cfg, num) {
				chunks = append(chunks, hc)
				num++
			}
			continue
		}

		if node.Kind == KindHeading && curWords >= cfg.TargetWords {
			finalize(BoundarySemantic)
		}
		if curWords+words > cfg.MaxWords {
			finalize(BoundarySemantic)
		}

		cur = append(cur, node)
		curWords += words
	}
	finalize(BoundaryEndOfDocument)
	return chunks
}

// hardCutNode splits one oversized node with the word-budget rule. No
// overlap: these pieces all come from the same unstructured blob.
func hardCutNode(node Node, cfg Config, startNum int) []Chunk {
	budget := cfg
	budget.OverlapWords = 0
	pieces := ChunkText(node.Text(), budget)
	out := make([]Chunk, 0, len(pieces))
	for i, p := range pieces {
		stripped := StripCode(p.Text)
		out = append(out, Chunk{
			Text:          stripped,
			ChunkNumber:   startNum + i,
			WordCount:     len(strings.Fields(stripped)),
			BoundaryType:  BoundaryHardCut,
			StartPosition: node.Position,
			EndPosition:   node.Position,
			Nodes:         []Node{node},
		})
	}
	return out
}
