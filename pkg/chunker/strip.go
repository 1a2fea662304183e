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
)

// Models include code examples in prose output no matter how firmly the
// prompt forbids it, so translated text gets a second, mechanical pass.
// Lines matching any of these patterns are dropped wholesale.
var (
	fencedBlockRe = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe  = regexp.MustCompile("`[^`]+`")

	// Query keywords immediately followed by an open paren.
	keywordParenRe = regexp.MustCompile(`(?i)\b(SELECT|CREATE|MATCH|WHERE|RETURN|INSERT|UPDATE|DELETE|MERGE|WITH|BEGIN|COMMIT|SET|REMOVE)\s*\(`)
	// DDL-style keyword pairs (CREATE TABLE, MATCH (, DROP INDEX...).
	keywordPairRe = regexp.MustCompile(`(?i)\b(CREATE|ALTER|DROP|MATCH|MERGE|SET|REMOVE)\s+(TABLE|INDEX|NODE|EDGE|EXTENSION|GRAPH|SCHEMA|\()`)
	// Property syntax: (label: 'value') or {label: 'value'}.
	parenPropRe = regexp.MustCompile(`\([^)]*:\s*['"]`)
	bracePropRe = regexp.MustCompile(`\{[^}]*:\s*['"]`)

	proseWordRe   = regexp.MustCompile(`\b[a-zA-Z]{3,}\b`)
	specialCharRe = regexp.MustCompile(`[(){}\[\];:$=]`)
	leadingCodeRe = regexp.MustCompile(`^\s*[(){}\[\];]`)

	blankRunRe = regexp.MustCompile(`\n\n\n+`)
)

// StripCode removes anything code-shaped from prose: fenced and inline
// code first, then a line-by-line blacklist. Applied to every code-block
// translation and once more to each finished chunk.
func StripCode(text string) string {
	text = fencedBlockRe.ReplaceAllString(text, "")
	text = inlineCodeRe.ReplaceAllString(text, "")

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			kept = append(kept, line)
			continue
		}
		if looksLikeCode(line, stripped) {
			continue
		}
		kept = append(kept, line)
	}

	text = strings.Join(kept, "\n")
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func looksLikeCode(line, stripped string) bool {
	if keywordParenRe.MatchString(stripped) || keywordPairRe.MatchString(stripped) {
		return true
	}
	if parenPropRe.MatchString(stripped) || bracePropRe.MatchString(stripped) {
		return true
	}
	// Escaped quotes are a model quoting code at us.
	if strings.Contains(stripped, `\'`) || strings.Contains(stripped, `\"`) {
		return true
	}
	// Too many special characters for too few real words.
	if len(proseWordRe.FindAllString(stripped, -1)) < 4 &&
		len(specialCharRe.FindAllString(stripped, -1)) > 2 {
		return true
	}
	if strings.Contains(stripped, "$$") {
		return true
	}
	if strings.HasSuffix(stripped, ";") {
		return true
	}
	if leadingCodeRe.MatchString(line) {
		return true
	}
	if strings.Contains(stripped, "->") || strings.Contains(stripped, "=>") {
		return true
	}
	return false
}
