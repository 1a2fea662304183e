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

package graph

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	returnClauseRe = regexp.MustCompile(`(?is)\bRETURN\s+(.+?)(?:\s+ORDER\s+BY|\s+SKIP|\s+LIMIT|$)`)
	asAliasRe      = regexp.MustCompile(`(?i)\s+as\s+(\w+)`)
	identRe        = regexp.MustCompile(`\w+`)
)

// extractColumnSpec derives the AGE column specification from a Cypher
// query's RETURN clause. Must run BEFORE parameter substitution: document
// text interpolated into the query would otherwise confuse the regex.
//
// Rules (deliberately simple, see DESIGN notes):
//   - "expr AS alias"   -> alias
//   - "n.label"         -> label (last identifier token)
//   - "count(n)"        -> n (last identifier; alias aggregates explicitly)
//   - duplicates are disambiguated with _2, _3, ... suffixes
//   - no RETURN clause  -> single "result" column
func extractColumnSpec(query string) string {
	m := returnClauseRe.FindStringSubmatch(query)
	if m == nil {
		return "result agtype"
	}

	var columns []string
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if am := asAliasRe.FindStringSubmatch(part); am != nil {
			columns = append(columns, am[1])
			continue
		}
		tokens := identRe.FindAllString(part, -1)
		if len(tokens) > 0 {
			columns = append(columns, tokens[len(tokens)-1])
		} else {
			columns = append(columns, fmt.Sprintf("col%d", len(columns)))
		}
	}
	if len(columns) == 0 {
		return "result agtype"
	}

	seen := make(map[string]int, len(columns))
	specs := make([]string, 0, len(columns))
	for _, col := range columns {
		if n, dup := seen[col]; dup {
			seen[col] = n + 1
			col = fmt.Sprintf("%s_%d", col, n+1)
		} else {
			seen[col] = 1
		}
		specs = append(specs, col+" agtype")
	}
	return strings.Join(specs, ", ")
}
