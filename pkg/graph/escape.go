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
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// escapeString prepares a string for embedding in a single-quoted Cypher
// literal. Backslashes must be doubled BEFORE quotes are escaped — documents
// containing code examples break otherwise.
func escapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return s
}

// Literal converts a Go value to its Cypher literal representation.
//
// Strings are single-quoted and escaped. Slices become JSON arrays (Cypher
// list syntax is JSON-compatible). Maps are stored as escaped JSON strings
// because Cypher map literals require unquoted keys. Numbers and booleans
// are emitted verbatim; nil becomes null.
func Literal(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "null", nil
	case string:
		return "'" + escapeString(v) + "'", nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case []float32:
		return encodeJSONList(v)
	case []float64:
		return encodeJSONList(v)
	case []string:
		return encodeJSONList(v)
	case []any:
		return encodeJSONList(v)
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode map literal: %w", err)
		}
		return "'" + escapeString(string(data)) + "'", nil
	default:
		return "", fmt.Errorf("unsupported parameter type %T", value)
	}
}

// encodeJSONList renders a slice as a Cypher list literal. Element strings
// are escaped after JSON encoding, mirroring the string rule.
func encodeJSONList(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode list literal: %w", err)
	}
	return escapeString(string(data)), nil
}

// Substitute replaces $key placeholders in a Cypher query with escaped
// literals. AGE does not accept native parameter binding for Cypher, so the
// substitution happens client-side; all callers are internal.
//
// Keys are applied longest-first so that $name does not clobber $name_2.
func Substitute(query string, params map[string]any) (string, error) {
	if len(params) == 0 {
		return query, nil
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })

	for _, key := range keys {
		lit, err := Literal(params[key])
		if err != nil {
			return "", fmt.Errorf("parameter %q: %w", key, err)
		}
		query = strings.ReplaceAll(query, "$"+key, lit)
	}
	return query, nil
}
