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
	"regexp"
	"strconv"
	"strings"
)

var agtypeAnnotationRe = regexp.MustCompile(`::(vertex|edge|path)`)

// ParseAgtype converts an AGE agtype text value to a Go value.
//
// AGE renders vertices as {"id":..,"label":..,"properties":{..}}::vertex and
// edges with a ::edge suffix; lists may carry annotations per element. All
// annotations are stripped and the remainder is parsed as JSON. Values that
// are not JSON come back unchanged as strings.
func ParseAgtype(raw any) any {
	if raw == nil {
		return nil
	}

	s, ok := raw.(string)
	if !ok {
		if b, isBytes := raw.([]byte); isBytes {
			s = string(b)
		} else {
			return raw
		}
	}

	if strings.Contains(s, "::vertex") || strings.Contains(s, "::edge") || strings.Contains(s, "::path") {
		s = agtypeAnnotationRe.ReplaceAllString(s, "")
	}

	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// Row is one parsed result row keyed by output column name.
type Row map[string]any

// Str extracts a column as a string, stripping agtype quote wrapping.
func (r Row) Str(col string) string {
	v, ok := r[col]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.Trim(t, `"`)
	default:
		return strings.Trim(fmt.Sprintf("%v", t), `"`)
	}
}

// Float extracts a column as float64, defaulting to 0 on absent or
// unparseable values.
func (r Row) Float(col string) float64 {
	v, ok := r[col]
	if !ok || v == nil {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(strings.Trim(t, `"`), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// Int extracts a column as int64.
func (r Row) Int(col string) int64 {
	return int64(r.Float(col))
}

// Bool extracts a column as bool.
func (r Row) Bool(col string) bool {
	v, ok := r[col]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.Trim(t, `"`) == "true"
	default:
		return false
	}
}

// Vector extracts a column as a float32 embedding vector. Embeddings are
// stored as JSON arrays on node properties.
func (r Row) Vector(col string) []float32 {
	v, ok := r[col]
	if !ok || v == nil {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		// May arrive as an unparsed JSON string.
		s, isStr := v.(string)
		if !isStr {
			return nil
		}
		if err := json.Unmarshal([]byte(s), &list); err != nil {
			return nil
		}
	}
	vec := make([]float32, 0, len(list))
	for _, el := range list {
		f, ok := el.(float64)
		if !ok {
			return nil
		}
		vec = append(vec, float32(f))
	}
	return vec
}

// FloatOK extracts a column as float64, reporting whether the column was
// present and non-null.
func (r Row) FloatOK(col string) (float64, bool) {
	v, ok := r[col]
	if !ok || v == nil {
		return 0, false
	}
	return r.Float(col), true
}

// StrSlice extracts a column as a list of strings.
func (r Row) StrSlice(col string) []string {
	v, ok := r[col]
	if !ok || v == nil {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, el := range list {
		if s, isStr := el.(string); isStr {
			out = append(out, strings.Trim(s, `"`))
		}
	}
	return out
}

// Node is a parsed graph vertex.
type Node struct {
	ID         int64
	Label      string
	Properties map[string]any
}

// NodeFrom interprets a parsed agtype value as a vertex. Returns nil when
// the value does not carry the vertex shape.
func NodeFrom(v any) *Node {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	props, _ := m["properties"].(map[string]any)
	label, _ := m["label"].(string)
	id, _ := m["id"].(float64)
	return &Node{ID: int64(id), Label: label, Properties: props}
}
