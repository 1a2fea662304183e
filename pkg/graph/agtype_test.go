// Copyright 2025 KrakLabs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAgtype_Vertex(t *testing.T) {
	raw := `{"id": 844424930131969, "label": "Concept", "properties": {"concept_id": "c_1", "label": "gravity"}}::vertex`
	v := ParseAgtype(raw)
	node := NodeFrom(v)
	require.NotNil(t, node)
	assert.Equal(t, "Concept", node.Label)
	assert.Equal(t, "c_1", node.Properties["concept_id"])
}

func TestParseAgtype_Scalars(t *testing.T) {
	assert.Equal(t, float64(42), ParseAgtype("42"))
	assert.Equal(t, true, ParseAgtype("true"))
	assert.Equal(t, nil, ParseAgtype(nil))
	// JSON string with quotes unwraps to a Go string value.
	assert.Equal(t, "hello", ParseAgtype(`"hello"`))
}

func TestParseAgtype_List(t *testing.T) {
	v := ParseAgtype(`[0.1, 0.2, 0.3]`)
	list, ok := v.([]any)
	require.True(t, ok)
	assert.Len(t, list, 3)
}

func TestParseAgtype_PathAnnotations(t *testing.T) {
	raw := `[{"id": 1, "label": "Concept", "properties": {}}::vertex, {"id": 2, "label": "APPEARS", "end_id": 3, "start_id": 1, "properties": {}}::edge, {"id": 3, "label": "Source", "properties": {}}::vertex]::path`
	v := ParseAgtype(raw)
	list, ok := v.([]any)
	require.True(t, ok)
	assert.Len(t, list, 3)
}

func TestParseAgtype_NonJSONPassesThrough(t *testing.T) {
	assert.Equal(t, "not json at all {", ParseAgtype("not json at all {"))
}

func TestRowAccessors(t *testing.T) {
	row := Row{
		"name":       `"gravity"`,
		"confidence": float64(0.9),
		"total":      float64(7),
		"active":     true,
		"embedding":  []any{float64(0.1), float64(0.2)},
		"terms":      []any{`"mass"`, "force"},
		"missing":    nil,
	}
	assert.Equal(t, "gravity", row.Str("name"))
	assert.Equal(t, 0.9, row.Float("confidence"))
	assert.Equal(t, int64(7), row.Int("total"))
	assert.True(t, row.Bool("active"))
	assert.Equal(t, []float32{0.1, 0.2}, row.Vector("embedding"))
	assert.Equal(t, []string{"mass", "force"}, row.StrSlice("terms"))
	assert.Equal(t, "", row.Str("missing"))
	assert.Equal(t, "", row.Str("absent"))

	g, ok := row.FloatOK("confidence")
	assert.True(t, ok)
	assert.Equal(t, 0.9, g)
	_, ok = row.FloatOK("missing")
	assert.False(t, ok)
}
