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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiteral_Strings(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "hello", "'hello'"},
		{"single quote", "it's", `'it\'s'`},
		{"backslash", `a\b`, `'a\\b'`},
		// Backslashes must double before quote escaping, or the escape
		// of the quote itself gets mangled.
		{"backslash then quote", `a\'b`, `'a\\\'b'`},
		{"dollar quoted", "$$drop$$", "'$$drop$$'"},
		{"empty", "", "''"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Literal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLiteral_Scalars(t *testing.T) {
	got, err := Literal(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", got)

	got, err = Literal(true)
	require.NoError(t, err)
	assert.Equal(t, "true", got)

	got, err = Literal(42)
	require.NoError(t, err)
	assert.Equal(t, "42", got)

	got, err = Literal(0.85)
	require.NoError(t, err)
	assert.Equal(t, "0.85", got)
}

func TestLiteral_Lists(t *testing.T) {
	got, err := Literal([]string{"a", "b's"})
	require.NoError(t, err)
	// JSON-encoded, then escaped for embedding in the Cypher text.
	assert.Contains(t, got, "a")
	assert.Contains(t, got, `b\'s`)
	assert.True(t, strings.HasPrefix(got, "["))

	vec, err := Literal([]float32{0.1, 0.25})
	require.NoError(t, err)
	assert.Equal(t, "[0.1,0.25]", vec)
}

func TestLiteral_Maps(t *testing.T) {
	got, err := Literal(map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Contains(t, got, `"k"`)
	assert.Contains(t, got, `"v"`)
}

func TestSubstitute(t *testing.T) {
	query := "MATCH (c:Concept {concept_id: $id}) SET c.label = $label RETURN c"
	out, err := Substitute(query, map[string]any{
		"id":    "c_123",
		"label": "O'Brien",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "'c_123'")
	assert.Contains(t, out, `'O\'Brien'`)
	assert.NotContains(t, out, "$id")
	assert.NotContains(t, out, "$label")
}

func TestSubstitute_LongestKeyFirst(t *testing.T) {
	// $id must not partially consume $id_long.
	query := "MATCH (a {x: $id}) MATCH (b {y: $id_long}) RETURN a"
	out, err := Substitute(query, map[string]any{
		"id":      "short",
		"id_long": "long",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "'short'")
	assert.Contains(t, out, "'long'")
	assert.NotContains(t, out, "'short'_long")
}

func TestSubstitute_NoParams(t *testing.T) {
	query := "MATCH (c:Concept) RETURN c"
	out, err := Substitute(query, nil)
	require.NoError(t, err)
	assert.Equal(t, query, out)
}
