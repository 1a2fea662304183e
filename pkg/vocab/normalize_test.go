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

package vocab

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"relates to", "RELATES_TO"},
		{"SUPPORTS", "SUPPORTS"},
		{"  depends-on  ", "DEPENDS_ON"},
		{"is_a", "IS_A"},
		{"has   multiple   spaces", "HAS_MULTIPLE_SPACES"},
		{"weird!chars?", "WEIRDCHARS"},
		{"_leading_trailing_", "LEADING_TRAILING"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeName(tt.in), "input %q", tt.in)
	}
}

func TestMatcher_ExactAndSynonym(t *testing.T) {
	m := NewMatcher([]Type{
		{Name: "SUPPORTS", IsActive: true, Synonyms: []string{"backs up", "UPHOLDS"}},
		{Name: "CONTRADICTS", IsActive: true},
		{Name: "DEPRECATED_TYPE", IsActive: false},
	})

	got, ok := m.Match("supports")
	assert.True(t, ok)
	assert.Equal(t, "SUPPORTS", got)

	got, ok = m.Match("BACKS_UP")
	assert.True(t, ok)
	assert.Equal(t, "SUPPORTS", got)

	got, ok = m.Match("upholds")
	assert.True(t, ok)
	assert.Equal(t, "SUPPORTS", got)

	// Inactive types do not match.
	_, ok = m.Match("DEPRECATED_TYPE")
	assert.False(t, ok)

	_, ok = m.Match("UNKNOWN_TYPE")
	assert.False(t, ok)

	_, ok = m.Match("")
	assert.False(t, ok)
}

func TestMatcher_StemmedVariants(t *testing.T) {
	m := NewMatcher([]Type{
		{Name: "SUPPORTS", IsActive: true},
		{Name: "VALIDATES", IsActive: true},
	})

	got, ok := m.Match("SUPPORTING")
	assert.True(t, ok)
	assert.Equal(t, "SUPPORTS", got)

	got, ok = m.Match("VALIDATED")
	assert.True(t, ok)
	assert.Equal(t, "VALIDATES", got)
}
