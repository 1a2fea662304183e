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
	"regexp"
	"strings"

	"github.com/kljensen/snowball"
)

var nonIdentRe = regexp.MustCompile(`[^A-Z0-9_]+`)

// NormalizeName canonicalizes a relationship type to UPPER_SNAKE:
// "relates to" -> "RELATES_TO".
func NormalizeName(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	name = nonIdentRe.ReplaceAllString(name, "")
	name = strings.Trim(name, "_")
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	return name
}

// Matcher resolves extracted relationship types against the registered
// vocabulary by exact name, synonym table, then Porter-stemmed token
// comparison ("SUPPORTING" matches "SUPPORTS").
type Matcher struct {
	byName    map[string]string // normalized name -> canonical name
	bySynonym map[string]string
	byStem    map[string]string
}

// NewMatcher indexes the active vocabulary.
func NewMatcher(types []Type) *Matcher {
	m := &Matcher{
		byName:    make(map[string]string, len(types)),
		bySynonym: map[string]string{},
		byStem:    map[string]string{},
	}
	for _, t := range types {
		if !t.IsActive {
			continue
		}
		name := NormalizeName(t.Name)
		m.byName[name] = t.Name
		if stem := stemKey(name); stem != "" {
			// First registrant wins on stem collisions.
			if _, taken := m.byStem[stem]; !taken {
				m.byStem[stem] = t.Name
			}
		}
		for _, syn := range t.Synonyms {
			m.bySynonym[NormalizeName(syn)] = t.Name
		}
	}
	return m
}

// Match resolves a raw type to a registered canonical name. The boolean
// reports success; on failure the caller registers the type as new.
func (m *Matcher) Match(raw string) (string, bool) {
	name := NormalizeName(raw)
	if name == "" {
		return "", false
	}
	if canonical, ok := m.byName[name]; ok {
		return canonical, true
	}
	if canonical, ok := m.bySynonym[name]; ok {
		return canonical, true
	}
	if canonical, ok := m.byStem[stemKey(name)]; ok {
		return canonical, true
	}
	return "", false
}

// stemKey Porter-stems each underscore-separated token and rejoins them,
// so inflected variants collapse to one key.
func stemKey(name string) string {
	tokens := strings.Split(strings.ToLower(name), "_")
	for i, tok := range tokens {
		stemmed, err := snowball.Stem(tok, "english", false)
		if err == nil && stemmed != "" {
			tokens[i] = stemmed
		}
	}
	return strings.Join(tokens, "_")
}
