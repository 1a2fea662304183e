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

package main

import (
	"context"
	"testing"

	"github.com/kraklabs/kge/pkg/graph"
	"github.com/kraklabs/kge/pkg/jobs"
)

func TestJobDataHelpers(t *testing.T) {
	// JSONB payloads round-trip with float64 numbers and []any arrays.
	job := &jobs.Job{Data: map[string]any{
		"ontology":   "physics",
		"limit":      float64(50),
		"ontologies": []any{"physics", "chemistry", 7},
	}}

	if got := dataStr(job, "ontology"); got != "physics" {
		t.Errorf("dataStr = %q, want physics", got)
	}
	if got := dataStr(job, "missing"); got != "" {
		t.Errorf("dataStr on missing key = %q, want empty", got)
	}
	if got := dataInt(job, "limit"); got != 50 {
		t.Errorf("dataInt = %d, want 50", got)
	}
	if got := dataInt(job, "ontology"); got != 0 {
		t.Errorf("dataInt on string field = %d, want 0", got)
	}

	got := dataStrSlice(job, "ontologies")
	if len(got) != 2 || got[0] != "physics" || got[1] != "chemistry" {
		t.Errorf("dataStrSlice = %v, want [physics chemistry]", got)
	}
}

type countRows struct {
	rows []graph.Row
}

func (c *countRows) Execute(_ context.Context, _ string, _ map[string]any, _ bool) ([]graph.Row, error) {
	return c.rows, nil
}

func TestGraphConceptCounts(t *testing.T) {
	counts := &graphConceptCounts{graph: &countRows{rows: []graph.Row{
		{"ontology": "physics", "concepts": float64(42)},
		{"ontology": "history", "concepts": float64(3)},
	}}}

	got, err := counts.OntologyConceptCounts(context.Background())
	if err != nil {
		t.Fatalf("OntologyConceptCounts: %v", err)
	}
	if got["physics"] != 42 || got["history"] != 3 {
		t.Errorf("counts = %v", got)
	}
}
