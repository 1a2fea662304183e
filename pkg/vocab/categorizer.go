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
	"fmt"
	"math"
	"sort"
)

// ambiguityMargin: when the top two category scores are closer than this,
// the assignment is flagged ambiguous.
const ambiguityMargin = 0.10

// Categorization is the probabilistic category assignment for one type.
type Categorization struct {
	Category   string
	Confidence float64
	Scores     map[string]float64
	Ambiguous  bool
	Source     string // always "computed"
}

// Categorize assigns a type embedding to the most similar category.
// Cosine similarities against each category embedding are softmax
// normalized into a distribution; the argmax wins.
func Categorize(embedding []float32, categories map[string][]float32) (*Categorization, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("cannot categorize: type has no embedding")
	}
	if len(categories) == 0 {
		return nil, fmt.Errorf("cannot categorize: no category embeddings available")
	}

	names := make([]string, 0, len(categories))
	sims := make([]float64, 0, len(categories))
	for name, catEmb := range categories {
		names = append(names, name)
		sims = append(sims, cosine(embedding, catEmb))
	}

	scores := softmax(sims)
	result := &Categorization{
		Scores: make(map[string]float64, len(names)),
		Source: "computed",
	}
	for i, name := range names {
		result.Scores[name] = scores[i]
	}

	ordered := make([]float64, len(scores))
	copy(ordered, scores)
	sort.Sort(sort.Reverse(sort.Float64Slice(ordered)))

	best := ordered[0]
	for i, name := range names {
		if scores[i] == best {
			result.Category = name
			break
		}
	}
	result.Confidence = best
	if len(ordered) > 1 {
		result.Ambiguous = best-ordered[1] < ambiguityMargin
	}
	return result, nil
}

// CategoryEmbeddings computes each category's embedding as the mean of its
// member type embeddings. Categories with no embedded members are omitted.
func CategoryEmbeddings(membersByCategory map[string][][]float32) map[string][]float32 {
	out := make(map[string][]float32, len(membersByCategory))
	for category, members := range membersByCategory {
		var mean []float32
		count := 0
		for _, emb := range members {
			if len(emb) == 0 {
				continue
			}
			if mean == nil {
				mean = make([]float32, len(emb))
			}
			if len(emb) != len(mean) {
				continue
			}
			for i, v := range emb {
				mean[i] += v
			}
			count++
		}
		if count == 0 {
			continue
		}
		for i := range mean {
			mean[i] /= float32(count)
		}
		out[category] = mean
	}
	return out
}

func softmax(xs []float64) []float64 {
	max := math.Inf(-1)
	for _, x := range xs {
		if x > max {
			max = x
		}
	}
	var sum float64
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = math.Exp(x - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
