// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package memory

import (
	"math"
	"time"
)

// Retrieval score weights; they sum to 1 so the total stays in [0, 1]
const (
	WeightSimilarity = 0.60
	WeightImportance = 0.15
	WeightRecency    = 0.25
)

// Score is a retrieval score with its weighted-in components
type Score struct {
	Total      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
	Importance float64 `json:"importance"`
	Recency    float64 `json:"recency"`
}

// ComputeScore combines clamped cosine similarity, normalized importance
// and exponential recency decay
func ComputeScore(cosine, importance float64, age time.Duration, importanceScale float64, halfLife time.Duration) Score {
	s := Score{
		Similarity: clamp01(cosine),
		Importance: NormalizeImportance(importance, importanceScale),
		Recency:    RecencyDecay(age, halfLife),
	}
	s.Total = WeightSimilarity*s.Similarity + WeightImportance*s.Importance + WeightRecency*s.Recency
	return s
}

// NormalizeImportance maps importance into [0, 1] by the configured scale
func NormalizeImportance(importance, scale float64) float64 {
	if scale <= 0 {
		return 0
	}
	return clamp01(importance / scale)
}

// RecencyDecay halves every halfLife; future timestamps count as age 0
func RecencyDecay(age, halfLife time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	if halfLife <= 0 {
		return 0
	}
	return math.Pow(0.5, age.Seconds()/halfLife.Seconds())
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// ranked keeps the best k candidates ordered by descending score, smaller id first on ties
type ranked struct {
	k     int
	items []rankedItem
}

type rankedItem struct {
	id    uint
	score Score
}

func (r *ranked) offer(id uint, score Score) {
	pos := len(r.items)
	for i, it := range r.items {
		if score.Total > it.score.Total || (score.Total == it.score.Total && id < it.id) {
			pos = i
			break
		}
	}
	if pos >= r.k {
		return
	}
	r.items = append(r.items, rankedItem{})
	copy(r.items[pos+1:], r.items[pos:])
	r.items[pos] = rankedItem{id: id, score: score}
	if len(r.items) > r.k {
		r.items = r.items[:r.k]
	}
}
