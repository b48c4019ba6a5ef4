// Package similarity provides vector similarity and ranking utilities.
package similarity

import (
	"math"
	"sort"
)

// CosineSimilarity returns the cosine of the angle between a and b.
// Mismatched lengths, empty vectors and zero vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Candidate is an item that can be ranked against a query vector.
type Candidate struct {
	ID     int64
	Vector []float32
}

// Scored is a ranked candidate.
type Scored struct {
	ID         int64
	Similarity float64
}

// Rank scores candidates against query, keeps those at or above minSimilarity and
// returns at most limit of them, most similar first. Equal scores order by id.
func Rank(query []float32, candidates []Candidate, minSimilarity float64, limit int) []Scored {
	out := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		sim := CosineSimilarity(query, c.Vector)
		if sim >= minSimilarity {
			out = append(out, Scored{ID: c.ID, Similarity: sim})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ID < out[j].ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
