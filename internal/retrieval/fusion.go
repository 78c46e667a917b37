// Package retrieval runs hybrid dense and sparse searches and merges them with
// Reciprocal Rank Fusion.
package retrieval

import (
	"sort"

	"docchat/internal/domain"
)

// DefaultRankConstant is the usual RRF damping constant.
const DefaultRankConstant = 60

// Fuse merges ranked lists with Reciprocal Rank Fusion. A candidate scores
// the sum of 1/(rankConstant+rank) over every list it appears in, with ranks
// starting at 1. The result is ordered by fused score descending and then by
// id so that ties are deterministic. The first occurrence of a candidate
// supplies its content and metadata.
func Fuse(rankConstant int, lists ...[]domain.Candidate) []domain.Candidate {
	if rankConstant <= 0 {
		rankConstant = DefaultRankConstant
	}

	scores := make(map[string]float64)
	first := make(map[string]domain.Candidate)
	var order []string
	for _, list := range lists {
		seen := make(map[string]bool, len(list))
		for rank, c := range list {
			// A duplicate inside one list only counts at its best rank.
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			scores[c.ID] += 1 / float64(rankConstant+rank+1)
			if _, ok := first[c.ID]; !ok {
				first[c.ID] = c
				order = append(order, c.ID)
			}
		}
	}

	fused := make([]domain.Candidate, 0, len(order))
	for _, id := range order {
		c := first[id]
		c.Score = scores[id]
		fused = append(fused, c)
	}
	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].ID < fused[j].ID
	})
	return fused
}
