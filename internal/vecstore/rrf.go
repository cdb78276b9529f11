package vecstore

import (
	"sort"

	"github.com/mistakeknot/tldr-swinton/pkg/types"
)

// rrfK is the standard reciprocal rank fusion constant.
const rrfK = 60.0

// fuseRRF combines the dense ranking with a lexical ranking:
// RRF(d) = sum over lists of 1/(k + rank(d)). Lexical hits whose units
// have since been deleted from the vector index are ignored.
func fuseRRF(st *state, dense, lex []types.SearchResult, k int) []types.SearchResult {
	scores := make(map[string]float64, len(dense)+len(lex))
	for _, r := range dense {
		scores[r.UnitID] += 1.0 / (rrfK + float64(r.Rank))
	}
	for _, r := range lex {
		if _, ok := st.units[r.UnitID]; !ok {
			continue
		}
		scores[r.UnitID] += 1.0 / (rrfK + float64(r.Rank))
	}

	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j] // stable order for equal scores
	})
	if k > len(ids) {
		k = len(ids)
	}

	results := make([]types.SearchResult, 0, k)
	for i := 0; i < k; i++ {
		u := st.units[ids[i]]
		results = append(results, types.SearchResult{
			UnitID:   u.ID,
			Rank:     i + 1,
			Score:    scores[ids[i]],
			Name:     u.Name,
			FilePath: u.FilePath,
			Lines:    u.Lines,
		})
	}
	return results
}
