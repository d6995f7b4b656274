// Package refsuggest offers near-miss candidates for dangling references,
// so a finding can say "did you mean" instead of just "not found".
package refsuggest

import (
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// MaxSuggestions caps how many candidates a finding carries.
const MaxSuggestions = 3

// maxDistance rejects candidates further than a third of the key length,
// with a floor of 2 so short keys still get suggestions.
func maxDistance(key string) int {
	d := len(key) / 3
	if d < 2 {
		d = 2
	}
	return d
}

type scored struct {
	key      string
	distance int
}

// Suggest returns up to MaxSuggestions candidates ranked by edit distance,
// closest first. Ties break lexicographically so output is stable.
func Suggest(miss string, candidates []string) []string {
	if miss == "" || len(candidates) == 0 {
		return nil
	}
	limit := maxDistance(miss)
	needle := strings.ToLower(miss)

	ranked := make([]scored, 0, 4)
	for _, candidate := range candidates {
		if candidate == miss {
			continue
		}
		d := fuzzy.LevenshteinDistance(needle, strings.ToLower(candidate))
		if d > limit {
			continue
		}
		ranked = append(ranked, scored{key: candidate, distance: d})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].distance != ranked[j].distance {
			return ranked[i].distance < ranked[j].distance
		}
		return ranked[i].key < ranked[j].key
	})

	n := len(ranked)
	if n > MaxSuggestions {
		n = MaxSuggestions
	}
	out := make([]string, 0, n)
	for _, s := range ranked[:n] {
		out = append(out, s.key)
	}
	return out
}
