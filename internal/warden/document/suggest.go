package document

// suggest returns the legal key closest to got, or "" when nothing is close
// enough to be a plausible typo.
func suggest(got string, legal []string) string {
	best := ""
	bestDist := maxSuggestDistance + 1
	for _, candidate := range legal {
		if d := levenshtein(got, candidate); d < bestDist {
			best = candidate
			bestDist = d
		}
	}
	if bestDist > maxSuggestDistance {
		return ""
	}
	return best
}

// maxSuggestDistance bounds how different a key may be from a legal one and
// still be reported as a likely misspelling.
const maxSuggestDistance = 3

// levenshtein computes the edit distance between a and b using the
// two-row dynamic-programming formulation.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
