package match

import "strings"

// maxEditDistance is the edit-distance bound for single-word fuzzy matches.
const maxEditDistance = 2

// tokenOverlapThreshold is the minimum shared-token ratio for multi-word
// labels, where edit distance is a poor signal.
const tokenOverlapThreshold = 0.6

// LevenshteinDistance computes the standard edit distance between a and b.
// Symmetric; zero iff the strings are equal.
func LevenshteinDistance(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := 0; j <= len(rb); j++ {
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

// FuzzyMatch reports whether two labels refer to the same entity, comparing
// case/whitespace-insensitively. Single-word labels match within a small edit
// distance; multi-word labels match on token overlap.
func FuzzyMatch(a, b string) bool {
	na := Normalize(a)
	nb := Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}

	tokensA := strings.Fields(na)
	tokensB := strings.Fields(nb)

	if len(tokensA) == 1 && len(tokensB) == 1 {
		dist := LevenshteinDistance(na, nb)
		if dist > maxEditDistance {
			return false
		}
		// Short words carry little signal, so the bound tightens with length.
		shorter := len(na)
		if len(nb) < shorter {
			shorter = len(nb)
		}
		switch {
		case shorter < 3:
			return dist == 0
		case shorter <= 4:
			return dist <= 1
		default:
			return true
		}
	}

	return tokenOverlap(tokensA, tokensB) >= tokenOverlapThreshold
}

// tokenOverlap returns the ratio of shared tokens to the smaller token count.
func tokenOverlap(a, b []string) float64 {
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	shared := 0
	for _, t := range b {
		if set[t] {
			shared++
		}
	}
	denom := len(a)
	if len(b) < denom {
		denom = len(b)
	}
	if denom == 0 {
		return 0
	}
	return float64(shared) / float64(denom)
}
