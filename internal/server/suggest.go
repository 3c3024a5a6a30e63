package server

import "sort"

// closeMatches ranks candidates by similarity to word and returns up to n
// of them scoring at least cutoff, best first. Ties keep candidate order.
func closeMatches(word string, candidates []string, n int, cutoff float64) []string {
	type scored struct {
		value string
		score float64
	}
	var kept []scored
	for _, candidate := range candidates {
		if score := similarity(word, candidate); score >= cutoff {
			kept = append(kept, scored{candidate, score})
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].score > kept[j].score })
	if len(kept) > n {
		kept = kept[:n]
	}
	out := make([]string, len(kept))
	for i, match := range kept {
		out[i] = match.value
	}
	return out
}

// similarity is the Ratcliff-Obershelp ratio: twice the matched character
// count over the combined length.
func similarity(a, b string) float64 {
	if len(a)+len(b) == 0 {
		return 0
	}
	return 2 * float64(matchedChars(a, b)) / float64(len(a)+len(b))
}

// matchedChars counts the longest common substring plus whatever matches
// recursively on either side of it.
func matchedChars(a, b string) int {
	ai, bi, size := longestCommonSubstring(a, b)
	if size == 0 {
		return 0
	}
	return size + matchedChars(a[:ai], b[:bi]) + matchedChars(a[ai+size:], b[bi+size:])
}

// longestCommonSubstring returns the start offsets and length of the
// earliest longest run of equal bytes.
func longestCommonSubstring(a, b string) (int, int, int) {
	bestA, bestB, bestSize := 0, 0, 0
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] != b[j-1] {
				curr[j] = 0
				continue
			}
			curr[j] = prev[j-1] + 1
			if curr[j] > bestSize {
				bestSize = curr[j]
				bestA = i - curr[j]
				bestB = j - curr[j]
			}
		}
		prev, curr = curr, prev
		for j := range curr {
			curr[j] = 0
		}
	}
	return bestA, bestB, bestSize
}
