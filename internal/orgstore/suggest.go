package orgstore

import (
	"strings"

	"github.com/agext/levenshtein"
)

// suggestThreshold is the minimum normalized similarity for a candidate to be
// offered as a "did you mean" hint.
const suggestThreshold = 0.5

// Closest returns the known org name most similar to name, or empty when no
// candidate scores above the threshold.
func Closest(name string, candidates []string) string {
	nameLower := strings.ToLower(name)

	best := ""
	bestScore := 0.0
	for _, cand := range candidates {
		candLower := strings.ToLower(cand)
		if candLower == nameLower {
			return cand
		}

		score := 0.0
		if strings.Contains(candLower, nameLower) || strings.Contains(nameLower, candLower) {
			score = 0.9
		} else {
			dist := levenshtein.Distance(nameLower, candLower, nil)
			maxLen := float64(len(nameLower))
			if len(candLower) > int(maxLen) {
				maxLen = float64(len(candLower))
			}
			if maxLen > 0 {
				score = 1.0 - float64(dist)/maxLen
			}
		}
		if score > bestScore {
			bestScore = score
			best = cand
		}
	}

	if bestScore < suggestThreshold {
		return ""
	}
	return best
}
