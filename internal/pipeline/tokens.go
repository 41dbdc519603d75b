package pipeline

import "strings"

// estimateTokens is a deterministic token heuristic: one token per word
// plus one per non-ASCII rune so CJK text is not undercounted.
func estimateTokens(text string) int {
	count := 0
	for _, r := range text {
		if r > 127 {
			count++
		}
	}
	count += len(strings.Fields(text))
	if count == 0 && len(text) > 0 {
		return 1
	}
	return count
}
