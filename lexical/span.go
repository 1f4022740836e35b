package lexical

// SpanProximity scores how tightly the query terms cluster in a token
// sequence.
//
// It finds the minimal token window containing at least one occurrence of
// every hard term, counts the tokens inside that window matching any term of
// interest, and returns matches/windowLength. The score is 0 when any hard
// term is missing from the sequence.
func SpanProximity(tokens []string, hardTerms, allTerms []string) float64 {
	if len(tokens) == 0 || len(hardTerms) == 0 {
		return 0
	}

	hard := make(map[string]struct{}, len(hardTerms))
	for _, t := range hardTerms {
		hard[t] = struct{}{}
	}
	all := make(map[string]struct{}, len(allTerms))
	for _, t := range allTerms {
		all[t] = struct{}{}
	}

	need := len(hard)
	have := 0
	counts := make(map[string]int, need)

	bestStart, bestEnd := -1, -1

	// Classic minimum-window cover: expand right, shrink left while all hard
	// terms remain covered.
	left := 0
	for right, tok := range tokens {
		if _, ok := hard[tok]; ok {
			counts[tok]++
			if counts[tok] == 1 {
				have++
			}
		}

		for have == need {
			if bestStart < 0 || right-left < bestEnd-bestStart {
				bestStart, bestEnd = left, right
			}
			lt := tokens[left]
			if _, ok := hard[lt]; ok {
				counts[lt]--
				if counts[lt] == 0 {
					have--
				}
			}
			left++
		}
	}

	if bestStart < 0 {
		return 0
	}

	windowLen := bestEnd - bestStart + 1
	matches := 0
	for _, tok := range tokens[bestStart : bestEnd+1] {
		if _, ok := all[tok]; ok {
			matches++
		}
	}

	return float64(matches) / float64(windowLen)
}
