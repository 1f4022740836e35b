// Package lexical provides BM25L relevance scoring and the auxiliary lexical
// signals (phrase matches, heading overlap, recency, span proximity) blended
// by the hybrid retrieval layer.
package lexical

import (
	"math"
	"strings"
	"time"
)

// Params holds the BM25L tuning parameters.
type Params struct {
	K1    float64
	B     float64
	Delta float64
}

// DefaultParams are conventional BM25L defaults.
var DefaultParams = Params{
	K1:    1.2,
	B:     0.75,
	Delta: 0.5,
}

// IDF computes the smoothed BM25 inverse document frequency for a term.
//
// A term appearing in at least half the corpus has non-positive idf under the
// unsmoothed form and is clamped to exactly 0: such terms contribute nothing,
// never a negative score. In particular df == N always yields 0.
func IDF(totalDocs, docFreq int) float64 {
	if totalDocs <= 0 || docFreq <= 0 {
		return 0
	}
	n := float64(totalDocs)
	df := float64(docFreq)
	ratio := (n - df + 0.5) / (df + 0.5)
	if ratio <= 1 {
		return 0
	}
	return math.Log(1 + ratio)
}

// Score computes the BM25L score of one document against the query terms.
//
// termFreqs holds the document's term frequencies, docFreqs the per-term
// document frequencies over the corpus. Terms absent from either the query or
// the document contribute nothing; a document with no scoring terms scores
// exactly 0. Duplicate query terms are counted once.
func Score(termFreqs map[string]int, docLen int, avgDocLen float64, totalDocs int, docFreqs map[string]int, queryTerms []string, p Params) float64 {
	if totalDocs <= 0 || docLen <= 0 || avgDocLen <= 0 {
		return 0
	}

	lengthNorm := (1 - p.B) + p.B*(float64(docLen)/avgDocLen)

	var score float64
	seen := make(map[string]struct{}, len(queryTerms))
	for _, term := range queryTerms {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}

		tf := termFreqs[term]
		if tf == 0 {
			continue
		}

		idf := IDF(totalDocs, docFreqs[term])
		if idf == 0 {
			continue
		}

		tfNorm := float64(tf)/lengthNorm + p.Delta
		score += idf * ((p.K1 + 1) * tfNorm) / (p.K1 + tfNorm)
	}

	return score
}

// PhraseMatchCount counts non-overlapping case-insensitive occurrences of an
// exact phrase ("anchor quote") in text.
func PhraseMatchCount(text, phrase string) int {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" || text == "" {
		return 0
	}
	return strings.Count(strings.ToLower(text), strings.ToLower(phrase))
}

// HeadingOverlap counts query terms that occur in the heading path.
// Matching is case-insensitive and per unique query term.
func HeadingOverlap(headingPath []string, queryTerms []string) int {
	if len(headingPath) == 0 || len(queryTerms) == 0 {
		return 0
	}

	headingTerms := make(map[string]struct{})
	for _, h := range headingPath {
		for _, tok := range strings.Fields(strings.ToLower(h)) {
			headingTerms[tok] = struct{}{}
		}
	}

	seen := make(map[string]struct{}, len(queryTerms))
	count := 0
	for _, term := range queryTerms {
		term = strings.ToLower(term)
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		if _, ok := headingTerms[term]; ok {
			count++
		}
	}
	return count
}

// ContextBoost returns 1 if ownerID is a member of the explicit context set,
// else 0.
func ContextBoost(ownerID string, contextSet map[string]struct{}) float64 {
	if _, ok := contextSet[ownerID]; ok {
		return 1
	}
	return 0
}

// RecencyBoost returns a time-decay boost for a document of the given age.
//
// The boost halves every halfLife and is floored at 0 once age reaches the
// window. Non-positive half-lives or windows disable the boost.
func RecencyBoost(age, halfLife, window time.Duration) float64 {
	if halfLife <= 0 || window <= 0 {
		return 0
	}
	if age < 0 {
		age = 0
	}
	if age >= window {
		return 0
	}
	return math.Pow(0.5, float64(age)/float64(halfLife))
}
