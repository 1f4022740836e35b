// Package diversity selects non-redundant results with maximal marginal
// relevance over character windows.
package diversity

// Candidate is a scored result covering the half-open window [Start, End)
// of its source document.
type Candidate struct {
	ID        string
	Relevance float64
	Start     int
	End       int
}

// Options contains configuration options for Select.
type Options struct {
	// Lambda trades relevance against diversity: 1 is pure relevance,
	// 0 is pure diversity.
	Lambda float64

	// MaxSelections bounds the number of selected candidates.
	MaxSelections int

	// MaxOverlapRatio, when >= 0, excludes outright any candidate whose
	// window overlap with an already-selected item exceeds it. Negative
	// disables the hard cutoff.
	MaxOverlapRatio float64
}

// DefaultOptions contains the default configuration options for Select.
var DefaultOptions = Options{
	Lambda:          0.7,
	MaxSelections:   10,
	MaxOverlapRatio: -1,
}

// WithLambda sets the relevance/diversity trade-off in [0, 1].
func WithLambda(lambda float64) func(o *Options) {
	return func(o *Options) {
		if lambda < 0 {
			lambda = 0
		} else if lambda > 1 {
			lambda = 1
		}
		o.Lambda = lambda
	}
}

// WithMaxSelections bounds the number of selections.
func WithMaxSelections(n int) func(o *Options) {
	return func(o *Options) {
		o.MaxSelections = n
	}
}

// WithMaxOverlapRatio sets the hard overlap cutoff in [0, 1].
func WithMaxOverlapRatio(ratio float64) func(o *Options) {
	return func(o *Options) {
		o.MaxOverlapRatio = ratio
	}
}

// Overlap returns the window overlap ratio between two candidates:
// intersection length divided by the shorter window's length. This
// normalization is fixed; callers and tests depend on it.
func Overlap(a, b Candidate) float64 {
	interStart := a.Start
	if b.Start > interStart {
		interStart = b.Start
	}
	interEnd := a.End
	if b.End < interEnd {
		interEnd = b.End
	}
	inter := interEnd - interStart
	if inter <= 0 {
		return 0
	}

	lenA := a.End - a.Start
	lenB := b.End - b.Start
	minLen := lenA
	if lenB < minLen {
		minLen = lenB
	}
	if minLen <= 0 {
		return 0
	}

	return float64(inter) / float64(minLen)
}

// Select greedily picks candidates maximizing
// lambda*relevance - (1-lambda)*maxOverlapWithSelected.
//
// A candidate whose overlap with any selected item exceeds MaxOverlapRatio is
// excluded entirely, not merely down-weighted. Ties break by highest
// relevance, then first-seen order. Selection stops at MaxSelections or when
// no eligible candidate remains.
func Select(candidates []Candidate, optFns ...func(o *Options)) []Candidate {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxSelections <= 0 || len(candidates) == 0 {
		return nil
	}

	selected := make([]Candidate, 0, opts.MaxSelections)
	used := make([]bool, len(candidates))

	for len(selected) < opts.MaxSelections {
		bestIdx := -1
		var bestScore, bestRelevance float64

		for i, c := range candidates {
			if used[i] {
				continue
			}

			maxOverlap := 0.0
			for _, s := range selected {
				if ov := Overlap(c, s); ov > maxOverlap {
					maxOverlap = ov
				}
			}

			if opts.MaxOverlapRatio >= 0 && maxOverlap > opts.MaxOverlapRatio {
				used[i] = true // ineligible for all later rounds too
				continue
			}

			score := opts.Lambda*c.Relevance - (1-opts.Lambda)*maxOverlap
			if bestIdx < 0 || score > bestScore ||
				(score == bestScore && c.Relevance > bestRelevance) {
				bestIdx = i
				bestScore = score
				bestRelevance = c.Relevance
			}
		}

		if bestIdx < 0 {
			break
		}

		used[bestIdx] = true
		selected = append(selected, candidates[bestIdx])
	}

	return selected
}
