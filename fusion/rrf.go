// Package fusion combines ranked result lists with reciprocal rank fusion.
package fusion

import (
	"sort"
)

// Ranked is one entry of an input list. Score only establishes the list's
// internal order; it is never combined across lists directly.
type Ranked struct {
	ID    string
	Score float64
}

// List is a labeled ranked list from one retrieval source.
type List struct {
	Label string
	Items []Ranked
}

// Contribution records how one source ranked a fused result, kept for
// explainability.
type Contribution struct {
	Label string
	Rank  int // 1-based rank within the source list
}

// Result is a fused result with its per-source rank contributions.
type Result struct {
	ID            string
	Score         float64
	Contributions []Contribution
}

// Options contains configuration options for Fuse.
type Options struct {
	// K dampens the contribution of deep ranks: each occurrence adds
	// 1/(K+rank). The conventional default is 60.
	K int

	// MaxResults truncates the fused output. Zero means unlimited.
	MaxResults int
}

// DefaultOptions contains the default configuration options for Fuse.
var DefaultOptions = Options{
	K: 60,
}

// WithK sets the rank-dampening constant.
func WithK(k int) func(o *Options) {
	return func(o *Options) {
		if k > 0 {
			o.K = k
		}
	}
}

// WithMaxResults truncates the fused output to at most n results.
func WithMaxResults(n int) func(o *Options) {
	return func(o *Options) {
		o.MaxResults = n
	}
}

// Fuse merges the labeled ranked lists with reciprocal rank fusion.
//
// Within each list ids are deduplicated keeping the first (best) occurrence;
// each occurrence contributes 1/(K+rank) with 1-based ranks, summed across
// lists. Ties are broken stably by first appearance across the inputs.
func Fuse(lists []List, optFns ...func(o *Options)) []Result {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	type fused struct {
		result Result
		order  int // first-appearance index for stable tie-break
	}

	byID := make(map[string]*fused)
	var ids []string

	for _, list := range lists {
		seen := make(map[string]struct{}, len(list.Items))
		rank := 0
		for _, item := range list.Items {
			if _, dup := seen[item.ID]; dup {
				continue
			}
			seen[item.ID] = struct{}{}
			rank++

			f, ok := byID[item.ID]
			if !ok {
				f = &fused{
					result: Result{ID: item.ID},
					order:  len(ids),
				}
				byID[item.ID] = f
				ids = append(ids, item.ID)
			}

			f.result.Score += 1 / float64(opts.K+rank)
			f.result.Contributions = append(f.result.Contributions, Contribution{
				Label: list.Label,
				Rank:  rank,
			})
		}
	}

	results := make([]Result, 0, len(ids))
	orders := make(map[string]int, len(ids))
	for _, id := range ids {
		f := byID[id]
		results = append(results, f.result)
		orders[id] = f.order
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return orders[results[i].ID] < orders[results[j].ID]
	})

	if opts.MaxResults > 0 && len(results) > opts.MaxResults {
		results = results[:opts.MaxResults]
	}

	return results
}
