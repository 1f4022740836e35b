package semdex

import (
	"log/slog"
	"time"

	"github.com/hupe1980/semdex/centroid"
	"github.com/hupe1980/semdex/lexical"
	"github.com/hupe1980/semdex/resource"
	"github.com/hupe1980/semdex/shard"
)

type options struct {
	logger               *Logger
	resourceConfig       resource.Config
	codecOptions         []func(*shard.Options)
	hydrationConcurrency int
	queryCacheSize       int
	queryCacheTTL        time.Duration
	lexicalParams        lexical.Params
	tuning               centroid.Tuning
	settingsHash         string
	trainSeed            int64
}

// Option configures Retriever behavior.
type Option func(*options)

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithResourceConfig sets memory, worker, and IO limits for the resident
// caches and background hydration.
func WithResourceConfig(cfg resource.Config) Option {
	return func(o *options) {
		o.resourceConfig = cfg
	}
}

// WithCodecOptions configures the shard codec (compression, byte budget).
func WithCodecOptions(optFns ...func(o *shard.Options)) Option {
	return func(o *options) {
		o.codecOptions = optFns
	}
}

// WithHydrationConcurrency bounds concurrent owner hydration during cache
// builds.
func WithHydrationConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.hydrationConcurrency = n
		}
	}
}

// WithQueryCache sizes the LRU cache of search results. size <= 0
// disables it. Indexing and removal invalidate the cache.
func WithQueryCache(size int, ttl time.Duration) Option {
	return func(o *options) {
		o.queryCacheSize = size
		o.queryCacheTTL = ttl
	}
}

// WithLexicalParams sets the BM25L parameters.
func WithLexicalParams(p lexical.Params) Option {
	return func(o *options) {
		o.lexicalParams = p
	}
}

// WithCentroidTuning clamps the nprobe choice on the probed search path.
func WithCentroidTuning(t centroid.Tuning) Option {
	return func(o *options) {
		o.tuning = t
	}
}

// WithSettingsHash scopes index state to a settings fingerprint; changing
// it forces centroid retraining.
func WithSettingsHash(hash string) Option {
	return func(o *options) {
		o.settingsHash = hash
	}
}

// WithTrainSeed makes centroid training deterministic. Zero keeps random
// seeding.
func WithTrainSeed(seed int64) Option {
	return func(o *options) {
		o.trainSeed = seed
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:               NoopLogger(),
		hydrationConcurrency: 4,
		queryCacheSize:       128,
		queryCacheTTL:        5 * time.Minute,
		lexicalParams:        lexical.DefaultParams,
		tuning:               centroid.DefaultTuning,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// SearchOptions controls one Search call.
type SearchOptions struct {
	// K is the number of results to return. Defaults to 10.
	K int

	// MinScore floors the vector similarity of candidates.
	MinScore float32

	// Lambda balances relevance against diversity in MMR selection.
	Lambda float64

	// MaxOverlapRatio hard-excludes candidates overlapping an already
	// selected window beyond the ratio. Negative disables.
	MaxOverlapRatio float64

	// RRFK is the reciprocal rank fusion constant.
	RRFK int

	// ContextOwners boosts candidates whose owner is in the set.
	ContextOwners []string
}

// DefaultSearchOptions contains the defaults for Search.
var DefaultSearchOptions = SearchOptions{
	K:               10,
	Lambda:          0.7,
	MaxOverlapRatio: 0.5,
	RRFK:            60,
}

// WithK sets the number of results.
func WithK(k int) func(o *SearchOptions) {
	return func(o *SearchOptions) {
		o.K = k
	}
}

// WithMinScore floors vector similarity.
func WithMinScore(min float32) func(o *SearchOptions) {
	return func(o *SearchOptions) {
		o.MinScore = min
	}
}

// WithLambda sets the MMR relevance/diversity balance.
func WithLambda(lambda float64) func(o *SearchOptions) {
	return func(o *SearchOptions) {
		o.Lambda = lambda
	}
}

// WithMaxOverlapRatio sets the hard MMR overlap exclusion.
func WithMaxOverlapRatio(ratio float64) func(o *SearchOptions) {
	return func(o *SearchOptions) {
		o.MaxOverlapRatio = ratio
	}
}

// WithRRFK sets the rank fusion constant.
func WithRRFK(k int) func(o *SearchOptions) {
	return func(o *SearchOptions) {
		if k > 0 {
			o.RRFK = k
		}
	}
}

// WithContextOwners boosts results from the given owners.
func WithContextOwners(owners ...string) func(o *SearchOptions) {
	return func(o *SearchOptions) {
		o.ContextOwners = owners
	}
}
