// Package corpus maintains the in-memory flat buffer of all quantized
// vectors and item metadata for one (model, corpus snapshot) pair, and
// serves brute-force top-K search over it.
//
// The cache is hydrated from storage shards, then maintained incrementally
// per owner. Readers always see a complete snapshot; builds and updates
// swap state in atomically.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/semdex/quantization"
	"github.com/hupe1980/semdex/resource"
	"github.com/hupe1980/semdex/shard"
	"github.com/hupe1980/semdex/storage"
	"github.com/hupe1980/semdex/topk"
)

var (
	// ErrNotBuilt is returned by Search before the first successful build.
	ErrNotBuilt = errors.New("corpus: cache not built")

	// ErrMemoryCeiling is returned when the estimated cache size does not
	// fit the configured memory limit. Callers fall back to the probed
	// search path instead of resident caching.
	ErrMemoryCeiling = errors.New("corpus: memory ceiling exceeded")

	// ErrDimMismatch is returned when a query dimension does not match the
	// built cache.
	ErrDimMismatch = errors.New("corpus: dimension mismatch")
)

// itemOverheadBytes approximates the per-item metadata footprint used for
// memory estimates.
const itemOverheadBytes = 160

// memorySafetyMargin pads estimates for allocator and map overhead.
const memorySafetyMargin = 1.15

// EstimateMemory returns the estimated resident bytes of a cache holding
// itemCount quantized vectors of the given dimension.
func EstimateMemory(itemCount, dim int) int64 {
	raw := int64(itemCount) * int64(dim+4+itemOverheadBytes)
	return int64(float64(raw) * memorySafetyMargin)
}

// ProgressFunc reports build progress at coarse granularity.
type ProgressFunc func(processed, total int, stage string)

// Result is one search hit.
type Result struct {
	Score float32
	Meta  shard.MetaRow
}

// Options contains configuration options for a Cache.
type Options struct {
	// Logger is used for build and maintenance diagnostics.
	Logger *slog.Logger

	// Controller enforces memory, worker, and IO limits. Nil disables
	// enforcement.
	Controller *resource.Controller

	// HydrationConcurrency bounds concurrent owner hydration during a
	// build. Defaults to 4.
	HydrationConcurrency int

	// CodecOptions configure the shard codecs used for hydration.
	CodecOptions []func(o *shard.Options)
}

// DefaultOptions contains the default configuration options for a Cache.
var DefaultOptions = Options{
	Logger:               slog.Default(),
	HydrationConcurrency: 4,
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) func(o *Options) {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithController sets the resource controller.
func WithController(c *resource.Controller) func(o *Options) {
	return func(o *Options) {
		o.Controller = c
	}
}

// WithHydrationConcurrency bounds concurrent owner hydration.
func WithHydrationConcurrency(n int) func(o *Options) {
	return func(o *Options) {
		if n > 0 {
			o.HydrationConcurrency = n
		}
	}
}

// WithCodecOptions configures the shard codecs used for hydration.
func WithCodecOptions(optFns ...func(o *shard.Options)) func(o *Options) {
	return func(o *Options) {
		o.CodecOptions = optFns
	}
}

// state is one immutable cache snapshot. Replaced wholesale, never
// mutated in place.
type state struct {
	dim     int
	vectors []int8    // len == len(items)*dim
	scales  []float32 // per item
	items   []shard.MetaRow
}

func (s *state) vector(i int) []int8 {
	return s.vectors[i*s.dim : (i+1)*s.dim]
}

// Cache is the resident corpus cache for one model.
type Cache struct {
	modelID string
	store   storage.Store
	opts    Options

	mu       sync.RWMutex
	state    *state
	reserved int64

	group singleflight.Group
}

// NewCache creates a cache over the given store for one model.
func NewCache(store storage.Store, modelID string, optFns ...func(o *Options)) *Cache {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		modelID: modelID,
		store:   store,
		opts:    opts,
	}
}

// Built reports whether a snapshot is resident.
func (c *Cache) Built() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state != nil
}

// Len returns the number of resident items.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return 0
	}
	return len(c.state.items)
}

// Dim returns the dimension of the resident snapshot, or 0.
func (c *Cache) Dim() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return 0
	}
	return c.state.dim
}

// MemoryEstimate returns the estimated resident bytes of the snapshot.
func (c *Cache) MemoryEstimate() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return 0
	}
	return EstimateMemory(len(c.state.items), c.state.dim)
}

// EnsureBuilt hydrates the cache from storage if needed. Idempotent: a
// snapshot at the same dimension is kept as is, a dimension mismatch
// triggers a rebuild, and concurrent callers share one in-flight build.
func (c *Cache) EnsureBuilt(ctx context.Context, ownerIDs []string, dim int, progress ProgressFunc) error {
	if dim <= 0 {
		return fmt.Errorf("corpus: invalid dimension %d", dim)
	}

	c.mu.RLock()
	ready := c.state != nil && c.state.dim == dim
	c.mu.RUnlock()
	if ready {
		return nil
	}

	ch := c.group.DoChan("build", func() (any, error) {
		// Recheck under the flight: a previous waiter may have built it.
		c.mu.RLock()
		ready := c.state != nil && c.state.dim == dim
		c.mu.RUnlock()
		if ready {
			return nil, nil
		}
		return nil, c.build(ctx, ownerIDs, dim, progress)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// build hydrates all candidate owners and swaps the snapshot in.
func (c *Cache) build(ctx context.Context, ownerIDs []string, dim int, progress ProgressFunc) error {
	ctrl := c.opts.Controller

	// Phase 1: collect owner metadata to size the buffer before paying for
	// shard reads.
	metas := make([]*storage.OwnerMeta, len(ownerIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.HydrationConcurrency)
	for i, ownerID := range ownerIDs {
		g.Go(func() error {
			meta, err := c.store.GetMeta(gctx, c.modelID, ownerID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					c.opts.Logger.Debug("owner has no index metadata", slog.String("owner", ownerID))
					return nil
				}
				return err
			}
			metas[i] = meta
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	totalRows := 0
	for _, meta := range metas {
		if meta != nil && meta.Dim == dim {
			totalRows += meta.RowCount
		}
	}

	estimate := EstimateMemory(totalRows, dim)
	if ctrl != nil && !ctrl.TryAcquireMemory(estimate) {
		return fmt.Errorf("%w: estimated %d bytes", ErrMemoryCeiling, estimate)
	}
	if frac := ctrl.UsageFraction(); frac > resource.WarnFraction {
		c.opts.Logger.Warn("cache memory usage near ceiling",
			slog.String("model", c.modelID),
			slog.Float64("usage_fraction", frac))
	}

	// Phase 2: hydrate shards. Each worker owns a codec; codecs reuse
	// scratch buffers and are not concurrent-safe.
	next := &state{
		dim:     dim,
		vectors: make([]int8, 0, totalRows*dim),
		scales:  make([]float32, 0, totalRows),
		items:   make([]shard.MetaRow, 0, totalRows),
	}

	var (
		appendMu  sync.Mutex
		processed atomic.Int64
	)
	total := len(ownerIDs)
	step := total / 20
	if step < 1 {
		step = 1
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(c.opts.HydrationConcurrency)
	for i, ownerID := range ownerIDs {
		g.Go(func() error {
			defer func() {
				n := int(processed.Add(1))
				if progress != nil && (n%step == 0 || n == total) {
					progress(n, total, "hydrate")
				}
			}()

			meta := metas[i]
			if meta == nil {
				return nil
			}
			if meta.Dim != dim {
				c.opts.Logger.Warn("skipping owner with mismatched dimension",
					slog.String("owner", ownerID),
					slog.Int("dim", meta.Dim),
					slog.Int("want", dim))
				return nil
			}

			codec := shard.New(c.opts.CodecOptions...)
			vectors, scales, items, err := c.hydrateOwner(gctx, codec, meta)
			if err != nil {
				return err
			}

			appendMu.Lock()
			next.vectors = append(next.vectors, vectors...)
			next.scales = append(next.scales, scales...)
			next.items = append(next.items, items...)
			appendMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		ctrl.ReleaseMemory(estimate)
		return err
	}

	c.mu.Lock()
	old := c.reserved
	c.state = next
	c.reserved = estimate
	c.mu.Unlock()
	ctrl.ReleaseMemory(old)

	c.opts.Logger.Info("corpus cache built",
		slog.String("model", c.modelID),
		slog.Int("owners", total),
		slog.Int("items", len(next.items)),
		slog.Int("dim", dim))
	return nil
}

// hydrateOwner decodes all current shards of one owner, dropping stale
// epochs and dimension mismatches.
func (c *Cache) hydrateOwner(ctx context.Context, codec *shard.Codec, meta *storage.OwnerMeta) ([]int8, []float32, []shard.MetaRow, error) {
	ctrl := c.opts.Controller
	if err := ctrl.AcquireHydration(ctx); err != nil {
		return nil, nil, nil, err
	}
	defer ctrl.ReleaseHydration()

	var (
		vectors []int8
		scales  []float32
		items   []shard.MetaRow
	)
	for i := 0; i < meta.ShardCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, nil, err
		}

		data, err := c.store.GetShard(ctx, meta.ModelID, meta.OwnerID, i)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.opts.Logger.Debug("shard missing, owner needs re-index",
					slog.String("owner", meta.OwnerID),
					slog.Int("shard", i))
				continue
			}
			return nil, nil, nil, err
		}
		if err := ctrl.AcquireIO(ctx, len(data)); err != nil {
			return nil, nil, nil, err
		}

		sh, err := codec.Decode(data)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("corpus: decode shard %d of %q: %w", i, meta.OwnerID, err)
		}
		if sh.Epoch != meta.Epoch {
			c.opts.Logger.Debug("ignoring stale shard",
				slog.String("owner", meta.OwnerID),
				slog.Uint64("shard_epoch", sh.Epoch),
				slog.Uint64("meta_epoch", meta.Epoch))
			continue
		}
		if sh.Dim != meta.Dim {
			c.opts.Logger.Warn("ignoring shard with mismatched dimension",
				slog.String("owner", meta.OwnerID),
				slog.Int("dim", sh.Dim))
			continue
		}

		// Decoded slices alias codec scratch; copy before the next Decode.
		vectors = append(vectors, sh.Vectors...)
		scales = append(scales, sh.Scales...)
		items = append(items, sh.Meta...)
	}
	return vectors, scales, items, nil
}

// Search runs a brute-force cosine scan over the resident snapshot and
// returns up to k results with score >= minScore, descending.
func (c *Cache) Search(query quantization.QuantizedVector, k int, minScore float32) ([]Result, error) {
	return c.search(query, k, minScore, nil)
}

// SearchOwners restricts the scan to items of the given owners. Used by
// the probed path after centroid lookup narrowed the candidate set.
func (c *Cache) SearchOwners(query quantization.QuantizedVector, owners []string, k int, minScore float32) ([]Result, error) {
	allowed := make(map[string]struct{}, len(owners))
	for _, o := range owners {
		allowed[o] = struct{}{}
	}
	return c.search(query, k, minScore, allowed)
}

func (c *Cache) search(query quantization.QuantizedVector, k int, minScore float32, allowed map[string]struct{}) ([]Result, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.state
	if s == nil {
		return nil, ErrNotBuilt
	}
	if len(query.Values) != s.dim {
		return nil, fmt.Errorf("%w: query dim %d, cache dim %d", ErrDimMismatch, len(query.Values), s.dim)
	}

	heap := topk.New[shard.MetaRow](k, topk.WithMinScore(minScore))
	for i := range s.items {
		if allowed != nil {
			if _, ok := allowed[s.items[i].OwnerID]; !ok {
				continue
			}
		}
		score := quantization.CosineSimilarity(query.Values, s.vector(i))
		heap.Push(score, s.items[i])
	}

	ranked := heap.DrainDescending()
	out := make([]Result, len(ranked))
	for i, r := range ranked {
		out[i] = Result{Score: r.Score, Meta: r.Value}
	}
	return out, nil
}

// UpdateOwner applies an owner's new decoded shards incrementally: all
// resident items of the owner are dropped, then the new rows (if any) are
// appended. Nil or empty shards mean the owner was deleted. A no-op when
// the cache was never built.
func (c *Cache) UpdateOwner(ownerID string, shards []*shard.Shard) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state
	if s == nil {
		return nil
	}

	next := &state{
		dim:     s.dim,
		vectors: make([]int8, 0, len(s.vectors)),
		scales:  make([]float32, 0, len(s.scales)),
		items:   make([]shard.MetaRow, 0, len(s.items)),
	}
	removed := 0
	for i := range s.items {
		if s.items[i].OwnerID == ownerID {
			removed++
			continue
		}
		next.vectors = append(next.vectors, s.vector(i)...)
		next.scales = append(next.scales, s.scales[i])
		next.items = append(next.items, s.items[i])
	}

	added := 0
	for _, sh := range shards {
		if sh == nil {
			continue
		}
		if sh.Dim != s.dim {
			c.opts.Logger.Warn("ignoring update with mismatched dimension",
				slog.String("owner", ownerID),
				slog.Int("dim", sh.Dim),
				slog.Int("want", s.dim))
			continue
		}
		next.vectors = append(next.vectors, sh.Vectors...)
		next.scales = append(next.scales, sh.Scales...)
		next.items = append(next.items, sh.Meta...)
		added += sh.RowCount
	}

	estimate := EstimateMemory(len(next.items), next.dim)
	if ctrl := c.opts.Controller; ctrl != nil {
		ctrl.ReleaseMemory(c.reserved)
		if ctrl.TryAcquireMemory(estimate) {
			c.reserved = estimate
		} else {
			// The data is already resident; reservation failure only means
			// accounting is over the ceiling. Keep serving, loudly.
			c.reserved = 0
			c.opts.Logger.Warn("cache over memory ceiling after update",
				slog.String("model", c.modelID),
				slog.Int64("estimate", estimate))
		}
	}

	c.state = next
	c.opts.Logger.Debug("owner updated in corpus cache",
		slog.String("owner", ownerID),
		slog.Int("removed", removed),
		slog.Int("added", added))
	return nil
}

// ForEachDequantized calls fn with each resident item's owner id and
// dequantized vector until fn returns false. The vector slice is reused
// across calls; copy it to retain. Used for centroid training and
// assignment, which need float vectors.
func (c *Cache) ForEachDequantized(fn func(ownerID string, vec []float32) bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.state
	if s == nil {
		return
	}

	vec := make([]float32, s.dim)
	for i := range s.items {
		row := s.vector(i)
		scale := s.scales[i]
		for j, code := range row {
			vec[j] = float32(code) * scale
		}
		if !fn(s.items[i].OwnerID, vec) {
			return
		}
	}
}

// Invalidate drops the snapshot; the next EnsureBuilt rebuilds from
// storage.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.Controller != nil {
		c.opts.Controller.ReleaseMemory(c.reserved)
	}
	c.reserved = 0
	c.state = nil
}
