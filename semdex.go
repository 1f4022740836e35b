package semdex

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/semdex/cache"
	"github.com/hupe1980/semdex/centroid"
	"github.com/hupe1980/semdex/corpus"
	"github.com/hupe1980/semdex/diversity"
	"github.com/hupe1980/semdex/embedding"
	"github.com/hupe1980/semdex/fusion"
	"github.com/hupe1980/semdex/lexical"
	"github.com/hupe1980/semdex/quantization"
	"github.com/hupe1980/semdex/resource"
	"github.com/hupe1980/semdex/shard"
	"github.com/hupe1980/semdex/storage"
)

// Chunk is one caller-provided document fragment to index. Offsets refer to
// the source document and drive redundancy detection at query time.
type Chunk struct {
	Text         string
	StartOffset  int
	Length       int
	HeadingLevel int
	HeadingTitle string
	LineNumber   int
}

// SearchResult is one fused, diversified hit.
type SearchResult struct {
	OwnerID      string
	Score        float64
	VectorScore  float32
	StartOffset  int
	Length       int
	HeadingLevel int
	HeadingTitle string
	LineNumber   int
	ContentHash  string

	// Contributions records per-source ranks for explainability.
	Contributions []fusion.Contribution
}

// SearchResponse is the outcome of one Search call.
type SearchResponse struct {
	Results []SearchResult

	// Approximate is true when the vector side was probed through the
	// coarse quantizer instead of scanned exhaustively, or when it was
	// skipped entirely because the corpus exceeded the memory ceiling.
	Approximate bool
}

// Stats is a point-in-time snapshot of retriever state.
type Stats struct {
	CacheBuilt             bool
	ResidentItems          int
	MemoryEstimateBytes    int64
	LexicalDocs            int
	CentroidsTrained       bool
	Nlist                  int
	PendingCentroidRefresh bool
	QueryCacheHits         int64
	QueryCacheMisses       int64
}

// Retriever is the hybrid retrieval engine: it indexes chunked documents as
// quantized vector shards plus a lexical index, and answers queries by fusing
// a (possibly centroid-probed) vector scan with BM25L and diversifying the
// fused list with MMR.
//
// A Retriever serves exactly one embedding model; all persisted state is
// scoped to the embedder's model id.
type Retriever struct {
	store    storage.Store
	embedder embedding.Embedder
	opts     options
	logger   *Logger
	ctrl     *resource.Controller
	modelID  string

	cache      *corpus.Cache
	lexical    *lexical.MemoryIndex
	queryCache *cache.LRU[string, *SearchResponse]

	mu              sync.Mutex
	closed          bool
	cset            *centroid.Set
	cindex          *centroid.Index
	centroidsLoaded bool
	items           map[string]shard.MetaRow
	ownerItems      map[string][]string
	watermark       time.Time
}

// New creates a Retriever over the given store and embedder.
func New(store storage.Store, embedder embedding.Embedder, optFns ...Option) (*Retriever, error) {
	if store == nil {
		return nil, errors.New("semdex: nil store")
	}
	if embedder == nil {
		return nil, errors.New("semdex: nil embedder")
	}
	if embedder.Dim() <= 0 {
		return nil, fmt.Errorf("semdex: invalid embedder dimension %d", embedder.Dim())
	}
	if embedder.ModelID() == "" {
		return nil, errors.New("semdex: empty embedder model id")
	}

	opts := applyOptions(optFns)

	var ctrl *resource.Controller
	if opts.resourceConfig != (resource.Config{}) {
		ctrl = resource.NewController(opts.resourceConfig)
	}

	r := &Retriever{
		store:      store,
		embedder:   embedder,
		opts:       opts,
		logger:     opts.logger,
		ctrl:       ctrl,
		modelID:    embedder.ModelID(),
		lexical:    lexical.NewMemoryIndex(opts.lexicalParams),
		cindex:     centroid.NewIndex(),
		items:      make(map[string]shard.MetaRow),
		ownerItems: make(map[string][]string),
	}

	r.cache = corpus.NewCache(store, r.modelID,
		corpus.WithLogger(opts.logger.Logger),
		corpus.WithController(ctrl),
		corpus.WithHydrationConcurrency(opts.hydrationConcurrency),
		corpus.WithCodecOptions(opts.codecOptions...),
	)

	if opts.queryCacheSize > 0 {
		r.queryCache = cache.New[string, *SearchResponse](opts.queryCacheSize,
			cache.WithEntryTTL(opts.queryCacheTTL))
	}

	return r, nil
}

// IndexDocument embeds and indexes the chunks of one document, replacing any
// previous version of the owner. The commit is epoch-monotonic: concurrent
// writers lose to a higher epoch rather than corrupting state.
func (r *Retriever) IndexDocument(ctx context.Context, ownerID, contentHash string, chunks []Chunk) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if ownerID == "" {
		return errors.New("semdex: empty owner id")
	}
	if len(chunks) == 0 {
		return ErrNoChunks
	}

	dim := r.embedder.Dim()
	vectors := make([][]float32, len(chunks))
	for i, ch := range chunks {
		vec, err := r.embedder.Embed(ctx, ch.Text)
		if err != nil {
			r.logger.LogIndex(ctx, ownerID, len(chunks), 0, err)
			return fmt.Errorf("semdex: embed chunk %d: %w", i, err)
		}
		if len(vec) != dim {
			err := &ErrDimensionMismatch{Expected: dim, Actual: len(vec)}
			r.logger.LogIndex(ctx, ownerID, len(chunks), 0, err)
			return err
		}
		vectors[i] = vec
	}

	epoch := uint64(1)
	prev, err := r.store.GetMeta(ctx, r.modelID, ownerID)
	switch {
	case err == nil:
		epoch = prev.Epoch + 1
	case errors.Is(err, storage.ErrNotFound):
	default:
		return fmt.Errorf("semdex: load owner meta: %w", err)
	}

	batch := quantization.Quantize(vectors)
	meta := make([]shard.MetaRow, len(chunks))
	for i, ch := range chunks {
		length := ch.Length
		if length <= 0 {
			length = len(ch.Text)
		}
		meta[i] = shard.MetaRow{
			OwnerID:      ownerID,
			ContentHash:  contentHash,
			StartOffset:  ch.StartOffset,
			Length:       length,
			HeadingLevel: ch.HeadingLevel,
			HeadingTitle: ch.HeadingTitle,
			LineNumber:   ch.LineNumber,
		}
	}

	codec := shard.New(r.opts.codecOptions...)
	blobs, err := codec.Encode(epoch, batch, meta)
	if err != nil {
		r.logger.LogIndex(ctx, ownerID, len(chunks), epoch, err)
		return fmt.Errorf("semdex: encode shards: %w", err)
	}

	ownerMeta := &storage.OwnerMeta{
		SchemaVersion: storage.SchemaVersion,
		OwnerID:       ownerID,
		ModelID:       r.modelID,
		ContentHash:   contentHash,
		Epoch:         epoch,
		ShardCount:    len(blobs),
		RowCount:      len(chunks),
		Dim:           dim,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := r.store.PutOwner(ctx, ownerMeta, blobs); err != nil {
		r.logger.LogIndex(ctx, ownerID, len(chunks), epoch, err)
		if errors.Is(err, storage.ErrStaleEpoch) {
			return fmt.Errorf("semdex: owner %q was reindexed concurrently: %w", ownerID, err)
		}
		return fmt.Errorf("semdex: commit owner: %w", err)
	}

	decoded := &shard.Shard{
		Epoch:    epoch,
		Dim:      dim,
		RowCount: len(chunks),
		Vectors:  batch.Values,
		Scales:   batch.Scales,
		Meta:     meta,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cache.Built() {
		if err := r.cache.UpdateOwner(ownerID, []*shard.Shard{decoded}); err != nil {
			r.logger.WarnContext(ctx, "resident cache update failed",
				"owner", ownerID, "error", err)
		}
	}

	r.ensureCentroidsLoadedLocked(ctx)
	if r.cset != nil {
		r.cindex.UpdateOwner(ownerID, r.cset.Assign(vectors))
	}
	r.maybeRefreshCentroidsLocked(ctx)

	r.replaceLexicalLocked(ownerID, chunks, meta)

	if ownerMeta.UpdatedAt.After(r.watermark) {
		r.watermark = ownerMeta.UpdatedAt
	}
	if r.queryCache != nil {
		r.queryCache.Clear()
	}

	r.logger.LogIndex(ctx, ownerID, len(chunks), epoch, nil)
	return nil
}

// RemoveDocument deletes an owner from storage and all resident state.
// Removing an unknown owner is a no-op.
func (r *Retriever) RemoveDocument(ctx context.Context, ownerID string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if ownerID == "" {
		return errors.New("semdex: empty owner id")
	}

	if err := r.store.DeleteOwner(ctx, r.modelID, ownerID); err != nil {
		r.logger.LogRemove(ctx, ownerID, err)
		return fmt.Errorf("semdex: delete owner: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cache.Built() {
		if err := r.cache.UpdateOwner(ownerID, nil); err != nil {
			r.logger.WarnContext(ctx, "resident cache removal failed",
				"owner", ownerID, "error", err)
		}
	}
	r.cindex.RemoveOwner(ownerID)
	r.removeLexicalLocked(ownerID)
	r.maybeRefreshCentroidsLocked(ctx)

	if r.queryCache != nil {
		r.queryCache.Clear()
	}

	r.logger.LogRemove(ctx, ownerID, nil)
	return nil
}

// Search answers a natural-language query with hybrid retrieval: a vector
// scan (centroid-probed once the corpus is large enough) fused with BM25L
// lexical scores via reciprocal rank fusion, then diversified with MMR over
// source-document character windows.
//
// When the corpus exceeds the configured memory ceiling the vector side is
// skipped and the response is served lexical-only with Approximate set.
func (r *Retriever) Search(ctx context.Context, query string, optFns ...func(o *SearchOptions)) (*SearchResponse, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	opts := DefaultSearchOptions
	for _, fn := range optFns {
		if fn != nil {
			fn(&opts)
		}
	}
	if opts.K <= 0 {
		return nil, ErrInvalidK
	}

	key := searchCacheKey(query, opts)
	if r.queryCache != nil {
		if resp, ok := r.queryCache.Get(key); ok {
			return resp, nil
		}
	}

	qvec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.LogSearch(ctx, opts.K, 0, false, err)
		return nil, fmt.Errorf("semdex: embed query: %w", err)
	}
	if len(qvec) != r.embedder.Dim() {
		return nil, &ErrDimensionMismatch{Expected: r.embedder.Dim(), Actual: len(qvec)}
	}

	poolSize := opts.K * 4
	if poolSize < 20 {
		poolSize = 20
	}

	approximate := false
	vecResults, probed, err := r.vectorSearch(ctx, qvec, opts, poolSize)
	switch {
	case err == nil:
		approximate = probed
	case errors.Is(err, corpus.ErrMemoryCeiling):
		r.logger.WarnContext(ctx, "corpus over memory ceiling, serving lexical only")
		vecResults = nil
		approximate = true
	default:
		r.logger.LogSearch(ctx, opts.K, 0, probed, err)
		return nil, err
	}

	lexResults := r.lexical.Search(query)
	if len(lexResults) > poolSize {
		lexResults = lexResults[:poolSize]
	}

	vecMeta := make(map[string]shard.MetaRow, len(vecResults))
	vecScore := make(map[string]float32, len(vecResults))
	var lists []fusion.List

	if len(vecResults) > 0 {
		items := make([]fusion.Ranked, 0, len(vecResults))
		for _, res := range vecResults {
			id := itemID(res.Meta.OwnerID, res.Meta.StartOffset)
			if _, dup := vecMeta[id]; dup {
				continue
			}
			vecMeta[id] = res.Meta
			vecScore[id] = res.Score
			items = append(items, fusion.Ranked{ID: id, Score: float64(res.Score)})
		}
		lists = append(lists, fusion.List{Label: "vector", Items: items})
	}
	if len(lexResults) > 0 {
		items := make([]fusion.Ranked, 0, len(lexResults))
		for _, res := range lexResults {
			items = append(items, fusion.Ranked{ID: res.DocID, Score: res.Score})
		}
		lists = append(lists, fusion.List{Label: "lexical", Items: items})
	}

	fused := fusion.Fuse(lists, fusion.WithK(opts.RRFK), fusion.WithMaxResults(poolSize))
	r.applyLexicalBoosts(fused, query, opts, vecMeta)

	results := r.diversify(fused, opts, vecMeta, vecScore)

	resp := &SearchResponse{Results: results, Approximate: approximate}
	if r.queryCache != nil {
		r.queryCache.Set(key, resp)
	}

	r.logger.LogSearch(ctx, opts.K, len(results), probed, nil)
	return resp, nil
}

// Warm hydrates the resident cache and loads persisted centroids ahead of
// the first query. progress may be nil.
func (r *Retriever) Warm(ctx context.Context, progress corpus.ProgressFunc) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	owners, err := r.listAllOwners(ctx)
	if err != nil {
		return err
	}
	if len(owners) == 0 {
		return nil
	}

	if err := r.cache.EnsureBuilt(ctx, owners, r.embedder.Dim(), progress); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureCentroidsLoadedLocked(ctx)
	if r.cset != nil && r.cindex.OwnerCount() == 0 {
		r.reassignOwnersLocked()
	}
	r.maybeRefreshCentroidsLocked(ctx)
	return nil
}

// SyncExternal reconciles resident state with owners written or deleted by
// other processes sharing the store. Owners whose metadata timestamp is past
// the last-seen watermark are re-hydrated; resident owners missing from the
// listing are dropped. It returns the number of owners changed.
//
// Lexical state cannot be recovered from shards (chunk text is not
// persisted), so externally-synced owners contribute to the vector side only.
func (r *Retriever) SyncExternal(ctx context.Context) (int, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	if !r.cache.Built() {
		// Nothing resident; the next search hydrates everything fresh.
		return 0, nil
	}

	r.mu.Lock()
	watermark := r.watermark
	r.mu.Unlock()

	resident := make(map[string]struct{})
	r.cache.ForEachDequantized(func(ownerID string, _ []float32) bool {
		resident[ownerID] = struct{}{}
		return true
	})

	updated := 0
	maxSeen := watermark
	listed := make(map[string]struct{})
	cursor := ""
	for {
		page, err := r.store.ListOwners(ctx, r.modelID, storage.ListOptions{Cursor: cursor})
		if err != nil {
			return updated, fmt.Errorf("semdex: list owners: %w", err)
		}
		for i := range page.Owners {
			meta := page.Owners[i]
			listed[meta.OwnerID] = struct{}{}
			if meta.UpdatedAt.After(maxSeen) {
				maxSeen = meta.UpdatedAt
			}
			if !meta.UpdatedAt.After(watermark) {
				continue
			}

			shards, err := r.hydrateShards(ctx, &meta)
			if err != nil {
				r.logger.WarnContext(ctx, "sync hydration failed",
					"owner", meta.OwnerID, "error", err)
				continue
			}

			r.mu.Lock()
			if err := r.cache.UpdateOwner(meta.OwnerID, shards); err != nil {
				r.logger.WarnContext(ctx, "sync cache update failed",
					"owner", meta.OwnerID, "error", err)
			} else {
				r.assignShardRowsLocked(meta.OwnerID, shards)
				updated++
			}
			r.mu.Unlock()
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for ownerID := range resident {
		if _, ok := listed[ownerID]; ok {
			continue
		}
		if err := r.cache.UpdateOwner(ownerID, nil); err == nil {
			r.cindex.RemoveOwner(ownerID)
			r.removeLexicalLocked(ownerID)
			updated++
		}
	}

	if maxSeen.After(r.watermark) {
		r.watermark = maxSeen
	}
	if updated > 0 {
		r.maybeRefreshCentroidsLocked(ctx)
		if r.queryCache != nil {
			r.queryCache.Clear()
		}
	}
	return updated, nil
}

// RefreshCentroids forces coarse quantizer retraining from the resident
// corpus, regardless of drift.
func (r *Retriever) RefreshCentroids(ctx context.Context) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if !r.cache.Built() {
		return corpus.ErrNotBuilt
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshCentroidsLocked(ctx)
	return nil
}

// Stats returns a snapshot of resident state for observability.
func (r *Retriever) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		CacheBuilt:             r.cache.Built(),
		ResidentItems:          r.cache.Len(),
		MemoryEstimateBytes:    r.cache.MemoryEstimate(),
		LexicalDocs:            r.lexical.Len(),
		CentroidsTrained:       r.cset != nil,
		PendingCentroidRefresh: r.cindex.PendingRefresh(),
	}
	if r.cset != nil {
		s.Nlist = r.cset.Nlist
	}
	if r.queryCache != nil {
		s.QueryCacheHits, s.QueryCacheMisses = r.queryCache.Stats()
	}
	return s
}

// Close releases resident memory. Further calls on the retriever return
// ErrClosed.
func (r *Retriever) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	r.cache.Invalidate()
	if r.queryCache != nil {
		r.queryCache.Clear()
	}
	return nil
}

func (r *Retriever) checkOpen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

// vectorSearch ensures the resident cache and runs either a centroid-probed
// scan (once trained and large enough) or a full scan. The bool result
// reports whether the scan was probed, i.e. non-exhaustive.
func (r *Retriever) vectorSearch(ctx context.Context, qvec []float32, opts SearchOptions, poolSize int) ([]corpus.Result, bool, error) {
	owners, err := r.listAllOwners(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("semdex: list owners: %w", err)
	}
	if len(owners) == 0 {
		return nil, false, nil
	}

	dim := r.embedder.Dim()
	if err := r.cache.EnsureBuilt(ctx, owners, dim, nil); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	r.ensureCentroidsLoadedLocked(ctx)
	if r.cset != nil && r.cindex.OwnerCount() == 0 {
		r.reassignOwnersLocked()
	}
	set := r.cset
	rows := r.cache.Len()
	if set != nil {
		switch set.NeedsRefresh(dim, r.modelID, r.opts.settingsHash, rows) {
		case centroid.RefreshNone:
		case centroid.RefreshDrift, centroid.RefreshNlistMismatch:
			// Stale but geometrically usable; keep probing and let the
			// next write trigger retraining.
			r.cindex.MarkPendingRefresh(true)
		default:
			set = nil
		}
	}
	idx := r.cindex
	r.mu.Unlock()

	q := quantization.QuantizeOne(qvec)

	if set != nil && rows >= centroid.MinTrainRows {
		nprobe := centroid.ChooseNprobe(set.Nlist, rows, r.opts.tuning)
		probeOwners := idx.Lookup(set.SelectTopCentroids(qvec, nprobe))
		if len(probeOwners) > 0 {
			results, err := r.cache.SearchOwners(q, probeOwners, poolSize, opts.MinScore)
			if err == nil {
				return results, true, nil
			}
		}
	}

	results, err := r.cache.Search(q, poolSize, opts.MinScore)
	return results, false, err
}

// applyLexicalBoosts folds the auxiliary lexical signals into the fused
// scores: context-set membership and heading overlap. The unit boost equals a
// top-rank RRF contribution, i.e. full membership counts as one more source
// ranking the item first.
func (r *Retriever) applyLexicalBoosts(fused []fusion.Result, query string, opts SearchOptions, vecMeta map[string]shard.MetaRow) {
	if len(fused) == 0 {
		return
	}

	ctxOwners := make(map[string]struct{}, len(opts.ContextOwners))
	for _, owner := range opts.ContextOwners {
		ctxOwners[owner] = struct{}{}
	}
	queryTerms := lexical.Tokenize(query)

	unit := 1 / float64(opts.RRFK+1)
	changed := false
	for i := range fused {
		meta, ok := r.metaForID(fused[i].ID, vecMeta)
		if !ok {
			continue
		}

		boost := lexical.ContextBoost(meta.OwnerID, ctxOwners) * unit
		if meta.HeadingTitle != "" {
			overlap := lexical.HeadingOverlap([]string{meta.HeadingTitle}, queryTerms)
			boost += float64(overlap) * unit * 0.25
		}
		if boost > 0 {
			fused[i].Score += boost
			changed = true
		}
	}

	if changed {
		sort.SliceStable(fused, func(i, j int) bool {
			return fused[i].Score > fused[j].Score
		})
	}
}

// diversify runs MMR selection over the fused pool. Windows from different
// owners are shifted to disjoint coordinate ranges so overlap is only ever
// measured within one source document.
func (r *Retriever) diversify(fused []fusion.Result, opts SearchOptions, vecMeta map[string]shard.MetaRow, vecScore map[string]float32) []SearchResult {
	if len(fused) == 0 {
		return nil
	}

	maxScore := fused[0].Score
	for _, f := range fused {
		if f.Score > maxScore {
			maxScore = f.Score
		}
	}
	if maxScore <= 0 {
		maxScore = 1
	}

	ownerBase := make(map[string]int)
	fusedByID := make(map[string]fusion.Result, len(fused))
	metaByID := make(map[string]shard.MetaRow, len(fused))
	candidates := make([]diversity.Candidate, 0, len(fused))

	for _, f := range fused {
		meta, ok := r.metaForID(f.ID, vecMeta)
		if !ok {
			continue
		}

		// Each owner gets a disjoint coordinate range so cross-document
		// windows never register as overlapping.
		base, ok := ownerBase[meta.OwnerID]
		if !ok {
			base = len(ownerBase) * ownerWindowSpan
			ownerBase[meta.OwnerID] = base
		}

		length := meta.Length
		if length <= 0 {
			length = 1
		}

		fusedByID[f.ID] = f
		metaByID[f.ID] = meta
		candidates = append(candidates, diversity.Candidate{
			ID:        f.ID,
			Relevance: f.Score / maxScore,
			Start:     base + meta.StartOffset,
			End:       base + meta.StartOffset + length,
		})
	}

	selected := diversity.Select(candidates,
		diversity.WithLambda(opts.Lambda),
		diversity.WithMaxSelections(opts.K),
		diversity.WithMaxOverlapRatio(opts.MaxOverlapRatio),
	)

	results := make([]SearchResult, 0, len(selected))
	for _, c := range selected {
		f := fusedByID[c.ID]
		meta := metaByID[c.ID]
		results = append(results, SearchResult{
			OwnerID:       meta.OwnerID,
			Score:         f.Score,
			VectorScore:   vecScore[c.ID],
			StartOffset:   meta.StartOffset,
			Length:        meta.Length,
			HeadingLevel:  meta.HeadingLevel,
			HeadingTitle:  meta.HeadingTitle,
			LineNumber:    meta.LineNumber,
			ContentHash:   meta.ContentHash,
			Contributions: f.Contributions,
		})
	}
	return results
}

// metaForID resolves item metadata from the vector results, falling back to
// the lexical registry for items that only the lexical list surfaced.
func (r *Retriever) metaForID(id string, vecMeta map[string]shard.MetaRow) (shard.MetaRow, bool) {
	if meta, ok := vecMeta[id]; ok {
		return meta, true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	meta, ok := r.items[id]
	return meta, ok
}

func (r *Retriever) listAllOwners(ctx context.Context) ([]string, error) {
	var owners []string
	cursor := ""
	for {
		page, err := r.store.ListOwners(ctx, r.modelID, storage.ListOptions{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		for i := range page.Owners {
			owners = append(owners, page.Owners[i].OwnerID)
		}
		if page.NextCursor == "" {
			return owners, nil
		}
		cursor = page.NextCursor
	}
}

// hydrateShards fetches and decodes one owner's shards, dropping blobs whose
// epoch or dimension disagrees with the committed metadata.
func (r *Retriever) hydrateShards(ctx context.Context, meta *storage.OwnerMeta) ([]*shard.Shard, error) {
	shards := make([]*shard.Shard, 0, meta.ShardCount)
	for i := 0; i < meta.ShardCount; i++ {
		blob, err := r.store.GetShard(ctx, meta.ModelID, meta.OwnerID, i)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}

		// One codec per shard so decoded slices never alias a reused
		// scratch buffer.
		s, err := shard.New(r.opts.codecOptions...).Decode(blob)
		if err != nil {
			return nil, err
		}
		if s.Epoch != meta.Epoch || s.Dim != meta.Dim {
			continue
		}
		shards = append(shards, s)
	}
	return shards, nil
}

func (r *Retriever) replaceLexicalLocked(ownerID string, chunks []Chunk, meta []shard.MetaRow) {
	r.removeLexicalLocked(ownerID)

	ids := make([]string, 0, len(chunks))
	for i, ch := range chunks {
		id := itemID(ownerID, meta[i].StartOffset)
		r.lexical.Add(id, ch.Text)
		r.items[id] = meta[i]
		ids = append(ids, id)
	}
	r.ownerItems[ownerID] = ids
}

func (r *Retriever) removeLexicalLocked(ownerID string) {
	for _, id := range r.ownerItems[ownerID] {
		r.lexical.Delete(id)
		delete(r.items, id)
	}
	delete(r.ownerItems, ownerID)
}

func (r *Retriever) ensureCentroidsLoadedLocked(ctx context.Context) {
	if r.centroidsLoaded {
		return
	}
	r.centroidsLoaded = true

	data, err := r.store.GetPayload(ctx, centroidPayloadKey(r.modelID))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.WarnContext(ctx, "load centroid payload failed", "error", err)
		}
		return
	}

	set, err := centroid.Unmarshal(data)
	if err != nil {
		r.logger.WarnContext(ctx, "corrupt centroid payload, retraining", "error", err)
		return
	}

	r.cset = set
	// The reverse index is not persisted; rebuild it from resident rows
	// before the first probed query.
	r.cindex.MarkPendingRefresh(true)
}

// maybeRefreshCentroidsLocked retrains when the resident corpus crossed the
// training threshold or drifted past the refresh bounds.
func (r *Retriever) maybeRefreshCentroidsLocked(ctx context.Context) {
	if !r.cache.Built() {
		return
	}

	rows := r.cache.Len()
	dim := r.embedder.Dim()

	if r.cset == nil {
		if rows >= centroid.MinTrainRows {
			r.refreshCentroidsLocked(ctx)
		}
		return
	}
	if r.cset.NeedsRefresh(dim, r.modelID, r.opts.settingsHash, rows) != centroid.RefreshNone {
		r.refreshCentroidsLocked(ctx)
	}
}

func (r *Retriever) refreshCentroidsLocked(ctx context.Context) {
	dim := r.embedder.Dim()
	rows := r.cache.Len()

	if rows < centroid.MinTrainRows {
		r.cset = nil
		r.cindex.Clear()
		r.cindex.MarkPendingRefresh(false)
		return
	}

	seed := r.opts.trainSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	reservoir := centroid.NewReservoir(centroid.DefaultSampleSize, dim, rand.New(rand.NewSource(seed)))
	r.cache.ForEachDequantized(func(_ string, vec []float32) bool {
		reservoir.Add(vec)
		return true
	})

	nlist := centroid.NlistFor(rows)
	set, err := centroid.Train(reservoir.Sample(), dim, nlist, rows, centroid.TrainOptions{
		Seed:         seed,
		ModelVersion: r.modelID,
		SettingsHash: r.opts.settingsHash,
	})
	if err != nil {
		r.cindex.MarkPendingRefresh(true)
		r.logger.LogCentroidRefresh(ctx, r.modelID, nlist, rows, err)
		return
	}

	r.cset = set
	r.reassignOwnersLocked()

	if err := r.store.PutPayload(ctx, centroidPayloadKey(r.modelID), set.Marshal()); err != nil {
		r.logger.WarnContext(ctx, "persist centroid payload failed", "error", err)
	}
	r.logger.LogCentroidRefresh(ctx, r.modelID, set.Nlist, rows, nil)
}

// reassignOwnersLocked rebuilds the centroid reverse index from the resident
// corpus using the current set.
func (r *Retriever) reassignOwnersLocked() {
	if r.cset == nil || !r.cache.Built() {
		return
	}

	assignments := make(map[string][]int)
	r.cache.ForEachDequantized(func(ownerID string, vec []float32) bool {
		assignments[ownerID] = append(assignments[ownerID], r.cset.AssignOne(vec))
		return true
	})

	r.cindex.Clear()
	for ownerID, ids := range assignments {
		r.cindex.UpdateOwner(ownerID, ids)
	}
	r.cindex.MarkPendingRefresh(false)
}

// assignShardRowsLocked adds one hydrated owner's rows to the reverse index.
func (r *Retriever) assignShardRowsLocked(ownerID string, shards []*shard.Shard) {
	if r.cset == nil {
		return
	}

	var ids []int
	for _, s := range shards {
		for i := 0; i < s.RowCount; i++ {
			qv, _ := s.Row(i)
			ids = append(ids, r.cset.AssignOne(quantization.Dequantize(qv)))
		}
	}
	if len(ids) == 0 {
		r.cindex.RemoveOwner(ownerID)
		return
	}
	r.cindex.UpdateOwner(ownerID, ids)
}

// ownerWindowSpan separates per-owner window coordinates during MMR. Safe
// on 32-bit platforms and far beyond any realistic document length.
const ownerWindowSpan = 1 << 30

func centroidPayloadKey(modelID string) string {
	return "centroids/" + modelID + ".bin"
}

func itemID(ownerID string, startOffset int) string {
	return ownerID + "\x00" + strconv.Itoa(startOffset)
}

func searchCacheKey(query string, opts SearchOptions) string {
	owners := append([]string(nil), opts.ContextOwners...)
	sort.Strings(owners)

	var b strings.Builder
	b.WriteString(query)
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(opts.K))
	b.WriteByte(0)
	b.WriteString(strconv.FormatFloat(float64(opts.MinScore), 'g', -1, 32))
	b.WriteByte(0)
	b.WriteString(strconv.FormatFloat(opts.Lambda, 'g', -1, 64))
	b.WriteByte(0)
	b.WriteString(strconv.FormatFloat(opts.MaxOverlapRatio, 'g', -1, 64))
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(opts.RRFK))
	b.WriteByte(0)
	b.WriteString(strings.Join(owners, ","))
	return b.String()
}
