// Package topk implements a bounded top-K selector over scored values.
package topk

// Result is a scored value produced by draining a Heap.
type Result[T any] struct {
	Score float32
	Value T
}

// Heap keeps the K highest-scoring values pushed into it.
//
// Internally it is a value-based min-heap keyed by score, so the weakest
// candidate is always evictable in O(log k). It does NOT implement
// container/heap to avoid interface overhead; storage is value-based for
// cache locality. Memory stays O(k) no matter how many candidates a scan
// pushes, which matters for brute-force and centroid-probed scans that touch
// large candidate pools.
type Heap[T any] struct {
	k        int
	minScore float32
	hasFloor bool
	items    []Result[T]
}

// Options contains configuration options for a Heap.
type Options struct {
	// MinScore rejects candidates scoring below the floor, regardless of
	// remaining capacity.
	MinScore float32

	// HasMinScore enables the MinScore floor. A zero floor is meaningful for
	// similarity scores, so the flag is explicit.
	HasMinScore bool
}

// WithMinScore sets a score floor below which candidates are rejected.
func WithMinScore(min float32) func(o *Options) {
	return func(o *Options) {
		o.MinScore = min
		o.HasMinScore = true
	}
}

// New creates a bounded heap keeping the k best-scoring values.
func New[T any](k int, optFns ...func(o *Options)) *Heap[T] {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if k < 0 {
		k = 0
	}

	capHint := k
	if capHint > 64 {
		capHint = 64
	}

	return &Heap[T]{
		k:        k,
		minScore: opts.MinScore,
		hasFloor: opts.HasMinScore,
		items:    make([]Result[T], 0, capHint),
	}
}

// Len returns the number of values currently held.
func (h *Heap[T]) Len() int {
	return len(h.items)
}

// Push offers a scored value and reports whether it was accepted.
// A value is rejected when it scores below the MinScore floor, or below the
// current minimum once the heap is at capacity. O(log k).
func (h *Heap[T]) Push(score float32, value T) bool {
	if h.k == 0 {
		return false
	}
	if h.hasFloor && score < h.minScore {
		return false
	}

	if len(h.items) < h.k {
		h.items = append(h.items, Result[T]{Score: score, Value: value})
		h.siftUp(len(h.items) - 1)
		return true
	}

	// At capacity: the root is the weakest kept candidate.
	if score <= h.items[0].Score {
		return false
	}
	h.items[0] = Result[T]{Score: score, Value: value}
	h.siftDown(0)
	return true
}

// DrainDescending consumes the heap and returns its contents ordered by
// descending score. O(k log k). The heap is empty afterwards.
func (h *Heap[T]) DrainDescending() []Result[T] {
	out := make([]Result[T], len(h.items))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = h.pop()
	}
	return out
}

// pop removes and returns the minimum-score item.
func (h *Heap[T]) pop() Result[T] {
	n := len(h.items)
	item := h.items[0]
	h.items[0] = h.items[n-1]
	h.items = h.items[:n-1]
	if len(h.items) > 0 {
		h.siftDown(0)
	}
	return item
}

func (h *Heap[T]) less(i, j int) bool {
	return h.items[i].Score < h.items[j].Score
}

func (h *Heap[T]) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(i, parent) {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *Heap[T]) siftDown(i int) {
	n := len(h.items)
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		child := left
		if right := left + 1; right < n && h.less(right, left) {
			child = right
		}
		if !h.less(child, i) {
			break
		}
		h.items[i], h.items[child] = h.items[child], h.items[i]
		i = child
	}
}
