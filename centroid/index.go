package centroid

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// Index is the reverse map from centroid id to owning documents, with the
// owner to centroid map kept alongside for O(1) removal. Owner ids are
// interned to uint32 refs so posting lists can live in roaring bitmaps.
//
// Thread-safe; mutations and lookups may interleave, though by
// construction there is one writer at a time.
type Index struct {
	mu sync.RWMutex

	postings map[int]*roaring.Bitmap // centroidId -> owner refs
	owners   map[string]ownerEntry   // ownerId -> ref + assigned centroids

	refs    []string // ref -> ownerId
	pending bool
}

type ownerEntry struct {
	ref       uint32
	centroids []int
}

// NewIndex creates an empty reverse index.
func NewIndex() *Index {
	return &Index{
		postings: make(map[int]*roaring.Bitmap),
		owners:   make(map[string]ownerEntry),
	}
}

// UpdateOwner replaces the owner's centroid assignments: the owner is
// removed from its previous posting lists and added to the new ones.
func (x *Index) UpdateOwner(ownerID string, centroidIDs []int) {
	x.mu.Lock()
	defer x.mu.Unlock()

	entry, ok := x.owners[ownerID]
	if ok {
		x.removeLocked(entry)
	} else {
		entry.ref = uint32(len(x.refs))
		x.refs = append(x.refs, ownerID)
	}

	// Deduplicate assignments; an owner's items often share centroids.
	seen := make(map[int]struct{}, len(centroidIDs))
	assigned := centroidIDs[:0:0]
	for _, id := range centroidIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		assigned = append(assigned, id)

		bm, ok := x.postings[id]
		if !ok {
			bm = roaring.New()
			x.postings[id] = bm
		}
		bm.Add(entry.ref)
	}

	entry.centroids = assigned
	x.owners[ownerID] = entry
}

// RemoveOwner removes the owner from all posting lists.
func (x *Index) RemoveOwner(ownerID string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	entry, ok := x.owners[ownerID]
	if !ok {
		return
	}
	x.removeLocked(entry)
	delete(x.owners, ownerID)
}

func (x *Index) removeLocked(entry ownerEntry) {
	for _, id := range entry.centroids {
		if bm, ok := x.postings[id]; ok {
			bm.Remove(entry.ref)
			if bm.IsEmpty() {
				delete(x.postings, id)
			}
		}
	}
}

// Lookup returns the union of owners assigned to any of the given
// centroids.
func (x *Index) Lookup(centroidIDs []int) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	union := roaring.New()
	for _, id := range centroidIDs {
		if bm, ok := x.postings[id]; ok {
			union.Or(bm)
		}
	}

	out := make([]string, 0, union.GetCardinality())
	it := union.Iterator()
	for it.HasNext() {
		out = append(out, x.refs[it.Next()])
	}
	return out
}

// Centroids returns the owner's current centroid assignments, or nil.
func (x *Index) Centroids(ownerID string) []int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	entry, ok := x.owners[ownerID]
	if !ok {
		return nil
	}
	return append([]int(nil), entry.centroids...)
}

// OwnerCount returns the number of indexed owners.
func (x *Index) OwnerCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.owners)
}

// Clear drops all postings.
func (x *Index) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.postings = make(map[int]*roaring.Bitmap)
	x.owners = make(map[string]ownerEntry)
	x.refs = nil
	x.pending = false
}

// MarkPendingRefresh records that retraining is needed but could not run
// synchronously. Queries keep serving with the stale set meanwhile.
func (x *Index) MarkPendingRefresh(pending bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.pending = pending
}

// PendingRefresh reports whether a refresh is outstanding.
func (x *Index) PendingRefresh() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.pending
}
