package storage

import (
	"context"
	"sort"
	"sync"
)

type memoryOwner struct {
	meta   OwnerMeta
	shards [][]byte
}

// MemoryStore is an in-memory Store implementation for testing and
// single-process use. Thread-safe.
type MemoryStore struct {
	mu       sync.RWMutex
	owners   map[string]*memoryOwner // keyed by modelKey + "/" + ownerKey
	payloads map[string][]byte
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		owners:   make(map[string]*memoryOwner),
		payloads: make(map[string][]byte),
	}
}

func memoryOwnerKey(modelID, ownerID string) string {
	return ModelKey(modelID) + "/" + OwnerKey(ownerID)
}

// GetMeta returns the metadata record for one owner.
func (m *MemoryStore) GetMeta(_ context.Context, modelID, ownerID string) (*OwnerMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.owners[memoryOwnerKey(modelID, ownerID)]
	if !ok {
		return nil, ErrNotFound
	}
	meta := o.meta
	return &meta, nil
}

// GetShard returns shard index of one owner.
func (m *MemoryStore) GetShard(_ context.Context, modelID, ownerID string, index int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.owners[memoryOwnerKey(modelID, ownerID)]
	if !ok || index < 0 || index >= len(o.shards) {
		return nil, ErrNotFound
	}

	// Copy to prevent external mutation
	copied := make([]byte, len(o.shards[index]))
	copy(copied, o.shards[index])
	return copied, nil
}

// PutOwner commits an owner's metadata and full shard set.
func (m *MemoryStore) PutOwner(_ context.Context, meta *OwnerMeta, shards [][]byte) error {
	if err := validateCommit(meta, shards); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := memoryOwnerKey(meta.ModelID, meta.OwnerID)
	if prev, ok := m.owners[key]; ok && prev.meta.Epoch >= meta.Epoch {
		return ErrStaleEpoch
	}

	copied := make([][]byte, len(shards))
	for i, s := range shards {
		copied[i] = append([]byte(nil), s...)
	}
	m.owners[key] = &memoryOwner{meta: *meta, shards: copied}
	return nil
}

// DeleteOwner removes an owner.
func (m *MemoryStore) DeleteOwner(_ context.Context, modelID, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.owners, memoryOwnerKey(modelID, ownerID))
	return nil
}

// ListOwners pages through all owners of one model, ordered by owner key.
func (m *MemoryStore) ListOwners(_ context.Context, modelID string, opts ListOptions) (*OwnerPage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := ModelKey(modelID) + "/"
	type entry struct {
		key  string
		meta OwnerMeta
	}
	var entries []entry
	for key, o := range m.owners {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			entries = append(entries, entry{key: key, meta: o.meta})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	page := &OwnerPage{}
	for _, e := range entries {
		if opts.Cursor != "" && e.key <= opts.Cursor {
			continue
		}
		if len(page.Owners) == limit {
			last := page.Owners[len(page.Owners)-1]
			page.NextCursor = memoryOwnerKey(last.ModelID, last.OwnerID)
			break
		}
		page.Owners = append(page.Owners, e.meta)
	}
	return page, nil
}

// GetPayload returns an auxiliary payload.
func (m *MemoryStore) GetPayload(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.payloads[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// PutPayload writes an auxiliary payload.
func (m *MemoryStore) PutPayload(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.payloads[key] = append([]byte(nil), data...)
	return nil
}

// DeletePayload removes an auxiliary payload.
func (m *MemoryStore) DeletePayload(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.payloads, key)
	return nil
}
