package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/semdex/internal/mmap"
)

// LocalStore implements Store on the local file system. Shards are read
// through memory mapping; writes go through a temp file plus rename so
// readers never observe partial files.
//
// The epoch check is process-local (guarded by a mutex), which is
// sufficient for the single-writer-per-machine deployments this store
// targets.
type LocalStore struct {
	root string
	mu   sync.Mutex
}

// NewLocalStore creates a LocalStore rooted at dir, creating it if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{root: dir}, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// GetMeta returns the metadata record for one owner.
func (s *LocalStore) GetMeta(_ context.Context, modelID, ownerID string) (*OwnerMeta, error) {
	data, err := os.ReadFile(s.path(MetaKey(modelID, ownerID)))
	if err != nil {
		return nil, err
	}
	return decodeMeta(data)
}

func decodeMeta(data []byte) (*OwnerMeta, error) {
	var meta OwnerMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("storage: decode meta: %w", err)
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return &meta, nil
}

// GetShard returns shard index of one owner. The file is memory-mapped and
// copied out, so the returned slice is independent of the mapping.
func (s *LocalStore) GetShard(_ context.Context, modelID, ownerID string, index int) ([]byte, error) {
	m, err := mmap.Open(s.path(ShardKey(modelID, ownerID, index)))
	if err != nil {
		return nil, err
	}
	defer m.Close()

	return append([]byte(nil), m.Bytes()...), nil
}

// PutOwner commits an owner's metadata and full shard set.
func (s *LocalStore) PutOwner(ctx context.Context, meta *OwnerMeta, shards [][]byte) error {
	if err := validateCommit(meta, shards); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.GetMeta(ctx, meta.ModelID, meta.OwnerID)
	switch {
	case err == nil:
		if prev.Epoch >= meta.Epoch {
			return ErrStaleEpoch
		}
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}

	for i, shard := range shards {
		if err := writeAtomic(s.path(ShardKey(meta.ModelID, meta.OwnerID, i)), shard); err != nil {
			return err
		}
	}

	// Meta last. A crash before this point leaves the previous epoch
	// intact; leftover higher-index shard files from it are removed below.
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := writeAtomic(s.path(MetaKey(meta.ModelID, meta.OwnerID)), data); err != nil {
		return err
	}

	if prev != nil {
		for i := meta.ShardCount; i < prev.ShardCount; i++ {
			_ = os.Remove(s.path(ShardKey(meta.ModelID, meta.OwnerID, i)))
		}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

// DeleteOwner removes an owner's metadata and shards.
func (s *LocalStore) DeleteOwner(_ context.Context, modelID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.RemoveAll(s.path(strings.TrimSuffix(OwnerPrefix(modelID, ownerID), "/")))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ListOwners pages through all owners of one model, ordered by owner key.
func (s *LocalStore) ListOwners(ctx context.Context, modelID string, opts ListOptions) (*OwnerPage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	ownersDir := s.path(strings.TrimSuffix(ModelPrefix(modelID), "/"))
	entries, err := os.ReadDir(ownersDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &OwnerPage{}, nil
		}
		return nil, err
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			keys = append(keys, e.Name())
		}
	}
	sort.Strings(keys)

	page := &OwnerPage{}
	for _, key := range keys {
		if opts.Cursor != "" && key <= opts.Cursor {
			continue
		}
		if len(page.Owners) == limit {
			page.NextCursor = OwnerKey(page.Owners[len(page.Owners)-1].OwnerID)
			break
		}

		data, err := os.ReadFile(filepath.Join(ownersDir, key, "meta.json"))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		meta, err := decodeMeta(data)
		if err != nil {
			return nil, err
		}
		page.Owners = append(page.Owners, *meta)
	}
	return page, nil
}

// GetPayload returns an auxiliary payload.
func (s *LocalStore) GetPayload(_ context.Context, key string) ([]byte, error) {
	return os.ReadFile(s.path(PayloadKey(key)))
}

// PutPayload writes an auxiliary payload.
func (s *LocalStore) PutPayload(_ context.Context, key string, data []byte) error {
	return writeAtomic(s.path(PayloadKey(key)), data)
}

// DeletePayload removes an auxiliary payload.
func (s *LocalStore) DeletePayload(_ context.Context, key string) error {
	err := os.Remove(s.path(PayloadKey(key)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
