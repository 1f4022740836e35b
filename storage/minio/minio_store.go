// Package minio implements storage.Store for MinIO and other S3-compatible
// object stores.
//
// Owner metadata lives as JSON objects next to the shards. The epoch check
// on commit is read-then-write and therefore best effort; deployments with
// concurrent writers to the same owner should prefer the s3 store, whose
// DynamoDB conditional writes make the check atomic.
package minio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/hupe1980/semdex/storage"
)

// Store implements storage.Store for MinIO.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewStore creates a new MinIO store. rootPrefix is prepended to all keys
// (e.g. "semdex/").
func NewStore(client *minio.Client, bucket, rootPrefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
	}
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

func (s *Store) getObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *Store) putObject(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return err
}

func (s *Store) removeObject(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return nil
		}
		return err
	}
	return nil
}

// GetMeta returns the metadata record for one owner.
func (s *Store) GetMeta(ctx context.Context, modelID, ownerID string) (*storage.OwnerMeta, error) {
	data, err := s.getObject(ctx, s.key(storage.MetaKey(modelID, ownerID)))
	if err != nil {
		return nil, err
	}
	return decodeMeta(data)
}

func decodeMeta(data []byte) (*storage.OwnerMeta, error) {
	var meta storage.OwnerMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("minio: decode meta: %w", err)
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return &meta, nil
}

// GetShard returns shard index of one owner.
func (s *Store) GetShard(ctx context.Context, modelID, ownerID string, index int) ([]byte, error) {
	return s.getObject(ctx, s.key(storage.ShardKey(modelID, ownerID, index)))
}

// PutOwner commits an owner's metadata and full shard set. Shards are
// uploaded first, the metadata object last.
func (s *Store) PutOwner(ctx context.Context, meta *storage.OwnerMeta, shards [][]byte) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	if meta.ShardCount != len(shards) {
		return fmt.Errorf("minio: meta declares %d shards, got %d", meta.ShardCount, len(shards))
	}

	prevShards := 0
	prev, err := s.GetMeta(ctx, meta.ModelID, meta.OwnerID)
	switch {
	case err == nil:
		if prev.Epoch >= meta.Epoch {
			return storage.ErrStaleEpoch
		}
		prevShards = prev.ShardCount
	case errors.Is(err, storage.ErrNotFound):
	default:
		return err
	}

	for i, shard := range shards {
		if err := s.putObject(ctx, s.key(storage.ShardKey(meta.ModelID, meta.OwnerID, i)), shard); err != nil {
			return fmt.Errorf("minio: upload shard %d: %w", i, err)
		}
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := s.putObject(ctx, s.key(storage.MetaKey(meta.ModelID, meta.OwnerID)), data); err != nil {
		return fmt.Errorf("minio: commit owner meta: %w", err)
	}

	for i := meta.ShardCount; i < prevShards; i++ {
		_ = s.removeObject(ctx, s.key(storage.ShardKey(meta.ModelID, meta.OwnerID, i)))
	}
	return nil
}

// DeleteOwner removes all objects under the owner's prefix.
func (s *Store) DeleteOwner(ctx context.Context, modelID, ownerID string) error {
	prefix := s.key(storage.OwnerPrefix(modelID, ownerID))
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return obj.Err
		}
		if err := s.removeObject(ctx, obj.Key); err != nil {
			return err
		}
	}
	return nil
}

// ListOwners pages through all owners of one model, ordered by owner key.
func (s *Store) ListOwners(ctx context.Context, modelID string, opts storage.ListOptions) (*storage.OwnerPage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	prefix := s.key(storage.ModelPrefix(modelID))
	listOpts := minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}
	if opts.Cursor != "" {
		listOpts.StartAfter = path.Join(prefix, opts.Cursor, "meta.json")
	}

	page := &storage.OwnerPage{}
	for obj := range s.client.ListObjects(ctx, s.bucket, listOpts) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if !strings.HasSuffix(obj.Key, "/meta.json") {
			continue
		}
		if len(page.Owners) == limit {
			last := page.Owners[len(page.Owners)-1]
			page.NextCursor = storage.OwnerKey(last.OwnerID)
			break
		}

		data, err := s.getObject(ctx, obj.Key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
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
func (s *Store) GetPayload(ctx context.Context, key string) ([]byte, error) {
	return s.getObject(ctx, s.key(storage.PayloadKey(key)))
}

// PutPayload writes an auxiliary payload.
func (s *Store) PutPayload(ctx context.Context, key string, data []byte) error {
	return s.putObject(ctx, s.key(storage.PayloadKey(key)), data)
}

// DeletePayload removes an auxiliary payload.
func (s *Store) DeletePayload(ctx context.Context, key string) error {
	return s.removeObject(ctx, s.key(storage.PayloadKey(key)))
}
