// Package storage persists per-owner index metadata and shard containers,
// plus auxiliary payloads such as serialized centroid sets.
//
// A Store keys everything by (modelID, ownerID). Shard writes carry the
// owner's epoch; implementations reject commits whose epoch is not newer
// than the stored one, so concurrent writers cannot roll an owner back.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"time"
)

// SchemaVersion is the current OwnerMeta schema version. Metadata with a
// newer schema version is rejected on read.
const SchemaVersion = 1

var (
	// ErrNotFound is returned when an owner, shard, or payload does not
	// exist. Implementations return an error satisfying
	// errors.Is(err, ErrNotFound). The default maps to os.ErrNotExist.
	ErrNotFound = os.ErrNotExist

	// ErrStaleEpoch is returned when a commit carries an epoch that is not
	// newer than the stored one.
	ErrStaleEpoch = errors.New("storage: stale epoch")

	// ErrSchemaVersion is returned when stored metadata has an unsupported
	// schema version.
	ErrSchemaVersion = errors.New("storage: unsupported schema version")
)

// OwnerMeta is the per-owner index record under one embedding model.
type OwnerMeta struct {
	SchemaVersion int       `json:"schema_version"`
	OwnerID       string    `json:"owner_id"`
	ModelID       string    `json:"model_id"`
	ContentHash   string    `json:"content_hash"`
	Epoch         uint64    `json:"epoch"`
	ShardCount    int       `json:"shard_count"`
	RowCount      int       `json:"row_count"`
	Dim           int       `json:"dim"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Validate checks the structural invariants of the record.
func (m *OwnerMeta) Validate() error {
	if m.SchemaVersion > SchemaVersion {
		return fmt.Errorf("%w: %d", ErrSchemaVersion, m.SchemaVersion)
	}
	if m.OwnerID == "" {
		return errors.New("storage: empty owner id")
	}
	if m.ModelID == "" {
		return errors.New("storage: empty model id")
	}
	if m.Dim <= 0 {
		return fmt.Errorf("storage: invalid dimension %d", m.Dim)
	}
	if m.ShardCount < 0 || m.RowCount < 0 {
		return fmt.Errorf("storage: negative shard/row count")
	}
	return nil
}

// ListOptions controls ListOwners pagination.
type ListOptions struct {
	// Cursor resumes listing after a previous page. Empty starts from the
	// beginning. Cursors are opaque and implementation specific.
	Cursor string

	// Limit caps the page size. Zero means DefaultListLimit.
	Limit int
}

// DefaultListLimit is the page size used when ListOptions.Limit is zero.
const DefaultListLimit = 100

// OwnerPage is one page of ListOwners results.
type OwnerPage struct {
	Owners []OwnerMeta

	// NextCursor is non-empty when more pages exist.
	NextCursor string
}

// Store persists owner metadata, shard containers, and auxiliary payloads.
//
// Owners are listed in a stable but implementation-defined order; callers
// must treat cursors as opaque.
type Store interface {
	// GetMeta returns the metadata record for one owner.
	GetMeta(ctx context.Context, modelID, ownerID string) (*OwnerMeta, error)

	// GetShard returns shard index (0-based) of one owner.
	GetShard(ctx context.Context, modelID, ownerID string, index int) ([]byte, error)

	// PutOwner atomically commits an owner's metadata and its full shard
	// set, replacing any previous epoch. meta.ShardCount must equal
	// len(shards). Returns ErrStaleEpoch when the stored epoch is not
	// older than meta.Epoch.
	PutOwner(ctx context.Context, meta *OwnerMeta, shards [][]byte) error

	// DeleteOwner removes an owner's metadata and shards. Deleting a
	// missing owner is not an error.
	DeleteOwner(ctx context.Context, modelID, ownerID string) error

	// ListOwners pages through all owners of one model.
	ListOwners(ctx context.Context, modelID string, opts ListOptions) (*OwnerPage, error)

	// GetPayload returns an auxiliary payload such as a centroid set.
	GetPayload(ctx context.Context, key string) ([]byte, error)

	// PutPayload writes an auxiliary payload.
	PutPayload(ctx context.Context, key string, data []byte) error

	// DeletePayload removes an auxiliary payload. Missing keys are not an
	// error.
	DeletePayload(ctx context.Context, key string) error
}

// OwnerKey returns the stable storage key fragment for an owner ID. Owner
// IDs are arbitrary strings (often file paths), so they are hashed rather
// than escaped.
func OwnerKey(ownerID string) string {
	sum := sha256.Sum256([]byte(ownerID))
	return hex.EncodeToString(sum[:16])
}

// ModelKey returns the storage key fragment for a model ID.
func ModelKey(modelID string) string {
	return url.PathEscape(modelID)
}

// MetaKey returns the object key of an owner's metadata record.
func MetaKey(modelID, ownerID string) string {
	return path.Join("models", ModelKey(modelID), "owners", OwnerKey(ownerID), "meta.json")
}

// ShardKey returns the object key of one shard of an owner.
func ShardKey(modelID, ownerID string, index int) string {
	return path.Join("models", ModelKey(modelID), "owners", OwnerKey(ownerID), fmt.Sprintf("shard-%05d.sdx", index))
}

// OwnerPrefix returns the object key prefix holding all of an owner's data.
func OwnerPrefix(modelID, ownerID string) string {
	return path.Join("models", ModelKey(modelID), "owners", OwnerKey(ownerID)) + "/"
}

// ModelPrefix returns the object key prefix holding all owners of a model.
func ModelPrefix(modelID string) string {
	return path.Join("models", ModelKey(modelID), "owners") + "/"
}

// PayloadKey returns the object key of an auxiliary payload.
func PayloadKey(key string) string {
	return path.Join("payloads", key)
}

func validateCommit(meta *OwnerMeta, shards [][]byte) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	if meta.ShardCount != len(shards) {
		return fmt.Errorf("storage: meta declares %d shards, got %d", meta.ShardCount, len(shards))
	}
	return nil
}
