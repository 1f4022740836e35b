// Package s3 implements storage.Store backed by S3 for shard containers
// and payloads, with DynamoDB holding owner metadata.
//
// DynamoDB provides the conditional-write semantics S3 lacks: the owner
// record is committed with a condition on the stored epoch, so concurrent
// writers cannot roll an owner back to an older epoch.
//
// Table schema:
//   - Partition key: model_id (string)
//   - Sort key: owner_id (string)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name semdex-owners \
//	  --attribute-definitions AttributeName=model_id,AttributeType=S AttributeName=owner_id,AttributeType=S \
//	  --key-schema AttributeName=model_id,KeyType=HASH AttributeName=owner_id,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hupe1980/semdex/storage"
)

// DDBClient is the interface for the DynamoDB operations the store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Store implements storage.Store for S3 plus DynamoDB.
type Store struct {
	client    *s3.Client
	uploader  *manager.Uploader
	ddbClient DDBClient
	bucket    string
	prefix    string
	tableName string
}

// NewFromDefaultConfig creates a Store using the default AWS credential
// and region chain.
func NewFromDefaultConfig(ctx context.Context, bucket, rootPrefix, tableName string) (*Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}
	return NewStore(s3.NewFromConfig(cfg), dynamodb.NewFromConfig(cfg), bucket, rootPrefix, tableName), nil
}

// NewStore creates a new S3+DynamoDB store. rootPrefix is prepended to all
// S3 keys (e.g. "semdex/").
func NewStore(client *s3.Client, ddbClient DDBClient, bucket, rootPrefix, tableName string) *Store {
	return &Store{
		client:    client,
		uploader:  manager.NewUploader(client),
		ddbClient: ddbClient,
		bucket:    bucket,
		prefix:    rootPrefix,
		tableName: tableName,
	}
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

// GetMeta returns the metadata record for one owner.
func (s *Store) GetMeta(ctx context.Context, modelID, ownerID string) (*storage.OwnerMeta, error) {
	resp, err := s.ddbClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]ddbtypes.AttributeValue{
			"model_id": &ddbtypes.AttributeValueMemberS{Value: modelID},
			"owner_id": &ddbtypes.AttributeValueMemberS{Value: ownerID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: query owner meta: %w", err)
	}
	if resp.Item == nil {
		return nil, storage.ErrNotFound
	}
	return itemToMeta(resp.Item)
}

// GetShard returns shard index of one owner.
func (s *Store) GetShard(ctx context.Context, modelID, ownerID string, index int) ([]byte, error) {
	return s.getObject(ctx, s.key(storage.ShardKey(modelID, ownerID, index)))
}

func (s *Store) getObject(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (s *Store) putObject(ctx context.Context, key string, data []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

// PutOwner commits an owner's metadata and full shard set. Shards land in
// S3 first; the DynamoDB record is written last with an epoch condition, so
// readers either see the previous epoch or the complete new one.
func (s *Store) PutOwner(ctx context.Context, meta *storage.OwnerMeta, shards [][]byte) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	if meta.ShardCount != len(shards) {
		return fmt.Errorf("s3: meta declares %d shards, got %d", meta.ShardCount, len(shards))
	}

	prevShards := 0
	prev, err := s.GetMeta(ctx, meta.ModelID, meta.OwnerID)
	switch {
	case err == nil:
		prevShards = prev.ShardCount
	case errors.Is(err, storage.ErrNotFound):
	default:
		return err
	}

	for i, shard := range shards {
		if err := s.putObject(ctx, s.key(storage.ShardKey(meta.ModelID, meta.OwnerID, i)), shard); err != nil {
			return fmt.Errorf("s3: upload shard %d: %w", i, err)
		}
	}

	_, err = s.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                metaToItem(meta),
		ConditionExpression: aws.String("attribute_not_exists(owner_id) OR epoch < :epoch"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":epoch": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatUint(meta.Epoch, 10)},
		},
	})
	if err != nil {
		var condErr *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return storage.ErrStaleEpoch
		}
		return fmt.Errorf("s3: commit owner meta: %w", err)
	}

	for i := meta.ShardCount; i < prevShards; i++ {
		_, _ = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(storage.ShardKey(meta.ModelID, meta.OwnerID, i))),
		})
	}
	return nil
}

// DeleteOwner removes an owner's metadata record and all S3 objects under
// its prefix.
func (s *Store) DeleteOwner(ctx context.Context, modelID, ownerID string) error {
	_, err := s.ddbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]ddbtypes.AttributeValue{
			"model_id": &ddbtypes.AttributeValueMemberS{Value: modelID},
			"owner_id": &ddbtypes.AttributeValueMemberS{Value: ownerID},
		},
	})
	if err != nil {
		return fmt.Errorf("s3: delete owner meta: %w", err)
	}

	prefix := s.key(storage.OwnerPrefix(modelID, ownerID))
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, obj := range page.Contents {
			_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// ListOwners pages through all owners of one model, ordered by owner ID.
func (s *Store) ListOwners(ctx context.Context, modelID string, opts storage.ListOptions) (*storage.OwnerPage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("model_id = :model"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":model": &ddbtypes.AttributeValueMemberS{Value: modelID},
		},
		Limit: aws.Int32(int32(limit)),
	}
	if opts.Cursor != "" {
		input.ExclusiveStartKey = map[string]ddbtypes.AttributeValue{
			"model_id": &ddbtypes.AttributeValueMemberS{Value: modelID},
			"owner_id": &ddbtypes.AttributeValueMemberS{Value: opts.Cursor},
		}
	}

	resp, err := s.ddbClient.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("s3: list owners: %w", err)
	}

	page := &storage.OwnerPage{}
	for _, item := range resp.Items {
		meta, err := itemToMeta(item)
		if err != nil {
			return nil, err
		}
		page.Owners = append(page.Owners, *meta)
	}
	if resp.LastEvaluatedKey != nil && len(page.Owners) > 0 {
		page.NextCursor = page.Owners[len(page.Owners)-1].OwnerID
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
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(storage.PayloadKey(key))),
	})
	return err
}

func metaToItem(meta *storage.OwnerMeta) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"model_id":       &ddbtypes.AttributeValueMemberS{Value: meta.ModelID},
		"owner_id":       &ddbtypes.AttributeValueMemberS{Value: meta.OwnerID},
		"schema_version": &ddbtypes.AttributeValueMemberN{Value: strconv.Itoa(meta.SchemaVersion)},
		"content_hash":   &ddbtypes.AttributeValueMemberS{Value: meta.ContentHash},
		"epoch":          &ddbtypes.AttributeValueMemberN{Value: strconv.FormatUint(meta.Epoch, 10)},
		"shard_count":    &ddbtypes.AttributeValueMemberN{Value: strconv.Itoa(meta.ShardCount)},
		"row_count":      &ddbtypes.AttributeValueMemberN{Value: strconv.Itoa(meta.RowCount)},
		"dim":            &ddbtypes.AttributeValueMemberN{Value: strconv.Itoa(meta.Dim)},
		"updated_at":     &ddbtypes.AttributeValueMemberS{Value: meta.UpdatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func itemToMeta(item map[string]ddbtypes.AttributeValue) (*storage.OwnerMeta, error) {
	meta := &storage.OwnerMeta{}
	var err error

	if meta.ModelID, err = stringAttr(item, "model_id"); err != nil {
		return nil, err
	}
	if meta.OwnerID, err = stringAttr(item, "owner_id"); err != nil {
		return nil, err
	}
	if meta.ContentHash, err = stringAttr(item, "content_hash"); err != nil {
		return nil, err
	}
	if meta.SchemaVersion, err = intAttr(item, "schema_version"); err != nil {
		return nil, err
	}
	if meta.ShardCount, err = intAttr(item, "shard_count"); err != nil {
		return nil, err
	}
	if meta.RowCount, err = intAttr(item, "row_count"); err != nil {
		return nil, err
	}
	if meta.Dim, err = intAttr(item, "dim"); err != nil {
		return nil, err
	}

	epochStr, err := numberAttr(item, "epoch")
	if err != nil {
		return nil, err
	}
	if meta.Epoch, err = strconv.ParseUint(epochStr, 10, 64); err != nil {
		return nil, fmt.Errorf("s3: parse epoch: %w", err)
	}

	updatedAt, err := stringAttr(item, "updated_at")
	if err != nil {
		return nil, err
	}
	if meta.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("s3: parse updated_at: %w", err)
	}

	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return meta, nil
}

func stringAttr(item map[string]ddbtypes.AttributeValue, name string) (string, error) {
	attr, ok := item[name].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("s3: missing or invalid attribute %q", name)
	}
	return attr.Value, nil
}

func numberAttr(item map[string]ddbtypes.AttributeValue, name string) (string, error) {
	attr, ok := item[name].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return "", fmt.Errorf("s3: missing or invalid attribute %q", name)
	}
	return attr.Value, nil
}

func intAttr(item map[string]ddbtypes.AttributeValue, name string) (int, error) {
	raw, err := numberAttr(item, name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("s3: parse attribute %q: %w", name, err)
	}
	return n, nil
}
