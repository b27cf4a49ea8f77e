package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/stowage/stowage/internal/config"
	serr "github.com/stowage/stowage/internal/errors"
)

const dynamoTimeFormat = "2006-01-02T15:04:05.000Z"

// DynamoAPI is the subset of the DynamoDB client used by DynamoDBStore.
// Tests substitute a mock implementation.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBStore implements the Store interface on a single DynamoDB table.
// All records share one pk/sk keyspace: buckets under BUCKET#<name>, tokens
// under TOKEN#<token>, assets under ASSET#<id>, each with a #METADATA sort
// key. Uniqueness is enforced with conditional writes.
type DynamoDBStore struct {
	client    DynamoAPI
	tableName string
}

// NewDynamoDBStore creates a DynamoDBStore from configuration, loading AWS
// credentials from the default chain.
func NewDynamoDBStore(cfg *config.DynamoDBConfig) (*DynamoDBStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("dynamodb config is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	return &DynamoDBStore{
		client:    dynamodb.NewFromConfig(awsCfg),
		tableName: cfg.Table,
	}, nil
}

// NewDynamoDBStoreWithClient creates a DynamoDBStore with an injected client.
// Used by tests.
func NewDynamoDBStoreWithClient(client DynamoAPI, table string) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: table}
}

func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err != nil {
		return serr.E(serr.KindBackend, "backend.Ping", s.tableName, err)
	}
	return nil
}

func (s *DynamoDBStore) Close() error { return nil }

func pkBucket(name string) string { return "BUCKET#" + name }
func pkToken(token string) string { return "TOKEN#" + token }
func pkAsset(id string) string    { return "ASSET#" + id }
func skMetadata() string          { return "#METADATA" }

// isConditionalFailure reports whether err is DynamoDB rejecting a
// conditional write, which is how uniqueness and existence checks surface.
func isConditionalFailure(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ConditionalCheckFailedException"
	}
	return strings.Contains(err.Error(), "ConditionalCheckFailedException")
}

func (s *DynamoDBStore) metaKey(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: skMetadata()},
	}
}

func (s *DynamoDBStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	const op = "backend.CreateBucket"

	meta := "{}"
	if bucket.Metadata != nil {
		meta = string(bucket.Metadata)
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"pk":         &types.AttributeValueMemberS{Value: pkBucket(bucket.Name)},
			"sk":         &types.AttributeValueMemberS{Value: skMetadata()},
			"type":       &types.AttributeValueMemberS{Value: "bucket"},
			"name":       &types.AttributeValueMemberS{Value: bucket.Name},
			"metadata":   &types.AttributeValueMemberS{Value: meta},
			"created_at": &types.AttributeValueMemberS{Value: bucket.CreatedAt.UTC().Format(dynamoTimeFormat)},
		},
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionalFailure(err) {
			return serr.E(serr.KindAlreadyExists, op, bucket.Name, nil)
		}
		return serr.E(serr.KindBackend, op, bucket.Name, err)
	}
	return nil
}

func (s *DynamoDBStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	const op = "backend.GetBucket"

	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.metaKey(pkBucket(name)),
	})
	if err != nil {
		return nil, serr.E(serr.KindBackend, op, name, err)
	}
	if resp.Item == nil {
		return nil, serr.E(serr.KindNotFound, op, name, nil)
	}
	return itemToBucket(resp.Item), nil
}

// ListBuckets scans every bucket record, sorts by name, and returns a cursor
// over the result. DynamoDB scans have no cross-page ordering, so the scan
// is materialized up front; ordering would otherwise be lost.
func (s *DynamoDBStore) ListBuckets(ctx context.Context) (Cursor[*BucketRecord], error) {
	const op = "backend.ListBuckets"

	items, err := s.scanByType(ctx, "BUCKET#")
	if err != nil {
		return nil, serr.E(serr.KindBackend, op, "", err)
	}

	buckets := make([]*BucketRecord, 0, len(items))
	for _, item := range items {
		buckets = append(buckets, itemToBucket(item))
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })

	return NewSliceCursor(buckets), nil
}

func (s *DynamoDBStore) CreateBucketToken(ctx context.Context, bucket, token string) error {
	const op = "backend.CreateBucketToken"

	// The bucket must exist before a token can reference it.
	if _, err := s.GetBucket(ctx, bucket); err != nil {
		if serr.IsNotFound(err) {
			return serr.E(serr.KindNotFound, op, bucket, nil)
		}
		return err
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"pk":         &types.AttributeValueMemberS{Value: pkToken(token)},
			"sk":         &types.AttributeValueMemberS{Value: skMetadata()},
			"type":       &types.AttributeValueMemberS{Value: "token"},
			"token":      &types.AttributeValueMemberS{Value: token},
			"bucket":     &types.AttributeValueMemberS{Value: bucket},
			"created_at": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(dynamoTimeFormat)},
		},
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionalFailure(err) {
			return serr.E(serr.KindAlreadyExists, op, token, nil)
		}
		return serr.E(serr.KindBackend, op, token, err)
	}
	return nil
}

func (s *DynamoDBStore) GetBucketFromToken(ctx context.Context, token string) (string, error) {
	const op = "backend.GetBucketFromToken"

	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.metaKey(pkToken(token)),
	})
	if err != nil {
		return "", serr.E(serr.KindBackend, op, token, err)
	}
	if resp.Item == nil {
		return "", serr.E(serr.KindNotFound, op, token, nil)
	}
	return getString(resp.Item, "bucket"), nil
}

func (s *DynamoDBStore) CreateAsset(ctx context.Context, asset *AssetRecord) error {
	const op = "backend.CreateAsset"

	state := asset.State
	if state == "" {
		state = StatePending
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"pk":         &types.AttributeValueMemberS{Value: pkAsset(asset.ID)},
			"sk":         &types.AttributeValueMemberS{Value: skMetadata()},
			"type":       &types.AttributeValueMemberS{Value: "asset"},
			"id":         &types.AttributeValueMemberS{Value: asset.ID},
			"bucket":     &types.AttributeValueMemberS{Value: asset.Bucket},
			"name":       &types.AttributeValueMemberS{Value: asset.Name},
			"token":      &types.AttributeValueMemberS{Value: asset.Token},
			"size":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", asset.Size)},
			"state":      &types.AttributeValueMemberS{Value: string(state)},
			"created_at": &types.AttributeValueMemberS{Value: asset.CreatedAt.UTC().Format(dynamoTimeFormat)},
		},
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionalFailure(err) {
			return serr.E(serr.KindAlreadyExists, op, asset.ID, nil)
		}
		return serr.E(serr.KindBackend, op, asset.ID, err)
	}
	return nil
}

func (s *DynamoDBStore) GetAsset(ctx context.Context, id string) (*AssetRecord, error) {
	const op = "backend.GetAsset"

	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.metaKey(pkAsset(id)),
	})
	if err != nil {
		return nil, serr.E(serr.KindBackend, op, id, err)
	}
	if resp.Item == nil {
		return nil, serr.E(serr.KindNotFound, op, id, nil)
	}
	return itemToAsset(resp.Item), nil
}

func (s *DynamoDBStore) FinalizeAsset(ctx context.Context, id string, size int64) error {
	const op = "backend.FinalizeAsset"

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              s.metaKey(pkAsset(id)),
		UpdateExpression: aws.String("SET #state = :state, #size = :size"),
		ExpressionAttributeNames: map[string]string{
			"#state": "state",
			"#size":  "size",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":state": &types.AttributeValueMemberS{Value: string(StateComplete)},
			":size":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", size)},
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		if isConditionalFailure(err) {
			return serr.E(serr.KindNotFound, op, id, nil)
		}
		return serr.E(serr.KindBackend, op, id, err)
	}
	return nil
}

func (s *DynamoDBStore) DeleteAsset(ctx context.Context, id string) error {
	const op = "backend.DeleteAsset"

	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.metaKey(pkAsset(id)),
	})
	if err != nil {
		return serr.E(serr.KindBackend, op, id, err)
	}
	return nil
}

func (s *DynamoDBStore) ListAssets(ctx context.Context, bucket string) (Cursor[*AssetRecord], error) {
	return s.listAssets(ctx, "backend.ListAssets", func(a *AssetRecord) bool {
		return a.Bucket == bucket
	})
}

func (s *DynamoDBStore) ListPendingAssets(ctx context.Context) (Cursor[*AssetRecord], error) {
	return s.listAssets(ctx, "backend.ListPendingAssets", func(a *AssetRecord) bool {
		return a.State == StatePending
	})
}

func (s *DynamoDBStore) listAssets(ctx context.Context, op string, keep func(*AssetRecord) bool) (Cursor[*AssetRecord], error) {
	items, err := s.scanByType(ctx, "ASSET#")
	if err != nil {
		return nil, serr.E(serr.KindBackend, op, "", err)
	}

	var assets []*AssetRecord
	for _, item := range items {
		a := itemToAsset(item)
		if keep(a) {
			assets = append(assets, a)
		}
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].ID < assets[j].ID })

	return NewSliceCursor(assets), nil
}

// scanByType pages through the table collecting metadata items whose pk
// carries the given prefix.
func (s *DynamoDBStore) scanByType(ctx context.Context, pkPrefix string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var exclusiveStartKey map[string]types.AttributeValue

	for {
		input := &dynamodb.ScanInput{
			TableName:        aws.String(s.tableName),
			FilterExpression: aws.String("begins_with(pk, :prefix) AND sk = :meta"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prefix": &types.AttributeValueMemberS{Value: pkPrefix},
				":meta":   &types.AttributeValueMemberS{Value: skMetadata()},
			},
		}
		if exclusiveStartKey != nil {
			input.ExclusiveStartKey = exclusiveStartKey
		}

		resp, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, err
		}

		items = append(items, resp.Items...)

		if resp.LastEvaluatedKey == nil {
			break
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}

	return items, nil
}

func getString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key]; ok {
		if sv, ok := v.(*types.AttributeValueMemberS); ok {
			return sv.Value
		}
	}
	return ""
}

func getNInt(item map[string]types.AttributeValue, key string) int64 {
	if v, ok := item[key]; ok {
		if nv, ok := v.(*types.AttributeValueMemberN); ok {
			var n int64
			fmt.Sscanf(nv.Value, "%d", &n)
			return n
		}
	}
	return 0
}

func itemToBucket(item map[string]types.AttributeValue) *BucketRecord {
	createdAt, _ := time.Parse(dynamoTimeFormat, getString(item, "created_at"))
	return &BucketRecord{
		Name:      getString(item, "name"),
		Metadata:  json.RawMessage(getString(item, "metadata")),
		CreatedAt: createdAt,
	}
}

func itemToAsset(item map[string]types.AttributeValue) *AssetRecord {
	createdAt, _ := time.Parse(dynamoTimeFormat, getString(item, "created_at"))
	return &AssetRecord{
		ID:        getString(item, "id"),
		Bucket:    getString(item, "bucket"),
		Name:      getString(item, "name"),
		Token:     getString(item, "token"),
		Size:      getNInt(item, "size"),
		State:     AssetState(getString(item, "state")),
		CreatedAt: createdAt,
	}
}
