package backend

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	serr "github.com/stowage/stowage/internal/errors"
)

// fakeDynamo is an in-memory DynamoAPI that honors the conditional
// expressions DynamoDBStore relies on for uniqueness and existence checks.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(item map[string]types.AttributeValue) string {
	pk := item["pk"].(*types.AttributeValueMemberS).Value
	sk := item["sk"].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func conditionalCheckFailed() error {
	return &smithy.GenericAPIError{
		Code:    "ConditionalCheckFailedException",
		Message: "The conditional request failed",
	}
}

func (f *fakeDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := itemKey(params.Item)
	if params.ConditionExpression != nil && *params.ConditionExpression == "attribute_not_exists(pk)" {
		if _, exists := f.items[key]; exists {
			return nil, conditionalCheckFailed()
		}
	}
	f.items[key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	item, exists := f.items[itemKey(params.Key)]
	if !exists {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := itemKey(params.Key)
	item, exists := f.items[key]
	if !exists {
		if params.ConditionExpression != nil && *params.ConditionExpression == "attribute_exists(pk)" {
			return nil, conditionalCheckFailed()
		}
		item = map[string]types.AttributeValue{}
		for k, v := range params.Key {
			item[k] = v
		}
		f.items[key] = item
	}

	// Only the SET expression DynamoDBStore issues is supported:
	// "SET #state = :state, #size = :size".
	item[params.ExpressionAttributeNames["#state"]] = params.ExpressionAttributeValues[":state"]
	item[params.ExpressionAttributeNames["#size"]] = params.ExpressionAttributeValues[":size"]
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.items, itemKey(params.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := params.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value

	var out []map[string]types.AttributeValue
	for key, item := range f.items {
		if strings.HasPrefix(key, prefix) {
			out = append(out, item)
		}
	}
	return &dynamodb.ScanOutput{Items: out}, nil
}

func (f *fakeDynamo) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{}, nil
}

func newTestDynamoStore(t *testing.T) *DynamoDBStore {
	t.Helper()
	return NewDynamoDBStoreWithClient(newFakeDynamo(), "stowage-test")
}

func TestDynamoBucketOperations(t *testing.T) {
	store := newTestDynamoStore(t)
	ctx := context.Background()

	seedBucket(t, store, "photos")

	got, err := store.GetBucket(ctx, "photos")
	if err != nil {
		t.Fatalf("GetBucket: %v", err)
	}
	if got.Name != "photos" {
		t.Errorf("Name = %q, want %q", got.Name, "photos")
	}

	if _, err := store.GetBucket(ctx, "missing"); !serr.IsNotFound(err) {
		t.Errorf("GetBucket(missing) error = %v, want NotFound", err)
	}

	err = store.CreateBucket(ctx, &BucketRecord{Name: "photos", CreatedAt: time.Now().UTC()})
	if !serr.IsAlreadyExists(err) {
		t.Errorf("duplicate CreateBucket error = %v, want AlreadyExists", err)
	}
}

func TestDynamoListBucketsSorted(t *testing.T) {
	store := newTestDynamoStore(t)

	for _, name := range []string{"zebra", "alpha", "mango"} {
		seedBucket(t, store, name)
	}

	bucketsCur, bucketsErr := store.ListBuckets(context.Background())
	buckets := collect(t, mustCursor(t, bucketsCur, bucketsErr))
	want := []string{"alpha", "mango", "zebra"}
	if len(buckets) != len(want) {
		t.Fatalf("ListBuckets returned %d buckets, want %d", len(buckets), len(want))
	}
	for i, b := range buckets {
		if b.Name != want[i] {
			t.Errorf("bucket[%d] = %q, want %q", i, b.Name, want[i])
		}
	}
}

func TestDynamoTokenOperations(t *testing.T) {
	store := newTestDynamoStore(t)
	ctx := context.Background()

	seedBucket(t, store, "photos")

	if err := store.CreateBucketToken(ctx, "photos", "t1"); err != nil {
		t.Fatalf("CreateBucketToken: %v", err)
	}
	bucket, err := store.GetBucketFromToken(ctx, "t1")
	if err != nil {
		t.Fatalf("GetBucketFromToken: %v", err)
	}
	if bucket != "photos" {
		t.Errorf("resolved bucket = %q, want %q", bucket, "photos")
	}

	if err := store.CreateBucketToken(ctx, "photos", "t1"); !serr.IsAlreadyExists(err) {
		t.Errorf("duplicate token error = %v, want AlreadyExists", err)
	}
	if err := store.CreateBucketToken(ctx, "ghost", "t2"); !serr.IsNotFound(err) {
		t.Errorf("token for missing bucket error = %v, want NotFound", err)
	}
}

func TestDynamoAssetLifecycle(t *testing.T) {
	store := newTestDynamoStore(t)
	ctx := context.Background()

	seedBucket(t, store, "photos")
	seedAsset(t, store, "0000000000000001", "photos", StatePending)

	if err := store.FinalizeAsset(ctx, "0000000000000001", 512); err != nil {
		t.Fatalf("FinalizeAsset: %v", err)
	}

	got, err := store.GetAsset(ctx, "0000000000000001")
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if got.State != StateComplete || got.Size != 512 {
		t.Errorf("asset = %q/%d, want complete/512", got.State, got.Size)
	}

	if err := store.FinalizeAsset(ctx, "ffffffffffffffff", 1); !serr.IsNotFound(err) {
		t.Errorf("FinalizeAsset(missing) error = %v, want NotFound", err)
	}

	if err := store.DeleteAsset(ctx, "0000000000000001"); err != nil {
		t.Fatalf("DeleteAsset: %v", err)
	}
	if _, err := store.GetAsset(ctx, "0000000000000001"); !serr.IsNotFound(err) {
		t.Errorf("GetAsset after delete error = %v, want NotFound", err)
	}
}

func TestDynamoListAssetsFiltersAndSorts(t *testing.T) {
	store := newTestDynamoStore(t)
	ctx := context.Background()

	seedBucket(t, store, "photos")
	seedBucket(t, store, "docs")
	for _, id := range []string{"0000000000000003", "0000000000000001"} {
		seedAsset(t, store, id, "photos", StateComplete)
	}
	seedAsset(t, store, "0000000000000002", "docs", StatePending)

	assetsCur, assetsErr := store.ListAssets(ctx, "photos")
	assets := collect(t, mustCursor(t, assetsCur, assetsErr))
	if len(assets) != 2 {
		t.Fatalf("ListAssets returned %d assets, want 2", len(assets))
	}
	if assets[0].ID != "0000000000000001" || assets[1].ID != "0000000000000003" {
		t.Errorf("assets out of order: %q, %q", assets[0].ID, assets[1].ID)
	}

	pendingCur, pendingErr := store.ListPendingAssets(ctx)
	pending := collect(t, mustCursor(t, pendingCur, pendingErr))
	if len(pending) != 1 || pending[0].ID != "0000000000000002" {
		t.Errorf("ListPendingAssets = %v, want the single docs asset", pending)
	}
}
