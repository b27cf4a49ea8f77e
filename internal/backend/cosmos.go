package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/stowage/stowage/internal/config"
	serr "github.com/stowage/stowage/internal/errors"
)

const cosmosTimeFormat = "2006-01-02T15:04:05.000Z"

// CosmosStore implements the Store interface on an Azure Cosmos DB container.
// Records are partitioned by type ("bucket", "token", "asset") with prefixed
// item IDs. Uniqueness comes from CreateItem, which returns 409 on conflict.
type CosmosStore struct {
	client    *azcosmos.ContainerClient
	database  string
	container string
}

// NewCosmosStore creates a CosmosStore from configuration using master key
// authentication.
func NewCosmosStore(ctx context.Context, cfg *config.CosmosConfig) (*CosmosStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cosmos config is required")
	}
	if cfg.Endpoint == "" || cfg.MasterKey == "" {
		return nil, fmt.Errorf("cosmos endpoint and master key are required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("cosmos database name is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("cosmos container name is required")
	}

	cred, err := azcosmos.NewKeyCredential(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cosmos key credential: %w", err)
	}

	client, err := azcosmos.NewClientWithKey(cfg.Endpoint, cred, &azcosmos.ClientOptions{
		ClientOptions: policy.ClientOptions{},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}

	dbClient, err := client.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("getting database client: %w", err)
	}

	containerClient, err := dbClient.NewContainer(cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}

	return &CosmosStore{
		client:    containerClient,
		database:  cfg.Database,
		container: cfg.Container,
	}, nil
}

func (s *CosmosStore) Ping(ctx context.Context) error {
	_, err := s.client.Read(ctx, nil)
	if err != nil {
		return serr.E(serr.KindBackend, "backend.Ping", s.container, err)
	}
	return nil
}

func (s *CosmosStore) Close() error { return nil }

func cosmosStatus(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

// cosmosItem is the single document shape shared by all record types.
type cosmosItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Name      string `json:"name,omitempty"`
	Metadata  string `json:"metadata,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	Token     string `json:"token,omitempty"`
	AssetID   string `json:"asset_id,omitempty"`
	Size      int64  `json:"size,omitempty"`
	State     string `json:"state,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

func (s *CosmosStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	const op = "backend.CreateBucket"

	meta := "{}"
	if bucket.Metadata != nil {
		meta = string(bucket.Metadata)
	}

	item := &cosmosItem{
		ID:        "bucket_" + bucket.Name,
		Type:      "bucket",
		Name:      bucket.Name,
		Metadata:  meta,
		CreatedAt: bucket.CreatedAt.UTC().Format(cosmosTimeFormat),
	}

	data, err := json.Marshal(item)
	if err != nil {
		return serr.E(serr.KindBackend, op, bucket.Name, err)
	}

	_, err = s.client.CreateItem(ctx, azcosmos.NewPartitionKeyString("bucket"), data, nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusConflict {
			return serr.E(serr.KindAlreadyExists, op, bucket.Name, nil)
		}
		return serr.E(serr.KindBackend, op, bucket.Name, err)
	}
	return nil
}

func (s *CosmosStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	const op = "backend.GetBucket"

	resp, err := s.client.ReadItem(ctx, azcosmos.NewPartitionKeyString("bucket"), "bucket_"+name, nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return nil, serr.E(serr.KindNotFound, op, name, nil)
		}
		return nil, serr.E(serr.KindBackend, op, name, err)
	}

	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return nil, serr.E(serr.KindBackend, op, name, err)
	}
	return cosmosToBucket(&item), nil
}

func (s *CosmosStore) ListBuckets(ctx context.Context) (Cursor[*BucketRecord], error) {
	pager := s.client.NewQueryItemsPager(
		"SELECT * FROM c WHERE c.type = 'bucket' ORDER BY c.name",
		azcosmos.NewPartitionKeyString("bucket"), nil)

	return &cosmosCursor[*BucketRecord]{
		op:    "backend.ListBuckets",
		ctx:   ctx,
		pager: pager,
		convert: func(item *cosmosItem) *BucketRecord {
			return cosmosToBucket(item)
		},
	}, nil
}

func (s *CosmosStore) CreateBucketToken(ctx context.Context, bucket, token string) error {
	const op = "backend.CreateBucketToken"

	if _, err := s.GetBucket(ctx, bucket); err != nil {
		if serr.IsNotFound(err) {
			return serr.E(serr.KindNotFound, op, bucket, nil)
		}
		return err
	}

	item := &cosmosItem{
		ID:        "token_" + token,
		Type:      "token",
		Token:     token,
		Bucket:    bucket,
		CreatedAt: time.Now().UTC().Format(cosmosTimeFormat),
	}

	data, err := json.Marshal(item)
	if err != nil {
		return serr.E(serr.KindBackend, op, token, err)
	}

	_, err = s.client.CreateItem(ctx, azcosmos.NewPartitionKeyString("token"), data, nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusConflict {
			return serr.E(serr.KindAlreadyExists, op, token, nil)
		}
		return serr.E(serr.KindBackend, op, token, err)
	}
	return nil
}

func (s *CosmosStore) GetBucketFromToken(ctx context.Context, token string) (string, error) {
	const op = "backend.GetBucketFromToken"

	resp, err := s.client.ReadItem(ctx, azcosmos.NewPartitionKeyString("token"), "token_"+token, nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return "", serr.E(serr.KindNotFound, op, token, nil)
		}
		return "", serr.E(serr.KindBackend, op, token, err)
	}

	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return "", serr.E(serr.KindBackend, op, token, err)
	}
	return item.Bucket, nil
}

func (s *CosmosStore) CreateAsset(ctx context.Context, asset *AssetRecord) error {
	const op = "backend.CreateAsset"

	state := asset.State
	if state == "" {
		state = StatePending
	}

	item := &cosmosItem{
		ID:        "asset_" + asset.ID,
		Type:      "asset",
		AssetID:   asset.ID,
		Bucket:    asset.Bucket,
		Name:      asset.Name,
		Token:     asset.Token,
		Size:      asset.Size,
		State:     string(state),
		CreatedAt: asset.CreatedAt.UTC().Format(cosmosTimeFormat),
	}

	data, err := json.Marshal(item)
	if err != nil {
		return serr.E(serr.KindBackend, op, asset.ID, err)
	}

	_, err = s.client.CreateItem(ctx, azcosmos.NewPartitionKeyString("asset"), data, nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusConflict {
			return serr.E(serr.KindAlreadyExists, op, asset.ID, nil)
		}
		return serr.E(serr.KindBackend, op, asset.ID, err)
	}
	return nil
}

func (s *CosmosStore) GetAsset(ctx context.Context, id string) (*AssetRecord, error) {
	const op = "backend.GetAsset"

	resp, err := s.client.ReadItem(ctx, azcosmos.NewPartitionKeyString("asset"), "asset_"+id, nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return nil, serr.E(serr.KindNotFound, op, id, nil)
		}
		return nil, serr.E(serr.KindBackend, op, id, err)
	}

	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return nil, serr.E(serr.KindBackend, op, id, err)
	}
	return cosmosToAsset(&item), nil
}

// FinalizeAsset is a read-modify-replace; Cosmos has no partial update on
// this SDK surface.
func (s *CosmosStore) FinalizeAsset(ctx context.Context, id string, size int64) error {
	const op = "backend.FinalizeAsset"

	pk := azcosmos.NewPartitionKeyString("asset")
	resp, err := s.client.ReadItem(ctx, pk, "asset_"+id, nil)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return serr.E(serr.KindNotFound, op, id, nil)
		}
		return serr.E(serr.KindBackend, op, id, err)
	}

	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return serr.E(serr.KindBackend, op, id, err)
	}
	item.State = string(StateComplete)
	item.Size = size

	data, err := json.Marshal(&item)
	if err != nil {
		return serr.E(serr.KindBackend, op, id, err)
	}

	if _, err := s.client.ReplaceItem(ctx, pk, item.ID, data, nil); err != nil {
		return serr.E(serr.KindBackend, op, id, err)
	}
	return nil
}

func (s *CosmosStore) DeleteAsset(ctx context.Context, id string) error {
	const op = "backend.DeleteAsset"

	_, err := s.client.DeleteItem(ctx, azcosmos.NewPartitionKeyString("asset"), "asset_"+id, nil)
	if err != nil && cosmosStatus(err) != http.StatusNotFound {
		return serr.E(serr.KindBackend, op, id, err)
	}
	return nil
}

func (s *CosmosStore) ListAssets(ctx context.Context, bucket string) (Cursor[*AssetRecord], error) {
	pager := s.client.NewQueryItemsPager(
		"SELECT * FROM c WHERE c.type = 'asset' AND c.bucket = @bucket ORDER BY c.asset_id",
		azcosmos.NewPartitionKeyString("asset"), &azcosmos.QueryOptions{
			QueryParameters: []azcosmos.QueryParameter{
				{Name: "@bucket", Value: bucket},
			},
		})

	return &cosmosCursor[*AssetRecord]{
		op:      "backend.ListAssets",
		ctx:     ctx,
		pager:   pager,
		convert: cosmosToAsset,
	}, nil
}

func (s *CosmosStore) ListPendingAssets(ctx context.Context) (Cursor[*AssetRecord], error) {
	pager := s.client.NewQueryItemsPager(
		"SELECT * FROM c WHERE c.type = 'asset' AND c.state = @state",
		azcosmos.NewPartitionKeyString("asset"), &azcosmos.QueryOptions{
			QueryParameters: []azcosmos.QueryParameter{
				{Name: "@state", Value: string(StatePending)},
			},
		})

	return &cosmosCursor[*AssetRecord]{
		op:      "backend.ListPendingAssets",
		ctx:     ctx,
		pager:   pager,
		convert: cosmosToAsset,
	}, nil
}

// cosmosCursor walks query result pages one at a time, holding at most a
// single page of raw items in memory.
type cosmosCursor[T any] struct {
	op      string
	ctx     context.Context
	pager   *runtime.Pager[azcosmos.QueryItemsResponse]
	convert func(*cosmosItem) T
	page    [][]byte
	pos     int
	cur     T
	err     error
}

func (c *cosmosCursor[T]) Next() bool {
	if c.err != nil {
		return false
	}
	for {
		for c.pos < len(c.page) {
			raw := c.page[c.pos]
			c.pos++
			var item cosmosItem
			if err := json.Unmarshal(raw, &item); err != nil {
				continue
			}
			c.cur = c.convert(&item)
			return true
		}
		if !c.pager.More() {
			return false
		}
		resp, err := c.pager.NextPage(c.ctx)
		if err != nil {
			c.err = serr.E(serr.KindBackend, c.op, "", err)
			return false
		}
		c.page = resp.Items
		c.pos = 0
	}
}

func (c *cosmosCursor[T]) Record() T    { return c.cur }
func (c *cosmosCursor[T]) Err() error   { return c.err }
func (c *cosmosCursor[T]) Close() error { return nil }

func cosmosToBucket(item *cosmosItem) *BucketRecord {
	createdAt, _ := time.Parse(cosmosTimeFormat, item.CreatedAt)
	return &BucketRecord{
		Name:      item.Name,
		Metadata:  json.RawMessage(item.Metadata),
		CreatedAt: createdAt,
	}
}

func cosmosToAsset(item *cosmosItem) *AssetRecord {
	createdAt, _ := time.Parse(cosmosTimeFormat, item.CreatedAt)
	return &AssetRecord{
		ID:        item.AssetID,
		Bucket:    item.Bucket,
		Name:      item.Name,
		Token:     item.Token,
		Size:      item.Size,
		State:     AssetState(item.State),
		CreatedAt: createdAt,
	}
}
