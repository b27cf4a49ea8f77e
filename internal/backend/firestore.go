package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/stowage/stowage/internal/config"
	serr "github.com/stowage/stowage/internal/errors"
)

const firestoreTimeFormat = "2006-01-02T15:04:05.000Z"

// FirestoreStore implements the Store interface on a single Firestore
// collection. Every record is one document; doc IDs are prefixed by record
// type so the keyspaces cannot collide. Uniqueness comes from Create, which
// fails when the document already exists.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a FirestoreStore from configuration.
func NewFirestoreStore(ctx context.Context, cfg *config.FirestoreConfig) (*FirestoreStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("firestore config is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "stowage"
	}

	return &FirestoreStore{
		client:     client,
		collection: collection,
	}, nil
}

func docIDBucket(name string) string { return "bucket_" + name }
func docIDToken(token string) string { return "token_" + token }
func docIDAsset(id string) string    { return "asset_" + id }

func (s *FirestoreStore) collectionRef() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestoreStore) Ping(ctx context.Context) error {
	_, err := s.collectionRef().Limit(1).Documents(ctx).Next()
	if err != nil && err != iterator.Done {
		return serr.E(serr.KindBackend, "backend.Ping", s.collection, err)
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *FirestoreStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	const op = "backend.CreateBucket"

	meta := "{}"
	if bucket.Metadata != nil {
		meta = string(bucket.Metadata)
	}

	docRef := s.collectionRef().Doc(docIDBucket(bucket.Name))
	_, err := docRef.Create(ctx, map[string]interface{}{
		"type":       "bucket",
		"name":       bucket.Name,
		"metadata":   meta,
		"created_at": bucket.CreatedAt.UTC().Format(firestoreTimeFormat),
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return serr.E(serr.KindAlreadyExists, op, bucket.Name, nil)
		}
		return serr.E(serr.KindBackend, op, bucket.Name, err)
	}
	return nil
}

func (s *FirestoreStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	const op = "backend.GetBucket"

	doc, err := s.collectionRef().Doc(docIDBucket(name)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, serr.E(serr.KindNotFound, op, name, nil)
		}
		return nil, serr.E(serr.KindBackend, op, name, err)
	}
	if !doc.Exists() {
		return nil, serr.E(serr.KindNotFound, op, name, nil)
	}
	return docToBucket(doc.Data()), nil
}

func (s *FirestoreStore) ListBuckets(ctx context.Context) (Cursor[*BucketRecord], error) {
	iter := s.collectionRef().
		Where("type", "==", "bucket").
		OrderBy("name", firestore.Asc).
		Documents(ctx)

	return &firestoreCursor[*BucketRecord]{
		op:      "backend.ListBuckets",
		iter:    iter,
		convert: docToBucket,
	}, nil
}

func (s *FirestoreStore) CreateBucketToken(ctx context.Context, bucket, token string) error {
	const op = "backend.CreateBucketToken"

	if _, err := s.GetBucket(ctx, bucket); err != nil {
		if serr.IsNotFound(err) {
			return serr.E(serr.KindNotFound, op, bucket, nil)
		}
		return err
	}

	docRef := s.collectionRef().Doc(docIDToken(token))
	_, err := docRef.Create(ctx, map[string]interface{}{
		"type":       "token",
		"token":      token,
		"bucket":     bucket,
		"created_at": time.Now().UTC().Format(firestoreTimeFormat),
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return serr.E(serr.KindAlreadyExists, op, token, nil)
		}
		return serr.E(serr.KindBackend, op, token, err)
	}
	return nil
}

func (s *FirestoreStore) GetBucketFromToken(ctx context.Context, token string) (string, error) {
	const op = "backend.GetBucketFromToken"

	doc, err := s.collectionRef().Doc(docIDToken(token)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", serr.E(serr.KindNotFound, op, token, nil)
		}
		return "", serr.E(serr.KindBackend, op, token, err)
	}
	if !doc.Exists() {
		return "", serr.E(serr.KindNotFound, op, token, nil)
	}
	return getStringFromMap(doc.Data(), "bucket"), nil
}

func (s *FirestoreStore) CreateAsset(ctx context.Context, asset *AssetRecord) error {
	const op = "backend.CreateAsset"

	state := asset.State
	if state == "" {
		state = StatePending
	}

	docRef := s.collectionRef().Doc(docIDAsset(asset.ID))
	_, err := docRef.Create(ctx, map[string]interface{}{
		"type":       "asset",
		"id":         asset.ID,
		"bucket":     asset.Bucket,
		"name":       asset.Name,
		"token":      asset.Token,
		"size":       asset.Size,
		"state":      string(state),
		"created_at": asset.CreatedAt.UTC().Format(firestoreTimeFormat),
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return serr.E(serr.KindAlreadyExists, op, asset.ID, nil)
		}
		return serr.E(serr.KindBackend, op, asset.ID, err)
	}
	return nil
}

func (s *FirestoreStore) GetAsset(ctx context.Context, id string) (*AssetRecord, error) {
	const op = "backend.GetAsset"

	doc, err := s.collectionRef().Doc(docIDAsset(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, serr.E(serr.KindNotFound, op, id, nil)
		}
		return nil, serr.E(serr.KindBackend, op, id, err)
	}
	if !doc.Exists() {
		return nil, serr.E(serr.KindNotFound, op, id, nil)
	}
	return docToAsset(doc.Data()), nil
}

func (s *FirestoreStore) FinalizeAsset(ctx context.Context, id string, size int64) error {
	const op = "backend.FinalizeAsset"

	docRef := s.collectionRef().Doc(docIDAsset(id))
	_, err := docRef.Update(ctx, []firestore.Update{
		{Path: "state", Value: string(StateComplete)},
		{Path: "size", Value: size},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return serr.E(serr.KindNotFound, op, id, nil)
		}
		return serr.E(serr.KindBackend, op, id, err)
	}
	return nil
}

func (s *FirestoreStore) DeleteAsset(ctx context.Context, id string) error {
	const op = "backend.DeleteAsset"

	_, err := s.collectionRef().Doc(docIDAsset(id)).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return serr.E(serr.KindBackend, op, id, err)
	}
	return nil
}

func (s *FirestoreStore) ListAssets(ctx context.Context, bucket string) (Cursor[*AssetRecord], error) {
	iter := s.collectionRef().
		Where("type", "==", "asset").
		Where("bucket", "==", bucket).
		OrderBy("id", firestore.Asc).
		Documents(ctx)

	return &firestoreCursor[*AssetRecord]{
		op:      "backend.ListAssets",
		iter:    iter,
		convert: docToAsset,
	}, nil
}

func (s *FirestoreStore) ListPendingAssets(ctx context.Context) (Cursor[*AssetRecord], error) {
	iter := s.collectionRef().
		Where("type", "==", "asset").
		Where("state", "==", string(StatePending)).
		Documents(ctx)

	return &firestoreCursor[*AssetRecord]{
		op:      "backend.ListPendingAssets",
		iter:    iter,
		convert: docToAsset,
	}, nil
}

// firestoreCursor adapts a document iterator to the Cursor interface,
// converting documents one at a time as the caller advances.
type firestoreCursor[T any] struct {
	op      string
	iter    *firestore.DocumentIterator
	convert func(map[string]interface{}) T
	cur     T
	err     error
}

func (c *firestoreCursor[T]) Next() bool {
	if c.err != nil {
		return false
	}
	doc, err := c.iter.Next()
	if err == iterator.Done {
		return false
	}
	if err != nil {
		c.err = serr.E(serr.KindBackend, c.op, "", err)
		return false
	}
	c.cur = c.convert(doc.Data())
	return true
}

func (c *firestoreCursor[T]) Record() T  { return c.cur }
func (c *firestoreCursor[T]) Err() error { return c.err }

func (c *firestoreCursor[T]) Close() error {
	c.iter.Stop()
	return nil
}

func getStringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getInt64FromMap(m map[string]interface{}, key string) int64 {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case int64:
			return n
		case int:
			return int64(n)
		case float64:
			return int64(n)
		}
	}
	return 0
}

func docToBucket(m map[string]interface{}) *BucketRecord {
	createdAt, _ := time.Parse(firestoreTimeFormat, getStringFromMap(m, "created_at"))
	return &BucketRecord{
		Name:      getStringFromMap(m, "name"),
		Metadata:  json.RawMessage(getStringFromMap(m, "metadata")),
		CreatedAt: createdAt,
	}
}

func docToAsset(m map[string]interface{}) *AssetRecord {
	createdAt, _ := time.Parse(firestoreTimeFormat, getStringFromMap(m, "created_at"))
	return &AssetRecord{
		ID:        getStringFromMap(m, "id"),
		Bucket:    getStringFromMap(m, "bucket"),
		Name:      getStringFromMap(m, "name"),
		Token:     getStringFromMap(m, "token"),
		Size:      getInt64FromMap(m, "size"),
		State:     AssetState(getStringFromMap(m, "state")),
		CreatedAt: createdAt,
	}
}
