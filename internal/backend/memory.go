package backend

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	serr "github.com/stowage/stowage/internal/errors"
)

// MemoryStore implements the Store interface with in-process maps. It is used
// in tests and for ephemeral development deployments; nothing survives a
// restart.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*BucketRecord
	tokens  map[string]*TokenRecord
	assets  map[string]*AssetRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*BucketRecord),
		tokens:  make(map[string]*TokenRecord),
		assets:  make(map[string]*AssetRecord),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.buckets[bucket.Name]; exists {
		return serr.E(serr.KindAlreadyExists, "backend.CreateBucket", bucket.Name, nil)
	}

	cp := *bucket
	if cp.Metadata == nil {
		cp.Metadata = json.RawMessage("{}")
	}
	s.buckets[bucket.Name] = &cp
	return nil
}

func (s *MemoryStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket, exists := s.buckets[name]
	if !exists {
		return nil, serr.E(serr.KindNotFound, "backend.GetBucket", name, nil)
	}
	cp := *bucket
	return &cp, nil
}

// ListBuckets snapshots the key set under the read lock, then copies records
// one at a time as the cursor advances.
func (s *MemoryStore) ListBuckets(ctx context.Context) (Cursor[*BucketRecord], error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	return &memoryCursor[*BucketRecord]{
		keys: names,
		fetch: func(name string) (*BucketRecord, bool) {
			s.mu.RLock()
			defer s.mu.RUnlock()
			b, ok := s.buckets[name]
			if !ok {
				return nil, false
			}
			cp := *b
			return &cp, true
		},
	}, nil
}

func (s *MemoryStore) CreateBucketToken(ctx context.Context, bucket, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.buckets[bucket]; !exists {
		return serr.E(serr.KindNotFound, "backend.CreateBucketToken", bucket, nil)
	}
	if _, exists := s.tokens[token]; exists {
		return serr.E(serr.KindAlreadyExists, "backend.CreateBucketToken", token, nil)
	}

	s.tokens[token] = &TokenRecord{Token: token, Bucket: bucket}
	return nil
}

func (s *MemoryStore) GetBucketFromToken(ctx context.Context, token string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.tokens[token]
	if !exists {
		return "", serr.E(serr.KindNotFound, "backend.GetBucketFromToken", token, nil)
	}
	return rec.Bucket, nil
}

func (s *MemoryStore) CreateAsset(ctx context.Context, asset *AssetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.assets[asset.ID]; exists {
		return serr.E(serr.KindAlreadyExists, "backend.CreateAsset", asset.ID, nil)
	}

	cp := *asset
	if cp.State == "" {
		cp.State = StatePending
	}
	s.assets[asset.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAsset(ctx context.Context, id string) (*AssetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	asset, exists := s.assets[id]
	if !exists {
		return nil, serr.E(serr.KindNotFound, "backend.GetAsset", id, nil)
	}
	cp := *asset
	return &cp, nil
}

func (s *MemoryStore) FinalizeAsset(ctx context.Context, id string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	asset, exists := s.assets[id]
	if !exists {
		return serr.E(serr.KindNotFound, "backend.FinalizeAsset", id, nil)
	}
	asset.State = StateComplete
	asset.Size = size
	return nil
}

func (s *MemoryStore) DeleteAsset(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.assets, id)
	return nil
}

func (s *MemoryStore) ListAssets(ctx context.Context, bucket string) (Cursor[*AssetRecord], error) {
	return s.assetCursor(func(a *AssetRecord) bool { return a.Bucket == bucket }), nil
}

func (s *MemoryStore) ListPendingAssets(ctx context.Context) (Cursor[*AssetRecord], error) {
	return s.assetCursor(func(a *AssetRecord) bool { return a.State == StatePending }), nil
}

func (s *MemoryStore) assetCursor(keep func(*AssetRecord) bool) Cursor[*AssetRecord] {
	s.mu.RLock()
	ids := make([]string, 0, len(s.assets))
	for id, a := range s.assets {
		if keep(a) {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	return &memoryCursor[*AssetRecord]{
		keys: ids,
		fetch: func(id string) (*AssetRecord, bool) {
			s.mu.RLock()
			defer s.mu.RUnlock()
			a, ok := s.assets[id]
			if !ok {
				return nil, false
			}
			cp := *a
			return &cp, true
		},
	}
}

// memoryCursor walks a sorted key snapshot, fetching each record lazily so
// the lock is never held across the whole iteration. Records deleted between
// snapshot and fetch are skipped.
type memoryCursor[T any] struct {
	keys  []string
	pos   int
	cur   T
	fetch func(key string) (T, bool)
}

func (c *memoryCursor[T]) Next() bool {
	for c.pos < len(c.keys) {
		rec, ok := c.fetch(c.keys[c.pos])
		c.pos++
		if ok {
			c.cur = rec
			return true
		}
	}
	return false
}

func (c *memoryCursor[T]) Record() T    { return c.cur }
func (c *memoryCursor[T]) Err() error   { return nil }
func (c *memoryCursor[T]) Close() error { return nil }
