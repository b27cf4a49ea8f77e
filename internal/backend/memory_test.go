package backend

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	serr "github.com/stowage/stowage/internal/errors"
)

func TestMemoryBucketOperations(t *testing.T) {
	store := NewMemoryStore()
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

func TestMemoryListBucketsOrdered(t *testing.T) {
	store := NewMemoryStore()

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

func TestMemoryTokenOperations(t *testing.T) {
	store := NewMemoryStore()
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
	if _, err := store.GetBucketFromToken(ctx, "unknown"); !serr.IsNotFound(err) {
		t.Errorf("unknown token error = %v, want NotFound", err)
	}
}

func TestMemoryAssetLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seedBucket(t, store, "photos")
	seedAsset(t, store, "0000000000000001", "photos", StatePending)

	if err := store.FinalizeAsset(ctx, "0000000000000001", 128); err != nil {
		t.Fatalf("FinalizeAsset: %v", err)
	}
	got, err := store.GetAsset(ctx, "0000000000000001")
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if got.State != StateComplete || got.Size != 128 {
		t.Errorf("asset = %q/%d, want complete/128", got.State, got.Size)
	}

	if err := store.FinalizeAsset(ctx, "ffffffffffffffff", 1); !serr.IsNotFound(err) {
		t.Errorf("FinalizeAsset(missing) error = %v, want NotFound", err)
	}

	if err := store.DeleteAsset(ctx, "0000000000000001"); err != nil {
		t.Fatalf("DeleteAsset: %v", err)
	}
	if err := store.DeleteAsset(ctx, "0000000000000001"); err != nil {
		t.Errorf("second DeleteAsset: %v", err)
	}
}

func TestMemoryRecordsAreCopied(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seedBucket(t, store, "photos")
	seedAsset(t, store, "0000000000000001", "photos", StatePending)

	// Mutating a returned record must not affect the stored one.
	got, err := store.GetAsset(ctx, "0000000000000001")
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	got.State = StateComplete
	got.Size = 999

	fresh, err := store.GetAsset(ctx, "0000000000000001")
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if fresh.State != StatePending || fresh.Size != 0 {
		t.Errorf("stored record mutated through returned copy: %q/%d", fresh.State, fresh.Size)
	}
}

func TestMemoryCursorSkipsDeleted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seedBucket(t, store, "photos")
	for i := 1; i <= 3; i++ {
		seedAsset(t, store, fmt.Sprintf("%016x", i), "photos", StateComplete)
	}

	// Delete a record after the cursor snapshots its key set; the cursor
	// must skip it rather than yield a stale record.
	cur, err := store.ListAssets(ctx, "photos")
	if err != nil {
		t.Fatalf("ListAssets: %v", err)
	}
	defer cur.Close()

	if err := store.DeleteAsset(ctx, fmt.Sprintf("%016x", 2)); err != nil {
		t.Fatalf("DeleteAsset: %v", err)
	}

	var ids []string
	for cur.Next() {
		ids = append(ids, cur.Record().ID)
	}
	if len(ids) != 2 {
		t.Fatalf("cursor yielded %d records, want 2: %v", len(ids), ids)
	}
	for _, id := range ids {
		if id == fmt.Sprintf("%016x", 2) {
			t.Errorf("cursor yielded deleted record %s", id)
		}
	}
}

func TestMemoryConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seedBucket(t, store, "photos")

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("%08x%08x", w, i)
				if err := store.CreateAsset(ctx, &AssetRecord{
					ID:        id,
					Bucket:    "photos",
					Name:      "f",
					State:     StatePending,
					CreatedAt: time.Now().UTC(),
				}); err != nil {
					t.Errorf("CreateAsset(%s): %v", id, err)
					return
				}
				if err := store.FinalizeAsset(ctx, id, int64(i)); err != nil {
					t.Errorf("FinalizeAsset(%s): %v", id, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	assetsCur, assetsErr := store.ListAssets(ctx, "photos")
	assets := collect(t, mustCursor(t, assetsCur, assetsErr))
	if len(assets) != 800 {
		t.Errorf("ListAssets returned %d assets, want 800", len(assets))
	}
}
