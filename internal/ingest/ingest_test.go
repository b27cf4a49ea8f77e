package ingest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stowage/stowage/internal/backend"
	"github.com/stowage/stowage/internal/blob"
	serr "github.com/stowage/stowage/internal/errors"
	"github.com/stowage/stowage/internal/flake"
	"github.com/stowage/stowage/internal/token"
)

func newTestPipeline(t *testing.T) (*Pipeline, backend.Store, blob.Store) {
	t.Helper()
	store := backend.NewMemoryStore()
	blobs := blob.NewMemoryStore()
	tokens := token.NewManager(store)
	return NewPipeline(store, blobs, tokens, flake.New(1)), store, blobs
}

func seedBucketAndToken(t *testing.T, store backend.Store, bucket, tok string) {
	t.Helper()
	ctx := context.Background()
	err := store.CreateBucket(ctx, &backend.BucketRecord{
		Name:      bucket,
		Metadata:  json.RawMessage("{}"),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateBucket(%q): %v", bucket, err)
	}
	if err := store.CreateBucketToken(ctx, bucket, tok); err != nil {
		t.Fatalf("CreateBucketToken(%q): %v", tok, err)
	}
}

func TestReceiveCommitsAsset(t *testing.T) {
	p, store, blobs := newTestPipeline(t)
	ctx := context.Background()

	seedBucketAndToken(t, store, "photos", "t1")

	content := "jpeg bytes"
	asset, err := p.Receive(ctx, "t1", "cat.png", strings.NewReader(content))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if asset.Bucket != "photos" {
		t.Errorf("Bucket = %q, want %q", asset.Bucket, "photos")
	}
	if asset.Name != "cat.png" {
		t.Errorf("Name = %q, want %q", asset.Name, "cat.png")
	}
	if asset.State != backend.StateComplete {
		t.Errorf("State = %q, want complete", asset.State)
	}
	if asset.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", asset.Size, len(content))
	}
	if len(asset.ID) != 16 {
		t.Errorf("ID = %q, want 16 hex characters", asset.ID)
	}

	// The record in the store matches what Receive returned.
	stored, err := store.GetAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if stored.State != backend.StateComplete || stored.Size != asset.Size {
		t.Errorf("stored record = %q/%d, want complete/%d", stored.State, stored.Size, asset.Size)
	}

	// The payload round-trips byte-identical.
	reader, _, err := blobs.Open(ctx, asset.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()
	data, _ := io.ReadAll(reader)
	if string(data) != content {
		t.Errorf("payload = %q, want %q", data, content)
	}
}

func TestReceiveEmptyPayload(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	seedBucketAndToken(t, store, "photos", "t1")

	asset, err := p.Receive(context.Background(), "t1", "empty.bin", strings.NewReader(""))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if asset.Size != 0 {
		t.Errorf("Size = %d, want 0", asset.Size)
	}
	if asset.State != backend.StateComplete {
		t.Errorf("State = %q, want complete", asset.State)
	}
}

func TestReceiveLargePayload(t *testing.T) {
	p, store, blobs := newTestPipeline(t)
	seedBucketAndToken(t, store, "photos", "t1")

	payload := make([]byte, 8<<20)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("generating payload: %v", err)
	}

	asset, err := p.Receive(context.Background(), "t1", "big.bin", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if asset.Size != int64(len(payload)) {
		t.Errorf("Size = %d, want %d", asset.Size, len(payload))
	}

	reader, _, err := blobs.Open(context.Background(), asset.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()
	data, _ := io.ReadAll(reader)
	if !bytes.Equal(data, payload) {
		t.Error("payload corrupted on round trip")
	}
}

// countingReader counts how many bytes were read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func TestReceiveInvalidTokenReadsNoBytes(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	seedBucketAndToken(t, store, "photos", "t1")

	payload := &countingReader{r: strings.NewReader("should never be read")}
	_, err := p.Receive(context.Background(), "no-such-token", "x.bin", payload)
	if !serr.IsInvalidToken(err) {
		t.Fatalf("Receive error = %v, want InvalidToken", err)
	}
	if payload.n != 0 {
		t.Errorf("invalid-token upload consumed %d payload bytes, want 0", payload.n)
	}
}

func TestReceivePayloadFailureLeavesNoAsset(t *testing.T) {
	p, store, blobs := newTestPipeline(t)
	ctx := context.Background()
	seedBucketAndToken(t, store, "photos", "t1")

	// The payload stream breaks partway through.
	payload := io.MultiReader(
		strings.NewReader(strings.Repeat("x", 1024)),
		&brokenReader{err: errors.New("client went away")},
	)

	_, err := p.Receive(ctx, "t1", "broken.bin", payload)
	if err == nil {
		t.Fatal("Receive succeeded with a failing payload stream")
	}
	if serr.KindOf(err) != serr.KindIO {
		t.Errorf("Receive error kind = %v, want KindIO", serr.KindOf(err))
	}

	// Cleanup removed the pending record; nothing is left to reconcile.
	pending := drain(t, store)
	if len(pending) != 0 {
		t.Errorf("%d pending records left after failed ingestion", len(pending))
	}

	// Listing the bucket shows no trace of the failed upload.
	cur, err := store.ListAssets(ctx, "photos")
	if err != nil {
		t.Fatalf("ListAssets: %v", err)
	}
	defer cur.Close()
	if cur.Next() {
		rec := cur.Record()
		t.Errorf("failed ingestion left asset record %+v", rec)
		// And no orphaned blob either.
		if exists, _ := blobs.Exists(ctx, rec.ID); exists {
			t.Errorf("failed ingestion left blob %s", rec.ID)
		}
	}
}

func TestReceiveConcurrentUploadsGetUniqueIDs(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	seedBucketAndToken(t, store, "photos", "t1")

	const workers = 8
	const perWorker = 50

	var mu sync.Mutex
	ids := make(map[string]bool)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				name := fmt.Sprintf("f-%d-%d.bin", w, i)
				asset, err := p.Receive(context.Background(), "t1", name, strings.NewReader(name))
				if err != nil {
					t.Errorf("Receive(%s): %v", name, err)
					return
				}
				mu.Lock()
				if ids[asset.ID] {
					t.Errorf("duplicate asset ID %s", asset.ID)
				}
				ids[asset.ID] = true
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(ids) != workers*perWorker {
		t.Errorf("got %d unique IDs, want %d", len(ids), workers*perWorker)
	}
}

// drain collects all pending asset records.
func drain(t *testing.T, store backend.Store) []*backend.AssetRecord {
	t.Helper()
	cur, err := store.ListPendingAssets(context.Background())
	if err != nil {
		t.Fatalf("ListPendingAssets: %v", err)
	}
	defer cur.Close()
	var out []*backend.AssetRecord
	for cur.Next() {
		out = append(out, cur.Record())
	}
	if err := cur.Err(); err != nil {
		t.Fatalf("scanning pending assets: %v", err)
	}
	return out
}

// brokenReader fails on every Read.
type brokenReader struct {
	err error
}

func (r *brokenReader) Read(p []byte) (int, error) {
	return 0, r.err
}
