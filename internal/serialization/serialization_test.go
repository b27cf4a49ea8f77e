package serialization

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stowage/stowage/internal/backend"
)

func TestWriteArrayEmpty(t *testing.T) {
	var buf bytes.Buffer
	cur := backend.NewSliceCursor([]*backend.BucketRecord(nil))

	if err := WriteArray(&buf, cur); err != nil {
		t.Fatalf("WriteArray: %v", err)
	}
	if buf.String() != "[]" {
		t.Errorf("output = %q, want %q", buf.String(), "[]")
	}
}

func TestWriteArrayRecords(t *testing.T) {
	var buf bytes.Buffer
	records := []*backend.BucketRecord{
		{Name: "alpha", Metadata: json.RawMessage("{}"), CreatedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)},
		{Name: "beta", Metadata: json.RawMessage("{}"), CreatedAt: time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)},
	}

	if err := WriteArray(&buf, backend.NewSliceCursor(records)); err != nil {
		t.Fatalf("WriteArray: %v", err)
	}

	// The output must be valid JSON that decodes back to the same names.
	var got []backend.BucketRecord
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output not valid JSON: %v\n%s", err, buf.String())
	}
	if len(got) != 2 || got[0].Name != "alpha" || got[1].Name != "beta" {
		t.Errorf("decoded %+v, want alpha and beta", got)
	}

	// Comma-separated, no trailing comma.
	if strings.Contains(buf.String(), ",]") {
		t.Errorf("output has trailing comma: %s", buf.String())
	}
}

func TestWriteArrayMidStreamError(t *testing.T) {
	var buf bytes.Buffer
	records := []*backend.AssetRecord{
		{ID: "0000000000000001", Bucket: "b", State: backend.StateComplete},
		{ID: "0000000000000002", Bucket: "b", State: backend.StateComplete},
		{ID: "0000000000000003", Bucket: "b", State: backend.StateComplete},
	}
	scanErr := errors.New("connection lost")
	cur := backend.NewFailingCursor(records, 2, scanErr)

	err := WriteArray(&buf, cur)
	if !errors.Is(err, scanErr) {
		t.Fatalf("WriteArray error = %v, want %v", err, scanErr)
	}

	out := buf.String()
	// The records before the failure were flushed.
	if !strings.Contains(out, "0000000000000001") || !strings.Contains(out, "0000000000000002") {
		t.Errorf("records before failure missing from output: %s", out)
	}
	// The array is left unterminated so the client can detect truncation.
	if strings.HasSuffix(out, "]") {
		t.Errorf("output terminated despite mid-stream error: %s", out)
	}
	if json.Valid([]byte(out)) {
		t.Errorf("truncated output parses as valid JSON: %s", out)
	}
}

func TestExportMetadata(t *testing.T) {
	store := backend.NewMemoryStore()
	ctx := context.Background()

	for _, name := range []string{"photos", "docs"} {
		err := store.CreateBucket(ctx, &backend.BucketRecord{
			Name:      name,
			Metadata:  json.RawMessage("{}"),
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("CreateBucket(%q): %v", name, err)
		}
	}
	err := store.CreateAsset(ctx, &backend.AssetRecord{
		ID:        "0000000000000001",
		Bucket:    "photos",
		Name:      "cat.png",
		Token:     "t1",
		Size:      42,
		State:     backend.StateComplete,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}

	var buf bytes.Buffer
	if err := ExportMetadata(ctx, store, &buf); err != nil {
		t.Fatalf("ExportMetadata: %v", err)
	}

	var export Export
	if err := json.Unmarshal(buf.Bytes(), &export); err != nil {
		t.Fatalf("export not valid JSON: %v", err)
	}

	if export.Header.Version != ExportVersion {
		t.Errorf("header version = %d, want %d", export.Header.Version, ExportVersion)
	}
	if !strings.HasPrefix(export.Header.Source, "stowage/") {
		t.Errorf("header source = %q, want stowage/ prefix", export.Header.Source)
	}
	if len(export.Buckets) != 2 {
		t.Errorf("export has %d buckets, want 2", len(export.Buckets))
	}
	if len(export.Assets) != 1 || export.Assets[0].ID != "0000000000000001" {
		t.Errorf("export assets = %+v, want the single photos asset", export.Assets)
	}
}
