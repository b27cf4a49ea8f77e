package blob

import (
	"context"
	"io"
	"strings"
	"testing"

	serr "github.com/stowage/stowage/internal/errors"
)

func TestMemoryPutOpenDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	content := "in memory"
	written, err := store.Put(ctx, "00000000000000a1", strings.NewReader(content))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if written != int64(len(content)) {
		t.Errorf("written = %d, want %d", written, len(content))
	}

	reader, size, err := store.Open(ctx, "00000000000000a1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reader.Close()
	if size != int64(len(content)) {
		t.Errorf("size = %d, want %d", size, len(content))
	}
	data, _ := io.ReadAll(reader)
	if string(data) != content {
		t.Errorf("data = %q, want %q", data, content)
	}

	exists, err := store.Exists(ctx, "00000000000000a1")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("Exists = false after Put")
	}

	if err := store.Delete(ctx, "00000000000000a1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "00000000000000a1"); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}

	if _, _, err := store.Open(ctx, "00000000000000a1"); !serr.IsNotFound(err) {
		t.Errorf("Open after Delete error = %v, want NotFound", err)
	}
}

func TestMemoryHealthCheck(t *testing.T) {
	store := NewMemoryStore()
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}
