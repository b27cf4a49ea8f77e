package blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	serr "github.com/stowage/stowage/internal/errors"
)

// fakeS3 is an in-memory S3API for exercising S3Store without the network.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func s3NotFound() error {
	return &smithy.GenericAPIError{Code: "NoSuchKey", Message: "The specified key does not exist."}
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*params.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*params.Key]
	if !ok {
		return nil, s3NotFound()
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *params.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*params.Key]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "Not Found"}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func TestS3PutAndOpen(t *testing.T) {
	client := newFakeS3()
	store := NewS3StoreWithClient("blobs", "us-east-1", "stowage/", client)
	ctx := context.Background()

	content := "cloud bytes"
	written, err := store.Put(ctx, "00000000000000a1", strings.NewReader(content))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if written != int64(len(content)) {
		t.Errorf("written = %d, want %d", written, len(content))
	}

	// The configured prefix is applied to the upstream key.
	if _, ok := client.objects["stowage/00000000000000a1"]; !ok {
		t.Error("object not stored under prefixed key")
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
}

func TestS3OpenMissing(t *testing.T) {
	store := NewS3StoreWithClient("blobs", "us-east-1", "", newFakeS3())

	_, _, err := store.Open(context.Background(), "ffffffffffffffff")
	if !serr.IsNotFound(err) {
		t.Errorf("Open(missing) error = %v, want NotFound", err)
	}
}

func TestS3ExistsAndDelete(t *testing.T) {
	store := NewS3StoreWithClient("blobs", "us-east-1", "", newFakeS3())
	ctx := context.Background()

	if _, err := store.Put(ctx, "00000000000000b2", strings.NewReader("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, err := store.Exists(ctx, "00000000000000b2")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("Exists = false after Put")
	}

	if err := store.Delete(ctx, "00000000000000b2"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	// Idempotent.
	if err := store.Delete(ctx, "00000000000000b2"); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}

	exists, err = store.Exists(ctx, "00000000000000b2")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("Exists = true after Delete")
	}
}

func TestS3HealthCheck(t *testing.T) {
	store := NewS3StoreWithClient("blobs", "us-east-1", "", newFakeS3())
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}
