// GCS blob store for Stowage.
//
// Payloads are stored in a single upstream GCS bucket under
// {prefix}{asset_id}. Credentials are resolved via Application Default
// Credentials (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	serr "github.com/stowage/stowage/internal/errors"
)

// GCSAPI defines the subset of the GCS client interface that the blob store
// uses. This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object. The object is
	// committed when the writer is closed without error.
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
	// NewReader returns a reader for the given GCS object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// Size returns the size of the given GCS object.
	Size(ctx context.Context, bucket, object string) (int64, error)
	// ListObjects lists object names with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Size(ctx context.Context, bucket, object string) (int64, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return 0, err
	}
	return attrs.Size, nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// GCSStore implements the Store interface on an upstream Google Cloud
// Storage bucket. GCS writers stream directly; a blob becomes visible only
// when the writer is closed successfully, so Put commits on Close.
type GCSStore struct {
	// Bucket is the upstream GCS bucket name.
	Bucket string
	// Project is the GCP project ID.
	Project string
	// Prefix is the object name prefix for all blobs.
	Prefix string
	client GCSAPI
}

// NewGCSStore creates a GCSStore backed by the specified bucket, using
// Application Default Credentials.
func NewGCSStore(ctx context.Context, bucket, project, prefix string) (*GCSStore, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	s := &GCSStore{
		Bucket:  bucket,
		Project: project,
		Prefix:  prefix,
		client:  &realGCSClient{client: client},
	}

	// Verify the upstream bucket is accessible.
	if _, err := s.client.ListObjects(ctx, bucket, "\x00nonexistent\x00"); err != nil {
		return nil, fmt.Errorf("cannot access upstream GCS bucket %q: %w", bucket, err)
	}

	slog.Info("GCS blob store initialized", "bucket", bucket, "project", project, "prefix", prefix)
	return s, nil
}

// NewGCSStoreWithClient creates a GCSStore with a pre-configured client.
// Primarily used for testing with mocks.
func NewGCSStoreWithClient(bucket, project, prefix string, client GCSAPI) *GCSStore {
	return &GCSStore{
		Bucket:  bucket,
		Project: project,
		Prefix:  prefix,
		client:  client,
	}
}

func (s *GCSStore) key(id string) string {
	return s.Prefix + id
}

func (s *GCSStore) Put(ctx context.Context, id string, reader io.Reader) (int64, error) {
	const op = "blob.Put"

	w := s.client.NewWriter(ctx, s.Bucket, s.key(id))

	written, err := io.Copy(w, ContextReader(ctx, reader))
	if err != nil {
		// Abandoning the writer without a successful Close discards the
		// upload; nothing becomes visible under the object name.
		w.Close()
		return 0, serr.E(serr.KindIO, op, id, err)
	}

	// Close commits the object. Only a clean Close means durable.
	if err := w.Close(); err != nil {
		return 0, serr.E(serr.KindBackend, op, id, err)
	}

	return written, nil
}

func (s *GCSStore) Open(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	const op = "blob.Open"

	size, err := s.client.Size(ctx, s.Bucket, s.key(id))
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, 0, serr.E(serr.KindNotFound, op, id, nil)
		}
		return nil, 0, serr.E(serr.KindBackend, op, id, err)
	}

	r, err := s.client.NewReader(ctx, s.Bucket, s.key(id))
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, 0, serr.E(serr.KindNotFound, op, id, nil)
		}
		return nil, 0, serr.E(serr.KindBackend, op, id, err)
	}

	return r, size, nil
}

func (s *GCSStore) Delete(ctx context.Context, id string) error {
	err := s.client.Delete(ctx, s.Bucket, s.key(id))
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return serr.E(serr.KindBackend, "blob.Delete", id, err)
	}
	return nil
}

func (s *GCSStore) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.client.Size(ctx, s.Bucket, s.key(id))
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return false, nil
		}
		return false, serr.E(serr.KindBackend, "blob.Exists", id, err)
	}
	return true, nil
}

func (s *GCSStore) HealthCheck(ctx context.Context) error {
	if _, err := s.client.ListObjects(ctx, s.Bucket, "\x00nonexistent\x00"); err != nil {
		return serr.E(serr.KindBackend, "blob.HealthCheck", s.Bucket, err)
	}
	return nil
}

var _ Store = (*GCSStore)(nil)
