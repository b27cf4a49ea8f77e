// Azure Blob Storage blob store for Stowage.
//
// Payloads are stored in a single container under {prefix}{asset_id}.
// Credentials are resolved via DefaultAzureCredential (env vars, managed
// identity, Azure CLI).
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	serr "github.com/stowage/stowage/internal/errors"
)

// AzureBlobAPI defines the subset of the Azure Blob client interface that
// the blob store uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// UploadStream streams the reader into the named blob, returning the
	// number of bytes committed.
	UploadStream(ctx context.Context, container, blobName string, reader io.Reader) (int64, error)
	// DownloadStream opens the named blob for reading, also returning its
	// size.
	DownloadStream(ctx context.Context, container, blobName string) (io.ReadCloser, int64, error)
	// DeleteBlob deletes the named blob.
	DeleteBlob(ctx context.Context, container, blobName string) error
	// BlobSize returns the size of the named blob.
	BlobSize(ctx context.Context, container, blobName string) (int64, error)
	// ContainerExists verifies the container is reachable.
	ContainerExists(ctx context.Context, container string) error
}

// realAzureClient wraps the official Azure SDK client to satisfy
// AzureBlobAPI.
type realAzureClient struct {
	client *azblob.Client
}

func newRealAzureClient(accountURL string) (*realAzureClient, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}

	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}

	return &realAzureClient{client: client}, nil
}

// countingReader tracks how many bytes have been consumed from the wrapped
// reader. UploadStream does not report a byte count, so we count on the way
// in.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *realAzureClient) UploadStream(ctx context.Context, container, blobName string, reader io.Reader) (int64, error) {
	cr := &countingReader{r: reader}
	_, err := c.client.UploadStream(ctx, container, blobName, cr, nil)
	if err != nil {
		return 0, err
	}
	return cr.n, nil
}

func (c *realAzureClient) DownloadStream(ctx context.Context, container, blobName string) (io.ReadCloser, int64, error) {
	resp, err := c.client.DownloadStream(ctx, container, blobName, nil)
	if err != nil {
		return nil, 0, err
	}
	var size int64
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return resp.Body, size, nil
}

func (c *realAzureClient) DeleteBlob(ctx context.Context, container, blobName string) error {
	_, err := c.client.DeleteBlob(ctx, container, blobName, nil)
	return err
}

func (c *realAzureClient) BlobSize(ctx context.Context, container, blobName string) (int64, error) {
	resp, err := c.client.ServiceClient().NewContainerClient(container).NewBlobClient(blobName).GetProperties(ctx, nil)
	if err != nil {
		return 0, err
	}
	if resp.ContentLength != nil {
		return *resp.ContentLength, nil
	}
	return 0, nil
}

func (c *realAzureClient) ContainerExists(ctx context.Context, container string) error {
	_, err := c.client.ServiceClient().NewContainerClient(container).GetProperties(ctx, nil)
	return err
}

// AzureStore implements the Store interface on an Azure Blob Storage
// container.
type AzureStore struct {
	// Container is the blob container name.
	Container string
	// Prefix is the blob name prefix for all payloads.
	Prefix string
	client AzureBlobAPI
}

// NewAzureStore creates an AzureStore backed by the given storage account
// and container, using DefaultAzureCredential.
func NewAzureStore(ctx context.Context, accountURL, container, prefix string) (*AzureStore, error) {
	client, err := newRealAzureClient(accountURL)
	if err != nil {
		return nil, err
	}

	s := &AzureStore{
		Container: container,
		Prefix:    prefix,
		client:    client,
	}

	if err := client.ContainerExists(ctx, container); err != nil {
		return nil, fmt.Errorf("cannot access Azure container %q: %w", container, err)
	}

	slog.Info("Azure blob store initialized", "container", container, "prefix", prefix)
	return s, nil
}

// NewAzureStoreWithClient creates an AzureStore with a pre-configured
// client. Primarily used for testing with mocks.
func NewAzureStoreWithClient(container, prefix string, client AzureBlobAPI) *AzureStore {
	return &AzureStore{
		Container: container,
		Prefix:    prefix,
		client:    client,
	}
}

func (s *AzureStore) key(id string) string {
	return s.Prefix + id
}

func (s *AzureStore) Put(ctx context.Context, id string, reader io.Reader) (int64, error) {
	const op = "blob.Put"

	written, err := s.client.UploadStream(ctx, s.Container, s.key(id), ContextReader(ctx, reader))
	if err != nil {
		return 0, serr.E(serr.KindBackend, op, id, err)
	}
	return written, nil
}

func (s *AzureStore) Open(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	const op = "blob.Open"

	r, size, err := s.client.DownloadStream(ctx, s.Container, s.key(id))
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, serr.E(serr.KindNotFound, op, id, nil)
		}
		return nil, 0, serr.E(serr.KindBackend, op, id, err)
	}
	return r, size, nil
}

func (s *AzureStore) Delete(ctx context.Context, id string) error {
	err := s.client.DeleteBlob(ctx, s.Container, s.key(id))
	if err != nil && !isAzureNotFound(err) {
		return serr.E(serr.KindBackend, "blob.Delete", id, err)
	}
	return nil
}

func (s *AzureStore) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.client.BlobSize(ctx, s.Container, s.key(id))
	if err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, serr.E(serr.KindBackend, "blob.Exists", id, err)
	}
	return true, nil
}

func (s *AzureStore) HealthCheck(ctx context.Context) error {
	if err := s.client.ContainerExists(ctx, s.Container); err != nil {
		return serr.E(serr.KindBackend, "blob.HealthCheck", s.Container, err)
	}
	return nil
}

// isAzureNotFound checks if an Azure error is a 404.
func isAzureNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

var _ Store = (*AzureStore)(nil)
var _ Store = (*LocalStore)(nil)
var _ Store = (*MemoryStore)(nil)
