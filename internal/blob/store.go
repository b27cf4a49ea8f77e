// Package blob defines the interface and implementations for Stowage's raw
// asset payload storage. Blobs are keyed by asset ID; metadata lives in the
// backend package.
package blob

import (
	"context"
	"io"
)

// Store defines the interface for reading and writing raw asset payloads.
// All methods must be safe for concurrent use.
type Store interface {
	// Put streams the payload from the reader into durable storage under the
	// given asset ID. It returns the number of bytes committed. Put returns
	// only after the payload is fully flushed and committed; a nil error
	// means the blob is durable. On failure no partial blob remains visible
	// under the ID.
	Put(ctx context.Context, id string, reader io.Reader) (int64, error)

	// Open returns a reader over the payload stored under the given asset ID
	// along with its size. The caller is responsible for closing the
	// returned ReadCloser.
	Open(ctx context.Context, id string) (io.ReadCloser, int64, error)

	// Delete removes the payload stored under the given asset ID. Idempotent.
	Delete(ctx context.Context, id string) error

	// Exists reports whether a payload is stored under the given asset ID.
	Exists(ctx context.Context, id string) (bool, error)

	// HealthCheck verifies that the blob store is operational.
	HealthCheck(ctx context.Context) error
}

// ctxReader wraps a reader so a long copy notices context cancellation
// between chunks instead of running to completion.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ContextReader returns a reader that fails with the context's error once
// the context is done.
func ContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}
