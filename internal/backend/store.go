// Package backend defines the interface and implementations for Stowage's
// metadata persistence layer, which tracks buckets, upload tokens, and assets.
package backend

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// BucketRecord represents the metadata for a single bucket.
type BucketRecord struct {
	// Name is the caller-chosen unique bucket name.
	Name string `json:"name"`
	// Metadata is the opaque JSON document supplied at creation.
	Metadata json.RawMessage `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenRecord represents an upload token scoped to one bucket. Tokens do not
// expire in this core; expiration policy is a backend extension point.
type TokenRecord struct {
	Token     string    `json:"token"`
	Bucket    string    `json:"bucket"`
	CreatedAt time.Time `json:"created_at"`
}

// AssetState marks whether an asset's blob write has been committed.
type AssetState string

const (
	// StatePending means the metadata record exists but the blob has not
	// been fully flushed yet. Pending assets are never reported as durable.
	StatePending AssetState = "pending"
	// StateComplete means the blob has been committed; the asset is durable.
	StateComplete AssetState = "complete"
)

// AssetRecord represents the metadata for a single ingested asset. The raw
// payload lives in the blob store, keyed by ID; it is never embedded here.
type AssetRecord struct {
	// ID is the generated 16-hex-character asset identifier.
	ID string `json:"id"`
	Bucket string `json:"bucket"`
	// Name is the caller-supplied asset name. Not required to be unique.
	Name string `json:"name"`
	// Token is the upload token the asset was created through.
	Token string `json:"token"`
	// Size is the committed payload size in bytes. Zero until finalized.
	Size  int64      `json:"size"`
	State AssetState `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Cursor lazily yields records from an ordered backend scan. The caller can
// consume one record at a time without the backend materializing the full
// result set. A cursor is not restartable; a fresh List call starts over.
//
// Usage mirrors database/sql rows:
//
//	for cur.Next() {
//		rec := cur.Record()
//		...
//	}
//	if err := cur.Err(); err != nil { ... }
type Cursor[T any] interface {
	// Next advances to the next record, returning false when the scan is
	// exhausted or has failed.
	Next() bool
	// Record returns the current record. Only valid after Next returns true.
	Record() T
	// Err returns the error that terminated the scan, if any.
	Err() error
	// Close releases resources held by the cursor.
	Close() error
}

// Store defines the interface for all metadata operations required by
// Stowage. Implementations must be safe for concurrent use and must surface
// failures through the internal/errors taxonomy so callers can tell a missing
// key (NotFound, AlreadyExists, client errors) from a storage-layer failure
// (Backend, possibly transient).
type Store interface {
	io.Closer

	// Ping checks connectivity to the metadata store.
	Ping(ctx context.Context) error

	// Bucket operations

	// CreateBucket durably persists a new bucket record. Creating a name
	// that already exists fails with AlreadyExists and leaves the original
	// record untouched.
	CreateBucket(ctx context.Context, bucket *BucketRecord) error

	// GetBucket retrieves the metadata for the named bucket.
	GetBucket(ctx context.Context, name string) (*BucketRecord, error)

	// ListBuckets returns a cursor over all buckets in name order.
	ListBuckets(ctx context.Context) (Cursor[*BucketRecord], error)

	// Token operations

	// CreateBucketToken persists a token-to-bucket mapping. The bucket must
	// exist; issuing a token string that already exists fails with
	// AlreadyExists.
	CreateBucketToken(ctx context.Context, bucket, token string) error

	// GetBucketFromToken resolves a token to its bucket name.
	GetBucketFromToken(ctx context.Context, token string) (string, error)

	// Asset operations

	// CreateAsset persists an asset metadata record. Callable independently
	// of blob storage; the record's state tracks blob commitment.
	CreateAsset(ctx context.Context, asset *AssetRecord) error

	// GetAsset retrieves the metadata for the identified asset.
	GetAsset(ctx context.Context, id string) (*AssetRecord, error)

	// FinalizeAsset promotes a pending asset to complete and records its
	// committed payload size.
	FinalizeAsset(ctx context.Context, id string, size int64) error

	// DeleteAsset removes an asset metadata record. Idempotent.
	DeleteAsset(ctx context.Context, id string) error

	// ListAssets returns a cursor over the bucket's assets in ID order
	// (which is creation-time order, since IDs are time-ordered).
	ListAssets(ctx context.Context, bucket string) (Cursor[*AssetRecord], error)

	// ListPendingAssets returns a cursor over all assets still in the
	// pending state, for reconciliation against the blob store.
	ListPendingAssets(ctx context.Context) (Cursor[*AssetRecord], error)
}

// sliceCursor adapts an already-materialized slice to the Cursor interface.
// Used by implementations whose underlying scan yields records in batches.
type sliceCursor[T any] struct {
	records []T
	pos     int
	err     error
}

func (c *sliceCursor[T]) Next() bool {
	if c.err != nil || c.pos >= len(c.records) {
		return false
	}
	c.pos++
	return true
}

func (c *sliceCursor[T]) Record() T   { return c.records[c.pos-1] }
func (c *sliceCursor[T]) Err() error  { return c.err }
func (c *sliceCursor[T]) Close() error { return nil }

// errCursor is a cursor that fails immediately with the given error after
// yielding a fixed prefix of records. It exists for tests that need to
// exercise mid-stream failure propagation.
type errCursor[T any] struct {
	sliceCursor[T]
	failAfter int
	failErr   error
}

func (c *errCursor[T]) Next() bool {
	if c.pos >= c.failAfter {
		c.err = c.failErr
		return false
	}
	return c.sliceCursor.Next()
}

// NewSliceCursor returns a cursor over the given records. Exposed so tests
// and in-memory callers can construct cursors without a backend.
func NewSliceCursor[T any](records []T) Cursor[T] {
	return &sliceCursor[T]{records: records}
}

// NewFailingCursor returns a cursor that yields failAfter records from the
// given slice and then fails with err.
func NewFailingCursor[T any](records []T, failAfter int, err error) Cursor[T] {
	return &errCursor[T]{
		sliceCursor: sliceCursor[T]{records: records},
		failAfter:   failAfter,
		failErr:     err,
	}
}
