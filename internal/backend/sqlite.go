package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	serr "github.com/stowage/stowage/internal/errors"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
const timeFormat = "2006-01-02T15:04:05.000Z"

// SQLiteStore implements the Store interface using SQLite as the backing
// database. It is the reference implementation: an embedded store whose
// primary keys give ordered scans, with durable ACID metadata writes suitable
// for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore with the given DSN and initializes
// the database schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the required tables and indexes.
// Safe to call multiple times (idempotent via IF NOT EXISTS).
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS buckets (
			name       TEXT PRIMARY KEY,
			metadata   TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tokens (
			token      TEXT PRIMARY KEY,
			bucket     TEXT NOT NULL,
			created_at TEXT NOT NULL,

			FOREIGN KEY (bucket) REFERENCES buckets(name)
		);

		CREATE INDEX IF NOT EXISTS idx_tokens_bucket ON tokens(bucket);

		CREATE TABLE IF NOT EXISTS assets (
			id         TEXT PRIMARY KEY,
			bucket     TEXT NOT NULL,
			name       TEXT NOT NULL,
			token      TEXT NOT NULL,
			size       INTEGER NOT NULL DEFAULT 0,
			state      TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL,

			FOREIGN KEY (bucket) REFERENCES buckets(name)
		);

		CREATE INDEX IF NOT EXISTS idx_assets_bucket ON assets(bucket, id);
		CREATE INDEX IF NOT EXISTS idx_assets_state ON assets(state);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks connectivity to the database.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return serr.E(serr.KindBackend, "backend.Ping", "", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a primary-key or unique-constraint
// failure from the sqlite driver.
func isUniqueViolation(err error) bool {
	return err != nil &&
		(strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "PRIMARY KEY"))
}

// ---- Bucket operations ----

// CreateBucket creates a new bucket record. Duplicate names are rejected and
// the existing record is left untouched.
func (s *SQLiteStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	const op = "backend.CreateBucket"

	metadata := "{}"
	if bucket.Metadata != nil {
		metadata = string(bucket.Metadata)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets (name, metadata, created_at) VALUES (?, ?, ?)`,
		bucket.Name,
		metadata,
		bucket.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return serr.E(serr.KindAlreadyExists, op, bucket.Name, nil)
		}
		return serr.E(serr.KindBackend, op, bucket.Name, err)
	}
	return nil
}

// GetBucket retrieves bucket metadata by name.
func (s *SQLiteStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	const op = "backend.GetBucket"

	row := s.db.QueryRowContext(ctx,
		`SELECT name, metadata, created_at FROM buckets WHERE name = ?`,
		name,
	)

	var b BucketRecord
	var metadataStr, createdAtStr string
	err := row.Scan(&b.Name, &metadataStr, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, serr.E(serr.KindNotFound, op, name, nil)
	}
	if err != nil {
		return nil, serr.E(serr.KindBackend, op, name, err)
	}
	b.Metadata = json.RawMessage(metadataStr)
	b.CreatedAt, _ = time.Parse(timeFormat, createdAtStr)
	return &b, nil
}

// ListBuckets returns a cursor over all buckets in name order. The cursor
// wraps a live sql.Rows scan, so records are produced incrementally.
func (s *SQLiteStore) ListBuckets(ctx context.Context) (Cursor[*BucketRecord], error) {
	const op = "backend.ListBuckets"

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, metadata, created_at FROM buckets ORDER BY name`,
	)
	if err != nil {
		return nil, serr.E(serr.KindBackend, op, "", err)
	}
	return &bucketRows{rows: rows, op: op}, nil
}

// bucketRows adapts sql.Rows to Cursor[*BucketRecord].
type bucketRows struct {
	rows *sql.Rows
	op   string
	cur  *BucketRecord
	err  error
}

func (c *bucketRows) Next() bool {
	if c.err != nil {
		return false
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			c.err = serr.E(serr.KindBackend, c.op, "", err)
		}
		return false
	}
	var b BucketRecord
	var metadataStr, createdAtStr string
	if err := c.rows.Scan(&b.Name, &metadataStr, &createdAtStr); err != nil {
		c.err = serr.E(serr.KindBackend, c.op, "", err)
		return false
	}
	b.Metadata = json.RawMessage(metadataStr)
	b.CreatedAt, _ = time.Parse(timeFormat, createdAtStr)
	c.cur = &b
	return true
}

func (c *bucketRows) Record() *BucketRecord { return c.cur }
func (c *bucketRows) Err() error            { return c.err }
func (c *bucketRows) Close() error          { return c.rows.Close() }

// ---- Token operations ----

// CreateBucketToken persists a token-to-bucket mapping. The caller is
// expected to have verified bucket existence; a dangling bucket reference is
// additionally rejected here by the foreign key constraint.
func (s *SQLiteStore) CreateBucketToken(ctx context.Context, bucket, token string) error {
	const op = "backend.CreateBucketToken"

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (token, bucket, created_at) VALUES (?, ?, ?)`,
		token,
		bucket,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return serr.E(serr.KindAlreadyExists, op, token, nil)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return serr.E(serr.KindNotFound, op, bucket, nil)
		}
		return serr.E(serr.KindBackend, op, token, err)
	}
	return nil
}

// GetBucketFromToken resolves a token to its bucket name. This is always a
// durable read against the database, never a cached value, so tokens survive
// process restarts.
func (s *SQLiteStore) GetBucketFromToken(ctx context.Context, token string) (string, error) {
	const op = "backend.GetBucketFromToken"

	row := s.db.QueryRowContext(ctx,
		`SELECT bucket FROM tokens WHERE token = ?`,
		token,
	)

	var bucket string
	err := row.Scan(&bucket)
	if err == sql.ErrNoRows {
		return "", serr.E(serr.KindNotFound, op, token, nil)
	}
	if err != nil {
		return "", serr.E(serr.KindBackend, op, token, err)
	}
	return bucket, nil
}

// ---- Asset operations ----

// CreateAsset persists an asset metadata record, independent of the blob
// write.
func (s *SQLiteStore) CreateAsset(ctx context.Context, asset *AssetRecord) error {
	const op = "backend.CreateAsset"

	state := asset.State
	if state == "" {
		state = StatePending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (id, bucket, name, token, size, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		asset.ID,
		asset.Bucket,
		asset.Name,
		asset.Token,
		asset.Size,
		string(state),
		asset.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return serr.E(serr.KindAlreadyExists, op, asset.ID, nil)
		}
		return serr.E(serr.KindBackend, op, asset.ID, err)
	}
	return nil
}

// GetAsset retrieves asset metadata by ID.
func (s *SQLiteStore) GetAsset(ctx context.Context, id string) (*AssetRecord, error) {
	const op = "backend.GetAsset"

	row := s.db.QueryRowContext(ctx,
		`SELECT id, bucket, name, token, size, state, created_at
		 FROM assets WHERE id = ?`,
		id,
	)

	a, err := scanAsset(row.Scan)
	if err == sql.ErrNoRows {
		return nil, serr.E(serr.KindNotFound, op, id, nil)
	}
	if err != nil {
		return nil, serr.E(serr.KindBackend, op, id, err)
	}
	return a, nil
}

// FinalizeAsset promotes a pending asset to complete and records its size.
func (s *SQLiteStore) FinalizeAsset(ctx context.Context, id string, size int64) error {
	const op = "backend.FinalizeAsset"

	result, err := s.db.ExecContext(ctx,
		`UPDATE assets SET state = ?, size = ? WHERE id = ?`,
		string(StateComplete), size, id,
	)
	if err != nil {
		return serr.E(serr.KindBackend, op, id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return serr.E(serr.KindBackend, op, id, err)
	}
	if rows == 0 {
		return serr.E(serr.KindNotFound, op, id, nil)
	}
	return nil
}

// DeleteAsset removes an asset metadata record. Idempotent.
func (s *SQLiteStore) DeleteAsset(ctx context.Context, id string) error {
	const op = "backend.DeleteAsset"

	if _, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, id); err != nil {
		return serr.E(serr.KindBackend, op, id, err)
	}
	return nil
}

// ListAssets returns a cursor over the bucket's assets in ID order.
func (s *SQLiteStore) ListAssets(ctx context.Context, bucket string) (Cursor[*AssetRecord], error) {
	const op = "backend.ListAssets"

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bucket, name, token, size, state, created_at
		 FROM assets WHERE bucket = ? ORDER BY id`,
		bucket,
	)
	if err != nil {
		return nil, serr.E(serr.KindBackend, op, bucket, err)
	}
	return &assetRows{rows: rows, op: op}, nil
}

// ListPendingAssets returns a cursor over all pending assets, for
// reconciliation against the blob store.
func (s *SQLiteStore) ListPendingAssets(ctx context.Context) (Cursor[*AssetRecord], error) {
	const op = "backend.ListPendingAssets"

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bucket, name, token, size, state, created_at
		 FROM assets WHERE state = ? ORDER BY id`,
		string(StatePending),
	)
	if err != nil {
		return nil, serr.E(serr.KindBackend, op, "", err)
	}
	return &assetRows{rows: rows, op: op}, nil
}

// scanAsset scans one asset row using the given scan function.
func scanAsset(scan func(dest ...any) error) (*AssetRecord, error) {
	var a AssetRecord
	var state, createdAtStr string
	if err := scan(&a.ID, &a.Bucket, &a.Name, &a.Token, &a.Size, &state, &createdAtStr); err != nil {
		return nil, err
	}
	a.State = AssetState(state)
	a.CreatedAt, _ = time.Parse(timeFormat, createdAtStr)
	return &a, nil
}

// assetRows adapts sql.Rows to Cursor[*AssetRecord].
type assetRows struct {
	rows *sql.Rows
	op   string
	cur  *AssetRecord
	err  error
}

func (c *assetRows) Next() bool {
	if c.err != nil {
		return false
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			c.err = serr.E(serr.KindBackend, c.op, "", err)
		}
		return false
	}
	a, err := scanAsset(c.rows.Scan)
	if err != nil {
		c.err = serr.E(serr.KindBackend, c.op, "", err)
		return false
	}
	c.cur = a
	return true
}

func (c *assetRows) Record() *AssetRecord { return c.cur }
func (c *assetRows) Err() error           { return c.err }
func (c *assetRows) Close() error         { return c.rows.Close() }
