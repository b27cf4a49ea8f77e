package blob

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	serr "github.com/stowage/stowage/internal/errors"
)

// LocalStore implements the Store interface on the local filesystem. Blobs
// are stored as files under a configurable root directory, sharded by the
// first two hex characters of the asset ID to keep directories small.
//
// Writes use the crash-only atomic pattern: stream to a temp file, fsync,
// rename into place. A blob is visible under its final path only after it is
// fully durable, so a crash mid-write never leaves a partial blob at the
// final path.
type LocalStore struct {
	// RootDir is the base directory under which all blob data is stored.
	RootDir string
}

// NewLocalStore creates a LocalStore rooted at the given directory. It
// creates the root and the .tmp directory if they do not exist.
func NewLocalStore(rootDir string) (*LocalStore, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob root directory %q: %w", rootDir, err)
	}
	tmpDir := filepath.Join(rootDir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	return &LocalStore{RootDir: rootDir}, nil
}

// CleanTempFiles removes all files in the .tmp directory. Called on startup;
// any temp files left behind are incomplete writes from a previous crash.
func (s *LocalStore) CleanTempFiles() error {
	tmpDir := filepath.Join(s.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

// blobPath returns the final filesystem path for an asset ID.
func (s *LocalStore) blobPath(id string) string {
	shard := "00"
	if len(id) >= 2 {
		shard = id[:2]
	}
	return filepath.Join(s.RootDir, shard, id)
}

// tempPath returns a unique temporary file path in the .tmp directory.
func (s *LocalStore) tempPath() string {
	var b [8]byte
	rand.Read(b[:])
	return filepath.Join(s.RootDir, ".tmp", "tmp-"+hex.EncodeToString(b[:]))
}

func (s *LocalStore) Put(ctx context.Context, id string, reader io.Reader) (int64, error) {
	const op = "blob.Put"

	path := s.blobPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, serr.E(serr.KindIO, op, id, err)
	}

	tmpPath := s.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return 0, serr.E(serr.KindIO, op, id, err)
	}

	written, err := io.Copy(tmpFile, ContextReader(ctx, reader))
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, serr.E(serr.KindIO, op, id, err)
	}

	// Fsync before rename to guarantee durability.
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, serr.E(serr.KindIO, op, id, err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, serr.E(serr.KindIO, op, id, err)
	}

	// Atomic rename: temp -> final path.
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, serr.E(serr.KindIO, op, id, err)
	}

	return written, nil
}

func (s *LocalStore) Open(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	const op = "blob.Open"

	file, err := os.Open(s.blobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, serr.E(serr.KindNotFound, op, id, nil)
		}
		return nil, 0, serr.E(serr.KindIO, op, id, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, serr.E(serr.KindIO, op, id, err)
	}

	return file, info.Size(), nil
}

// Delete removes the blob file. Idempotent: deleting a missing blob is not
// an error. Empty shard directories are cleaned up best-effort.
func (s *LocalStore) Delete(ctx context.Context, id string) error {
	const op = "blob.Delete"

	path := s.blobPath(id)
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return serr.E(serr.KindIO, op, id, err)
	}

	// Fails silently if the shard directory is not empty.
	os.Remove(filepath.Dir(path))
	return nil
}

func (s *LocalStore) Exists(ctx context.Context, id string) (bool, error) {
	info, err := os.Stat(s.blobPath(id))
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, serr.E(serr.KindIO, "blob.Exists", id, err)
}

func (s *LocalStore) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(s.RootDir); err != nil {
		return serr.E(serr.KindIO, "blob.HealthCheck", s.RootDir, err)
	}
	return nil
}
