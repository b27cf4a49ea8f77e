package blob

import (
	"bytes"
	"context"
	"io"
	"sync"

	serr "github.com/stowage/stowage/internal/errors"
)

// MemoryStore implements the Store interface with an in-process map. Used in
// tests and for ephemeral development deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, id string, reader io.Reader) (int64, error) {
	data, err := io.ReadAll(ContextReader(ctx, reader))
	if err != nil {
		return 0, serr.E(serr.KindIO, "blob.Put", id, err)
	}

	s.mu.Lock()
	s.blobs[id] = data
	s.mu.Unlock()

	return int64(len(data)), nil
}

func (s *MemoryStore) Open(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	s.mu.RLock()
	data, ok := s.blobs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, 0, serr.E(serr.KindNotFound, "blob.Open", id, nil)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.blobs, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	_, ok := s.blobs[id]
	s.mu.RUnlock()
	return ok, nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error { return nil }
