// Package token implements capability-token issuance and resolution. A token
// is an opaque caller-chosen string granting upload access to exactly one
// bucket; holding a valid token is the only requirement to upload.
package token

import (
	"context"

	"github.com/stowage/stowage/internal/backend"
	serr "github.com/stowage/stowage/internal/errors"
)

// Manager issues and resolves upload tokens against the metadata store.
type Manager struct {
	store backend.Store
}

// NewManager creates a Manager backed by the given store.
func NewManager(store backend.Store) *Manager {
	return &Manager{store: store}
}

// Issue registers a token granting upload access to the named bucket. The
// bucket must exist. Tokens are caller-chosen; re-registering an existing
// token string fails with AlreadyExists rather than silently rebinding it.
func (m *Manager) Issue(ctx context.Context, bucket, token string) error {
	const op = "token.Issue"

	if token == "" {
		return serr.E(serr.KindInvalidToken, op, token, nil)
	}

	if _, err := m.store.GetBucket(ctx, bucket); err != nil {
		return err
	}

	return m.store.CreateBucketToken(ctx, bucket, token)
}

// Resolve maps a token to the bucket it grants access to. Any token that
// does not resolve fails with InvalidToken; the error never distinguishes a
// malformed token from an unknown one, so callers cannot probe the token
// namespace.
func (m *Manager) Resolve(ctx context.Context, token string) (string, error) {
	const op = "token.Resolve"

	if token == "" {
		return "", serr.E(serr.KindInvalidToken, op, token, nil)
	}

	bucket, err := m.store.GetBucketFromToken(ctx, token)
	if err != nil {
		if serr.IsNotFound(err) {
			return "", serr.E(serr.KindInvalidToken, op, token, nil)
		}
		return "", err
	}
	return bucket, nil
}
