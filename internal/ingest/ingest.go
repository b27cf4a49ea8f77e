// Package ingest implements the asset ingestion pipeline: resolve the upload
// token, mint an asset ID, persist a pending metadata record, stream the
// payload into the blob store, and finalize the record once the payload is
// durable.
package ingest

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/stowage/stowage/internal/backend"
	"github.com/stowage/stowage/internal/blob"
	serr "github.com/stowage/stowage/internal/errors"
	"github.com/stowage/stowage/internal/flake"
	"github.com/stowage/stowage/internal/metrics"
	"github.com/stowage/stowage/internal/token"
)

// Pipeline coordinates a single asset ingestion from token resolution
// through blob commit and metadata finalization.
type Pipeline struct {
	store  backend.Store
	blobs  blob.Store
	tokens *token.Manager
	ids    *flake.Generator
}

// NewPipeline creates a Pipeline over the given stores and ID generator.
func NewPipeline(store backend.Store, blobs blob.Store, tokens *token.Manager, ids *flake.Generator) *Pipeline {
	return &Pipeline{
		store:  store,
		blobs:  blobs,
		tokens: tokens,
		ids:    ids,
	}
}

// Receive ingests one asset. The payload reader is not touched until the
// token has resolved, so an invalid token consumes no bytes from the stream.
// A returned record always describes a committed asset: the blob is durable
// and the metadata record is in the complete state. Any failure after the
// pending record is written triggers best-effort cleanup of both the blob
// and the record, so a failed ingestion never surfaces as a complete asset.
func (p *Pipeline) Receive(ctx context.Context, tok, assetName string, payload io.Reader) (*backend.AssetRecord, error) {
	bucket, err := p.tokens.Resolve(ctx, tok)
	if err != nil {
		metrics.IngestsTotal.WithLabelValues("invalid_token").Inc()
		return nil, err
	}

	asset := &backend.AssetRecord{
		ID:        p.ids.NextHex(),
		Bucket:    bucket,
		Name:      assetName,
		Token:     tok,
		State:     backend.StatePending,
		CreatedAt: time.Now().UTC(),
	}

	// The pending record goes in before any payload byte is written, so a
	// crash mid-stream leaves a pending record pointing at a missing or
	// orphaned blob, never an unrecorded blob.
	if err := p.store.CreateAsset(ctx, asset); err != nil {
		metrics.IngestsTotal.WithLabelValues("backend_error").Inc()
		return nil, err
	}

	written, err := p.blobs.Put(ctx, asset.ID, payload)
	if err != nil {
		p.cleanup(ctx, asset.ID)
		metrics.IngestsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		return nil, err
	}

	if err := p.store.FinalizeAsset(ctx, asset.ID, written); err != nil {
		p.cleanup(ctx, asset.ID)
		metrics.IngestsTotal.WithLabelValues("backend_error").Inc()
		return nil, err
	}

	asset.Size = written
	asset.State = backend.StateComplete

	metrics.IngestsTotal.WithLabelValues("success").Inc()
	metrics.IngestBytesTotal.Add(float64(written))
	metrics.IngestSize.Observe(float64(written))

	slog.Debug("asset ingested",
		"asset_id", asset.ID,
		"bucket", bucket,
		"name", assetName,
		"size", written,
	)

	return asset, nil
}

// cleanup removes the blob and pending record left by a failed ingestion.
// It runs detached from the request context so an aborted upload can still
// be cleaned up, and failures are logged rather than returned: anything
// missed here is swept up later by pending-asset reconciliation.
func (p *Pipeline) cleanup(ctx context.Context, id string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := p.blobs.Delete(cctx, id); err != nil {
		slog.Warn("failed to clean up blob after aborted ingestion", "asset_id", id, "error", err)
	}
	if err := p.store.DeleteAsset(cctx, id); err != nil {
		slog.Warn("failed to clean up asset record after aborted ingestion", "asset_id", id, "error", err)
	}
}

func outcomeLabel(err error) string {
	switch serr.KindOf(err) {
	case serr.KindIO:
		return "io_error"
	case serr.KindInvalidToken:
		return "invalid_token"
	default:
		return "backend_error"
	}
}
