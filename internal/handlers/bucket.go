// Package handlers implements the HTTP handlers for the Stowage API.
package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stowage/stowage/internal/backend"
	serr "github.com/stowage/stowage/internal/errors"
	"github.com/stowage/stowage/internal/jsonutil"
	"github.com/stowage/stowage/internal/metrics"
	"github.com/stowage/stowage/internal/serialization"
	"github.com/stowage/stowage/internal/token"
)

// maxMetadataBytes bounds the bucket metadata document size.
const maxMetadataBytes = 1 << 20

// BucketHandler handles bucket and token operations.
type BucketHandler struct {
	store  backend.Store
	tokens *token.Manager
}

// NewBucketHandler creates a BucketHandler with injected dependencies.
func NewBucketHandler(store backend.Store, tokens *token.Manager) *BucketHandler {
	return &BucketHandler{store: store, tokens: tokens}
}

// CreateBucket handles POST /buckets/{bucket}. The request body is an
// optional JSON metadata document stored verbatim with the bucket.
func (h *BucketHandler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "bucket")
	if name == "" {
		jsonutil.WriteError(w, r, serr.E(serr.KindNotFound, "handlers.CreateBucket", name, nil))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMetadataBytes))
	if err != nil {
		jsonutil.WriteError(w, r, serr.E(serr.KindIO, "handlers.CreateBucket", name, err))
		return
	}

	meta := json.RawMessage("{}")
	if len(body) > 0 {
		if !json.Valid(body) {
			jsonutil.WriteJSON(w, http.StatusBadRequest, jsonutil.ErrorResponse{
				Error: "InvalidMetadata",
				Key:   name,
			})
			return
		}
		meta = json.RawMessage(body)
	}

	rec := &backend.BucketRecord{
		Name:      name,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateBucket(r.Context(), rec); err != nil {
		jsonutil.WriteError(w, r, err)
		return
	}

	metrics.BucketsCreatedTotal.Inc()
	slog.Info("bucket created", "bucket", name)
	jsonutil.WriteJSON(w, http.StatusCreated, rec)
}

// GetBucket handles GET /buckets/{bucket}.
func (h *BucketHandler) GetBucket(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "bucket")

	rec, err := h.store.GetBucket(r.Context(), name)
	if err != nil {
		jsonutil.WriteError(w, r, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, rec)
}

// ListBuckets handles GET /buckets. The response is streamed from the
// backend cursor one record at a time.
func (h *BucketHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	cur, err := h.store.ListBuckets(r.Context())
	if err != nil {
		jsonutil.WriteError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := serialization.WriteArray(w, cur); err != nil {
		// Headers are already sent; the truncated array tells the client.
		slog.Error("bucket listing aborted mid-stream", "error", err)
	}
}

// IssueToken handles POST /buckets/{bucket}/token/{token}.
func (h *BucketHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	tok := chi.URLParam(r, "token")

	if err := h.tokens.Issue(r.Context(), bucket, tok); err != nil {
		jsonutil.WriteError(w, r, err)
		return
	}

	metrics.TokensIssuedTotal.Inc()
	slog.Info("upload token issued", "bucket", bucket)
	jsonutil.WriteJSON(w, http.StatusCreated, map[string]string{
		"token":  tok,
		"bucket": bucket,
	})
}

// ListAssets handles GET /buckets/{bucket}/assets, streaming the bucket's
// asset records in ID order.
func (h *BucketHandler) ListAssets(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")

	// Listing a missing bucket is NotFound, not an empty array.
	if _, err := h.store.GetBucket(r.Context(), bucket); err != nil {
		jsonutil.WriteError(w, r, err)
		return
	}

	cur, err := h.store.ListAssets(r.Context(), bucket)
	if err != nil {
		jsonutil.WriteError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := serialization.WriteArray(w, cur); err != nil {
		slog.Error("asset listing aborted mid-stream", "bucket", bucket, "error", err)
	}
}
