package handlers

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stowage/stowage/internal/backend"
	"github.com/stowage/stowage/internal/blob"
	serr "github.com/stowage/stowage/internal/errors"
	"github.com/stowage/stowage/internal/ingest"
	"github.com/stowage/stowage/internal/jsonutil"
)

// AssetHandler handles asset upload and download.
type AssetHandler struct {
	store    backend.Store
	blobs    blob.Store
	pipeline *ingest.Pipeline
}

// NewAssetHandler creates an AssetHandler with injected dependencies.
func NewAssetHandler(store backend.Store, blobs blob.Store, pipeline *ingest.Pipeline) *AssetHandler {
	return &AssetHandler{store: store, blobs: blobs, pipeline: pipeline}
}

// UploadResponse is the JSON body returned on a successful upload.
type UploadResponse struct {
	AssetID string `json:"asset_id"`
}

// Upload handles POST /upload/{token}/{assetName}. The request body is the
// raw asset payload, streamed straight into the ingestion pipeline. The 201
// response is written only after the pipeline reports the asset committed;
// the client seeing 201 means the payload is durable.
func (h *AssetHandler) Upload(w http.ResponseWriter, r *http.Request) {
	tok := chi.URLParam(r, "token")
	name := chi.URLParam(r, "asset")

	asset, err := h.pipeline.Receive(r.Context(), tok, name, r.Body)
	if err != nil {
		jsonutil.WriteError(w, r, err)
		return
	}

	slog.Info("asset uploaded",
		"asset_id", asset.ID,
		"bucket", asset.Bucket,
		"name", asset.Name,
		"size", asset.Size,
	)
	jsonutil.WriteJSON(w, http.StatusCreated, UploadResponse{AssetID: asset.ID})
}

// Download handles GET /assets/{id}, streaming the committed payload back to
// the client. Pending assets are indistinguishable from missing ones: their
// payload was never acknowledged, so it is never served.
func (h *AssetHandler) Download(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	asset, err := h.store.GetAsset(r.Context(), id)
	if err != nil {
		jsonutil.WriteError(w, r, err)
		return
	}
	if asset.State != backend.StateComplete {
		jsonutil.WriteError(w, r, serr.E(serr.KindNotFound, "handlers.Download", id, nil))
		return
	}

	reader, size, err := h.blobs.Open(r.Context(), id)
	if err != nil {
		jsonutil.WriteError(w, r, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", asset.Name))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, reader); err != nil {
		// Response is underway; all we can do is log and cut the stream.
		slog.Error("asset download aborted mid-stream", "asset_id", id, "error", err)
	}
}
