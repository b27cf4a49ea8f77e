// Package server implements the Stowage HTTP server and route multiplexer.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stowage/stowage/internal/backend"
	"github.com/stowage/stowage/internal/blob"
	"github.com/stowage/stowage/internal/config"
	"github.com/stowage/stowage/internal/flake"
	"github.com/stowage/stowage/internal/handlers"
	"github.com/stowage/stowage/internal/ingest"
	"github.com/stowage/stowage/internal/token"
)

// Server is the Stowage HTTP server. It wires the metadata store, blob
// store, and ingestion pipeline into the chi router.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	store      backend.Store
	blobs      blob.Store
	bucket     *handlers.BucketHandler
	asset      *handlers.AssetHandler
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// New creates a Server over the given stores and ID generator and registers
// all routes.
func New(cfg *config.Config, store backend.Store, blobs blob.Store, ids *flake.Generator) *Server {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("Stowage API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	tokens := token.NewManager(store)
	pipeline := ingest.NewPipeline(store, blobs, tokens, ids)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		store:  store,
		blobs:  blobs,
		bucket: handlers.NewBucketHandler(store, tokens),
		asset:  handlers.NewAssetHandler(store, blobs, pipeline),
	}

	s.registerRoutes()
	return s
}

// ListenAndServe starts the HTTP server on the given address.
// Middleware chain: metricsMiddleware -> commonHeaders -> router.
func (s *Server) ListenAndServe(addr string) error {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: handler,
		// ReadTimeout is deliberately left unset; uploads may legitimately
		// take a long time. ReadHeaderTimeout bounds idle connections.
		ReadHeaderTimeout: 30 * time.Second,
	}
	if s.cfg.Server.ReadTimeout > 0 {
		s.httpServer.ReadTimeout = time.Duration(s.cfg.Server.ReadTimeout) * time.Second
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router returns the underlying chi router. Used by tests to drive the
// server through httptest without binding a socket.
func (s *Server) Router() http.Handler {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	return handler
}

// registerRoutes configures all routes on the chi router. Huma routes
// (/health, /docs, /openapi.json) and /metrics sit beside the API routes.
func (s *Server) registerRoutes() {
	// /health via Huma for auto-OpenAPI documentation. The check touches the
	// metadata store so a wedged backend flips the endpoint.
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the Stowage server.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		if err := s.store.Ping(ctx); err != nil {
			return nil, huma.Error503ServiceUnavailable("metadata store unreachable")
		}
		if err := s.blobs.HealthCheck(ctx); err != nil {
			return nil, huma.Error503ServiceUnavailable("blob store unreachable")
		}
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.router.Get("/buckets", s.bucket.ListBuckets)
	s.router.Post("/buckets/{bucket}", s.bucket.CreateBucket)
	s.router.Get("/buckets/{bucket}", s.bucket.GetBucket)
	s.router.Post("/buckets/{bucket}/token/{token}", s.bucket.IssueToken)
	s.router.Get("/buckets/{bucket}/assets", s.bucket.ListAssets)

	s.router.Post("/upload/{token}/{asset}", s.asset.Upload)
	s.router.Get("/assets/{id}", s.asset.Download)
}
