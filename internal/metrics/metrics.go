// Package metrics defines custom Prometheus metrics for Stowage.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for payload size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stowage_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stowage_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stowage_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Ingestion metrics.
var (
	// IngestsTotal counts asset ingestions by outcome
	// (success, invalid_token, backend_error, io_error).
	IngestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stowage_ingests_total",
			Help: "Asset ingestions by outcome",
		},
		[]string{"outcome"},
	)

	// IngestBytesTotal counts total payload bytes committed to the blob store.
	IngestBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stowage_ingest_bytes_total",
			Help: "Total payload bytes committed to the blob store",
		},
	)

	// IngestSize observes committed payload sizes in bytes.
	IngestSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stowage_ingest_size_bytes",
			Help:    "Committed payload size in bytes",
			Buckets: sizeBuckets,
		},
	)

	// BucketsCreatedTotal counts bucket creations.
	BucketsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stowage_buckets_created_total",
			Help: "Total buckets created",
		},
	)

	// TokensIssuedTotal counts issued upload tokens.
	TokensIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stowage_tokens_issued_total",
			Help: "Total upload tokens issued",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPResponseSize,
			IngestsTotal,
			IngestBytesTotal,
			IngestSize,
			BucketsCreatedTotal,
			TokensIssuedTotal,
		)
		// Initialize IngestsTotal so it appears in /metrics output even
		// before any uploads have been received.
		IngestsTotal.WithLabelValues("success")
	})
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from individual bucket, token, and asset names.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/healthz":
		return "/health"
	case "/metrics":
		return "/metrics"
	case "/docs", "/docs/":
		return "/docs"
	case "/openapi.json":
		return "/openapi.json"
	case "/buckets", "/buckets/":
		return "/buckets"
	case "/", "":
		return "/"
	}

	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch parts[0] {
	case "buckets":
		switch len(parts) {
		case 2:
			return "/buckets/{bucket}"
		case 3:
			if parts[2] == "assets" {
				return "/buckets/{bucket}/assets"
			}
		case 4:
			if parts[2] == "token" {
				return "/buckets/{bucket}/token/{token}"
			}
		}
	case "upload":
		return "/upload/{token}/{asset}"
	case "assets":
		return "/assets/{id}"
	}
	return "/other"
}
