// Package main is the entry point for the Stowage asset ingestion server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/stowage/stowage/internal/backend"
	"github.com/stowage/stowage/internal/blob"
	"github.com/stowage/stowage/internal/config"
	"github.com/stowage/stowage/internal/flake"
	"github.com/stowage/stowage/internal/logging"
	"github.com/stowage/stowage/internal/metrics"
	"github.com/stowage/stowage/internal/server"
)

func main() {
	configPath := flag.String("config", "stowage.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 8080)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	metrics.Register()

	store, err := buildBackend(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize metadata backend: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	blobs, err := buildBlobStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize blob store: %v\n", err)
		os.Exit(1)
	}

	ids, err := buildGenerator(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize ID generator: %v\n", err)
		os.Exit(1)
	}
	slog.Info("ID generator initialized", "instance", ids.Instance())

	srv := server.New(cfg, store, blobs, ids)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Stowage listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT handler: stop accepting connections, wait for in-flight
	// uploads within the timeout, then exit. Every startup is recovery, so no
	// further cleanup happens here.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// buildBackend constructs the metadata backend selected by the config.
func buildBackend(cfg *config.Config) (backend.Store, error) {
	switch cfg.Backend.Engine {
	case "memory":
		slog.Info("Metadata backend initialized", "engine", "memory")
		return backend.NewMemoryStore(), nil
	case "dynamodb":
		if cfg.Backend.DynamoDB.Table == "" {
			return nil, fmt.Errorf("backend.dynamodb.table is required when engine is 'dynamodb'")
		}
		store, err := backend.NewDynamoDBStore(&cfg.Backend.DynamoDB)
		if err != nil {
			return nil, err
		}
		slog.Info("Metadata backend initialized", "engine", "dynamodb", "table", cfg.Backend.DynamoDB.Table, "region", cfg.Backend.DynamoDB.Region)
		return store, nil
	case "firestore":
		if cfg.Backend.Firestore.ProjectID == "" {
			return nil, fmt.Errorf("backend.firestore.project_id is required when engine is 'firestore'")
		}
		store, err := backend.NewFirestoreStore(context.Background(), &cfg.Backend.Firestore)
		if err != nil {
			return nil, err
		}
		slog.Info("Metadata backend initialized", "engine", "firestore", "project", cfg.Backend.Firestore.ProjectID)
		return store, nil
	case "cosmos":
		if cfg.Backend.Cosmos.Endpoint == "" {
			return nil, fmt.Errorf("backend.cosmos.endpoint is required when engine is 'cosmos'")
		}
		store, err := backend.NewCosmosStore(context.Background(), &cfg.Backend.Cosmos)
		if err != nil {
			return nil, err
		}
		slog.Info("Metadata backend initialized", "engine", "cosmos", "database", cfg.Backend.Cosmos.Database)
		return store, nil
	default:
		// Default to SQLite. WAL mode auto-recovers on open, so a crashed
		// process needs no special handling beyond reopening the file.
		dbPath := cfg.Backend.SQLite.Path
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating metadata directory: %w", err)
		}
		store, err := backend.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, err
		}
		slog.Info("Metadata backend initialized", "engine", "sqlite", "path", dbPath)
		return store, nil
	}
}

// buildBlobStore constructs the blob store selected by the config.
func buildBlobStore(cfg *config.Config) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case "memory":
		slog.Info("Blob store initialized", "backend", "memory")
		return blob.NewMemoryStore(), nil
	case "aws":
		if cfg.Blob.AWSBucket == "" {
			return nil, fmt.Errorf("blob.aws_bucket is required when backend is 'aws'")
		}
		region := cfg.Blob.AWSRegion
		if region == "" {
			region = "us-east-1"
		}
		return blob.NewS3Store(context.Background(),
			cfg.Blob.AWSBucket, region, cfg.Blob.AWSPrefix,
			cfg.Blob.AWSEndpointURL, cfg.Blob.AWSUsePathStyle,
			cfg.Blob.AWSAccessKeyID, cfg.Blob.AWSSecretAccessKey)
	case "gcp":
		if cfg.Blob.GCPBucket == "" {
			return nil, fmt.Errorf("blob.gcp_bucket is required when backend is 'gcp'")
		}
		return blob.NewGCSStore(context.Background(),
			cfg.Blob.GCPBucket, cfg.Blob.GCPProject, cfg.Blob.GCPPrefix)
	case "azure":
		if cfg.Blob.AzureContainer == "" {
			return nil, fmt.Errorf("blob.azure_container is required when backend is 'azure'")
		}
		accountURL := cfg.Blob.AzureAccountURL
		if accountURL == "" {
			if cfg.Blob.AzureAccount == "" {
				return nil, fmt.Errorf("blob.azure_account or blob.azure_account_url is required when backend is 'azure'")
			}
			accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Blob.AzureAccount)
		}
		return blob.NewAzureStore(context.Background(),
			accountURL, cfg.Blob.AzureContainer, cfg.Blob.AzurePrefix)
	default:
		// Default to the local filesystem store.
		root := cfg.Blob.Local.RootDir
		store, err := blob.NewLocalStore(root)
		if err != nil {
			return nil, err
		}
		// Crash-only recovery: sweep temp files left by interrupted writes.
		if err := store.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean temp files", "error", err)
		}
		slog.Info("Blob store initialized", "backend", "local", "root", root)
		return store, nil
	}
}

// buildGenerator constructs the asset ID generator. A negative instance ID in
// the config means pick a random one.
func buildGenerator(cfg *config.Config) (*flake.Generator, error) {
	if cfg.Ingest.InstanceID < 0 {
		return flake.NewRandom()
	}
	return flake.New(uint16(cfg.Ingest.InstanceID)), nil
}
