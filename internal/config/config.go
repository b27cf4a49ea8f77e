// Package config handles loading and parsing of Stowage configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for Stowage.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Backend BackendConfig `yaml:"backend"`
	Blob    BlobConfig    `yaml:"blob"`
	Ingest  IngestConfig  `yaml:"ingest"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown window in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// ReadTimeout bounds how long a single request body read may stall, in
	// seconds. Ingestions with no forward progress beyond this deadline are
	// aborted by the transport. Zero disables the timeout.
	ReadTimeout int `yaml:"read_timeout"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: text or json.
	Format string `yaml:"format"`
}

// BackendConfig holds metadata backend settings.
type BackendConfig struct {
	// Engine selects the metadata backend: "sqlite", "memory", "dynamodb",
	// "firestore", or "cosmos".
	Engine    string          `yaml:"engine"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Cosmos    CosmosConfig    `yaml:"cosmos"`
}

// SQLiteConfig holds SQLite-specific metadata backend settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// DynamoDBConfig holds DynamoDB metadata backend settings.
type DynamoDBConfig struct {
	// Table is the DynamoDB table name.
	Table string `yaml:"table"`
	// Region is the AWS region.
	Region string `yaml:"region"`
	// EndpointURL overrides the DynamoDB endpoint (for local emulators).
	EndpointURL string `yaml:"endpoint_url"`
}

// FirestoreConfig holds Firestore metadata backend settings.
type FirestoreConfig struct {
	// ProjectID is the GCP project ID.
	ProjectID string `yaml:"project_id"`
	// Collection is the Firestore collection holding all records.
	Collection string `yaml:"collection"`
	// CredentialsFile is an optional service account key file path.
	CredentialsFile string `yaml:"credentials_file"`
}

// CosmosConfig holds Azure Cosmos DB metadata backend settings.
type CosmosConfig struct {
	// Endpoint is the Cosmos account endpoint URL.
	Endpoint string `yaml:"endpoint"`
	// MasterKey is the Cosmos account key.
	MasterKey string `yaml:"master_key"`
	// Database is the Cosmos database name.
	Database string `yaml:"database"`
	// Container is the Cosmos container name.
	Container string `yaml:"container"`
}

// BlobConfig holds blob store settings.
type BlobConfig struct {
	// Backend selects the blob store: "local", "memory", "aws", "gcp",
	// or "azure".
	Backend string      `yaml:"backend"`
	Local   LocalConfig `yaml:"local"`
	// AWSBucket is the S3 bucket name for the AWS blob store.
	AWSBucket string `yaml:"aws_bucket"`
	// AWSRegion is the AWS region for the AWS blob store.
	AWSRegion string `yaml:"aws_region"`
	// AWSPrefix is the optional key prefix for all blobs in the S3 bucket.
	AWSPrefix string `yaml:"aws_prefix"`
	// AWSEndpointURL overrides the S3 endpoint (for MinIO and friends).
	AWSEndpointURL string `yaml:"aws_endpoint_url"`
	// AWSUsePathStyle enables path-style S3 addressing.
	AWSUsePathStyle bool `yaml:"aws_use_path_style"`
	// AWSAccessKeyID and AWSSecretAccessKey are optional static credentials.
	// When empty, the default AWS credential chain is used.
	AWSAccessKeyID     string `yaml:"aws_access_key_id"`
	AWSSecretAccessKey string `yaml:"aws_secret_access_key"`
	// GCPBucket is the GCS bucket name for the GCP blob store.
	GCPBucket string `yaml:"gcp_bucket"`
	// GCPProject is the GCP project ID for the GCP blob store.
	GCPProject string `yaml:"gcp_project"`
	// GCPPrefix is the optional object prefix for all blobs in the GCS bucket.
	GCPPrefix string `yaml:"gcp_prefix"`
	// AzureContainer is the container name for the Azure blob store.
	AzureContainer string `yaml:"azure_container"`
	// AzureAccount is the storage account name. Used to construct the account
	// URL: https://{account}.blob.core.windows.net
	AzureAccount string `yaml:"azure_account"`
	// AzureAccountURL is the full storage account URL. If empty, it is
	// constructed from AzureAccount.
	AzureAccountURL string `yaml:"azure_account_url"`
	// AzurePrefix is the optional blob name prefix for all blobs.
	AzurePrefix string `yaml:"azure_prefix"`
}

// LocalConfig holds local filesystem blob store settings.
type LocalConfig struct {
	// RootDir is the base directory for local blob storage.
	RootDir string `yaml:"root_dir"`
}

// IngestConfig holds ingestion pipeline settings.
type IngestConfig struct {
	// InstanceID is the 10-bit discriminator mixed into generated asset IDs
	// so that IDs stay unique across processes. Valid range 0-1023. When
	// negative, a random instance ID is chosen at startup.
	InstanceID int `yaml:"instance_id"`
}

// Load reads a YAML configuration file from the given path and returns a
// parsed Config. It applies sensible defaults for unset values. If the primary
// path fails, it falls back to stowage.example.yaml in the same directory or
// parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "stowage.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "stowage.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Backend: BackendConfig{
			Engine: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/stowage.db",
			},
		},
		Blob: BlobConfig{
			Backend: "local",
			Local: LocalConfig{
				RootDir: "./data/blobs",
			},
		},
		Ingest: IngestConfig{
			InstanceID: -1,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value after
// YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Backend.Engine == "" {
		cfg.Backend.Engine = "sqlite"
	}
	if cfg.Backend.SQLite.Path == "" {
		cfg.Backend.SQLite.Path = "./data/stowage.db"
	}
	if cfg.Blob.Backend == "" {
		cfg.Blob.Backend = "local"
	}
	if cfg.Blob.Local.RootDir == "" {
		cfg.Blob.Local.RootDir = "./data/blobs"
	}
}
