// Package main is the entry point for stowage-meta, the metadata export and
// reconciliation tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/stowage/stowage/internal/backend"
	"github.com/stowage/stowage/internal/blob"
	"github.com/stowage/stowage/internal/config"
	"github.com/stowage/stowage/internal/serialization"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: stowage-meta <export|verify> [flags]")
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "export":
		os.Exit(runExport(os.Args[2:]))
	case "verify":
		os.Exit(runVerify(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\nUsage: stowage-meta <export|verify> [flags]\n", command)
		os.Exit(1)
	}
}

// openStore opens the SQLite metadata store named by the config. stowage-meta
// operates on the local database only; remote backends have their own
// operational tooling.
func openStore(configPath, dbPath string) (*backend.SQLiteStore, error) {
	path := dbPath
	if path == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		path = cfg.Backend.SQLite.Path
	}
	return backend.NewSQLiteStore(path)
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "stowage.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	fs.Parse(args)

	store, err := openStore(*configPath, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening metadata store: %v\n", err)
		return 1
	}
	defer store.Close()

	out := os.Stdout
	if *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating output file: %v\n", err)
			return 1
		}
		defer f.Close()
		out = f
	}

	if err := serialization.ExportMetadata(context.Background(), store, out); err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}

	if *output != "-" {
		fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	}
	return 0
}

// runVerify reconciles pending asset records against the blob store. An
// interrupted ingestion leaves a pending record, possibly with an orphaned
// temp blob; neither was ever acknowledged to a client, so both are safe to
// remove with -clean.
func runVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "stowage.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	blobRoot := fs.String("blob-root", "", "Local blob store root (overrides config)")
	clean := fs.Bool("clean", false, "Delete pending records and their blobs instead of just reporting")
	fs.Parse(args)

	store, err := openStore(*configPath, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening metadata store: %v\n", err)
		return 1
	}
	defer store.Close()

	root := *blobRoot
	if root == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			return 1
		}
		root = cfg.Blob.Local.RootDir
	}
	blobs, err := blob.NewLocalStore(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening blob store: %v\n", err)
		return 1
	}

	ctx := context.Background()
	cur, err := store.ListPendingAssets(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing pending assets: %v\n", err)
		return 1
	}
	defer cur.Close()

	pending := 0
	for cur.Next() {
		rec := cur.Record()
		pending++

		exists, err := blobs.Exists(ctx, rec.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking blob %s: %v\n", rec.ID, err)
			return 1
		}

		if !*clean {
			fmt.Printf("pending %s bucket=%s name=%s blob=%v\n", rec.ID, rec.Bucket, rec.Name, exists)
			continue
		}

		if exists {
			if err := blobs.Delete(ctx, rec.ID); err != nil {
				fmt.Fprintf(os.Stderr, "Error deleting blob %s: %v\n", rec.ID, err)
				return 1
			}
		}
		if err := store.DeleteAsset(ctx, rec.ID); err != nil {
			fmt.Fprintf(os.Stderr, "Error deleting record %s: %v\n", rec.ID, err)
			return 1
		}
		fmt.Printf("cleaned %s bucket=%s name=%s\n", rec.ID, rec.Bucket, rec.Name)
	}
	if err := cur.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error scanning pending assets: %v\n", err)
		return 1
	}

	if pending == 0 {
		fmt.Println("no pending assets")
	} else if !*clean {
		fmt.Printf("%d pending asset(s); rerun with -clean to remove\n", pending)
	}

	// Sweep temp files left by interrupted local writes while we are here.
	if err := blobs.CleanTempFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "Error cleaning temp files: %v\n", err)
		return 1
	}

	return 0
}
