// Package serialization handles streaming JSON output for Stowage: list
// responses written record-at-a-time from backend cursors, and full metadata
// exports for the stowage-meta tool.
package serialization

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/stowage/stowage/internal/backend"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1
)

// WriteArray streams the cursor's records to w as a JSON array. At most one
// record is marshaled and buffered at a time, so the response size is
// independent of process memory.
//
// If the cursor fails mid-scan, the error is returned with the array left
// unterminated. Output already sent cannot be recalled; the missing closing
// bracket makes the truncation detectable to any JSON parser instead of
// passing off a partial listing as a complete one.
func WriteArray[T any](w io.Writer, cur backend.Cursor[T]) error {
	defer cur.Close()

	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}

	first := true
	for cur.Next() {
		if !first {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		first = false

		data, err := json.Marshal(cur.Record())
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}

	if err := cur.Err(); err != nil {
		return err
	}

	_, err := io.WriteString(w, "]")
	return err
}

// Export is a full metadata dump: header plus every bucket, token-bearing
// asset, and asset record, ordered the way the backend lists them.
type Export struct {
	Header  ExportHeader            `json:"stowage_export"`
	Buckets []*backend.BucketRecord `json:"buckets"`
	Assets  []*backend.AssetRecord  `json:"assets"`
}

// ExportHeader identifies the export format and provenance.
type ExportHeader struct {
	Version    int    `json:"version"`
	ExportedAt string `json:"exported_at"`
	Source     string `json:"source"`
}

// ExportMetadata dumps all bucket and asset metadata from the store to w as
// a single JSON document.
func ExportMetadata(ctx context.Context, store backend.Store, w io.Writer) error {
	export := &Export{
		Header: ExportHeader{
			Version:    ExportVersion,
			ExportedAt: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			Source:     "stowage/" + Version,
		},
	}

	buckets, err := store.ListBuckets(ctx)
	if err != nil {
		return fmt.Errorf("listing buckets: %w", err)
	}
	for buckets.Next() {
		export.Buckets = append(export.Buckets, buckets.Record())
	}
	if err := buckets.Err(); err != nil {
		buckets.Close()
		return fmt.Errorf("scanning buckets: %w", err)
	}
	buckets.Close()

	for _, b := range export.Buckets {
		assets, err := store.ListAssets(ctx, b.Name)
		if err != nil {
			return fmt.Errorf("listing assets for %s: %w", b.Name, err)
		}
		for assets.Next() {
			export.Assets = append(export.Assets, assets.Record())
		}
		if err := assets.Err(); err != nil {
			assets.Close()
			return fmt.Errorf("scanning assets for %s: %w", b.Name, err)
		}
		assets.Close()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(export)
}
