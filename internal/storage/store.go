// Package storage writes statemap output and its manifest to stdout, the
// local filesystem, or object storage.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"gocloud.dev/blob"

	"github.com/withObsrvr/trace-statemap/internal/util"
)

var (
	// ErrInvalidOutput is returned when the output location names no object.
	ErrInvalidOutput = errors.New("invalid output location")

	// ErrUnknownBackend is returned for an unsupported storage backend.
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// ManifestSuffix is appended to an output key to form its manifest key.
const ManifestSuffix = ".manifest.json"

// ManifestKey returns the manifest key for an output key.
func ManifestKey(key string) string {
	return key + ManifestSuffix
}

// Manifest describes a written statemap and the run that produced it.
type Manifest struct {
	RunID     string       `json:"run_id"`
	Output    OutputInfo   `json:"output"`
	Trace     TraceInfo    `json:"trace"`
	Producer  ProducerInfo `json:"producer"`
	CreatedAt time.Time    `json:"created_at"`
}

// OutputInfo describes the written file.
type OutputInfo struct {
	URI           string `json:"uri"`
	Format        string `json:"format"`
	Compression   string `json:"compression"`
	SchemaVersion string `json:"schema_version"`
	Table         string `json:"table,omitempty"` // Parquet table name
	Checksum      string `json:"checksum"`
	ByteSize      int64  `json:"byte_size"`
}

// TraceInfo summarizes the converted trace.
type TraceInfo struct {
	Input      string   `json:"input"`
	Start      [2]int64 `json:"start"`
	Records    int      `json:"records"`
	Entities   int      `json:"entities"`
	States     int      `json:"states"`
	Events     int      `json:"events"`
	Violations int      `json:"violations"`
}

// ProducerInfo describes the software that produced the output.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// MarshalJSON returns the manifest as JSON bytes.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// Writer is an output stream that is published on Close and discarded on
// Abort.
type Writer interface {
	io.WriteCloser
	Abort() error
}

// Store abstracts writing statemap output to storage.
type Store interface {
	// NewWriter opens a writer for key. Nothing is visible at key until
	// the writer is closed.
	NewWriter(ctx context.Context, key string) (Writer, error)

	// WriteManifest writes the manifest for key to ManifestKey(key).
	WriteManifest(ctx context.Context, key string, manifest *Manifest) error

	// Exists checks if key already exists.
	Exists(ctx context.Context, key string) (bool, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// StorageConfig configures the output location.
type StorageConfig struct {
	Output     string // "-", a local path, or a bucket URL
	S3Endpoint string // custom endpoint for MinIO/B2/R2
	S3Region   string
	Stdout     io.Writer
}

// NewStore creates a store for cfg.Output and returns it with the key the
// output should be written under.
func NewStore(ctx context.Context, cfg StorageConfig) (Store, string, error) {
	loc, err := util.ParseLocation(cfg.Output)
	if err != nil {
		return nil, "", err
	}

	if loc.Scheme != "stdio" && loc.IsPrefix() {
		return nil, "", fmt.Errorf("%w: %s names a directory or prefix", ErrInvalidOutput, cfg.Output)
	}

	var store Store
	key := loc.Key
	switch loc.Scheme {
	case "stdio":
		store = NewStdoutStore(cfg.Stdout)
	case "file":
		store, err = NewLocalStore(filepath.Dir(loc.Key))
		key = filepath.Base(loc.Key)
	case "s3":
		store, err = NewS3Store(ctx, loc.Bucket, cfg.S3Endpoint, cfg.S3Region)
	case "gs":
		store, err = NewGCSStore(ctx, loc.Bucket)
	default:
		if !blob.DefaultURLMux().ValidBucketScheme(loc.Scheme) {
			return nil, "", fmt.Errorf("%w: %s", ErrUnknownBackend, loc.Scheme)
		}
		store, err = NewBlobStore(ctx, loc.BucketURL())
	}
	if err != nil {
		return nil, "", err
	}
	return store, key, nil
}
