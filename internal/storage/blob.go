package storage

import (
	"context"
	"fmt"
	"net/url"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/memblob" // mem:// driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver

	"github.com/withObsrvr/trace-statemap/internal/util"
)

// BlobStore writes output to a gocloud.dev bucket.
type BlobStore struct {
	bucket    *blob.Bucket
	bucketURL string
	owned     bool
}

// NewBlobStore opens bucketURL.
func NewBlobStore(ctx context.Context, bucketURL string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return &BlobStore{bucket: bucket, bucketURL: bucketURL, owned: true}, nil
}

// NewBucketStore wraps an already opened bucket. The caller keeps ownership
// of bucket.
func NewBucketStore(bucket *blob.Bucket, bucketURL string) *BlobStore {
	return &BlobStore{bucket: bucket, bucketURL: bucketURL}
}

// NewS3Store creates a new S3-compatible store.
// Works with AWS S3, Backblaze B2, Cloudflare R2, and MinIO.
func NewS3Store(ctx context.Context, bucketName, endpoint, region string) (*BlobStore, error) {
	return NewBlobStore(ctx, util.S3BucketURL(bucketName, endpoint, region))
}

// NewGCSStore creates a new GCS store.
// Uses Application Default Credentials (ADC) for authentication.
func NewGCSStore(ctx context.Context, bucketName string) (*BlobStore, error) {
	return NewBlobStore(ctx, fmt.Sprintf("gs://%s", bucketName))
}

// NewWriter opens an object writer. The object is only committed on Close;
// Abort cancels the upload.
func (s *BlobStore) NewWriter(ctx context.Context, key string) (Writer, error) {
	ctx, cancel := context.WithCancel(ctx)
	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create writer for %s: %w", key, err)
	}
	return &blobWriter{Writer: w, key: key, cancel: cancel}, nil
}

// WriteManifest writes a manifest object next to the output.
func (s *BlobStore) WriteManifest(ctx context.Context, key string, manifest *Manifest) error {
	data, err := manifest.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	path := ManifestKey(key)
	if err := s.bucket.WriteAll(ctx, path, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("write manifest to %s: %w", path, err)
	}
	return nil
}

// Exists checks if key already exists in the bucket.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, key)
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	u, err := url.Parse(s.bucketURL)
	if err != nil {
		return s.bucketURL + "/" + key
	}
	u.RawQuery = ""
	return u.String() + "/" + key
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.owned && s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

type blobWriter struct {
	*blob.Writer
	key    string
	cancel context.CancelFunc
	done   bool
}

func (w *blobWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.cancel()
	if err := w.Writer.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", w.key, err)
	}
	return nil
}

func (w *blobWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.cancel()
	w.Writer.Close()
	return nil
}
