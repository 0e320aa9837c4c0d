package source

import (
	"context"
	"fmt"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/s3blob" // S3 driver

	"github.com/withObsrvr/trace-statemap/internal/util"
)

// NewS3Source creates a source over S3-compatible storage.
// Works with AWS S3, MinIO, Backblaze B2 and Cloudflare R2.
// endpoint can be empty for AWS S3, or a custom URL otherwise.
func NewS3Source(ctx context.Context, bucketName, key, endpoint, region string) (*BlobSource, error) {
	return NewBlobSource(ctx, util.S3BucketURL(bucketName, endpoint, region), key)
}

// NewGCSSource creates a source over Google Cloud Storage.
// Uses Application Default Credentials (ADC) for authentication.
func NewGCSSource(ctx context.Context, bucketName, key string) (*BlobSource, error) {
	return NewBlobSource(ctx, fmt.Sprintf("gs://%s", bucketName), key)
}

// openBucket is swapped in tests.
var openBucket = blob.OpenBucket
