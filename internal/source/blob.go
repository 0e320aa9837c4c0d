package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver

	"github.com/withObsrvr/trace-statemap/internal/util"
)

// BlobSource reads trace segments from a gocloud.dev bucket. A key that is
// empty or ends in "/" is a prefix and every trace file under it is read.
type BlobSource struct {
	bucket  *blob.Bucket
	key     string
	owned   bool
	streams streamGroup
}

// NewBlobSource opens bucketURL and reads key from it.
func NewBlobSource(ctx context.Context, bucketURL, key string) (*BlobSource, error) {
	bucket, err := openBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}

	s, err := NewBucketSource(bucket, key)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewBucketSource reads key from an already opened bucket. The caller keeps
// ownership of bucket.
func NewBucketSource(bucket *blob.Bucket, key string) (*BlobSource, error) {
	return &BlobSource{bucket: bucket, key: key}, nil
}

// Stream implements TraceSource.Stream for object storage.
func (s *BlobSource) Stream(ctx context.Context) (<-chan Record, <-chan error) {
	segments := []string{s.key}
	if (util.Location{Key: s.key}).IsPrefix() {
		index, err := s.buildIndex(ctx)
		if err != nil {
			return failed(fmt.Errorf("build index: %w", err))
		}
		if index.Count() == 0 {
			return failed(fmt.Errorf("%w with prefix %q", ErrNoSegments, s.key))
		}
		componentLog(ctx, "blob").Info("indexed trace segments", "prefix", s.key, "segments", index.Count())
		segments = index.Files()
	}

	return streamSegments(ctx, &s.streams, "blob", segments, func(ctx context.Context, key string) (io.ReadCloser, error) {
		return s.bucket.NewReader(ctx, key, nil)
	})
}

// Close stops any running stream, waits for it to exit, then releases the
// bucket if this source opened it.
func (s *BlobSource) Close() error {
	s.streams.stop()
	if s.owned {
		return s.bucket.Close()
	}
	return nil
}

// buildIndex lists the prefix and indexes all trace objects.
func (s *BlobSource) buildIndex(ctx context.Context) (*SegmentIndex, error) {
	index := NewSegmentIndex()

	iter := s.bucket.List(&blob.ListOptions{Prefix: s.key})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		if obj.IsDir {
			continue
		}
		index.AddFile(obj.Key)
	}

	index.Sort()
	return index, nil
}
