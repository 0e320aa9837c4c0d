package source

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
)

const (
	putRecord = `{"host":"h1:9000","time":"1970-01-01T00:00:01Z","api":"s3.PutObject","callStats":{"duration":300000000}}`
	getRecord = `{"host":"h2:9000","time":"1970-01-01T00:00:02Z","api":"s3.GetObject","callStats":{"duration":1000}}`
)

func collect(t *testing.T, src TraceSource) ([]Record, error) {
	t.Helper()
	defer src.Close()

	recordCh, errCh := src.Stream(context.Background())
	var records []Record
	for rec := range recordCh {
		records = append(records, rec)
	}
	return records, <-errCh
}

func compress(t *testing.T, s string) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll([]byte(s), nil)
}

func TestIsTraceFile(t *testing.T) {
	for _, name := range []string{"a.json", "dir/b.jsonl", "c.out", "d.trace", "e.json.zst", "f.trace.zst"} {
		assert.True(t, IsTraceFile(name), name)
	}
	for _, name := range []string{"a.txt", "b.zst", ".hidden.json", "dir/", "json"} {
		assert.False(t, IsTraceFile(name), name)
	}
}

func TestSegmentIndexSortsAndDedups(t *testing.T) {
	idx := NewSegmentIndex()
	assert.True(t, idx.AddFile("b.json"))
	assert.True(t, idx.AddFile("a.json"))
	assert.False(t, idx.AddFile("a.json"))
	assert.False(t, idx.AddFile("notes.md"))
	idx.Sort()
	assert.Equal(t, []string{"a.json", "b.json"}, idx.Files())
	assert.Equal(t, 2, idx.Count())
}

func TestReaderSourceConcatenatedObjects(t *testing.T) {
	// mc admin trace output: objects separated by newlines, or not at all
	input := putRecord + "\n" + getRecord + getRecord
	src, err := NewTraceSource(context.Background(), SourceConfig{Input: "-"}, strings.NewReader(input))
	require.NoError(t, err)

	records, err := collect(t, src)
	require.NoError(t, err)
	require.Len(t, records, 3)

	for i, rec := range records {
		assert.Equal(t, uint64(i), rec.Seq)
		assert.Equal(t, "stdin", rec.Segment)
	}
	assert.Equal(t, "h1:9000", records[0].Trace.Host)
	assert.Equal(t, "s3.PutObject", records[0].Trace.API)
	require.NotNil(t, records[0].Trace.CallStats)
	require.NotNil(t, records[0].Trace.CallStats.Duration)
	assert.Equal(t, int64(300_000_000), *records[0].Trace.CallStats.Duration)
	assert.Equal(t, "s3.GetObject", records[2].Trace.API)
}

func TestReaderSourceZstd(t *testing.T) {
	src, err := NewReaderSource("stdin", readCloser(compress(t, putRecord+getRecord)))
	require.NoError(t, err)

	records, err := collect(t, src)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "h2:9000", records[1].Trace.Host)
}

func TestReaderSourceEmptyInput(t *testing.T) {
	src, err := NewReaderSource("stdin", readCloser(nil))
	require.NoError(t, err)

	records, err := collect(t, src)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReaderSourceInvalidJSON(t *testing.T) {
	src, err := NewReaderSource("stdin", readCloser([]byte(putRecord+`{"host":`)))
	require.NoError(t, err)

	records, err := collect(t, src)
	assert.ErrorIs(t, err, ErrInvalidJSON)
	assert.Contains(t, err.Error(), "record 1")
	assert.Len(t, records, 1)
}

func TestLocalSourceDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte(getRecord), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json.zst"), compress(t, putRecord), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "c.jsonl"), []byte(putRecord+"\n"+getRecord+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a trace"), 0o644))

	src, err := NewTraceSource(context.Background(), SourceConfig{Input: dir}, nil)
	require.NoError(t, err)

	records, err := collect(t, src)
	require.NoError(t, err)
	require.Len(t, records, 4)

	var segments []string
	for i, rec := range records {
		assert.Equal(t, uint64(i), rec.Seq)
		segments = append(segments, filepath.Base(rec.Segment))
	}
	assert.Equal(t, []string{"a.json.zst", "b.json", "c.jsonl", "c.jsonl"}, segments)
}

func TestLocalSourceSingleFileIgnoresExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.log")
	require.NoError(t, os.WriteFile(path, []byte(putRecord), 0o644))

	src, err := NewLocalSource(path)
	require.NoError(t, err)

	records, err := collect(t, src)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestLocalSourceErrors(t *testing.T) {
	_, err := NewLocalSource(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	src, err := NewLocalSource(t.TempDir())
	require.NoError(t, err)
	_, err = collect(t, src)
	assert.ErrorIs(t, err, ErrNoSegments)
}

func bulkTrace(n, bad int) string {
	var b strings.Builder
	for i := range n {
		if i == bad {
			b.WriteString(`{"host":"h1","time":"1970-01-01T00:00:01Z","api":"Get","callStats":{"duration":-1}}` + "\n")
			continue
		}
		fmt.Fprintf(&b, `{"host":"h%d","time":"1970-01-01T00:00:01Z","api":"Get","callStats":{"duration":%d}}`+"\n", i%4, i)
	}
	return b.String()
}

func TestLocalSourceCloseMidStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.json.zst")
	require.NoError(t, os.WriteFile(path, compress(t, bulkTrace(50_000, 11)), 0o644))

	for range 10 {
		src, err := NewLocalSource(path)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		recordCh, errCh := src.Stream(ctx)
		for range 12 {
			<-recordCh
		}
		cancel()
		require.NoError(t, src.Close())

		// Close waited for the decoder, so both channels are already closed
		for range recordCh {
		}
		for range errCh {
		}
	}
}

func TestBucketSourceCloseMidStream(t *testing.T) {
	bucket := newMemBucket(t, map[string]string{"big.json.zst": string(compress(t, bulkTrace(50_000, -1)))})
	defer bucket.Close()

	src, err := NewBucketSource(bucket, "big.json.zst")
	require.NoError(t, err)

	recordCh, _ := src.Stream(context.Background())
	<-recordCh
	// Close cancels the stream itself
	require.NoError(t, src.Close())
	for range recordCh {
	}
}

func newMemBucket(t *testing.T, objects map[string]string) *blob.Bucket {
	t.Helper()
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	for key, body := range objects {
		require.NoError(t, bucket.WriteAll(ctx, key, []byte(body), nil))
	}
	return bucket
}

func TestBucketSourcePrefix(t *testing.T) {
	bucket := newMemBucket(t, map[string]string{
		"traces/02.json": getRecord,
		"traces/01.json": putRecord,
		"traces/skip.md": "x",
		"other/03.json":  putRecord,
	})
	defer bucket.Close()

	src, err := NewBucketSource(bucket, "traces/")
	require.NoError(t, err)

	records, err := collect(t, src)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "traces/01.json", records[0].Segment)
	assert.Equal(t, "traces/02.json", records[1].Segment)
}

func TestBucketSourceSingleObjectAndMissingPrefix(t *testing.T) {
	bucket := newMemBucket(t, map[string]string{"run.trace": putRecord + getRecord})
	defer bucket.Close()

	src, err := NewBucketSource(bucket, "run.trace")
	require.NoError(t, err)
	records, err := collect(t, src)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	src, err = NewBucketSource(bucket, "nothing/")
	require.NoError(t, err)
	_, err = collect(t, src)
	assert.ErrorIs(t, err, ErrNoSegments)
}

func TestNewTraceSourceS3URL(t *testing.T) {
	bucket := newMemBucket(t, map[string]string{"in/a.json": putRecord})

	var opened string
	orig := openBucket
	openBucket = func(_ context.Context, u string) (*blob.Bucket, error) {
		opened = u
		return bucket, nil
	}
	defer func() { openBucket = orig }()

	src, err := NewTraceSource(context.Background(), SourceConfig{
		Input:      "s3://traces/in/",
		S3Endpoint: "http://minio:9000",
		S3Region:   "us-east-1",
	}, nil)
	require.NoError(t, err)

	records, err := collect(t, src)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, "s3://traces?endpoint=http%3A%2F%2Fminio%3A9000&region=us-east-1&s3ForcePathStyle=true", opened)
}

type nopCloser struct{ *bytes.Reader }

func (nopCloser) Close() error { return nil }

func readCloser(b []byte) nopCloser {
	return nopCloser{bytes.NewReader(b)}
}
