// Package source streams raw trace records from stdin, local files or
// directories, and object storage.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/withObsrvr/trace-statemap/internal/schema"
	"github.com/withObsrvr/trace-statemap/internal/util"
)

// ErrNoSegments is returned when a directory or prefix holds no trace files.
var ErrNoSegments = errors.New("no trace segments found")

// Record is one decoded trace record and its position in the input.
type Record struct {
	Seq     uint64 // index across all segments, starting at 0
	Segment string
	Trace   schema.TraceRecord
}

// TraceSource streams trace records in input order.
type TraceSource interface {
	Stream(ctx context.Context) (<-chan Record, <-chan error)
	Close() error
}

// SourceConfig configures where traces are read from.
type SourceConfig struct {
	Input      string // "-", a local path, or a bucket URL such as s3://bucket/key
	S3Endpoint string // custom endpoint for MinIO/B2/R2
	S3Region   string
}

// NewTraceSource constructs a source for cfg.Input. stdin is used for "-".
func NewTraceSource(ctx context.Context, cfg SourceConfig, stdin io.Reader) (TraceSource, error) {
	loc, err := util.ParseLocation(cfg.Input)
	if err != nil {
		return nil, err
	}

	switch loc.Scheme {
	case "stdio":
		return NewReaderSource("stdin", io.NopCloser(stdin))
	case "file":
		return NewLocalSource(loc.Key)
	case "s3":
		return NewS3Source(ctx, loc.Bucket, loc.Key, cfg.S3Endpoint, cfg.S3Region)
	case "gs":
		return NewGCSSource(ctx, loc.Bucket, loc.Key)
	default:
		return NewBlobSource(ctx, loc.BucketURL(), loc.Key)
	}
}

// streamGroup tracks the decode goroutines started by a source so Close can
// stop them before releasing what they read from.
type streamGroup struct {
	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

func (g *streamGroup) start(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancels = append(g.cancels, cancel)
	g.mu.Unlock()
	g.wg.Add(1)
	return ctx
}

// cancel stops every stream without waiting for it.
func (g *streamGroup) cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, cancel := range g.cancels {
		cancel()
	}
	g.cancels = nil
}

// stop cancels every stream and waits for its goroutine to exit.
func (g *streamGroup) stop() {
	g.cancel()
	g.wg.Wait()
}

// streamSegments decodes each segment in turn onto a single record channel.
// The goroutine owns its Decoder and closes it on exit.
func streamSegments(ctx context.Context, g *streamGroup, name string, segments []string,
	open func(ctx context.Context, segment string) (io.ReadCloser, error)) (<-chan Record, <-chan error) {

	recordCh := make(chan Record, 256)
	errCh := make(chan error, 1)
	ctx = g.start(ctx)

	go func() {
		defer g.wg.Done()
		defer close(recordCh)
		defer close(errCh)

		dec, err := NewDecoder()
		if err != nil {
			errCh <- err
			return
		}
		defer dec.Close()

		log := componentLog(ctx, name)
		var seq uint64
		for _, segment := range segments {
			if ctx.Err() != nil {
				return
			}

			rc, err := open(ctx, segment)
			if err != nil {
				errCh <- fmt.Errorf("open segment %s: %w", segment, err)
				return
			}

			n, err := dec.DecodeStream(ctx, rc, segment, seq, recordCh)
			rc.Close()
			if err != nil {
				errCh <- err
				return
			}
			log.Debug("segment decoded", "segment", segment, "records", n)
			seq += n
		}
		log.Debug("stream complete", "segments", len(segments), "records", seq)
	}()

	return recordCh, errCh
}
