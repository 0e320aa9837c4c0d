package source

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalSource reads trace segments from a file or a directory tree.
type LocalSource struct {
	basePath string
	isDir    bool
	streams  streamGroup
}

// NewLocalSource creates a new local filesystem source.
func NewLocalSource(basePath string) (*LocalSource, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("invalid local path %s: %w", basePath, err)
	}

	return &LocalSource{
		basePath: basePath,
		isDir:    info.IsDir(),
	}, nil
}

// Stream implements TraceSource.Stream for local files.
func (s *LocalSource) Stream(ctx context.Context) (<-chan Record, <-chan error) {
	segments := []string{s.basePath}
	if s.isDir {
		index, err := s.buildIndex()
		if err != nil {
			return failed(fmt.Errorf("build index: %w", err))
		}
		if index.Count() == 0 {
			return failed(fmt.Errorf("%w in %s", ErrNoSegments, s.basePath))
		}
		componentLog(ctx, "local").Info("indexed trace segments", "path", s.basePath, "segments", index.Count())
		segments = index.Files()
	}

	return streamSegments(ctx, &s.streams, "local", segments, func(_ context.Context, name string) (io.ReadCloser, error) {
		return os.Open(name)
	})
}

// Close stops any running stream and waits for it to exit.
func (s *LocalSource) Close() error {
	s.streams.stop()
	return nil
}

// buildIndex walks the directory tree and indexes all trace files.
func (s *LocalSource) buildIndex() (*SegmentIndex, error) {
	index := NewSegmentIndex()

	err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		index.AddFile(path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	index.Sort()
	return index, nil
}

// ReaderSource reads a single trace stream, typically stdin.
type ReaderSource struct {
	name    string
	r       io.ReadCloser
	streams streamGroup
}

// NewReaderSource creates a source over r. Close closes r.
func NewReaderSource(name string, r io.ReadCloser) (*ReaderSource, error) {
	return &ReaderSource{name: name, r: r}, nil
}

// Stream implements TraceSource.Stream.
func (s *ReaderSource) Stream(ctx context.Context) (<-chan Record, <-chan error) {
	return streamSegments(ctx, &s.streams, s.name, []string{s.name}, func(context.Context, string) (io.ReadCloser, error) {
		return io.NopCloser(s.r), nil
	})
}

// Close cancels any running stream and closes the reader. It does not wait
// for the stream to exit, since a read from an idle stdin may never return.
func (s *ReaderSource) Close() error {
	s.streams.cancel()
	return s.r.Close()
}

func failed(err error) (<-chan Record, <-chan error) {
	recordCh := make(chan Record)
	errCh := make(chan error, 1)
	errCh <- err
	close(recordCh)
	close(errCh)
	return recordCh, errCh
}
