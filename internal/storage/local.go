package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/withObsrvr/trace-statemap/internal/util"
)

// LocalStore writes output files to the local filesystem.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates a new local filesystem store.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if err := util.EnsureDir(baseDir); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}

	return &LocalStore{baseDir: baseDir}, nil
}

// NewWriter returns a writer over a temp file that is renamed into place on
// Close.
func (s *LocalStore) NewWriter(ctx context.Context, key string) (Writer, error) {
	path := filepath.Join(s.baseDir, key)
	if err := util.EnsureParent(path); err != nil {
		return nil, fmt.Errorf("create directory for %s: %w", path, err)
	}

	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file for %s: %w", path, err)
	}
	return &atomicFile{File: f, path: path}, nil
}

// WriteManifest writes a manifest file next to the output.
func (s *LocalStore) WriteManifest(ctx context.Context, key string, manifest *Manifest) error {
	data, err := manifest.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	w, err := s.NewWriter(ctx, ManifestKey(key))
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return fmt.Errorf("write manifest: %w", err)
	}
	return w.Close()
}

// Exists checks if key already exists.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.baseDir, key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// URI returns the canonical URI for the given key.
func (s *LocalStore) URI(key string) string {
	absPath, err := filepath.Abs(filepath.Join(s.baseDir, key))
	if err != nil {
		absPath = filepath.Join(s.baseDir, key)
	}
	return "file://" + absPath
}

// Close is a no-op for local storage.
func (s *LocalStore) Close() error {
	return nil
}

// atomicFile publishes its temp file with a rename.
type atomicFile struct {
	*os.File
	path string
	done bool
}

func (f *atomicFile) Close() error {
	if f.done {
		return nil
	}
	f.done = true

	tempPath := f.Name()
	if err := f.File.Sync(); err != nil {
		f.File.Close()
		os.Remove(tempPath)
		return fmt.Errorf("sync %s: %w", tempPath, err)
	}
	if err := f.File.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, f.path); err != nil {
		// Clean up temp file on rename failure
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, f.path, err)
	}
	return nil
}

func (f *atomicFile) Abort() error {
	if f.done {
		return nil
	}
	f.done = true
	f.File.Close()
	return os.Remove(f.Name())
}

// StdoutStore streams output to a writer, usually os.Stdout. Manifests are
// not written since there is no key to place them beside.
type StdoutStore struct {
	w io.Writer
}

// NewStdoutStore creates a store writing to w, or os.Stdout when w is nil.
func NewStdoutStore(w io.Writer) *StdoutStore {
	if w == nil {
		w = os.Stdout
	}
	return &StdoutStore{w: w}
}

// NewWriter returns w. Close and Abort leave the underlying writer open.
func (s *StdoutStore) NewWriter(ctx context.Context, key string) (Writer, error) {
	return stdoutWriter{s.w}, nil
}

// WriteManifest is a no-op for stdout.
func (s *StdoutStore) WriteManifest(ctx context.Context, key string, manifest *Manifest) error {
	return nil
}

// Exists always reports false for stdout.
func (s *StdoutStore) Exists(ctx context.Context, key string) (bool, error) {
	return false, nil
}

// URI returns "stdout".
func (s *StdoutStore) URI(key string) string {
	return "stdout"
}

// Close is a no-op for stdout.
func (s *StdoutStore) Close() error {
	return nil
}

type stdoutWriter struct {
	io.Writer
}

func (stdoutWriter) Close() error { return nil }
func (stdoutWriter) Abort() error { return nil }
