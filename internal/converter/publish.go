package converter

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"

	"github.com/withObsrvr/trace-statemap/internal/config"
	"github.com/withObsrvr/trace-statemap/internal/metrics"
	"github.com/withObsrvr/trace-statemap/internal/schema"
	"github.com/withObsrvr/trace-statemap/internal/statemap"
	"github.com/withObsrvr/trace-statemap/internal/storage"
	"github.com/withObsrvr/trace-statemap/internal/tables"
	"github.com/withObsrvr/trace-statemap/internal/trace"
)

// PublishResult contains the outcome of a successful publish.
type PublishResult struct {
	Summary  statemap.Summary
	URI      string
	Checksum string
	ByteSize int64
}

// eventSink is a statemap.Writer that must be finished before the bytes
// beneath it are complete.
type eventSink interface {
	statemap.Writer
	finish() error
	rows() int64
}

type jsonSink struct {
	*statemap.JSONWriter
	n int64
}

func (s *jsonSink) WriteEvent(ev statemap.Event) error {
	if err := s.JSONWriter.WriteEvent(ev); err != nil {
		return err
	}
	s.n++
	return nil
}

func (s *jsonSink) finish() error { return s.Flush() }
func (s *jsonSink) rows() int64   { return s.n }

type parquetSink struct{ *tables.EventWriter }

func (s parquetSink) finish() error { return s.Close() }
func (s parquetSink) rows() int64   { return s.Rows() }

// publish is the transactional lifecycle for writing the output.
//
// The order of operations matters:
//  1. Open the store writer (nothing visible yet)
//  2. Emit header and events through digest and optional zstd
//  3. Validate the emission summary
//  4. Commit the writer
//  5. Write the manifest (references the committed output)
//
// Any failure before step 4 aborts the writer so no partial output is left.
func (c *Converter) publish(ctx context.Context, tr *trace.Trace, records int) (*PublishResult, error) {
	labels := metrics.Labels{Backend: c.backendLabel(), Format: c.cfg.Format}
	uri := c.store.URI(c.key)

	// Step 1: Open output
	w, err := c.store.NewWriter(ctx, c.key)
	if err != nil {
		c.metrics.IncStorageErrors(labels)
		return nil, fmt.Errorf("open output: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			w.Abort()
		}
	}()

	digest := storage.NewDigestWriter(w)
	var out io.Writer = digest
	var zw *zstd.Encoder
	compression := "none"
	if strings.HasSuffix(c.key, ".zst") {
		zw, err = zstd.NewWriter(digest)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		out = zw
		compression = "zstd"
	}

	// Step 2: Emit
	var (
		sink  eventSink
		table string
	)
	switch c.cfg.Format {
	case config.FormatParquet:
		sink = parquetSink{tables.NewEventWriter(out, tables.ParquetConfig{
			Compression: c.cfg.Parquet.Compression,
			BatchSize:   c.cfg.Parquet.BatchSize,
		})}
		table = tables.StateEventRow{}.TableName()
	default:
		sink = &jsonSink{JSONWriter: statemap.NewJSONWriter(out)}
	}

	em := statemap.NewEmitter(tr, statemap.Options{
		Title:   c.cfg.Statemap.Title,
		Host:    c.cfg.Statemap.Cluster,
		Colors:  c.cfg.Statemap.Colors,
		Workers: c.workers(),
	}, c.log)

	summary, err := em.Emit(ctx, sink)
	if err != nil {
		c.metrics.IncStorageErrors(labels)
		return nil, fmt.Errorf("emit: %w", err)
	}
	if err := sink.finish(); err != nil {
		c.metrics.IncStorageErrors(labels)
		return nil, fmt.Errorf("finish %s output: %w", c.cfg.Format, err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("close zstd encoder: %w", err)
		}
	}
	c.metrics.AddEventsEmitted(labels, float64(summary.Events))
	c.metrics.AddOrderingViolations(float64(summary.Violations))

	// Step 3: Validate what was emitted
	result := ValidateSummary(tr, summary, sink.rows())
	for _, warning := range result.Warnings {
		c.log.Debug("validation warning", "warning", warning)
	}
	if !result.Passed {
		return nil, result.Err()
	}

	// Step 4: Commit
	committed = true
	if err := w.Close(); err != nil {
		c.metrics.IncStorageErrors(labels)
		return nil, fmt.Errorf("commit output: %w", err)
	}
	c.metrics.SetOutputBytes(labels, float64(digest.Size()))
	c.log.Info("output written",
		"uri", uri,
		"size", humanize.Bytes(uint64(digest.Size())),
		"checksum", digest.Checksum(),
	)

	// Step 5: Manifest
	sec, nsec := trace.SplitNanos(tr.Epoch)
	manifest := &storage.Manifest{
		RunID: c.runID,
		Output: storage.OutputInfo{
			URI:           uri,
			Format:        c.cfg.Format,
			Compression:   compression,
			SchemaVersion: schema.Version,
			Table:         table,
			Checksum:      digest.Checksum(),
			ByteSize:      digest.Size(),
		},
		Trace: storage.TraceInfo{
			Input:      c.cfg.Input,
			Start:      [2]int64{sec, nsec},
			Records:    records,
			Entities:   summary.Entities,
			States:     summary.States,
			Events:     summary.Events,
			Violations: summary.Violations,
		},
		Producer: storage.ProducerInfo{
			Name:    "trace-statemap",
			Version: Version,
			GitSHA:  GitSHA,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.WriteManifest(ctx, c.key, manifest); err != nil {
		c.metrics.IncStorageErrors(labels)
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	return &PublishResult{
		Summary:  summary,
		URI:      uri,
		Checksum: digest.Checksum(),
		ByteSize: digest.Size(),
	}, nil
}

func (c *Converter) backendLabel() string {
	switch c.store.(type) {
	case *storage.StdoutStore:
		return "stdout"
	case *storage.LocalStore:
		return "file"
	default:
		return "blob"
	}
}
