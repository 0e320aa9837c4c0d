package tables

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/trace-statemap/internal/schema"
	"github.com/withObsrvr/trace-statemap/internal/statemap"
)

var errNoHeader = errors.New("event written before header")

// EventWriter implements statemap.Writer on top of a Parquet file. The file
// writer is created on WriteHeader so the header can be stored in the file's
// key/value metadata.
type EventWriter struct {
	out   io.Writer
	cfg   ParquetConfig
	pw    *parquet.GenericWriter[StateEventRow]
	names []string
	batch []StateEventRow
	rows  int64
}

// NewEventWriter creates a Parquet event writer over out.
func NewEventWriter(out io.Writer, cfg ParquetConfig) *EventWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultParquetConfig().BatchSize
	}
	return &EventWriter{out: out, cfg: cfg}
}

// WriteHeader implements statemap.Writer.
func (w *EventWriter) WriteHeader(h schema.Header) error {
	if w.pw != nil {
		return errors.New("header already written")
	}

	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}

	w.names = make([]string, len(h.States))
	for name, meta := range h.States {
		if meta.Value < 0 || meta.Value >= len(w.names) {
			return fmt.Errorf("state %q has code %d outside [0,%d)", name, meta.Value, len(w.names))
		}
		w.names[meta.Value] = name
	}

	opts := []parquet.WriterOption{
		parquet.KeyValueMetadata(HeaderKey, string(raw)),
		parquet.KeyValueMetadata(TableKey, StateEventRow{}.TableName()),
	}
	switch w.cfg.Compression {
	case "zstd":
		opts = append(opts, parquet.Compression(&parquet.Zstd))
	case "snappy":
		opts = append(opts, parquet.Compression(&parquet.Snappy))
	case "none", "":
	default:
		return fmt.Errorf("unknown parquet compression %q", w.cfg.Compression)
	}

	w.pw = parquet.NewGenericWriter[StateEventRow](w.out, opts...)
	w.batch = make([]StateEventRow, 0, w.cfg.BatchSize)
	return nil
}

// WriteEvent implements statemap.Writer.
func (w *EventWriter) WriteEvent(ev statemap.Event) error {
	if w.pw == nil {
		return errNoHeader
	}
	w.batch = append(w.batch, StateEventRow{
		OffsetNS:  ev.OffsetNS,
		Entity:    ev.Entity,
		State:     int32(ev.State),
		StateName: w.names[ev.State],
	})
	if len(w.batch) >= w.cfg.BatchSize {
		return w.flushBatch()
	}
	return nil
}

// Close flushes buffered rows and writes the Parquet footer.
func (w *EventWriter) Close() error {
	if w.pw == nil {
		return errNoHeader
	}
	if err := w.flushBatch(); err != nil {
		return err
	}
	if err := w.pw.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

// Rows returns the number of rows handed to the Parquet writer.
func (w *EventWriter) Rows() int64 {
	return w.rows
}

func (w *EventWriter) flushBatch() error {
	if len(w.batch) == 0 {
		return nil
	}
	n, err := w.pw.Write(w.batch)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rows += int64(n)
	w.batch = w.batch[:0]
	return nil
}
