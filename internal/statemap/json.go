package statemap

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/withObsrvr/trace-statemap/internal/schema"
)

// JSONWriter writes the statemap text format: one JSON value per line,
// header first.
type JSONWriter struct {
	buf *bufio.Writer
	enc *json.Encoder
}

// NewJSONWriter creates a JSONWriter over w. Call Flush when done.
func NewJSONWriter(w io.Writer) *JSONWriter {
	buf := bufio.NewWriterSize(w, 64*1024)
	return &JSONWriter{buf: buf, enc: json.NewEncoder(buf)}
}

// WriteHeader implements Writer.
func (w *JSONWriter) WriteHeader(h schema.Header) error {
	if err := w.enc.Encode(h); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	return nil
}

// WriteEvent implements Writer.
func (w *JSONWriter) WriteEvent(ev Event) error {
	return w.enc.Encode(ToSchema(ev))
}

// Flush writes any buffered data to the underlying writer.
func (w *JSONWriter) Flush() error {
	return w.buf.Flush()
}

// ToSchema converts an event into its wire form.
func ToSchema(ev Event) schema.Event {
	return schema.Event{
		Time:   strconv.FormatInt(ev.OffsetNS, 10),
		Entity: ev.Entity,
		State:  ev.State,
	}
}
