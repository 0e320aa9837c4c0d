package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/klauspost/compress/zstd"

	"github.com/withObsrvr/trace-statemap/internal/logging"
	"github.com/withObsrvr/trace-statemap/internal/schema"
)

// ErrInvalidJSON is returned when a segment is not a stream of JSON objects.
var ErrInvalidJSON = errors.New("invalid trace json")

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Decoder turns a byte stream of concatenated trace objects into records.
// Zstandard-compressed input is detected by its frame magic. A Decoder is
// not safe for concurrent use.
type Decoder struct {
	zstdDecoder *zstd.Decoder
}

// NewDecoder creates a new trace decoder.
func NewDecoder() (*Decoder, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Decoder{zstdDecoder: dec}, nil
}

// Close releases decoder resources.
func (d *Decoder) Close() {
	if d.zstdDecoder != nil {
		d.zstdDecoder.Close()
	}
}

// Open wraps r, decompressing it when it starts with a zstd frame.
func (d *Decoder) Open(r io.Reader) (io.Reader, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	head, err := br.Peek(len(zstdMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("peek input: %w", err)
	}
	if !bytes.Equal(head, zstdMagic) {
		return br, nil
	}
	if err := d.zstdDecoder.Reset(br); err != nil {
		return nil, fmt.Errorf("zstd reset: %w", err)
	}
	return d.zstdDecoder, nil
}

// DecodeStream decodes every record in r and sends it on out, numbering
// records from firstSeq. It returns the number of records sent.
func (d *Decoder) DecodeStream(ctx context.Context, r io.Reader, segment string, firstSeq uint64, out chan<- Record) (uint64, error) {
	in, err := d.Open(r)
	if err != nil {
		return 0, fmt.Errorf("segment %s: %w", segment, err)
	}

	dec := json.NewDecoder(in)
	var n uint64
	for {
		var rec schema.TraceRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, fmt.Errorf("%w: segment %s record %d (offset %d): %v",
				ErrInvalidJSON, segment, firstSeq+n, dec.InputOffset(), err)
		}

		select {
		case out <- Record{Seq: firstSeq + n, Segment: segment, Trace: rec}:
		case <-ctx.Done():
			return n, ctx.Err()
		}
		n++
	}
}

func componentLog(ctx context.Context, name string) *slog.Logger {
	return logging.ComponentContext(ctx, "source:"+name)
}
