package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// DigestWriter passes writes through to an underlying writer while
// computing their SHA-256 and length.
type DigestWriter struct {
	w    io.Writer
	h    hash.Hash
	size int64
}

// NewDigestWriter wraps w.
func NewDigestWriter(w io.Writer) *DigestWriter {
	return &DigestWriter{w: w, h: sha256.New()}
}

func (d *DigestWriter) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	d.h.Write(p[:n])
	d.size += int64(n)
	return n, err
}

// Checksum returns the digest of everything written so far as "sha256:<hex>".
func (d *DigestWriter) Checksum() string {
	return "sha256:" + hex.EncodeToString(d.h.Sum(nil))
}

// Size returns the number of bytes written.
func (d *DigestWriter) Size() int64 {
	return d.size
}
