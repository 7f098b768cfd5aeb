// Package sink defines where pulled content lands.
//
// Nothing becomes visible at a destination path until the transfer into it
// completed: content is streamed into an exclusive temporary object which is
// promoted on Commit and removed on Abort.
package sink

import (
	"context"
	"encoding/hex"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
)

// Destination is a tree of files addressed by slash-separated relative paths.
type Destination interface {
	// MkdirAll creates rel and any missing parents.
	MkdirAll(ctx context.Context, rel string) error

	// Create opens an exclusive temporary object that becomes rel on Commit.
	Create(ctx context.Context, rel string) (Pending, error)

	// Location describes rel for reports ("/home/u/out/a.pdf", "s3://b/k").
	Location(rel string) string
}

// Pending is an in-progress write into a Destination.
type Pending interface {
	io.Writer

	// Commit finalizes the write. On failure the temporary object is removed.
	Commit(ctx context.Context) (Result, error)

	// Abort removes the temporary object. It is safe to call after Commit.
	Abort() error
}

// Result describes a committed file.
type Result struct {
	Location string `json:"local"`
	Bytes    int64  `json:"bytes"`
	Checksum string `json:"blake2b,omitempty"`
}

// Options tune every destination.
type Options struct {
	// Checksum computes a BLAKE2b-256 digest of the content as it streams.
	Checksum bool
}

// digestWriter counts and optionally hashes everything written through it.
type digestWriter struct {
	ctx     context.Context
	w       io.Writer
	h       hash.Hash
	written int64
}

func newDigestWriter(ctx context.Context, w io.Writer, checksum bool) *digestWriter {
	d := &digestWriter{ctx: ctx, w: w}
	if checksum {
		// New256 only fails for keys longer than 64 bytes.
		d.h, _ = blake2b.New256(nil)
	}
	return d
}

func (d *digestWriter) Write(p []byte) (int, error) {
	if err := d.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := d.w.Write(p)
	d.written += int64(n)
	if d.h != nil && n > 0 {
		d.h.Write(p[:n])
	}
	return n, err
}

func (d *digestWriter) sum() string {
	if d.h == nil {
		return ""
	}
	return hex.EncodeToString(d.h.Sum(nil))
}
