// Package audiobuf provides an immutable audio payload that several consumers
// can read at the same time.
//
// Every reader gets its own cursor over the shared backing array, so a local
// save, a remote upload and a merge can stream the same clip concurrently
// without copying it and without waiting on each other.
package audiobuf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// chunkSize bounds each write issued by CopyTo so cancellation is observed
// between chunks.
const chunkSize = 32 * 1024

var (
	// ErrEmpty is returned when a buffer is created from no data.
	ErrEmpty = errors.New("audio buffer is empty")
	// ErrLeaseClosed is returned when reading from a released lease.
	ErrLeaseClosed = errors.New("lease already released")
)

// Buffer is an immutable audio payload. The zero value is not usable; create
// buffers with New or ReadAll.
type Buffer struct {
	data   []byte
	leases atomic.Int64
}

// New wraps data without copying it. The caller must not modify data after the
// call.
func New(data []byte) (*Buffer, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	return &Buffer{data: data}, nil
}

// ReadAll drains r into a new Buffer.
func ReadAll(r io.Reader) (*Buffer, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio stream: %w", err)
	}

	return New(data)
}

// Len returns the payload size in bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// NewReader returns an independent read-only cursor positioned at offset 0.
func (b *Buffer) NewReader() *bytes.Reader {
	return bytes.NewReader(b.data)
}

// CopyTo streams the full payload to dst starting from offset 0. It is safe to
// call concurrently.
func (b *Buffer) CopyTo(ctx context.Context, dst io.Writer) (int64, error) {
	var written int64

	for offset := 0; offset < len(b.data); offset += chunkSize {
		ctxErr := ctx.Err()
		if ctxErr != nil {
			return written, fmt.Errorf("copy interrupted after %d bytes: %w", written, ctxErr)
		}

		end := min(offset+chunkSize, len(b.data))

		n, err := dst.Write(b.data[offset:end])
		written += int64(n)

		if err != nil {
			return written, fmt.Errorf("failed to write audio chunk: %w", err)
		}

		if n != end-offset {
			return written, io.ErrShortWrite
		}
	}

	return written, nil
}

// Lease returns a scoped view over the payload. Closing the lease releases the
// view without affecting the buffer or any other lease.
func (b *Buffer) Lease(ctx context.Context) (*Lease, error) {
	ctxErr := ctx.Err()
	if ctxErr != nil {
		return nil, fmt.Errorf("lease not granted: %w", ctxErr)
	}

	b.leases.Add(1)

	return &Lease{owner: b, reader: b.NewReader()}, nil
}

// ActiveLeases reports how many leases are open.
func (b *Buffer) ActiveLeases() int64 {
	return b.leases.Load()
}

// Lease is a read-only, seekable view handed to one consumer.
type Lease struct {
	owner  *Buffer
	reader *bytes.Reader
	closed atomic.Bool
}

// Read implements io.Reader.
func (l *Lease) Read(p []byte) (int, error) {
	if l.closed.Load() {
		return 0, ErrLeaseClosed
	}

	return l.reader.Read(p)
}

// Seek implements io.Seeker.
func (l *Lease) Seek(offset int64, whence int) (int64, error) {
	if l.closed.Load() {
		return 0, ErrLeaseClosed
	}

	return l.reader.Seek(offset, whence)
}

// WriteTo implements io.WriterTo so io.Copy skips its intermediate buffer.
func (l *Lease) WriteTo(w io.Writer) (int64, error) {
	if l.closed.Load() {
		return 0, ErrLeaseClosed
	}

	return l.reader.WriteTo(w)
}

// Close releases the lease. It is safe to call more than once.
func (l *Lease) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		l.owner.leases.Add(-1)
	}

	return nil
}
