// Package merge concatenates ordered audio buffers into one stream through an
// external transcoder.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/audio"
	"github.com/book-expert/narration-service/internal/audiobuf"
	"golang.org/x/sync/semaphore"
)

// ErrNoSegments is returned when a merge request carries no segments.
var ErrNoSegments = errors.New("merge request has no segments")

// Transcoder concatenates inputs, in order, into dst encoded as format.
type Transcoder interface {
	Concat(ctx context.Context, inputs []io.Reader, format audio.Format, dst io.Writer) error
}

// Request describes one merge. Separator, Intro and Outro are optional.
type Request struct {
	Segments  []*audiobuf.Buffer
	Separator *audiobuf.Buffer
	Intro     *audiobuf.Buffer
	Outro     *audiobuf.Buffer
	Format    audio.Format
}

// Order returns the playback order: [intro] s1 [sep] s2 ... [sep] sN [outro].
func (r Request) Order() []*audiobuf.Buffer {
	ordered := make([]*audiobuf.Buffer, 0, 2*len(r.Segments)+1)

	if r.Intro != nil {
		ordered = append(ordered, r.Intro)
	}

	for i, segment := range r.Segments {
		if i > 0 && r.Separator != nil {
			ordered = append(ordered, r.Separator)
		}

		ordered = append(ordered, segment)
	}

	if r.Outro != nil {
		ordered = append(ordered, r.Outro)
	}

	return ordered
}

// Engine runs one merge at a time.
type Engine struct {
	transcoder Transcoder
	gate       *semaphore.Weighted
	log        *logger.Logger
}

// NewEngine creates an engine backed by transcoder.
func NewEngine(transcoder Transcoder, log *logger.Logger) *Engine {
	return &Engine{
		transcoder: transcoder,
		gate:       semaphore.NewWeighted(1),
		log:        log,
	}
}

// Merge starts the transcoder and returns its output stream. The engine stays
// busy until the stream has been fully produced; cancel ctx to abandon it.
// Closing the reader early makes the transcoder fail with a broken pipe.
func (e *Engine) Merge(ctx context.Context, req Request) (io.ReadCloser, error) {
	if len(req.Segments) == 0 {
		return nil, ErrNoSegments
	}

	acquireErr := e.gate.Acquire(ctx, 1)
	if acquireErr != nil {
		return nil, fmt.Errorf("waiting for merge engine: %w", acquireErr)
	}

	ordered := req.Order()
	leases := make([]*audiobuf.Lease, 0, len(ordered))
	inputs := make([]io.Reader, 0, len(ordered))

	for _, buffer := range ordered {
		lease, err := buffer.Lease(ctx)
		if err != nil {
			closeLeases(leases)
			e.gate.Release(1)

			return nil, fmt.Errorf("failed to lease merge input: %w", err)
		}

		leases = append(leases, lease)
		inputs = append(inputs, lease)
	}

	reader, writer := io.Pipe()

	go func() {
		defer e.gate.Release(1)
		defer closeLeases(leases)

		err := e.transcoder.Concat(ctx, inputs, req.Format, writer)
		if err != nil {
			e.log.Error("Merge of %d inputs failed: %v", len(inputs), err)
		}

		_ = writer.CloseWithError(err)
	}()

	return reader, nil
}

func closeLeases(leases []*audiobuf.Lease) {
	for _, lease := range leases {
		_ = lease.Close()
	}
}
