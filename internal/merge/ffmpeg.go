package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/narration-service/internal/audio"
	"github.com/book-expert/narration-service/internal/core"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultFFmpegPath resolves ffmpeg from PATH.
	DefaultFFmpegPath = "ffmpeg"
	// firstExtraFD is the descriptor number of the first ExtraFiles entry.
	firstExtraFD       = 3
	checkTimeout       = 5 * time.Second
	maxStderrBytes     = 8 * 1024
	errFmtFFmpegFailed = "%w: ffmpeg failed: %w, stderr: %s"
)

// ErrFFmpegNotFound is returned when the ffmpeg binary cannot be executed.
var ErrFFmpegNotFound = errors.New("ffmpeg not found")

// FFmpeg is a Transcoder that streams every input through its own pipe into a
// single ffmpeg process using the concat filter.
type FFmpeg struct {
	path string
}

// NewFFmpeg creates a transcoder running the binary at path.
func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = DefaultFFmpegPath
	}

	return &FFmpeg{path: path}
}

// BuildArgs returns the ffmpeg arguments for concatenating inputs pipes.
func BuildArgs(inputs int, format audio.Format) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}

	var filter strings.Builder

	for i := range inputs {
		args = append(args, "-i", "pipe:"+strconv.Itoa(firstExtraFD+i))
		fmt.Fprintf(&filter, "[%d:a]", i)
	}

	fmt.Fprintf(&filter, "concat=n=%d:v=0:a=1[out]", inputs)

	return append(args,
		"-filter_complex", filter.String(),
		"-map", "[out]",
		"-c:a", format.FFmpegCodec(),
		"-f", format.FFmpegMuxer(),
		"pipe:1",
	)
}

// Concat implements Transcoder. Cancelling ctx kills the process.
func (f *FFmpeg) Concat(ctx context.Context, inputs []io.Reader, format audio.Format, dst io.Writer) error {
	if len(inputs) == 0 {
		return ErrNoSegments
	}

	readEnds := make([]*os.File, 0, len(inputs))
	writeEnds := make([]*os.File, 0, len(inputs))

	closeAll := func(files []*os.File) {
		for _, file := range files {
			_ = file.Close()
		}
	}

	for range inputs {
		readEnd, writeEnd, pipeErr := os.Pipe()
		if pipeErr != nil {
			closeAll(readEnds)
			closeAll(writeEnds)

			return fmt.Errorf("%w: failed to create input pipe: %w", core.ErrMergeFailure, pipeErr)
		}

		readEnds = append(readEnds, readEnd)
		writeEnds = append(writeEnds, writeEnd)
	}

	var stderr bytes.Buffer

	//nolint:gosec // the binary path comes from configuration
	cmd := exec.CommandContext(ctx, f.path, BuildArgs(len(inputs), format)...)
	cmd.ExtraFiles = readEnds
	cmd.Stdout = dst
	cmd.Stderr = &limitedWriter{buffer: &stderr, limit: maxStderrBytes}

	startErr := cmd.Start()

	closeAll(readEnds)

	if startErr != nil {
		closeAll(writeEnds)

		if errors.Is(startErr, exec.ErrNotFound) || errors.Is(startErr, os.ErrNotExist) {
			return fmt.Errorf("%w: %s: %w", ErrFFmpegNotFound, f.path, startErr)
		}

		return fmt.Errorf("%w: failed to start ffmpeg: %w", core.ErrMergeFailure, startErr)
	}

	var feeders errgroup.Group

	for i, input := range inputs {
		writeEnd := writeEnds[i]

		feeders.Go(func() error {
			_, copyErr := io.Copy(writeEnd, input)
			closeErr := writeEnd.Close()

			return errors.Join(copyErr, closeErr)
		})
	}

	waitErr := cmd.Wait()
	feedErr := feeders.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("merge cancelled: %w", ctxErr)
	}

	if waitErr != nil {
		return fmt.Errorf(errFmtFFmpegFailed, core.ErrMergeFailure, waitErr, strings.TrimSpace(stderr.String()))
	}

	if feedErr != nil {
		return fmt.Errorf("%w: failed to feed ffmpeg: %w", core.ErrMergeFailure, feedErr)
	}

	return nil
}

// CheckAvailable runs "ffmpeg -version".
func (f *FFmpeg) CheckAvailable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.path, "-version") //nolint:gosec // the binary path comes from configuration

	runErr := cmd.Run()
	if runErr != nil {
		if errors.Is(runErr, exec.ErrNotFound) || errors.Is(runErr, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFFmpegNotFound, f.path)
		}

		return fmt.Errorf("ffmpeg check failed: %w", runErr)
	}

	return nil
}

// limitedWriter keeps the first limit bytes and discards the rest.
type limitedWriter struct {
	buffer *bytes.Buffer
	limit  int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if remaining := w.limit - w.buffer.Len(); remaining > 0 {
		w.buffer.Write(p[:min(len(p), remaining)])
	}

	return len(p), nil
}
