package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/book-expert/narration-service/internal/core"
)

// IsTransient reports whether err is worth retrying: provider throttling and
// 5xx, storage IO hiccups, transcoder failures, limiter exhaustion, network
// timeouts and dropped connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, core.ErrProviderPermanent),
		errors.Is(err, core.ErrStorageFatal),
		errors.Is(err, core.ErrConfigurationMissing),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, core.ErrProviderTransient),
		errors.Is(err, core.ErrStorageTransient),
		errors.Is(err, core.ErrMergeFailure),
		errors.Is(err, core.ErrRateLimiterExhausted):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
