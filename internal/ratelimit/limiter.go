// Package ratelimit guards outbound provider calls with a concurrency cap and
// a token bucket. A call is admitted only when it holds both a slot and a token.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/book-expert/narration-service/internal/core"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	errFmtSlotWait  = "waiting for concurrency slot: %w"
	errFmtTokenWait = "waiting for rate token: %w"
)

// ErrInvalidConfig is returned by New for non-positive limits.
var ErrInvalidConfig = errors.New("invalid rate limiter configuration")

// Config configures a Limiter.
type Config struct {
	// MaxConcurrent is the hard cap on admitted operations. It is also the burst
	// size of the token bucket.
	MaxConcurrent int
	// RequestsPerSecond is the sustained token refill rate.
	RequestsPerSecond float64
	// AcquireTimeout bounds how long Acquire may queue independently of the
	// caller's context. Zero disables the secondary timeout.
	AcquireTimeout time.Duration
}

// Limiter combines a semaphore with a token bucket.
type Limiter struct {
	slots          *semaphore.Weighted
	bucket         *rate.Limiter
	acquireTimeout time.Duration

	inFlight atomic.Int64
	admitted atomic.Int64
	rejected atomic.Int64
}

// Lease is proof of admission. Release it exactly once; extra calls are no-ops.
type Lease struct {
	limiter  *Limiter
	released atomic.Bool
}

// New creates a Limiter from cfg.
func New(cfg Config) (*Limiter, error) {
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("%w: max concurrent must be positive, got %d", ErrInvalidConfig, cfg.MaxConcurrent)
	}

	if cfg.RequestsPerSecond <= 0 {
		return nil, fmt.Errorf("%w: requests per second must be positive, got %f", ErrInvalidConfig, cfg.RequestsPerSecond)
	}

	return &Limiter{
		slots:          semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		bucket:         rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.MaxConcurrent),
		acquireTimeout: cfg.AcquireTimeout,
	}, nil
}

// Acquire blocks until a slot and a token are both held. It fails with the
// caller's context error when ctx ends, or with core.ErrRateLimiterExhausted
// when the acquisition timeout elapses first. A slot taken before a failed
// token wait is always returned.
func (l *Limiter) Acquire(ctx context.Context) (*Lease, error) {
	waitCtx := ctx

	if l.acquireTimeout > 0 {
		var cancel context.CancelFunc

		waitCtx, cancel = context.WithTimeout(ctx, l.acquireTimeout)
		defer cancel()
	}

	slotErr := l.slots.Acquire(waitCtx, 1)
	if slotErr != nil {
		return nil, l.reject(ctx, fmt.Errorf(errFmtSlotWait, slotErr))
	}

	tokenErr := l.bucket.Wait(waitCtx)
	if tokenErr != nil {
		l.slots.Release(1)

		return nil, l.reject(ctx, fmt.Errorf(errFmtTokenWait, tokenErr))
	}

	l.inFlight.Add(1)
	l.admitted.Add(1)

	return &Lease{limiter: l}, nil
}

// Release returns the lease's slot. Nil and already released leases are ignored.
func (l *Limiter) Release(lease *Lease) {
	if lease == nil || lease.limiter != l {
		return
	}

	lease.Release()
}

// Release returns the slot held by the lease.
func (lease *Lease) Release() {
	if lease == nil || !lease.released.CompareAndSwap(false, true) {
		return
	}

	lease.limiter.inFlight.Add(-1)
	lease.limiter.slots.Release(1)
}

// InFlight reports the number of currently admitted operations.
func (l *Limiter) InFlight() int64 {
	return l.inFlight.Load()
}

// Admitted reports the total number of successful acquisitions.
func (l *Limiter) Admitted() int64 {
	return l.admitted.Load()
}

// Rejected reports the total number of failed acquisitions.
func (l *Limiter) Rejected() int64 {
	return l.rejected.Load()
}

// reject counts a failed acquisition and picks the error the caller sees: the
// caller's own cancellation wins, anything else means the limiter gave up.
func (l *Limiter) reject(ctx context.Context, cause error) error {
	l.rejected.Add(1)

	ctxErr := ctx.Err()
	if ctxErr != nil {
		return fmt.Errorf("rate limiter acquisition cancelled: %w", ctxErr)
	}

	return fmt.Errorf("%w: %w", core.ErrRateLimiterExhausted, cause)
}
