package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := ratelimit.New(ratelimit.Config{MaxConcurrent: 0, RequestsPerSecond: 1})
	require.ErrorIs(t, err, ratelimit.ErrInvalidConfig)

	_, err = ratelimit.New(ratelimit.Config{MaxConcurrent: 1, RequestsPerSecond: 0})
	require.ErrorIs(t, err, ratelimit.ErrInvalidConfig)
}

func TestAcquire_BoundsConcurrencyAndThroughput(t *testing.T) {
	t.Parallel()

	const (
		maxConcurrent = 5
		perSecond     = 40
		callers       = 50
	)

	limiter, err := ratelimit.New(ratelimit.Config{
		MaxConcurrent:     maxConcurrent,
		RequestsPerSecond: perSecond,
	})
	require.NoError(t, err)

	var (
		waitGroup  sync.WaitGroup
		mutex      sync.Mutex
		active     atomic.Int64
		peak       atomic.Int64
		admittedAt []time.Time
	)

	for range callers {
		waitGroup.Add(1)

		go func() {
			defer waitGroup.Done()

			lease, acquireErr := limiter.Acquire(context.Background())
			if acquireErr != nil {
				t.Errorf("unexpected acquire error: %v", acquireErr)

				return
			}
			defer limiter.Release(lease)

			mutex.Lock()
			admittedAt = append(admittedAt, time.Now())
			mutex.Unlock()

			current := active.Add(1)
			for {
				observed := peak.Load()
				if current <= observed || peak.CompareAndSwap(observed, current) {
					break
				}
			}

			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
		}()
	}

	waitGroup.Wait()

	require.Len(t, admittedAt, callers)
	assert.LessOrEqual(t, peak.Load(), int64(maxConcurrent))
	assert.Equal(t, int64(callers), limiter.Admitted())
	assert.Zero(t, limiter.InFlight())

	for _, start := range admittedAt {
		inWindow := 0

		for _, other := range admittedAt {
			if !other.Before(start) && other.Sub(start) < time.Second {
				inWindow++
			}
		}

		assert.LessOrEqual(t, inWindow, perSecond+maxConcurrent)
	}
}

func TestAcquire_ReturnsSlotWhenTokenWaitFails(t *testing.T) {
	t.Parallel()

	limiter, err := ratelimit.New(ratelimit.Config{
		MaxConcurrent:     1,
		RequestsPerSecond: 0.001,
		AcquireTimeout:    50 * time.Millisecond,
	})
	require.NoError(t, err)

	first, err := limiter.Acquire(context.Background())
	require.NoError(t, err)
	first.Release()

	_, err = limiter.Acquire(context.Background())
	require.ErrorIs(t, err, core.ErrRateLimiterExhausted)
	assert.Contains(t, err.Error(), "rate token")

	// The slot from the failed attempt must be free again, so the next attempt
	// fails on the token bucket rather than on the semaphore.
	_, err = limiter.Acquire(context.Background())
	require.ErrorIs(t, err, core.ErrRateLimiterExhausted)
	assert.Contains(t, err.Error(), "rate token")
	assert.Zero(t, limiter.InFlight())
	assert.Equal(t, int64(2), limiter.Rejected())
}

func TestAcquire_TimesOutWaitingForSlot(t *testing.T) {
	t.Parallel()

	limiter, err := ratelimit.New(ratelimit.Config{
		MaxConcurrent:     1,
		RequestsPerSecond: 100,
		AcquireTimeout:    30 * time.Millisecond,
	})
	require.NoError(t, err)

	held, err := limiter.Acquire(context.Background())
	require.NoError(t, err)

	defer held.Release()

	_, err = limiter.Acquire(context.Background())
	require.ErrorIs(t, err, core.ErrRateLimiterExhausted)
	assert.Contains(t, err.Error(), "concurrency slot")
}

func TestAcquire_CallerCancellationIsNotExhaustion(t *testing.T) {
	t.Parallel()

	limiter, err := ratelimit.New(ratelimit.Config{MaxConcurrent: 1, RequestsPerSecond: 100})
	require.NoError(t, err)

	held, err := limiter.Acquire(context.Background())
	require.NoError(t, err)

	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = limiter.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, core.ErrRateLimiterExhausted)
}

func TestRelease_IsIdempotent(t *testing.T) {
	t.Parallel()

	limiter, err := ratelimit.New(ratelimit.Config{MaxConcurrent: 2, RequestsPerSecond: 100})
	require.NoError(t, err)

	lease, err := limiter.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), limiter.InFlight())

	limiter.Release(lease)
	limiter.Release(lease)
	lease.Release()
	limiter.Release(nil)

	assert.Zero(t, limiter.InFlight())
}
