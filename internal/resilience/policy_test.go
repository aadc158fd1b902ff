package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/resilience"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = fmt.Errorf("upstream 503: %w", core.ErrProviderTransient)

type recordingObserver struct {
	mutex       sync.Mutex
	retries     []time.Duration
	transitions []gobreaker.State
}

func (o *recordingObserver) OnRetry(_ resilience.Class, _ int, _ error, delay time.Duration) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.retries = append(o.retries, delay)
}

func (o *recordingObserver) OnStateChange(_ resilience.Class, _, to gobreaker.State) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.transitions = append(o.transitions, to)
}

func breakerConfig() resilience.Config {
	return resilience.Config{
		Retry: resilience.RetryConfig{MaxAttempts: 1},
		Breaker: resilience.BreakerConfig{
			Enabled:           true,
			FailureRatio:      0.5,
			MinimumThroughput: 2,
			SamplingWindow:    time.Minute,
			BreakDuration:     80 * time.Millisecond,
		},
	}
}

func TestExecute_RetriesTransientWithExponentialDelay(t *testing.T) {
	t.Parallel()

	observer := &recordingObserver{}
	policy := resilience.New(resilience.ClassSynthesis, resilience.Config{
		Retry: resilience.RetryConfig{MaxAttempts: 4, BaseDelay: 5 * time.Millisecond},
	}, resilience.WithObserver(observer))

	calls := 0

	result, err := resilience.Execute(context.Background(), policy, func(context.Context) (string, error) {
		calls++
		if calls < 4 {
			return "", errFlaky
		}

		return "audio", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "audio", result)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		20 * time.Millisecond,
	}, observer.retries)
}

func TestExecute_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	policy := resilience.New(resilience.ClassStorage, resilience.Config{
		Retry: resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})

	calls := 0
	err := resilience.Do(context.Background(), policy, func(context.Context) error {
		calls++

		return errFlaky
	})

	require.ErrorIs(t, err, core.ErrProviderTransient)
	assert.Equal(t, 3, calls)
}

func TestExecute_DoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	policy := resilience.New(resilience.ClassSynthesis, resilience.Config{
		Retry: resilience.RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond},
	})

	calls := 0
	err := resilience.Do(context.Background(), policy, func(context.Context) error {
		calls++

		return fmt.Errorf("401: %w", core.ErrProviderPermanent)
	})

	require.ErrorIs(t, err, core.ErrProviderPermanent)
	assert.Equal(t, 1, calls)
}

func TestBreaker_OpensShortCircuitsAndCloses(t *testing.T) {
	t.Parallel()

	observer := &recordingObserver{}
	policy := resilience.New(resilience.ClassSynthesis, breakerConfig(), resilience.WithObserver(observer))
	ctx := context.Background()

	calls := 0
	failing := func(context.Context) error {
		calls++

		return errFlaky
	}

	require.Error(t, resilience.Do(ctx, policy, failing))
	assert.Equal(t, gobreaker.StateClosed, policy.State())
	require.Error(t, resilience.Do(ctx, policy, failing))
	assert.Equal(t, gobreaker.StateOpen, policy.State())

	err := resilience.Do(ctx, policy, failing)
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 2, calls, "open breaker must not reach the dependency")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, gobreaker.StateHalfOpen, policy.State())

	require.NoError(t, resilience.Do(ctx, policy, func(context.Context) error {
		calls++

		return nil
	}))
	assert.Equal(t, gobreaker.StateClosed, policy.State())
	assert.Equal(t, 3, calls)
	assert.Equal(t, []gobreaker.State{
		gobreaker.StateOpen,
		gobreaker.StateHalfOpen,
		gobreaker.StateClosed,
	}, observer.transitions)
}

func TestBreaker_HalfOpenAdmitsSingleTrialCall(t *testing.T) {
	t.Parallel()

	policy := resilience.New(resilience.ClassSynthesis, breakerConfig())
	ctx := context.Background()

	for range 2 {
		_ = resilience.Do(ctx, policy, func(context.Context) error { return errFlaky })
	}

	require.Equal(t, gobreaker.StateOpen, policy.State())
	time.Sleep(100 * time.Millisecond)

	trialStarted := make(chan struct{})
	releaseTrial := make(chan struct{})
	trialDone := make(chan error, 1)

	go func() {
		trialDone <- resilience.Do(ctx, policy, func(context.Context) error {
			close(trialStarted)
			<-releaseTrial

			return errFlaky
		})
	}()

	<-trialStarted

	err := resilience.Do(ctx, policy, func(context.Context) error {
		t.Error("second call must not run while the trial call is in flight")

		return nil
	})
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)

	close(releaseTrial)
	require.ErrorIs(t, <-trialDone, core.ErrProviderTransient)
	assert.Equal(t, gobreaker.StateOpen, policy.State(), "failed trial call reopens the breaker")
}

func TestBreaker_ExhaustedRetriesCountOnce(t *testing.T) {
	t.Parallel()

	cfg := breakerConfig()
	cfg.Retry = resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}
	policy := resilience.New(resilience.ClassStorage, cfg)

	calls := 0
	err := resilience.Do(context.Background(), policy, func(context.Context) error {
		calls++

		return errFlaky
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, gobreaker.StateClosed, policy.State(), "one exhausted sequence is a single failure")
}

func TestBreaker_IgnoresPermanentAndCancelledCalls(t *testing.T) {
	t.Parallel()

	policy := resilience.New(resilience.ClassSynthesis, breakerConfig())

	for range 3 {
		_ = resilience.Do(context.Background(), policy, func(context.Context) error {
			return fmt.Errorf("bad voice: %w", core.ErrProviderPermanent)
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range 3 {
		_ = resilience.Do(ctx, policy, func(ctx context.Context) error {
			return ctx.Err()
		})
	}

	assert.Equal(t, gobreaker.StateClosed, policy.State())
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.False(t, resilience.IsTransient(nil))
	assert.True(t, resilience.IsTransient(errFlaky))
	assert.True(t, resilience.IsTransient(fmt.Errorf("disk: %w", core.ErrStorageTransient)))
	assert.True(t, resilience.IsTransient(core.ErrRateLimiterExhausted))
	assert.False(t, resilience.IsTransient(core.ErrConfigurationMissing))
	assert.False(t, resilience.IsTransient(context.Canceled))
	assert.False(t, resilience.IsTransient(errors.New("unclassified")))
}

func TestNewPolicies_BuildsEveryClass(t *testing.T) {
	t.Parallel()

	policies := resilience.NewPolicies(resilience.Config{}, resilience.Config{}, resilience.Config{})

	assert.Equal(t, resilience.ClassSynthesis, policies.Synthesis.Class())
	assert.Equal(t, resilience.ClassStorage, policies.Storage.Class())
	assert.Equal(t, resilience.ClassMerge, policies.Merge.Class())
}
