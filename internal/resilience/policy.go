// Package resilience wraps calls to external collaborators in a retry policy
// nested inside a circuit breaker, one policy per call class.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"
)

// Class names a family of external calls that share a policy.
type Class string

// Call classes.
const (
	ClassSynthesis Class = "synthesis"
	ClassStorage   Class = "storage"
	ClassMerge     Class = "merge"
)

const backoffMultiplier = 2.0

// ErrCircuitOpen is returned when the breaker short-circuits a call.
var ErrCircuitOpen = errors.New("circuit breaker open")

// RetryConfig configures exponential backoff: delay = BaseDelay * 2^attempt.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor in [0, 1). Zero gives exact delays.
	Jitter float64
}

// BreakerConfig configures the circuit breaker. The breaker opens when, inside
// the rolling SamplingWindow, at least MinimumThroughput calls were made and the
// failure ratio reaches FailureRatio.
type BreakerConfig struct {
	Enabled           bool
	FailureRatio      float64
	MinimumThroughput uint32
	SamplingWindow    time.Duration
	BucketPeriod      time.Duration
	BreakDuration     time.Duration
}

// Config is the full policy definition for one class.
type Config struct {
	Retry   RetryConfig
	Breaker BreakerConfig
}

// Observer is notified about retries and breaker transitions.
type Observer interface {
	OnRetry(class Class, attempt int, err error, delay time.Duration)
	OnStateChange(class Class, from, to gobreaker.State)
}

// Policy executes operations for one Class.
type Policy struct {
	class       Class
	retry       RetryConfig
	breaker     *gobreaker.CircuitBreaker[any]
	observer    Observer
	isTransient func(error) bool
}

// Option customises a Policy.
type Option func(*Policy)

// WithObserver attaches an observer.
func WithObserver(observer Observer) Option {
	return func(p *Policy) {
		p.observer = observer
	}
}

// WithClassifier replaces the transient error predicate.
func WithClassifier(isTransient func(error) bool) Option {
	return func(p *Policy) {
		p.isTransient = isTransient
	}
}

// New builds a policy for class.
func New(class Class, cfg Config, opts ...Option) *Policy {
	policy := &Policy{
		class:       class,
		retry:       cfg.Retry,
		isTransient: IsTransient,
	}

	for _, opt := range opts {
		opt(policy)
	}

	if policy.retry.MaxAttempts <= 0 {
		policy.retry.MaxAttempts = 1
	}

	if cfg.Breaker.Enabled {
		policy.breaker = gobreaker.NewCircuitBreaker[any](policy.breakerSettings(cfg.Breaker))
	}

	return policy
}

// Class returns the policy's call class.
func (p *Policy) Class() Class {
	return p.class
}

// State reports the breaker state. A policy without a breaker is always closed.
func (p *Policy) State() gobreaker.State {
	if p.breaker == nil {
		return gobreaker.StateClosed
	}

	return p.breaker.State()
}

// Execute runs op under p. Transient failures are retried with backoff; the
// whole retry sequence counts as a single call for the breaker.
func Execute[T any](ctx context.Context, p *Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T

	if p.breaker == nil {
		return retry(ctx, p, op)
	}

	result, err := p.breaker.Execute(func() (any, error) {
		value, retryErr := retry(ctx, p, op)
		if retryErr != nil && ctx.Err() != nil {
			return value, &callerAbort{err: retryErr}
		}

		return value, retryErr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%s call rejected: %w: %w", p.class, ErrCircuitOpen, err)
		}

		return zero, err
	}

	typed, ok := result.(T)
	if !ok {
		return zero, nil
	}

	return typed, nil
}

// Do is Execute for operations without a result.
func Do(ctx context.Context, p *Policy, op func(context.Context) error) error {
	_, err := Execute(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})

	return err
}

func retry[T any](ctx context.Context, p *Policy, op func(context.Context) (T, error)) (T, error) {
	attempt := 0

	operation := func() (T, error) {
		attempt++

		result, err := op(ctx)
		if err != nil && !p.isTransient(err) {
			return result, backoff.Permanent(err)
		}

		return result, err
	}

	notify := func(err error, delay time.Duration) {
		if p.observer != nil {
			p.observer.OnRetry(p.class, attempt, err, delay)
		}
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(uint(p.retry.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return result, fmt.Errorf("%s call failed after %d attempt(s): %w", p.class, attempt, err)
	}

	return result, nil
}

func (p *Policy) newBackOff() backoff.BackOff {
	if p.retry.BaseDelay <= 0 {
		return &backoff.ZeroBackOff{}
	}

	maxDelay := p.retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = backoff.DefaultMaxInterval
	}

	return &backoff.ExponentialBackOff{
		InitialInterval:     p.retry.BaseDelay,
		RandomizationFactor: p.retry.Jitter,
		Multiplier:          backoffMultiplier,
		MaxInterval:         maxDelay,
	}
}

func (p *Policy) breakerSettings(cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:         string(p.class),
		MaxRequests:  1,
		Interval:     cfg.SamplingWindow,
		BucketPeriod: cfg.BucketPeriod,
		Timeout:      cfg.BreakDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			counted := counts.TotalSuccesses + counts.TotalFailures
			if counted == 0 || counted < cfg.MinimumThroughput {
				return false
			}

			return float64(counts.TotalFailures)/float64(counted) >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if p.observer != nil {
				p.observer.OnStateChange(p.class, from, to)
			}
		},
		IsExcluded: func(err error) bool {
			if err == nil {
				return false
			}

			var abort *callerAbort
			if errors.As(err, &abort) {
				return true
			}

			return !p.isTransient(err)
		},
	}
}

// callerAbort marks a failure caused by the caller's own cancellation so the
// breaker does not count it against the dependency.
type callerAbort struct {
	err error
}

func (c *callerAbort) Error() string {
	return c.err.Error()
}

func (c *callerAbort) Unwrap() error {
	return c.err
}
