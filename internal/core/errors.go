package core

import "errors"

// Error taxonomy. Components wrap these with fmt.Errorf("...: %w") so callers
// can classify failures with errors.Is.
var (
	// ErrConfigurationMissing indicates required configuration is absent, such as
	// a voice pool for a language. It is never retried.
	ErrConfigurationMissing = errors.New("configuration missing")
	// ErrProviderTransient indicates a timeout, throttling or 5xx from the provider.
	ErrProviderTransient = errors.New("provider transient failure")
	// ErrProviderPermanent indicates bad credentials, an unknown voice or a
	// rejected request.
	ErrProviderPermanent = errors.New("provider permanent failure")
	// ErrStorageTransient indicates an IO failure that may succeed on retry.
	ErrStorageTransient = errors.New("storage transient failure")
	// ErrStorageFatal indicates a missing or corrupt object.
	ErrStorageFatal = errors.New("storage fatal failure")
	// ErrMergeFailure indicates the transcoder exited abnormally or a pipe broke.
	ErrMergeFailure = errors.New("merge failure")
	// ErrRateLimiterExhausted indicates the rate limiter could not admit the call
	// within its acquisition timeout.
	ErrRateLimiterExhausted = errors.New("rate limiter exhausted")
	// ErrNotFound indicates a lookup found nothing.
	ErrNotFound = errors.New("not found")
)
