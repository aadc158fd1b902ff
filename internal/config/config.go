// Package config provides the configuration structure for the narration-service.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/audio"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/ratelimit"
	"github.com/book-expert/narration-service/internal/resilience"
	"github.com/caarlos0/env/v11"
)

// Defaults applied to unset values.
const (
	DefaultProviderBaseURL        = "https://api.elevenlabs.io"
	DefaultProviderTimeoutSeconds = 60
	DefaultBatchSubject           = "narration.batch"
	DefaultQueueGroup             = "narration-workers"
	DefaultNotificationSubject    = "narration.notifications"
	DefaultMaxConcurrentItems     = 4
	DefaultMaxConcurrentSynthesis = 4
	DefaultRequestsPerSecond      = 2.0
	DefaultAcquireTimeoutMS       = 30000
	DefaultStorageRoot            = "data/audio"
	DefaultCachePrefix            = "narration:"
	DefaultCacheTTLHours          = 24
	DefaultFFmpegPath             = "ffmpeg"
	DefaultClipsDir               = "clips"
	DefaultStability              = 0.5
	DefaultSimilarity             = 0.75
	DefaultMaxAttempts            = 3
	DefaultBaseDelayMS            = 500
	DefaultMaxDelayMS             = 10000
	DefaultFailureRatio           = 0.5
	DefaultMinimumThroughput      = 5
	DefaultSamplingWindowSeconds  = 60
	DefaultBreakDurationSeconds   = 30
)

// ErrInvalidConfig is returned by Validate for out-of-range values.
var ErrInvalidConfig = errors.New("invalid configuration")

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                    string `toml:"url"                       env:"NARRATION_NATS_URL"`
	BatchSubject           string `toml:"batch_subject"`
	QueueGroup             string `toml:"queue_group"`
	NotificationSubject    string `toml:"notification_subject"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
}

// ProviderConfig holds the speech provider endpoint and credentials.
type ProviderConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"         env:"NARRATION_PROVIDER_API_KEY"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// VoicesConfig maps languages to voice pools and holds fallback voice settings.
type VoicesConfig struct {
	DefaultFormat       string              `toml:"default_format"`
	DefaultStability    float64             `toml:"default_stability"`
	DefaultSimilarity   float64             `toml:"default_similarity"`
	DefaultStyle        float64             `toml:"default_style"`
	DefaultSpeakerBoost bool                `toml:"default_speaker_boost"`
	Pools               map[string][]string `toml:"pools"`
}

// RateLimitConfig bounds outbound provider calls.
type RateLimitConfig struct {
	MaxConcurrent     int     `toml:"max_concurrent"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	AcquireTimeoutMS  int     `toml:"acquire_timeout_ms"`
}

// ConcurrencyConfig bounds the batch fan-out.
type ConcurrencyConfig struct {
	MaxConcurrentItems     int `toml:"max_concurrent_items"`
	MaxConcurrentSynthesis int `toml:"max_concurrent_synthesis"`
}

// PolicyConfig is the retry and breaker definition of one call class.
type PolicyConfig struct {
	MaxAttempts           int     `toml:"max_attempts"`
	BaseDelayMS           int     `toml:"base_delay_ms"`
	MaxDelayMS            int     `toml:"max_delay_ms"`
	Jitter                float64 `toml:"jitter"`
	BreakerDisabled       bool    `toml:"breaker_disabled"`
	FailureRatio          float64 `toml:"failure_ratio"`
	MinimumThroughput     int     `toml:"minimum_throughput"`
	SamplingWindowSeconds int     `toml:"sampling_window_seconds"`
	BreakDurationSeconds  int     `toml:"break_duration_seconds"`
}

// ResilienceConfig holds one policy per call class.
type ResilienceConfig struct {
	Synthesis PolicyConfig `toml:"synthesis"`
	Storage   PolicyConfig `toml:"storage"`
	Merge     PolicyConfig `toml:"merge"`
}

// StorageConfig holds the local audio root and the remote upload switch.
type StorageConfig struct {
	Root          string `toml:"root"`
	UploadEnabled bool   `toml:"upload_enabled"`
}

// CacheConfig holds the Redis connection.
type CacheConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"      env:"NARRATION_REDIS_ADDR"`
	Password string `toml:"password"  env:"NARRATION_REDIS_PASSWORD"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
	TTLHours int    `toml:"ttl_hours"`
}

// MergeConfig holds the transcoder and the optional clip paths, which are
// relative to ClipsDir.
type MergeConfig struct {
	FFmpegPath    string `toml:"ffmpeg_path"`
	ClipsDir      string `toml:"clips_dir"`
	SeparatorPath string `toml:"separator_path"`
	IntroPath     string `toml:"intro_path"`
	OutroPath     string `toml:"outro_path"`
}

// MetricsConfig holds the Prometheus listener address. Empty disables it.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS        NATSConfig        `toml:"nats"`
	Provider    ProviderConfig    `toml:"provider"`
	Voices      VoicesConfig      `toml:"voices"`
	RateLimit   RateLimitConfig   `toml:"rate_limit"`
	Concurrency ConcurrencyConfig `toml:"concurrency"`
	Resilience  ResilienceConfig  `toml:"resilience"`
	Storage     StorageConfig     `toml:"storage"`
	Cache       CacheConfig       `toml:"cache"`
	Merge       MergeConfig       `toml:"merge"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Paths       PathsConfig       `toml:"paths"`
}

// Load loads the configuration for the narration-service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	err = ApplyEnv(&cfg)
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyEnv overlays secrets and addresses from the environment.
func ApplyEnv(cfg *Config) error {
	err := env.Parse(cfg)
	if err != nil {
		return fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	return nil
}

// ApplyDefaults fills every unset value.
func (c *Config) ApplyDefaults() {
	setDefault(&c.NATS.BatchSubject, DefaultBatchSubject)
	setDefault(&c.NATS.QueueGroup, DefaultQueueGroup)
	setDefault(&c.NATS.NotificationSubject, DefaultNotificationSubject)
	setDefault(&c.Provider.BaseURL, DefaultProviderBaseURL)
	setDefault(&c.Provider.TimeoutSeconds, DefaultProviderTimeoutSeconds)
	setDefault(&c.Voices.DefaultFormat, string(audio.DefaultFormat))
	setDefault(&c.Voices.DefaultStability, DefaultStability)
	setDefault(&c.Voices.DefaultSimilarity, DefaultSimilarity)
	setDefault(&c.RateLimit.MaxConcurrent, DefaultMaxConcurrentSynthesis)
	setDefault(&c.RateLimit.RequestsPerSecond, DefaultRequestsPerSecond)
	setDefault(&c.RateLimit.AcquireTimeoutMS, DefaultAcquireTimeoutMS)
	setDefault(&c.Concurrency.MaxConcurrentItems, DefaultMaxConcurrentItems)
	setDefault(&c.Concurrency.MaxConcurrentSynthesis, DefaultMaxConcurrentSynthesis)
	setDefault(&c.Storage.Root, DefaultStorageRoot)
	setDefault(&c.Cache.Prefix, DefaultCachePrefix)
	setDefault(&c.Cache.TTLHours, DefaultCacheTTLHours)
	setDefault(&c.Merge.FFmpegPath, DefaultFFmpegPath)
	setDefault(&c.Merge.ClipsDir, DefaultClipsDir)

	c.Resilience.Synthesis.applyDefaults()
	c.Resilience.Storage.applyDefaults()
	c.Resilience.Merge.applyDefaults()
}

// Validate reports missing required values and out-of-range limits.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("%w: nats.url", core.ErrConfigurationMissing)
	}

	if c.Provider.APIKey == "" {
		return fmt.Errorf("%w: provider.api_key", core.ErrConfigurationMissing)
	}

	if c.Paths.BaseLogsDir == "" {
		return fmt.Errorf("%w: paths.base_logs_dir", core.ErrConfigurationMissing)
	}

	if c.Storage.UploadEnabled && c.NATS.AudioObjectStoreBucket == "" {
		return fmt.Errorf("%w: nats.audio_object_store_bucket is required when uploads are enabled",
			core.ErrConfigurationMissing)
	}

	if c.Cache.Enabled && c.Cache.Addr == "" {
		return fmt.Errorf("%w: cache.addr is required when the cache is enabled", core.ErrConfigurationMissing)
	}

	_, formatErr := audio.ParseFormat(c.Voices.DefaultFormat)
	if formatErr != nil {
		return fmt.Errorf("%w: voices.default_format: %w", ErrInvalidConfig, formatErr)
	}

	for name, policy := range map[string]PolicyConfig{
		"synthesis": c.Resilience.Synthesis,
		"storage":   c.Resilience.Storage,
		"merge":     c.Resilience.Merge,
	} {
		if policy.FailureRatio <= 0 || policy.FailureRatio > 1 {
			return fmt.Errorf("%w: resilience.%s.failure_ratio must be in (0, 1], got %v",
				ErrInvalidConfig, name, policy.FailureRatio)
		}

		if policy.Jitter < 0 || policy.Jitter >= 1 {
			return fmt.Errorf("%w: resilience.%s.jitter must be in [0, 1), got %v", ErrInvalidConfig, name, policy.Jitter)
		}
	}

	return nil
}

// Limiter converts the rate limit section.
func (c *Config) Limiter() ratelimit.Config {
	return ratelimit.Config{
		MaxConcurrent:     c.RateLimit.MaxConcurrent,
		RequestsPerSecond: c.RateLimit.RequestsPerSecond,
		AcquireTimeout:    time.Duration(c.RateLimit.AcquireTimeoutMS) * time.Millisecond,
	}
}

// CacheTTL returns the cache entry lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// ProviderTimeout returns the HTTP timeout for provider calls.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

// DefaultVoiceSettings returns the settings used when a voice has none.
func (c *Config) DefaultVoiceSettings() core.VoiceSettings {
	return core.VoiceSettings{
		Stability:    c.Voices.DefaultStability,
		Similarity:   c.Voices.DefaultSimilarity,
		Style:        c.Voices.DefaultStyle,
		SpeakerBoost: c.Voices.DefaultSpeakerBoost,
	}
}

// Policy converts a policy section into a resilience configuration.
func (p PolicyConfig) Policy() resilience.Config {
	return resilience.Config{
		Retry: resilience.RetryConfig{
			MaxAttempts: p.MaxAttempts,
			BaseDelay:   time.Duration(p.BaseDelayMS) * time.Millisecond,
			MaxDelay:    time.Duration(p.MaxDelayMS) * time.Millisecond,
			Jitter:      p.Jitter,
		},
		Breaker: resilience.BreakerConfig{
			Enabled:           !p.BreakerDisabled,
			FailureRatio:      p.FailureRatio,
			MinimumThroughput: uint32(max(p.MinimumThroughput, 0)), //nolint:gosec // clamped
			SamplingWindow:    time.Duration(p.SamplingWindowSeconds) * time.Second,
			BreakDuration:     time.Duration(p.BreakDurationSeconds) * time.Second,
		},
	}
}

func (p *PolicyConfig) applyDefaults() {
	setDefault(&p.MaxAttempts, DefaultMaxAttempts)
	setDefault(&p.BaseDelayMS, DefaultBaseDelayMS)
	setDefault(&p.MaxDelayMS, DefaultMaxDelayMS)
	setDefault(&p.FailureRatio, DefaultFailureRatio)
	setDefault(&p.MinimumThroughput, DefaultMinimumThroughput)
	setDefault(&p.SamplingWindowSeconds, DefaultSamplingWindowSeconds)
	setDefault(&p.BreakDurationSeconds, DefaultBreakDurationSeconds)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}
