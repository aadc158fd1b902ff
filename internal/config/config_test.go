// Package config_test tests the configuration loading for the narration-service.
package config_test

import (
	"testing"
	"time"

	"github.com/book-expert/narration-service/internal/config"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
[nats]
url = "nats://127.0.0.1:4222"
batch_subject = "news.narrate"
queue_group = "narrators"
notification_subject = "ops.alerts"
audio_object_store_bucket = "AUDIO_FILES"

[provider]
base_url = "https://speech.example.com"
api_key = "secret"
timeout_seconds = 20

[voices]
default_format = "wav"
default_stability = 0.4
default_similarity = 0.8

[voices.pools]
en = ["voice-a", "voice-b"]
pt = ["voice-c"]

[rate_limit]
max_concurrent = 5
requests_per_second = 3.5
acquire_timeout_ms = 1500

[concurrency]
max_concurrent_items = 8
max_concurrent_synthesis = 2

[resilience.synthesis]
max_attempts = 4
base_delay_ms = 250
max_delay_ms = 4000
jitter = 0.2
failure_ratio = 0.6
minimum_throughput = 10
sampling_window_seconds = 30
break_duration_seconds = 15

[resilience.merge]
max_attempts = 2
breaker_disabled = true

[storage]
root = "/var/lib/narration"
upload_enabled = true

[cache]
enabled = true
addr = "127.0.0.1:6379"
ttl_hours = 12

[merge]
clips_dir = "assets/clips"
separator_path = "beep.mp3"
intro_path = "intro.mp3"

[metrics]
listen_addr = ":9102"

[paths]
base_logs_dir = "/var/log/narration"
`

func decode(t *testing.T, data string) config.Config {
	t.Helper()

	var cfg config.Config

	err := toml.Unmarshal([]byte(data), &cfg)
	require.NoError(t, err)

	return cfg
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	cfg := decode(t, fullConfig)

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, "news.narrate", cfg.NATS.BatchSubject)
	assert.Equal(t, "AUDIO_FILES", cfg.NATS.AudioObjectStoreBucket)
	assert.Equal(t, "secret", cfg.Provider.APIKey)
	assert.Equal(t, []string{"voice-a", "voice-b"}, cfg.Voices.Pools["en"])
	assert.Equal(t, []string{"voice-c"}, cfg.Voices.Pools["pt"])
	assert.InEpsilon(t, 3.5, cfg.RateLimit.RequestsPerSecond, 0.001)
	assert.Equal(t, 8, cfg.Concurrency.MaxConcurrentItems)
	assert.Equal(t, 4, cfg.Resilience.Synthesis.MaxAttempts)
	assert.True(t, cfg.Resilience.Merge.BreakerDisabled)
	assert.True(t, cfg.Storage.UploadEnabled)
	assert.Equal(t, "intro.mp3", cfg.Merge.IntroPath)
	assert.Equal(t, "assets/clips", cfg.Merge.ClipsDir)
	assert.Empty(t, cfg.Merge.OutroPath)
	assert.Equal(t, ":9102", cfg.Metrics.ListenAddr)

	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
}

func TestApplyDefaults_FillsUnsetValues(t *testing.T) {
	t.Parallel()

	cfg := decode(t, `
[nats]
url = "nats://localhost:4222"
[provider]
api_key = "k"
[paths]
base_logs_dir = "logs"
`)
	cfg.ApplyDefaults()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.DefaultBatchSubject, cfg.NATS.BatchSubject)
	assert.Equal(t, config.DefaultProviderBaseURL, cfg.Provider.BaseURL)
	assert.Equal(t, "mp3", cfg.Voices.DefaultFormat)
	assert.Equal(t, config.DefaultMaxAttempts, cfg.Resilience.Storage.MaxAttempts)
	assert.Equal(t, config.DefaultFFmpegPath, cfg.Merge.FFmpegPath)
	assert.Equal(t, config.DefaultClipsDir, cfg.Merge.ClipsDir)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL())
}

func TestValidate_RequiresCredentials(t *testing.T) {
	t.Parallel()

	cfg := decode(t, fullConfig)
	cfg.Provider.APIKey = ""
	cfg.ApplyDefaults()

	err := cfg.Validate()
	require.ErrorIs(t, err, core.ErrConfigurationMissing)
	assert.Contains(t, err.Error(), "provider.api_key")
}

func TestValidate_RejectsBadValues(t *testing.T) {
	t.Parallel()

	cfg := decode(t, fullConfig)
	cfg.ApplyDefaults()
	cfg.Voices.DefaultFormat = "aiff"
	require.ErrorIs(t, cfg.Validate(), config.ErrInvalidConfig)

	cfg = decode(t, fullConfig)
	cfg.ApplyDefaults()
	cfg.Resilience.Merge.FailureRatio = 1.5
	require.ErrorIs(t, cfg.Validate(), config.ErrInvalidConfig)

	cfg = decode(t, fullConfig)
	cfg.ApplyDefaults()
	cfg.NATS.AudioObjectStoreBucket = ""
	require.ErrorIs(t, cfg.Validate(), core.ErrConfigurationMissing)
}

func TestConversions(t *testing.T) {
	t.Parallel()

	cfg := decode(t, fullConfig)
	cfg.ApplyDefaults()

	limiter := cfg.Limiter()
	assert.Equal(t, 5, limiter.MaxConcurrent)
	assert.Equal(t, 1500*time.Millisecond, limiter.AcquireTimeout)

	synthesis := cfg.Resilience.Synthesis.Policy()
	assert.Equal(t, 4, synthesis.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, synthesis.Retry.BaseDelay)
	assert.True(t, synthesis.Breaker.Enabled)
	assert.Equal(t, uint32(10), synthesis.Breaker.MinimumThroughput)
	assert.Equal(t, 15*time.Second, synthesis.Breaker.BreakDuration)

	merge := cfg.Resilience.Merge.Policy()
	assert.False(t, merge.Breaker.Enabled)

	settings := cfg.DefaultVoiceSettings()
	assert.InEpsilon(t, 0.4, settings.Stability, 0.001)
	assert.InEpsilon(t, 0.8, settings.Similarity, 0.001)
}

//nolint:paralleltest // t.Setenv forbids t.Parallel
func TestApplyEnv_OverridesSecrets(t *testing.T) {
	t.Setenv("NARRATION_PROVIDER_API_KEY", "from-env")
	t.Setenv("NARRATION_NATS_URL", "nats://env:4222")
	t.Setenv("NARRATION_REDIS_ADDR", "redis:6379")

	cfg := decode(t, fullConfig)
	require.NoError(t, config.ApplyEnv(&cfg))

	assert.Equal(t, "from-env", cfg.Provider.APIKey)
	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, "redis:6379", cfg.Cache.Addr)
	assert.Equal(t, "news.narrate", cfg.NATS.BatchSubject)
}
