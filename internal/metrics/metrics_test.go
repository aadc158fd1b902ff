package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/book-expert/narration-service/internal/metrics"
	"github.com/book-expert/narration-service/internal/resilience"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserver_RecordsRetriesAndBreakerState(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	collectors, err := metrics.New(registry)
	require.NoError(t, err)

	var observer resilience.Observer = collectors

	observer.OnRetry(resilience.ClassSynthesis, 1, errors.New("503"), time.Millisecond)
	observer.OnRetry(resilience.ClassSynthesis, 2, errors.New("503"), time.Millisecond)
	observer.OnStateChange(resilience.ClassStorage, gobreaker.StateClosed, gobreaker.StateOpen)

	families, err := registry.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[family.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[family.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}

	assert.InDelta(t, 2, values["narration_retries_total"], 0)
	assert.InDelta(t, 2, values["narration_breaker_state"], 0)
}

func TestRecorders_CountByStatus(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	collectors, err := metrics.New(registry)
	require.NoError(t, err)

	collectors.RecordItem(metrics.StatusSuccess)
	collectors.RecordItem(metrics.StatusSuccess)
	collectors.RecordItem(metrics.StatusError)
	collectors.RecordMergeJob(metrics.StatusSuccess)
	collectors.ObserveSynthesis(150 * time.Millisecond)

	count, err := testutil.GatherAndCount(registry,
		"narration_items_processed_total", "narration_merge_jobs_total", "narration_synthesis_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestTrackInFlight_ReportsCurrentValue(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	collectors, err := metrics.New(registry)
	require.NoError(t, err)

	inFlight := int64(3)
	require.NoError(t, collectors.TrackInFlight(func() int64 { return inFlight }))

	count, err := testutil.GatherAndCount(registry, "narration_limiter_in_flight")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNew_RejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	_, err := metrics.New(registry)
	require.NoError(t, err)

	_, err = metrics.New(registry)
	require.ErrorIs(t, err, metrics.ErrRegistration)
}

func TestNilMetrics_IsSafe(t *testing.T) {
	t.Parallel()

	var collectors *metrics.Metrics

	assert.NotPanics(t, func() {
		collectors.RecordItem(metrics.StatusSuccess)
		collectors.RecordMergeJob(metrics.StatusError)
		collectors.ObserveSynthesis(time.Second)
		collectors.OnRetry(resilience.ClassMerge, 1, nil, 0)
		collectors.OnStateChange(resilience.ClassMerge, gobreaker.StateOpen, gobreaker.StateClosed)
		require.NoError(t, collectors.TrackInFlight(func() int64 { return 0 }))
	})
}
