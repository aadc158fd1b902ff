// Package metrics exposes Prometheus collectors for the narration pipeline.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/narration-service/internal/resilience"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
)

const namespace = "narration"

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSaved   = "saved"
)

// ErrRegistration is returned when a collector cannot be registered.
var ErrRegistration = errors.New("failed to register metric")

// Metrics holds every collector of the service. A nil *Metrics records nothing.
type Metrics struct {
	retriesTotal      *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	itemsTotal        *prometheus.CounterVec
	synthesisDuration prometheus.Histogram
	mergeJobsTotal    *prometheus.CounterVec
	registerer        prometheus.Registerer
}

// New creates the collectors and registers them on registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of retried external calls",
			},
			[]string{"class"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open",
			},
			[]string{"class"},
		),
		itemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_processed_total",
				Help:      "Total number of processed content items",
			},
			[]string{"status"}, // status: success, error, saved
		),
		synthesisDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "synthesis_duration_seconds",
				Help:      "Duration of provider synthesis calls in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		mergeJobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merge_jobs_total",
				Help:      "Total number of finished merge jobs",
			},
			[]string{"status"}, // status: success, error
		),
		registerer: registerer,
	}

	collectors := []prometheus.Collector{
		metrics.retriesTotal,
		metrics.breakerState,
		metrics.itemsTotal,
		metrics.synthesisDuration,
		metrics.mergeJobsTotal,
	}

	for _, collector := range collectors {
		registerErr := registerer.Register(collector)
		if registerErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrRegistration, registerErr)
		}
	}

	return metrics, nil
}

// TrackInFlight registers a gauge that reports the rate limiter's admitted calls.
func (m *Metrics) TrackInFlight(inFlight func() int64) error {
	if m == nil {
		return nil
	}

	gauge := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "limiter_in_flight",
			Help:      "Number of provider calls currently admitted by the rate limiter",
		},
		func() float64 { return float64(inFlight()) },
	)

	registerErr := m.registerer.Register(gauge)
	if registerErr != nil {
		return fmt.Errorf("%w: %w", ErrRegistration, registerErr)
	}

	return nil
}

// OnRetry implements resilience.Observer.
func (m *Metrics) OnRetry(class resilience.Class, _ int, _ error, _ time.Duration) {
	if m == nil {
		return
	}

	m.retriesTotal.WithLabelValues(string(class)).Inc()
}

// OnStateChange implements resilience.Observer.
func (m *Metrics) OnStateChange(class resilience.Class, _, to gobreaker.State) {
	if m == nil {
		return
	}

	m.breakerState.WithLabelValues(string(class)).Set(stateValue(to))
}

// RecordItem counts a processed item.
func (m *Metrics) RecordItem(status string) {
	if m == nil {
		return
	}

	m.itemsTotal.WithLabelValues(status).Inc()
}

// ObserveSynthesis records the duration of one provider call.
func (m *Metrics) ObserveSynthesis(elapsed time.Duration) {
	if m == nil {
		return
	}

	m.synthesisDuration.Observe(elapsed.Seconds())
}

// RecordMergeJob counts a finished merge job.
func (m *Metrics) RecordMergeJob(status string) {
	if m == nil {
		return
	}

	m.mergeJobsTotal.WithLabelValues(status).Inc()
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2 //nolint:mnd // gauge encoding
	default:
		return 0
	}
}
