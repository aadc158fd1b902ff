package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/batch"
	"github.com/book-expert/narration-service/internal/cache"
	"github.com/book-expert/narration-service/internal/config"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/merge"
	"github.com/book-expert/narration-service/internal/metrics"
	"github.com/book-expert/narration-service/internal/notify"
	"github.com/book-expert/narration-service/internal/objectstore"
	"github.com/book-expert/narration-service/internal/provider/elevenlabs"
	"github.com/book-expert/narration-service/internal/ratelimit"
	"github.com/book-expert/narration-service/internal/resilience"
	"github.com/book-expert/narration-service/internal/storage"
	"github.com/book-expert/narration-service/internal/synthesis"
	"github.com/book-expert/narration-service/internal/text"
	"github.com/book-expert/narration-service/internal/voice"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const (
	startupCheckTimeout = 10 * time.Second
	readHeaderTimeout   = 5 * time.Second
)

// app owns every long-lived resource of the service.
type app struct {
	natsConnection *nats.Conn
	redisClient    *redis.Client
	metricsServer  *http.Server
	orchestrator   *batch.Orchestrator
	reported       chan struct{}
	log            *logger.Logger
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{log: log}

	err := a.wire(ctx, cfg)
	if err != nil {
		a.close()

		return nil, err
	}

	return a, nil
}

//nolint:funlen // linear wiring of the whole pipeline
func (a *app) wire(ctx context.Context, cfg *config.Config) error {
	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name("narration-service"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	a.natsConnection = natsConnection

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	serviceMetrics, err := metrics.New(registry)
	if err != nil {
		return err
	}

	a.startMetricsServer(cfg.Metrics.ListenAddr, registry)

	var objects core.ObjectStore

	if cfg.Storage.UploadEnabled {
		jetstreamContext, jsErr := natsConnection.JetStream()
		if jsErr != nil {
			return fmt.Errorf("failed to create JetStream context: %w", jsErr)
		}

		objectStore, storeErr := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
		if storeErr != nil {
			return storeErr
		}

		objects = objectStore
	}

	fileStore, err := storage.NewFileStore(cfg.Storage.Root)
	if err != nil {
		return err
	}

	clipStore, err := storage.NewFileStore(cfg.Merge.ClipsDir)
	if err != nil {
		return err
	}

	limiter, err := ratelimit.New(cfg.Limiter())
	if err != nil {
		return err
	}

	err = serviceMetrics.TrackInFlight(limiter.InFlight)
	if err != nil {
		return err
	}

	policies := resilience.NewPolicies(
		cfg.Resilience.Synthesis.Policy(),
		cfg.Resilience.Storage.Policy(),
		cfg.Resilience.Merge.Policy(),
		resilience.WithObserver(serviceMetrics),
	)

	provider, err := elevenlabs.New(cfg.Provider.APIKey,
		elevenlabs.WithBaseURL(cfg.Provider.BaseURL),
		elevenlabs.WithTimeout(cfg.ProviderTimeout()),
	)
	if err != nil {
		return err
	}

	a.checkProvider(ctx, provider)

	synthesisWorker, err := synthesis.New(synthesis.Dependencies{
		Voices:     voice.NewSelector(cfg.Voices.Pools, cfg.DefaultVoiceSettings(), provider, policies.Synthesis, a.log),
		Provider:   provider,
		Limiter:    limiter,
		Policies:   *policies,
		Store:      fileStore,
		Objects:    objects,
		Cache:      a.newCache(ctx, cfg),
		Normalizer: text.NewNormalizer(),
		Metrics:    serviceMetrics,
		Log:        a.log,
	}, cfg.Concurrency.MaxConcurrentSynthesis)
	if err != nil {
		return err
	}

	transcoder := merge.NewFFmpeg(cfg.Merge.FFmpegPath)

	checkErr := transcoder.CheckAvailable(ctx)
	if checkErr != nil {
		a.log.Warn("Merging will fail until ffmpeg is available: %v", checkErr)
	}

	a.orchestrator, err = batch.New(batch.Dependencies{
		Items:  synthesisWorker,
		Merger: merge.NewEngine(transcoder, a.log),
		Clips:  merge.NewClipLoader(clipStore, a.log),
		ClipPaths: merge.ClipPaths{
			Separator: cfg.Merge.SeparatorPath,
			Intro:     cfg.Merge.IntroPath,
			Outro:     cfg.Merge.OutroPath,
		},
		Store:    fileStore,
		Objects:  objects,
		Policies: *policies,
		Notifier: notify.Multi{
			notify.NewNatsNotifier(natsConnection, cfg.NATS.NotificationSubject, a.log),
			notify.NewLogNotifier(a.log),
		},
		Metrics: serviceMetrics,
		Log:     a.log,
	}, cfg.Concurrency.MaxConcurrentItems)
	if err != nil {
		return err
	}

	a.reported = make(chan struct{})

	go func() {
		defer close(a.reported)

		reportJobResults(a.orchestrator.Results(), a.log)
	}()

	return nil
}

// reportJobResults logs the final status of every merge job until results is
// closed and returns how many statuses it saw.
func reportJobResults(results <-chan batch.JobStatus, log *logger.Logger) int {
	seen := 0

	for status := range results {
		seen++

		elapsed := status.FinishedAt.Sub(status.StartedAt).Round(time.Millisecond)

		if status.State == batch.JobFailed {
			log.Warn("Merge job %s failed after %d attempts in %s: %s",
				status.CorrelationID, status.Attempts, elapsed, status.Err)

			continue
		}

		log.Info("Merge job %s finished in %s after %d attempts: %s",
			status.CorrelationID, elapsed, status.Attempts, status.OutputPath)
	}

	return seen
}

// newCache returns a Redis backed cache, or a disabled one when the cache is
// off. An unreachable Redis only degrades caching.
func (a *app) newCache(ctx context.Context, cfg *config.Config) *cache.Cache {
	if !cfg.Cache.Enabled {
		a.log.Info("Item metadata cache disabled")

		return cache.New(nil, 0, a.log)
	}

	a.redisClient = redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	defer cancel()

	pingErr := a.redisClient.Ping(pingCtx).Err()
	if pingErr != nil {
		a.log.Warn("Redis at %s is unreachable, cache lookups will miss: %v", cfg.Cache.Addr, pingErr)
	}

	return cache.New(cache.NewRedisStore(a.redisClient, cache.WithPrefix(cfg.Cache.Prefix)), cfg.CacheTTL(), a.log)
}

func (a *app) checkProvider(ctx context.Context, provider *elevenlabs.Client) {
	checkCtx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	defer cancel()

	err := provider.HealthCheck(checkCtx)
	if err != nil {
		a.log.Warn("Speech provider health check failed: %v", err)

		return
	}

	a.log.Info("Speech provider is reachable")
}

func (a *app) startMetricsServer(listenAddr string, registry *prometheus.Registry) {
	if listenAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	a.metricsServer = &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		err := a.metricsServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Metrics server stopped: %v", err)
		}
	}()

	a.log.Info("Serving metrics on %s/metrics", listenAddr)
}

// shutdown waits for merge jobs and stops the metrics endpoint.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error

	if a.orchestrator != nil {
		shutdownErr := a.orchestrator.Shutdown(ctx)
		errs = append(errs, shutdownErr)

		if shutdownErr == nil && a.reported != nil {
			<-a.reported
		}
	}

	if a.metricsServer != nil {
		errs = append(errs, a.metricsServer.Shutdown(ctx))
	}

	return errors.Join(errs...)
}

func (a *app) close() {
	if a.redisClient != nil {
		closeErr := a.redisClient.Close()
		if closeErr != nil {
			a.log.Warn("Failed to close Redis client: %v", closeErr)
		}
	}

	if a.natsConnection != nil {
		drainErr := a.natsConnection.Drain()
		if drainErr != nil {
			a.log.Warn("Failed to drain NATS connection: %v", drainErr)
		}
	}
}
