// Package synthesis turns one content item into a shared audio buffer and
// persists it. An item succeeds only when every persistence step succeeds.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/audio"
	"github.com/book-expert/narration-service/internal/audiobuf"
	"github.com/book-expert/narration-service/internal/cache"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/metrics"
	"github.com/book-expert/narration-service/internal/ratelimit"
	"github.com/book-expert/narration-service/internal/resilience"
	"github.com/book-expert/narration-service/internal/storage"
	"github.com/book-expert/narration-service/internal/text"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrInvalidWorker is returned by New when a required dependency is missing.
var ErrInvalidWorker = errors.New("invalid synthesis worker configuration")

// VoiceResolver picks the voice for a language.
type VoiceResolver interface {
	Resolve(ctx context.Context, language string) (core.VoiceProfile, error)
}

// Result is a processed item.
type Result struct {
	ID     string
	Buffer *audiobuf.Buffer
}

// Dependencies are the collaborators of a Worker. Objects, Cache and Metrics
// are optional.
type Dependencies struct {
	Voices     VoiceResolver
	Provider   core.SpeechProvider
	Limiter    *ratelimit.Limiter
	Policies   resilience.Policies
	Store      core.LocalStore
	Objects    core.ObjectStore
	Cache      *cache.Cache
	Normalizer *text.Normalizer
	Metrics    *metrics.Metrics
	Log        *logger.Logger
}

// Worker processes single items.
type Worker struct {
	deps         Dependencies
	slots        *semaphore.Weighted
	uploadNotice sync.Once
}

// New creates a worker admitting at most maxConcurrent synthesis calls.
func New(deps Dependencies, maxConcurrent int) (*Worker, error) {
	switch {
	case deps.Voices == nil, deps.Provider == nil, deps.Limiter == nil, deps.Store == nil, deps.Log == nil:
		return nil, fmt.Errorf("%w: voices, provider, limiter, store and log are required", ErrInvalidWorker)
	case deps.Policies.Synthesis == nil || deps.Policies.Storage == nil:
		return nil, fmt.Errorf("%w: synthesis and storage policies are required", ErrInvalidWorker)
	case maxConcurrent <= 0:
		return nil, fmt.Errorf("%w: max concurrent must be positive, got %d", ErrInvalidWorker, maxConcurrent)
	}

	if deps.Normalizer == nil {
		deps.Normalizer = text.NewNormalizer()
	}

	if deps.Cache == nil {
		deps.Cache = cache.New(nil, 0, deps.Log)
	}

	return &Worker{
		deps:  deps,
		slots: semaphore.NewWeighted(int64(maxConcurrent)),
	}, nil
}

// Process synthesizes item and persists the clip locally, remotely and in the
// cache index.
func (w *Worker) Process(ctx context.Context, item core.ContentItem, language string, format audio.Format) (Result, error) {
	result, err := w.process(ctx, item, language, format)
	if err != nil {
		w.deps.Metrics.RecordItem(metrics.StatusError)

		return Result{}, fmt.Errorf("failed to process item %s: %w", item.ID, err)
	}

	w.deps.Metrics.RecordItem(metrics.StatusSuccess)

	return result, nil
}

func (w *Worker) process(ctx context.Context, item core.ContentItem, language string, format audio.Format) (Result, error) {
	if language == "" {
		language = item.Language
	}

	speakable := w.deps.Normalizer.Normalize(language, item.Text)
	if speakable == "" {
		return Result{}, fmt.Errorf("%w: no speakable text", core.ErrProviderPermanent)
	}

	profile, err := w.deps.Voices.Resolve(ctx, language)
	if err != nil {
		return Result{}, err
	}

	acquireErr := w.slots.Acquire(ctx, 1)
	if acquireErr != nil {
		return Result{}, fmt.Errorf("waiting for synthesis slot: %w", acquireErr)
	}
	defer w.slots.Release(1)

	data, err := resilience.Execute(ctx, w.deps.Policies.Synthesis, func(ctx context.Context) ([]byte, error) {
		return w.synthesize(ctx, speakable, profile, format)
	})
	if err != nil {
		return Result{}, err
	}

	buffer, err := audiobuf.New(data)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", core.ErrProviderTransient, err)
	}

	persistErr := w.persist(ctx, item.ID, language, profile.VoiceID, format, buffer)
	if persistErr != nil {
		return Result{}, persistErr
	}

	w.deps.Log.Info("Synthesized item %s with voice %s (%s)",
		item.ID, profile.VoiceID, storage.FormatFileSize(int64(buffer.Len())))

	return Result{ID: item.ID, Buffer: buffer}, nil
}

// synthesize runs one provider attempt under a rate limiter lease.
func (w *Worker) synthesize(ctx context.Context, speakable string, profile core.VoiceProfile, format audio.Format) ([]byte, error) {
	lease, err := w.deps.Limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	started := time.Now()
	data, err := w.deps.Provider.Synthesize(ctx, speakable, profile.VoiceID, profile.Settings, format)
	w.deps.Metrics.ObserveSynthesis(time.Since(started))

	return data, err
}

// persist fans the buffer out to every sink. Any failure fails the item except
// the cache write, which never fails.
func (w *Worker) persist(
	ctx context.Context,
	id, language, voiceID string,
	format audio.Format,
	buffer *audiobuf.Buffer,
) error {
	path := storage.ItemPath(id, format)
	objectKey := ""

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return resilience.Do(groupCtx, w.deps.Policies.Storage, func(ctx context.Context) error {
			return w.write(ctx, buffer, func(lease *audiobuf.Lease) error {
				return w.deps.Store.Save(ctx, path, lease)
			})
		})
	})

	if w.deps.Objects != nil {
		objectKey = storage.ItemKey(id, format)

		group.Go(func() error {
			return resilience.Do(groupCtx, w.deps.Policies.Storage, func(ctx context.Context) error {
				return w.write(ctx, buffer, func(lease *audiobuf.Lease) error {
					return w.deps.Objects.Upload(ctx, objectKey, format.ContentType(), lease)
				})
			})
		})
	} else {
		w.uploadNotice.Do(func() {
			w.deps.Log.Warn("Remote object storage is not configured, uploads are skipped")
		})
	}

	group.Go(func() error {
		cache.Set(groupCtx, w.deps.Cache, cache.ItemKey(id, language, format), core.ItemMetadata{
			ID:        id,
			Language:  language,
			VoiceID:   voiceID,
			Format:    format,
			Path:      path,
			ObjectKey: objectKey,
			Size:      buffer.Len(),
			CreatedAt: time.Now().UTC(),
		})

		return nil
	})

	waitErr := group.Wait()
	if waitErr != nil {
		return fmt.Errorf("failed to persist clip: %w", waitErr)
	}

	return nil
}

func (w *Worker) write(ctx context.Context, buffer *audiobuf.Buffer, sink func(*audiobuf.Lease) error) error {
	lease, err := buffer.Lease(ctx)
	if err != nil {
		return err
	}

	sinkErr := sink(lease)
	closeErr := lease.Close()

	return errors.Join(sinkErr, closeErr)
}

// ProcessSaved loads a previously synthesized clip from local storage. The
// provider is never called.
func (w *Worker) ProcessSaved(ctx context.Context, item core.ContentItem, _ string, format audio.Format) (Result, error) {
	path := storage.ItemPath(item.ID, format)

	data, err := resilience.Execute(ctx, w.deps.Policies.Storage, func(ctx context.Context) ([]byte, error) {
		return w.deps.Store.Read(ctx, path)
	})
	if err != nil {
		w.deps.Metrics.RecordItem(metrics.StatusError)

		return Result{}, fmt.Errorf("failed to load saved item %s: %w", item.ID, err)
	}

	buffer, err := audiobuf.New(data)
	if err != nil {
		w.deps.Metrics.RecordItem(metrics.StatusError)

		return Result{}, fmt.Errorf("%w: saved clip %s is corrupt: %w", core.ErrStorageFatal, path, err)
	}

	w.deps.Metrics.RecordItem(metrics.StatusSaved)

	return Result{ID: item.ID, Buffer: buffer}, nil
}
