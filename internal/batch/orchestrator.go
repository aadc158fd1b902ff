// Package batch turns a batch request into either a single clip or a
// supervised background merge of every clip in caller order.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/audio"
	"github.com/book-expert/narration-service/internal/audiobuf"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/merge"
	"github.com/book-expert/narration-service/internal/metrics"
	"github.com/book-expert/narration-service/internal/resilience"
	"github.com/book-expert/narration-service/internal/storage"
	"github.com/book-expert/narration-service/internal/synthesis"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const defaultResultsBuffer = 64

var (
	// ErrInvalidOrchestrator is returned by New when a required dependency is missing.
	ErrInvalidOrchestrator = errors.New("invalid batch orchestrator configuration")
	// ErrShuttingDown is returned when a batch arrives after Shutdown started.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// Kind tells the caller what ProcessBatch produced.
type Kind int

// Outcome kinds.
const (
	KindEmpty Kind = iota
	KindSingle
	KindMerging
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindSingle:
		return "single"
	case KindMerging:
		return "merging"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Request is one batch. All fixes the output order; Needed ids are
// synthesized and Saved ids are loaded from local storage. An id listed in
// both is synthesized. Items of All listed in neither are skipped.
type Request struct {
	All      []core.ContentItem
	Needed   []string
	Saved    []string
	Language string
	Format   audio.Format
}

// Outcome is the synchronous result of ProcessBatch. Result is set for
// KindSingle and CorrelationID for KindMerging.
type Outcome struct {
	Kind          Kind
	Result        synthesis.Result
	CorrelationID string
}

// ItemProcessor produces the buffer for one item.
type ItemProcessor interface {
	Process(ctx context.Context, item core.ContentItem, language string, format audio.Format) (synthesis.Result, error)
	ProcessSaved(ctx context.Context, item core.ContentItem, language string, format audio.Format) (synthesis.Result, error)
}

// Merger concatenates a merge request into one stream.
type Merger interface {
	Merge(ctx context.Context, req merge.Request) (io.ReadCloser, error)
}

// ClipSource loads the optional merge clips.
type ClipSource interface {
	Load(ctx context.Context, paths merge.ClipPaths) (merge.Clips, []string)
}

// Dependencies are the collaborators of an Orchestrator. Clips, Objects,
// Notifier and Metrics are optional.
type Dependencies struct {
	Items     ItemProcessor
	Merger    Merger
	Clips     ClipSource
	ClipPaths merge.ClipPaths
	Store     core.LocalStore
	Objects   core.ObjectStore
	Policies  resilience.Policies
	Notifier  core.Notifier
	Metrics   *metrics.Metrics
	Log       *logger.Logger
}

// Orchestrator runs batches and supervises their merge jobs.
type Orchestrator struct {
	deps     Dependencies
	items    *semaphore.Weighted
	jobs     *registry
	results  chan JobStatus
	lifetime context.Context //nolint:containedctx // parent of every merge job
	cancel   context.CancelFunc
	running  sync.WaitGroup
	mutex    sync.Mutex
	closing  atomic.Bool
	drained  sync.Once
}

// New creates an orchestrator processing at most maxConcurrentItems items of
// all batches at once.
func New(deps Dependencies, maxConcurrentItems int) (*Orchestrator, error) {
	switch {
	case deps.Items == nil, deps.Merger == nil, deps.Store == nil, deps.Log == nil:
		return nil, fmt.Errorf("%w: items, merger, store and log are required", ErrInvalidOrchestrator)
	case deps.Policies.Merge == nil || deps.Policies.Storage == nil:
		return nil, fmt.Errorf("%w: merge and storage policies are required", ErrInvalidOrchestrator)
	case maxConcurrentItems <= 0:
		return nil, fmt.Errorf("%w: max concurrent items must be positive, got %d",
			ErrInvalidOrchestrator, maxConcurrentItems)
	}

	lifetime, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		deps:     deps,
		items:    semaphore.NewWeighted(int64(maxConcurrentItems)),
		jobs:     newRegistry(),
		results:  make(chan JobStatus, defaultResultsBuffer),
		lifetime: lifetime,
		cancel:   cancel,
	}, nil
}

// ProcessBatch processes every selected item and decides between returning a
// single clip and starting a merge job. The first item failure cancels the
// rest of the batch; items already persisted stay persisted.
func (o *Orchestrator) ProcessBatch(ctx context.Context, req Request) (Outcome, error) {
	if o.closing.Load() {
		return Outcome{}, ErrShuttingDown
	}

	format := req.Format
	if format == "" {
		format = audio.DefaultFormat
	}

	if !format.Valid() {
		return Outcome{}, fmt.Errorf("%w: %q", audio.ErrUnsupportedFormat, format)
	}

	buffers, err := o.processItems(ctx, req, format)
	if err != nil {
		return Outcome{}, err
	}

	ordered := make([]synthesis.Result, 0, len(buffers))

	for i, buffer := range buffers {
		if buffer != nil {
			ordered = append(ordered, synthesis.Result{ID: req.All[i].ID, Buffer: buffer})
		}
	}

	switch len(ordered) {
	case 0:
		o.deps.Log.Info("Batch of %d items produced no audio", len(req.All))

		return Outcome{Kind: KindEmpty}, nil
	case 1:
		o.deps.Log.Info("Batch produced a single clip for item %s", ordered[0].ID)

		return Outcome{Kind: KindSingle, Result: ordered[0]}, nil
	}

	segments := make([]*audiobuf.Buffer, 0, len(ordered))
	for _, result := range ordered {
		segments = append(segments, result.Buffer)
	}

	correlationID, err := o.startMerge(segments, format)
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{Kind: KindMerging, CorrelationID: correlationID}, nil
}

// processItems returns one buffer slot per item of req.All; skipped items
// leave their slot nil.
func (o *Orchestrator) processItems(ctx context.Context, req Request, format audio.Format) ([]*audiobuf.Buffer, error) {
	needed := toSet(req.Needed)
	saved := toSet(req.Saved)
	buffers := make([]*audiobuf.Buffer, len(req.All))

	group, groupCtx := errgroup.WithContext(ctx)

	for i, item := range req.All {
		_, synthesize := needed[item.ID]
		_, load := saved[item.ID]

		if !synthesize && !load {
			continue
		}

		group.Go(func() error {
			acquireErr := o.items.Acquire(groupCtx, 1)
			if acquireErr != nil {
				return fmt.Errorf("waiting for item slot: %w", acquireErr)
			}
			defer o.items.Release(1)

			var (
				result synthesis.Result
				err    error
			)

			if synthesize {
				result, err = o.deps.Items.Process(groupCtx, item, req.Language, format)
			} else {
				result, err = o.deps.Items.ProcessSaved(groupCtx, item, req.Language, format)
			}

			if err != nil {
				return err
			}

			buffers[i] = result.Buffer

			return nil
		})
	}

	waitErr := group.Wait()
	if waitErr != nil {
		return nil, fmt.Errorf("batch failed: %w", waitErr)
	}

	return buffers, nil
}

func (o *Orchestrator) startMerge(segments []*audiobuf.Buffer, format audio.Format) (string, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.closing.Load() {
		return "", ErrShuttingDown
	}

	correlationID := uuid.NewString()

	o.jobs.put(JobStatus{
		CorrelationID: correlationID,
		State:         JobPending,
		Segments:      len(segments),
		StartedAt:     time.Now().UTC(),
	})

	o.running.Add(1)

	go func() {
		defer o.running.Done()

		o.runMerge(correlationID, segments, format)
	}()

	o.deps.Log.Info("Started merge job %s for %d segments", correlationID, len(segments))

	return correlationID, nil
}

// runMerge executes one merge job under the merge policy and reports the
// outcome. It never returns an error; failures go to the notifier.
func (o *Orchestrator) runMerge(correlationID string, segments []*audiobuf.Buffer, format audio.Format) {
	ctx := o.lifetime

	o.jobs.update(correlationID, func(status *JobStatus) { status.State = JobRunning })

	req := merge.Request{Segments: segments, Format: format}

	if o.deps.Clips != nil {
		clips, missing := o.deps.Clips.Load(ctx, o.deps.ClipPaths)
		if len(missing) > 0 {
			o.deps.Log.Warn("Merge job %s continues without clips %v", correlationID, missing)
		}

		req.Separator, req.Intro, req.Outro = clips.Separator, clips.Intro, clips.Outro
	}

	outputPath := storage.MergedPath(correlationID, format)

	err := resilience.Do(ctx, o.deps.Policies.Merge, func(ctx context.Context) error {
		o.jobs.update(correlationID, func(status *JobStatus) { status.Attempts++ })

		return o.mergeOnce(ctx, req, outputPath)
	})

	objectKey := ""
	if err == nil && o.deps.Objects != nil {
		objectKey = storage.MergedKey(correlationID, format)
		err = o.upload(ctx, outputPath, objectKey, format)
	}

	o.finish(correlationID, outputPath, objectKey, err)
}

func (o *Orchestrator) mergeOnce(ctx context.Context, req merge.Request, outputPath string) error {
	stream, err := o.deps.Merger.Merge(ctx, req)
	if err != nil {
		return err
	}

	saveErr := o.deps.Store.Save(ctx, outputPath, stream)
	closeErr := stream.Close()

	if saveErr != nil {
		return fmt.Errorf("%w: %w", core.ErrMergeFailure, saveErr)
	}

	return closeErr
}

func (o *Orchestrator) upload(ctx context.Context, outputPath, objectKey string, format audio.Format) error {
	return resilience.Do(ctx, o.deps.Policies.Storage, func(ctx context.Context) error {
		stream, err := o.deps.Store.Open(ctx, outputPath)
		if err != nil {
			return err
		}

		uploadErr := o.deps.Objects.Upload(ctx, objectKey, format.ContentType(), stream)
		closeErr := stream.Close()

		return errors.Join(uploadErr, closeErr)
	})
}

func (o *Orchestrator) finish(correlationID, outputPath, objectKey string, err error) {
	status := o.jobs.update(correlationID, func(status *JobStatus) {
		status.FinishedAt = time.Now().UTC()

		if err != nil {
			status.State = JobFailed
			status.Err = err.Error()

			return
		}

		status.State = JobSucceeded
		status.OutputPath = outputPath
		status.ObjectKey = objectKey
	})

	notifyCtx := context.WithoutCancel(o.lifetime)

	if err != nil {
		o.deps.Log.Error("Merge job %s failed after %d attempts: %v", correlationID, status.Attempts, err)
		o.deps.Metrics.RecordMergeJob(metrics.StatusError)
		o.notify(notifyCtx, "Merge failed",
			fmt.Sprintf("merge job %s failed: %v", correlationID, err), core.SeverityError)
	} else {
		o.deps.Log.Info("Merge job %s wrote %s", correlationID, outputPath)
		o.deps.Metrics.RecordMergeJob(metrics.StatusSuccess)
		o.notify(notifyCtx, "Merge completed",
			fmt.Sprintf("merge job %s wrote %s", correlationID, outputPath), core.SeverityInfo)
	}

	select {
	case o.results <- status:
	default:
		o.deps.Log.Warn("Results channel full, dropping status of merge job %s", correlationID)
	}
}

func (o *Orchestrator) notify(ctx context.Context, title, message string, severity core.Severity) {
	if o.deps.Notifier != nil {
		o.deps.Notifier.Notify(ctx, title, message, severity)
	}
}

// Status returns the current status of a merge job.
func (o *Orchestrator) Status(correlationID string) (JobStatus, bool) {
	return o.jobs.get(correlationID)
}

// Jobs returns every known merge job ordered by start time.
func (o *Orchestrator) Jobs() []JobStatus {
	return o.jobs.list()
}

// Results delivers the final status of every merge job. Statuses are dropped
// when nobody drains the channel. It is closed once Shutdown has awaited every
// job.
func (o *Orchestrator) Results() <-chan JobStatus {
	return o.results
}

// Shutdown rejects new batches, cancels running merge jobs and waits for them
// to report.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mutex.Lock()
	o.closing.Store(true)
	o.mutex.Unlock()

	o.cancel()

	done := make(chan struct{})

	go func() {
		o.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.drained.Do(func() { close(o.results) })

		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for merge jobs: %w", ctx.Err())
	}
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	return set
}
