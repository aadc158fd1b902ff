// Package worker exposes the batch orchestrator over NATS request/reply.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/audio"
	"github.com/book-expert/narration-service/internal/batch"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/storage"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	handleMessageTimeout = 5 * time.Minute
	statusSubjectSuffix  = ".status"
	drainTimeout         = 30 * time.Second
	drainPollInterval    = 10 * time.Millisecond
)

// Reply statuses.
const (
	StatusEmpty    = "empty"
	StatusSingle   = "single"
	StatusMerging  = "merging"
	StatusError    = "error"
	StatusNotFound = "not_found"
)

var (
	// ErrNoItems indicates a batch request without items.
	ErrNoItems = errors.New("batch request has no items")
	// ErrDuplicateItem indicates two items sharing an id.
	ErrDuplicateItem = errors.New("duplicate item id")
	// ErrEmptyItemID indicates an item without an id.
	ErrEmptyItemID = errors.New("item id cannot be empty")
)

// BatchRequest is the payload received on the batch subject.
type BatchRequest struct {
	Header   events.EventHeader `json:"header"`
	Items    []core.ContentItem `json:"items"`
	Needed   []string           `json:"needed"`
	Saved    []string           `json:"saved"`
	Language string             `json:"language"`
	Format   string             `json:"format"`
}

// BatchReply is sent back for every batch request.
type BatchReply struct {
	Header        events.EventHeader `json:"header"`
	Status        string             `json:"status"`
	ItemID        string             `json:"item_id,omitempty"`
	AudioKey      string             `json:"audio_key,omitempty"`
	AudioPath     string             `json:"audio_path,omitempty"`
	Size          int                `json:"size,omitempty"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// StatusRequest asks for the state of a merge job. An empty correlation id
// lists every known job.
type StatusRequest struct {
	CorrelationID string `json:"correlation_id"`
}

// StatusReply carries the merge job state, if the job is known, or the job
// list.
type StatusReply struct {
	Status string            `json:"status"`
	Job    *batch.JobStatus  `json:"job,omitempty"`
	Jobs   []batch.JobStatus `json:"jobs,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// BatchRunner processes batches and reports merge job state.
type BatchRunner interface {
	ProcessBatch(ctx context.Context, req batch.Request) (batch.Outcome, error)
	Status(correlationID string) (batch.JobStatus, bool)
	Jobs() []batch.JobStatus
}

// StatusListed is the reply status of a job list.
const StatusListed = "listed"

// NatsWorker listens for batch requests on a NATS subject and replies with
// the outcome. Every batch runs on its own goroutine; the runner bounds the
// items processed across batches.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	queueGroup     string
	runner         BatchRunner
	uploads        bool
	inFlight       sync.WaitGroup
	log            *logger.Logger
}

// Option customises a NatsWorker.
type Option func(*NatsWorker)

// WithUploads tells the worker that clips are uploaded to the object store, so
// replies carry the object key.
func WithUploads(enabled bool) Option {
	return func(w *NatsWorker) {
		w.uploads = enabled
	}
}

// NewNatsWorker creates a new instance of a NATS worker. An empty queueGroup
// subscribes without load balancing.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject, queueGroup string,
	runner BatchRunner,
	log *logger.Logger,
	opts ...Option,
) *NatsWorker {
	w := &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		queueGroup:     queueGroup,
		runner:         runner,
		log:            log,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// StatusSubject returns the subject answering merge job status requests.
func StatusSubject(batchSubject string) string {
	return batchSubject + statusSubjectSuffix
}

// Run subscribes and blocks until ctx is cancelled, then drains the
// subscriptions so in-flight requests still get their reply.
func (w *NatsWorker) Run(ctx context.Context) error {
	batchSub, err := w.natsConnection.QueueSubscribe(w.subject, w.queueGroup, w.dispatchBatch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	statusSubject := StatusSubject(w.subject)

	statusSub, err := w.natsConnection.QueueSubscribe(statusSubject, w.queueGroup, w.handleStatus)
	if err != nil {
		_ = batchSub.Drain()

		return fmt.Errorf("failed to subscribe to subject %s: %w", statusSubject, err)
	}

	w.log.Info("Listening for batches on %s and job status on %s", w.subject, statusSubject)

	<-ctx.Done()

	drainErr := errors.Join(batchSub.Drain(), statusSub.Drain())
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	waitForDrain(batchSub, statusSub)
	w.inFlight.Wait()

	return nil
}

// dispatchBatch hands the message to its own goroutine so one slow batch does
// not hold back the subscription.
func (w *NatsWorker) dispatchBatch(msg *nats.Msg) {
	w.inFlight.Add(1)

	go func() {
		defer w.inFlight.Done()

		w.handleBatch(msg)
	}()
}

// waitForDrain blocks until every subscription finished delivering its
// pending messages, or drainTimeout passes.
func waitForDrain(subs ...*nats.Subscription) {
	deadline := time.Now().Add(drainTimeout)

	for time.Now().Before(deadline) {
		pending := false

		for _, sub := range subs {
			if sub.IsValid() {
				pending = true
			}
		}

		if !pending {
			return
		}

		time.Sleep(drainPollInterval)
	}
}

func (w *NatsWorker) handleBatch(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	request, err := parseAndValidateRequest(msg.Data)
	if err != nil {
		w.log.Error("Failed to parse and validate batch request: %v", err)
		w.reply(msg, BatchReply{Status: StatusError, Error: err.Error()})

		return
	}

	reply, err := w.processBatch(ctx, request)
	if err != nil {
		w.log.Error("Failed to process batch for workflow %s: %v", request.Header.WorkflowID, err)
		reply = BatchReply{Header: request.Header, Status: StatusError, Error: err.Error()}
	}

	w.reply(msg, reply)
}

func (w *NatsWorker) processBatch(ctx context.Context, request *BatchRequest) (BatchReply, error) {
	format, err := audio.ParseFormat(request.Format)
	if err != nil {
		return BatchReply{}, err
	}

	outcome, err := w.runner.ProcessBatch(ctx, batch.Request{
		All:      request.Items,
		Needed:   request.Needed,
		Saved:    request.Saved,
		Language: request.Language,
		Format:   format,
	})
	if err != nil {
		return BatchReply{}, fmt.Errorf("failed to process batch: %w", err)
	}

	header := request.Header
	header.Timestamp = time.Now()
	header.EventID = uuid.NewString()

	reply := BatchReply{Header: header}

	switch outcome.Kind {
	case batch.KindEmpty:
		reply.Status = StatusEmpty
	case batch.KindSingle:
		reply.Status = StatusSingle
		reply.ItemID = outcome.Result.ID
		reply.AudioPath = storage.ItemPath(outcome.Result.ID, format)
		reply.Size = outcome.Result.Buffer.Len()

		if w.uploads {
			reply.AudioKey = storage.ItemKey(outcome.Result.ID, format)
		}
	case batch.KindMerging:
		reply.Status = StatusMerging
		reply.CorrelationID = outcome.CorrelationID
		reply.AudioPath = storage.MergedPath(outcome.CorrelationID, format)

		if w.uploads {
			reply.AudioKey = storage.MergedKey(outcome.CorrelationID, format)
		}
	}

	w.log.Info("Batch for workflow %s finished as %s", request.Header.WorkflowID, reply.Status)

	return reply, nil
}

func (w *NatsWorker) handleStatus(msg *nats.Msg) {
	var request StatusRequest

	err := json.Unmarshal(msg.Data, &request)
	if err != nil {
		w.reply(msg, StatusReply{Status: StatusError, Error: err.Error()})

		return
	}

	if request.CorrelationID == "" {
		w.reply(msg, StatusReply{Status: StatusListed, Jobs: w.runner.Jobs()})

		return
	}

	job, ok := w.runner.Status(request.CorrelationID)
	if !ok {
		w.reply(msg, StatusReply{Status: StatusNotFound})

		return
	}

	w.reply(msg, StatusReply{Status: string(job.State), Job: &job})
}

// reply marshals and responds. Messages without a reply subject are dropped.
func (w *NatsWorker) reply(msg *nats.Msg, payload any) {
	if msg.Reply == "" {
		return
	}

	replyData, err := json.Marshal(payload)
	if err != nil {
		w.log.Error("Failed to marshal reply: %v", err)

		return
	}

	err = msg.Respond(replyData)
	if err != nil {
		w.log.Error("Failed to publish reply: %v", err)
	}
}

func parseAndValidateRequest(data []byte) (*BatchRequest, error) {
	var request BatchRequest

	err := json.Unmarshal(data, &request)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch request: %w", err)
	}

	if len(request.Items) == 0 {
		return nil, ErrNoItems
	}

	seen := make(map[string]struct{}, len(request.Items))

	for _, item := range request.Items {
		if item.ID == "" {
			return nil, ErrEmptyItemID
		}

		if _, ok := seen[item.ID]; ok {
			return nil, fmt.Errorf("%w: '%s'", ErrDuplicateItem, item.ID)
		}

		seen[item.ID] = struct{}{}
	}

	return &request, nil
}
