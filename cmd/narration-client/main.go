package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/config"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/objectstore"
	"github.com/book-expert/narration-service/internal/worker"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Flag descriptions.
const (
	flagNATSDesc     = "NATS server URL"
	flagSubjectDesc  = "Subject the narration service listens on"
	flagItemsDesc    = "JSON file containing an array of items {id, text, language}"
	flagTextDesc     = "Text of a single item to narrate"
	flagSavedDesc    = "Comma separated ids to load from storage instead of synthesizing"
	flagLanguageDesc = "Language of the batch"
	flagFormatDesc   = "Audio format (mp3, wav, ogg, flac)"
	flagBucketDesc   = "Object store bucket to download audio from; empty skips the download"
	flagOutputDesc   = "Output file for the downloaded audio"
	flagStatusDesc   = "Print the status of a merge job and exit"
	flagJobsDesc     = "Print every merge job the service knows and exit"
	flagWaitDesc     = "Wait for a merge job to finish before downloading"
	flagTimeoutDesc  = "Overall timeout"
)

// Flag names.
const (
	flagNATS     = "nats"
	flagSubject  = "subject"
	flagItems    = "items"
	flagText     = "text"
	flagSaved    = "saved"
	flagLanguage = "language"
	flagFormat   = "format"
	flagBucket   = "bucket"
	flagOutput   = "output"
	flagStatus   = "status"
	flagJobs     = "jobs"
	flagWait     = "wait"
	flagTimeout  = "timeout"
)

const (
	defaultNATSURL     = "nats://127.0.0.1:4222"
	defaultLanguage    = "en"
	defaultTimeout     = 10 * time.Minute
	singleItemID       = "item-1"
	pollInterval       = time.Second
	logFileName        = "narration-client.log"
	natsURLEnvironment = "NARRATION_NATS_URL"
)

var (
	// ErrEitherTextOrItems is returned when neither or both inputs are given.
	ErrEitherTextOrItems = errors.New("exactly one of --text or --items must be provided")
	// ErrWaitNeedsBucket is returned when --wait is used without a bucket.
	ErrWaitNeedsBucket = errors.New("--wait requires --bucket")
	// ErrBatchFailed is returned when the service replies with an error.
	ErrBatchFailed = errors.New("batch failed")
	// ErrJobFailed is returned when the merge job fails.
	ErrJobFailed = errors.New("merge job failed")
	// ErrNotUploaded is returned when a bucket is given but the service does
	// not upload audio.
	ErrNotUploaded = errors.New("service did not upload the audio")
	// ErrSizeMismatch is returned when the downloaded audio does not match
	// the stored object size.
	ErrSizeMismatch = errors.New("downloaded size does not match stored object")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	natsURL  string
	subject  string
	items    string
	text     string
	saved    string
	language string
	format   string
	bucket   string
	output   string
	status   string
	jobs     bool
	wait     bool
	timeout  time.Duration
}

func main() {
	err := run(os.Args[1:])
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

// run is the main application entry point, returning an error on failure.
func run(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	clientLog, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = clientLog.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	natsConnection, err := nats.Connect(flags.natsURL, nats.Name("narration-client"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", flags.natsURL, err)
	}
	defer natsConnection.Close()

	if flags.status != "" || flags.jobs {
		statusReply, statusErr := requestStatus(ctx, natsConnection, flags.subject, flags.status)
		if statusErr != nil {
			return statusErr
		}

		return printJSON(statusReply)
	}

	return submit(ctx, natsConnection, clientLog, flags)
}

// parseFlags defines and parses command-line flags, returning them in a struct.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	natsURL := os.Getenv(natsURLEnvironment)
	if natsURL == "" {
		natsURL = defaultNATSURL
	}

	flagSet := flag.NewFlagSet("narration-client", flag.ContinueOnError)
	flagSet.StringVar(&flags.natsURL, flagNATS, natsURL, flagNATSDesc)
	flagSet.StringVar(&flags.subject, flagSubject, config.DefaultBatchSubject, flagSubjectDesc)
	flagSet.StringVar(&flags.items, flagItems, "", flagItemsDesc)
	flagSet.StringVar(&flags.text, flagText, "", flagTextDesc)
	flagSet.StringVar(&flags.saved, flagSaved, "", flagSavedDesc)
	flagSet.StringVar(&flags.language, flagLanguage, defaultLanguage, flagLanguageDesc)
	flagSet.StringVar(&flags.format, flagFormat, "", flagFormatDesc)
	flagSet.StringVar(&flags.bucket, flagBucket, "", flagBucketDesc)
	flagSet.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	flagSet.StringVar(&flags.status, flagStatus, "", flagStatusDesc)
	flagSet.BoolVar(&flags.jobs, flagJobs, false, flagJobsDesc)
	flagSet.BoolVar(&flags.wait, flagWait, false, flagWaitDesc)
	flagSet.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, validateFlags(flags)
}

// validateFlags checks required and conflicting arguments.
func validateFlags(flags appFlags) error {
	if flags.status != "" || flags.jobs {
		return nil
	}

	if (flags.text == "") == (flags.items == "") {
		return ErrEitherTextOrItems
	}

	if flags.wait && flags.bucket == "" {
		return ErrWaitNeedsBucket
	}

	return nil
}

// buildRequest assembles the batch. Ids listed in --saved are loaded, every
// other item is synthesized.
func buildRequest(flags appFlags) (worker.BatchRequest, error) {
	var items []core.ContentItem

	if flags.text != "" {
		items = []core.ContentItem{{ID: singleItemID, Text: flags.text, Language: flags.language}}
	} else {
		data, err := os.ReadFile(flags.items)
		if err != nil {
			return worker.BatchRequest{}, fmt.Errorf("failed to read items file: %w", err)
		}

		err = json.Unmarshal(data, &items)
		if err != nil {
			return worker.BatchRequest{}, fmt.Errorf("failed to parse items file %s: %w", flags.items, err)
		}
	}

	saved := splitIDs(flags.saved)
	savedSet := make(map[string]struct{}, len(saved))

	for _, id := range saved {
		savedSet[id] = struct{}{}
	}

	needed := make([]string, 0, len(items))

	for _, item := range items {
		if _, ok := savedSet[item.ID]; !ok {
			needed = append(needed, item.ID)
		}
	}

	return worker.BatchRequest{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: uuid.NewString(),
			EventID:    uuid.NewString(),
			UserID:     "",
			TenantID:   "",
		},
		Items:    items,
		Needed:   needed,
		Saved:    saved,
		Language: flags.language,
		Format:   flags.format,
	}, nil
}

func splitIDs(list string) []string {
	var ids []string

	for id := range strings.SplitSeq(list, ",") {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}

	return ids
}

func submit(ctx context.Context, natsConnection *nats.Conn, clientLog *logger.Logger, flags appFlags) error {
	request, err := buildRequest(flags)
	if err != nil {
		return err
	}

	data, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal batch request: %w", err)
	}

	clientLog.Info("Submitting %d items for workflow %s", len(request.Items), request.Header.WorkflowID)

	replyMsg, err := natsConnection.RequestWithContext(ctx, flags.subject, data)
	if err != nil {
		return fmt.Errorf("batch request failed: %w", err)
	}

	var reply worker.BatchReply

	err = json.Unmarshal(replyMsg.Data, &reply)
	if err != nil {
		return fmt.Errorf("failed to parse batch reply: %w", err)
	}

	printErr := printJSON(reply)
	if printErr != nil {
		return printErr
	}

	switch reply.Status {
	case worker.StatusError:
		return fmt.Errorf("%w: %s", ErrBatchFailed, reply.Error)
	case worker.StatusMerging:
		if !flags.wait {
			return nil
		}

		err = waitForJob(ctx, natsConnection, flags.subject, reply.CorrelationID)
		if err != nil {
			return err
		}
	case worker.StatusEmpty:
		return nil
	}

	if flags.bucket == "" {
		return nil
	}

	if reply.AudioKey == "" {
		return fmt.Errorf("%w: set storage.upload_enabled on the service", ErrNotUploaded)
	}

	return download(ctx, natsConnection, clientLog, flags, reply.AudioKey)
}

func requestStatus(
	ctx context.Context,
	natsConnection *nats.Conn,
	subject, correlationID string,
) (worker.StatusReply, error) {
	data, err := json.Marshal(worker.StatusRequest{CorrelationID: correlationID})
	if err != nil {
		return worker.StatusReply{}, fmt.Errorf("failed to marshal status request: %w", err)
	}

	replyMsg, err := natsConnection.RequestWithContext(ctx, worker.StatusSubject(subject), data)
	if err != nil {
		return worker.StatusReply{}, fmt.Errorf("status request failed: %w", err)
	}

	var reply worker.StatusReply

	err = json.Unmarshal(replyMsg.Data, &reply)
	if err != nil {
		return worker.StatusReply{}, fmt.Errorf("failed to parse status reply: %w", err)
	}

	return reply, nil
}

func waitForJob(ctx context.Context, natsConnection *nats.Conn, subject, correlationID string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		reply, err := requestStatus(ctx, natsConnection, subject, correlationID)
		if err != nil {
			return err
		}

		if reply.Job != nil && reply.Job.Done() {
			if reply.Job.Err != "" {
				return fmt.Errorf("%w: %s", ErrJobFailed, reply.Job.Err)
			}

			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for merge job %s: %w", correlationID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func download(
	ctx context.Context,
	natsConnection *nats.Conn,
	clientLog *logger.Logger,
	flags appFlags,
	audioKey string,
) error {
	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, flags.bucket)
	if err != nil {
		return err
	}

	audioData, err := store.Download(ctx, audioKey)
	if err != nil {
		return err
	}

	info, err := store.Stat(ctx, audioKey)
	if err != nil {
		return err
	}

	if info.Size != uint64(len(audioData)) {
		return fmt.Errorf("%w: %s has %d bytes, got %d", ErrSizeMismatch, audioKey, info.Size, len(audioData))
	}

	outputPath := flags.output
	if outputPath == "" {
		outputPath = filepath.Base(audioKey)
	}

	err = os.WriteFile(outputPath, audioData, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}

	clientLog.Info("Downloaded %s (%s, %d bytes) to %s", audioKey, info.ContentType, info.Size, outputPath)
	fmt.Printf("Generated: %s\n", outputPath)

	return nil
}

func printJSON(value any) error {
	return writeJSON(os.Stdout, value)
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	err := encoder.Encode(value)
	if err != nil {
		return fmt.Errorf("failed to print reply: %w", err)
	}

	return nil
}
