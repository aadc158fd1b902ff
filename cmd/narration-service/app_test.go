package main

import (
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/batch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportJobResults_DrainsUntilClosed(t *testing.T) {
	t.Parallel()

	log, err := logger.New(t.TempDir(), "report.log")
	require.NoError(t, err)

	// More statuses than the orchestrator buffers, so an idle reader would
	// leave jobs undelivered.
	const jobs = 200

	results := make(chan batch.JobStatus)
	started := time.Now()

	go func() {
		defer close(results)

		for i := range jobs {
			status := batch.JobStatus{
				CorrelationID: "job-ok",
				State:         batch.JobSucceeded,
				Attempts:      1,
				OutputPath:    "merged/job-ok.mp3",
				StartedAt:     started,
				FinishedAt:    started.Add(time.Second),
			}

			if i == jobs-1 {
				status.CorrelationID = "job-bad"
				status.State = batch.JobFailed
				status.Err = "ffmpeg exited"
			}

			results <- status
		}
	}()

	done := make(chan int, 1)

	go func() { done <- reportJobResults(results, log) }()

	select {
	case seen := <-done:
		assert.Equal(t, jobs, seen)
	case <-time.After(5 * time.Second):
		t.Fatal("results were not drained")
	}

	require.NoError(t, log.Close())
}
