package batch

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// JobState is the lifecycle state of a merge job.
type JobState string

// Merge job states.
const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// JobStatus is a snapshot of one merge job.
type JobStatus struct {
	CorrelationID string    `json:"correlation_id"`
	State         JobState  `json:"state"`
	Segments      int       `json:"segments"`
	OutputPath    string    `json:"output_path,omitempty"`
	ObjectKey     string    `json:"object_key,omitempty"`
	Attempts      int       `json:"attempts"`
	Err           string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at,omitzero"`
}

// Done reports whether the job reached a terminal state.
func (s JobStatus) Done() bool {
	return s.State == JobSucceeded || s.State == JobFailed
}

type registry struct {
	mutex sync.RWMutex
	jobs  map[string]JobStatus
}

func newRegistry() *registry {
	return &registry{jobs: make(map[string]JobStatus)}
}

func (r *registry) put(status JobStatus) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.jobs[status.CorrelationID] = status
}

func (r *registry) update(id string, apply func(*JobStatus)) JobStatus {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	status := r.jobs[id]
	apply(&status)
	r.jobs[id] = status

	return status
}

func (r *registry) get(id string) (JobStatus, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	status, ok := r.jobs[id]

	return status, ok
}

func (r *registry) list() []JobStatus {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]JobStatus, 0, len(r.jobs))
	for _, status := range r.jobs {
		out = append(out, status)
	}

	slices.SortFunc(out, func(a, b JobStatus) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}

		return strings.Compare(a.CorrelationID, b.CorrelationID)
	})

	return out
}
