// Package jobs defines the score-job contract used to notify the worker
// about transactions persisted without a score. Polling the backlog still
// catches anything a lost job misses.
package jobs

import (
	"context"
	"errors"
	"time"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeScoreTransaction asks the worker to score one persisted transaction.
	JobTypeScoreTransaction JobType = "score_transaction"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is waiting for another attempt.
	JobStatusRetrying JobStatus = "retrying"
)

// ErrJobNotFound is returned by JobStore lookups for unknown ids.
var ErrJobNotFound = errors.New("job not found")

// ScoreTransactionJob names an unscored transaction.
type ScoreTransactionJob struct {
	JobID         string `json:"job_id"`
	TransactionID string `json:"transaction_id"`
	ExternalID    string `json:"external_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`

	// Source describes what produced the row, e.g. an import URI.
	Source string `json:"source,omitempty"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// Job is a generic interface for all job types.
type Job interface {
	GetID() string
	GetType() JobType
	GetStatus() JobStatus
}

func (j *ScoreTransactionJob) GetID() string        { return j.JobID }
func (j *ScoreTransactionJob) GetType() JobType     { return JobTypeScoreTransaction }
func (j *ScoreTransactionJob) GetStatus() JobStatus { return j.Status }

// Publisher enqueues jobs.
type Publisher interface {
	PublishScoreTransaction(ctx context.Context, job *ScoreTransactionJob) error
	Close() error
}

// Consumer runs a handler for each queued job.
type Consumer interface {
	// Start launches the consumers and returns immediately.
	Start(ctx context.Context, handler JobHandler) error
	// Stop stops consuming and waits for in-flight jobs.
	Stop(ctx context.Context) error
}

// JobHandler processes a job. A returned error schedules a retry until
// the job's MaxRetries is exhausted.
type JobHandler func(ctx context.Context, job Job) error

// JobStore tracks job state for the jobs API.
type JobStore interface {
	SaveJob(ctx context.Context, job *ScoreTransactionJob) error
	// GetJob returns an error wrapping ErrJobNotFound for unknown ids.
	GetJob(ctx context.Context, jobID string) (*ScoreTransactionJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*ScoreTransactionJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	TransactionID string
	UserID        string
	Status        JobStatus
	Limit         int
	Offset        int
}
