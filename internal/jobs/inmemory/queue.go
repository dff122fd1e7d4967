package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/fraud-tracker/internal/jobs"
	"github.com/dvloznov/fraud-tracker/internal/logger"
)

var (
	// ErrQueueClosed is returned when publishing to a stopped queue.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrQueueFull is returned when the buffer has no room. The row stays
	// unscored for the backlog poller.
	ErrQueueFull = errors.New("queue is full")
)

// QueueOptions tunes a Queue. Zero values take the defaults.
type QueueOptions struct {
	// BufferSize is how many jobs can wait; publishing beyond it fails with ErrQueueFull.
	BufferSize int
	Workers    int
	MaxRetries int
	// Backoff is multiplied by the retry count before each retry.
	Backoff time.Duration
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.BufferSize <= 0 {
		o.BufferSize = 100
	}
	if o.Workers <= 0 {
		o.Workers = 5
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	return o
}

// Queue is an in-memory job publisher and consumer backed by a channel.
// It suits a single worker process; jobs are lost on restart and the backlog
// poller picks the rows up instead.
type Queue struct {
	jobChan   chan *jobs.ScoreTransactionJob
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	store     jobs.JobStore
	opts      QueueOptions
	closed    bool
}

// NewQueue creates a queue. store may be nil.
func NewQueue(store jobs.JobStore, opts QueueOptions) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		jobChan:   make(chan *jobs.ScoreTransactionJob, opts.BufferSize),
		closeChan: make(chan struct{}),
		store:     store,
		opts:      opts,
	}
}

// PublishScoreTransaction implements jobs.Publisher.
func (q *Queue) PublishScoreTransaction(ctx context.Context, job *jobs.ScoreTransactionJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = q.opts.MaxRetries
	}

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("PublishScoreTransaction: saving job: %w", err)
		}
	}

	queued := *job
	select {
	case q.jobChan <- &queued:
		return nil
	case <-q.closeChan:
		return ErrQueueClosed
	default:
	}

	// Nobody is draining fast enough. Never block the publisher.
	if q.store != nil {
		_ = q.store.UpdateJobStatus(ctx, job.JobID, jobs.JobStatusFailed, ErrQueueFull.Error())
	}
	return ErrQueueFull
}

// Start implements jobs.Consumer.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	return nil
}

func (q *Queue) worker(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case job := <-q.jobChan:
			q.processJob(ctx, job, handler)
		}
	}
}

// processJob runs one attempt and schedules a retry on failure.
func (q *Queue) processJob(ctx context.Context, job *jobs.ScoreTransactionJob, handler jobs.JobHandler) {
	log := logger.FromContext(ctx)

	job.Status = jobs.JobStatusRunning
	now := time.Now()
	job.StartedAt = &now
	q.save(ctx, job)

	err := handler(ctx, job)

	completedAt := time.Now()
	job.CompletedAt = &completedAt

	switch {
	case err == nil:
		job.Status = jobs.JobStatusCompleted
		job.Error = ""
	case job.RetryCount < job.MaxRetries:
		job.Error = err.Error()
		job.RetryCount++
		job.Status = jobs.JobStatusRetrying

		retry := *job
		retry.Status = jobs.JobStatusPending
		retry.StartedAt = nil
		retry.CompletedAt = nil

		time.AfterFunc(time.Duration(job.RetryCount)*q.opts.Backoff, func() {
			if err := q.PublishScoreTransaction(context.WithoutCancel(ctx), &retry); err != nil && !errors.Is(err, ErrQueueClosed) {
				log.Error().Err(err).Str("job_id", retry.JobID).Msg("Failed to re-enqueue job")
			}
		})
	default:
		job.Error = err.Error()
		job.Status = jobs.JobStatusFailed
		log.Error().
			Err(err).
			Str("job_id", job.JobID).
			Str("transaction_id", job.TransactionID).
			Int("retries", job.RetryCount).
			Msg("Job failed permanently")
	}

	q.save(ctx, job)
}

func (q *Queue) save(ctx context.Context, job *jobs.ScoreTransactionJob) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to save job state")
	}
}

// Stop implements jobs.Consumer. Pending retries are dropped.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements jobs.Publisher.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var (
	_ jobs.Publisher = (*Queue)(nil)
	_ jobs.Consumer  = (*Queue)(nil)
)
