package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/fraud-tracker/internal/jobs"
)

// DefaultRetention bounds how many jobs a Store keeps.
const DefaultRetention = 10000

// Store is an in-memory JobStore. Jobs are copied on the way in and out.
// Once more than retention jobs are held, the oldest finished jobs are
// dropped; pending and running jobs are never evicted.
type Store struct {
	mu        sync.RWMutex
	jobs      map[string]*jobs.ScoreTransactionJob
	retention int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRetention caps the number of stored jobs. n <= 0 keeps the default.
func WithRetention(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.retention = n
		}
	}
}

// NewStore creates an empty job store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		jobs:      make(map[string]*jobs.ScoreTransactionJob),
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveJob implements jobs.JobStore.
func (s *Store) SaveJob(ctx context.Context, job *jobs.ScoreTransactionJob) error {
	if job.JobID == "" {
		return fmt.Errorf("SaveJob: job ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, known := s.jobs[job.JobID]
	stored := *job
	s.jobs[job.JobID] = &stored
	if !known && len(s.jobs) > s.retention {
		s.evictLocked(len(s.jobs) - s.retention)
	}
	return nil
}

func finished(st jobs.JobStatus) bool {
	return st == jobs.JobStatusCompleted || st == jobs.JobStatusFailed
}

// evictLocked removes up to n finished jobs, oldest first.
func (s *Store) evictLocked(n int) {
	var done []*jobs.ScoreTransactionJob
	for _, j := range s.jobs {
		if finished(j.Status) {
			done = append(done, j)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].CreatedAt.Before(done[j].CreatedAt) })
	for i := 0; i < n && i < len(done); i++ {
		delete(s.jobs, done[i].JobID)
	}
}

// GetJob implements jobs.JobStore.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.ScoreTransactionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("GetJob: %s: %w", jobID, jobs.ErrJobNotFound)
	}
	out := *job
	return &out, nil
}

type jobFilter jobs.JobFilter

func (f jobFilter) match(j *jobs.ScoreTransactionJob) bool {
	switch {
	case f.TransactionID != "" && j.TransactionID != f.TransactionID:
		return false
	case f.UserID != "" && j.UserID != f.UserID:
		return false
	case f.Status != "" && j.Status != f.Status:
		return false
	}
	return true
}

// ListJobs implements jobs.JobStore. Results are newest first.
func (s *Store) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.ScoreTransactionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f := jobFilter(filter)
	result := []*jobs.ScoreTransactionJob{}
	for _, job := range s.jobs {
		if !f.match(job) {
			continue
		}
		out := *job
		result = append(result, &out)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].JobID < result[j].JobID
	})

	if filter.Offset >= len(result) {
		return []*jobs.ScoreTransactionJob{}, nil
	}
	result = result[max(filter.Offset, 0):]
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// UpdateJobStatus implements jobs.JobStore. Moving a job into a finished
// state stamps CompletedAt when the caller has not.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status jobs.JobStatus, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("UpdateJobStatus: %s: %w", jobID, jobs.ErrJobNotFound)
	}
	job.Status = status
	if errorMsg != "" {
		job.Error = errorMsg
	}
	if finished(status) && job.CompletedAt == nil {
		now := time.Now()
		job.CompletedAt = &now
	}
	return nil
}

var _ jobs.JobStore = (*Store)(nil)
