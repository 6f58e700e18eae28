package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/msgbridge/internal/job"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]job.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]job.Job),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, j job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return fmt.Errorf("job %s: %w", j.ID, job.ErrExists)
	}
	s.jobs[j.ID] = j
	return nil
}

// UpdateJobStatus advances a job and records its outcome.
func (s *JobStore) UpdateJobStatus(
	_ context.Context,
	jobID string,
	status job.Status,
	errText string,
	out job.Outcome,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, job.ErrNotFound)
	}
	job.Apply(&j, status, errText, out, at)
	s.jobs[jobID] = j
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return job.Job{}, fmt.Errorf("job %s: %w", jobID, job.ErrNotFound)
	}
	return j, nil
}
