// Package memory keeps research job records in process for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/JakeFAU/research-status-relay/internal/store"
)

// JobStore provides an in-memory store.JobRepository.
type JobStore struct {
	mu       sync.RWMutex
	jobs     map[string]store.Job
	bySymbol map[string]string
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:     make(map[string]store.Job),
		bySymbol: make(map[string]string),
	}
}

// Put inserts or replaces job and makes it the latest job for its symbol.
func (s *JobStore) Put(job store.Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Steps = slices.Clone(job.Steps)
	s.jobs[job.ID] = job
	if job.Symbol != "" {
		s.bySymbol[strings.ToUpper(job.Symbol)] = job.ID
	}
	return nil
}

// GetJob implements store.JobRepository.
func (s *JobStore) GetJob(_ context.Context, id string) (store.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	job.Steps = slices.Clone(job.Steps)
	return job, nil
}

// LatestJobForSymbol implements store.JobRepository.
func (s *JobStore) LatestJobForSymbol(ctx context.Context, symbol string) (store.Job, error) {
	s.mu.RLock()
	id, ok := s.bySymbol[strings.ToUpper(symbol)]
	s.mu.RUnlock()
	if !ok {
		return store.Job{}, fmt.Errorf("symbol %s: %w", symbol, store.ErrNotFound)
	}
	return s.GetJob(ctx, id)
}

// ListJobs implements store.JobRepository.
func (s *JobStore) ListJobs(_ context.Context, limit int) ([]store.Job, error) {
	s.mu.RLock()
	jobs := make([]store.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		job.Steps = slices.Clone(job.Steps)
		jobs = append(jobs, job)
	}
	s.mu.RUnlock()

	slices.SortStableFunc(jobs, func(a, b store.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}
