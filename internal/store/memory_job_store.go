package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dunamismax/pixelgate/internal/domain"
)

type MemoryJobStore struct {
	mu    sync.RWMutex
	jobs  map[string]domain.Job
	usage map[string]domain.Usage
	now   func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:  make(map[string]domain.Job),
		usage: make(map[string]domain.Usage),
		now:   time.Now,
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrJobExists
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, false, nil
	}
	return cloneJob(job), true, nil
}

func (s *MemoryJobStore) UpdateStatus(_ context.Context, id, status string) (domain.Job, error) {
	return s.update(id, func(job *domain.Job) {
		job.Status = status
	})
}

func (s *MemoryJobStore) Complete(_ context.Context, id, status string, results []domain.WarmResult, errMsg string) (domain.Job, error) {
	return s.update(id, func(job *domain.Job) {
		job.Status = status
		job.Results = slices.Clone(results)
		job.Error = errMsg
	})
}

func (s *MemoryJobStore) update(id string, apply func(*domain.Job)) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	apply(&job)
	job.UpdatedAt = s.now().UTC()
	s.jobs[id] = job
	return cloneJob(job), nil
}

func (s *MemoryJobStore) CreateUsageLog(_ context.Context, usage domain.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[usage.JobID] = usage
	return nil
}

func (s *MemoryJobStore) Usage(jobID string) (domain.Usage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usage[jobID]
	return u, ok
}

func cloneJob(job domain.Job) domain.Job {
	job.URLs = slices.Clone(job.URLs)
	job.Results = slices.Clone(job.Results)
	return job
}
