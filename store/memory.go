package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/GoCodeAlone/pipeline-engine/job"
	"github.com/GoCodeAlone/pipeline-engine/task"
)

// MemoryStore is a Store held in process memory. Records are copied in and
// out, so callers may keep mutating what they saved.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]*job.Job
	steps     map[string]*job.Step
	stepOrder map[string][]string
	results   map[string]*task.Result
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*job.Job),
		steps:     make(map[string]*job.Step),
		stepOrder: make(map[string][]string),
		results:   make(map[string]*task.Result),
	}
}

// SaveJob inserts or replaces j.
func (m *MemoryStore) SaveJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

// GetJob returns the job with id.
func (m *MemoryStore) GetJob(_ context.Context, id string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return cloneJob(j), nil
}

// ListJobs implements Store.
func (m *MemoryStore) ListJobs(_ context.Context, flowID string) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*job.Job
	for _, j := range m.jobs {
		if j.FlowID == flowID {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].BuildNumber < out[b].BuildNumber })
	return out, nil
}

// SaveStep inserts or replaces s.
func (m *MemoryStore) SaveStep(_ context.Context, s *job.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.steps[s.ID]; !ok {
		m.stepOrder[s.JobID] = append(m.stepOrder[s.JobID], s.ID)
	}
	m.steps[s.ID] = cloneStep(s)
	return nil
}

// ListSteps implements Store.
func (m *MemoryStore) ListSteps(_ context.Context, jobID string) ([]*job.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.stepOrder[jobID]
	out := make([]*job.Step, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneStep(m.steps[id]))
	}
	return out, nil
}

// InsertTaskResult implements task.Store.
func (m *MemoryStore) InsertTaskResult(_ context.Context, r *task.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.results[r.ID]; ok {
		return fmt.Errorf("task result %s: %w", r.ID, ErrDuplicate)
	}
	m.results[r.ID] = cloneResult(r)
	return nil
}

// SaveTaskResult implements task.Store.
func (m *MemoryStore) SaveTaskResult(_ context.Context, r *task.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[r.ID] = cloneResult(r)
	return nil
}

// GetTaskResult implements Store.
func (m *MemoryStore) GetTaskResult(_ context.Context, id string) (*task.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[id]
	if !ok {
		return nil, fmt.Errorf("task result %s: %w", id, ErrNotFound)
	}
	return cloneResult(r), nil
}

// ListTaskResults returns the task results of a job, oldest first.
func (m *MemoryStore) ListTaskResults(_ context.Context, jobID string) ([]*task.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*task.Result
	for _, r := range m.results {
		if r.JobID == jobID {
			out = append(out, cloneResult(r))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
