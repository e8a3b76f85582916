package scheduler

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/advflow/internal/clock"
)

// MemoryScheduler is an in-memory Queue. Suitable for testing and
// single-instance deployments.
type MemoryScheduler struct {
	mu   sync.Mutex
	jobs []Job
}

// NewMemoryScheduler creates a new in-memory scheduler.
func NewMemoryScheduler() *MemoryScheduler {
	return &MemoryScheduler{}
}

var _ Queue = (*MemoryScheduler)(nil)

// ScheduleAt implements Scheduler.
func (m *MemoryScheduler) ScheduleAt(_ context.Context, at time.Time, job Job) (Job, error) {
	job = prepare(at, job)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = slices.DeleteFunc(m.jobs, func(j Job) bool { return j.ID == job.ID })
	m.jobs = append(m.jobs, job)
	sort.SliceStable(m.jobs, func(i, j int) bool { return m.jobs[i].RunAt.Before(m.jobs[j].RunAt) })
	return job, nil
}

// Cancel implements Scheduler.
func (m *MemoryScheduler) Cancel(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = slices.DeleteFunc(m.jobs, func(j Job) bool { return j.ID == jobID })
	return nil
}

// Claim implements Queue.
func (m *MemoryScheduler) Claim(_ context.Context, now time.Time, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for n < len(m.jobs) && !m.jobs[n].RunAt.After(now) && (limit <= 0 || n < limit) {
		n++
	}
	due := slices.Clone(m.jobs[:n])
	m.jobs = slices.Delete(m.jobs, 0, n)
	return due, nil
}

// Pending implements Queue.
func (m *MemoryScheduler) Pending(_ context.Context) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.jobs), nil
}

// HealthCheck implements Queue.
func (m *MemoryScheduler) HealthCheck(_ context.Context) error { return nil }

// Len returns the number of pending jobs. For testing.
func (m *MemoryScheduler) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// prepare assigns an ID and normalizes the run time.
func prepare(at time.Time, job Job) Job {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if at.IsZero() {
		at = clock.Now()
	}
	job.RunAt = at.UTC()
	return job
}
