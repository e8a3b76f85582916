// Package scheduler is the delayed-job collaborator used by behaviors that
// defer side effects (embargoed publish, expiry unpublish, resumption).
package scheduler

import (
	"context"
	"time"

	"github.com/pitabwire/advflow/model"
)

// JobKind names what a job does when it fires.
type JobKind string

// Job kinds.
const (
	JobPublish   JobKind = "publish"
	JobUnpublish JobKind = "unpublish"
	JobResume    JobKind = "resume"
)

// Job is a unit of deferred work.
type Job struct {
	ID         string          `json:"id"`
	Kind       JobKind         `json:"kind"`
	Target     model.TargetRef `json:"target"`
	InstanceID string          `json:"instance_id,omitempty"`
	RunAt      time.Time       `json:"run_at"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
}

// Scheduler accepts jobs for later execution.
type Scheduler interface {
	// ScheduleAt enqueues job to run at at. A zero at means immediately.
	// The returned job carries the assigned ID and run time.
	ScheduleAt(ctx context.Context, at time.Time, job Job) (Job, error)

	// Cancel removes a pending job. Unknown IDs are not an error.
	Cancel(ctx context.Context, jobID string) error
}

// Queue is a Scheduler whose due jobs can be claimed by a Runner.
type Queue interface {
	Scheduler

	// Claim atomically removes and returns up to limit jobs whose run time
	// is not after now, oldest first.
	Claim(ctx context.Context, now time.Time, limit int) ([]Job, error)

	// Pending returns every job not yet claimed, ordered by run time.
	Pending(ctx context.Context) ([]Job, error)

	// HealthCheck reports whether the backing store is reachable.
	HealthCheck(ctx context.Context) error
}
