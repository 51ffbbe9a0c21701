// Package store persists job, step and local task records. MemoryStore
// keeps everything in process; SQLiteStore writes to an SQLite database.
package store

import (
	"context"

	"github.com/GoCodeAlone/pipeline-engine/job"
	"github.com/GoCodeAlone/pipeline-engine/task"
)

// Store is the full persistence surface of the engine.
type Store interface {
	job.Store
	task.Store

	GetJob(ctx context.Context, id string) (*job.Job, error)
	// ListJobs returns the jobs of a flow ordered by build number.
	ListJobs(ctx context.Context, flowID string) ([]*job.Job, error)
	// ListSteps returns a job's steps in the order they were first saved.
	ListSteps(ctx context.Context, jobID string) ([]*job.Step, error)
	GetTaskResult(ctx context.Context, id string) (*task.Result, error)
	ListTaskResults(ctx context.Context, jobID string) ([]*task.Result, error)
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

func cloneJob(j *job.Job) *job.Job {
	out := *j
	out.Context = *j.Context.Copy()
	return &out
}

func cloneStep(s *job.Step) *job.Step {
	out := *s
	out.Outputs = *s.Outputs.Copy()
	return &out
}

func cloneResult(r *task.Result) *task.Result {
	out := *r
	if r.ExitCode != nil {
		code := *r.ExitCode
		out.ExitCode = &code
	}
	return &out
}
