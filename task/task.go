// Package task runs local tasks, such as job notifications, in throwaway
// containers on the engine host.
package task

import (
	"context"
	"time"

	"github.com/GoCodeAlone/pipeline-engine/job"
	"github.com/GoCodeAlone/pipeline-engine/tree"
	"github.com/GoCodeAlone/pipeline-engine/vars"
)

// PluginRoot is where plugin directories are copied inside task containers.
const PluginRoot = "/plugins"

// LocalDockerTask is a script run to completion in a container.
type LocalDockerTask struct {
	Name  string
	JobID string
	Image string
	// Script runs with /bin/sh -c. A plugin's script replaces it.
	Script string
	Plugin string
	// Inputs are passed as environment variables and validated against the
	// plugin's declared inputs.
	Inputs vars.Vars
	// Timeout bounds the container run; zero means the manager default.
	Timeout time.Duration
}

// HasPlugin reports whether the task runs a plugin.
func (t *LocalDockerTask) HasPlugin() bool { return t.Plugin != "" }

// Result is the persisted record of one task execution.
type Result struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	JobID       string    `json:"jobId,omitempty"`
	ContainerID string    `json:"containerId,omitempty"`
	ExitCode    *int      `json:"exitCode,omitempty"`
	Err         string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	FinishAt    time.Time `json:"finishAt,omitzero"`
}

// HasContainer reports whether a container was created for the task.
func (r *Result) HasContainer() bool { return r.ContainerID != "" }

// IsFinished reports whether the task reached a terminal state.
func (r *Result) IsFinished() bool { return !r.FinishAt.IsZero() }

// IsSuccess reports whether the container exited with code 0 and no error
// was recorded.
func (r *Result) IsSuccess() bool {
	return r.Err == "" && r.ExitCode != nil && *r.ExitCode == 0
}

// Store persists task results. Insert is called once when a task starts and
// Save after it reaches a terminal state.
type Store interface {
	InsertTaskResult(ctx context.Context, r *Result) error
	SaveTaskResult(ctx context.Context, r *Result) error
}

// FromNotification builds the task that delivers n for the finished job j.
// The job context is visible to the plugin, overlaid by the notification's
// own inputs.
func FromNotification(n tree.Notification, j *job.Job) LocalDockerTask {
	inputs := j.Context.Copy()
	inputs.Merge(&n.Inputs)
	return LocalDockerTask{
		Name:   n.Plugin,
		JobID:  j.ID,
		Plugin: n.Plugin,
		Inputs: *inputs,
	}
}
