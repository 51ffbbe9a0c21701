package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/pipeline-engine/job"
	"github.com/GoCodeAlone/pipeline-engine/metrics"
	"github.com/GoCodeAlone/pipeline-engine/plugin"
	"github.com/GoCodeAlone/pipeline-engine/sandbox"
	"github.com/GoCodeAlone/pipeline-engine/scale"
	"github.com/GoCodeAlone/pipeline-engine/tree"
)

// DefaultTimeout bounds a task whose timeout is not set.
const DefaultTimeout = 30 * time.Minute

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPoolConfig sizes the pool Submit runs tasks on.
func WithPoolConfig(cfg scale.WorkerPoolConfig) ManagerOption {
	return func(m *Manager) { m.poolCfg = cfg }
}

// WithDefaultTimeout sets the timeout of tasks that carry none.
func WithDefaultTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithOutput sends container stdout and stderr to w instead of the logger.
func WithOutput(w io.Writer) ManagerOption {
	return func(m *Manager) { m.output = w }
}

// WithTaskMetrics records task outcomes on c.
func WithTaskMetrics(c *metrics.Collector) ManagerOption {
	return func(m *Manager) { m.metrics = c }
}

// WithTaskLogger sets the logger.
func WithTaskLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// Manager executes local tasks. Execute runs one task synchronously; Submit
// queues it on a bounded worker pool.
type Manager struct {
	runtime  sandbox.Runtime
	resolver plugin.Resolver
	store    Store
	pool     *scale.WorkerPool
	poolCfg  scale.WorkerPoolConfig
	timeout  time.Duration
	output   io.Writer
	metrics  *metrics.Collector
	logger   *slog.Logger
}

// NewManager creates a task manager. resolver may be nil when no task uses a
// plugin.
func NewManager(rt sandbox.Runtime, resolver plugin.Resolver, store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		runtime:  rt,
		resolver: resolver,
		store:    store,
		poolCfg:  scale.DefaultWorkerPoolConfig(),
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.pool = scale.NewWorkerPool(m.poolCfg)
	return m
}

// Start starts the worker pool backing Submit.
func (m *Manager) Start(ctx context.Context) error {
	return m.pool.Start(ctx)
}

// Stop waits for submitted tasks to finish. Tasks still running when ctx is
// done are interrupted.
func (m *Manager) Stop(ctx context.Context) error {
	return m.pool.Stop(ctx)
}

// Submit queues t and returns a channel that receives its result. The
// channel is closed once the task is done; it is closed without a value when
// the pool dropped the task or the task panicked. Callers may drop it.
func (m *Manager) Submit(t LocalDockerTask) (<-chan *Result, error) {
	var r *Result
	future, err := m.pool.TrySubmit(scale.Job{
		ID: t.Name,
		Execute: func(ctx context.Context) error {
			r = m.Execute(ctx, t)
			if r.Err != "" {
				return errors.New(r.Err)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("submit task %s: %w", t.Name, err)
	}

	done := make(chan *Result, 1)
	go func() {
		defer close(done)
		<-future.Done()
		if r != nil {
			done <- r
			return
		}
		m.logger.Warn("Local task did not complete", "task", t.Name, "job", t.JobID, "error", future.Err())
	}()
	return done, nil
}

// Notify submits the notification task for j. It implements
// job.NotificationSink.
func (m *Manager) Notify(_ context.Context, j *job.Job, n tree.Notification) error {
	_, err := m.Submit(FromNotification(n, j))
	return err
}

// Execute runs t to completion. Failures are recorded on the returned
// Result rather than returned.
func (m *Manager) Execute(ctx context.Context, t LocalDockerTask) *Result {
	r := &Result{
		ID:        uuid.NewString(),
		Name:      t.Name,
		JobID:     t.JobID,
		CreatedAt: time.Now(),
	}
	if err := m.store.InsertTaskResult(ctx, r); err != nil {
		m.logger.Warn("Failed to insert task result", "task", t.Name, "error", err)
	}

	m.metrics.LocalTaskStarted()
	defer func() {
		result := "success"
		if !r.IsSuccess() {
			result = "error"
		}
		m.metrics.LocalTaskFinished(result, time.Since(r.CreatedAt))
	}()

	spec, err := m.containerSpec(ctx, &t)
	if err != nil {
		m.logger.Warn("Local task rejected", "task", t.Name, "job", t.JobID, "error", err)
		r.Err = err.Error()
		m.finish(ctx, r)
		return r
	}

	m.logger.Info("Local task started", "task", t.Name, "image", spec.Image, "job", t.JobID)
	if err := m.runContainer(ctx, t, spec, r); err != nil {
		m.logger.Warn("Local task failed", "task", t.Name, "job", t.JobID, "error", err)
		r.Err = err.Error()
	}
	m.finish(ctx, r)
	return r
}

// containerSpec resolves the task's plugin, if any, and builds the
// container to run.
func (m *Manager) containerSpec(ctx context.Context, t *LocalDockerTask) (sandbox.ContainerSpec, error) {
	spec := sandbox.ContainerSpec{Image: t.Image}
	inputs := t.Inputs.Copy()
	script := t.Script

	if t.HasPlugin() {
		if m.resolver == nil {
			return spec, fmt.Errorf("%w: %s", plugin.ErrNotFound, t.Plugin)
		}
		resolved, err := m.resolver.Resolve(ctx, t.Plugin, inputs)
		if err != nil {
			return spec, err
		}
		p := resolved.Plugin
		script = p.Script
		if p.Docker != nil {
			spec.Image = p.Docker.Image
		}
		if resolved.Dir != "" {
			target := path.Join(PluginRoot, p.Name)
			spec.Copies = append(spec.Copies, sandbox.Copy{Source: resolved.Dir, Target: target})
			spec.WorkDir = target
		}
	}

	if spec.Image == "" {
		return spec, fmt.Errorf("%w: task %s has no image", sandbox.ErrImageUnavailable, t.Name)
	}
	if script != "" {
		spec.Cmd = []string{"/bin/sh", "-c", script}
	}
	spec.Env = inputs.Environ()
	return spec, nil
}

// runContainer pulls, runs and waits for the task container. Once a
// container id is recorded on r, the container is removed on every path.
func (m *Manager) runContainer(ctx context.Context, t LocalDockerTask, spec sandbox.ContainerSpec, r *Result) error {
	if err := m.runtime.PullImage(ctx, spec.Image); err != nil {
		return err
	}

	defer func() {
		if !r.HasContainer() {
			return
		}
		if err := m.runtime.Remove(context.WithoutCancel(ctx), r.ContainerID); err != nil {
			m.logger.Warn("Failed to remove task container", "task", t.Name, "container", r.ContainerID, "error", err)
		}
	}()

	id, err := m.runtime.CreateAndStart(ctx, spec)
	r.ContainerID = id
	if err != nil {
		return err
	}

	out := m.output
	if out == nil {
		lw := sandbox.NewLineLogger(m.logger, "task", t.Name, "container", id)
		defer lw.Flush()
		out = lw
	}
	logCtx, stopLogs := context.WithCancel(ctx)
	defer stopLogs()
	go func() {
		if err := m.runtime.StreamLogs(logCtx, id, out, out); err != nil {
			m.logger.Debug("Task log stream ended", "task", t.Name, "error", err)
		}
	}()

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = m.timeout
	}
	finished, err := m.runtime.Wait(ctx, id, timeout)
	if err != nil && !finished {
		return err
	}
	if !finished {
		m.logger.Warn("Local task timed out", "task", t.Name, "container", id, "timeout", timeout)
		if err := m.runtime.Kill(ctx, id); err != nil {
			m.logger.Warn("Failed to kill task container", "task", t.Name, "container", id, "error", err)
		}
	}

	code, codeErr := m.runtime.ExitCode(ctx, id)
	if codeErr != nil {
		return codeErr
	}
	r.ExitCode = &code
	return err
}

func (m *Manager) finish(ctx context.Context, r *Result) {
	r.FinishAt = time.Now()
	if err := m.store.SaveTaskResult(context.WithoutCancel(ctx), r); err != nil {
		m.logger.Warn("Failed to save task result", "task", r.Name, "error", err)
	}
	code := -1
	if r.ExitCode != nil {
		code = *r.ExitCode
	}
	m.logger.Info("Local task finished", "task", r.Name, "job", r.JobID, "exit_code", code, "error", r.Err)
}
