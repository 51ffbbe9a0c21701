package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/pipeline-engine/metrics"
	"github.com/GoCodeAlone/pipeline-engine/tree"
	"github.com/GoCodeAlone/pipeline-engine/vars"
)

// Result is what a Dispatcher reports for a finished shell command.
type Result struct {
	Status   StepStatus
	ExitCode int
	// Outputs holds variables the command exported. Only names listed in the
	// command's EnvFilters are folded into the job context.
	Outputs  vars.Vars
	Error    string
	StartAt  time.Time
	FinishAt time.Time
}

// Dispatcher executes commands, locally or on a remote agent. A KILL command
// stops whatever the dispatcher is running and returns a nil Result.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd *CmdIn) (*Result, error)
}

// Store persists job and step records.
type Store interface {
	SaveJob(ctx context.Context, j *Job) error
	SaveStep(ctx context.Context, s *Step) error
}

// NotificationSink receives the enabled notifications of a finished job.
type NotificationSink interface {
	Notify(ctx context.Context, j *Job, n tree.Notification) error
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithNotificationSink hands enabled notifications to sink after each job.
func WithNotificationSink(sink NotificationSink) RunnerOption {
	return func(r *Runner) { r.notifier = sink }
}

// WithRunnerMetrics records step and job outcomes on c.
func WithRunnerMetrics(c *metrics.Collector) RunnerOption {
	return func(r *Runner) { r.metrics = c }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// Runner walks a NodeTree and drives each node through build, dispatch and
// status reduction.
type Runner struct {
	cmds       *CmdManager
	dispatcher Dispatcher
	store      Store
	notifier   NotificationSink
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cmds *CmdManager, dispatcher Dispatcher, store Store, opts ...RunnerOption) *Runner {
	r := &Runner{cmds: cmds, dispatcher: dispatcher, store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes every node of nt in order and leaves the final status on j.
//
// A failed step that does not allow failure sets the job status and causes
// the remaining steps to be SKIPPED; after-steps still run. A command that
// cannot be built is recorded as EXCEPTION and ends the walk. Canceling ctx
// sends a KILL command, records remaining nodes as KILLED and cancels the
// job. Run returns an error only when records cannot be persisted or a
// command cannot be built.
func (r *Runner) Run(ctx context.Context, j *Job, nt *tree.NodeTree) error {
	logger := r.logger.With("flow", j.FlowID, "job", j.ID, "build", j.BuildNumber)
	logger.Info("Job started", "nodes", nt.Len())

	j.setStatus(StatusRunning)
	if err := r.store.SaveJob(ctx, j); err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}

	var (
		failed   bool
		buildErr error
	)

	// Walk by position: a step and an after-step may share a path.
	for i := 0; i < nt.Len(); i++ {
		node := nt.At(i)
		step := NewStep(j, node)

		switch {
		case ctx.Err() != nil:
			step.Status = StepKilled
		case failed && !node.IsAfter():
			step.Status = StepSkipped
		}
		if step.Status.IsFinished() {
			if err := r.finish(ctx, step); err != nil {
				return err
			}
			continue
		}

		cmd, err := r.cmds.CreateShellCmd(ctx, j, node, step)
		if err != nil {
			logger.Error("Step command build failed", "node", node.Path(), "error", err)
			step.Status = StepException
			step.Error = err.Error()
			buildErr = fmt.Errorf("build command for %s: %w", node.Path(), err)
			j.setStatus(StatusFailure)
			j.Message = step.Error
			if err := r.finish(ctx, step); err != nil {
				return err
			}
			break
		}
		step.AllowFailure = cmd.AllowFailure

		if err := r.execute(ctx, j, cmd, step, logger); err != nil {
			return err
		}

		if !step.IsSuccess() && !failed {
			failed = true
			j.setStatus(ToJobStatus(step.Outcome()))
			j.Message = step.Error
		}
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		j.setStatus(StatusTimeout)
	case ctx.Err() != nil:
		j.setStatus(StatusCancelled)
	case !failed && buildErr == nil:
		j.setStatus(StatusSuccess)
	}
	j.FinishAt = time.Now()
	r.metrics.RecordJob(string(j.Status))
	logger.Info("Job finished", "status", j.Status)

	// Records must land even when ctx was canceled.
	saveCtx := context.WithoutCancel(ctx)
	if err := r.store.SaveJob(saveCtx, j); err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	r.notify(saveCtx, j, nt.Root(), logger)
	return buildErr
}

// execute dispatches cmd and folds its result into step and j.
func (r *Runner) execute(ctx context.Context, j *Job, cmd *CmdIn, step *Step, logger *slog.Logger) error {
	step.Status = StepRunning
	step.StartAt = time.Now()
	if err := r.store.SaveStep(context.WithoutCancel(ctx), step); err != nil {
		return fmt.Errorf("save step %s: %w", step.NodePath, err)
	}
	logger.Info("Step started", "node", step.NodePath, "cmd", cmd.ID)

	res, err := r.dispatcher.Dispatch(ctx, cmd)
	switch {
	case ctx.Err() != nil:
		r.kill(logger)
		step.Status = StepKilled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			step.Status = StepTimeout
		}
	case err != nil:
		step.Status = StepException
		step.Error = err.Error()
	case res == nil:
		step.Status = StepException
		step.Error = "dispatcher returned no result"
	default:
		step.Status = res.Status
		step.ExitCode = res.ExitCode
		step.Error = res.Error
		if !res.StartAt.IsZero() {
			step.StartAt = res.StartAt
		}
		step.FinishAt = res.FinishAt
		for _, name := range cmd.EnvFilters {
			if v, ok := res.Outputs.Get(name); ok {
				step.Outputs.Put(name, v)
				j.Context.Put(name, v)
			}
		}
	}
	if step.FinishAt.IsZero() {
		step.FinishAt = time.Now()
	}

	logger.Info("Step finished", "node", step.NodePath, "status", step.Status, "exitCode", step.ExitCode,
		"elapsed", step.FinishAt.Sub(step.StartAt))
	return r.finish(ctx, step)
}

func (r *Runner) kill(logger *slog.Logger) {
	kill := r.cmds.CreateKillCmd()
	if _, err := r.dispatcher.Dispatch(context.Background(), kill); err != nil {
		logger.Warn("Kill command failed", "cmd", kill.ID, "error", err)
	}
}

func (r *Runner) finish(ctx context.Context, step *Step) error {
	r.metrics.RecordStep(string(step.Status))
	if err := r.store.SaveStep(context.WithoutCancel(ctx), step); err != nil {
		return fmt.Errorf("save step %s: %w", step.NodePath, err)
	}
	return nil
}

func (r *Runner) notify(ctx context.Context, j *Job, flow *tree.FlowNode, logger *slog.Logger) {
	if r.notifier == nil {
		return
	}
	for _, n := range flow.Notifications {
		if !n.Enabled {
			continue
		}
		if err := r.notifier.Notify(ctx, j, n); err != nil {
			logger.Warn("Notification not sent", "plugin", n.Plugin, "error", err)
		}
	}
}
