// Package runner executes job commands on the engine host, either in a
// container or directly in a shell.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/GoCodeAlone/pipeline-engine/job"
	"github.com/GoCodeAlone/pipeline-engine/sandbox"
)

// ContainerWorkspace is where the host work directory is mounted inside
// step containers.
const ContainerWorkspace = "/ws"

// ErrNoRuntime is returned for container commands when the runner has no
// container runtime.
var ErrNoRuntime = errors.New("no container runtime configured")

var errKilled = errors.New("killed")

// LocalOption configures a Local runner.
type LocalOption func(*Local)

// WithRuntime runs commands that carry a docker option in containers.
func WithRuntime(rt sandbox.Runtime) LocalOption {
	return func(l *Local) { l.runtime = rt }
}

// WithWorkDir sets the host directory commands run in. It is bind-mounted at
// ContainerWorkspace for container commands.
func WithWorkDir(dir string) LocalOption {
	return func(l *Local) { l.workDir = dir }
}

// WithShell sets the shell used for host commands. Defaults to /bin/sh.
func WithShell(shell string) LocalOption {
	return func(l *Local) { l.shell = shell }
}

// WithOutput sends command output to w instead of the logger.
func WithOutput(w io.Writer) LocalOption {
	return func(l *Local) { l.output = w }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LocalOption {
	return func(l *Local) { l.logger = logger }
}

// Local is a job.Dispatcher that runs commands on this host.
type Local struct {
	runtime sandbox.Runtime
	workDir string
	shell   string
	output  io.Writer
	logger  *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// NewLocal creates a local runner.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		shell:   "/bin/sh",
		running: make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Dispatch implements job.Dispatcher. A KILL command stops every running
// command and returns a nil result.
func (l *Local) Dispatch(ctx context.Context, cmd *job.CmdIn) (*job.Result, error) {
	switch cmd.Type {
	case job.CmdKill:
		l.killAll()
		return nil, nil
	case job.CmdShell:
	default:
		return nil, fmt.Errorf("unsupported command type %q", cmd.Type)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	l.track(cmd.ID, cancel)
	defer l.untrack(cmd.ID)

	timeout := time.Duration(cmd.Timeout) * time.Second
	if timeout <= 0 {
		timeout = job.DefaultTimeout * time.Second
	}

	res := &job.Result{StartAt: time.Now()}
	marker := exportMarker(cmd.ID)
	out := l.output
	if out == nil {
		lw := sandbox.NewLineLogger(l.logger, "cmd", cmd.ID, "node", cmd.NodePath)
		defer lw.Flush()
		out = lw
	}
	capture := newExportCapture(out, marker)
	script := wrapScript(cmd.Script(), marker)

	var err error
	if cmd.Docker != nil {
		err = l.runContainer(runCtx, cmd, script, timeout, capture, out, res)
	} else {
		err = l.runShell(runCtx, cmd, script, timeout, capture, out, res)
	}
	capture.Flush()
	res.FinishAt = time.Now()

	switch {
	case err != nil:
		return nil, err
	case res.Status == job.StepSuccess:
		res.Outputs = capture.Outputs(cmd.EnvFilters)
	}
	l.logger.Debug("Command finished", "cmd", cmd.ID, "status", res.Status, "exitCode", res.ExitCode)
	return res, nil
}

func (l *Local) runShell(ctx context.Context, cmd *job.CmdIn, script string, timeout time.Duration, stdout io.Writer, stderr io.Writer, res *job.Result) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, l.shell, "-c", script) //nolint:gosec // script comes from the pipeline definition
	c.Env = append(os.Environ(), cmd.Inputs.Environ()...)
	c.Dir = l.workDir
	c.Stdout = stdout
	c.Stderr = stderr
	c.WaitDelay = 5 * time.Second
	killGroup(c)

	err := c.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.Status = job.StepSuccess
	case ctx.Err() != nil:
		l.interrupted(ctx, res, timeout)
	case errors.As(err, &exitErr):
		res.Status = job.StepException
		res.ExitCode = exitErr.ExitCode()
		res.Error = fmt.Sprintf("exit status %d", res.ExitCode)
	default:
		return fmt.Errorf("run %s: %w", cmd.NodePath, err)
	}
	return nil
}

func (l *Local) runContainer(ctx context.Context, cmd *job.CmdIn, script string, timeout time.Duration, stdout io.Writer, stderr io.Writer, res *job.Result) error {
	if l.runtime == nil {
		return fmt.Errorf("%w: %s requires image %s", ErrNoRuntime, cmd.NodePath, cmd.Docker.Image)
	}
	spec := sandbox.ContainerSpec{
		Image:       cmd.Docker.Image,
		Cmd:         []string{"/bin/sh", "-c", script},
		Entrypoint:  cmd.Docker.Entrypoint,
		Env:         cmd.Inputs.Environ(),
		User:        cmd.Docker.User,
		NetworkMode: cmd.Docker.NetworkMode,
		Ports:       cmd.Docker.Ports,
	}
	if l.workDir != "" {
		spec.Mounts = []sandbox.Mount{{Source: l.workDir, Target: ContainerWorkspace}}
		spec.WorkDir = ContainerWorkspace
	}

	if err := l.runtime.PullImage(ctx, spec.Image); err != nil {
		return err
	}
	id, err := l.runtime.CreateAndStart(ctx, spec)
	if id != "" {
		defer func() {
			if err := l.runtime.Remove(context.WithoutCancel(ctx), id); err != nil {
				l.logger.Warn("Failed to remove step container", "container", id, "error", err)
			}
		}()
	}
	if err != nil {
		return err
	}

	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		if err := l.runtime.StreamLogs(context.WithoutCancel(ctx), id, stdout, stderr); err != nil {
			l.logger.Debug("Step log stream ended", "container", id, "error", err)
		}
	}()

	finished, err := l.runtime.Wait(ctx, id, timeout)
	if !finished {
		if kerr := l.runtime.Kill(context.WithoutCancel(ctx), id); kerr != nil {
			l.logger.Warn("Failed to kill step container", "container", id, "error", kerr)
		}
		if err != nil && ctx.Err() == nil {
			return err
		}
		<-logsDone
		if ctx.Err() != nil {
			l.interrupted(ctx, res, timeout)
		} else {
			res.Status = job.StepTimeout
			res.Error = fmt.Sprintf("timed out after %s", timeout)
		}
		return nil
	}
	// The log stream ends with the container; exports follow the logs.
	<-logsDone

	code, codeErr := l.runtime.ExitCode(context.WithoutCancel(ctx), id)
	if codeErr != nil {
		return codeErr
	}
	res.ExitCode = code
	switch {
	case err != nil:
		res.Status = job.StepException
		res.Error = err.Error()
	case code != 0:
		res.Status = job.StepException
		res.Error = fmt.Sprintf("exit status %d", code)
	default:
		res.Status = job.StepSuccess
	}
	return nil
}

// interrupted records why a command stopped before completing.
func (l *Local) interrupted(ctx context.Context, res *job.Result, timeout time.Duration) {
	switch {
	case errors.Is(context.Cause(ctx), errKilled):
		res.Status = job.StepKilled
		res.Error = "killed"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Status = job.StepTimeout
		res.Error = fmt.Sprintf("timed out after %s", timeout)
	default:
		res.Status = job.StepKilled
		res.Error = ctx.Err().Error()
	}
}

func (l *Local) track(id string, cancel context.CancelCauseFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running[id] = cancel
}

func (l *Local) untrack(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.running, id)
}

func (l *Local) killAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, cancel := range l.running {
		l.logger.Info("Killing command", "cmd", id)
		cancel(errKilled)
	}
}
