package job

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/pipeline-engine/metrics"
	"github.com/GoCodeAlone/pipeline-engine/plugin"
	"github.com/GoCodeAlone/pipeline-engine/tree"
)

// CmdManagerOption configures a CmdManager.
type CmdManagerOption func(*CmdManager)

// WithCmdMetrics records command builds on c.
func WithCmdMetrics(c *metrics.Collector) CmdManagerOption {
	return func(m *CmdManager) { m.metrics = c }
}

// WithCmdLogger sets the logger.
func WithCmdLogger(l *slog.Logger) CmdManagerOption {
	return func(m *CmdManager) { m.logger = l }
}

// CmdManager builds commands for steps.
type CmdManager struct {
	plugins plugin.Resolver
	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewCmdManager creates a CmdManager resolving plugins through plugins.
func NewCmdManager(plugins plugin.Resolver, opts ...CmdManagerOption) *CmdManager {
	m := &CmdManager{plugins: plugins, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateShellCmd builds the command that runs node for step. Node
// environment overrides the job context; a plugin contributes its script,
// exports, allow-failure flag and, when it declares one, its container. The
// node's allow-failure flag is final. Containers are dropped when the job
// context sets VarDockerEnabled to false, whatever the node envs say. Plugin lookup errors are returned
// unchanged and no command is produced.
func (m *CmdManager) CreateShellCmd(ctx context.Context, j *Job, node *tree.StepNode, step *Step) (*CmdIn, error) {
	in := &CmdIn{
		ID:          step.ID,
		Type:        CmdShell,
		FlowID:      step.FlowID,
		JobID:       step.JobID,
		BuildNumber: step.BuildNumber,
		After:       step.After,
		Timeout:     j.Timeout,
	}
	if node.Timeout > 0 {
		in.Timeout = node.Timeout
	}

	in.NodePath = node.Path()
	in.Docker = node.Docker.Copy()
	in.AddScript(node.BeforeScript)
	in.AddScript(node.Script)
	in.AddEnvFilters(node.Exports...)
	in.Inputs.Merge(&j.Context).Merge(node.Environments())

	if node.HasPlugin() {
		if err := m.applyPlugin(ctx, node.Plugin, in); err != nil {
			m.metrics.RecordCommandBuilt(err)
			m.logger.Warn("Command build failed", "job", j.ID, "node", node.Path(), "plugin", node.Plugin, "error", err)
			return nil, err
		}
	}
	in.AddScript(node.AfterScript)

	if node.AllowFailure != in.AllowFailure {
		in.AllowFailure = node.AllowFailure
	}

	if !j.Context.GetBool(VarDockerEnabled, true) {
		in.Docker = nil
	}

	m.metrics.RecordCommandBuilt(nil)
	m.logger.Debug("Command built", "job", j.ID, "node", node.Path(), "cmd", in.ID)
	return in, nil
}

func (m *CmdManager) applyPlugin(ctx context.Context, name string, in *CmdIn) error {
	res, err := m.plugins.Resolve(ctx, name, &in.Inputs)
	if err != nil {
		return err
	}

	p := res.Plugin
	in.Plugin = name
	in.AllowFailure = p.AllowFailure
	in.AddEnvFilters(p.Exports...)
	in.AddScript(p.Script)
	if p.Docker != nil {
		in.Docker = p.Docker.Copy()
	}
	return nil
}

// CreateKillCmd returns a command that stops whatever the runner is executing.
func (m *CmdManager) CreateKillCmd() *CmdIn {
	return &CmdIn{ID: uuid.NewString(), Type: CmdKill}
}
