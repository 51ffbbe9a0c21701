package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/GoCodeAlone/pipeline-engine/config"
	"github.com/GoCodeAlone/pipeline-engine/job"
	"github.com/GoCodeAlone/pipeline-engine/metrics"
	"github.com/GoCodeAlone/pipeline-engine/plugin"
	"github.com/GoCodeAlone/pipeline-engine/runner"
	"github.com/GoCodeAlone/pipeline-engine/sandbox"
	"github.com/GoCodeAlone/pipeline-engine/scale"
	"github.com/GoCodeAlone/pipeline-engine/store"
	"github.com/GoCodeAlone/pipeline-engine/task"
	"github.com/GoCodeAlone/pipeline-engine/tree"
	"github.com/GoCodeAlone/pipeline-engine/vars"
)

// engine holds the components shared by the run, task and serve commands.
type engine struct {
	cfg      *config.EngineConfig
	logger   *slog.Logger
	metrics  *metrics.Collector
	store    store.Store
	resolver plugin.Resolver
	docker   *sandbox.DockerRuntime
	tasks    *task.Manager
	limiter  *scale.KeyedLimiter
	workDir  string
	output   io.Writer

	buildMu sync.Mutex
}

func newLogger(cfg *config.EngineConfig) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

func newEngine(cfg *config.EngineConfig, logger *slog.Logger) (*engine, error) {
	e := &engine{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewCollector(),
		limiter: scale.NewKeyedLimiter(cfg.MaxJobsPerFlow),
	}

	var err error
	if cfg.DBPath != "" {
		e.store, err = store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, err
		}
	} else {
		e.store = store.NewMemoryStore()
	}

	if cfg.PluginDir != "" {
		e.resolver = plugin.NewDirResolver(cfg.PluginDir, logger)
	} else {
		e.resolver = plugin.NewStaticResolver()
	}

	e.docker, err = sandbox.NewDockerRuntime(cfg.DockerHost, logger)
	if err != nil {
		e.store.Close()
		return nil, err
	}

	poolCfg := scale.DefaultWorkerPoolConfig()
	poolCfg.MaxWorkers = cfg.Workers
	poolCfg.QueueSize = cfg.QueueSize
	e.tasks = task.NewManager(e.docker, e.resolver, e.store,
		task.WithPoolConfig(poolCfg),
		task.WithDefaultTimeout(cfg.DefaultTaskTimeout),
		task.WithTaskMetrics(e.metrics),
		task.WithTaskLogger(logger),
	)

	if e.workDir, err = os.Getwd(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// Close releases the store and the Docker client.
func (e *engine) Close() error {
	var errs []error
	if e.docker != nil {
		errs = append(errs, e.docker.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	return errors.Join(errs...)
}

// nextBuild returns the next build number of a flow.
func (e *engine) nextBuild(ctx context.Context, flow string) (int64, error) {
	jobs, err := e.store.ListJobs(ctx, flow)
	if err != nil {
		return 0, fmt.Errorf("list jobs of %s: %w", flow, err)
	}
	var last int64
	for _, j := range jobs {
		if j.BuildNumber > last {
			last = j.BuildNumber
		}
	}
	return last + 1, nil
}

// runFlow creates a job for flow, seeds extra context and runs it with the
// local dispatcher. Notifications go to the task manager, which must be
// started. A flow already running max_jobs_per_flow jobs is rejected with
// scale.ErrLimitExceeded.
func (e *engine) runFlow(ctx context.Context, flow *tree.FlowNode, extra *vars.Vars) (*job.Job, error) {
	release, err := e.limiter.Acquire(flow.Name())
	if err != nil {
		return nil, err
	}
	defer release()

	e.buildMu.Lock()
	build, err := e.nextBuild(ctx, flow.Name())
	if err != nil {
		e.buildMu.Unlock()
		return nil, err
	}
	j := job.New(flow, build)
	if err := e.store.SaveJob(ctx, j); err != nil {
		e.buildMu.Unlock()
		return nil, err
	}
	e.buildMu.Unlock()

	if extra != nil {
		j.Context.Merge(extra)
	}

	local := runner.NewLocal(
		runner.WithRuntime(e.docker),
		runner.WithWorkDir(e.workDir),
		runner.WithOutput(e.output),
		runner.WithLogger(e.logger),
	)
	cmds := job.NewCmdManager(e.resolver,
		job.WithCmdMetrics(e.metrics),
		job.WithCmdLogger(e.logger),
	)
	r := job.NewRunner(cmds, local, e.store,
		job.WithNotificationSink(e.tasks),
		job.WithRunnerMetrics(e.metrics),
		job.WithRunnerLogger(e.logger),
	)
	err = r.Run(ctx, j, tree.NewNodeTree(flow))
	return j, err
}
