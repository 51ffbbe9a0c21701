package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/GoCodeAlone/pipeline-engine/config"
	"github.com/GoCodeAlone/pipeline-engine/job"
	"github.com/GoCodeAlone/pipeline-engine/tree"
	"github.com/GoCodeAlone/pipeline-engine/vars"
)

// errTriggerFiltered is returned when a flow's trigger filter rejects the
// branch or tag being built.
var errTriggerFiltered = errors.New("flow trigger does not match")

// envFlag collects repeated -e KEY=VALUE flags.
type envFlag struct {
	vars vars.Vars
}

func (f *envFlag) String() string {
	return strings.Join(f.vars.Environ(), ",")
}

func (f *envFlag) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", s)
	}
	f.vars.Put(key, value)
	return nil
}

// admitFlow checks that flow accepts the branch or tag being built and, when
// labels are given, that the local agent satisfies the flow's selector.
func admitFlow(flow *tree.FlowNode, branch, tag string, labels []string) error {
	if !flow.Trigger.Match(branch, tag) {
		return fmt.Errorf("%w: flow %s, branch %q, tag %q", errTriggerFiltered, flow.Name(), branch, tag)
	}
	if len(labels) > 0 && !flow.Selector.Match(labels) {
		return fmt.Errorf("flow %s requires agent labels %v, have %v", flow.Name(), flow.Selector.Labels, labels)
	}
	return nil
}

func splitLabels(s string) []string {
	var out []string
	for _, l := range strings.Split(s, ",") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func runRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	file := fs.String("f", "", "Pipeline definition file")
	name := fs.String("name", "", "Flow name (default: file name without extension)")
	configPath := fs.String("config", "", "Engine config file")
	branch := fs.String("branch", "", "Branch being built, checked against the flow trigger")
	tag := fs.String("tag", "", "Tag being built, checked against the flow trigger")
	labels := fs.String("labels", "", "Comma-separated labels of this agent, checked against the flow selector")
	var env envFlag
	fs.Var(&env, "e", "Job context variable KEY=VALUE (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: flowctl run -f <flow.yml> [options]\n\nRun a pipeline locally and wait for its notifications.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	flow, err := loadFlow(*file, *name)
	if err != nil {
		return err
	}
	if err := admitFlow(flow, *branch, *tag, splitLabels(*labels)); err != nil {
		if errors.Is(err, errTriggerFiltered) {
			fmt.Printf("flow %s skipped: trigger does not match\n", flow.Name())
			return nil
		}
		return err
	}
	cfg, err := config.LoadEngineConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg)
	e, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer e.Close()
	e.output = os.Stdout

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := e.tasks.Start(ctx); err != nil {
		return err
	}
	j, runErr := e.runFlow(ctx, flow, &env.vars)

	// Let submitted notification tasks finish.
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.DefaultTaskTimeout+time.Minute)
	defer cancel()
	if err := e.tasks.Stop(stopCtx); err != nil {
		logger.Warn("Task pool did not drain", "error", err)
	}

	if j != nil {
		fmt.Printf("job %s #%d: %s\n", j.FlowID, j.BuildNumber, j.Status)
		if j.Message != "" {
			fmt.Printf("  %s\n", j.Message)
		}
	}
	if runErr != nil {
		return runErr
	}
	if j.Status != job.StatusSuccess {
		return fmt.Errorf("job finished with status %s", j.Status)
	}
	return nil
}
