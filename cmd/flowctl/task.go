package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoCodeAlone/pipeline-engine/config"
	"github.com/GoCodeAlone/pipeline-engine/task"
)

func runTask(args []string) error {
	fs := flag.NewFlagSet("task", flag.ExitOnError)
	name := fs.String("name", "local-task", "Task name")
	image := fs.String("image", "", "Container image")
	script := fs.String("script", "", "Script run with /bin/sh -c")
	pluginName := fs.String("plugin", "", "Plugin to run instead of the script")
	timeout := fs.Duration("timeout", 0, "Task timeout (default: engine default_task_timeout)")
	configPath := fs.String("config", "", "Engine config file")
	var env envFlag
	fs.Var(&env, "e", "Task input KEY=VALUE (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: flowctl task -image <image> -script <script> [options]\n\nRun a local container task and print its result.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *image == "" && *pluginName == "" {
		fs.Usage()
		return fmt.Errorf("-image or -plugin is required")
	}

	cfg, err := config.LoadEngineConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	e, err := newEngine(cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res := e.tasks.Execute(ctx, task.LocalDockerTask{
		Name:    *name,
		Image:   *image,
		Script:  *script,
		Plugin:  *pluginName,
		Inputs:  env.vars,
		Timeout: *timeout,
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.IsSuccess() {
		return fmt.Errorf("task %s failed after %s", res.Name, res.FinishAt.Sub(res.CreatedAt).Round(time.Millisecond))
	}
	return nil
}
