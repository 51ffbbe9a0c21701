package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/pipeline-engine/config"
	"github.com/GoCodeAlone/pipeline-engine/job"
	"github.com/GoCodeAlone/pipeline-engine/plugin"
	"github.com/GoCodeAlone/pipeline-engine/scheduler"
	"github.com/GoCodeAlone/pipeline-engine/tree"
)

const shutdownTimeout = 30 * time.Second

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "engine.yml", "Engine config file")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: flowctl serve [options]\n\nSchedule the flows in flow_dir, reload them on change and serve metrics.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.NewCronScheduler(func(ctx context.Context, flow *tree.FlowNode) error {
		j, err := e.runFlow(ctx, flow, nil)
		if err != nil {
			return err
		}
		if j.Status != job.StatusSuccess {
			return fmt.Errorf("job %s #%d finished with status %s", j.FlowID, j.BuildNumber, j.Status)
		}
		return nil
	}, logger)

	var watcher *config.DefinitionWatcher
	if cfg.FlowDir != "" {
		flows, err := config.LoadDefinitions(cfg.FlowDir)
		if err != nil {
			logger.Warn("Some definitions failed to compile", "dir", cfg.FlowDir, "error", err)
		}
		for _, flow := range flows {
			if err := sched.Register(flow); err != nil {
				logger.Warn("Flow not scheduled", "flow", flow.Name(), "error", err)
			}
		}
		watcher = config.NewDefinitionWatcher(cfg.FlowDir, func(evt config.DefinitionEvent) {
			switch {
			case evt.Removed:
				if err := sched.Remove(evt.Name); err != nil && !errors.Is(err, scheduler.ErrNotFound) {
					logger.Warn("Failed to unschedule flow", "flow", evt.Name, "error", err)
				}
			case evt.Err != nil:
				logger.Warn("Keeping previous definition", "flow", evt.Name, "error", evt.Err)
			default:
				if err := sched.Register(evt.Flow); err != nil {
					logger.Warn("Flow not scheduled", "flow", evt.Name, "error", err)
				}
			}
		}, config.WithWatchLogger(logger))
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+e.metrics.MetricsPath(), e.metrics.Handler())
	scheduler.NewHandler(sched).RegisterRoutes(mux)
	newJobsHandler(e.store).RegisterRoutes(mux)
	if l, ok := e.resolver.(plugin.Lister); ok {
		(&pluginsHandler{plugins: l}).RegisterRoutes(mux)
	}
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := e.tasks.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return sched.Stop(stopCtx)
	})
	if watcher != nil {
		g.Go(func() error {
			if err := watcher.Start(); err != nil {
				return err
			}
			<-gctx.Done()
			return watcher.Stop()
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), e.tasks.Stop(shutdownCtx))
	})

	logger.Info("Engine started", "flows", len(sched.List()), "workers", cfg.Workers)
	err = g.Wait()
	logger.Info("Engine stopped")
	return err
}
