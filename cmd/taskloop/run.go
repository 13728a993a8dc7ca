package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	taskhttp "github.com/fyrsmithlabs/taskloop/internal/http"
	"github.com/fyrsmithlabs/taskloop/internal/logging"
	"github.com/fyrsmithlabs/taskloop/internal/orchestrator"
)

type runOptions struct {
	serve   bool
	resume  string
	jsonOut bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   `run "<task>"`,
		Short: "Run a task to completion",
		Long: `Run plans the task, executes each subtask against the project workspace
and replans until the task is complete, fails, or is interrupted.

The first interrupt cancels the session before its next step and saves a
checkpoint; a second interrupt aborts immediately.

Examples:
  # Run a task in the current directory
  taskloop run "add a --verbose flag to the CLI"

  # Serve the inspection API while the task runs
  taskloop run --serve "fix the failing tests"

  # Resume an interrupted session
  taskloop run --resume 3f2c9a4e-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd, args, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.serve, "serve", false, "serve the inspection HTTP API during the run")
	cmd.Flags().StringVar(&opts.resume, "resume", "", "resume the checkpointed session with this id")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print the final report as JSON")
	return cmd
}

func runTask(cmd *cobra.Command, args []string, opts runOptions) error {
	task := strings.TrimSpace(strings.Join(args, " "))
	if task == "" && opts.resume == "" {
		return errors.New("a task or --resume is required")
	}
	if task != "" && opts.resume != "" {
		return errors.New("a task and --resume are mutually exclusive")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	orch, err := a.buildOrchestrator()
	if err != nil {
		return err
	}

	run, err := prepareRun(ctx, a, orch, task, opts.resume)
	if err != nil {
		return err
	}
	ctx = logging.WithSessionID(ctx, run.ID())

	if opts.serve || a.cfg.Server.Enabled {
		stop, err := startServer(ctx, a, orch)
		if err != nil {
			return err
		}
		defer stop()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			a.logger.Warn(ctx, "interrupt received, cancelling session", zap.String("signal", sig.String()))
			run.Cancel("interrupted by " + sig.String())
		case <-run.Done():
			return
		}
		select {
		case <-sigCh:
			cancel()
		case <-run.Done():
		}
	}()

	rep, runErr := run.Execute(ctx)

	out := cmd.OutOrStdout()
	if opts.jsonOut {
		if err := writeJSON(out, rep); err != nil {
			return err
		}
	} else {
		printReport(out, rep)
	}

	if runErr != nil {
		return fmt.Errorf("session %s %s: %w", rep.SessionID, rep.State, runErr)
	}
	return nil
}

// prepareRun creates a new run for task or restores the checkpoint named
// by resume.
func prepareRun(ctx context.Context, a *app, orch *orchestrator.Orchestrator, task, resume string) (*orchestrator.Run, error) {
	if resume == "" {
		return orch.Prepare(task)
	}
	store, err := a.requireStore()
	if err != nil {
		return nil, err
	}
	snap, err := store.Load(ctx, resume)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", resume, err)
	}
	run, err := orch.Resume(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to resume %s: %w", resume, err)
	}
	a.logger.Info(ctx, "resuming session",
		zap.String("session.id", run.ID()),
		zap.String("state", string(snap.State)))
	return run, nil
}

// startServer serves the inspection API in the background and returns a
// function that shuts it down.
func startServer(ctx context.Context, a *app, orch *orchestrator.Orchestrator) (func(), error) {
	var cps taskhttp.Checkpoints
	if a.store != nil {
		cps = a.store
	}
	srv, err := taskhttp.NewServer(orch.Runs(), cps, a.logger.Zap(), &taskhttp.Config{
		Host: a.cfg.Server.Host,
		Port: a.cfg.Server.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create http server: %w", err)
	}

	go func() {
		if err := srv.Start(); err != nil {
			a.logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	}()

	return func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			a.logger.Warn(sctx, "http server shutdown failed", zap.Error(err))
		}
	}, nil
}
