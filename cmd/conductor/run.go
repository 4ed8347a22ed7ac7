package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/decompose"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/orchestrator"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/tui"
)

// errIncomplete is returned when any request did not complete.
var errIncomplete = errors.New("one or more requests did not complete")

func newRunCmd(a *app) *cobra.Command {
	var (
		f           requestFlags
		file        string
		dryRun      bool
		approveAll  bool
		useTUI      bool
		metricsAddr string
		actor       string
	)
	cmd := &cobra.Command{
		Use:   "run [description]",
		Short: "Plan and execute requests",
		Long: `Plan and execute one request from the command line, or a batch from a
YAML file with --file.

Gates wait for approvals. Approve them from the dashboard (--tui), or
approve everything automatically with --approve-all.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := collectRequests(&f, file, args)
			if err != nil {
				return err
			}
			if dryRun {
				return planOnly(cmd, a, reqs)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := a.logger
			if useTUI {
				// The dashboard owns the terminal.
				lf, err := openLogFile(a.projectConfig)
				if err != nil {
					return err
				}
				defer lf.Close()
				logger = logging.New(logging.Config{Level: a.cfg.Logging.Level, Format: a.cfg.Logging.Format, Output: lf})
			}

			rt, err := orchestrator.FromConfig(ctx, a.cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					logger.Error("shutdown failed", "error", err)
				}
			}()

			if metricsAddr == "" {
				metricsAddr = a.cfg.Metrics.Addr
			}
			if metricsAddr != "" {
				srv := serveMetrics(metricsAddr, rt.Registry, logger)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}
			if approveAll {
				rt.AutoApprove(ctx, actor)
			}

			var results []orchestrator.Result
			if useTUI {
				results, err = runWithTUI(ctx, stop, a, rt, reqs, actor, logger)
				if err != nil {
					return err
				}
			} else {
				results = rt.SubmitAll(ctx, reqs)
			}
			return report(cmd.OutOrStdout(), results)
		},
	}

	f.bindRequest(cmd)
	fs := cmd.Flags()
	fs.StringVarP(&file, "file", "f", "", "YAML file with a batch of requests")
	fs.BoolVar(&dryRun, "dry-run", false, "plan only; print the task graphs")
	fs.BoolVar(&approveAll, "approve-all", false, "approve every gate automatically")
	fs.BoolVar(&useTUI, "tui", false, "show the live dashboard")
	fs.StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	fs.StringVar(&actor, "actor", defaultActor(), "name recorded on approvals")
	return cmd
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func collectRequests(f *requestFlags, file string, args []string) ([]decompose.Request, error) {
	if file != "" {
		if len(args) > 0 {
			return nil, errors.New("pass a description or --file, not both")
		}
		return loadRequests(file)
	}
	desc, err := description(args)
	if err != nil {
		return nil, err
	}
	req, err := f.request(desc)
	if err != nil {
		return nil, err
	}
	return []decompose.Request{req}, nil
}

func planOnly(cmd *cobra.Command, a *app, reqs []decompose.Request) error {
	d, _, _, _, err := orchestrator.NewDecomposer(a.cfg, a.logger)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	for _, req := range reqs {
		plan, err := d.Decompose(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Fprint(w, plan.Summary())
	}
	return nil
}

func openLogFile(projectConfig string) (*os.File, error) {
	path := filepath.Join(filepath.Dir(projectConfig), "conductor.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}

// runWithTUI runs the requests behind the dashboard. Quitting the dashboard
// cancels any plan still executing.
func runWithTUI(ctx context.Context, stop context.CancelFunc, a *app, rt *orchestrator.Runtime, reqs []decompose.Request, actor string, logger *slog.Logger) ([]orchestrator.Result, error) {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	model := tui.New(rt.Bus(), tui.Options{
		Approver:    rt.Engine,
		Actor:       actor,
		Config:      a.cfg,
		GlobalPath:  a.globalConfig,
		ProjectPath: a.projectConfig,
	})
	p := tea.NewProgram(model, tea.WithAltScreen())

	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	resultsChan := make(chan []orchestrator.Result, 1)
	go func() {
		resultsChan <- rt.SubmitAll(runCtx, reqs)
	}()

	select {
	case err := <-errChan:
		// User quit the dashboard.
		cancelRun()
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		// Restore default signal handling so a second Ctrl+C force-exits.
		stop()
		logger.Info("shutdown signal received, cleaning up")
		if err := rt.Procs.KillAll(); err != nil {
			logger.Error("failed to kill executor processes", "error", err)
		}
		p.Quit()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case err := <-errChan:
			if err != nil {
				logger.Error("dashboard exit error", "error", err)
			}
		case <-shutdownCtx.Done():
			logger.Warn("shutdown timeout exceeded, forcing exit")
		}
	}
	return <-resultsChan, nil
}

func report(w io.Writer, results []orchestrator.Result) error {
	incomplete := false
	for i, r := range results {
		if i > 0 {
			fmt.Fprintln(w)
		}
		if r.Plan != nil {
			heading.Fprintf(w, "Plan %s (%s, score %d, team %s)\n", r.Plan.ID, r.Plan.Strategy, r.Plan.Assessment.Score, r.Plan.Team)
		}
		switch {
		case r.Err != nil:
			incomplete = true
			bad.Fprintf(w, "✗ %v\n", r.Err)
			if r.Outcome != nil {
				printTasks(w, r.Outcome.Tasks)
			}
		case r.Plan != nil && r.Plan.Outcome == decompose.OutcomeClarificationRequired:
			incomplete = true
			warn.Fprintf(w, "? clarification required: %s\n", r.Plan.Question)
		case r.Outcome != nil:
			c := taskColor(r.Outcome.Status)
			c.Fprintf(w, "%s\n", r.Outcome.Status)
			printTasks(w, r.Outcome.Tasks)
			if r.Outcome.Status != scheduler.StatusCompleted {
				incomplete = true
			}
		}
	}
	if incomplete {
		return errIncomplete
	}
	return nil
}
