package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/backend"
	"github.com/aristath/swarm/internal/budget"
	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/logging"
	"github.com/aristath/swarm/internal/metrics"
	"github.com/aristath/swarm/internal/orchestrator"
	"github.com/aristath/swarm/internal/persistence"
	"github.com/aristath/swarm/internal/swarm"
	"github.com/aristath/swarm/internal/tui"
)

// shutdownTimeout bounds how long cleanup may take after the run ends.
const shutdownTimeout = 10 * time.Second

type runOptions struct {
	planFile    string
	useTUI      bool
	metricsAddr string
	dbPath      string
	noStore     bool
	budget      float64
	workers     int
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run [request]",
	Short: "Plan and execute a request",
	Long: `Decompose the request into tasks and execute them.

With --plan the task graph is read from a YAML file instead of being planned
by the planner agent; the request then defaults to the plan's own request.

The run is recorded in the audit database (store.path in the config, or --db)
unless --no-store is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cmd.Flags().Changed("budget") {
			cfg.Budget.CeilingPerRun = runOpts.budget
		}
		if cmd.Flags().Changed("workers") {
			cfg.Scheduler.MaxWorkers = runOpts.workers
		}
		if cmd.Flags().Changed("db") {
			cfg.Store.Path = runOpts.dbPath
		}
		if runOpts.noStore {
			cfg.Store.Path = ""
		}
		if runOpts.useTUI && len(cfg.Log.OutputPaths) == 0 {
			// The monitor owns the terminal
			cfg.Log.OutputPaths = []string{filepath.Join(config.DirName, "swarm.log")}
			if err := os.MkdirAll(config.DirName, 0755); err != nil {
				return err
			}
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		var plan *agent.Plan
		if runOpts.planFile != "" {
			if plan, err = agent.LoadPlan(runOpts.planFile); err != nil {
				return err
			}
		}

		request := ""
		if len(args) > 0 {
			request = args[0]
		} else if plan != nil {
			request = plan.Request
		}
		if request == "" {
			return errors.New("a request is required (argument or plan file)")
		}

		logger, err := logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		result, err := executeRun(ctx, cfg, request, plan, logger)
		if err != nil {
			return err
		}

		printSummary(cmd.OutOrStdout(), result)
		if result.Status != orchestrator.RunCompleted {
			if result.Err == nil {
				return fmt.Errorf("run %s %s", result.RunID, result.Status)
			}
			return fmt.Errorf("run %s %s: %w", result.RunID, result.Status, result.Err)
		}
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOpts.planFile, "plan", "", "Execute a hand-written YAML task graph instead of planning")
	f.BoolVar(&runOpts.useTUI, "tui", false, "Show the live monitor")
	f.StringVar(&runOpts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	f.StringVar(&runOpts.dbPath, "db", "", "Audit database path (overrides store.path)")
	f.BoolVar(&runOpts.noStore, "no-store", false, "Do not record the run")
	f.Float64Var(&runOpts.budget, "budget", 0, "Run budget ceiling in USD, 0 for none (overrides budget.ceiling_per_run)")
	f.IntVar(&runOpts.workers, "workers", 0, "Maximum concurrent tasks (overrides scheduler.max_workers)")
}

// executeRun wires the components for one run, executes it and persists the
// outcome. The returned error covers setup and persistence failures only; the
// run's own failure is reported in the result.
func executeRun(ctx context.Context, cfg *config.Config, request string, plan *agent.Plan, logger *zap.Logger) (orchestrator.RunResult, error) {
	pm := backend.NewProcessManager()
	// Kill tracked subprocesses as soon as a shutdown signal arrives
	stopKill := context.AfterFunc(ctx, func() {
		if err := pm.KillAll(); err != nil {
			logger.Warn("failed to kill subprocesses", zap.Error(err))
		}
	})
	defer stopKill()

	agents, err := buildAgents(cfg, pm, plan, logger)
	if err != nil {
		return orchestrator.RunResult{}, err
	}
	defer agents.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(metrics.DefaultNamespace, reg, logger)
	if runOpts.metricsAddr != "" {
		srv := serveMetrics(runOpts.metricsAddr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	bus := events.NewEventBus()

	var store persistence.Store
	var recorder *persistence.Recorder
	if cfg.Store.Path != "" {
		sqlStore, err := persistence.NewSQLiteStore(ctx, cfg.Store.Path)
		if err != nil {
			return orchestrator.RunResult{}, fmt.Errorf("opening store: %w", err)
		}
		defer sqlStore.Close()
		store = sqlStore
		recorder = persistence.NewRecorder(store, bus, logger)
		recorder.Start(context.WithoutCancel(ctx))
	}

	guard := budget.NewGuard(cfg.Limits(), cfg.CostTable().Estimate, logger)
	manager := swarm.NewManager(agents.planner, cfg.NewClassifier(), cfg.ManagerConfig(), logger)
	runner := orchestrator.NewRunner(cfg.RunnerConfig(), manager, agents.invoker, agents.reviewer, guard,
		orchestrator.WithEventBus(bus),
		orchestrator.WithMetrics(collector),
		orchestrator.WithLogger(logger),
	)

	var result orchestrator.RunResult
	if runOpts.useTUI {
		result, err = runWithMonitor(ctx, cfg, runner, bus, request)
		if err != nil {
			logger.Error("monitor failed", zap.Error(err))
		}
	} else {
		progressDone := watchProgress(bus.Subscribe(events.TopicProgress, progressBuffer), logger)
		result, _ = runner.Run(ctx, request)
		bus.Close()
		<-progressDone
	}

	failures := 0
	if recorder != nil {
		recorder.Wait()
		failures = recorder.Failures()
	}
	warnUnrecorded(logger, failures, bus.Dropped())

	if store != nil {
		if err := persistResult(context.WithoutCancel(ctx), store, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// runWithMonitor runs the request while the TUI shows its events. Quitting the
// monitor cancels the run.
func runWithMonitor(ctx context.Context, cfg *config.Config, runner *orchestrator.Runner, bus *events.EventBus, request string) (orchestrator.RunResult, error) {
	globalPath, projectPath, err := configPaths()
	if err != nil {
		return orchestrator.RunResult{}, err
	}
	model := tui.New(bus, cfg, globalPath, projectPath)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	done := make(chan orchestrator.RunResult, 1)
	go func() {
		result, _ := runner.Run(runCtx, request)
		bus.Close()
		done <- result
	}()

	p := tea.NewProgram(model, tea.WithAltScreen())
	stopQuit := context.AfterFunc(ctx, p.Quit)
	defer stopQuit()

	_, tuiErr := p.Run()
	cancelRun()

	select {
	case result := <-done:
		return result, tuiErr
	case <-time.After(shutdownTimeout):
		return orchestrator.RunResult{}, errors.New("run did not stop after the monitor exited")
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

// persistResult writes the final run summary and task snapshot.
func persistResult(ctx context.Context, store persistence.Store, result orchestrator.RunResult) error {
	if result.RunID == "" {
		return nil
	}
	run := persistence.Run{
		ID:         result.RunID,
		Request:    result.Request,
		Status:     string(result.Status),
		Consumed:   result.Budget.Consumed,
		Overrun:    result.Budget.Overrun,
		Pivots:     result.Pivots,
		FinishedAt: time.Now(),
	}
	if result.Err != nil {
		run.Error = result.Err.Error()
	}
	if err := store.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("saving run: %w", err)
	}
	if err := store.SaveSnapshot(ctx, result.RunID, result.Tasks); err != nil {
		return fmt.Errorf("saving task snapshot: %w", err)
	}
	return nil
}

func printSummary(w io.Writer, result orchestrator.RunResult) {
	fmt.Fprintf(w, "Run %s: %s in %v\n", result.RunID, result.Status, result.Duration.Round(time.Millisecond))
	if result.Budget.CeilingPerRun > 0 {
		fmt.Fprintf(w, "Budget: $%.4f of $%.2f", result.Budget.Consumed, result.Budget.CeilingPerRun)
	} else {
		fmt.Fprintf(w, "Budget: $%.4f", result.Budget.Consumed)
	}
	if result.Budget.Overrun > 0 {
		fmt.Fprintf(w, " (overrun $%.4f)", result.Budget.Overrun)
	}
	fmt.Fprintf(w, ", pivots: %d\n", result.Pivots)
	if result.Err != nil {
		fmt.Fprintf(w, "Error: %v\n", result.Err)
	}
	if len(result.Tasks) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tROLE\tSTATUS\tTIER\tRETRIES\tCOST")
	for _, task := range result.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t$%.4f\n",
			task.ID, task.Role, task.Status, task.AssignedTier, task.RetryCount, task.CostAccrued)
	}
	tw.Flush()
}
