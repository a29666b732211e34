package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/devstack/internal/catalog"
	"github.com/Iron-Ham/devstack/internal/errors"
	"github.com/Iron-Ham/devstack/internal/manifest"
	"github.com/Iron-Ham/devstack/internal/metrics"
	"github.com/Iron-Ham/devstack/internal/pipeline"
	"github.com/Iron-Ham/devstack/internal/progress"
	"github.com/Iron-Ham/devstack/internal/provision"
	"github.com/Iron-Ham/devstack/internal/report"
	"github.com/Iron-Ham/devstack/internal/retry"
	"github.com/Iron-Ham/devstack/internal/stage"
	"github.com/Iron-Ham/devstack/internal/vcs"
)

var runCmd = &cobra.Command{
	Use:   "run [namespace] [unit|glob...]",
	Short: "Set up, build and start the stack",
	Long: `Run clones or syncs every requested unit, overlays its config for the
namespace, generates the compose manifest, builds the images in parallel and
starts whatever built, next to the Redis dependency.

The first argument is taken as the namespace unless it names a unit or is a
pattern. Without units every enabled service runs.

Examples:
  # Everything, in the configured default namespace
  devstack run

  # Namespace s2, two units
  devstack run s2 api web

  # Every unit whose name starts with "billing-", plus their workers
  devstack run s1 'billing-*' --include-workers`,
	RunE: runRun,
}

var restartCmd = &cobra.Command{
	Use:   "restart [namespace] [unit|glob...]",
	Short: "Stop the stack, reset the dependency and run again",
	RunE:  runRestart,
}

var (
	runRefresh         bool
	runIncludeWorkers  bool
	runLocalDependency bool
	runWithDashboard   bool
	runMaxParallel     int
	runNamespace       string
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(restartCmd)

	for _, c := range []*cobra.Command{runCmd, restartCmd} {
		c.Flags().BoolVar(&runRefresh, "refresh", false, "Discard local changes and fast-forward every unit")
		c.Flags().BoolVar(&runIncludeWorkers, "include-workers", false, "Add the workers of every requested service")
		c.Flags().BoolVar(&runLocalDependency, "local-dependency", false, "Run the dependency as a local container instead of forwarding it")
		c.Flags().BoolVar(&runWithDashboard, "dashboard", false, "Start the HTTP dashboard in the background")
		c.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "Concurrent setup and build tasks (default from config)")
		c.Flags().StringVarP(&runNamespace, "namespace", "n", "", "Namespace (overrides the positional argument)")
	}
}

// splitRunArgs separates the optional leading namespace from the unit
// arguments. The first argument is a namespace when it is neither a
// declared unit nor a pattern.
func splitRunArgs(cat *catalog.Catalog, args []string, defaultNamespace string) (string, []string) {
	if len(args) == 0 {
		return defaultNamespace, nil
	}
	first := args[0]
	if _, isUnit := cat.Get(first); isUnit || strings.ContainsAny(first, "*?[{") {
		return defaultNamespace, args
	}
	return first, args[1:]
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws, err := openWorkspace(true)
	if err != nil {
		return err
	}
	defer ws.Close()

	lock, err := ws.lock("run")
	if err != nil {
		return err
	}
	defer lock.Release()

	plan, err := planRun(ws, args)
	if err != nil {
		return err
	}
	return executeRun(ctx, cmd.OutOrStdout(), ws, plan)
}

func runRestart(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws, err := openWorkspace(true)
	if err != nil {
		return err
	}
	defer ws.Close()

	lock, err := ws.lock("restart")
	if err != nil {
		return err
	}
	defer lock.Release()

	// A request that cannot be resolved leaves the running stack alone.
	plan, err := planRun(ws, args)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if err := stopStack(ctx, out, ws, plan.namespace, false); err != nil {
		report.New(out, report.ColorEnabled(os.Stdout)).Line("warn", err.Error())
	}
	return executeRun(ctx, out, ws, plan)
}

// runPlan is a run request already resolved against the catalog.
type runPlan struct {
	namespace      string
	units          []string
	includeWorkers bool
}

// planRun splits the arguments and resolves them so unknown units, bad
// patterns and orphan workers are rejected before anything is stopped,
// launched or written.
func planRun(ws *workspace, args []string) (runPlan, error) {
	namespace, units := splitRunArgs(ws.catalog, args, ws.cfg.Namespace)
	if runNamespace != "" {
		namespace = runNamespace
	}
	plan := runPlan{
		namespace:      namespace,
		units:          units,
		includeWorkers: runIncludeWorkers || ws.cfg.Pipeline.IncludeWorkers,
	}
	if _, err := ws.catalog.Resolve(plan.units, plan.includeWorkers); err != nil {
		return plan, err
	}
	return plan, nil
}

func executeRun(ctx context.Context, out io.Writer, ws *workspace, plan runPlan) error {
	cfg := ws.cfg
	namespace := plan.namespace
	logger := ws.logger.With("namespace", namespace)

	compose, err := ws.compose()
	if err != nil {
		return err
	}

	git := vcs.New(vcs.WithTimeout(cfg.Pipeline.SyncTimeout))
	stager := stage.New(git, ws.catalog, ws.state, stage.Options{
		ReposDir:  ws.paths.Repos,
		Namespace: namespace,
		Refresh:   runRefresh || cfg.Pipeline.Refresh,
		Sync: retry.Policy{
			Attempts:  cfg.Pipeline.SyncAttempts,
			MinDelay:  cfg.Pipeline.SyncBackoffMin,
			MaxDelay:  cfg.Pipeline.SyncBackoffMax,
			Retryable: errors.IsRetryable,
		},
	}, logger)

	buildLog, err := os.Create(ws.buildLogPath())
	if err != nil {
		return errors.Wrap(err, "failed to open build log")
	}
	defer buildLog.Close()

	publisher := progress.NewPublisher(ws.paths.Progress, logger)
	defer publisher.Close()

	recorder := metrics.NewPipeline()
	if err := recorder.RegisterTiming(ws.timing); err != nil {
		logger.Warn("failed to register timing metrics", "error", err)
	}

	maxParallel := cfg.Pipeline.MaxParallel
	if runMaxParallel > 0 {
		maxParallel = runMaxParallel
	}

	orch := pipeline.New(pipeline.Config{
		Catalog:      ws.catalog,
		Stager:       stager,
		Builder:      compose,
		Runner:       compose,
		Provisioner:  ws.provisioner(namespace),
		ManifestPath: ws.paths.Manifest,
		Manifest: manifest.Options{
			ProjectName:    cfg.Workspace.ProjectName,
			Namespace:      namespace,
			DebugBasePort:  cfg.Debug.BasePort,
			PassEnv:        cfg.Build.PassEnv,
			DependencyPort: cfg.Dependency.LocalPort,
		},
		MaxParallel: maxParallel,
	},
		pipeline.WithLogger(logger),
		pipeline.WithPublisher(publisher),
		pipeline.WithTiming(ws.timing),
		pipeline.WithMetrics(recorder),
		pipeline.WithRunRecorder(ws.state),
		pipeline.WithOutput(out),
		pipeline.WithBuildLog(buildLog),
	)

	printer := report.New(out, report.ColorEnabled(os.Stdout))
	if runWithDashboard {
		if err := startDashboard(ws); err != nil {
			printer.Line("warn", "dashboard not started: "+err.Error())
		} else {
			printer.Line("ok", "dashboard on http://"+cfg.Dashboard.Addr)
		}
	}

	outcome, err := orch.Execute(ctx, pipeline.Request{
		Namespace:       namespace,
		Units:           plan.units,
		IncludeWorkers:  plan.includeWorkers,
		LocalDependency: runLocalDependency,
	})
	printer.Outcome(outcome, err)
	finishProgress(publisher, printer)
	var intake *errors.IntakeError
	if !errors.As(err, &intake) {
		if werr := recorder.WriteTextfile(filepath.Join(ws.paths.Root, metricsTextfile)); werr != nil {
			logger.Warn("failed to write metrics textfile", "error", werr)
		}
	}
	if err != nil {
		return reportedError{err: err}
	}
	return nil
}

// finishProgress flushes the progress document and reports what the
// dashboard and watchers may have missed.
func finishProgress(p *progress.Publisher, printer *report.Printer) {
	p.Close()
	if n := p.Dropped(); n > 0 {
		printer.Line("warn", fmt.Sprintf("%d progress updates dropped, live views may have lagged", n))
	}
	if doc := p.Snapshot(); doc.RunID != "" && !doc.Completed {
		printer.Line("warn", "progress document for run "+doc.RunID+" was not marked completed")
	}
}

// startDashboard launches "devstack dashboard" detached so it outlives the
// run, unless one is already listening.
func startDashboard(ws *workspace) error {
	if provision.PortBound(ws.cfg.Dashboard.Addr) {
		return nil
	}
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := []string{"dashboard", "--workspace", ws.paths.Root, "--catalog", ws.cfg.CatalogPath(ws.baseDir)}
	if used := viper.ConfigFileUsed(); used != "" {
		args = append(args, "--config", used)
	}
	pid, err := provision.ProcessLauncher{}.Launch(exe, args, filepath.Join(ws.paths.Logs, dashboardLogFile))
	if err != nil {
		return fmt.Errorf("launch dashboard: %w", err)
	}
	ws.logger.Info("dashboard started", "pid", pid, "addr", ws.cfg.Dashboard.Addr)
	return provision.WritePID(ws.dashboardPID(), pid)
}
