package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/devstack/internal/dashboard"
	"github.com/Iron-Ham/devstack/internal/metrics"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Serve run progress, estimates, container status and logs over HTTP",
	Long: `Dashboard serves a small web UI and JSON API for the workspace:

  /                      live view of the current run
  /api/progress          the progress document
  /api/progress/stream   server-sent events on every progress change
  /api/metrics           duration estimates per phase and operation
  /api/runs              recent run summaries
  /api/status            declared units and their containers
  /api/logs/{unit}       a unit's recent container logs
  /api/build-logs        the latest run's setup and build output
  /api/build-logs/stream server-sent events for each new build output line
  /metrics               Prometheus exposition of the estimates

"devstack run --dashboard" starts it in the background.`,
	Args: cobra.NoArgs,
	RunE: runDashboard,
}

var dashboardAddr string

func init() {
	rootCmd.AddCommand(dashboardCmd)
	dashboardCmd.Flags().StringVar(&dashboardAddr, "addr", "", "Listen address (default from config, "+dashboard.DefaultAddr+")")
}

func runDashboard(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws, err := openWorkspace(true)
	if err != nil {
		return err
	}
	defer ws.Close()

	addr := ws.cfg.Dashboard.Addr
	if dashboardAddr != "" {
		addr = dashboardAddr
	}
	if addr == "" {
		addr = dashboard.DefaultAddr
	}

	compose, err := ws.compose()
	if err != nil {
		return err
	}

	exporter := metrics.NewPipeline()
	if err := exporter.RegisterTiming(ws.timing); err != nil {
		return err
	}

	logger := ws.logger.With("component", "dashboard")
	handler := dashboard.New(dashboard.Config{
		ProgressPath: ws.paths.Progress,
		BuildLogPath: ws.buildLogPath(),
		Catalog:      ws.catalog,
		Timing:       ws.timing,
		Runtime:      compose,
		History:      ws.state,
		Metrics:      exporter.Handler(),
		Logger:       logger,
	})

	fmt.Fprintf(cmd.OutOrStdout(), "dashboard listening on http://%s\n", addr)
	return dashboard.Serve(ctx, addr, handler, logger)
}
