package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/devstack/internal/errors"
	"github.com/Iron-Ham/devstack/internal/provision"
	"github.com/Iron-Ham/devstack/internal/report"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the stack, the dependency forward and the dashboard",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Stop everything and remove working copies and generated files",
	Long: `Clean stops the stack, removes the images it built and deletes the
workspace's working copies, manifest, progress document and logs.

Timing history and remembered refs are kept unless --state is given.
Use --dry-run to see what would be removed without making changes.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

var (
	cleanDryRun bool
	cleanForce  bool
	cleanState  bool
)

func init() {
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(cleanCmd)
	cleanCmd.Flags().BoolVar(&cleanDryRun, "dry-run", false, "Show what would be removed without making changes")
	cleanCmd.Flags().BoolVarP(&cleanForce, "force", "f", false, "Skip confirmation prompt")
	cleanCmd.Flags().BoolVar(&cleanState, "state", false, "Also remove timing history and remembered refs")
}

// stopStack brings the compose project down and tears down the dependency.
// A missing manifest means nothing was started.
func stopStack(ctx context.Context, out io.Writer, ws *workspace, namespace string, removeImages bool) error {
	var errs []error
	if _, err := os.Stat(ws.paths.Manifest); err == nil {
		compose, err := ws.compose()
		if err != nil {
			return err
		}
		if err := compose.Down(ctx, removeImages, out); err != nil {
			errs = append(errs, errors.Wrap(err, "compose down"))
		}
	}
	if err := ws.provisioner(namespace).Stop(ctx, out); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func stopDashboard(out io.Writer, ws *workspace) error {
	pid, err := provision.StopRecorded(ws.dashboardPID())
	if err != nil {
		return fmt.Errorf("stop dashboard (pid %d): %w", pid, err)
	}
	if pid > 0 {
		fmt.Fprintf(out, "stopped dashboard (pid %d)\n", pid)
	}
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace(false)
	if err != nil {
		return err
	}
	defer ws.Close()

	out := cmd.OutOrStdout()
	err = errors.Join(
		stopStack(cmd.Context(), out, ws, ws.cfg.Namespace, false),
		stopDashboard(out, ws),
	)
	if err == nil {
		report.New(out, report.ColorEnabled(os.Stdout)).Line("ok", "stack stopped")
	}
	return err
}

// cleanTargets lists the workspace paths clean removes, skipping those that
// do not exist.
func cleanTargets(ws *workspace, includeState bool) []string {
	candidates := []string{
		ws.paths.Repos,
		ws.paths.Manifest,
		ws.paths.Progress,
		ws.paths.Logs,
		filepath.Join(ws.paths.Root, metricsTextfile),
	}
	if includeState {
		candidates = append(candidates, ws.paths.State, ws.paths.State+"-wal", ws.paths.State+"-shm")
	}
	var targets []string
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			targets = append(targets, path)
		}
	}
	return targets
}

func runClean(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace(false)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printer := report.New(out, report.ColorEnabled(os.Stdout))

	targets := cleanTargets(ws, cleanState)
	if len(targets) == 0 {
		_ = ws.Close()
		fmt.Fprintln(out, "Nothing to clean up.")
		return nil
	}

	fmt.Fprintln(out, "Will stop the stack, remove its images and delete:")
	for _, path := range targets {
		fmt.Fprintf(out, "  %s\n", path)
	}

	if cleanDryRun {
		_ = ws.Close()
		fmt.Fprintln(out, "\nDry run mode - no changes made.")
		return nil
	}

	if !cleanForce {
		fmt.Fprint(out, "\nProceed with cleanup? [y/N] ")
		reader := bufio.NewReader(cmd.InOrStdin())
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			_ = ws.Close()
			fmt.Fprintln(out, "Cleanup cancelled.")
			return nil
		}
	}

	lock, err := ws.lock("clean")
	if err != nil {
		_ = ws.Close()
		return err
	}
	defer lock.Release()

	var errs []error
	if err := stopStack(cmd.Context(), out, ws, ws.cfg.Namespace, true); err != nil {
		errs = append(errs, err)
	}
	if err := stopDashboard(out, ws); err != nil {
		errs = append(errs, err)
	}
	// The database and log file must be closed before they are removed.
	if err := ws.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, path := range targets {
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	printer.Line("ok", fmt.Sprintf("removed %d paths", len(targets)))
	return nil
}
