package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/devstack/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the current run's progress in the terminal",
	Long: `Watch shows the phases, estimates and unit states of the run in
progress, updating as the run writes its progress document. It can be
started before the run and waits for it.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var watchExit bool

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchExit, "exit", false, "Exit when the run finishes")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws, err := openWorkspace(false)
	if err != nil {
		return err
	}
	defer ws.Close()

	return watch.Run(ctx, ws.paths.Progress, watchExit, ws.logger.With("component", "watch"))
}
