package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/devstack/internal/report"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent runs and the duration estimates they produced",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var historyLimit int

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Number of runs to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyLimit <= 0 {
		return fmt.Errorf("--limit must be positive, got %d", historyLimit)
	}
	ws, err := openWorkspace(false)
	if err != nil {
		return err
	}
	defer ws.Close()

	runs, err := ws.state.RecentRuns(historyLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printer := report.New(out, report.ColorEnabled(os.Stdout))
	printer.Runs(runs)
	fmt.Fprintln(out)
	printer.Estimates(ws.timing)
	return nil
}
