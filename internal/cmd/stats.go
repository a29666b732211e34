package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats [unit]",
	Short: "Show a resource usage snapshot of the running containers",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace(true)
	if err != nil {
		return err
	}
	defer ws.Close()

	unit := ""
	if len(args) == 1 {
		unit = args[0]
		if _, ok := ws.catalog.Get(unit); !ok {
			return fmt.Errorf("unknown unit %q", unit)
		}
	}
	compose, err := ws.compose()
	if err != nil {
		return err
	}
	return compose.Stats(cmd.Context(), unit, cmd.OutOrStdout())
}
