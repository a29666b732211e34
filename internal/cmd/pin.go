package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/devstack/internal/report"
)

var pinCmd = &cobra.Command{
	Use:   "pin [unit] [ref]",
	Short: "Show or change the ref a unit is checked out at",
	Long: `Each successful setup remembers the ref a unit's working copy ended
up on, and later runs return to it. Pin lists those refs, sets one by
hand, or forgets one so the next run uses the catalog's ref.

Examples:
  # List remembered refs
  devstack pin

  # Keep api on a feature branch
  devstack pin api feature/login

  # Go back to the catalog's ref
  devstack pin api --unset`,
	Args: cobra.MaximumNArgs(2),
	RunE: runPin,
}

var pinUnset bool

func init() {
	rootCmd.AddCommand(pinCmd)
	pinCmd.Flags().BoolVar(&pinUnset, "unset", false, "Forget the unit's remembered ref")
}

func runPin(cmd *cobra.Command, args []string) error {
	if pinUnset && len(args) != 1 {
		return fmt.Errorf("--unset takes exactly one unit")
	}

	ws, err := openWorkspace(len(args) > 0)
	if err != nil {
		return err
	}
	defer ws.Close()

	printer := report.New(cmd.OutOrStdout(), report.ColorEnabled(os.Stdout))
	if len(args) == 0 {
		pins, err := ws.state.Pins()
		if err != nil {
			return err
		}
		printer.Pins(pins)
		return nil
	}

	unit := args[0]
	if _, ok := ws.catalog.Get(unit); !ok {
		return fmt.Errorf("unknown unit %q", unit)
	}

	switch {
	case pinUnset:
		if err := ws.state.Unpin(unit); err != nil {
			return err
		}
		printer.Line("ok", unit+" will use the catalog ref")
	case len(args) == 2:
		if err := ws.state.Pin(unit, args[1]); err != nil {
			return err
		}
		printer.Line("ok", fmt.Sprintf("%s pinned to %s", unit, args[1]))
	default:
		ref, ok, err := ws.state.Pinned(unit)
		if err != nil {
			return err
		}
		if !ok {
			printer.Line("", unit+" has no remembered ref")
			return nil
		}
		printer.Line("", fmt.Sprintf("%s %s", unit, ref))
	}
	return nil
}
