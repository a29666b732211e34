package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/devstack/internal/config"
	"github.com/Iron-Ham/devstack/internal/errors"
)

var rootCmd = &cobra.Command{
	Use:   "devstack",
	Short: "Local development stack orchestrator",
	Long: `devstack clones a set of service repositories, overlays per-namespace
config into them, builds their images in parallel and starts the stack next
to a forwarded (or local) Redis dependency.

Units that fail setup or build are dropped and the run continues with the
rest; the run only aborts when nothing survives a phase.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// reportedError marks an error whose details were already printed.
type reportedError struct {
	err error
}

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() error { return e.err }

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	var reported reportedError
	if err != nil && !errors.As(err, &reported) {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return errors.ExitCode(err)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./devstack.yaml)")
	rootCmd.PersistentFlags().String("workspace", "", "workspace directory (default .devstack)")
	rootCmd.PersistentFlags().String("catalog", "", "unit catalog file (default devstack.units.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("workspace.dir", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("catalog", rootCmd.PersistentFlags().Lookup("catalog"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("devstack")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(config.ConfigDir())
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("DEVSTACK")
	// e.g., DEVSTACK_PIPELINE_MAX_PARALLEL for pipeline.max_parallel
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
