package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/devstack/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify devstack configuration",
	Long: `View or modify devstack configuration.

Without arguments, displays the effective configuration: defaults, the
config file and DEVSTACK_* environment variables merged.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  devstack config set namespace s2
  devstack config set pipeline.max_parallel 4
  devstack config set dependency.kube_context staging`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default devstack.yaml in the current directory",
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

var configInitGlobal bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)

	configInitCmd.Flags().BoolVar(&configInitGlobal, "global", false, "Write to the user config directory instead")
}

// settableKeys maps the keys "config set" accepts to their value kind.
var settableKeys = map[string]string{
	"namespace":                 "string",
	"catalog":                   "string",
	"workspace.dir":             "string",
	"workspace.repos_dir":       "string",
	"workspace.project_name":    "string",
	"pipeline.max_parallel":     "int",
	"pipeline.sync_attempts":    "int",
	"pipeline.sync_timeout":     "duration",
	"pipeline.build_timeout":    "duration",
	"pipeline.refresh":          "bool",
	"pipeline.include_workers":  "bool",
	"dependency.kube_context":   "string",
	"dependency.kube_namespace": "string",
	"dependency.service":        "string",
	"dependency.local_port":     "int",
	"dependency.remote_port":    "int",
	"dependency.local_image":    "string",
	"dependency.ready_timeout":  "duration",
	"debug.base_port":           "int",
	"timing.retention":          "int",
	"logging.level":             "string",
	"dashboard.addr":            "string",
}

// parseSetting converts value to the kind registered for key.
func parseSetting(key, value string) (any, error) {
	kind, ok := settableKeys[key]
	if !ok {
		return nil, fmt.Errorf("unknown configuration key: %s", key)
	}
	switch kind {
	case "bool":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return b, nil
	case "int":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		return n, nil
	case "duration":
		if _, err := time.ParseDuration(value); err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return value, nil
	default:
		return value, nil
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# Config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	settings := viper.AllSettings()
	delete(settings, "config")
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	typed, err := parseSetting(key, value)
	if err != nil {
		return err
	}

	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = config.ConfigFile()
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	viper.Set(key, typed)
	if _, err := config.Load(); err != nil {
		return err
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\nConfig saved to %s\n", key, typed, configFile)
	return nil
}

const defaultConfigContent = `# devstack configuration
# Every key can also be set with a DEVSTACK_ environment variable,
# e.g. DEVSTACK_PIPELINE_MAX_PARALLEL=4.

# Unit catalog: repositories, kinds, ports, workers and overlays
catalog: devstack.units.yaml

# Namespace used when "devstack run" is given none
namespace: s1

workspace:
  dir: .devstack
  project_name: devstack

pipeline:
  # Concurrent setup and build tasks
  max_parallel: 6
  # Clone attempts and the jittered pause between them
  sync_attempts: 3
  sync_backoff_min: 1s
  sync_backoff_max: 3s
  sync_timeout: 5m
  build_timeout: 20m

# The Redis the stack talks to, port-forwarded from the cluster
dependency:
  kube_context: ""
  kube_namespace: ""
  service: svc/redis-master
  local_port: 6379
  remote_port: 6379
  local_image: redis:7-alpine
  ready_timeout: 20s

build:
  pass_env:
    - GITHUB_TOKEN
    - NPM_TOKEN
    - PIP_EXTRA_INDEX_URL

debug:
  base_port: 5678

timing:
  # Samples kept per phase and operation for estimates
  retention: 30

logging:
  level: info
  max_size_mb: 10
  max_backups: 3

dashboard:
  addr: 127.0.0.1:9999
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := "devstack.yaml"
	if configInitGlobal {
		configFile = config.ConfigFile()
	}
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'devstack config set' to modify values", configFile)
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "Active config: %s\n", used)
	} else {
		fmt.Fprintln(out, "Active config: (none)")
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintln(out, "  1. ./devstack.yaml (current directory)")
	fmt.Fprintf(out, "  2. %s\n", config.ConfigFile())
	fmt.Fprintln(out, "\nEnvironment variables: DEVSTACK_* (e.g., DEVSTACK_PIPELINE_MAX_PARALLEL)")
	return nil
}
