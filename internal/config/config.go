package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete devstack configuration
type Config struct {
	Workspace  WorkspaceConfig  `mapstructure:"workspace"`
	Catalog    string           `mapstructure:"catalog"`
	Namespace  string           `mapstructure:"namespace"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Dependency DependencyConfig `mapstructure:"dependency"`
	Build      BuildConfig      `mapstructure:"build"`
	Debug      DebugConfig      `mapstructure:"debug"`
	Timing     TimingConfig     `mapstructure:"timing"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
}

// WorkspaceConfig controls where devstack keeps working copies and generated files
type WorkspaceConfig struct {
	// Dir is the workspace root (default: ".devstack"). Relative paths resolve
	// against the current directory; ~ expands to the home directory.
	Dir string `mapstructure:"dir"`
	// ReposDir overrides where working copies are cloned (default: {dir}/repos)
	ReposDir string `mapstructure:"repos_dir"`
	// ProjectName is the compose project name (default: "devstack")
	ProjectName string `mapstructure:"project_name"`
}

// PipelineConfig controls fan-out, retries and timeouts of the run pipeline
type PipelineConfig struct {
	// MaxParallel caps concurrent setup and build tasks (default: 6)
	MaxParallel int `mapstructure:"max_parallel"`
	// SyncAttempts is the number of tries for cloning a working copy (default: 3)
	SyncAttempts int `mapstructure:"sync_attempts"`
	// SyncBackoffMin and SyncBackoffMax bound the jittered pause between clone tries
	SyncBackoffMin time.Duration `mapstructure:"sync_backoff_min"`
	SyncBackoffMax time.Duration `mapstructure:"sync_backoff_max"`
	// SyncTimeout bounds each git operation (default: 5m)
	SyncTimeout time.Duration `mapstructure:"sync_timeout"`
	// BuildTimeout bounds each image build (default: 20m)
	BuildTimeout time.Duration `mapstructure:"build_timeout"`
	// Refresh discards local changes and fast-forwards every unit (default: false)
	Refresh bool `mapstructure:"refresh"`
	// IncludeWorkers adds the workers of every requested service (default: false)
	IncludeWorkers bool `mapstructure:"include_workers"`
}

// DependencyConfig describes the Redis dependency the stack needs
type DependencyConfig struct {
	// Name labels the dependency in output (default: "redis")
	Name string `mapstructure:"name"`
	// KubeContext selects the kubectl context; empty uses the current one
	KubeContext string `mapstructure:"kube_context"`
	// KubeNamespace is the namespace holding the service; empty uses the run namespace
	KubeNamespace string `mapstructure:"kube_namespace"`
	// Service is the port-forward target (default: "svc/redis-master")
	Service string `mapstructure:"service"`
	// LocalPort is the host port the dependency is reachable on (default: 6379)
	LocalPort int `mapstructure:"local_port"`
	// RemotePort is the port on the service (default: 6379)
	RemotePort int `mapstructure:"remote_port"`
	// LocalImage is the container image used with --local-dependency (default: "redis:7-alpine")
	LocalImage string `mapstructure:"local_image"`
	// ReadyTimeout bounds the wait for the dependency to answer PING (default: 20s)
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
}

// BuildConfig controls image builds
type BuildConfig struct {
	// FatalPatterns are regexes that mark a zero-exit build as failed
	FatalPatterns []string `mapstructure:"fatal_patterns"`
	// PassEnv lists environment variables forwarded to builds as build args
	PassEnv []string `mapstructure:"pass_env"`
}

// DebugConfig controls debugger port allocation
type DebugConfig struct {
	// BasePort is the first host port handed to units with a debug port (default: 5678)
	BasePort int `mapstructure:"base_port"`
}

// TimingConfig controls duration history used for ETAs
type TimingConfig struct {
	// Retention is the number of samples kept per phase/operation (default: 30)
	Retention int `mapstructure:"retention"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated log files (default: false)
	Compress bool `mapstructure:"compress"`
}

// DashboardConfig controls the HTTP dashboard
type DashboardConfig struct {
	// Addr is the listen address (default: "127.0.0.1:9999")
	Addr string `mapstructure:"addr"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			Dir:         ".devstack",
			ProjectName: "devstack",
		},
		Catalog:   "devstack.units.yaml",
		Namespace: "s1",
		Pipeline: PipelineConfig{
			MaxParallel:    6,
			SyncAttempts:   3,
			SyncBackoffMin: time.Second,
			SyncBackoffMax: 3 * time.Second,
			SyncTimeout:    5 * time.Minute,
			BuildTimeout:   20 * time.Minute,
		},
		Dependency: DependencyConfig{
			Name:         "redis",
			Service:      "svc/redis-master",
			LocalPort:    6379,
			RemotePort:   6379,
			LocalImage:   "redis:7-alpine",
			ReadyTimeout: 20 * time.Second,
		},
		Build: BuildConfig{
			FatalPatterns: []string{
				`(?m)^ERROR: failed to solve`,
				`(?m)^failed to solve:`,
				`(?i)error building image`,
			},
			PassEnv: []string{"GITHUB_TOKEN", "NPM_TOKEN", "PIP_EXTRA_INDEX_URL"},
		},
		Debug: DebugConfig{
			BasePort: 5678,
		},
		Timing: TimingConfig{
			Retention: 30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Dashboard: DashboardConfig{
			Addr: "127.0.0.1:9999",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("workspace.dir", defaults.Workspace.Dir)
	viper.SetDefault("workspace.repos_dir", defaults.Workspace.ReposDir)
	viper.SetDefault("workspace.project_name", defaults.Workspace.ProjectName)
	viper.SetDefault("catalog", defaults.Catalog)
	viper.SetDefault("namespace", defaults.Namespace)

	// Pipeline defaults
	viper.SetDefault("pipeline.max_parallel", defaults.Pipeline.MaxParallel)
	viper.SetDefault("pipeline.sync_attempts", defaults.Pipeline.SyncAttempts)
	viper.SetDefault("pipeline.sync_backoff_min", defaults.Pipeline.SyncBackoffMin)
	viper.SetDefault("pipeline.sync_backoff_max", defaults.Pipeline.SyncBackoffMax)
	viper.SetDefault("pipeline.sync_timeout", defaults.Pipeline.SyncTimeout)
	viper.SetDefault("pipeline.build_timeout", defaults.Pipeline.BuildTimeout)
	viper.SetDefault("pipeline.refresh", defaults.Pipeline.Refresh)
	viper.SetDefault("pipeline.include_workers", defaults.Pipeline.IncludeWorkers)

	// Dependency defaults
	viper.SetDefault("dependency.name", defaults.Dependency.Name)
	viper.SetDefault("dependency.kube_context", defaults.Dependency.KubeContext)
	viper.SetDefault("dependency.kube_namespace", defaults.Dependency.KubeNamespace)
	viper.SetDefault("dependency.service", defaults.Dependency.Service)
	viper.SetDefault("dependency.local_port", defaults.Dependency.LocalPort)
	viper.SetDefault("dependency.remote_port", defaults.Dependency.RemotePort)
	viper.SetDefault("dependency.local_image", defaults.Dependency.LocalImage)
	viper.SetDefault("dependency.ready_timeout", defaults.Dependency.ReadyTimeout)

	viper.SetDefault("build.fatal_patterns", defaults.Build.FatalPatterns)
	viper.SetDefault("build.pass_env", defaults.Build.PassEnv)
	viper.SetDefault("debug.base_port", defaults.Debug.BasePort)
	viper.SetDefault("timing.retention", defaults.Timing.Retention)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)

	viper.SetDefault("dashboard.addr", defaults.Dashboard.Addr)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults when the
// loaded values do not validate
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigFile returns the path of the user-level config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "devstack.yaml")
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "devstack")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".devstack"
	}
	return filepath.Join(home, ".config", "devstack")
}

// expandPath expands ~ and resolves relative paths against baseDir.
func expandPath(path, baseDir string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// Paths holds the resolved on-disk layout of a workspace.
type Paths struct {
	Root     string
	Repos    string
	Logs     string
	State    string
	Progress string
	Manifest string
	PIDFile  string
}

// ResolvePaths returns the workspace layout with every path made absolute
// relative to baseDir.
func (c *Config) ResolvePaths(baseDir string) Paths {
	root := expandPath(c.Workspace.Dir, baseDir)
	repos := filepath.Join(root, "repos")
	if c.Workspace.ReposDir != "" {
		repos = expandPath(c.Workspace.ReposDir, baseDir)
	}
	return Paths{
		Root:     root,
		Repos:    repos,
		Logs:     filepath.Join(root, "logs"),
		State:    filepath.Join(root, "state.db"),
		Progress: filepath.Join(root, "progress.json"),
		Manifest: filepath.Join(root, "docker-compose.yml"),
		PIDFile:  filepath.Join(root, "dependency.pid"),
	}
}

// CatalogPath returns the absolute path of the unit catalog.
func (c *Config) CatalogPath(baseDir string) string {
	return expandPath(c.Catalog, baseDir)
}
