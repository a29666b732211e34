package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/devstack/internal/catalog"
	"github.com/Iron-Ham/devstack/internal/config"
	"github.com/Iron-Ham/devstack/internal/errors"
	"github.com/Iron-Ham/devstack/internal/filelock"
	"github.com/Iron-Ham/devstack/internal/logging"
	"github.com/Iron-Ham/devstack/internal/provision"
	"github.com/Iron-Ham/devstack/internal/runner"
	"github.com/Iron-Ham/devstack/internal/state"
	"github.com/Iron-Ham/devstack/internal/timing"
)

const (
	dashboardPIDFile = "dashboard.pid"
	forwardLogFile   = "port-forward.log"
	dashboardLogFile = "dashboard.log"
	metricsTextfile  = "devstack.prom"
	lockFile         = "run.lock"
	buildLogFile     = "build_output.log"
)

// workspace bundles what every command needs: the loaded config, the
// on-disk layout, the debug logger and the persistent state.
type workspace struct {
	cfg     *config.Config
	paths   config.Paths
	baseDir string
	logger  *logging.Logger
	state   *state.Store
	timing  *timing.Store
	catalog *catalog.Catalog
}

// openWorkspace loads config and opens the state database. The catalog is
// only read when needCatalog is set.
func openWorkspace(needCatalog bool) (*workspace, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	ws := &workspace{cfg: cfg, baseDir: cwd, paths: cfg.ResolvePaths(cwd)}
	if err := os.MkdirAll(ws.paths.Logs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	ws.logger, err = logging.NewLogger(ws.paths.Logs, cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return nil, err
	}

	ws.state, err = state.Open(ws.paths.State)
	if err != nil {
		_ = ws.logger.Close()
		return nil, err
	}

	ws.timing = timing.NewStore(
		timing.WithRetention(cfg.Timing.Retention),
		timing.WithPersister(ws.state),
	)
	if err := ws.timing.Load(); err != nil {
		ws.logger.Warn("failed to load timing history", "error", err)
	}

	if needCatalog {
		ws.catalog, err = catalog.Load(cfg.CatalogPath(cwd))
		if err != nil {
			_ = ws.Close()
			return nil, err
		}
	}
	return ws, nil
}

// Close releases the state database and the log file.
func (ws *workspace) Close() error {
	return errors.Join(ws.state.Close(), ws.logger.Close())
}

func (ws *workspace) compose() (*runner.Compose, error) {
	return runner.New(runner.Options{
		Project:       ws.cfg.Workspace.ProjectName,
		Manifest:      ws.paths.Manifest,
		FatalPatterns: ws.cfg.Build.FatalPatterns,
		BuildTimeout:  ws.cfg.Pipeline.BuildTimeout,
	})
}

// provisioner targets the dependency in namespace unless the config names
// a kube namespace explicitly.
func (ws *workspace) provisioner(namespace string) *provision.Provisioner {
	dep := ws.cfg.Dependency
	kubeNamespace := dep.KubeNamespace
	if kubeNamespace == "" {
		kubeNamespace = namespace
	}
	return provision.New(provision.Config{
		Name:          dep.Name,
		KubeContext:   dep.KubeContext,
		KubeNamespace: kubeNamespace,
		Service:       dep.Service,
		LocalPort:     dep.LocalPort,
		RemotePort:    dep.RemotePort,
		LocalImage:    dep.LocalImage,
		ReadyTimeout:  dep.ReadyTimeout,
	}, provision.Options{
		Project: ws.cfg.Workspace.ProjectName,
		PIDFile: ws.paths.PIDFile,
		LogPath: filepath.Join(ws.paths.Logs, forwardLogFile),
	}, ws.logger)
}

func (ws *workspace) dashboardPID() string {
	return filepath.Join(ws.paths.Root, dashboardPIDFile)
}

func (ws *workspace) buildLogPath() string {
	return filepath.Join(ws.paths.Logs, buildLogFile)
}

// lock takes the workspace lock for a mutating command.
func (ws *workspace) lock(command string) (*filelock.Lock, error) {
	owner := fmt.Sprintf("devstack %s (pid %d)", command, os.Getpid())
	return filelock.Acquire(filepath.Join(ws.paths.Root, lockFile), owner)
}
