// Package provision makes the shared Redis dependency reachable on a local
// port, either by forwarding it from a cluster or by running a local
// container, and waits until it answers.
package provision

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Iron-Ham/devstack/internal/errors"
	"github.com/Iron-Ham/devstack/internal/logging"
	"github.com/Iron-Ham/devstack/internal/runner"
)

// Mode says how the dependency was made reachable.
type Mode string

const (
	ModeExisting Mode = "existing"
	ModeForward  Mode = "port-forward"
	ModeLocal    Mode = "local"
)

// Config describes the dependency.
type Config struct {
	Name          string
	KubeContext   string
	KubeNamespace string
	Service       string
	LocalPort     int
	RemotePort    int
	LocalImage    string
	ReadyTimeout  time.Duration
}

// Addr is the local address the dependency is served on.
func (c Config) Addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(c.LocalPort))
}

// ContainerName is the name of the local dependency container.
func (c Config) ContainerName(project string) string {
	return project + "-" + c.Name
}

// Launcher starts a long-running process detached from the caller and
// returns its pid.
type Launcher interface {
	Launch(name string, args []string, logPath string) (int, error)
}

// Result reports what Provision did.
type Result struct {
	Mode Mode
	Addr string
}

// Provisioner brings the dependency up and down.
type Provisioner struct {
	cfg      Config
	project  string
	pidFile  string
	logPath  string
	exec     runner.Executor
	launcher Launcher
	logger   *logging.Logger
	poll     time.Duration
}

// Options configures a Provisioner.
type Options struct {
	Project string
	// PIDFile records the port-forward process.
	PIDFile string
	// LogPath receives the port-forward's output.
	LogPath string
	// Executor runs docker for the local mode. Defaults to a CLIExecutor.
	Executor runner.Executor
	// Launcher starts kubectl. Defaults to a ProcessLauncher.
	Launcher Launcher
}

// New creates a Provisioner.
func New(cfg Config, opts Options, logger *logging.Logger) *Provisioner {
	if logger == nil {
		logger = logging.NopLogger()
	}
	p := &Provisioner{
		cfg:      cfg,
		project:  opts.Project,
		pidFile:  opts.PIDFile,
		logPath:  opts.LogPath,
		exec:     opts.Executor,
		launcher: opts.Launcher,
		logger:   logger.With("dependency", cfg.Name),
		poll:     200 * time.Millisecond,
	}
	if p.exec == nil {
		p.exec = &runner.CLIExecutor{}
	}
	if p.launcher == nil {
		p.launcher = ProcessLauncher{}
	}
	return p
}

// Provision makes the dependency reachable. When something already listens
// on the local port nothing is started. Otherwise local selects a container
// over a port-forward, and the call returns once the dependency answers a
// PING or the ready timeout passes.
func (p *Provisioner) Provision(ctx context.Context, local bool, out io.Writer) (Result, error) {
	if out == nil {
		out = io.Discard
	}
	addr := p.cfg.Addr()
	res := Result{Addr: addr}

	if PortBound(addr) {
		p.logger.Info("dependency port already bound, skipping", "addr", addr)
		fmt.Fprintf(out, "%s already reachable on %s\n", p.cfg.Name, addr)
		res.Mode = ModeExisting
		return res, nil
	}

	if local {
		res.Mode = ModeLocal
		if err := p.startLocal(ctx, out); err != nil {
			return res, err
		}
	} else {
		res.Mode = ModeForward
		if err := p.startForward(out); err != nil {
			return res, err
		}
	}

	if err := WaitReady(ctx, addr, p.cfg.ReadyTimeout, p.poll); err != nil {
		p.logger.Warn("dependency did not become ready", "addr", addr, "mode", res.Mode, "error", err)
		return res, err
	}
	p.logger.Info("dependency ready", "addr", addr, "mode", res.Mode)
	fmt.Fprintf(out, "%s ready on %s (%s)\n", p.cfg.Name, addr, res.Mode)
	return res, nil
}

func (p *Provisioner) startLocal(ctx context.Context, out io.Writer) error {
	ports := fmt.Sprintf("%d:%d", p.cfg.LocalPort, p.cfg.RemotePort)
	args := []string{"run", "-d", "--rm", "--name", p.cfg.ContainerName(p.project), "-p", ports, p.cfg.LocalImage}
	if err := p.exec.Run(ctx, "", out, "docker", args...); err != nil {
		return fmt.Errorf("start local %s: %w", p.cfg.Name, err)
	}
	return nil
}

func (p *Provisioner) startForward(out io.Writer) error {
	args := []string{}
	if p.cfg.KubeContext != "" {
		args = append(args, "--context", p.cfg.KubeContext)
	}
	if p.cfg.KubeNamespace != "" {
		args = append(args, "-n", p.cfg.KubeNamespace)
	}
	target := p.cfg.Service
	if !strings.Contains(target, "/") {
		target = "svc/" + target
	}
	args = append(args, "port-forward", target, fmt.Sprintf("%d:%d", p.cfg.LocalPort, p.cfg.RemotePort))

	pid, err := p.launcher.Launch("kubectl", args, p.logPath)
	if err != nil {
		return fmt.Errorf("start port-forward for %s: %w", p.cfg.Name, err)
	}
	if p.pidFile != "" {
		if err := WritePID(p.pidFile, pid); err != nil {
			p.logger.Warn("failed to record port-forward pid", "pid", pid, "error", err)
		}
	}
	fmt.Fprintf(out, "port-forward %s started (pid %d)\n", target, pid)
	return nil
}

// Stop tears down whatever Provision started: the recorded port-forward
// process and the local container. Missing pieces are not errors.
func (p *Provisioner) Stop(ctx context.Context, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	var errs []error

	if pid, err := StopRecorded(p.pidFile); err != nil {
		errs = append(errs, fmt.Errorf("stop port-forward (pid %d): %w", pid, err))
	} else if pid > 0 {
		fmt.Fprintf(out, "stopped port-forward (pid %d)\n", pid)
	}

	// The container may not exist; docker's complaint is not worth surfacing.
	_ = p.exec.Run(ctx, "", io.Discard, "docker", "rm", "-f", p.cfg.ContainerName(p.project))

	return errors.Join(errs...)
}

// WritePID records pid in path.
func WritePID(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644)
}

// ReadPID returns the pid recorded in path.
func ReadPID(path string) (int, bool) {
	if path == "" {
		return 0, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// StopRecorded sends SIGTERM to the process recorded in path and removes the
// file. It returns the pid it signaled, or 0 when nothing was recorded. A
// process that already exited is not an error.
func StopRecorded(path string) (int, error) {
	pid, ok := ReadPID(path)
	if !ok {
		return 0, nil
	}
	err := killProcess(pid)
	_ = os.Remove(path)
	return pid, err
}

func killProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// PortBound reports whether something accepts connections on addr.
func PortBound(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 300*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// WaitReady pings the Redis server at addr until it answers or timeout
// passes.
func WaitReady(ctx context.Context, addr string, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: interval,
		ReadTimeout: interval,
		MaxRetries:  -1,
	})
	defer func() { _ = client.Close() }()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.NewTimeoutError("wait for "+addr, timeout).WithCause(lastErr)
		case <-ticker.C:
		}
	}
}
