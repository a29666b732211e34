// Package runner drives Docker Compose: building one unit's image, starting
// the built set, and answering liveness, log and stats queries.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/devstack/internal/errors"
)

// Compose runs docker compose against one generated manifest.
type Compose struct {
	exec         Executor
	project      string
	manifest     string
	fatal        []*regexp.Regexp
	buildTimeout time.Duration
}

// Options configures Compose.
type Options struct {
	Project  string
	Manifest string
	// FatalPatterns mark a build as failed even when it exits zero.
	FatalPatterns []string
	BuildTimeout  time.Duration
	// Executor defaults to a CLIExecutor.
	Executor Executor
}

// New creates a Compose runner. It fails if a fatal pattern does not compile.
func New(opts Options) (*Compose, error) {
	c := &Compose{
		exec:         opts.Executor,
		project:      opts.Project,
		manifest:     opts.Manifest,
		buildTimeout: opts.BuildTimeout,
	}
	if c.exec == nil {
		c.exec = &CLIExecutor{}
	}
	for _, p := range opts.FatalPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.NewValidationError("invalid fatal build pattern").WithField("build.fatal_patterns").WithValue(p)
		}
		c.fatal = append(c.fatal, re)
	}
	return c, nil
}

func (c *Compose) args(sub ...string) []string {
	return append([]string{"compose", "-p", c.project, "-f", c.manifest}, sub...)
}

func (c *Compose) dir() string {
	return filepath.Dir(c.manifest)
}

// Build builds unit's image, streaming output to out. A non-zero exit fails
// the build; so does a zero exit whose output matches a fatal pattern.
func (c *Compose) Build(ctx context.Context, unit string, out io.Writer) error {
	if c.buildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.buildTimeout)
		defer cancel()
	}

	scan := newMarkerWriter(out, c.fatal)
	err := c.exec.Run(ctx, c.dir(), scan, "docker", c.args("build", "--progress", "plain", unit)...)
	scan.Flush()

	if ctx.Err() == context.DeadlineExceeded {
		return errors.NewTimeoutError("build "+unit, c.buildTimeout).WithCause(errors.ErrBuildFailed)
	}
	if err != nil {
		return fmt.Errorf("%w: docker compose build %s: %v", errors.ErrBuildFailed, unit, err)
	}
	if marker := scan.Match(); marker != "" {
		return fmt.Errorf("%w: fatal marker in output: %s", errors.ErrBuildFailed, marker)
	}
	return nil
}

// Up starts exactly units from their built images.
func (c *Compose) Up(ctx context.Context, units []string, out io.Writer) error {
	if len(units) == 0 {
		return nil
	}
	args := c.args(append([]string{"up", "-d", "--no-build", "--remove-orphans"}, units...)...)
	return c.exec.Run(ctx, c.dir(), out, "docker", args...)
}

// Down stops and removes the project's containers. With removeImages the
// locally built images go too.
func (c *Compose) Down(ctx context.Context, removeImages bool, out io.Writer) error {
	sub := []string{"down", "--remove-orphans"}
	if removeImages {
		sub = append(sub, "--rmi", "local", "--volumes")
	}
	return c.exec.Run(ctx, c.dir(), out, "docker", c.args(sub...)...)
}

// Logs streams a unit's logs, or every unit's when unit is empty.
func (c *Compose) Logs(ctx context.Context, unit string, follow bool, tail int, out io.Writer) error {
	sub := []string{"logs", "--no-color"}
	if follow {
		sub = append(sub, "--follow")
	}
	if tail > 0 {
		sub = append(sub, "--tail", strconv.Itoa(tail))
	}
	if unit != "" {
		sub = append(sub, unit)
	}
	return c.exec.Run(ctx, c.dir(), out, "docker", c.args(sub...)...)
}

// Stats prints a one-shot resource usage snapshot.
func (c *Compose) Stats(ctx context.Context, unit string, out io.Writer) error {
	sub := []string{"stats", "--no-stream"}
	if unit != "" {
		sub = append(sub, unit)
	}
	return c.exec.Run(ctx, c.dir(), out, "docker", c.args(sub...)...)
}

// Container is one row of compose ps.
type Container struct {
	Service string `json:"Service"`
	Name    string `json:"Name"`
	State   string `json:"State"`
	Status  string `json:"Status"`
	Health  string `json:"Health"`
}

// Running reports whether the container is up and not unhealthy.
func (c Container) Running() bool {
	return c.State == "running" && c.Health != "unhealthy"
}

// Status lists the project's containers keyed by service.
func (c *Compose) Status(ctx context.Context) (map[string]Container, error) {
	var buf bytes.Buffer
	if err := c.exec.Run(ctx, c.dir(), &buf, "docker", c.args("ps", "--all", "--format", "json")...); err != nil {
		return nil, fmt.Errorf("docker compose ps: %w: %s", err, strings.TrimSpace(buf.String()))
	}
	return parsePS(buf.Bytes())
}

// Running returns the liveness of each unit.
func (c *Compose) Running(ctx context.Context, units []string) (map[string]bool, error) {
	status, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(units))
	for _, u := range units {
		out[u] = status[u].Running()
	}
	return out, nil
}

// parsePS accepts both the JSON array older compose versions print and the
// one-object-per-line format newer ones use.
func parsePS(data []byte) (map[string]Container, error) {
	out := make(map[string]Container)
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return out, nil
	}

	var rows []Container
	if data[0] == '[' {
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("parse compose ps: %w", err)
		}
	} else {
		for _, line := range bytes.Split(data, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			var row Container
			if err := json.Unmarshal(line, &row); err != nil {
				return nil, fmt.Errorf("parse compose ps: %w", err)
			}
			rows = append(rows, row)
		}
	}
	for _, row := range rows {
		out[row.Service] = row
	}
	return out, nil
}

// markerWriter forwards output and remembers the first line matching a
// fatal pattern.
type markerWriter struct {
	mu       sync.Mutex
	out      io.Writer
	patterns []*regexp.Regexp
	partial  []byte
	match    string
}

func newMarkerWriter(out io.Writer, patterns []*regexp.Regexp) *markerWriter {
	if out == nil {
		out = io.Discard
	}
	return &markerWriter{out: out, patterns: patterns}
}

func (w *markerWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, _ = w.out.Write(p)
	if len(w.patterns) == 0 || w.match != "" {
		return len(p), nil
	}
	data := append(w.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		w.check(data[:i])
		data = data[i+1:]
	}
	w.partial = append(w.partial[:0:0], data...)
	return len(p), nil
}

// Flush checks any unterminated trailing line.
func (w *markerWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 && w.match == "" {
		w.check(w.partial)
	}
	w.partial = nil
}

func (w *markerWriter) check(line []byte) {
	for _, re := range w.patterns {
		if re.Match(line) {
			w.match = strings.TrimSpace(string(line))
			return
		}
	}
}

// Match returns the first matching line, or "".
func (w *markerWriter) Match() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.match
}
