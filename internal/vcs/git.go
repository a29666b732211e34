package vcs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Iron-Ham/devstack/internal/errors"
)

// Git runs git commands against working copies. Every command runs under
// the configured per-operation timeout.
type Git struct {
	executor  CommandExecutor
	opTimeout time.Duration
}

// Option configures Git.
type Option func(*Git)

// WithExecutor replaces the command executor, for tests.
func WithExecutor(e CommandExecutor) Option {
	return func(g *Git) { g.executor = e }
}

// WithTimeout bounds each git command. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(g *Git) { g.opTimeout = d }
}

// New creates a Git using the git binary on PATH.
func New(opts ...Option) *Git {
	g := &Git{executor: NewCLICommandExecutor()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// run executes git in dir and maps deadline expiry to a TimeoutError.
func (g *Git) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	if g.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opTimeout)
		defer cancel()
	}
	output, err := g.executor.Run(ctx, dir, "git", args...)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return output, errors.NewTimeoutError("git "+args[0], g.opTimeout).WithCause(err)
	}
	return output, err
}

// IsWorkingCopy reports whether dir holds a git checkout.
func (g *Git) IsWorkingCopy(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

// Clone clones repo into dir. A partial clone is removed on failure so the
// next attempt starts clean. Transport failures are marked retryable.
func (g *Git) Clone(ctx context.Context, repo, dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return errors.NewGitError("failed to create clone parent", err).WithRepository(repo)
	}
	output, err := g.run(ctx, filepath.Dir(dir), "clone", "--quiet", repo, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		if errors.Is(err, errors.ErrTimeout) {
			return err
		}
		return errors.NewGitError("failed to clone", err).
			WithRepository(repo).
			WithGitOutput(string(output)).
			WithRetryable(ctx.Err() == nil)
	}
	return nil
}

// Fetch updates remote-tracking refs.
func (g *Git) Fetch(ctx context.Context, dir string) error {
	output, err := g.run(ctx, dir, "fetch", "--prune", "--tags", "origin")
	if err != nil {
		if errors.Is(err, errors.ErrTimeout) {
			return err
		}
		return errors.NewGitError("failed to fetch", err).
			WithRepository(dir).
			WithGitOutput(string(output)).
			WithRetryable(true)
	}
	return nil
}

// CurrentRef returns the checked-out branch, or the commit when HEAD is detached.
func (g *Git) CurrentRef(ctx context.Context, dir string) (string, error) {
	output, err := g.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", errors.NewGitError("failed to read current ref", err).
			WithRepository(dir).
			WithGitOutput(string(output))
	}
	ref := strings.TrimSpace(string(output))
	if ref != "HEAD" {
		return ref, nil
	}
	return g.HeadCommit(ctx, dir)
}

// HeadCommit returns the abbreviated commit checked out in dir.
func (g *Git) HeadCommit(ctx context.Context, dir string) (string, error) {
	output, err := g.run(ctx, dir, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", errors.NewGitError("failed to read HEAD", err).
			WithRepository(dir).
			WithGitOutput(string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// ResolveCommit returns the full commit ref points at, peeling annotated tags.
func (g *Git) ResolveCommit(ctx context.Context, dir, ref string) (string, error) {
	output, err := g.run(ctx, dir, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		return "", errors.NewGitError("failed to resolve commit", err).
			WithRepository(dir).
			WithRef(ref).
			WithGitOutput(string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// RemoteRefExists reports whether origin has a branch or tag named ref.
func (g *Git) RemoteRefExists(ctx context.Context, dir, ref string) (bool, error) {
	output, err := g.run(ctx, dir, "ls-remote", "--heads", "--tags", "origin", ref)
	if err != nil {
		if errors.Is(err, errors.ErrTimeout) {
			return false, err
		}
		return false, errors.NewGitError("failed to list remote refs", err).
			WithRepository(dir).
			WithRef(ref).
			WithGitOutput(string(output)).
			WithRetryable(true)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		name := fields[1]
		if name == "refs/heads/"+ref || name == "refs/tags/"+ref || name == "refs/tags/"+ref+"^{}" {
			return true, nil
		}
	}
	return false, nil
}

// HasLocalChanges reports whether the working copy differs from HEAD.
func (g *Git) HasLocalChanges(ctx context.Context, dir string) (bool, error) {
	output, err := g.run(ctx, dir, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, errors.NewGitError("failed to check git status", err).
			WithRepository(dir).
			WithGitOutput(string(output))
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

// Checkout switches dir to ref. A branch that only exists on origin gets a
// local tracking branch.
func (g *Git) Checkout(ctx context.Context, dir, ref string) error {
	output, err := g.run(ctx, dir, "checkout", "--quiet", ref)
	if err != nil {
		return errors.NewGitError("failed to checkout", err).
			WithRepository(dir).
			WithRef(ref).
			WithGitOutput(string(output))
	}
	return nil
}

// DiscardChanges resets tracked files to HEAD.
func (g *Git) DiscardChanges(ctx context.Context, dir string) error {
	output, err := g.run(ctx, dir, "reset", "--quiet", "--hard", "HEAD")
	if err != nil {
		return errors.NewGitError("failed to discard local changes", err).
			WithRepository(dir).
			WithGitOutput(string(output))
	}
	return nil
}

// FastForward moves the checked-out branch to origin/ref. Tags and refs with
// no remote-tracking branch are left alone.
func (g *Git) FastForward(ctx context.Context, dir, ref string) error {
	if _, err := g.run(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/remotes/origin/"+ref); err != nil {
		if errors.Is(err, errors.ErrTimeout) {
			return err
		}
		return nil
	}
	output, err := g.run(ctx, dir, "merge", "--ff-only", "--quiet", "origin/"+ref)
	if err != nil {
		return errors.NewGitError("failed to fast-forward", err).
			WithRepository(dir).
			WithRef(ref).
			WithGitOutput(string(output))
	}
	return nil
}
