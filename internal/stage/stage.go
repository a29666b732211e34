// Package stage brings one unit's working copy and build inputs into a
// ready state: clone if needed, land on the right ref, overlay config files
// and place the build descriptor.
package stage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Iron-Ham/devstack/internal/catalog"
	"github.com/Iron-Ham/devstack/internal/errors"
	"github.com/Iron-Ham/devstack/internal/logging"
	"github.com/Iron-Ham/devstack/internal/retry"
	"github.com/Iron-Ham/devstack/internal/vcs"
)

// Step names reported with a unit failure.
const (
	StepSource     = "source"
	StepSync       = "sync"
	StepCheckout   = "checkout"
	StepConfig     = "config"
	StepDescriptor = "descriptor"
	StepParent     = "parent"
)

// RefCache remembers the ref each unit was last checked out on.
type RefCache interface {
	Pinned(unit string) (ref string, ok bool, err error)
	Pin(unit, ref string) error
}

// Options configures a Stager.
type Options struct {
	// ReposDir holds one working copy per service.
	ReposDir string
	// Namespace selects config sources and descriptor overrides.
	Namespace string
	// Refresh discards local changes and fast-forwards every unit.
	Refresh bool
	// Sync is the retry policy for cloning.
	Sync retry.Policy
}

// Stager runs unit setup.
type Stager struct {
	git     *vcs.Git
	catalog *catalog.Catalog
	refs    RefCache
	opts    Options
	logger  *logging.Logger
}

// New creates a Stager. refs may be nil, in which case no ref is remembered.
func New(git *vcs.Git, cat *catalog.Catalog, refs RefCache, opts Options, logger *logging.Logger) *Stager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Stager{git: git, catalog: cat, refs: refs, opts: opts, logger: logger}
}

// WorkDir returns the working copy a unit builds from. Workers share their
// parent's.
func (s *Stager) WorkDir(u catalog.Unit) string {
	return filepath.Join(s.opts.ReposDir, u.SourceName())
}

// Setup prepares u, writing progress lines to out. The returned error is a
// *errors.UnitError naming the failed step. Workers skip the source steps;
// the caller must only set up a worker after its parent succeeded.
func (s *Stager) Setup(ctx context.Context, u catalog.Unit, out io.Writer) error {
	log := s.logger.WithUnit(u.Name)
	dir := s.WorkDir(u)

	if !u.IsWorker() {
		if u.Repo == "" {
			return unitErr(u, StepSource, "cannot sync", errors.ErrNoSource)
		}
		if err := s.sync(ctx, u, dir, out); err != nil {
			return unitErr(u, StepSync, "cannot sync working copy", err)
		}
		if err := s.checkout(ctx, u, dir, out); err != nil {
			return unitErr(u, StepCheckout, "cannot check out ref", err)
		}
	} else if !s.git.IsWorkingCopy(dir) {
		return unitErr(u, StepParent, "parent working copy missing", errors.ErrParentFailed)
	}

	if err := s.overlay(u, dir, out); err != nil {
		return unitErr(u, StepConfig, "cannot overlay config", err)
	}
	if err := s.placeDescriptor(u, dir, out); err != nil {
		return unitErr(u, StepDescriptor, "cannot place build descriptor", err)
	}

	log.Debug("unit staged", "dir", dir)
	return nil
}

func unitErr(u catalog.Unit, step, msg string, cause error) error {
	return errors.NewUnitError(msg, cause).WithUnit(u.Name).WithStep(step)
}

// sync clones the working copy if it is not present yet.
func (s *Stager) sync(ctx context.Context, u catalog.Unit, dir string, out io.Writer) error {
	if s.git.IsWorkingCopy(dir) {
		return nil
	}
	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		return fmt.Errorf("%s exists but is not a git working copy", dir)
	}

	policy := s.opts.Sync
	policy.Retryable = errors.IsRetryable
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		fmt.Fprintf(out, "clone attempt %d failed, retrying in %s: %v\n", attempt, delay.Round(time.Millisecond), err)
		s.logger.WithUnit(u.Name).Warn("clone failed, retrying", "attempt", attempt, "delay", delay, "error", err.Error())
	}

	fmt.Fprintf(out, "cloning %s\n", u.Repo)
	return retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		return s.git.Clone(ctx, u.Repo, dir)
	})
}

// checkout lands dir on the unit's target ref.
//
// Without refresh the working copy is only switched when it is on a
// different ref, so local changes survive repeated runs. With refresh local
// changes are discarded and the branch is fast-forwarded to origin.
func (s *Stager) checkout(ctx context.Context, u catalog.Unit, dir string, out io.Writer) error {
	refresh := s.opts.Refresh || u.Refresh
	target, alternate := u.DeclaredRef(), u.FallbackRef()
	if !refresh && s.refs != nil {
		pinned, ok, err := s.refs.Pinned(u.Name)
		if err != nil {
			s.logger.WithUnit(u.Name).Warn("ref cache unavailable", "error", err.Error())
		} else if ok && pinned != target {
			target, alternate = pinned, target
		}
	}

	current, err := s.git.CurrentRef(ctx, dir)
	if err != nil {
		return err
	}
	if !refresh && s.atRef(ctx, dir, current, target) {
		if dirty, err := s.git.HasLocalChanges(ctx, dir); err == nil && dirty {
			fmt.Fprintln(out, "preserving local modifications")
		}
		fmt.Fprintf(out, "on declared ref %s, no changes\n", target)
		s.remember(u, target)
		return nil
	}

	if err := s.git.Fetch(ctx, dir); err != nil {
		return err
	}
	resolved, err := s.resolveRef(ctx, dir, target, alternate, out)
	if err != nil {
		return err
	}

	if refresh {
		if err := s.git.DiscardChanges(ctx, dir); err != nil {
			return err
		}
	}
	if current != resolved {
		if err := s.git.Checkout(ctx, dir, resolved); err != nil {
			return err
		}
		fmt.Fprintf(out, "switched from %s to %s\n", current, resolved)
	}
	if refresh {
		if err := s.git.FastForward(ctx, dir, resolved); err != nil {
			return err
		}
		commit, _ := s.git.HeadCommit(ctx, dir)
		fmt.Fprintf(out, "refreshed %s to origin/%s (%s)\n", u.Name, resolved, commit)
	} else if current == resolved {
		fmt.Fprintf(out, "already on %s, no changes\n", resolved)
	}

	s.remember(u, resolved)
	return nil
}

// atRef reports whether dir is on target. A tag or commit target leaves
// HEAD detached, so current is then the abbreviated commit and the target's
// commit is compared instead.
func (s *Stager) atRef(ctx context.Context, dir, current, target string) bool {
	if current == target {
		return true
	}
	head, err := s.git.ResolveCommit(ctx, dir, "HEAD")
	if err != nil || !strings.HasPrefix(head, current) {
		return false
	}
	want, err := s.git.ResolveCommit(ctx, dir, target)
	return err == nil && want == head
}

// resolveRef returns target if origin has it, else alternate, else ErrRefNotFound.
func (s *Stager) resolveRef(ctx context.Context, dir, target, alternate string, out io.Writer) (string, error) {
	ok, err := s.git.RemoteRefExists(ctx, dir, target)
	if err != nil {
		return "", err
	}
	if ok {
		return target, nil
	}
	if alternate == "" || alternate == target {
		return "", errors.NewGitError("ref missing on origin", errors.ErrRefNotFound).WithRef(target).WithRepository(dir)
	}

	ok, err = s.git.RemoteRefExists(ctx, dir, alternate)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.NewGitError("ref and alternate missing on origin", errors.ErrRefNotFound).
			WithRef(target + "," + alternate).WithRepository(dir)
	}
	fmt.Fprintf(out, "ref %s not found on origin, falling back to %s\n", target, alternate)
	s.logger.Warn("ref fallback", "dir", dir, "ref", target, "alternate", alternate)
	return alternate, nil
}

func (s *Stager) remember(u catalog.Unit, ref string) {
	if s.refs == nil {
		return
	}
	if err := s.refs.Pin(u.Name, ref); err != nil {
		s.logger.WithUnit(u.Name).Warn("cannot remember ref", "ref", ref, "error", err.Error())
	}
}

// overlay copies each declared config file into the working copy, in order.
// A missing optional source is skipped and nothing is written in its place.
func (s *Stager) overlay(u catalog.Unit, dir string, out io.Writer) error {
	for _, o := range u.Configs {
		src := s.catalog.ExpandSource(o.Source, s.opts.Namespace)
		dst := filepath.Join(dir, o.Destination)

		if !fileExists(src) {
			if o.Required {
				return fmt.Errorf("%s: %w", src, errors.ErrRequiredConfigMissing)
			}
			fmt.Fprintf(out, "optional config %s absent, skipped\n", src)
			continue
		}
		if err := copyFile(src, dst); err != nil {
			return errors.Wrapf(err, "copy %s to %s", src, o.Destination)
		}
		fmt.Fprintf(out, "config %s -> %s\n", filepath.Base(src), o.Destination)
	}
	return nil
}

// placeDescriptor copies the build descriptor for the namespace into the
// working copy. A unit without a declared descriptor must already carry one
// at the target path.
func (s *Stager) placeDescriptor(u catalog.Unit, dir string, out io.Writer) error {
	target := filepath.Join(dir, u.DescriptorTarget())

	source := u.DescriptorSource(s.opts.Namespace)
	if source == "" {
		if fileExists(target) {
			return nil
		}
		return fmt.Errorf("%s: %w", u.DescriptorTarget(), errors.ErrDescriptorMissing)
	}

	src := s.catalog.ExpandSource(source, s.opts.Namespace)
	if !fileExists(src) {
		return fmt.Errorf("%s: %w", src, errors.ErrDescriptorMissing)
	}
	if err := copyFile(src, target); err != nil {
		return fmt.Errorf("copy descriptor: %w", err)
	}
	fmt.Fprintf(out, "descriptor %s -> %s\n", filepath.Base(src), u.DescriptorTarget())
	return nil
}
