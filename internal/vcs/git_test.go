package vcs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/devstack/internal/errors"
	"github.com/Iron-Ham/devstack/internal/testutil"
)

// -----------------------------------------------------------------------------
// Mock Command Executor for Unit Tests
// -----------------------------------------------------------------------------

type mockCall struct {
	dir  string
	name string
	args []string
}

type mockExecutor struct {
	calls      []mockCall
	runOutputs [][]byte
	runErrors  []error
	callIndex  int
	block      bool
}

func (m *mockExecutor) addResponse(output []byte, err error) {
	m.runOutputs = append(m.runOutputs, output)
	m.runErrors = append(m.runErrors, err)
}

func (m *mockExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	m.calls = append(m.calls, mockCall{dir: dir, name: name, args: args})
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	idx := m.callIndex
	m.callIndex++
	if idx < len(m.runOutputs) {
		return m.runOutputs[idx], m.runErrors[idx]
	}
	return nil, nil
}

func (m *mockExecutor) lastCall() mockCall {
	if len(m.calls) == 0 {
		return mockCall{}
	}
	return m.calls[len(m.calls)-1]
}

// -----------------------------------------------------------------------------
// Unit Tests
// -----------------------------------------------------------------------------

func TestRemoteRefExists_ParsesLsRemote(t *testing.T) {
	tests := []struct {
		name   string
		output string
		ref    string
		want   bool
	}{
		{"branch", "abc123\trefs/heads/main\n", "main", true},
		{"tag", "abc123\trefs/tags/v1.2\nabc124\trefs/tags/v1.2^{}\n", "v1.2", true},
		{"suffix match only", "abc123\trefs/heads/feature/main\n", "main", false},
		{"empty", "", "feature-x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockExecutor{}
			mock.addResponse([]byte(tt.output), nil)
			g := New(WithExecutor(mock))

			got, err := g.RemoteRefExists(context.Background(), "/repo", tt.ref)
			if err != nil {
				t.Fatalf("RemoteRefExists() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("RemoteRefExists() = %v, want %v", got, tt.want)
			}
			call := mock.lastCall()
			if call.name != "git" || call.args[0] != "ls-remote" || call.dir != "/repo" {
				t.Errorf("unexpected call %+v", call)
			}
		})
	}
}

func TestClone_FailureIsRetryableGitError(t *testing.T) {
	mock := &mockExecutor{}
	mock.addResponse([]byte("fatal: unable to access"), errors.New("exit status 128"))
	g := New(WithExecutor(mock))

	dir := filepath.Join(t.TempDir(), "repos", "unit-a")
	err := g.Clone(context.Background(), "https://example.com/a.git", dir)

	var gitErr *errors.GitError
	if !errors.As(err, &gitErr) {
		t.Fatalf("Clone() error = %T, want *GitError", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("clone transport failure should be retryable")
	}
	if !strings.Contains(err.Error(), "unable to access") {
		t.Errorf("error should carry git output, got %q", err.Error())
	}
	if _, statErr := os.Stat(dir); !os.IsNotExist(statErr) {
		t.Error("partial clone directory should be removed")
	}
}

func TestRun_TimeoutBecomesTimeoutError(t *testing.T) {
	mock := &mockExecutor{block: true}
	g := New(WithExecutor(mock), WithTimeout(20*time.Millisecond))

	err := g.Fetch(context.Background(), "/repo")
	if !errors.Is(err, errors.ErrTimeout) {
		t.Fatalf("Fetch() error = %v, want timeout", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("timeouts should be retryable")
	}
}

func TestFastForward_SkipsRefWithoutTrackingBranch(t *testing.T) {
	mock := &mockExecutor{}
	mock.addResponse(nil, errors.New("exit status 1"))
	g := New(WithExecutor(mock))

	if err := g.FastForward(context.Background(), "/repo", "v1.0"); err != nil {
		t.Fatalf("FastForward() error = %v", err)
	}
	if len(mock.calls) != 1 {
		t.Errorf("expected only the rev-parse check, got %d calls", len(mock.calls))
	}
}

// -----------------------------------------------------------------------------
// Integration Tests (real git)
// -----------------------------------------------------------------------------

func TestGit_CloneCheckoutFastForward(t *testing.T) {
	testutil.SkipIfNoGit(t)
	ctx := context.Background()

	upstream, remote := testutil.SetupTestRepoWithRemote(t)
	testutil.CreateBranch(t, upstream, "feature-x")
	testutil.PushBranch(t, upstream, "feature-x")

	g := New(WithTimeout(30 * time.Second))
	dir := filepath.Join(t.TempDir(), "unit-a")

	if err := g.Clone(ctx, remote, dir); err != nil {
		t.Fatalf("Clone() error = %v", err)
	}
	if !g.IsWorkingCopy(dir) {
		t.Fatal("clone should produce a working copy")
	}

	ref, err := g.CurrentRef(ctx, dir)
	if err != nil || ref != "main" {
		t.Fatalf("CurrentRef() = %q, %v, want main", ref, err)
	}

	exists, err := g.RemoteRefExists(ctx, dir, "feature-x")
	if err != nil || !exists {
		t.Fatalf("RemoteRefExists(feature-x) = %v, %v", exists, err)
	}
	exists, _ = g.RemoteRefExists(ctx, dir, "gone")
	if exists {
		t.Error("RemoteRefExists(gone) should be false")
	}

	if err := g.Checkout(ctx, dir, "feature-x"); err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if got := testutil.GetCurrentBranch(t, dir); got != "feature-x" {
		t.Errorf("branch = %q, want feature-x", got)
	}

	// Upstream moves; fetch + fast-forward picks it up.
	testutil.CheckoutBranch(t, upstream, "feature-x")
	testutil.CommitFile(t, upstream, "new.txt", "hello", "Add new file")
	testutil.PushBranch(t, upstream, "feature-x")

	if err := g.Fetch(ctx, dir); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if err := g.FastForward(ctx, dir, "feature-x"); err != nil {
		t.Fatalf("FastForward() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "new.txt")); err != nil {
		t.Errorf("fast-forward should bring new.txt: %v", err)
	}
}

func TestGit_DiscardChanges(t *testing.T) {
	testutil.SkipIfNoGit(t)
	ctx := context.Background()

	dir := testutil.SetupTestRepo(t)
	g := New()

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("local edit\n"), 0644); err != nil {
		t.Fatal(err)
	}
	dirty, err := g.HasLocalChanges(ctx, dir)
	if err != nil || !dirty {
		t.Fatalf("HasLocalChanges() = %v, %v, want true", dirty, err)
	}

	if err := g.DiscardChanges(ctx, dir); err != nil {
		t.Fatalf("DiscardChanges() error = %v", err)
	}
	if testutil.HasUncommittedChanges(t, dir) {
		t.Error("working copy should be clean after DiscardChanges")
	}
}

func TestGit_CurrentRefDetached(t *testing.T) {
	testutil.SkipIfNoGit(t)
	ctx := context.Background()

	dir := testutil.SetupTestRepo(t)
	g := New()

	head, err := g.HeadCommit(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := testutil.RunGit(dir, "checkout", "--detach"); err != nil {
		t.Fatal(err)
	}
	ref, err := g.CurrentRef(ctx, dir)
	if err != nil || ref != head {
		t.Errorf("CurrentRef() detached = %q, %v, want %q", ref, err, head)
	}
}

func TestGit_ResolveCommit(t *testing.T) {
	testutil.SkipIfNoGit(t)
	ctx := context.Background()

	dir := testutil.SetupTestRepo(t)
	g := New()

	if err := testutil.RunGit(dir, "tag", "-a", "v1.0", "-m", "release"); err != nil {
		t.Fatal(err)
	}
	head, err := g.ResolveCommit(ctx, dir, "HEAD")
	if err != nil {
		t.Fatalf("ResolveCommit(HEAD) error = %v", err)
	}
	short, _ := g.HeadCommit(ctx, dir)
	if !strings.HasPrefix(head, short) || len(head) <= len(short) {
		t.Errorf("ResolveCommit(HEAD) = %q, want the full form of %q", head, short)
	}
	tag, err := g.ResolveCommit(ctx, dir, "v1.0")
	if err != nil || tag != head {
		t.Errorf("ResolveCommit(v1.0) = %q, %v, want the peeled commit %q", tag, err, head)
	}
	if _, err := g.ResolveCommit(ctx, dir, "no-such-ref"); err == nil {
		t.Error("ResolveCommit() should fail for an unknown ref")
	}
}
