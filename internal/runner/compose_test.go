package runner

import (
	"bytes"
	"context"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/devstack/internal/errors"
)

type fakeCall struct {
	dir  string
	name string
	args []string
}

// fakeExecutor writes scripted output and returns a scripted error.
type fakeExecutor struct {
	mu     sync.Mutex
	calls  []fakeCall
	output string
	err    error
	block  bool
}

func (f *fakeExecutor) Run(ctx context.Context, dir string, out io.Writer, name string, args ...string) error {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{dir: dir, name: name, args: args})
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	_, _ = io.WriteString(out, f.output)
	return f.err
}

func (f *fakeExecutor) last() fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func newCompose(t *testing.T, exec *fakeExecutor, timeout time.Duration) *Compose {
	t.Helper()
	c, err := New(Options{
		Project:       "devstack",
		Manifest:      "/ws/docker-compose.yml",
		FatalPatterns: []string{`(?m)^ERROR: failed to solve`, `(?i)error building image`},
		BuildTimeout:  timeout,
		Executor:      exec,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		err     error
		wantErr bool
	}{
		{name: "clean build", output: "#1 DONE 0.1s\n"},
		{name: "warnings only", output: "WARN: deprecated base image\n#2 DONE\n"},
		{name: "non-zero exit", output: "#1 DONE\n", err: errors.New("exit status 1"), wantErr: true},
		{name: "zero exit with fatal marker", output: "#3 step\nERROR: failed to solve: process did not complete\n", wantErr: true},
		{name: "marker on unterminated last line", output: "#1 DONE\nError building image", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{output: tt.output, err: tt.err}
			c := newCompose(t, exec, time.Minute)

			var out bytes.Buffer
			err := c.Build(context.Background(), "unit-a", &out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Build() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errors.ErrBuildFailed) {
				t.Errorf("Build() error should wrap ErrBuildFailed, got %v", err)
			}
			if out.String() != tt.output {
				t.Errorf("output not streamed: %q", out.String())
			}

			call := exec.last()
			want := []string{"compose", "-p", "devstack", "-f", "/ws/docker-compose.yml", "build", "--progress", "plain", "unit-a"}
			if call.name != "docker" || !slices.Equal(call.args, want) || call.dir != "/ws" {
				t.Errorf("call = %+v", call)
			}
		})
	}
}

func TestBuild_Timeout(t *testing.T) {
	c := newCompose(t, &fakeExecutor{block: true}, 20*time.Millisecond)

	err := c.Build(context.Background(), "unit-a", io.Discard)
	if !errors.Is(err, errors.ErrTimeout) || !errors.Is(err, errors.ErrBuildFailed) {
		t.Fatalf("Build() error = %v, want timeout wrapping build failure", err)
	}
}

func TestNew_InvalidPattern(t *testing.T) {
	if _, err := New(Options{FatalPatterns: []string{"("}}); err == nil {
		t.Error("New() should reject an invalid pattern")
	}
}

func TestUpDownLogsStats(t *testing.T) {
	exec := &fakeExecutor{}
	c := newCompose(t, exec, 0)
	ctx := context.Background()

	if err := c.Up(ctx, nil, io.Discard); err != nil || len(exec.calls) != 0 {
		t.Fatalf("Up() with no units should be a no-op, calls=%d err=%v", len(exec.calls), err)
	}

	tests := []struct {
		name string
		run  func() error
		want string
	}{
		{"up", func() error { return c.Up(ctx, []string{"a", "b"}, io.Discard) }, "up -d --no-build --remove-orphans a b"},
		{"down", func() error { return c.Down(ctx, false, io.Discard) }, "down --remove-orphans"},
		{"down images", func() error { return c.Down(ctx, true, io.Discard) }, "down --remove-orphans --rmi local --volumes"},
		{"logs", func() error { return c.Logs(ctx, "a", true, 50, io.Discard) }, "logs --no-color --follow --tail 50 a"},
		{"stats", func() error { return c.Stats(ctx, "", io.Discard) }, "stats --no-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); err != nil {
				t.Fatal(err)
			}
			got := strings.Join(exec.last().args[5:], " ")
			if got != tt.want {
				t.Errorf("args = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunning(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{
			name: "json lines",
			output: `{"Service":"a","Name":"devstack-a-1","State":"running","Status":"Up 2s","Health":""}
{"Service":"b","Name":"devstack-b-1","State":"exited","Status":"Exited (1)","Health":""}
{"Service":"c","Name":"devstack-c-1","State":"running","Status":"Up","Health":"unhealthy"}
`,
		},
		{
			name: "json array",
			output: `[{"Service":"a","State":"running"},{"Service":"b","State":"exited"},` +
				`{"Service":"c","State":"running","Health":"unhealthy"}]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCompose(t, &fakeExecutor{output: tt.output}, 0)
			got, err := c.Running(context.Background(), []string{"a", "b", "c", "d"})
			if err != nil {
				t.Fatalf("Running() error = %v", err)
			}
			want := map[string]bool{"a": true, "b": false, "c": false, "d": false}
			for unit, running := range want {
				if got[unit] != running {
					t.Errorf("Running()[%s] = %v, want %v", unit, got[unit], running)
				}
			}
		})
	}
}

func TestStatus_Error(t *testing.T) {
	c := newCompose(t, &fakeExecutor{output: "no such project", err: errors.New("exit status 1")}, 0)
	if _, err := c.Status(context.Background()); err == nil || !strings.Contains(err.Error(), "no such project") {
		t.Errorf("Status() error = %v", err)
	}
}
