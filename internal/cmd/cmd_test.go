package cmd

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/devstack/internal/catalog"
	"github.com/Iron-Ham/devstack/internal/config"
	"github.com/Iron-Ham/devstack/internal/errors"
	"github.com/Iron-Ham/devstack/internal/progress"
	"github.com/Iron-Ham/devstack/internal/report"
)

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "devstack" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "devstack")
	}

	expectedCmds := []string{"run", "restart", "stop", "clean", "logs", "stats", "history", "pin", "dashboard", "watch", "config"}
	cmdMap := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}
	for _, expected := range expectedCmds {
		if !cmdMap[expected] {
			t.Errorf("expected subcommand %q not found", expected)
		}
	}
}

func TestRunFlags(t *testing.T) {
	for _, c := range []*cobra.Command{runCmd, restartCmd} {
		for _, name := range []string{"refresh", "include-workers", "local-dependency", "dashboard", "max-parallel", "namespace"} {
			if c.Flags().Lookup(name) == nil {
				t.Errorf("%s: flag --%s not registered", c.Name(), name)
			}
		}
	}
	if dashboardCmd.RunE == nil || dashboardCmd.Flags().Lookup("addr") == nil {
		t.Error("dashboard command is not wired")
	}
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Parse([]byte(`
services:
  api:
    repo: https://example.com/api.git
    kind: python
    port: 8000
  web:
    repo: https://example.com/web.git
    kind: node
    port: 3000
`), t.TempDir())
	if err != nil {
		t.Fatalf("catalog.Parse() error = %v", err)
	}
	return cat
}

func TestSplitRunArgs(t *testing.T) {
	cat := testCatalog(t)

	tests := []struct {
		name          string
		args          []string
		wantNamespace string
		wantUnits     []string
	}{
		{"no args", nil, "s1", nil},
		{"namespace only", []string{"s2"}, "s2", []string{}},
		{"namespace and units", []string{"s2", "api", "web"}, "s2", []string{"api", "web"}},
		{"unit first", []string{"api", "web"}, "s1", []string{"api", "web"}},
		{"pattern first", []string{"a*"}, "s1", []string{"a*"}},
		{"brace pattern first", []string{"{api,web}"}, "s1", []string{"{api,web}"}},
		{"namespace then pattern", []string{"s3", "w?b"}, "s3", []string{"w?b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			namespace, units := splitRunArgs(cat, tt.args, "s1")
			if namespace != tt.wantNamespace {
				t.Errorf("namespace = %q, want %q", namespace, tt.wantNamespace)
			}
			if len(units) != len(tt.wantUnits) || (len(units) > 0 && !reflect.DeepEqual(units, tt.wantUnits)) {
				t.Errorf("units = %v, want %v", units, tt.wantUnits)
			}
		})
	}
}

func TestPlanRun(t *testing.T) {
	ws := &workspace{cfg: config.Default(), catalog: testCatalog(t)}

	tests := []struct {
		name       string
		args       []string
		wantErr    bool
		wantUnits  []string
		wantIntake []string
	}{
		{name: "everything", args: nil},
		{name: "known units", args: []string{"s2", "api"}, wantUnits: []string{"api"}},
		{name: "unknown unit", args: []string{"s2", "api", "unit-ghost"}, wantErr: true, wantIntake: []string{"unit-ghost"}},
		{name: "pattern matching nothing", args: []string{"z*"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := planRun(ws, tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("planRun() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var intake *errors.IntakeError
				if !errors.As(err, &intake) {
					t.Fatalf("planRun() error = %T, want *errors.IntakeError", err)
				}
				if tt.wantIntake != nil && !reflect.DeepEqual(intake.Units, tt.wantIntake) {
					t.Errorf("IntakeError.Units = %v, want %v", intake.Units, tt.wantIntake)
				}
				return
			}
			if tt.wantUnits != nil && !reflect.DeepEqual(plan.units, tt.wantUnits) {
				t.Errorf("plan.units = %v, want %v", plan.units, tt.wantUnits)
			}
		})
	}
}

func TestRestart_UnknownUnitLeavesStackRunning(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "devstack.units.yaml")
	if err := os.WriteFile(catalogPath, []byte(`
services:
  api:
    repo: https://example.com/api.git
    kind: python
    port: 8000
`), 0644); err != nil {
		t.Fatal(err)
	}
	wsDir := filepath.Join(dir, "ws")
	if err := os.MkdirAll(wsDir, 0755); err != nil {
		t.Fatal(err)
	}

	forward := exec.Command("sleep", "30")
	if err := forward.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = forward.Process.Kill()
		_ = forward.Wait()
	})
	pidFile := filepath.Join(wsDir, "dependency.pid")
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(forward.Process.Pid)), 0644); err != nil {
		t.Fatal(err)
	}

	rootCmd.SetArgs([]string{"restart", "s1", "api", "unit-ghost", "--workspace", wsDir, "--catalog", catalogPath})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()

	var intake *errors.IntakeError
	if !errors.As(err, &intake) {
		t.Fatalf("restart error = %v, want *errors.IntakeError", err)
	}
	if err := syscall.Kill(forward.Process.Pid, 0); err != nil {
		t.Errorf("dependency forward was stopped: %v", err)
	}
	if _, err := os.Stat(pidFile); err != nil {
		t.Errorf("pid file removed: %v", err)
	}
	for _, name := range []string{metricsTextfile, "progress.json"} {
		if _, err := os.Stat(filepath.Join(wsDir, name)); !os.IsNotExist(err) {
			t.Errorf("%s written for a rejected request", name)
		}
	}
}

func TestFinishProgress(t *testing.T) {
	tests := []struct {
		name     string
		finished bool
		want     string
	}{
		{"finished run", true, ""},
		{"unfinished run", false, "was not marked completed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := progress.NewPublisher(filepath.Join(t.TempDir(), "progress.json"), nil)
			p.Publish(progress.Update{Kind: progress.RunStarted, RunID: "run-1", Phases: []string{"setup"}})
			if tt.finished {
				p.Publish(progress.Update{Kind: progress.RunFinished})
			}

			var out bytes.Buffer
			finishProgress(p, report.New(&out, false))
			if tt.want == "" && out.Len() != 0 {
				t.Errorf("output = %q, want none", out.String())
			}
			if tt.want != "" && !strings.Contains(out.String(), tt.want) {
				t.Errorf("output = %q, want it to contain %q", out.String(), tt.want)
			}
		})
	}
}

const sampleLog = `{"time":"2026-03-01T10:00:00Z","level":"INFO","msg":"run started","run_id":"3f2a9c1d44"}
{"time":"2026-03-01T10:00:01Z","level":"DEBUG","msg":"cloning","run_id":"3f2a9c1d44","unit":"api","phase":"setup"}
{"time":"2026-03-01T10:00:05Z","level":"WARN","msg":"sync retry","run_id":"3f2a9c1d44","unit":"web","phase":"setup","attempt":2}
not json at all
{"time":"2026-03-01T10:02:00Z","level":"ERROR","msg":"build failed","run_id":"77bb00aa11","unit":"api","phase":"build","error":"exit status 1"}
`

func TestReadLogEntries(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 3, 0, 0, time.UTC)

	tests := []struct {
		name  string
		level string
		since string
		grep  string
		run   string
		unit  string
		want  []string
	}{
		{
			name: "no filter keeps everything",
			want: []string{"run started", "cloning", "sync retry", "not json at all", "build failed"},
		},
		{
			name:  "minimum level",
			level: "warn",
			want:  []string{"sync retry", "not json at all", "build failed"},
		},
		{
			name:  "since",
			since: "2m",
			want:  []string{"not json at all", "build failed"},
		},
		{
			name: "run prefix",
			run:  "3f2a",
			want: []string{"run started", "cloning", "sync retry", "not json at all"},
		},
		{
			name: "unit",
			unit: "api",
			want: []string{"cloning", "not json at all", "build failed"},
		},
		{
			name: "grep searches extra fields",
			grep: "exit status",
			want: []string{"not json at all", "build failed"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter, err := newLogFilter(tt.level, tt.since, tt.grep, tt.run, tt.unit, now)
			if err != nil {
				t.Fatalf("newLogFilter() error = %v", err)
			}
			entries, err := readLogEntries(strings.NewReader(sampleLog), filter, false)
			if err != nil {
				t.Fatalf("readLogEntries() error = %v", err)
			}
			if len(entries) != len(tt.want) {
				t.Fatalf("got %d entries, want %d:\n%s", len(entries), len(tt.want), strings.Join(entries, "\n"))
			}
			for i, want := range tt.want {
				if !strings.Contains(entries[i], want) {
					t.Errorf("entry %d = %q, want it to contain %q", i, entries[i], want)
				}
			}
		})
	}
}

func TestNewLogFilter_Invalid(t *testing.T) {
	if _, err := newLogFilter("", "soon", "", "", "", time.Now()); err == nil {
		t.Error("expected an error for an invalid duration")
	}
	if _, err := newLogFilter("", "", "([", "", "", time.Now()); err == nil {
		t.Error("expected an error for an invalid pattern")
	}
}

func TestFormatLogEntry(t *testing.T) {
	entry := &logEntry{
		Time:  time.Date(2026, 3, 1, 10, 0, 5, 250_000_000, time.UTC),
		Level: "warn",
		Msg:   "sync retry",
		RunID: "3f2a9c1d44",
		Unit:  "web",
		Phase: "setup",
		Extra: map[string]any{"attempt": 2, "error": "timeout"},
	}

	got := formatLogEntry(entry, false)
	want := "[10:00:05.250] [WARN] sync retry run=3f2a9c1d unit=web phase=setup attempt=2 error=timeout"
	if got != want {
		t.Errorf("formatLogEntry() =\n  %q\nwant\n  %q", got, want)
	}

	if colored := formatLogEntry(entry, true); !strings.Contains(colored, colorYellow) {
		t.Errorf("colored output lacks the level color: %q", colored)
	}
}

func TestParseSetting(t *testing.T) {
	tests := []struct {
		key     string
		value   string
		want    any
		wantErr bool
	}{
		{"namespace", "s2", "s2", false},
		{"pipeline.max_parallel", "4", 4, false},
		{"pipeline.max_parallel", "four", nil, true},
		{"debug.base_port", "-1", nil, true},
		{"pipeline.refresh", "true", true, false},
		{"pipeline.refresh", "yes please", nil, true},
		{"pipeline.build_timeout", "30m", "30m", false},
		{"pipeline.build_timeout", "forever", nil, true},
		{"no.such.key", "x", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			got, err := parseSetting(tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSetting() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseSetting() = %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestCleanTargets(t *testing.T) {
	cfg := config.Default()
	cfg.Workspace.Dir = t.TempDir()
	ws := &workspace{cfg: cfg, paths: cfg.ResolvePaths("/")}

	for _, dir := range []string{ws.paths.Repos, ws.paths.Logs} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	for _, file := range []string{ws.paths.Manifest, ws.paths.State, filepath.Join(ws.paths.Root, metricsTextfile)} {
		if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	got := cleanTargets(ws, false)
	want := []string{ws.paths.Repos, ws.paths.Manifest, ws.paths.Logs, filepath.Join(ws.paths.Root, metricsTextfile)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("cleanTargets() = %v, want %v", got, want)
	}

	withState := cleanTargets(ws, true)
	if withState[len(withState)-1] != ws.paths.State {
		t.Errorf("cleanTargets(state) = %v, want the database last", withState)
	}
}
