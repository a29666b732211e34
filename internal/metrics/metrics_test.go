package metrics

import (
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Iron-Ham/devstack/internal/timing"
)

func TestPipeline_UnitOutcomes(t *testing.T) {
	m := NewPipeline()
	m.ObserveUnit("build", "api", 3*time.Second, "success")
	m.ObserveUnit("build", "web", time.Second, "failure")
	m.ObserveUnit("build", "api", 2*time.Second, "success")

	expected := `
		# HELP devstack_unit_results_total Per-unit task results
		# TYPE devstack_unit_results_total counter
		devstack_unit_results_total{phase="build",status="failure",unit="web"} 1
		devstack_unit_results_total{phase="build",status="success",unit="api"} 2
	`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "devstack_unit_results_total"); err != nil {
		t.Error(err)
	}

	count, err := testutil.GatherAndCount(m.Registry(), "devstack_unit_duration_seconds")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("unit duration series = %d, want 2", count)
	}
}

func TestPipeline_Runs(t *testing.T) {
	m := NewPipeline()
	m.ObservePhase("setup", 10*time.Second, "ok")
	m.ObserveRun(90*time.Second, "degraded")

	expected := `
		# HELP devstack_last_run_duration_seconds Duration of the most recent run
		# TYPE devstack_last_run_duration_seconds gauge
		devstack_last_run_duration_seconds 90
		# HELP devstack_runs_total Completed pipeline runs by result
		# TYPE devstack_runs_total counter
		devstack_runs_total{result="degraded"} 1
	`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"devstack_runs_total", "devstack_last_run_duration_seconds"); err != nil {
		t.Error(err)
	}
}

func TestTimingCollector(t *testing.T) {
	store := timing.NewStore()
	_ = store.Record(timing.OpKey("build", "api"), 4*time.Second)
	_ = store.Record(timing.OpKey("build", "api"), 6*time.Second)
	_ = store.Record(timing.PhaseKey("setup"), 1500*time.Millisecond)

	m := NewPipeline()
	if err := m.RegisterTiming(store); err != nil {
		t.Fatalf("RegisterTiming() error = %v", err)
	}

	expected := `
		# HELP devstack_timing_estimate_seconds Mean of the retained samples for a timing key
		# TYPE devstack_timing_estimate_seconds gauge
		devstack_timing_estimate_seconds{key="build:api"} 5
		devstack_timing_estimate_seconds{key="setup"} 1.5
	`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "devstack_timing_estimate_seconds"); err != nil {
		t.Error(err)
	}
}

func TestHandler(t *testing.T) {
	m := NewPipeline()
	m.ObserveRun(time.Second, "ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if rec.Code != 200 || !strings.Contains(string(body), `devstack_runs_total{result="ok"} 1`) {
		t.Errorf("status=%d body=%s", rec.Code, body)
	}
}

func TestWriteTextfile(t *testing.T) {
	m := NewPipeline()
	m.ObserveRun(5*time.Second, "ok")

	path := filepath.Join(t.TempDir(), "devstack.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `devstack_runs_total{result="ok"} 1`) {
		t.Errorf("textfile = %s", data)
	}
}
