package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/Iron-Ham/devstack/internal/errors"
)

// lockedBuffer is a bytes.Buffer safe for concurrent writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimRight(b.buf.String(), "\n"), "\n")
}

func TestBuildLog_WholePrefixedLines(t *testing.T) {
	var out bytes.Buffer
	log := &buildLog{w: &out}

	a := log.unitWriter(PhaseBuild, "unit-a")
	b := log.unitWriter(PhaseBuild, "unit-b")
	fmt.Fprint(a, "#1 load ")
	fmt.Fprint(b, "#1 step one\n#2 step")
	fmt.Fprint(a, "context\n")
	fmt.Fprint(b, " two")
	b.flush()
	a.flush()

	want := "[build] [unit-b] #1 step one\n" +
		"[build] [unit-a] #1 load context\n" +
		"[build] [unit-b] #2 step two\n"
	if out.String() != want {
		t.Errorf("build log =\n%s\nwant\n%s", out.String(), want)
	}
}

func TestBuildLog_ConcurrentWritersDoNotInterleave(t *testing.T) {
	var out lockedBuffer
	log := &buildLog{w: &out}

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(unit string) {
			defer wg.Done()
			w := log.unitWriter(PhaseSetup, unit)
			for n := range 50 {
				fmt.Fprintf(w, "%s line %d\n", unit, n)
			}
			w.flush()
		}(fmt.Sprintf("unit-%d", i))
	}
	wg.Wait()

	lines := out.lines()
	if len(lines) != 8*50 {
		t.Fatalf("got %d lines, want %d", len(lines), 8*50)
	}
	for _, line := range lines {
		var unit, body string
		if _, err := fmt.Sscanf(line, "[setup] [%s", &unit); err != nil {
			t.Fatalf("malformed line %q", line)
		}
		unit = strings.TrimSuffix(unit, "]")
		body = strings.TrimPrefix(line, "[setup] ["+unit+"] ")
		if !strings.HasPrefix(body, unit+" line ") {
			t.Errorf("line %q mixes units", line)
		}
	}
}

func TestExecute_WritesBuildLog(t *testing.T) {
	h := newHarness(t, 0)
	h.stager.fail = map[string]error{
		"unit-b": setupFailure("unit-b", "config", errors.ErrRequiredConfigMissing),
	}
	var out lockedBuffer
	orch := New(h.orch.cfg, WithBuildLog(&out), WithIDGenerator(func() string { return "run-1" }))

	if _, err := orch.Execute(context.Background(), Request{Namespace: "s1", Units: []string{"unit-a", "unit-b"}}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	log := strings.Join(out.lines(), "\n")
	for _, want := range []string{
		"[setup] [unit-a] staging unit-a",
		"[setup] [unit-b] staging unit-b",
		"[setup] [unit-b] error: ",
		"[build] [unit-a] #1 building unit-a",
	} {
		if !strings.Contains(log, want) {
			t.Errorf("build log lacks %q:\n%s", want, log)
		}
	}
	if strings.Contains(log, "[build] [unit-b]") {
		t.Errorf("unit-b failed setup and must not be built:\n%s", log)
	}
}
