package catalog

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/Iron-Ham/devstack/internal/errors"
)

const testCatalog = `
services:
  unit-a:
    repo: https://example.com/a.git
    ref: develop
    port: 8080
    debug_port: 5678
    dockerfile: dockerfiles/a.Dockerfile
    dockerfile_overrides:
      s2: dockerfiles/a.s2.Dockerfile
    configs:
      - source: configs/{namespace}/a.yaml
        destination: config/app.yaml
        required: true
      - source: configs/optional.env
        destination: .env
  unit-b:
    repo: https://example.com/b.git
    dockerfile: dockerfiles/b.Dockerfile
  unit-p:
    repo: https://example.com/p.git
    ref: master
  legacy:
    repo: https://example.com/legacy.git
    enabled: false
workers:
  worker-w:
    parent: unit-p
    dockerfile: dockerfiles/w.Dockerfile
  worker-x:
    parent: unit-p
    enabled: false
`

func mustParse(t *testing.T) *Catalog {
	t.Helper()
	c, err := Parse([]byte(testCatalog), "/catalog")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return c
}

func names(units []Unit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.Name
	}
	return out
}

func TestParse(t *testing.T) {
	c := mustParse(t)

	want := []string{"legacy", "unit-a", "unit-b", "unit-p", "worker-w", "worker-x"}
	if got := c.Names(); !slices.Equal(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}

	a, ok := c.Get("unit-a")
	if !ok {
		t.Fatal("unit-a not found")
	}
	if a.Name != "unit-a" || a.Port != 8080 || a.DebugPort != 5678 {
		t.Errorf("unit-a = %+v", a)
	}
	if len(a.Configs) != 2 || !a.Configs[0].Required || a.Configs[1].Required {
		t.Errorf("unit-a configs = %+v", a.Configs)
	}

	w, _ := c.Get("worker-w")
	if !w.IsWorker() || w.SourceName() != "unit-p" {
		t.Errorf("worker-w should be a worker of unit-p, got %+v", w)
	}
	if got := w.DescriptorTarget(); got != "Dockerfile.worker-w" {
		t.Errorf("worker DescriptorTarget() = %q", got)
	}

	if got := c.Index("unit-b"); got != 2 {
		t.Errorf("Index(unit-b) = %d, want 2", got)
	}
	if got := c.Index("nope"); got != -1 {
		t.Errorf("Index(nope) = %d, want -1", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"orphan worker", "workers:\n  w:\n    parent: ghost\n"},
		{"worker of worker", "services:\n  s: {}\nworkers:\n  w1:\n    parent: s\n  w2:\n    parent: w1\n"},
		{"duplicate name", "services:\n  x: {}\nworkers:\n  x:\n    parent: x\n"},
		{"bad port", "services:\n  s:\n    port: 70000\n"},
		{"overlay without destination", "services:\n  s:\n    configs:\n      - source: a\n"},
		{"overlay escaping the working copy", "services:\n  s:\n    configs:\n      - source: a\n        destination: ../../x\n"},
		{"absolute overlay destination", "services:\n  s:\n    configs:\n      - source: a\n        destination: /etc/passwd\n"},
		{"not yaml", "services: [unterminated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml), "/"); err == nil {
				t.Error("Parse() should fail")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "units.yaml")
	if err := os.WriteFile(path, []byte(testCatalog), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Dir != dir {
		t.Errorf("Dir = %q, want %q", c.Dir, dir)
	}
	if got := c.ExpandSource("configs/{namespace}/a.yaml", "s1"); got != filepath.Join(dir, "configs/s1/a.yaml") {
		t.Errorf("ExpandSource() = %q", got)
	}
	if got := c.ExpandSource("/abs/{namespace}.env", "s1"); got != "/abs/s1.env" {
		t.Errorf("ExpandSource(abs) = %q", got)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}

func TestUnitRefs(t *testing.T) {
	tests := []struct {
		unit         Unit
		wantRef      string
		wantFallback string
	}{
		{Unit{}, "main", "master"},
		{Unit{Ref: "master"}, "master", "main"},
		{Unit{Ref: "feature-x"}, "feature-x", "master"},
		{Unit{Ref: "feature-x", AlternateRef: "develop"}, "feature-x", "develop"},
	}
	for _, tt := range tests {
		if got := tt.unit.DeclaredRef(); got != tt.wantRef {
			t.Errorf("DeclaredRef() = %q, want %q", got, tt.wantRef)
		}
		if got := tt.unit.FallbackRef(); got != tt.wantFallback {
			t.Errorf("FallbackRef() = %q, want %q", got, tt.wantFallback)
		}
	}
}

func TestDescriptorSource(t *testing.T) {
	c := mustParse(t)
	a, _ := c.Get("unit-a")

	if got := a.DescriptorSource("s1"); got != "dockerfiles/a.Dockerfile" {
		t.Errorf("DescriptorSource(s1) = %q", got)
	}
	if got := a.DescriptorSource("s2"); got != "dockerfiles/a.s2.Dockerfile" {
		t.Errorf("DescriptorSource(s2) = %q", got)
	}
	if got := a.DescriptorTarget(); got != "Dockerfile" {
		t.Errorf("DescriptorTarget() = %q", got)
	}
}

func TestResolve(t *testing.T) {
	c := mustParse(t)

	tests := []struct {
		name           string
		requested      []string
		includeWorkers bool
		want           []string
		wantErr        error
		wantUnits      []string
	}{
		{
			name: "empty selects enabled",
			want: []string{"unit-a", "unit-b", "unit-p", "worker-w"},
		},
		{
			name:      "request order kept and deduplicated",
			requested: []string{"unit-b", "unit-a", "unit-b"},
			want:      []string{"unit-b", "unit-a"},
		},
		{
			name:      "unknown unit",
			requested: []string{"unit-a", "unit-ghost"},
			wantErr:   errors.ErrUnknownUnit,
			wantUnits: []string{"unit-ghost"},
		},
		{
			name:      "worker without parent",
			requested: []string{"worker-w"},
			wantErr:   errors.ErrWorkerWithoutParent,
			wantUnits: []string{"worker-w"},
		},
		{
			name:      "worker with parent",
			requested: []string{"worker-w", "unit-p"},
			want:      []string{"worker-w", "unit-p"},
		},
		{
			name:           "include workers",
			requested:      []string{"unit-p"},
			includeWorkers: true,
			want:           []string{"unit-p", "worker-w"},
		},
		{
			name:      "glob",
			requested: []string{"unit-*"},
			want:      []string{"unit-a", "unit-b", "unit-p"},
		},
		{
			name:      "glob without match",
			requested: []string{"api-*"},
			wantErr:   errors.ErrUnknownUnit,
			wantUnits: []string{"api-*"},
		},
		{
			name:      "disabled unit can be named explicitly",
			requested: []string{"legacy"},
			want:      []string{"legacy"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Resolve(tt.requested, tt.includeWorkers)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
				}
				var intake *errors.IntakeError
				if !errors.As(err, &intake) {
					t.Fatalf("Resolve() error should be an IntakeError, got %T", err)
				}
				if !slices.Equal(intake.Units, tt.wantUnits) {
					t.Errorf("IntakeError.Units = %v, want %v", intake.Units, tt.wantUnits)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if !slices.Equal(names(got), tt.want) {
				t.Errorf("Resolve() = %v, want %v", names(got), tt.want)
			}
		})
	}
}
