package manifest

import (
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/Iron-Ham/devstack/internal/catalog"
)

const units = `
services:
  api-a:
    port: 8080
    debug_port: 5678
    kind: python
    environment:
      LOG_LEVEL: debug
  api-b:
    port: 8081
    debug_port: 5678
    kind: python
  web:
    port: 3000
workers:
  api-a-worker:
    parent: api-a
    command: ["python", "-m", "worker"]
`

func generate(t *testing.T, names ...string) *Manifest {
	t.Helper()
	cat, err := catalog.Parse([]byte(units), "/catalog")
	if err != nil {
		t.Fatal(err)
	}
	var selected []catalog.Unit
	for _, n := range names {
		u, _ := cat.Get(n)
		selected = append(selected, u)
	}
	env := map[string]string{"GITHUB_TOKEN": "secret"}
	m, err := Generate(cat, selected, Options{
		ProjectName:    "devstack",
		Namespace:      "s1",
		DebugBasePort:  5678,
		PassEnv:        []string{"GITHUB_TOKEN", "NPM_TOKEN"},
		DependencyPort: 6379,
		WorkDir:        func(u catalog.Unit) string { return filepath.Join("/repos", u.SourceName()) },
		LookupEnv: func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	return m
}

func TestGenerate(t *testing.T) {
	m := generate(t, "api-a", "api-b", "api-a-worker", "web")

	if m.Name != "devstack" || len(m.Services) != 4 {
		t.Fatalf("manifest = %+v", m)
	}

	a := m.Services["api-a"]
	if a.Build.Context != "/repos/api-a" || a.Build.Dockerfile != "Dockerfile" {
		t.Errorf("api-a build = %+v", a.Build)
	}
	if !slices.Equal(a.Build.Args, []string{"GITHUB_TOKEN"}) {
		t.Errorf("build args = %v, want only the set variables", a.Build.Args)
	}
	if a.Image != "devstack-api-a:s1" {
		t.Errorf("image = %q", a.Image)
	}
	if a.Environment["LOG_LEVEL"] != "debug" || a.Environment["REDIS_PORT"] != "6379" {
		t.Errorf("environment = %v", a.Environment)
	}

	w := m.Services["api-a-worker"]
	if w.Build.Context != "/repos/api-a" || w.Build.Dockerfile != "Dockerfile.api-a-worker" {
		t.Errorf("worker build = %+v", w.Build)
	}
	if len(w.Ports) != 0 {
		t.Errorf("worker ports = %v, want none", w.Ports)
	}
}

func TestGenerate_DistinctDebugPorts(t *testing.T) {
	m := generate(t, "api-a", "api-b")

	// Sorted catalog: api-a(0) api-a-worker(1) api-b(2) web(3)
	if got := m.Services["api-a"].Ports; !slices.Equal(got, []string{"8080:8080", "5678:5678"}) {
		t.Errorf("api-a ports = %v", got)
	}
	if got := m.Services["api-b"].Ports; !slices.Equal(got, []string{"8081:8081", "5680:5678"}) {
		t.Errorf("api-b ports = %v", got)
	}
}

func TestGenerate_Empty(t *testing.T) {
	cat, _ := catalog.Parse([]byte(units), "/")
	if _, err := Generate(cat, nil, Options{WorkDir: func(catalog.Unit) string { return "" }}); err == nil {
		t.Error("Generate() with no units should fail")
	}
}

func TestWriteLoad(t *testing.T) {
	m := generate(t, "web")
	path := filepath.Join(t.TempDir(), "out", "docker-compose.yml")

	if err := m.Write(path); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	data, _ := m.Marshal()
	if !strings.Contains(string(data), "host.docker.internal:host-gateway") {
		t.Errorf("rendered manifest missing extra host:\n%s", data)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !slices.Equal(loaded.Units(), []string{"web"}) {
		t.Errorf("Units() = %v", loaded.Units())
	}
	if loaded.Services["web"].Labels[LabelUnit] != "web" {
		t.Errorf("labels = %v", loaded.Services["web"].Labels)
	}
}
