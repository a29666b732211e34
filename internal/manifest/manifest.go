// Package manifest generates the Docker Compose file a run builds and starts
// from. It is written once, after setup, for exactly the units that staged.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/devstack/internal/catalog"
)

// Label keys set on every generated service.
const (
	LabelUnit      = "dev.devstack.unit"
	LabelNamespace = "dev.devstack.namespace"
)

// Manifest is the subset of the Compose file format devstack writes.
type Manifest struct {
	Name     string             `yaml:"name"`
	Services map[string]Service `yaml:"services"`
}

// Service is one Compose service.
type Service struct {
	Build       Build             `yaml:"build"`
	Image       string            `yaml:"image"`
	Command     []string          `yaml:"command,omitempty"`
	Ports       []string          `yaml:"ports,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	ExtraHosts  []string          `yaml:"extra_hosts,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
}

// Build is a service's build section. Args are listed by name only so Compose
// takes their values from the environment and no secret lands on disk.
type Build struct {
	Context    string   `yaml:"context"`
	Dockerfile string   `yaml:"dockerfile"`
	Args       []string `yaml:"args,omitempty"`
}

// Options controls generation.
type Options struct {
	ProjectName string
	Namespace   string
	// DebugBasePort is the first host port for debuggers. Each unit with a
	// debug port gets DebugBasePort plus its index in the sorted catalog, so
	// two units never share a host port.
	DebugBasePort int
	// PassEnv names environment variables forwarded as build args when set.
	PassEnv []string
	// DependencyPort is the host port the dependency is reachable on.
	DependencyPort int
	// WorkDir returns the build context for a unit.
	WorkDir func(catalog.Unit) string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Generate builds the manifest for units.
func Generate(cat *catalog.Catalog, units []catalog.Unit, opts Options) (*Manifest, error) {
	if len(units) == 0 {
		return nil, fmt.Errorf("no units to describe")
	}
	if opts.WorkDir == nil {
		return nil, fmt.Errorf("manifest options need a WorkDir")
	}
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var args []string
	for _, name := range opts.PassEnv {
		if _, ok := lookup(name); ok {
			args = append(args, name)
		}
	}

	m := &Manifest{Name: opts.ProjectName, Services: make(map[string]Service, len(units))}
	for _, u := range units {
		svc := Service{
			Build: Build{
				Context:    opts.WorkDir(u),
				Dockerfile: u.DescriptorTarget(),
				Args:       args,
			},
			Image:   ImageName(opts.ProjectName, u.Name, opts.Namespace),
			Command: u.Command,
			Environment: map[string]string{
				"DEVSTACK_NAMESPACE": opts.Namespace,
				"REDIS_HOST":         "host.docker.internal",
				"REDIS_PORT":         strconv.Itoa(opts.DependencyPort),
			},
			ExtraHosts: []string{"host.docker.internal:host-gateway"},
			Labels: map[string]string{
				LabelUnit:      u.Name,
				LabelNamespace: opts.Namespace,
			},
		}
		for k, v := range u.Environment {
			svc.Environment[k] = v
		}
		if u.Port > 0 {
			svc.Ports = append(svc.Ports, fmt.Sprintf("%d:%d", u.Port, u.Port))
		}
		if u.DebugPort > 0 {
			idx := cat.Index(u.Name)
			if idx < 0 {
				return nil, fmt.Errorf("unit %s is not in the catalog", u.Name)
			}
			svc.Ports = append(svc.Ports, fmt.Sprintf("%d:%d", DebugHostPort(opts.DebugBasePort, idx), u.DebugPort))
		}
		m.Services[u.Name] = svc
	}
	return m, nil
}

// DebugHostPort returns the host debug port for the unit at catalog index idx.
func DebugHostPort(base, idx int) int {
	return base + idx
}

// ImageName returns the image tag built for a unit.
func ImageName(project, unit, namespace string) string {
	return fmt.Sprintf("%s-%s:%s", project, unit, namespace)
}

// Marshal renders the manifest as YAML.
func (m *Manifest) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}

// Write renders the manifest to path, replacing it atomically.
func (m *Manifest) Write(path string) error {
	data, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("render manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Units returns the service names in the manifest, sorted.
func (m *Manifest) Units() []string {
	out := make([]string, 0, len(m.Services))
	for name := range m.Services {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Load reads a manifest written by Write.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}
