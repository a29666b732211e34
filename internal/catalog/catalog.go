// Package catalog loads the unit declarations a devstack run draws from.
//
// The catalog is a YAML file with two maps, services and workers:
//
//	services:
//	  health-api:
//	    repo: git@github.com:acme/health-api.git
//	    ref: develop
//	    port: 8080
//	    debug_port: 5678
//	    dockerfile: dockerfiles/health-api.Dockerfile
//	    configs:
//	      - source: configs/{namespace}/health_secrets.py
//	        destination: app/secrets.py
//	        required: true
//	workers:
//	  health-scheduler:
//	    parent: health-api
//	    dockerfile: dockerfiles/health-scheduler.Dockerfile
//
// Relative sources resolve against the catalog file's directory.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/devstack/internal/errors"
)

// NamespacePlaceholder is replaced by the run's namespace in config and
// descriptor source paths.
const NamespacePlaceholder = "{namespace}"

// Overlay is one config file copied into a unit's working copy.
type Overlay struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
	Required    bool   `yaml:"required"`
}

// Unit is a service or worker declaration.
type Unit struct {
	Name string `yaml:"-"`

	Repo         string `yaml:"repo,omitempty"`
	Ref          string `yaml:"ref,omitempty"`
	AlternateRef string `yaml:"alternate_ref,omitempty"`
	// Refresh forces discard-and-fast-forward for this unit on every run.
	Refresh bool `yaml:"refresh,omitempty"`

	Port      int    `yaml:"port,omitempty"`
	DebugPort int    `yaml:"debug_port,omitempty"`
	Kind      string `yaml:"kind,omitempty"`

	Dockerfile          string            `yaml:"dockerfile,omitempty"`
	DockerfileOverrides map[string]string `yaml:"dockerfile_overrides,omitempty"`
	// DockerfileTarget is where the descriptor is placed inside the working copy.
	DockerfileTarget string `yaml:"dockerfile_target,omitempty"`

	Configs []Overlay `yaml:"configs,omitempty"`

	Command     []string          `yaml:"command,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`

	// Parent marks a worker; it shares the parent's working copy.
	Parent  string `yaml:"parent,omitempty"`
	Enabled *bool  `yaml:"enabled,omitempty"`
}

// IsWorker reports whether the unit runs from its parent's working copy.
func (u Unit) IsWorker() bool {
	return u.Parent != ""
}

// IsEnabled reports whether the unit is part of an unqualified run.
func (u Unit) IsEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}

// SourceName is the unit whose working copy this unit builds from.
func (u Unit) SourceName() string {
	if u.IsWorker() {
		return u.Parent
	}
	return u.Name
}

// DeclaredRef returns the ref to check out, defaulting to main.
func (u Unit) DeclaredRef() string {
	if u.Ref == "" {
		return "main"
	}
	return u.Ref
}

// FallbackRef returns the ref tried when the declared one is missing remotely.
// An explicit alternate wins; otherwise main and master stand in for each other.
func (u Unit) FallbackRef() string {
	if u.AlternateRef != "" {
		return u.AlternateRef
	}
	switch u.DeclaredRef() {
	case "main":
		return "master"
	case "master":
		return "main"
	default:
		return "master"
	}
}

// DescriptorSource returns the build descriptor for namespace: the override
// if one is declared, else the default.
func (u Unit) DescriptorSource(namespace string) string {
	if src, ok := u.DockerfileOverrides[namespace]; ok && src != "" {
		return src
	}
	return u.Dockerfile
}

// DescriptorTarget returns where the descriptor is placed in the working copy.
func (u Unit) DescriptorTarget() string {
	if u.DockerfileTarget != "" {
		return u.DockerfileTarget
	}
	if u.IsWorker() {
		return "Dockerfile." + u.Name
	}
	return "Dockerfile"
}

// Catalog is the parsed set of declarations.
type Catalog struct {
	// Dir is the directory relative sources resolve against.
	Dir   string
	units map[string]Unit
	names []string
}

type catalogFile struct {
	Services map[string]Unit `yaml:"services"`
	Workers  map[string]Unit `yaml:"workers"`
}

// Load reads and validates the catalog at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read catalog")
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, errors.Wrap(err, "resolve catalog dir")
	}
	return Parse(data, abs)
}

// Parse decodes catalog YAML. Relative sources resolve against dir.
func Parse(data []byte, dir string) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "parse catalog")
	}

	c := &Catalog{Dir: dir, units: make(map[string]Unit)}
	for name, u := range file.Services {
		u.Name = name
		u.Parent = ""
		c.units[name] = u
	}
	for name, u := range file.Workers {
		if _, dup := c.units[name]; dup {
			return nil, errors.NewValidationError("name declared as both service and worker").
				WithField("workers." + name).WithValue(name)
		}
		if u.Parent == "" {
			return nil, errors.NewValidationError("worker must declare a parent").
				WithField("workers." + name + ".parent").WithValue(u.Parent)
		}
		u.Name = name
		c.units[name] = u
	}
	for name := range c.units {
		c.names = append(c.names, name)
	}
	slices.Sort(c.names)

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) validate() error {
	var errs []error
	for _, name := range c.names {
		u := c.units[name]
		if u.IsWorker() {
			parent, ok := c.units[u.Parent]
			if !ok {
				errs = append(errs, errors.NewValidationError("parent is not declared").
					WithField("workers."+name+".parent").WithValue(u.Parent))
			} else if parent.IsWorker() {
				errs = append(errs, errors.NewValidationError("parent must be a service").
					WithField("workers."+name+".parent").WithValue(u.Parent))
			}
		}
		for field, port := range map[string]int{"port": u.Port, "debug_port": u.DebugPort} {
			if port < 0 || port > 65535 {
				errs = append(errs, errors.NewValidationError("port out of range").
					WithField(name+"."+field).WithValue(port))
			}
		}
		for i, o := range u.Configs {
			if o.Source == "" || o.Destination == "" {
				errs = append(errs, errors.NewValidationError("overlay needs source and destination").
					WithField(fmt.Sprintf("%s.configs[%d]", name, i)).WithValue(o))
			} else if !filepath.IsLocal(o.Destination) {
				errs = append(errs, errors.NewValidationError("overlay destination must stay inside the working copy").
					WithField(fmt.Sprintf("%s.configs[%d].destination", name, i)).WithValue(o.Destination))
			}
		}
	}
	return errors.Join(errs...)
}

// Get returns the unit called name.
func (c *Catalog) Get(name string) (Unit, bool) {
	u, ok := c.units[name]
	return u, ok
}

// Names returns every declared unit name, sorted.
func (c *Catalog) Names() []string {
	return slices.Clone(c.names)
}

// Units returns every declared unit, sorted by name.
func (c *Catalog) Units() []Unit {
	out := make([]Unit, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, c.units[name])
	}
	return out
}

// Index returns name's position in the sorted catalog, or -1.
func (c *Catalog) Index(name string) int {
	i, ok := slices.BinarySearch(c.names, name)
	if !ok {
		return -1
	}
	return i
}

// WorkersOf returns the enabled workers whose parent is name, sorted.
func (c *Catalog) WorkersOf(name string) []Unit {
	var out []Unit
	for _, n := range c.names {
		u := c.units[n]
		if u.Parent == name && u.IsEnabled() {
			out = append(out, u)
		}
	}
	return out
}

// ExpandSource substitutes the namespace into src and makes it absolute
// relative to the catalog directory.
func (c *Catalog) ExpandSource(src, namespace string) string {
	src = strings.ReplaceAll(src, NamespacePlaceholder, namespace)
	if filepath.IsAbs(src) {
		return src
	}
	return filepath.Join(c.Dir, src)
}
