package catalog

import (
	"strings"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/devstack/internal/errors"
)

// globMeta are the characters that turn a requested name into a pattern.
const globMeta = "*?[{"

// Resolve turns requested names or glob patterns into units, in request
// order without duplicates. An empty request selects every enabled unit.
//
// Every name must match a declaration and every pattern must match at least
// one. A worker is only accepted when its parent is also selected; with
// includeWorkers, the enabled workers of each selected service are appended.
func (c *Catalog) Resolve(requested []string, includeWorkers bool) ([]Unit, error) {
	var selected []Unit
	seen := make(map[string]bool)
	add := func(u Unit) {
		if !seen[u.Name] {
			seen[u.Name] = true
			selected = append(selected, u)
		}
	}

	if len(requested) == 0 {
		for _, name := range c.names {
			if u := c.units[name]; u.IsEnabled() && !u.IsWorker() {
				add(u)
			}
		}
		for _, name := range c.names {
			if u := c.units[name]; u.IsEnabled() && u.IsWorker() && seen[u.Parent] {
				add(u)
			}
		}
	}

	var unknown []string
	for _, req := range requested {
		req = strings.TrimSpace(req)
		if req == "" {
			continue
		}
		if !strings.ContainsAny(req, globMeta) {
			u, ok := c.units[req]
			if !ok {
				unknown = append(unknown, req)
				continue
			}
			add(u)
			continue
		}

		g, err := glob.Compile(req)
		if err != nil {
			return nil, errors.NewIntakeError("invalid unit pattern", err).WithUnits(req)
		}
		matched := false
		for _, name := range c.names {
			if g.Match(name) {
				add(c.units[name])
				matched = true
			}
		}
		if !matched {
			unknown = append(unknown, req)
		}
	}
	if len(unknown) > 0 {
		return nil, errors.NewIntakeError("cannot resolve request", errors.ErrUnknownUnit).WithUnits(unknown...)
	}

	var orphans []string
	for _, u := range selected {
		if u.IsWorker() && !seen[u.Parent] {
			orphans = append(orphans, u.Name)
		}
	}
	if len(orphans) > 0 {
		return nil, errors.NewIntakeError("workers need their parent in the request", errors.ErrWorkerWithoutParent).
			WithUnits(orphans...)
	}

	if includeWorkers {
		for _, u := range append([]Unit(nil), selected...) {
			if u.IsWorker() {
				continue
			}
			for _, w := range c.WorkersOf(u.Name) {
				add(w)
			}
		}
	}
	return selected, nil
}
