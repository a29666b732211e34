// Package collector gathers exactly one terminal outcome per unit from tasks
// running concurrently within a phase, and reads them back in request order
// once the phase has joined.
package collector

import (
	"sync"
)

// Status is a unit's terminal outcome within a phase.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// UnitResult is one unit's reported outcome.
type UnitResult struct {
	Unit   string
	Status Status
	// Step names the step that failed; empty on success.
	Step string
	// Log is the tail of the task's output.
	Log []string
	// Reported is false when the task never reported and the failure was synthesized.
	Reported bool
}

// PhaseResult is the partition of a phase's input units into successes and failures.
type PhaseResult struct {
	Phase   string
	Results []UnitResult
}

// Succeeded returns the names of units that succeeded, in input order.
func (p PhaseResult) Succeeded() []string {
	return p.names(StatusSuccess)
}

// Failed returns the names of units that failed, in input order.
func (p PhaseResult) Failed() []string {
	return p.names(StatusFailure)
}

// Failures returns the failed results, in input order.
func (p PhaseResult) Failures() []UnitResult {
	var out []UnitResult
	for _, r := range p.Results {
		if r.Status == StatusFailure {
			out = append(out, r)
		}
	}
	return out
}

// Get returns the result for unit.
func (p PhaseResult) Get(unit string) (UnitResult, bool) {
	for _, r := range p.Results {
		if r.Unit == unit {
			return r, true
		}
	}
	return UnitResult{}, false
}

func (p PhaseResult) names(status Status) []string {
	var out []string
	for _, r := range p.Results {
		if r.Status == status {
			out = append(out, r.Unit)
		}
	}
	return out
}

// Handle is one run's scratch area. Report is safe for concurrent use;
// Collect must only be called after every task of the phase has returned.
type Handle struct {
	runID string

	mu      sync.Mutex
	reports map[string]UnitResult
	logs    map[string]*LogBuffer
	ended   bool
}

// Begin allocates a scratch area for runID.
func Begin(runID string) *Handle {
	return &Handle{
		runID:   runID,
		reports: make(map[string]UnitResult),
		logs:    make(map[string]*LogBuffer),
	}
}

// RunID returns the run this handle belongs to.
func (h *Handle) RunID() string {
	return h.runID
}

// Log returns the output buffer for unit, creating it on first use.
// A task writes its output here; Report without an explicit log uses its tail.
func (h *Handle) Log(unit string) *LogBuffer {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf, ok := h.logs[unit]
	if !ok {
		buf = NewLogBuffer(DefaultTailLines)
		h.logs[unit] = buf
	}
	return buf
}

// Report records unit's terminal outcome. A second report for the same unit
// replaces the first. Reports after End are ignored.
func (h *Handle) Report(unit string, status Status, step string, log []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ended {
		return
	}
	if log == nil {
		if buf, ok := h.logs[unit]; ok {
			log = buf.Tail()
		}
	}
	if status == StatusSuccess {
		step = ""
	}
	h.reports[unit] = UnitResult{
		Unit:     unit,
		Status:   status,
		Step:     step,
		Log:      log,
		Reported: true,
	}
}

// Collect returns one result per expected unit in the given order.
// A unit with no report is a failure with an empty log. Reports are consumed
// so the handle can be reused for the next phase.
func (h *Handle) Collect(phase string, expected []string) PhaseResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := PhaseResult{Phase: phase, Results: make([]UnitResult, 0, len(expected))}
	seen := make(map[string]bool, len(expected))
	for _, unit := range expected {
		if seen[unit] {
			continue
		}
		seen[unit] = true

		r, ok := h.reports[unit]
		if !ok {
			r = UnitResult{Unit: unit, Status: StatusFailure, Log: []string{}}
		}
		result.Results = append(result.Results, r)
		delete(h.reports, unit)
		delete(h.logs, unit)
	}
	return result
}

// End releases the scratch area. Further reports are dropped.
func (h *Handle) End() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ended = true
	h.reports = nil
	h.logs = nil
}
