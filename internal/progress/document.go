package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Phase and unit states written to the document.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
)

// Document is the progress file other processes poll: the dashboard, the
// watch view and anything else that wants to follow a run.
type Document struct {
	RunID     string    `json:"run_id"`
	Namespace string    `json:"namespace"`
	StartTime time.Time `json:"start_time"`
	// CurrentPhase is the 1-based position of the running phase in
	// PhaseOrder, 0 before the first phase starts.
	CurrentPhase int                   `json:"current_phase"`
	PhaseOrder   []string              `json:"phase_order"`
	Phases       map[string]PhaseState `json:"phases"`
	Units        map[string]UnitState  `json:"units"`
	Completed    bool                  `json:"completed"`
	Degraded     bool                  `json:"degraded,omitempty"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// PhaseState is one phase's entry in the document.
type PhaseState struct {
	Status     string     `json:"status"`
	Message    string     `json:"message,omitempty"`
	ETA        string     `json:"eta,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	DurationMS int64      `json:"duration_ms,omitempty"`
}

// UnitState is the latest phase a unit reached and how it went there.
type UnitState struct {
	Phase  string `json:"phase"`
	Status string `json:"status"`
	// Step names the failing step when Status is failed.
	Step string `json:"step,omitempty"`
}

// Phase returns the state of phase, or a pending state if unknown.
func (d *Document) Phase(name string) PhaseState {
	if ps, ok := d.Phases[name]; ok {
		return ps
	}
	return PhaseState{Status: StatusPending}
}

// Read loads a progress document from path.
func Read(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse progress document: %w", err)
	}
	return &doc, nil
}

// writeAtomic replaces path with data so readers never see a partial file.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".progress-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
