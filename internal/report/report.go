// Package report renders run outcomes and timing history for the terminal.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/term"

	"github.com/Iron-Ham/devstack/internal/collector"
	"github.com/Iron-Ham/devstack/internal/errors"
	"github.com/Iron-Ham/devstack/internal/pipeline"
	"github.com/Iron-Ham/devstack/internal/state"
	"github.com/Iron-Ham/devstack/internal/timing"
)

// Printer writes human-facing reports.
type Printer struct {
	w     io.Writer
	color bool
}

// New creates a Printer. Styling is applied only when color is set.
func New(w io.Writer, color bool) *Printer {
	return &Printer{w: w, color: color}
}

// ColorEnabled reports whether f is a terminal that should get color.
func ColorEnabled(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func (p *Printer) style(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

func (p *Printer) table() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(p.w)
	if p.color {
		tw.SetStyle(table.StyleRounded)
	} else {
		tw.SetStyle(table.StyleLight)
	}
	return tw
}

// Outcome prints a run's summary: one row per unit, every unit-local
// failure with its failing step and log tail, then the warnings.
func (p *Printer) Outcome(o *pipeline.Outcome, err error) {
	if o == nil {
		if err != nil {
			fmt.Fprintln(p.w, p.style(errorStyle, "✗ "+err.Error()))
		}
		return
	}

	fmt.Fprintln(p.w)
	fmt.Fprintf(p.w, "%s %s\n", p.style(titleStyle, "devstack run"),
		p.style(mutedStyle, fmt.Sprintf("%s · namespace %s · %s", shortID(o.RunID), o.Namespace,
			timing.FormatDuration(o.Durations[pipeline.KeyRun]))))

	tw := p.table()
	tw.AppendHeader(table.Row{"Unit", "Setup", "Build", "Status"})
	for _, unit := range o.Requested {
		tw.AppendRow(table.Row{unit, p.phaseCell(o.Setup, unit), p.phaseCell(o.Build, unit), p.statusCell(o, unit)})
	}
	tw.Render()

	if failures := o.Failures(); len(failures) > 0 {
		fmt.Fprintln(p.w)
		for _, f := range failures {
			p.failure(f)
		}
	}

	if len(o.Warnings) > 0 {
		fmt.Fprintln(p.w)
		for _, w := range o.Warnings {
			fmt.Fprintln(p.w, p.style(warningStyle, "! "+w))
		}
	}

	fmt.Fprintln(p.w)
	switch result := o.Result(err); result {
	case pipeline.ResultOK:
		fmt.Fprintln(p.w, p.style(successStyle, fmt.Sprintf("✓ %d running", len(o.Running))))
	case pipeline.ResultDegraded:
		fmt.Fprintln(p.w, p.style(warningStyle, "! degraded: nothing is running"))
	default:
		fmt.Fprintln(p.w, p.style(errorStyle, "✗ "+abortReason(err)))
	}
}

func (p *Printer) failure(f collector.UnitResult) {
	step := f.Step
	if step == "" {
		step = "unknown step"
	}
	header := fmt.Sprintf("✗ %s failed at %s", f.Unit, step)
	if !f.Reported {
		header = fmt.Sprintf("✗ %s never reported", f.Unit)
	}
	fmt.Fprintln(p.w, p.style(errorStyle, header))
	for _, line := range f.Log {
		fmt.Fprintln(p.w, p.style(logStyle, "| "+line))
	}
}

func (p *Printer) phaseCell(r collector.PhaseResult, unit string) string {
	res, ok := r.Get(unit)
	switch {
	case !ok:
		return p.style(mutedStyle, "-")
	case res.Status == collector.StatusSuccess:
		return p.style(successStyle, "ok")
	default:
		return p.style(errorStyle, "failed")
	}
}

func (p *Printer) statusCell(o *pipeline.Outcome, unit string) string {
	for _, u := range o.Running {
		if u == unit {
			return p.style(successStyle, "running")
		}
	}
	for _, u := range o.NotRunning {
		if u == unit {
			return p.style(warningStyle, "not running")
		}
	}
	return p.style(mutedStyle, "-")
}

func abortReason(err error) string {
	var phaseErr *errors.PhaseError
	if errors.As(err, &phaseErr) && phaseErr.Phase != "" {
		return fmt.Sprintf("aborted in %s: %v", phaseErr.Phase, err)
	}
	if errors.IsFatal(err) {
		return "aborted: " + err.Error()
	}
	return "failed: " + err.Error()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Estimates prints the ETA for each timing key.
func (p *Printer) Estimates(store *timing.Store) {
	keys := store.Keys()
	if len(keys) == 0 {
		fmt.Fprintln(p.w, p.style(mutedStyle, "no timing history yet"))
		return
	}
	tw := p.table()
	tw.AppendHeader(table.Row{"Key", "Estimate", "Samples", "Last"})
	for _, key := range keys {
		samples := store.Samples(key)
		last := ""
		if n := len(samples); n > 0 {
			last = timing.FormatDuration(samples[n-1].Duration)
		}
		tw.AppendRow(table.Row{key.String(), store.Estimate(key), len(samples), last})
	}
	tw.Render()
}

// Runs prints recent run summaries, newest first.
func (p *Printer) Runs(runs []state.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(p.w, p.style(mutedStyle, "no runs recorded"))
		return
	}
	tw := p.table()
	tw.AppendHeader(table.Row{"Run", "Started", "Namespace", "Duration", "Units", "Result"})
	for _, r := range runs {
		tw.AppendRow(table.Row{
			shortID(r.ID),
			r.StartedAt.Local().Format(time.DateTime),
			r.Namespace,
			timing.FormatDuration(r.Duration),
			fmt.Sprintf("%d/%d/%d", r.Running, r.Built, r.Requested),
			p.result(r.Result),
		})
	}
	tw.Render()
}

func (p *Printer) result(result string) string {
	switch result {
	case pipeline.ResultOK:
		return p.style(successStyle, result)
	case pipeline.ResultDegraded:
		return p.style(warningStyle, result)
	default:
		return p.style(errorStyle, result)
	}
}

// Pins prints the ref cache.
func (p *Printer) Pins(pins []state.PinEntry) {
	if len(pins) == 0 {
		fmt.Fprintln(p.w, p.style(mutedStyle, "no refs remembered"))
		return
	}
	tw := p.table()
	tw.AppendHeader(table.Row{"Unit", "Ref", "Updated"})
	for _, e := range pins {
		tw.AppendRow(table.Row{e.Unit, e.Ref, e.UpdatedAt.Local().Format(time.DateTime)})
	}
	tw.Render()
}

// Line prints a single styled status line.
func (p *Printer) Line(kind, msg string) {
	switch strings.ToLower(kind) {
	case "ok":
		fmt.Fprintln(p.w, p.style(successStyle, "✓ "+msg))
	case "warn":
		fmt.Fprintln(p.w, p.style(warningStyle, "! "+msg))
	case "error":
		fmt.Fprintln(p.w, p.style(errorStyle, "✗ "+msg))
	default:
		fmt.Fprintln(p.w, msg)
	}
}
