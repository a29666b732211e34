// Package watch is a terminal view that follows a run's progress document.
package watch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/Iron-Ham/devstack/internal/progress"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A78BFA"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F87171"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
)

// docMsg carries a new version of the progress document.
type docMsg struct {
	doc *progress.Document
}

// closedMsg is sent when the document source stops.
type closedMsg struct{}

// Model renders the latest progress document.
type Model struct {
	updates        <-chan *progress.Document
	doc            *progress.Document
	spinner        spinner.Model
	width          int
	exitOnComplete bool
	quitting       bool
}

// NewModel creates a Model reading documents from updates. With
// exitOnComplete the view quits once the run it shows completes.
func NewModel(updates <-chan *progress.Document, exitOnComplete bool) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = warningStyle
	return Model{
		updates:        updates,
		spinner:        s,
		exitOnComplete: exitOnComplete,
	}
}

// listen waits for the next document.
func listen(updates <-chan *progress.Document) tea.Cmd {
	return func() tea.Msg {
		doc, ok := <-updates
		if !ok {
			return closedMsg{}
		}
		return docMsg{doc: doc}
	}
}

// Init starts the spinner and the document listener.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, listen(m.updates))
}

// Update handles keys, resizes and new documents.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case docMsg:
		m.doc = msg.doc
		if m.exitOnComplete && m.doc.Completed {
			m.quitting = true
			return m, tea.Quit
		}
		return m, listen(m.updates)

	case closedMsg:
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// Document returns the document currently shown.
func (m Model) Document() *progress.Document {
	return m.doc
}

// View renders the run header, every phase and the unit table.
func (m Model) View() string {
	var b strings.Builder
	if m.doc == nil || m.doc.RunID == "" {
		b.WriteString(titleStyle.Render("devstack"))
		b.WriteString(" ")
		b.WriteString(mutedStyle.Render("waiting for a run..."))
		b.WriteString("\n")
		return b.String()
	}
	doc := m.doc

	b.WriteString(titleStyle.Render("devstack"))
	b.WriteString(" ")
	b.WriteString(mutedStyle.Render(fmt.Sprintf("run %s · namespace %s", shortID(doc.RunID), doc.Namespace)))
	b.WriteString("\n\n")

	for i, name := range doc.PhaseOrder {
		ps := doc.Phase(name)
		line := fmt.Sprintf("%s %d. %-9s", m.icon(ps.Status), i+1, name)
		switch {
		case ps.Status == progress.StatusComplete || ps.Status == progress.StatusFailed:
			line += " " + mutedStyle.Render((time.Duration(ps.DurationMS) * time.Millisecond).Round(time.Second).String())
		case ps.ETA != "":
			line += " " + mutedStyle.Render("est. "+ps.ETA)
		}
		if ps.Message != "" {
			line += "  " + ps.Message
		}
		b.WriteString(m.fit(line))
		b.WriteString("\n")
	}

	if len(doc.Units) > 0 {
		b.WriteString("\n")
		names := make([]string, 0, len(doc.Units))
		for name := range doc.Units {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			u := doc.Units[name]
			line := fmt.Sprintf("  %s %-24s %s", m.icon(u.Status), name, mutedStyle.Render(u.Phase))
			if u.Status == progress.StatusFailed && u.Step != "" {
				line += " " + errorStyle.Render("at "+u.Step)
			}
			b.WriteString(m.fit(line))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	switch {
	case doc.Completed && doc.Degraded:
		b.WriteString(warningStyle.Render("! finished degraded: nothing is running"))
	case doc.Completed:
		b.WriteString(successStyle.Render("✓ finished"))
	default:
		b.WriteString(mutedStyle.Render("q to quit"))
	}
	b.WriteString("\n")
	return b.String()
}

// fit truncates a styled line to the terminal width once it is known.
func (m Model) fit(line string) string {
	if m.width <= 3 || lipgloss.Width(line) <= m.width {
		return line
	}
	return ansi.Truncate(line, m.width, "...")
}

func (m Model) icon(status string) string {
	switch status {
	case progress.StatusComplete:
		return successStyle.Render("✓")
	case progress.StatusFailed:
		return errorStyle.Render("✗")
	case progress.StatusInProgress:
		return m.spinner.View()
	case progress.StatusSkipped:
		return mutedStyle.Render("-")
	default:
		return mutedStyle.Render("·")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
