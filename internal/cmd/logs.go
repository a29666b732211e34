package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/devstack/internal/logging"
	"github.com/Iron-Ham/devstack/internal/report"
)

var logsCmd = &cobra.Command{
	Use:   "logs [unit]",
	Short: "Show container logs, or devstack's own debug log",
	Long: `Show the logs of a running unit, or of the whole stack without a unit.

With --debug, shows devstack's own structured log instead, filtered by
level, age, run, unit or pattern.

Examples:
  # Last 100 lines of the api container, then follow
  devstack logs api -f

  # Warnings and errors from the last hour of devstack's own log
  devstack logs --debug --level warn --since 1h

  # Everything devstack logged about one unit during one run
  devstack logs --debug --run 3f2a --unit api`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLogs,
}

var (
	logsTail   int
	logsFollow bool
	logsDebug  bool
	logsLevel  string
	logsSince  string
	logsGrep   string
	logsRun    string
	logsUnit   string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 100, "Number of lines to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().BoolVar(&logsDebug, "debug", false, "Show devstack's own log instead of container logs")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "With --debug, minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "With --debug, show entries since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "With --debug, show entries matching pattern (regex)")
	logsCmd.Flags().StringVar(&logsRun, "run", "", "With --debug, show entries whose run ID starts with this prefix")
	logsCmd.Flags().StringVar(&logsUnit, "unit", "", "With --debug, show entries about this unit")
}

// logEntry is one parsed JSON line of the debug log.
type logEntry struct {
	Time  time.Time      `json:"time"`
	Level string         `json:"level"`
	Msg   string         `json:"msg"`
	RunID string         `json:"run_id,omitempty"`
	Unit  string         `json:"unit,omitempty"`
	Phase string         `json:"phase,omitempty"`
	Extra map[string]any `json:"-"`
}

// UnmarshalJSON captures fields beyond the known ones in Extra.
func (e *logEntry) UnmarshalJSON(data []byte) error {
	type Alias logEntry
	aux := &struct {
		*Alias
	}{
		Alias: (*Alias)(e),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, known := range []string{"time", "level", "msg", "run_id", "unit", "phase"} {
		delete(all, known)
	}
	if len(all) > 0 {
		e.Extra = all
	}
	return nil
}

// logFilter selects debug log entries.
type logFilter struct {
	minLevel int
	since    time.Time
	grep     *regexp.Regexp
	run      string
	unit     string
}

func newLogFilter(level, since, grep, run, unit string, now time.Time) (logFilter, error) {
	f := logFilter{minLevel: -1, run: run, unit: unit}
	if level != "" {
		f.minLevel = levelPriority(logging.ParseLevel(level))
	}
	if since != "" {
		d, err := time.ParseDuration(since)
		if err != nil {
			return f, fmt.Errorf("invalid duration format: %w", err)
		}
		f.since = now.Add(-d)
	}
	if grep != "" {
		re, err := regexp.Compile(grep)
		if err != nil {
			return f, fmt.Errorf("invalid grep pattern: %w", err)
		}
		f.grep = re
	}
	return f, nil
}

// passes reports whether entry matches every configured criterion.
func (f logFilter) passes(entry *logEntry) bool {
	if f.minLevel >= 0 && levelPriority(entry.Level) < f.minLevel {
		return false
	}
	if !f.since.IsZero() && entry.Time.Before(f.since) {
		return false
	}
	if f.run != "" && !strings.HasPrefix(entry.RunID, f.run) {
		return false
	}
	if f.unit != "" && entry.Unit != f.unit {
		return false
	}
	if f.grep != nil {
		searchText := entry.Msg
		for _, v := range entry.Extra {
			searchText += " " + fmt.Sprintf("%v", v)
		}
		if !f.grep.MatchString(searchText) {
			return false
		}
	}
	return true
}

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorGray   = "\033[90m"
	colorBlue   = "\033[34m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
)

func levelColor(level string) string {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return colorGray
	case logging.LevelInfo:
		return colorBlue
	case logging.LevelWarn:
		return colorYellow
	case logging.LevelError:
		return colorRed
	default:
		return colorReset
	}
}

// levelPriority orders levels for filtering; unknown levels sort first.
func levelPriority(level string) int {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return 0
	case logging.LevelInfo:
		return 1
	case logging.LevelWarn:
		return 2
	case logging.LevelError:
		return 3
	default:
		return -1
	}
}

// formatLogEntry renders an entry on one line. Extra fields are sorted so
// output is stable.
func formatLogEntry(entry *logEntry, color bool) string {
	paint := func(code, s string) string {
		if !color {
			return s
		}
		return code + s + colorReset
	}

	var sb strings.Builder
	sb.WriteString(paint(colorGray, "["+entry.Time.Format("15:04:05.000")+"]"))
	sb.WriteString(" ")
	sb.WriteString(paint(levelColor(entry.Level), "["+strings.ToUpper(entry.Level)+"]"))
	sb.WriteString(" ")
	sb.WriteString(entry.Msg)

	field := func(key, value string) {
		sb.WriteString(" ")
		sb.WriteString(paint(colorCyan, key+"="))
		sb.WriteString(value)
	}
	if entry.RunID != "" {
		field("run", shortRun(entry.RunID))
	}
	if entry.Unit != "" {
		field("unit", entry.Unit)
	}
	if entry.Phase != "" {
		field("phase", entry.Phase)
	}

	keys := make([]string, 0, len(entry.Extra))
	for key := range entry.Extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		field(key, fmt.Sprintf("%v", entry.Extra[key]))
	}
	return sb.String()
}

func shortRun(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runLogs(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws, err := openWorkspace(!logsDebug)
	if err != nil {
		return err
	}
	defer ws.Close()

	out := cmd.OutOrStdout()
	if logsDebug {
		filter, err := newLogFilter(logsLevel, logsSince, logsGrep, logsRun, logsUnit, time.Now())
		if err != nil {
			return err
		}
		logPath := filepath.Join(ws.paths.Logs, logging.LogFileName)
		if _, err := os.Stat(logPath); os.IsNotExist(err) {
			fmt.Fprintf(out, "No debug log yet at %s\n", logPath)
			return nil
		}
		color := report.ColorEnabled(os.Stdout)
		if logsFollow {
			return followLogs(ctx, out, logPath, filter, color)
		}
		return displayLogs(out, logPath, logsTail, filter, color)
	}

	unit := ""
	if len(args) == 1 {
		unit = args[0]
		if _, ok := ws.catalog.Get(unit); !ok {
			return fmt.Errorf("unknown unit %q", unit)
		}
	}
	compose, err := ws.compose()
	if err != nil {
		return err
	}
	err = compose.Logs(ctx, unit, logsFollow, logsTail, out)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// displayLogs prints the last tail matching entries of the log file.
func displayLogs(out io.Writer, logPath string, tail int, filter logFilter, color bool) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	entries, err := readLogEntries(file, filter, color)
	if err != nil {
		return err
	}
	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	for _, entry := range entries {
		fmt.Fprintln(out, entry)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No matching log entries found.")
	}
	return nil
}

// readLogEntries formats every matching line of r. Lines that are not JSON
// pass through raw.
func readLogEntries(r io.Reader, filter logFilter, color bool) ([]string, error) {
	var entries []string
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var entry logEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			entries = append(entries, line)
			continue
		}
		if filter.passes(&entry) {
			entries = append(entries, formatLogEntry(&entry, color))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading log file: %w", err)
	}
	return entries, nil
}

// followLogs implements tail -f on the log file until ctx is cancelled.
func followLogs(ctx context.Context, out io.Writer, logPath string, filter logFilter, color bool) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}
	fmt.Fprintf(out, "Following logs... (Ctrl+C to stop)\n\n")

	reader := bufio.NewReader(file)
	var partial string
	for {
		chunk, err := reader.ReadString('\n')
		partial += chunk
		if err == io.EOF {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("error reading log file: %w", err)
		}

		line := strings.TrimSpace(partial)
		partial = ""
		if line == "" {
			continue
		}
		var entry logEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			fmt.Fprintln(out, line)
			continue
		}
		if filter.passes(&entry) {
			fmt.Fprintln(out, formatLogEntry(&entry, color))
		}
	}
}
